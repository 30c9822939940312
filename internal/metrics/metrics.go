// Package metrics exposes a prometheus.Collector that reads live state from
// the call, media, SIP, and storage layers at scrape time.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallCountProvider exposes the number of active calls.
type CallCountProvider interface {
	Count() int
}

// PortUsageProvider exposes RTP port pool usage.
type PortUsageProvider interface {
	AllocatedCount() int
	Capacity() int
}

// RegistrationCounter returns the number of active SIP registrations.
type RegistrationCounter interface {
	Count(ctx context.Context) (int64, error)
}

// TrunkStatusEntry is one trunk's status for metrics.
type TrunkStatusEntry struct {
	TrunkID        int64
	Name           string
	Status         string
	ActiveChannels int64
}

// TrunkStatusProvider exposes trunk registration statuses.
type TrunkStatusProvider interface {
	TrunkStatuses() []TrunkStatusEntry
}

// CDRDirectionCounter returns call totals grouped by direction.
type CDRDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// Collector gathers VoiceBridge metrics at scrape time. Any provider may be
// nil when the corresponding layer is unavailable.
type Collector struct {
	calls         CallCountProvider
	ports         PortUsageProvider
	registrations RegistrationCounter
	trunks        TrunkStatusProvider
	cdrs          CDRDirectionCounter
	startTime     time.Time

	activeCallsDesc   *prometheus.Desc
	portsUsedDesc     *prometheus.Desc
	portsCapDesc      *prometheus.Desc
	registrationsDesc *prometheus.Desc
	trunkStatusDesc   *prometheus.Desc
	trunkChannelsDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a collector over the given providers.
func NewCollector(
	calls CallCountProvider,
	ports PortUsageProvider,
	registrations RegistrationCounter,
	trunks TrunkStatusProvider,
	cdrs CDRDirectionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:         calls,
		ports:         ports,
		registrations: registrations,
		trunks:        trunks,
		cdrs:          cdrs,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of currently active calls",
			nil, nil,
		),
		portsUsedDesc: prometheus.NewDesc(
			"voicebridge_rtp_ports_allocated",
			"RTP port pairs currently allocated",
			nil, nil,
		),
		portsCapDesc: prometheus.NewDesc(
			"voicebridge_rtp_ports_capacity",
			"Total RTP port pairs in the configured range",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"voicebridge_registered_devices",
			"Number of currently registered SIP devices",
			nil, nil,
		),
		trunkStatusDesc: prometheus.NewDesc(
			"voicebridge_trunk_status",
			"Trunk registration status (1=registered/healthy, 0=other)",
			[]string{"trunk_id", "name", "status"}, nil,
		),
		trunkChannelsDesc: prometheus.NewDesc(
			"voicebridge_trunk_active_channels",
			"Calls currently admitted to the trunk",
			[]string{"trunk_id", "name"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voicebridge_calls_total",
			"Total number of calls processed (from CDR)",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.portsUsedDesc
	ch <- c.portsCapDesc
	ch <- c.registrationsDesc
	ch <- c.trunkStatusDesc
	ch <- c.trunkChannelsDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
	}

	if c.ports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portsUsedDesc, prometheus.GaugeValue,
			float64(c.ports.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsCapDesc, prometheus.GaugeValue,
			float64(c.ports.Capacity()),
		)
	}

	if c.registrations != nil {
		count, err := c.registrations.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count registrations", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.registrationsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.trunks != nil {
		for _, t := range c.trunks.TrunkStatuses() {
			val := 0.0
			if t.Status == "registered" {
				val = 1.0
			}
			id := fmt.Sprintf("%d", t.TrunkID)
			ch <- prometheus.MustNewConstMetric(
				c.trunkStatusDesc, prometheus.GaugeValue, val,
				id, t.Name, t.Status,
			)
			ch <- prometheus.MustNewConstMetric(
				c.trunkChannelsDesc, prometheus.GaugeValue,
				float64(t.ActiveChannels),
				id, t.Name,
			)
		}
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound", "local"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
