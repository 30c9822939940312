package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxRTPPacket is the largest UDP datagram the relay forwards.
	maxRTPPacket = 1500

	// minRTPHeader is the fixed RTP header size.
	minRTPHeader = 12

	// relayReadTimeout lets the forward loops re-check the stop flag.
	relayReadTimeout = 100 * time.Millisecond
)

// rtpPayloadType extracts the payload type from a raw RTP packet, or -1
// when the datagram is too small to be RTP.
func rtpPayloadType(pkt []byte) int {
	if len(pkt) < minRTPHeader {
		return -1
	}
	return int(pkt[1] & 0x7F)
}

// atomicAddr stores a UDP address that forward loops update as symmetric
// RTP learns the real (post-NAT) source.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr { return a.v.Load() }

func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// RelayStats counts packet flow in both directions of a two-leg call.
type RelayStats struct {
	PacketsAToB atomic.Int64
	PacketsBToA atomic.Int64
	BytesAToB   atomic.Int64
	BytesBToA   atomic.Int64
	Dropped     atomic.Int64
}

// RelayConfig wires a bidirectional RTP relay between two call legs. Leg A
// is the caller, leg B the callee.
type RelayConfig struct {
	CallID  string
	LegA    *SocketPair
	LegB    *SocketPair
	RemoteA *net.UDPAddr // leg A's far end, from the caller's SDP
	RemoteB *net.UDPAddr // leg B's far end, from the callee's SDP answer

	// OnFatal fires at most once with ReasonRTPTimeout when both legs go
	// silent past the no-media window.
	OnFatal func(reason string)

	Logger *slog.Logger
}

// Relay forwards RTP datagrams between the two legs of a local or
// trunk-terminated call. G.711 passthrough only; the payload is never
// re-encoded. Symmetric RTP: each leg's real remote address is learned
// from the first valid packet it sends, which keeps NATed endpoints
// working when their SDP advertises a private address.
type Relay struct {
	cfg    RelayConfig
	logger *slog.Logger

	remoteA *atomicAddr
	remoteB *atomicAddr

	held          atomic.Bool
	lastMediaNano atomic.Int64

	Stats RelayStats

	stopped   atomic.Bool
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

// NewRelay creates a relay; packets do not flow until Start.
func NewRelay(cfg RelayConfig) *Relay {
	return &Relay{
		cfg:     cfg,
		logger:  cfg.Logger.With("subsystem", "rtp-relay", "call_id", cfg.CallID),
		remoteA: newAtomicAddr(cfg.RemoteA),
		remoteB: newAtomicAddr(cfg.RemoteB),
	}
}

// Start launches both forward loops and the silence watchdog.
func (r *Relay) Start() {
	r.lastMediaNano.Store(time.Now().UnixNano())

	r.wg.Add(3)
	go r.forward("a_to_b", r.cfg.LegA.RTPConn, r.cfg.LegB.RTPConn, r.remoteB, r.remoteA, &r.Stats.PacketsAToB, &r.Stats.BytesAToB)
	go r.forward("b_to_a", r.cfg.LegB.RTPConn, r.cfg.LegA.RTPConn, r.remoteA, r.remoteB, &r.Stats.PacketsBToA, &r.Stats.BytesBToA)
	go r.watchdog()

	r.logger.Info("rtp relay started",
		"leg_a_port", r.cfg.LegA.Ports.RTP,
		"leg_b_port", r.cfg.LegB.Ports.RTP,
	)
}

// Stop halts the loops. It does not close the sockets; the port allocator
// owns those. Safe to call more than once.
func (r *Relay) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.wg.Wait()
	r.logger.Info("rtp relay stopped",
		"packets_a_to_b", r.Stats.PacketsAToB.Load(),
		"packets_b_to_a", r.Stats.PacketsBToA.Load(),
		"dropped", r.Stats.Dropped.Load(),
	)
}

// SetHeld pauses forwarding and the silence watchdog while on hold.
func (r *Relay) SetHeld(held bool) {
	r.held.Store(held)
	if !held {
		r.lastMediaNano.Store(time.Now().UnixNano())
	}
}

// SetRemoteA repoints leg A's far end after a re-INVITE moved the
// caller's media.
func (r *Relay) SetRemoteA(addr *net.UDPAddr) {
	r.remoteA.v.Store(addr)
}

func (r *Relay) fatal(reason string) {
	r.fatalOnce.Do(func() {
		r.logger.Warn("rtp relay fatal", "reason", reason)
		if r.cfg.OnFatal != nil {
			r.cfg.OnFatal(reason)
		}
	})
}

// forward pumps one direction. writeRemote is where packets go; learnRemote
// is updated with the first packet's true source for the reverse direction.
func (r *Relay) forward(direction string, src, dst *net.UDPConn, writeRemote, learnRemote *atomicAddr, packets, bytes *atomic.Int64) {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	learned := false
	for {
		if r.stopped.Load() {
			return
		}

		src.SetReadDeadline(time.Now().Add(relayReadTimeout))
		n, srcAddr, err := src.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("rtp read error", "direction", direction, "error", err)
			continue
		}

		pkt := buf[:n]
		pt := rtpPayloadType(pkt)
		switch pt {
		case PayloadPCMU, PayloadPCMA, PayloadTelephoneEvent:
		default:
			r.Stats.Dropped.Add(1)
			continue
		}

		if !learned {
			if learnRemote.update(srcAddr) {
				r.logger.Debug("symmetric rtp learned remote",
					"direction", direction,
					"address", srcAddr.String(),
				)
			}
			learned = true
		}

		r.lastMediaNano.Store(time.Now().UnixNano())

		if r.held.Load() {
			continue
		}

		target := writeRemote.load()
		if target == nil {
			r.Stats.Dropped.Add(1)
			continue
		}
		if _, err := dst.WriteToUDP(pkt, target); err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug("rtp write error", "direction", direction, "error", err)
			continue
		}
		packets.Add(1)
		bytes.Add(int64(n))
	}
}

// watchdog ends the call when no media has arrived on either leg for the
// no-media window.
func (r *Relay) watchdog() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if r.stopped.Load() {
			return
		}
		if r.held.Load() {
			continue
		}
		last := time.Unix(0, r.lastMediaNano.Load())
		if time.Since(last) > noMediaTimeout {
			r.fatal(ReasonRTPTimeout)
			return
		}
	}
}
