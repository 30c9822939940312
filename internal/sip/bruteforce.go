package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxFailedAttempts is the number of failed SIP auth attempts before a
	// source IP is blocked. Mirrors fail2ban's "maxretry" setting.
	maxFailedAttempts = 10

	// blockDuration is the initial block length. Repeat offences double it
	// up to maxBlockDuration.
	blockDuration    = 5 * time.Minute
	maxBlockDuration = 24 * time.Hour

	// failureWindow is the sliding window in which failures are counted.
	failureWindow = 10 * time.Minute
)

// ipRecord tracks per-IP authentication failure state. Failures are counted
// against a window start; when the window lapses the counter restarts.
type ipRecord struct {
	failures    int
	windowStart time.Time
	blockedAt   time.Time     // zero when not blocked
	blockFor    time.Duration // progressive, preserved across blocks
}

func (r *ipRecord) blockedNow(now time.Time) bool {
	return !r.blockedAt.IsZero() && now.Sub(r.blockedAt) <= r.blockFor
}

// BruteForceGuard blocks source IPs that exceed the SIP auth failure
// threshold, fail2ban-style: maxFailedAttempts failures within failureWindow
// block the IP for blockDuration, doubling on repeat offences up to
// maxBlockDuration. Blocks expire automatically.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*ipRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		records: make(map[string]*ipRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether the source address ("ip:port" or bare "ip") is
// currently blocked.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || rec.blockedAt.IsZero() {
		return false
	}
	if !rec.blockedNow(time.Now()) {
		rec.blockedAt = time.Time{}
		rec.failures = 0
		return false
	}
	return true
}

// RecordFailure counts a failed authentication attempt from the source.
// Crossing the threshold blocks the IP.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{blockFor: blockDuration, windowStart: now}
		g.records[ip] = rec
	}

	if rec.blockedNow(now) {
		return
	}

	if now.Sub(rec.windowStart) > failureWindow {
		rec.failures = 0
		rec.windowStart = now
	}
	rec.failures++

	if rec.failures >= maxFailedAttempts {
		rec.blockedAt = now
		rec.failures = 0

		g.logger.Warn("ip blocked due to excessive failed sip auth attempts",
			"ip", ip,
			"block_duration", rec.blockFor.String(),
		)

		// Progressive backoff for the next offence.
		next := rec.blockFor * 2
		if next > maxBlockDuration {
			next = maxBlockDuration
		}
		rec.blockFor = next
	}
}

// RecordSuccess clears the failure counter for a source on successful auth.
// The progressive block duration is preserved so repeat offenders still get
// longer blocks if they fail again.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = 0
	}
}

// Cleanup drops expired blocks and stale records. Runs periodically
// alongside nonce cleanup.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if !rec.blockedAt.IsZero() && !rec.blockedNow(now) {
			rec.blockedAt = time.Time{}
			rec.failures = 0
		}
		stale := now.Sub(rec.windowStart) > failureWindow
		if rec.blockedAt.IsZero() && (rec.failures == 0 || stale) {
			delete(g.records, ip)
		}
	}
}

// BlockedIPEntry is a single blocked IP for admin display.
type BlockedIPEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockedIPs returns a snapshot of currently blocked IPs and when their
// block expires.
func (g *BruteForceGuard) BlockedIPs() []BlockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var entries []BlockedIPEntry
	for ip, rec := range g.records {
		if rec.blockedNow(now) {
			entries = append(entries, BlockedIPEntry{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.blockedAt.Add(rec.blockFor),
			})
		}
	}
	return entries
}

// UnblockIP removes a block for the given IP. Returns true if the IP was
// blocked.
func (g *BruteForceGuard) UnblockIP(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blockedNow(time.Now()) {
		return false
	}
	rec.blockedAt = time.Time{}
	rec.failures = 0
	g.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
