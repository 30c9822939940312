package sip

import (
	"fmt"
	"testing"
	"time"
)

func TestGuardBlocksAfterThreshold(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "192.0.2.10:5060"

	for i := 0; i < maxFailedAttempts-1; i++ {
		g.RecordFailure(source)
		if g.IsBlocked(source) {
			t.Fatalf("blocked after %d failures, threshold is %d", i+1, maxFailedAttempts)
		}
	}

	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("not blocked after reaching threshold")
	}

	// Port is irrelevant; blocking is per IP.
	if !g.IsBlocked("192.0.2.10:49152") {
		t.Error("block should apply to the IP regardless of port")
	}
	if g.IsBlocked("192.0.2.11:5060") {
		t.Error("other IPs must not be affected")
	}
}

func TestGuardSuccessClearsFailures(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "192.0.2.20:5060"

	for i := 0; i < maxFailedAttempts-1; i++ {
		g.RecordFailure(source)
	}
	g.RecordSuccess(source)

	// Counter restarted: the next failure is the first of a new series.
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Error("single failure after success should not block")
	}
}

func TestGuardProgressiveBlockDuration(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "192.0.2.30:5060"

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure(source)
	}

	g.mu.Lock()
	rec := g.records["192.0.2.30"]
	first := rec.blockFor
	// Simulate the block having expired.
	rec.blockedAt = time.Time{}
	g.mu.Unlock()

	if first != 2*blockDuration {
		t.Fatalf("blockFor after first block = %v, want %v", first, 2*blockDuration)
	}

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure(source)
	}

	g.mu.Lock()
	second := g.records["192.0.2.30"].blockFor
	g.mu.Unlock()
	if second != 4*blockDuration {
		t.Errorf("blockFor after second block = %v, want %v", second, 4*blockDuration)
	}
}

func TestGuardBlockDurationCapped(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "192.0.2.40:5060"

	// Enough offences to exceed the cap if doubling were unbounded.
	for round := 0; round < 15; round++ {
		for i := 0; i < maxFailedAttempts; i++ {
			g.RecordFailure(source)
		}
		g.mu.Lock()
		g.records["192.0.2.40"].blockedAt = time.Time{}
		g.mu.Unlock()
	}

	g.mu.Lock()
	blockFor := g.records["192.0.2.40"].blockFor
	g.mu.Unlock()
	if blockFor > maxBlockDuration {
		t.Errorf("blockFor = %v, want at most %v", blockFor, maxBlockDuration)
	}
}

func TestGuardBlockExpires(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "192.0.2.50:5060"

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure(source)
	}
	if !g.IsBlocked(source) {
		t.Fatal("expected block")
	}

	// Age the block past its duration.
	g.mu.Lock()
	rec := g.records["192.0.2.50"]
	rec.blockedAt = time.Now().Add(-rec.blockFor - time.Minute)
	g.mu.Unlock()

	if g.IsBlocked(source) {
		t.Error("block should have expired")
	}
}

func TestGuardUnblockIP(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "192.0.2.60:5060"

	if g.UnblockIP("192.0.2.60") {
		t.Error("unblocking a never-blocked IP should return false")
	}

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure(source)
	}
	if !g.UnblockIP("192.0.2.60") {
		t.Fatal("unblocking a blocked IP should return true")
	}
	if g.IsBlocked(source) {
		t.Error("IP should be unblocked")
	}
}

func TestGuardBlockedIPs(t *testing.T) {
	g := NewBruteForceGuard(testLogger())

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure("192.0.2.70:5060")
	}
	g.RecordFailure("192.0.2.71:5060")

	entries := g.BlockedIPs()
	if len(entries) != 1 {
		t.Fatalf("blocked entries = %d, want 1", len(entries))
	}
	if entries[0].IP != "192.0.2.70" {
		t.Errorf("blocked IP = %s, want 192.0.2.70", entries[0].IP)
	}
	if !entries[0].ExpiresAt.After(entries[0].BlockedAt) {
		t.Error("expiry must be after block time")
	}
}

func TestGuardCleanupDropsStaleRecords(t *testing.T) {
	g := NewBruteForceGuard(testLogger())

	g.RecordFailure("192.0.2.80:5060")
	g.mu.Lock()
	g.records["192.0.2.80"].windowStart = time.Now().Add(-failureWindow - time.Minute)
	g.mu.Unlock()

	g.Cleanup()

	g.mu.Lock()
	_, ok := g.records["192.0.2.80"]
	g.mu.Unlock()
	if ok {
		t.Error("stale record should be dropped by cleanup")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"192.0.2.1:5060", "192.0.2.1"},
		{"192.0.2.1", "192.0.2.1"},
		{"[2001:db8::1]:5060", "2001:db8::1"},
		{"2001:db8::1", "2001:db8::1"},
		{"", ""},
		{"not-an-ip", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.source), func(t *testing.T) {
			if got := extractIP(tt.source); got != tt.want {
				t.Errorf("extractIP(%q) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}
}
