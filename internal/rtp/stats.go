package rtp

import "sync/atomic"

// Stats holds running counters for one RTP session. All fields are updated
// atomically so snapshots can be taken without locks.
type Stats struct {
	PacketsIn    atomic.Uint64
	PacketsOut   atomic.Uint64
	BytesIn      atomic.Uint64
	BytesOut     atomic.Uint64
	LossCount    atomic.Uint64
	LateCount    atomic.Uint64
	ReorderCount atomic.Uint64
	Discarded    atomic.Uint64
	SSRCChanges  atomic.Uint64
	MaxJitter    atomic.Uint32 // in timestamp units
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PacketsIn    uint64
	PacketsOut   uint64
	BytesIn      uint64
	BytesOut     uint64
	LossCount    uint64
	LateCount    uint64
	ReorderCount uint64
	Discarded    uint64
	SSRCChanges  uint64
	MaxJitter    uint32
}

// Snapshot returns a copy of the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsIn:    s.PacketsIn.Load(),
		PacketsOut:   s.PacketsOut.Load(),
		BytesIn:      s.BytesIn.Load(),
		BytesOut:     s.BytesOut.Load(),
		LossCount:    s.LossCount.Load(),
		LateCount:    s.LateCount.Load(),
		ReorderCount: s.ReorderCount.Load(),
		Discarded:    s.Discarded.Load(),
		SSRCChanges:  s.SSRCChanges.Load(),
		MaxJitter:    s.MaxJitter.Load(),
	}
}

// observeJitter records a jitter sample, keeping the running maximum.
func (s *Stats) observeJitter(j uint32) {
	for {
		cur := s.MaxJitter.Load()
		if j <= cur || s.MaxJitter.CompareAndSwap(cur, j) {
			return
		}
	}
}
