package rtp

// Jitter buffer defaults, expressed in 20 ms frames.
const (
	// DefaultDepthFrames is the playout delay target (40 ms).
	DefaultDepthFrames = 2
	// DefaultMaxLateFrames is how far behind the playout cursor a packet
	// may arrive before it is counted as late loss (60 ms).
	DefaultMaxLateFrames = 3
	// maxAheadFrames bounds how far ahead of the cursor the buffer will
	// hold packets before treating the stream as having jumped.
	maxAheadFrames = 16
)

type jitterEntry struct {
	payload   []byte
	timestamp uint32
}

// JitterBuffer reorders incoming audio frames by sequence number for paced
// 20 ms playout. Packets arriving out of order within the window are
// inserted in order; duplicates and packets older than the late window are
// dropped. A missing frame at playout time is reported as a gap so the
// caller can substitute a concealment frame.
type JitterBuffer struct {
	entries map[uint16]jitterEntry
	stats   *Stats

	depth    int
	maxLate  int
	cursor   uint16 // next sequence number to play
	started  bool   // cursor initialized from first packet
	priming  bool   // holding playout until depth frames are buffered
	lastSeq  uint16 // highest sequence pushed, for reorder detection
	haveLast bool
}

// NewJitterBuffer creates a buffer with the default 40 ms depth and 60 ms
// late window, reporting drops into stats.
func NewJitterBuffer(stats *Stats) *JitterBuffer {
	return &JitterBuffer{
		entries: make(map[uint16]jitterEntry),
		stats:   stats,
		depth:   DefaultDepthFrames,
		maxLate: DefaultMaxLateFrames,
		priming: true,
	}
}

// seqBefore reports whether a is before b in 16-bit sequence space.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// Push inserts a received frame. Returns false if the frame was dropped
// (duplicate, late, or out of window).
func (jb *JitterBuffer) Push(seq uint16, timestamp uint32, payload []byte) bool {
	if !jb.started {
		jb.started = true
		jb.cursor = seq
	}

	if seqBefore(seq, jb.cursor) {
		behind := int(int16(jb.cursor - seq))
		if behind > jb.maxLate {
			jb.stats.LossCount.Add(1)
		}
		jb.stats.LateCount.Add(1)
		return false
	}

	if existing, ok := jb.entries[seq]; ok && existing.timestamp == timestamp {
		// Duplicate (same seq and timestamp).
		jb.stats.Discarded.Add(1)
		return false
	}

	ahead := int(int16(seq - jb.cursor))
	if ahead > maxAheadFrames {
		// The stream jumped; resynchronize on the new position.
		jb.resync(seq)
	}

	if jb.haveLast && seqBefore(seq, jb.lastSeq) {
		jb.stats.ReorderCount.Add(1)
	}
	if !jb.haveLast || seqBefore(jb.lastSeq, seq) {
		jb.lastSeq = seq
		jb.haveLast = true
	}

	jb.entries[seq] = jitterEntry{payload: payload, timestamp: timestamp}

	if jb.priming && len(jb.entries) >= jb.depth {
		jb.priming = false
	}
	return true
}

// Pop releases the next sequential frame on the 20 ms playout tick.
// It returns (nil, false) while the buffer is priming or empty, and
// (nil, true) for a gap the caller should conceal; the cursor advances
// past the gap.
func (jb *JitterBuffer) Pop() ([]byte, bool) {
	if !jb.started || jb.priming {
		return nil, false
	}
	if len(jb.entries) == 0 {
		// Nothing buffered at all: wait rather than burn through PLC.
		jb.priming = true
		return nil, false
	}

	entry, ok := jb.entries[jb.cursor]
	if ok {
		delete(jb.entries, jb.cursor)
		jb.cursor++
		return entry.payload, true
	}

	// Gap: conceal and advance.
	jb.stats.LossCount.Add(1)
	jb.cursor++
	return nil, true
}

// Reset drops all buffered frames and restarts synchronization, used when
// the remote SSRC changes mid-stream.
func (jb *JitterBuffer) Reset() {
	jb.entries = make(map[uint16]jitterEntry)
	jb.started = false
	jb.priming = true
	jb.haveLast = false
}

// Len returns the number of buffered frames.
func (jb *JitterBuffer) Len() int {
	return len(jb.entries)
}

func (jb *JitterBuffer) resync(seq uint16) {
	jb.entries = make(map[uint16]jitterEntry)
	jb.cursor = seq
	jb.priming = true
	jb.haveLast = false
}
