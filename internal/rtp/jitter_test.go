package rtp

import (
	"bytes"
	"testing"
)

func frameByte(b byte) []byte {
	f := make([]byte, 160)
	for i := range f {
		f[i] = b
	}
	return f
}

func primeBuffer(jb *JitterBuffer, startSeq uint16, n int) {
	for i := 0; i < n; i++ {
		seq := startSeq + uint16(i)
		jb.Push(seq, uint32(seq)*160, frameByte(byte(seq)))
	}
}

func TestInOrderPlayout(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)
	primeBuffer(jb, 100, 4)

	for want := byte(100); want < 104; want++ {
		payload, ok := jb.Pop()
		if !ok || payload == nil {
			t.Fatalf("Pop() = (%v, %v), want frame %d", payload, ok, want)
		}
		if !bytes.Equal(payload, frameByte(want)) {
			t.Fatalf("Pop() returned frame %d, want %d", payload[0], want)
		}
	}
}

func TestReorderedArrival(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)

	jb.Push(10, 1600, frameByte(10))
	jb.Push(12, 1920, frameByte(12)) // out of order
	jb.Push(11, 1760, frameByte(11))

	for want := byte(10); want <= 12; want++ {
		payload, ok := jb.Pop()
		if !ok || payload == nil {
			t.Fatalf("Pop() gap at frame %d", want)
		}
		if payload[0] != want {
			t.Fatalf("Pop() = frame %d, want %d", payload[0], want)
		}
	}
	if got := stats.ReorderCount.Load(); got != 1 {
		t.Errorf("ReorderCount = %d, want 1", got)
	}
}

func TestGapProducesConcealment(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)

	jb.Push(1, 160, frameByte(1))
	jb.Push(3, 480, frameByte(3)) // seq 2 missing

	if payload, ok := jb.Pop(); !ok || payload == nil || payload[0] != 1 {
		t.Fatalf("first Pop() = (%v, %v)", payload, ok)
	}
	// Missing frame: gap signaled with nil payload, cursor advances.
	payload, ok := jb.Pop()
	if !ok || payload != nil {
		t.Fatalf("gap Pop() = (%v, %v), want (nil, true)", payload, ok)
	}
	if got := stats.LossCount.Load(); got != 1 {
		t.Errorf("LossCount = %d, want 1", got)
	}
	if payload, ok := jb.Pop(); !ok || payload == nil || payload[0] != 3 {
		t.Fatalf("post-gap Pop() = (%v, %v)", payload, ok)
	}
}

func TestDuplicateDropped(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)

	if !jb.Push(5, 800, frameByte(5)) {
		t.Fatal("first push rejected")
	}
	if jb.Push(5, 800, frameByte(5)) {
		t.Error("duplicate (seq, ts) accepted")
	}
	if got := stats.Discarded.Load(); got != 1 {
		t.Errorf("Discarded = %d, want 1", got)
	}
}

func TestLatePacketDropped(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)
	primeBuffer(jb, 100, 6)

	for i := 0; i < 6; i++ {
		jb.Pop()
	}

	// Cursor is now at 106; a packet for seq 101 is 5 frames (100 ms) late.
	if jb.Push(101, 101*160, frameByte(101)) {
		t.Error("late packet accepted")
	}
	if got := stats.LateCount.Load(); got == 0 {
		t.Error("LateCount not incremented")
	}
}

func TestPrimingHoldsPlayout(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)

	jb.Push(1, 160, frameByte(1))
	// Only one frame buffered; target depth is two.
	if payload, ok := jb.Pop(); ok || payload != nil {
		t.Errorf("Pop() during priming = (%v, %v), want (nil, false)", payload, ok)
	}
	jb.Push(2, 320, frameByte(2))
	if payload, ok := jb.Pop(); !ok || payload == nil {
		t.Errorf("Pop() after priming = (%v, %v), want frame", payload, ok)
	}
}

func TestResetDropsState(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)
	primeBuffer(jb, 40, 3)

	jb.Reset()
	if jb.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", jb.Len())
	}
	// A completely different sequence range must be accepted after reset.
	if !jb.Push(9000, 10, frameByte(1)) {
		t.Error("push after Reset rejected")
	}
}

func TestSequenceWraparound(t *testing.T) {
	var stats Stats
	jb := NewJitterBuffer(&stats)

	jb.Push(65534, 100, frameByte(1))
	jb.Push(65535, 260, frameByte(2))
	jb.Push(0, 420, frameByte(3))
	jb.Push(1, 580, frameByte(4))

	count := 0
	for {
		payload, ok := jb.Pop()
		if !ok {
			break
		}
		if payload == nil {
			t.Fatal("unexpected gap across wraparound")
		}
		count++
	}
	if count != 4 {
		t.Errorf("played %d frames across wraparound, want 4", count)
	}
}
