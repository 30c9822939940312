package rtp

import (
	"testing"

	"github.com/pion/rtp"
)

func marshalPacket(t *testing.T, seq uint16, ts uint32, ssrc uint32, pt uint8, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	b, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestPacketizeSequencing(t *testing.T) {
	s := NewSession(PayloadPCMU)
	payload := make([]byte, 160)

	first := s.Packetize(payload, true)
	second := s.Packetize(payload, false)

	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("seq = %d after %d, want +1", second.SequenceNumber, first.SequenceNumber)
	}
	if second.Timestamp != first.Timestamp+samplesPerFrame {
		t.Errorf("ts = %d after %d, want +%d", second.Timestamp, first.Timestamp, samplesPerFrame)
	}
	if first.SSRC != second.SSRC {
		t.Error("SSRC changed between packets")
	}
	if !first.Marker || second.Marker {
		t.Error("marker bits not carried through")
	}
	if got := s.Stats.PacketsOut.Load(); got != 2 {
		t.Errorf("PacketsOut = %d, want 2", got)
	}
}

func TestReceiveClassification(t *testing.T) {
	s := NewSession(PayloadPCMU)

	audio := marshalPacket(t, 1, 160, 0xAABB, PayloadPCMU, make([]byte, 160))
	if in := s.Receive(audio); in.Kind != KindAudio {
		t.Errorf("audio packet classified as %v", in.Kind)
	}

	dtmf := marshalPacket(t, 2, 320, 0xAABB, PayloadTelephoneEvent, []byte{5, 0x80, 0, 160})
	if in := s.Receive(dtmf); in.Kind != KindDTMF {
		t.Errorf("telephone-event packet classified as %v", in.Kind)
	}

	other := marshalPacket(t, 3, 480, 0xAABB, 96, make([]byte, 160))
	if in := s.Receive(other); in.Kind != KindDiscard {
		t.Errorf("unknown payload type classified as %v", in.Kind)
	}

	if in := s.Receive([]byte{0x01, 0x02}); in.Kind != KindDiscard {
		t.Errorf("malformed packet classified as %v", in.Kind)
	}
	if got := s.Stats.Discarded.Load(); got != 2 {
		t.Errorf("Discarded = %d, want 2", got)
	}
}

func TestSSRCChangeResetsJitterBuffer(t *testing.T) {
	s := NewSession(PayloadPCMU)

	for seq := uint16(0); seq < 4; seq++ {
		pkt := marshalPacket(t, seq, uint32(seq)*160, 0x1111, PayloadPCMU, make([]byte, 160))
		in := s.Receive(pkt)
		s.Jitter.Push(in.Seq, in.Timestamp, in.Payload)
	}
	if s.Jitter.Len() == 0 {
		t.Fatal("jitter buffer empty after pushes")
	}

	// New SSRC mid-call.
	pkt := marshalPacket(t, 100, 16000, 0x2222, PayloadPCMU, make([]byte, 160))
	in := s.Receive(pkt)
	if in.Kind != KindAudio {
		t.Fatalf("new-SSRC packet classified as %v", in.Kind)
	}
	if got := s.Stats.SSRCChanges.Load(); got != 1 {
		t.Errorf("SSRCChanges = %d, want 1", got)
	}
	if s.Jitter.Len() != 0 {
		t.Errorf("jitter buffer not reset on SSRC change: %d entries", s.Jitter.Len())
	}
}

func TestPacketAccounting(t *testing.T) {
	s := NewSession(PayloadPCMA)
	const n = 20
	for seq := uint16(0); seq < n; seq++ {
		pkt := marshalPacket(t, seq, uint32(seq)*160, 0x3333, PayloadPCMA, make([]byte, 160))
		in := s.Receive(pkt)
		if in.Kind == KindAudio {
			s.Jitter.Push(in.Seq, in.Timestamp, in.Payload)
		}
	}

	delivered := 0
	for {
		payload, ok := s.Jitter.Pop()
		if !ok {
			break
		}
		if payload != nil {
			delivered++
		}
	}

	snap := s.Stats.Snapshot()
	// Every received packet is either delivered to the codec, still
	// buffered, or discarded.
	if uint64(delivered+s.Jitter.Len())+snap.Discarded != snap.PacketsIn {
		t.Errorf("accounting mismatch: delivered=%d buffered=%d discarded=%d in=%d",
			delivered, s.Jitter.Len(), snap.Discarded, snap.PacketsIn)
	}
}

func TestPacketizeDTMF(t *testing.T) {
	s := NewSession(PayloadPCMU)
	before := s.Packetize(make([]byte, 160), false)

	pkts := s.PacketizeDTMF(5, 100) // digit "5", 100 ms = 5 frames
	if len(pkts) != 8 {
		t.Fatalf("packet count = %d, want 5 updates + 3 end retransmits", len(pkts))
	}

	startTS := pkts[0].Timestamp
	if startTS != before.Timestamp+samplesPerFrame {
		t.Errorf("event start ts = %d, want %d", startTS, before.Timestamp+samplesPerFrame)
	}
	for i, pkt := range pkts {
		if pkt.PayloadType != PayloadTelephoneEvent {
			t.Errorf("pkt %d payload type = %d, want %d", i, pkt.PayloadType, PayloadTelephoneEvent)
		}
		if pkt.Timestamp != startTS {
			t.Errorf("pkt %d ts = %d, want pinned to %d", i, pkt.Timestamp, startTS)
		}
		if pkt.SequenceNumber != pkts[0].SequenceNumber+uint16(i) {
			t.Errorf("pkt %d seq = %d, want contiguous", i, pkt.SequenceNumber)
		}
		if pkt.Payload[0] != 5 {
			t.Errorf("pkt %d event = %d, want 5", i, pkt.Payload[0])
		}
		end := pkt.Payload[1]&0x80 != 0
		if end != (i >= 5) {
			t.Errorf("pkt %d end bit = %v", i, end)
		}
	}
	if !pkts[0].Marker {
		t.Error("start packet missing marker")
	}
	if pkts[1].Marker {
		t.Error("update packet carries marker")
	}

	endDur := uint16(pkts[7].Payload[2])<<8 | uint16(pkts[7].Payload[3])
	if endDur != 5*samplesPerFrame {
		t.Errorf("end duration = %d samples, want %d", endDur, 5*samplesPerFrame)
	}

	// Audio resumes past the event with both clocks advanced.
	after := s.Packetize(make([]byte, 160), false)
	if after.Timestamp != startTS+5*samplesPerFrame {
		t.Errorf("ts after event = %d, want %d", after.Timestamp, startTS+5*samplesPerFrame)
	}
	if after.SequenceNumber != pkts[7].SequenceNumber+1 {
		t.Errorf("seq after event = %d, want %d", after.SequenceNumber, pkts[7].SequenceNumber+1)
	}
}

func TestPacketizeDTMFDefaultDuration(t *testing.T) {
	s := NewSession(PayloadPCMU)
	pkts := s.PacketizeDTMF(11, 0) // "#", duration unknown
	if len(pkts) != 8 {
		t.Errorf("packet count = %d, want 8 (100 ms default)", len(pkts))
	}
}
