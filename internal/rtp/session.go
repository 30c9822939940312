// Package rtp implements the per-call RTP session: packet encode/decode with
// sequence/timestamp/SSRC bookkeeping, payload classification, a jitter
// buffer for paced playout, and loss/late statistics.
package rtp

import (
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
)

// Well-known payload types handled by the session.
const (
	PayloadPCMU           = 0
	PayloadPCMA           = 8
	PayloadTelephoneEvent = 101
)

// samplesPerFrame is the RTP timestamp increment per 20 ms frame at 8 kHz.
const samplesPerFrame = 160

// Kind classifies a received datagram.
type Kind int

const (
	// KindDiscard marks malformed or unwanted packets; they are counted,
	// never surfaced.
	KindDiscard Kind = iota
	// KindAudio marks a frame of the negotiated audio codec.
	KindAudio
	// KindDTMF marks an RFC 2833 telephone-event payload.
	KindDTMF
)

// Inbound is the result of classifying one received datagram.
type Inbound struct {
	Kind      Kind
	Payload   []byte
	Seq       uint16
	Timestamp uint32
	Marker    bool
}

// Session tracks one direction pair of RTP state for a call: egress
// sequencing under a stable local SSRC, and ingress classification locked to
// the peer's SSRC (adopted from its first packet).
type Session struct {
	payloadType uint8

	// egress
	ssrc uint32
	seq  uint16
	ts   uint32

	// ingress
	remoteSSRC  uint32
	haveRemote  bool
	lastArrival time.Time
	lastTS      uint32
	jitterEst   float64

	Stats  Stats
	Jitter *JitterBuffer
}

// NewSession creates a session for the negotiated audio payload type with a
// random SSRC and random initial sequence/timestamp.
func NewSession(payloadType uint8) *Session {
	s := &Session{
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Uint32()),
		ts:          rand.Uint32(),
	}
	s.Jitter = NewJitterBuffer(&s.Stats)
	return s
}

// SSRC returns the local egress SSRC.
func (s *Session) SSRC() uint32 { return s.ssrc }

// PayloadType returns the negotiated audio payload type.
func (s *Session) PayloadType() uint8 { return s.payloadType }

// Packetize builds the next egress RTP packet for a 20 ms payload. The
// sequence number increments by one and the timestamp by the frame's sample
// count per packet.
func (s *Session) Packetize(payload []byte, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += samplesPerFrame
	s.Stats.PacketsOut.Add(1)
	s.Stats.BytesOut.Add(uint64(len(payload)))
	return pkt
}

// dtmfVolume is the telephone-event power level field (-10 dBm0).
const dtmfVolume = 10

// PacketizeDTMF builds the full egress packet train for one digit per RFC
// 4733: a marked start packet, duration updates every 20 ms, and three end
// retransmits. All packets share the event's start timestamp while the
// sequence number advances normally; afterwards the audio timestamp skips
// the event's duration so the streams stay aligned.
func (s *Session) PacketizeDTMF(event uint8, durationMs int) []*rtp.Packet {
	if durationMs <= 0 {
		durationMs = 100
	}
	if durationMs > 5000 {
		durationMs = 5000
	}
	frames := durationMs / 20
	if frames < 1 {
		frames = 1
	}

	startTS := s.ts
	pkts := make([]*rtp.Packet, 0, frames+3)
	for i := 1; i <= frames; i++ {
		dur := uint16(i * samplesPerFrame)
		payload := []byte{event, dtmfVolume, byte(dur >> 8), byte(dur)}
		pkts = append(pkts, s.eventPacket(payload, i == 1, startTS))
	}
	endDur := uint16(frames * samplesPerFrame)
	for i := 0; i < 3; i++ {
		payload := []byte{event, 0x80 | dtmfVolume, byte(endDur >> 8), byte(endDur)}
		pkts = append(pkts, s.eventPacket(payload, false, startTS))
	}
	s.ts += uint32(frames) * samplesPerFrame
	return pkts
}

func (s *Session) eventPacket(payload []byte, marker bool, ts uint32) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    PayloadTelephoneEvent,
			SequenceNumber: s.seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.Stats.PacketsOut.Add(1)
	s.Stats.BytesOut.Add(uint64(len(payload)))
	return pkt
}

// Receive parses and classifies one UDP datagram. Malformed packets and
// unknown payload types are counted and discarded; telephone-event payloads
// are routed to the DTMF channel; audio frames are accounted against the
// adopted remote SSRC. A new SSRC mid-call resets the jitter buffer and
// increments the ssrc_changes counter.
func (s *Session) Receive(datagram []byte) Inbound {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		s.Stats.Discarded.Add(1)
		return Inbound{Kind: KindDiscard}
	}

	s.Stats.PacketsIn.Add(1)
	s.Stats.BytesIn.Add(uint64(len(pkt.Payload)))

	if pkt.PayloadType == PayloadTelephoneEvent {
		return Inbound{
			Kind:      KindDTMF,
			Payload:   pkt.Payload,
			Seq:       pkt.SequenceNumber,
			Timestamp: pkt.Timestamp,
			Marker:    pkt.Marker,
		}
	}

	if pkt.PayloadType != s.payloadType {
		s.Stats.Discarded.Add(1)
		return Inbound{Kind: KindDiscard}
	}

	if !s.haveRemote {
		// Adopt the peer's SSRC from its first audio packet.
		s.remoteSSRC = pkt.SSRC
		s.haveRemote = true
	} else if pkt.SSRC != s.remoteSSRC {
		s.remoteSSRC = pkt.SSRC
		s.Stats.SSRCChanges.Add(1)
		s.Jitter.Reset()
		s.lastArrival = time.Time{}
	}

	s.updateJitter(pkt.Timestamp)

	return Inbound{
		Kind:      KindAudio,
		Payload:   pkt.Payload,
		Seq:       pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Marker:    pkt.Marker,
	}
}

// updateJitter maintains the RFC 3550 interarrival jitter estimate in
// timestamp units.
func (s *Session) updateJitter(ts uint32) {
	now := time.Now()
	if !s.lastArrival.IsZero() {
		arrivalDelta := now.Sub(s.lastArrival).Seconds() * 8000 // 8 kHz clock
		tsDelta := float64(int32(ts - s.lastTS))
		d := arrivalDelta - tsDelta
		if d < 0 {
			d = -d
		}
		s.jitterEst += (d - s.jitterEst) / 16
		s.Stats.observeJitter(uint32(s.jitterEst))
	}
	s.lastArrival = now
	s.lastTS = ts
}
