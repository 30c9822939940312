// Package dtmf extracts DTMF digits from a call's media: RFC 2833
// telephone-event payloads on the dedicated RTP payload type, and a Goertzel
// detector for digits carried in-band in the audio itself.
package dtmf

// Method identifies how a digit was detected.
type Method string

const (
	MethodRFC2833 Method = "rfc2833"
	MethodInband  Method = "inband"
)

// Event is a detected DTMF digit.
type Event struct {
	Digit      string
	DurationMs int
	Method     Method
}

// telephone-event payload layout (RFC 4733 §2.3):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
const telephoneEventSize = 4

// sampleRate is the telephone-event clock (duration is in these units).
const sampleRate = 8000

// eventName maps an RFC 4733 event code to its digit.
func eventName(event uint8) string {
	switch {
	case event <= 9:
		return string(rune('0' + event))
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event >= 12 && event <= 15:
		return string(rune('A' + event - 12))
	default:
		return ""
	}
}

// EventCode maps a digit to its RFC 4733 event code, for building egress
// telephone-event payloads.
func EventCode(digit string) (uint8, bool) {
	if len(digit) != 1 {
		return 0, false
	}
	switch c := digit[0]; {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c == '*':
		return 10, true
	case c == '#':
		return 11, true
	case c >= 'A' && c <= 'D':
		return 12 + c - 'A', true
	case c >= 'a' && c <= 'd':
		return 12 + c - 'a', true
	}
	return 0, false
}

// Extractor turns a stream of RFC 2833 telephone-event payloads into
// deduplicated digit events. A digit is emitted when its end bit arrives, or
// when a new event code appears mid-sequence (the sender moved on without an
// end packet). Retransmitted end packets for the same (event, start
// timestamp) are suppressed.
type Extractor struct {
	// current in-progress event
	curEvent   uint8
	curTS      uint32
	curActive  bool
	curLastDur uint16

	// last emitted event, for end-packet retransmit suppression
	emittedEvent uint8
	emittedTS    uint32
	hasEmitted   bool
}

// NewExtractor creates an extractor with no event in progress.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Process consumes one telephone-event payload together with its RTP
// timestamp (the event start time, constant across packets of one event).
// It returns a digit event, or nil when the payload continues an event or is
// a duplicate/malformed packet.
func (e *Extractor) Process(payload []byte, timestamp uint32) *Event {
	if len(payload) < telephoneEventSize {
		return nil
	}

	event := payload[0]
	end := payload[1]&0x80 != 0
	duration := uint16(payload[2])<<8 | uint16(payload[3])

	digit := eventName(event)
	if digit == "" {
		return nil
	}

	// A new event code while another is in progress: emit the interrupted
	// event with the duration seen so far.
	var interrupted *Event
	if e.curActive && (event != e.curEvent || timestamp != e.curTS) {
		interrupted = &Event{
			Digit:      eventName(e.curEvent),
			DurationMs: int(e.curLastDur) * 1000 / sampleRate,
			Method:     MethodRFC2833,
		}
		e.rememberEmitted(e.curEvent, e.curTS)
		e.curActive = false
	}

	if end {
		e.curActive = false
		// Suppress retransmitted end packets for an already-emitted event.
		if e.hasEmitted && e.emittedEvent == event && e.emittedTS == timestamp {
			return interrupted
		}
		e.rememberEmitted(event, timestamp)
		final := &Event{
			Digit:      digit,
			DurationMs: int(duration) * 1000 / sampleRate,
			Method:     MethodRFC2833,
		}
		if interrupted != nil {
			// Two digits in one packet is not possible; the interrupted
			// event was already ended implicitly, prefer the explicit one.
			return final
		}
		return final
	}

	// Continuation or start packet.
	e.curEvent = event
	e.curTS = timestamp
	e.curActive = true
	e.curLastDur = duration
	return interrupted
}

func (e *Extractor) rememberEmitted(event uint8, ts uint32) {
	e.emittedEvent = event
	e.emittedTS = ts
	e.hasEmitted = true
}
