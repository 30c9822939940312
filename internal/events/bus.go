// Package events is the in-process pub/sub bus for call, registration, and
// SMS activity. Publishers never block: a slow subscriber loses events and
// its drop counter records how many.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the event type.
type Kind string

const (
	CallStarted         Kind = "call_started"
	CallRinging         Kind = "call_ringing"
	CallAnswered        Kind = "call_answered"
	CallEnded           Kind = "call_ended"
	DTMFDetected        Kind = "dtmf_detected"
	BridgeStateChanged  Kind = "bridge_state_changed"
	SMSReceived         Kind = "sms_received"
	RegistrationChanged Kind = "registration_changed"
)

// Event is one bus message. Fields beyond Kind and Time are filled per kind;
// Attrs carries kind-specific detail (digit, bridge state, AOR, end reason).
type Event struct {
	Kind   Kind
	Time   time.Time
	CallID string
	Attrs  map[string]string
}

// Subscription is one subscriber's handle: a receive channel plus a drop
// counter for events lost to a full buffer.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber has missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the event to every subscriber that has buffer room.
// Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close unsubscribes everyone. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
