package events

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := NewBus()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(Event{Kind: CallStarted, CallID: "c1"})

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.C:
			if ev.Kind != CallStarted || ev.CallID != "c1" {
				t.Errorf("received %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Error("Time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: DTMFDetected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
	if got := sub.Dropped(); got != 8 {
		t.Errorf("Dropped() = %d, want 8", got)
	}
	if len(sub.ch) != 2 {
		t.Errorf("buffered = %d, want 2", len(sub.ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	if _, open := <-sub.C; open {
		t.Error("channel still open after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(Event{Kind: CallEnded})
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	b.Close()

	if _, open := <-sub.C; open {
		t.Error("channel still open after Close")
	}
	b.Publish(Event{Kind: CallEnded}) // no-op

	late := b.Subscribe(1)
	if _, open := <-late.C; open {
		t.Error("subscription on closed bus left channel open")
	}
}
