package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	b := New()
	brokerCh, unsubBroker := b.Subscribe(4, "broker.")
	defer unsubBroker()
	allCh, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: DoorAccepted})
	b.Publish(Event{Type: BrokerState, Data: "CONSUMING"})

	select {
	case e := <-brokerCh:
		if e.Type != BrokerState {
			t.Fatalf("broker subscriber got %q", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatalf("expected publish to stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("broker subscriber got nothing")
	}
	select {
	case e := <-brokerCh:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
	if len(allCh) != 2 {
		t.Fatalf("unfiltered subscriber has %d events, want 2", len(allCh))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: DoorRejected})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	unsub()
	unsub()
	b.Publish(Event{Type: DoorRejected})
}
