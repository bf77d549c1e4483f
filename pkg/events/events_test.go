package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventNodeCreated, Message: "node n-1 created"})

	select {
	case ev := <-sub:
		if ev.Type != EventNodeCreated {
			t.Errorf("got event type %q, want %q", ev.Type, EventNodeCreated)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventPodCreated})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on a subscriber")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}

	// the channel should be closed, not blocked
	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected channel to be closed with no pending events")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out reading from an unsubscribed channel")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}

	subs := []Subscriber{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	if b.SubscriberCount() != 3 {
		t.Fatalf("SubscriberCount() = %d, want 3", b.SubscriberCount())
	}

	for _, s := range subs {
		b.Unsubscribe(s)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0 after unsubscribing all", b.SubscriberCount())
	}
}

func TestPublishStampsTimestampOnlyWhenZero(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	fixed := time.Now().Add(-time.Hour)
	b.Publish(&Event{Type: EventPodDeleted, Timestamp: fixed})

	select {
	case ev := <-sub:
		if !ev.Timestamp.Equal(fixed) {
			t.Errorf("Publish overwrote an explicit timestamp: got %v, want %v", ev.Timestamp, fixed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
