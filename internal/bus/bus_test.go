package bus_test

import (
	"testing"
	"time"

	"github.com/basket/agora/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("escrow.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicEscrowFunded, bus.EscrowEvent{EscrowID: "e1", Status: "FUNDED"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicEscrowFunded {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(bus.EscrowEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.EscrowID != "e1" {
			t.Fatalf("escrow id = %q", payload.EscrowID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := bus.New()
	escrowSub := b.Subscribe("escrow.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(escrowSub)
	defer b.Unsubscribe(allSub)

	b.Publish(bus.TopicListingCreated, bus.ListingEvent{ListingID: "l1"})

	select {
	case ev := <-escrowSub.Ch():
		t.Fatalf("escrow subscriber received %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case ev := <-allSub.Ch():
		if ev.Topic != bus.TopicListingCreated {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("catch-all subscriber missed event")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(bus.TopicCycleCompleted, bus.CycleEvent{AgentID: "a"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d", n)
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}
