package events

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Kind: KindState, State: "active", Message: "universal mode active"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Kind != KindState || ev.State != "active" {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("publish must stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestPublishSkipsFullSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: KindError, Message: "first"})
	bus.Publish(Event{Kind: KindError, Message: "second"})

	if got := (<-ch).Message; got != "first" {
		t.Fatalf("expected first event, got %q", got)
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", bus.Dropped())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	bus.Publish(Event{Kind: KindState, Message: "after cancel"})
}

func TestEventString(t *testing.T) {
	ev := Event{Kind: KindRouting, Message: "capture router failed", Err: "device removed"}
	if got, want := ev.String(), "[routing] capture router failed: device removed"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
