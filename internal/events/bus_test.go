package events_test

import (
	"testing"

	"streamline/internal/domain"
	"streamline/internal/events"
)

func TestBusFanOut(t *testing.T) {
	bus := events.NewBus(0)
	defer bus.Close()
	a, err := bus.Subscribe(4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bus.Subscribe(4)
	if err != nil {
		t.Fatal(err)
	}
	bus.Publish(domain.Event{Type: "completed", EntityKind: "task", EntityID: "T-1"})
	for _, sub := range []*events.Subscriber{a, b} {
		e := <-sub.C
		if e.Topic() != "task:T-1" {
			t.Fatalf("unexpected topic %s", e.Topic())
		}
	}
}

func TestBusSubscriberLimit(t *testing.T) {
	bus := events.NewBus(1)
	defer bus.Close()
	if _, err := bus.Subscribe(1); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(1); err == nil {
		t.Fatalf("expected limit error")
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := events.NewBus(0)
	defer bus.Close()
	slow, err := bus.Subscribe(1)
	if err != nil {
		t.Fatal(err)
	}
	// fill the buffer and keep publishing; Publish must return immediately
	for i := 0; i < 100; i++ {
		bus.Publish(domain.Event{Type: "progress", EntityKind: "stream", EntityID: "S-1"})
	}
	if got := len(slow.C); got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}
}

func TestSubscriberCloseIdempotent(t *testing.T) {
	bus := events.NewBus(0)
	defer bus.Close()
	s, err := bus.Subscribe(1)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()
	bus.Publish(domain.Event{Type: "updated", EntityKind: "task", EntityID: "T-2"})
}
