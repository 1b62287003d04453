package engine

import (
	"testing"
	"time"
)

func TestBusDropsOldestWhenBufferFull(t *testing.T) {
	bus := NewBus("run-1", 2)
	events := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventActionStarted, StepSeq: int64(i)})
	}
	bus.Close()

	var seqs []int64
	for ev := range events {
		seqs = append(seqs, ev.StepSeq)
	}
	if len(seqs) != 2 {
		t.Fatalf("received %d events, want 2 (buffer size)", len(seqs))
	}
	// The oldest events were dropped; the newest survive.
	if seqs[0] != 3 || seqs[1] != 4 {
		t.Errorf("surviving events = %v, want [3 4]", seqs)
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus("run-1", 1)
	bus.Subscribe() // never consumed

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: EventActionStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	bus.Close()
}

func TestBusStampsEvents(t *testing.T) {
	bus := NewBus("run-1", 4)
	events := bus.Subscribe()

	bus.Publish(Event{Type: EventStateChanged, Status: StatusExecuting})
	bus.Close()

	ev, ok := <-events
	if !ok {
		t.Fatal("no event delivered")
	}
	if ev.ID == "" {
		t.Error("event ID not assigned")
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp not assigned")
	}
	if ev.RunID != "run-1" {
		t.Errorf("event run id = %q, want run-1", ev.RunID)
	}
}

func TestBusSubscribeAfterClose(t *testing.T) {
	bus := NewBus("run-1", 4)
	bus.Close()
	bus.Close() // idempotent

	events := bus.Subscribe()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("received an event from a closed bus")
		}
	case <-time.After(time.Second):
		t.Error("channel from a closed bus was not closed")
	}

	// Publishing after close is a no-op, not a panic.
	bus.Publish(Event{Type: EventCompleted})
}

func TestBusIndependentSubscribers(t *testing.T) {
	bus := NewBus("run-1", 4)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventActionStarted, StepSeq: int64(i)})
	}
	bus.Close()

	var got int
	for range fast {
		got++
	}
	if got != 3 {
		t.Errorf("fast subscriber received %d events, want 3", got)
	}
	for range slow {
	}
}
