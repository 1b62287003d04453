package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultBusBuffer is the per-subscriber buffer size.
const defaultBusBuffer = 64

// Bus is the per-run publish/subscribe channel for progress events. Publish
// never blocks the producer: when a subscriber's buffer is full the oldest
// buffered event is dropped to make room. Every subscriber receives every
// event it is fast enough to keep; one subscriber's slowness never affects
// another or the producer.
type Bus struct {
	mu     sync.Mutex
	runID  string
	subs   []chan Event
	buffer int
	closed bool
}

// NewBus creates an event bus for one experiment run.
func NewBus(runID string, buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &Bus{runID: runID, buffer: buffer}
}

// RunID returns the run this bus belongs to.
func (b *Bus) RunID() string {
	return b.runID
}

// Subscribe returns a channel yielding every subsequent event for the life
// of the run. The channel is closed when the run reaches a terminal state.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers without ever blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.RunID = b.runID

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Full buffer: drop the oldest event, producer priority.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close marks the run terminal and closes all subscriber channels. Safe to
// call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
