// Package events carries coordinator and router notifications to any number
// of independent observers.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind groups events for routing to subjects and journals.
type Kind string

const (
	KindState      Kind = "state"
	KindPolicy     Kind = "policy"
	KindRouting    Kind = "routing"
	KindProcessing Kind = "processing"
	KindError      Kind = "error"
)

// Event is a single observation. Message is always human readable.
type Event struct {
	Time    time.Time         `json:"time"`
	Kind    Kind              `json:"kind"`
	State   string            `json:"state,omitempty"`
	Message string            `json:"message"`
	Err     string            `json:"error,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (e Event) String() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Err != "" {
		s += ": " + e.Err
	}
	return s
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers without blocking the publisher. A
// subscriber whose channel is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel function that
// unregisters and closes it.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
