// Package eventbus is the in-memory fanout used for pipeline lifecycle
// signals: queue transitions, transport connectivity and poll cycles.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the core.
const (
	QueuePushed     = "queue.pushed"
	QueueSuperseded = "queue.superseded"
	QueueExpired    = "queue.expired"
	QueueEvicted    = "queue.evicted"
	QueueDismissed  = "queue.dismissed"
	QueueRead       = "queue.read"
	QueueCleared    = "queue.cleared"

	TransportConnected    = "transport.connected"
	TransportDisconnected = "transport.disconnected"

	PollCompleted = "poll.completed"
	PollSkipped   = "poll.skipped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]subscriber{}}
}

// Emit publishes on b when it is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type subscriber struct {
	ch     chan Event
	prefix string
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		// A concurrent unsubscribe may close the channel; recover from the
		// send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

// SubscribePrefix only delivers events whose type starts with prefix
// ("queue." for example).
func (b *MemBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{ch: ch, prefix: prefix}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped is the number of deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
