// Package events carries sync lifecycle notifications to observers such as
// the terminal UI, the auto-sync scheduler and the session's save logic.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/secretsync/internal/models"
)

// Event is one of SyncStart, SyncFinish or StateChange.
type Event interface {
	isEvent()
}

// SyncStart is published when a run leaves Idle.
type SyncStart struct {
	Profile models.SyncProfile
	At      time.Time
}

// SyncFinish is published after a run's result has been recorded.
type SyncFinish struct {
	Result models.SyncResult
}

// StateChange is published on every state machine transition.
type StateChange struct {
	ProfileID string
	State     models.SyncState
}

func (SyncStart) isEvent()   {}
func (SyncFinish) isEvent()  {}
func (StateChange) isEvent() {}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	next    int
	subs    map[int]subscriber
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBus returns a bus logging dropped events to logger, which may be nil.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]subscriber), logger: logger}
}

// Subscribe returns a channel receiving the events accepted by filter, every
// event when filter is nil, and a function that ends the subscription and
// closes the channel. Rejected events never occupy the buffer.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{ch: ch, filter: filter}
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

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped", zap.Int("subscriber", id), zap.String("type", typeName(e)))
		}
	}
}

// Dropped returns the number of deliveries skipped because of full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Only returns a filter accepting events of type T.
func Only[T Event](e Event) bool {
	_, ok := e.(T)
	return ok
}

func typeName(e Event) string {
	switch e.(type) {
	case SyncStart:
		return "sync_start"
	case SyncFinish:
		return "sync_finish"
	case StateChange:
		return "state_change"
	default:
		return "unknown"
	}
}
