package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TaskSubmitted = "task.submitted"
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	TaskRequeued  = "task.requeued"
)

// Event is a lightweight, in-memory signal used to decouple the engine from
// its observers (metrics, run history).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many deliveries were skipped because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock keeps Unsubscribe from closing a channel mid-send;
	// sends never block, so the lock is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
