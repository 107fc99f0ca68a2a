package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by hooknotify components.
const (
	TypeDispatchQueued    = "dispatch.queued"
	TypeDispatchThrottled = "dispatch.throttled"
	TypeDispatchFinished  = "dispatch.finished"
	TypeReportQueued      = "report.queued"
)

// Event is a lightweight, in-memory signal used to decouple components.
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
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock while sending so Unsubscribe can't close a channel mid-send.
	// Sends are non-blocking, so the lock is held briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Dropped reports how many events were dropped across all live subscribers.
func Dropped(b Bus) uint64 {
	mb, ok := b.(*memBus)
	if !ok {
		return 0
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	var n uint64
	for _, s := range mb.subs {
		n += s.dropped.Load()
	}
	return n
}
