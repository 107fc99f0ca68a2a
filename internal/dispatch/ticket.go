package dispatch

import (
	"context"
	"sync"
)

// Ticket is the completion signal for one enqueued notification. Callers may
// drop it (fire-and-forget) or wait on it; it never carries an error.
type Ticket struct {
	id  string
	seq uint64

	once    sync.Once
	done    chan struct{}
	outcome Outcome // written once before done is closed
}

func newTicket(id string, seq uint64) *Ticket {
	return &Ticket{id: id, seq: seq, done: make(chan struct{})}
}

func (t *Ticket) ID() string { return t.id }

// Seq is the submission order assigned by the dispatcher.
func (t *Ticket) Seq() uint64 { return t.seq }

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Outcome returns OutcomePending until the notification is resolved.
func (t *Ticket) Outcome() Outcome {
	select {
	case <-t.done:
		return t.outcome
	default:
		return OutcomePending
	}
}

// Wait blocks until the notification resolves or ctx ends. On ctx end it
// returns OutcomePending; the notification keeps its place in the queue.
func (t *Ticket) Wait(ctx context.Context) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.outcome
	case <-ctx.Done():
		return t.Outcome()
	}
}

// Delivered waits and reports whether the sink accepted the notification.
func (t *Ticket) Delivered(ctx context.Context) bool {
	return t.Wait(ctx).Delivered()
}

func (t *Ticket) resolve(o Outcome) bool {
	ok := false
	t.once.Do(func() {
		t.outcome = o
		close(t.done)
		ok = true
	})
	return ok
}
