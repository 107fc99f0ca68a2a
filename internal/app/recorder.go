package app

import (
	"context"
	"time"

	"hooknotify/internal/dispatch"
	"hooknotify/internal/eventbus"
	rtsup "hooknotify/internal/runtime/supervisor"
	"hooknotify/internal/stats"
	"hooknotify/internal/storage"
	"hooknotify/pkg/logx"
)

const recorderBuffer = 1024

// recorder turns dispatch.finished events into stats counters and journal
// rows. It subscribes at construction so no event published after New is
// missed, and on Stop it drains whatever is still buffered.
type recorder struct {
	log   logx.Logger
	stats stats.Store
	store storage.Store

	events <-chan eventbus.Event
	unsub  func()
	sup    *rtsup.Supervisor
}

func newRecorder(bus eventbus.Bus, st stats.Store, store storage.Store, log logx.Logger) *recorder {
	ch, unsub := bus.Subscribe(recorderBuffer)
	return &recorder{log: log, stats: st, store: store, events: ch, unsub: unsub}
}

// Start runs the consumer. ctx only scopes the per-event writes; the loop
// itself ends when Stop closes the subscription.
func (r *recorder) Start(ctx context.Context) {
	r.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(r.log))
	r.sup.GoRestart("recorder", r.run)
}

func (r *recorder) Supervisor() *rtsup.Supervisor { return r.sup }

func (r *recorder) run(ctx context.Context) error {
	for e := range r.events {
		r.handle(ctx, e)
	}
	return nil
}

func (r *recorder) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeDispatchFinished:
		rec, ok := e.Data.(dispatch.Record)
		if !ok {
			return
		}
		r.record(ctx, rec)
	case eventbus.TypeDispatchThrottled:
		if th, ok := e.Data.(dispatch.Throttled); ok {
			r.log.Debug("throttled",
				logx.String("id", th.ID),
				logx.Int("attempt", th.Attempt),
				logx.Duration("retry_after", th.RetryAfter),
			)
		}
	default:
		r.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (r *recorder) record(ctx context.Context, rec dispatch.Record) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if r.stats != nil {
		err := r.stats.Record(wctx, stats.Event{
			Outcome:  string(rec.Outcome),
			Attempts: rec.Attempts,
			Bytes:    rec.Bytes,
			At:       rec.FinishedAt,
		})
		if err != nil {
			r.log.Debug("stats record failed", logx.String("id", rec.ID), logx.Err(err))
		}
	}
	if r.store != nil {
		err := r.store.AppendDelivery(wctx, storage.DeliveryRecord{
			ID:         rec.ID,
			Seq:        rec.Seq,
			Outcome:    string(rec.Outcome),
			Attempts:   rec.Attempts,
			Status:     rec.Status,
			Error:      rec.Error,
			Bytes:      rec.Bytes,
			EnqueuedAt: rec.EnqueuedAt,
			FinishedAt: rec.FinishedAt,
		})
		if err != nil {
			r.log.Warn("journal append failed", logx.String("id", rec.ID), logx.Err(err))
		}
	}
}

// Stop closes the subscription and waits for buffered events to be written.
func (r *recorder) Stop(ctx context.Context) error {
	r.unsub()
	if r.sup == nil {
		return nil
	}
	return r.sup.Wait(ctx)
}
