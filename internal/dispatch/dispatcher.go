package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hooknotify/internal/embed"
	"hooknotify/internal/eventbus"
	rtsup "hooknotify/internal/runtime/supervisor"
	"hooknotify/internal/sink"
	"hooknotify/pkg/logx"
)

var ErrDisabled = errors.New("dispatch: webhook not configured")

// maxAttempts is the original POST plus one retry. Only a 429 is retried.
const maxAttempts = 2

// stopGrace bounds how long Stop waits for the worker after forcing cancellation.
const stopGrace = 2 * time.Second

// Sender performs one POST of an encoded payload.
type Sender interface {
	Send(ctx context.Context, body []byte) sink.Result
}

type request struct {
	id         string
	seq        uint64
	body       []byte
	enqueuedAt time.Time
	ticket     *Ticket
}

// Dispatcher drains notifications one at a time, in submission order, against a
// single sink. A 429 sets a cooldown shared by every later send.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	bus     eventbus.Bus
	clock   quartz.Clock
	metrics *Metrics

	cfg     Config
	limiter *rate.Limiter
	enabled bool

	pending   []*request
	seq       uint64
	accepting bool
	inFlight  string
	wake      chan struct{}
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// cooldownUntil is written by the worker only.
	cmu           sync.Mutex
	cooldownUntil time.Time

	hmu      sync.Mutex
	history  []Record
	outcomes map[Outcome]uint64
}

type Option func(*Dispatcher)

func WithClock(c quartz.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a dispatcher. A nil sender, or a *sink.Client without an
// endpoint, leaves the dispatcher permanently disabled.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:       log,
		sender:    sender,
		bus:       bus,
		clock:     quartz.NewReal(),
		enabled:   configured(sender),
		accepting: true,
		wake:      make(chan struct{}, 1),
		outcomes:  map[Outcome]uint64{},
	}
	for _, o := range opts {
		o(d)
	}
	d.applyLocked(cfg)
	return d
}

func configured(s Sender) bool {
	if s == nil {
		return false
	}
	if c, ok := s.(*sink.Client); ok {
		return c.Configured()
	}
	return true
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Supervisor returns the worker supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	d.cfg = cfg

	d.limiter = nil
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
}

// Start launches the drain worker. It is idempotent. Notifications enqueued
// before Start wait in the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.sup != nil || !d.enabled {
		d.mu.Unlock()
		return
	}
	d.accepting = true
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		// delivery is best-effort; a broken worker must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	d.mu.Unlock()

	sup.GoRestart("drain", d.drain, rtsup.WithPublishFirstError(true))
	d.signal()
	d.log.Debug("dispatcher started")
}

// Stop stops intake and drains the queue best-effort until ctx ends. Anything
// not sent by then resolves as OutcomeStopped.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	d.accepting = false
	sup := d.sup
	if sup == nil {
		// Never started: resolve whatever was held.
		left := d.pending
		d.pending = nil
		d.mu.Unlock()
		d.resolveStopped(left)
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.mu.Unlock()

	// Wake the worker so it notices it should exit once the queue is empty.
	d.signal()

	go func() {
		defer close(done)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		left := d.pending
		d.pending = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
		d.resolveStopped(left)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	// Force-stop: cancel waits and the in-flight POST, then give the worker a
	// moment to record what it was doing.
	sup.Cancel()
	t := time.NewTimer(stopGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		d.log.Warn("dispatcher worker did not exit in time")
	}
}

// Enqueue appends payload to the queue and returns immediately. It never
// rejects a payload; the ticket reports the outcome.
func (d *Dispatcher) Enqueue(payload []byte) *Ticket {
	now := d.clock.Now()
	r := &request{
		id:         uuid.NewString(),
		body:       bytes.Clone(payload),
		enqueuedAt: now,
	}

	d.mu.Lock()
	d.seq++
	r.seq = d.seq
	r.ticket = newTicket(r.id, r.seq)
	switch {
	case !d.enabled:
		d.mu.Unlock()
		d.log.Warn("notification dropped", logx.String("id", r.id), logx.Err(ErrDisabled))
		d.finish(r, Record{Outcome: OutcomeDisabled})
		return r.ticket
	case !d.accepting:
		d.mu.Unlock()
		d.log.Warn("notification dropped; dispatcher stopped", logx.String("id", r.id))
		d.finish(r, Record{Outcome: OutcomeStopped})
		return r.ticket
	}
	d.pending = append(d.pending, r)
	n := len(d.pending)
	d.mu.Unlock()

	d.metrics.setPending(n)
	d.publish(eventbus.TypeDispatchQueued, Queued{ID: r.id, Seq: r.seq, Pending: n, At: now})
	d.signal()
	return r.ticket
}

// EnqueueMessage clamps msg to Discord limits, encodes it and enqueues it. An
// encoding failure resolves the ticket as OutcomeInvalid.
func (d *Dispatcher) EnqueueMessage(msg embed.Message) *Ticket {
	b, err := embed.Encode(embed.Clamp(msg))
	if err != nil {
		d.mu.Lock()
		d.seq++
		r := &request{id: uuid.NewString(), seq: d.seq, enqueuedAt: d.clock.Now()}
		d.mu.Unlock()
		r.ticket = newTicket(r.id, r.seq)
		d.log.Warn("notification not encodable", logx.String("id", r.id), logx.Err(err))
		d.finish(r, Record{Outcome: OutcomeInvalid, Error: err.Error()})
		return r.ticket
	}
	return d.Enqueue(b)
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		Enabled:  d.enabled,
		Running:  d.sup != nil,
		Pending:  len(d.pending),
		InFlight: d.inFlight,
		Enqueued: d.seq,
	}
	d.mu.Unlock()

	if until := d.cooldown(); until.After(d.clock.Now()) {
		snap.CooldownUntil = until
	}

	d.hmu.Lock()
	snap.Recent = append([]Record(nil), d.history...)
	snap.Outcomes = make(map[Outcome]uint64, len(d.outcomes))
	for k, v := range d.outcomes {
		snap.Outcomes[k] = v
	}
	d.hmu.Unlock()
	return snap
}

// ---- worker ----

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next pops the queue head. stopping reports that Stop was requested.
func (d *Dispatcher) next() (r *request, stopping bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stopping = d.stopDone != nil
	if len(d.pending) == 0 {
		d.inFlight = ""
		return nil, stopping
	}
	r = d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	d.inFlight = r.id
	d.metrics.setPending(len(d.pending))
	return r, stopping
}

func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, stopping := d.next()
		if r == nil {
			if stopping {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
			}
			continue
		}
		d.process(ctx, r)
	}
}

func (d *Dispatcher) process(ctx context.Context, r *request) {
	rec := Record{}
	// Runs on panic too, so the ticket never stays pending.
	defer func() {
		if rec.Outcome == "" {
			rec.Outcome = OutcomeStopped
		}
		d.finish(r, rec)
	}()
	rec.Outcome = d.deliver(ctx, r, &rec)
}

func (d *Dispatcher) deliver(ctx context.Context, r *request, rec *Record) Outcome {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	sender := d.sender
	d.mu.Unlock()

	log := d.log.With(logx.String("id", r.id), logx.Uint64("seq", r.seq))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.waitCooldown(ctx); err != nil {
			return OutcomeStopped
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return OutcomeStopped
			}
		}

		rec.Attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		start := d.clock.Now()
		res := sender.Send(callCtx, r.body)
		cancel()
		class := res.Class()
		d.metrics.observeAttempt(class, d.clock.Now().Sub(start))
		rec.Status = res.Status

		switch class {
		case sink.ClassSuccess:
			rec.Error = ""
			log.Debug("notification delivered", logx.Int("attempt", attempt), logx.Int("status", res.Status))
			return OutcomeDelivered

		case sink.ClassRateLimited:
			wait := res.RetryAfter
			if wait <= 0 {
				wait = cfg.DefaultRetryAfter
			}
			until := d.clock.Now().Add(wait)
			d.setCooldown(until)
			d.metrics.observeRetryAfter(wait)
			d.publish(eventbus.TypeDispatchThrottled, Throttled{ID: r.id, Seq: r.seq, Attempt: attempt, RetryAfter: wait, Until: until})
			rec.Error = res.Message

			if attempt >= maxAttempts {
				log.Warn("notification dropped after rate limit retry",
					logx.Int("attempt", attempt), logx.Duration("retry_after", wait), logx.String("message", res.Message))
				return OutcomeRateLimited
			}
			log.Info("rate limited; retrying after cooldown", logx.Duration("retry_after", wait))

		case sink.ClassRejected:
			rec.Error = res.Message
			log.Error("webhook rejected notification",
				logx.Int("status", res.Status), logx.String("message", res.Message), logx.Int64("code", res.Code))
			return OutcomeRejected

		default:
			if ctx.Err() != nil {
				return OutcomeStopped
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			log.Error("webhook send failed", logx.Err(res.Err))
			return OutcomeTransportError
		}
	}
	return OutcomeRateLimited
}

func (d *Dispatcher) waitCooldown(ctx context.Context) error {
	wait := d.cooldown().Sub(d.clock.Now())
	if wait <= 0 {
		return nil
	}
	t := d.clock.NewTimer(wait, "dispatch", "cooldown")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) cooldown() time.Time {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	return d.cooldownUntil
}

func (d *Dispatcher) setCooldown(t time.Time) {
	d.cmu.Lock()
	d.cooldownUntil = t
	d.cmu.Unlock()
}

// ---- bookkeeping ----

func (d *Dispatcher) resolveStopped(rs []*request) {
	if len(rs) == 0 {
		return
	}
	d.metrics.setPending(0)
	d.log.Warn("dispatcher stopped with pending notifications", logx.Int("count", len(rs)))
	for _, r := range rs {
		d.finish(r, Record{Outcome: OutcomeStopped})
	}
}

// finish records the outcome and then resolves the ticket, so a caller woken
// by the ticket already sees the record in Snapshot.
func (d *Dispatcher) finish(r *request, rec Record) {
	rec.ID = r.id
	rec.Seq = r.seq
	rec.Bytes = len(r.body)
	rec.EnqueuedAt = r.enqueuedAt
	rec.FinishedAt = d.clock.Now()

	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.history = append(d.history, rec)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.outcomes[rec.Outcome]++
	d.hmu.Unlock()

	d.metrics.observeDelivery(rec.Outcome)
	d.publish(eventbus.TypeDispatchFinished, rec)
	r.ticket.resolve(rec.Outcome)
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clock.Now(), Data: data})
}
