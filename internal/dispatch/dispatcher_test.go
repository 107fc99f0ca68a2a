package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"hooknotify/internal/embed"
	"hooknotify/internal/eventbus"
	"hooknotify/internal/sink"
	"hooknotify/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSender answers each body from its script in order, then 204.
type scriptedSender struct {
	clock quartz.Clock

	mu     sync.Mutex
	script map[string][]sink.Result
	calls  []string
	at     []time.Time
}

func newScripted(clock quartz.Clock, script map[string][]sink.Result) *scriptedSender {
	if script == nil {
		script = map[string][]sink.Result{}
	}
	return &scriptedSender{clock: clock, script: script}
}

func (s *scriptedSender) Send(_ context.Context, body []byte) sink.Result {
	key := string(body)
	if key == "panic" {
		panic("sender blew up")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)
	s.at = append(s.at, s.clock.Now())
	if q := s.script[key]; len(q) > 0 {
		s.script[key] = q[1:]
		return q[0]
	}
	return sink.Result{Status: http.StatusNoContent}
}

func (s *scriptedSender) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedSender) Times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.at...)
}

func throttled(d time.Duration) sink.Result {
	return sink.Result{Status: http.StatusTooManyRequests, RetryAfter: d, Message: "You are being rate limited."}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startDispatcher(t *testing.T, ctx context.Context, d *Dispatcher) {
	t.Helper()
	d.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(sctx)
	})
}

func TestConcurrentEnqueueKeepsSubmissionOrder(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), nil)
	d := New(Config{}, s, logx.Nop(), nil)
	startDispatcher(t, ctx, d)

	const n = 64
	tickets := make([]*Ticket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tickets[i] = d.Enqueue([]byte(strconv.Itoa(i)))
		}(i)
	}
	wg.Wait()

	seqOf := map[string]uint64{}
	for i, tk := range tickets {
		require.Equal(t, OutcomeDelivered, tk.Wait(ctx))
		seqOf[strconv.Itoa(i)] = tk.Seq()
	}

	calls := s.Calls()
	require.Len(t, calls, n)
	for i := 1; i < len(calls); i++ {
		require.Less(t, seqOf[calls[i-1]], seqOf[calls[i]], "call %d out of submission order", i)
	}
}

func TestRateLimitRetriesOnceAfterRetryAfter(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("dispatch", "cooldown")
	defer trap.Close()

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	s := newScripted(clock, map[string][]sink.Result{"A": {throttled(2 * time.Second)}})
	d := New(Config{}, s, logx.Nop(), nil, WithClock(clock), WithMetrics(metrics))
	a := d.Enqueue([]byte("A"))
	startDispatcher(t, ctx, d)

	call := trap.MustWait(ctx)
	require.Equal(t, 2*time.Second, call.Duration)
	require.Equal(t, []string{"A"}, s.Calls())
	require.False(t, d.Snapshot().CooldownUntil.IsZero())
	call.MustRelease(ctx)

	clock.Advance(2 * time.Second).MustWait(ctx)
	require.Equal(t, OutcomeDelivered, a.Wait(ctx))
	require.Equal(t, []string{"A", "A"}, s.Calls())

	at := s.Times()
	require.GreaterOrEqual(t, at[1].Sub(at[0]), 2*time.Second)

	rec := d.Snapshot().Recent[0]
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, http.StatusNoContent, rec.Status)

	assert.Equal(t, 1.0, metricValue(t, reg, "hooknotify_dispatch_attempts_total", "result", "rate_limited"))
	assert.Equal(t, 1.0, metricValue(t, reg, "hooknotify_dispatch_attempts_total", "result", "success"))
	assert.Equal(t, 1.0, metricValue(t, reg, "hooknotify_dispatch_deliveries_total", "outcome", "delivered"))
	assert.Equal(t, 1.0, metricValue(t, reg, "hooknotify_dispatch_retry_after_seconds", "", ""))
}

func TestSecondRateLimitDropsItemAndCooldownCarriesOver(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("dispatch", "cooldown")
	defer trap.Close()

	s := newScripted(clock, map[string][]sink.Result{
		"A": {throttled(time.Second), throttled(3 * time.Second)},
	})
	d := New(Config{}, s, logx.Nop(), nil, WithClock(clock))
	a := d.Enqueue([]byte("A"))
	b := d.Enqueue([]byte("B"))
	startDispatcher(t, ctx, d)

	call := trap.MustWait(ctx)
	require.Equal(t, time.Second, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(time.Second).MustWait(ctx)

	// A is dropped after its second 429; B still waits out the new cooldown.
	call = trap.MustWait(ctx)
	require.Equal(t, 3*time.Second, call.Duration)
	require.Equal(t, OutcomeRateLimited, a.Wait(ctx))
	require.Equal(t, []string{"A", "A"}, s.Calls())
	require.Equal(t, OutcomePending, b.Outcome())
	call.MustRelease(ctx)

	clock.Advance(3 * time.Second).MustWait(ctx)
	require.Equal(t, OutcomeDelivered, b.Wait(ctx))
	require.Equal(t, []string{"A", "A", "B"}, s.Calls())

	snap := d.Snapshot()
	require.Equal(t, 2, snap.Recent[0].Attempts)
	require.Equal(t, uint64(1), snap.Outcomes[OutcomeRateLimited])
	require.Equal(t, uint64(1), snap.Outcomes[OutcomeDelivered])
}

func TestRetryAfterDefaultsToOneSecond(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("dispatch", "cooldown")
	defer trap.Close()

	s := newScripted(clock, map[string][]sink.Result{"A": {throttled(0)}})
	d := New(Config{}, s, logx.Nop(), nil, WithClock(clock))
	a := d.Enqueue([]byte("A"))
	startDispatcher(t, ctx, d)

	call := trap.MustWait(ctx)
	require.Equal(t, time.Second, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(time.Second).MustWait(ctx)
	require.True(t, a.Delivered(ctx))
}

// A(200), B(429 then 200), C(200): C must not be sent while B waits.
func TestThrottledItemHoldsBackLaterItems(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("dispatch", "cooldown")
	defer trap.Close()

	s := newScripted(clock, map[string][]sink.Result{"B": {throttled(time.Second)}})
	d := New(Config{}, s, logx.Nop(), nil, WithClock(clock))
	startDispatcher(t, ctx, d)

	a := d.Enqueue([]byte("A"))
	b := d.Enqueue([]byte("B"))
	c := d.Enqueue([]byte("C"))

	call := trap.MustWait(ctx)
	require.Equal(t, []string{"A", "B"}, s.Calls())
	require.Equal(t, OutcomeDelivered, a.Outcome())
	require.Equal(t, OutcomePending, c.Outcome())
	call.MustRelease(ctx)
	require.Equal(t, []string{"A", "B"}, s.Calls())

	clock.Advance(time.Second).MustWait(ctx)
	require.Equal(t, OutcomeDelivered, b.Wait(ctx))
	require.Equal(t, OutcomeDelivered, c.Wait(ctx))
	require.Equal(t, []string{"A", "B", "B", "C"}, s.Calls())

	at := s.Times()
	require.GreaterOrEqual(t, at[2].Sub(at[1]), time.Second)
}

func TestNonRetryableFailures(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), map[string][]sink.Result{
		"bad":  {{Status: http.StatusBadRequest, Message: "Cannot send an empty message", Code: 50006}},
		"conn": {{Err: errors.New("connection refused")}},
	})
	d := New(Config{}, s, logx.Nop(), nil)
	startDispatcher(t, ctx, d)

	bad := d.Enqueue([]byte("bad"))
	conn := d.Enqueue([]byte("conn"))
	ok := d.Enqueue([]byte("ok"))

	require.Equal(t, OutcomeRejected, bad.Wait(ctx))
	require.Equal(t, OutcomeTransportError, conn.Wait(ctx))
	require.Equal(t, OutcomeDelivered, ok.Wait(ctx))
	require.Equal(t, []string{"bad", "conn", "ok"}, s.Calls())

	recent := d.Snapshot().Recent
	require.Len(t, recent, 3)
	assert.Equal(t, 1, recent[0].Attempts)
	assert.Equal(t, "Cannot send an empty message", recent[0].Error)
	assert.Equal(t, 1, recent[1].Attempts)
	assert.Equal(t, "connection refused", recent[1].Error)
}

func TestUnconfiguredSinkIsDisabled(t *testing.T) {
	ctx := testContext(t)
	d := New(Config{}, sink.New(""), logx.Nop(), nil)
	d.Start(ctx)
	defer d.Stop(ctx)

	require.False(t, d.Enabled())
	tk := d.Enqueue([]byte(`{"embeds":[]}`))
	require.False(t, tk.Delivered(ctx))
	require.Equal(t, OutcomeDisabled, tk.Outcome())

	snap := d.Snapshot()
	require.False(t, snap.Running)
	require.Zero(t, snap.Pending)

	require.Equal(t, OutcomeDisabled, New(Config{}, nil, logx.Nop(), nil).Enqueue(nil).Outcome())
}

func TestStopResolvesPendingAsStopped(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("dispatch", "cooldown")
	defer trap.Close()

	s := newScripted(clock, map[string][]sink.Result{"A": {throttled(time.Minute)}})
	d := New(Config{}, s, logx.Nop(), nil, WithClock(clock))
	d.Start(ctx)

	a := d.Enqueue([]byte("A"))
	b := d.Enqueue([]byte("B"))
	trap.MustWait(ctx).MustRelease(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	d.Stop(stopCtx)

	require.Equal(t, OutcomeStopped, a.Wait(ctx))
	require.Equal(t, OutcomeStopped, b.Wait(ctx))
	require.Equal(t, []string{"A"}, s.Calls())
	require.Equal(t, OutcomeStopped, d.Enqueue([]byte("late")).Outcome())
	require.False(t, d.Snapshot().Running)
}

func TestStopDrainsQueue(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), nil)
	d := New(Config{}, s, logx.Nop(), nil)

	// Held until Start.
	tickets := []*Ticket{d.Enqueue([]byte("1")), d.Enqueue([]byte("2"))}
	require.Equal(t, 2, d.Snapshot().Pending)

	d.Start(ctx)
	d.Stop(ctx)
	for _, tk := range tickets {
		require.Equal(t, OutcomeDelivered, tk.Outcome())
	}
	require.Equal(t, []string{"1", "2"}, s.Calls())
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), nil)
	d := New(Config{}, s, logx.Nop(), nil)
	startDispatcher(t, ctx, d)

	p := d.Enqueue([]byte("panic"))
	next := d.Enqueue([]byte("next"))

	require.Equal(t, OutcomeStopped, p.Wait(ctx))
	require.Equal(t, OutcomeDelivered, next.Wait(ctx))
	require.Error(t, d.Supervisor().Err())
}

func TestEnqueueMessage(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), nil)
	d := New(Config{}, s, logx.Nop(), nil)
	startDispatcher(t, ctx, d)

	require.Equal(t, OutcomeInvalid, d.EnqueueMessage(embed.Message{}).Wait(ctx))

	tk := d.EnqueueMessage(embed.Single(embed.Embed{Title: "hello"}))
	require.True(t, tk.Delivered(ctx))
	require.Equal(t, []string{`{"embeds":[{"title":"hello"}]}`}, s.Calls())
}

func TestEventsPublished(t *testing.T) {
	ctx := testContext(t)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(Config{}, newScripted(quartz.NewReal(), nil), logx.Nop(), bus)
	startDispatcher(t, ctx, d)
	tk := d.Enqueue([]byte("x"))
	require.True(t, tk.Delivered(ctx))

	var types []string
	var rec Record
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
			if r, ok := e.Data.(Record); ok {
				rec = r
			}
		case <-ctx.Done():
			t.Fatal("events not published")
		}
	}
	// The worker may finish before Enqueue publishes its queued event.
	require.ElementsMatch(t, []string{eventbus.TypeDispatchQueued, eventbus.TypeDispatchFinished}, types)
	require.Equal(t, tk.ID(), rec.ID)
	require.Equal(t, OutcomeDelivered, rec.Outcome)
}

func TestTicketWaitHonorsContext(t *testing.T) {
	tk := newTicket("id", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, OutcomePending, tk.Wait(ctx))

	require.True(t, tk.resolve(OutcomeRejected))
	require.False(t, tk.resolve(OutcomeDelivered))
	require.Equal(t, OutcomeRejected, tk.Wait(context.Background()))
}

func metricValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := label == ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					match = true
				}
			}
			if !match {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestPacingSpacesSendsAndApplyRemovesIt(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), nil)
	d := New(Config{RatePerSec: 5, Burst: 1}, s, logx.Nop(), nil)
	startDispatcher(t, ctx, d)

	paced := []string{"p1", "p2", "p3"}
	var last *Ticket
	for _, b := range paced {
		last = d.Enqueue([]byte(b))
	}
	require.Equal(t, OutcomeDelivered, last.Wait(ctx))
	require.Equal(t, paced, s.Calls())

	// 5/s with burst 1 puts sends at least 200ms apart; allow scheduler slack.
	at := s.Times()
	for i := 1; i < len(at); i++ {
		require.GreaterOrEqual(t, at[i].Sub(at[i-1]), 180*time.Millisecond, "send %d too early", i)
	}

	d.Apply(Config{})
	d.mu.Lock()
	require.Nil(t, d.limiter)
	d.mu.Unlock()

	// Unpaced, ten sends finish well inside the two seconds 5/s would need.
	start := time.Now()
	for i := 0; i < 10; i++ {
		last = d.Enqueue([]byte("u" + strconv.Itoa(i)))
	}
	require.Equal(t, OutcomeDelivered, last.Wait(ctx))
	require.Less(t, time.Since(start), time.Second)

	calls := s.Calls()
	require.Len(t, calls, 13)
	for i := 0; i < 10; i++ {
		require.Equal(t, "u"+strconv.Itoa(i), calls[3+i])
	}
}

func TestEnqueueMessageClampsToDiscordLimits(t *testing.T) {
	ctx := testContext(t)
	s := newScripted(quartz.NewReal(), nil)
	d := New(Config{}, s, logx.Nop(), nil)
	startDispatcher(t, ctx, d)

	long := strings.Repeat("x", embed.MaxContent+500)
	tk := d.EnqueueMessage(embed.Message{
		Content: long,
		Embeds:  []embed.Embed{{Title: strings.Repeat("t", embed.MaxTitle+10), Description: "ok"}},
	})
	require.Equal(t, OutcomeDelivered, tk.Wait(ctx))

	calls := s.Calls()
	require.Len(t, calls, 1)
	sent := gjson.Parse(calls[0])
	require.LessOrEqual(t, len([]rune(sent.Get("content").String())), embed.MaxContent)
	require.LessOrEqual(t, len([]rune(sent.Get("embeds.0.title").String())), embed.MaxTitle)
	require.Equal(t, "ok", sent.Get("embeds.0.description").String())
}
