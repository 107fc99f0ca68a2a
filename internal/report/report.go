// Package report sends a periodic digest of delivery counters through the
// dispatcher, on a cron schedule.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"hooknotify/internal/dispatch"
	"hooknotify/internal/embed"
	"hooknotify/internal/eventbus"
	"hooknotify/internal/stats"
	"hooknotify/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // cron expression or descriptor; default @daily
	Timezone string // IANA name; default local
	Title    string
}

// Enqueuer is the dispatcher surface the report needs.
type Enqueuer interface {
	EnqueueMessage(msg embed.Message) *dispatch.Ticket
}

type TotalsSource interface {
	Totals(ctx context.Context) (stats.Counters, error)
}

// Queued is published on the bus when a digest is enqueued.
type Queued struct {
	TicketID string    `json:"ticket_id"`
	At       time.Time `json:"at"`
}

// parser accepts 5- and 6-field specs plus descriptors (@daily, @every 1h).
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr would be accepted by Start.
func ValidateSchedule(expr string) error {
	_, err := parser.Parse(scheduleOrDefault(expr))
	return err
}

func scheduleOrDefault(expr string) string {
	if s := strings.TrimSpace(expr); s != "" {
		return s
	}
	return "@daily"
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	out Enqueuer
	src TotalsSource
	bus eventbus.Bus

	started bool
	runCtx  context.Context
	c       *cron.Cron
	loc     *time.Location
	entry   cron.EntryID

	startedAt time.Time
	last      stats.Counters
	lastAt    time.Time
}

func New(cfg Config, out Enqueuer, src TotalsSource, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, out: out, src: src, log: log, bus: bus, startedAt: time.Now()}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A changed schedule or timezone restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c := s.c
	changed := scheduleOrDefault(old.Schedule) != scheduleOrDefault(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if c != nil && (!cfg.Enabled || changed) {
		s.c = nil
	} else {
		c = nil
	}
	s.mu.Unlock()

	// Wait outside the lock: a running job takes s.mu in Build.
	if c != nil {
		<-c.Stop().Done()
		if !cfg.Enabled {
			s.log.Info("report disabled")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && s.c == nil && cfg.Enabled {
		if err := s.startLocked(); err != nil {
			s.log.Error("report reschedule failed", logx.Err(err))
		}
	}
}

// Start registers the digest job. It is idempotent and a no-op while disabled.
// Scheduled runs are canceled with ctx.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.runCtx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("report: timezone %q: %w", tz, err)
		}
		loc = l
	}
	expr := scheduleOrDefault(s.cfg.Schedule)

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	id, err := c.AddFunc(expr, func() {
		ctx, cancel := s.jobContext()
		defer cancel()
		s.RunNow(ctx)
	})
	if err != nil {
		return fmt.Errorf("report: schedule %q: %w", expr, err)
	}
	c.Start()
	s.c, s.loc, s.entry = c, loc, id
	s.log.Info("report scheduled", logx.String("schedule", expr), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

// jobContext bounds one scheduled run and ends with the Start context.
func (s *Service) jobContext() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, 5*time.Second)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
}

// NextRun returns the next scheduled digest (zero if not running).
func (s *Service) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// RunNow builds and enqueues a digest immediately.
func (s *Service) RunNow(ctx context.Context) *dispatch.Ticket {
	msg, err := s.Build(ctx, time.Now())
	if err != nil {
		s.log.Warn("report build failed", logx.Err(err))
		return nil
	}
	tk := s.out.EnqueueMessage(msg)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReportQueued, Data: Queued{TicketID: tk.ID(), At: time.Now()}})
	}
	s.log.Debug("report queued", logx.String("id", tk.ID()))
	return tk
}

// Build renders the digest for the current totals and remembers them as the
// baseline for the next digest.
func (s *Service) Build(ctx context.Context, now time.Time) (embed.Message, error) {
	if s.src == nil {
		return embed.Message{}, fmt.Errorf("report: no stats source")
	}
	cur, err := s.src.Totals(ctx)
	if err != nil {
		return embed.Message{}, fmt.Errorf("report: read totals: %w", err)
	}

	s.mu.Lock()
	prev, prevAt := s.last, s.lastAt
	s.last, s.lastAt = cur, now
	title := strings.TrimSpace(s.cfg.Title)
	started := s.startedAt
	s.mu.Unlock()

	if title == "" {
		title = "Notification digest"
	}
	since := started
	if !prevAt.IsZero() {
		since = prevAt
	}

	delivered := cur.Count(string(dispatch.OutcomeDelivered)) - prev.Count(string(dispatch.OutcomeDelivered))
	total := cur.Total - prev.Total
	failed := total - delivered

	color := embed.ColorSuccess
	if failed > 0 {
		color = embed.ColorWarn
	}

	fields := []embed.Field{
		{Name: "Delivered", Value: humanize.Comma(delivered), Inline: true},
		{Name: "Not delivered", Value: humanize.Comma(failed), Inline: true},
		{Name: "Attempts", Value: humanize.Comma(cur.Attempts - prev.Attempts), Inline: true},
		{Name: "Payload", Value: humanize.Bytes(uint64(max(cur.Bytes-prev.Bytes, 0))), Inline: true},
	}
	if b := breakdown(cur, prev); b != "" {
		fields = append(fields, embed.Field{Name: "Outcomes", Value: b})
	}
	fields = append(fields, embed.Field{Name: "All time", Value: fmt.Sprintf("%s sent, %s delivered", humanize.Comma(cur.Total), humanize.Comma(cur.Count(string(dispatch.OutcomeDelivered))))})

	ts := now
	return embed.Single(embed.Embed{
		Title:       title,
		Description: "Since " + humanize.RelTime(since, now, "ago", "from now"),
		Color:       color,
		Fields:      fields,
		Timestamp:   &ts,
		Footer:      &embed.Footer{Text: "hooknotify"},
	}), nil
}

// breakdown lists non-delivered outcomes that changed since prev.
func breakdown(cur, prev stats.Counters) string {
	keys := make([]string, 0, len(cur.Outcomes))
	for k := range cur.Outcomes {
		if k != string(dispatch.OutcomeDelivered) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if n := cur.Count(k) - prev.Count(k); n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", k, humanize.Comma(n)))
		}
	}
	return strings.Join(parts, "\n")
}
