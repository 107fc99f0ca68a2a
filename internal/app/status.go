package app

import (
	"context"
	"time"

	"hooknotify/internal/dispatch"
	"hooknotify/internal/eventbus"
	rtsup "hooknotify/internal/runtime/supervisor"
	"hooknotify/internal/stats"
	"hooknotify/internal/storage"
)

const statusJournalLimit = 20

// Status is served on /v1/status.
type Status struct {
	StartedAt     time.Time                 `json:"started_at"`
	Uptime        string                    `json:"uptime"`
	Dispatcher    dispatch.Snapshot         `json:"dispatcher"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
	Stats         *stats.Counters           `json:"stats,omitempty"`
	StatsError    string                    `json:"stats_error,omitempty"`
	Journal       []storage.DeliveryRecord  `json:"journal,omitempty"`
	JournalError  string                    `json:"journal_error,omitempty"`
	NextReport    *time.Time                `json:"next_report,omitempty"`
	EventsDropped uint64                    `json:"events_dropped"`
}

func (a *App) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := Status{
		StartedAt:     a.startedAt,
		Dispatcher:    a.disp.Snapshot(),
		Supervisors:   map[string]rtsup.Snapshot{},
		EventsDropped: eventbus.Dropped(a.bus),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}

	for name, sup := range map[string]*rtsup.Supervisor{
		"app":        a.sup,
		"dispatcher": a.disp.Supervisor(),
		"server":     a.server.Supervisor(),
		"recorder":   a.rec.Supervisor(),
	} {
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}

	if c, err := a.stats.Totals(ctx); err != nil {
		st.StatsError = err.Error()
	} else {
		st.Stats = &c
	}
	if a.store != nil {
		if recs, err := a.store.RecentDeliveries(ctx, statusJournalLimit); err != nil {
			st.JournalError = err.Error()
		} else {
			st.Journal = recs
		}
	}
	if next := a.report.NextRun(); !next.IsZero() {
		st.NextReport = &next
	}
	return st
}
