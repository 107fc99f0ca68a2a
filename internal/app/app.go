// Package app wires the dispatcher and its supporting services from config
// and owns their start/stop ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hooknotify/internal/config"
	"hooknotify/internal/dispatch"
	"hooknotify/internal/eventbus"
	"hooknotify/internal/report"
	rtsup "hooknotify/internal/runtime/supervisor"
	"hooknotify/internal/server"
	"hooknotify/internal/sink"
	"hooknotify/internal/stats"
	"hooknotify/internal/storage"
	"hooknotify/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	logLevel string
	sup      *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	stats  stats.Store
	store  storage.Store
	disp   *dispatch.Dispatcher
	report *report.Service
	server *server.Service
	rec    *recorder

	startedAt time.Time
}

type Option func(*App)

// WithLogLevel overrides logging.level from the config file, including on
// reload.
func WithLogLevel(level string) Option {
	return func(a *App) { a.logLevel = strings.TrimSpace(level) }
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgm: config.NewManager(cfgPath)}
	for _, o := range opts {
		o(a)
	}
	a.cfgm.SetValidator(validate)

	cfg, err := a.cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg, a.logLevel))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()
	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := dispatch.NewMetrics(a.reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	st, err := stats.Open(ctx, mapStatsConfig(cfg), log.With(logx.String("comp", "stats")))
	if err != nil {
		return nil, err
	}
	a.stats = st

	if sc, enabled := mapStorageConfig(cfg); enabled {
		store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.store = store
		a.log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	url := cfg.Webhook.ResolveURL()
	if url == "" {
		a.log.Warn("webhook url not set; notifications will resolve as disabled",
			logx.String("env", cfg.Webhook.EnvName()))
	}
	sk := sink.New(url, mapSinkOptions(cfg)...)
	if sk.Configured() {
		a.log.Info("webhook configured", logx.Duration("timeout", sk.Timeout()))
	}

	a.disp = dispatch.New(mapDispatcherConfig(cfg), sk,
		log.With(logx.String("comp", "dispatch")), a.bus, dispatch.WithMetrics(metrics))
	a.rec = newRecorder(a.bus, a.stats, a.store, log.With(logx.String("comp", "recorder")))
	a.report = report.New(mapReportConfig(cfg), a.disp, a.stats,
		log.With(logx.String("comp", "report")), a.bus)
	a.server = server.New(mapServerConfig(cfg), server.Deps{
		Dispatcher: a.disp,
		Gatherer:   a.reg,
		Status:     func(ctx context.Context) any { return a.Status(ctx) },
	}, log.With(logx.String("comp", "server")))

	return a, nil
}

// validate adds cross-package checks on top of config.Validate.
func validate(ctx context.Context, cfg *config.Config) error {
	var errs []error
	if cfg.Report.Enabled {
		if err := report.ValidateSchedule(cfg.Report.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("report.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("report.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Report() *report.Service { return a.report }

// ServerAddr is the bound HTTP address, empty when the server is off.
func (a *App) ServerAddr() string { return a.server.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// The queue and its bookkeeping outlive ctx so Stop can drain them.
	bg := context.WithoutCancel(ctx)
	a.rec.Start(bg)
	a.disp.Start(bg)

	if err := a.report.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.server.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("webhook_configured", a.disp.Enabled()),
		logx.Bool("server", a.server.Enabled()),
		logx.Bool("report", a.report.Enabled()),
		logx.Bool("journal", a.store != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so config loops unwind immediately.
	a.sup.Cancel()

	drain := shutdownTimeout(a.cfgm.Get())

	a.step(ctx, "server", 2*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	a.step(ctx, "report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	a.step(ctx, "dispatcher", drain, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "recorder", 2*time.Second, a.rec.Stop)
	a.step(ctx, "stats", time.Second, func(context.Context) error { return a.stats.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
