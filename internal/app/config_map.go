package app

import (
	"strings"
	"time"

	"hooknotify/internal/config"
	"hooknotify/internal/dispatch"
	"hooknotify/internal/report"
	"hooknotify/internal/server"
	"hooknotify/internal/sink"
	"hooknotify/internal/stats"
	"hooknotify/internal/storage"
	"hooknotify/pkg/logx"
)

// Durations below were checked by config.Validate, so DurationOr only fills
// defaults here.

const defaultShutdownTimeout = 5 * time.Second

func mapLoggingConfig(cfg *config.Config, levelOverride string) logx.Config {
	lvl := cfg.Logging.Level
	if s := strings.TrimSpace(levelOverride); s != "" {
		lvl = s
	}
	f := cfg.Logging.File
	return logx.Config{
		Level:   lvl,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapDispatcherConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatcher
	return dispatch.Config{
		RatePerSec:        d.RatePerSec,
		Burst:             d.Burst,
		SendTimeout:       config.DurationOr(cfg.Webhook.Timeout, 10*time.Second),
		DefaultRetryAfter: config.DurationOr(d.DefaultRetryAfter, time.Second),
		HistorySize:       d.HistorySize,
	}
}

// mapSinkOptions sizes the HTTP client from webhook.timeout so the client
// never cuts a send shorter than the dispatcher's per-send deadline.
func mapSinkOptions(cfg *config.Config) []sink.Option {
	return []sink.Option{
		sink.WithUserAgent(cfg.Webhook.UserAgent),
		sink.WithTimeout(mapDispatcherConfig(cfg).SendTimeout),
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Dispatcher.ShutdownTimeout, defaultShutdownTimeout)
}

func mapServerConfig(cfg *config.Config) server.Config {
	s := cfg.Server
	return server.Config{
		Enabled:         s.Enabled,
		Addr:            s.Addr,
		Token:           s.Token,
		Pprof:           s.Pprof,
		IngestPerMinute: s.IngestPerMinute,
		MaxBodyBytes:    s.MaxBodyBytes,
		ReadTimeout:     config.DurationOr(s.ReadTimeout, 10*time.Second),
		WriteTimeout:    config.DurationOr(s.WriteTimeout, 60*time.Second),
		IdleTimeout:     config.DurationOr(s.IdleTimeout, 2*time.Minute),
	}
}

func mapStatsConfig(cfg *config.Config) stats.Config {
	r := cfg.Stats.Redis
	return stats.Config{
		Driver: cfg.Stats.Driver,
		Redis: stats.RedisConfig{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			Prefix:    r.Prefix,
			BucketTTL: config.DurationOr(r.BucketTTL, 0),
		},
	}
}

// mapStorageConfig returns enabled=false when the journal is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second),
		MaxEntries:  sc.MaxEntries,
	}, true
}

func mapReportConfig(cfg *config.Config) report.Config {
	r := cfg.Report
	return report.Config{
		Enabled:  r.Enabled,
		Schedule: r.Schedule,
		Timezone: r.Timezone,
		Title:    r.Title,
	}
}
