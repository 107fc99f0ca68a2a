package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks field-level constraints. Errors name the dotted field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(checkDuration("webhook.timeout", cfg.Webhook.Timeout))

	d := cfg.Dispatcher
	if d.RatePerSec < 0 {
		add(errors.New("dispatcher.rate_per_sec must be >= 0"))
	}
	if d.Burst < 0 {
		add(errors.New("dispatcher.burst must be >= 0"))
	}
	if d.HistorySize < 0 {
		add(errors.New("dispatcher.history_size must be >= 0"))
	}
	add(checkDuration("dispatcher.default_retry_after", d.DefaultRetryAfter))
	add(checkDuration("dispatcher.shutdown_timeout", d.ShutdownTimeout))

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	s := cfg.Server
	if s.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(s.Addr)); err != nil {
			add(fmt.Errorf("server.addr: %w", err))
		}
	}
	if s.IngestPerMinute < 0 {
		add(errors.New("server.ingest_per_minute must be >= 0"))
	}
	if s.MaxBodyBytes < 0 {
		add(errors.New("server.max_body_bytes must be >= 0"))
	}
	add(checkDuration("server.read_timeout", s.ReadTimeout))
	add(checkDuration("server.write_timeout", s.WriteTimeout))
	add(checkDuration("server.idle_timeout", s.IdleTimeout))

	switch strings.ToLower(strings.TrimSpace(cfg.Stats.Driver)) {
	case "", "memory", "none", "off", "disabled":
	case "redis":
		if strings.TrimSpace(cfg.Stats.Redis.Addr) == "" {
			add(errors.New("stats.redis.addr is required for the redis driver"))
		}
		add(checkDuration("stats.redis.bucket_ttl", cfg.Stats.Redis.BucketTTL))
	default:
		add(fmt.Errorf("stats.driver: unknown driver %q", cfg.Stats.Driver))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		add(checkDuration("storage.busy_timeout", st.BusyTimeout))
		if st.MaxEntries < 0 {
			add(errors.New("storage.max_entries must be >= 0"))
		}
	}

	return errors.Join(errs...)
}

func checkDuration(path, raw string) error {
	_, err := ParseDurationField(path, raw)
	return err
}
