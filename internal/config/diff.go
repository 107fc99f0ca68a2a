package config

import (
	"reflect"
	"sort"
	"strings"

	"hooknotify/pkg/logx"
)

// liveSections can be applied to a running process. Changes anywhere else are
// only picked up on restart.
var liveSections = map[string]bool{
	"dispatcher": true,
	"logging":    true,
	"report":     true,
}

// RestartRequired filters changed down to the sections that cannot be
// applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs describing their new values. Secrets (the webhook URL,
// server token, redis password) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	// Webhook (the URL is never in the config; only the env var name is)
	if oldCfg.Webhook.EnvName() != newCfg.Webhook.EnvName() ||
		strings.TrimSpace(oldCfg.Webhook.Timeout) != strings.TrimSpace(newCfg.Webhook.Timeout) ||
		strings.TrimSpace(oldCfg.Webhook.UserAgent) != strings.TrimSpace(newCfg.Webhook.UserAgent) {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.String("webhook.url_env", newCfg.Webhook.EnvName()),
			logx.String("webhook.timeout", strings.TrimSpace(newCfg.Webhook.Timeout)),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Float64("dispatcher.rate_per_sec", d.RatePerSec),
			logx.Int("dispatcher.burst", d.Burst),
			logx.String("dispatcher.default_retry_after", strings.TrimSpace(d.DefaultRetryAfter)),
			logx.Int("dispatcher.history_size", d.HistorySize),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Server (never log token)
	oSrv, nSrv := oldCfg.Server, newCfg.Server
	tokenChanged := strings.TrimSpace(oSrv.Token) != strings.TrimSpace(nSrv.Token)
	oSrv.Token, nSrv.Token = "", ""
	if tokenChanged || oSrv != nSrv {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", nSrv.Enabled),
			logx.String("server.addr", strings.TrimSpace(nSrv.Addr)),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
			logx.Bool("server.pprof", nSrv.Pprof),
			logx.Int("server.ingest_per_minute", nSrv.IngestPerMinute),
		)
	}

	// Stats (never log redis password)
	if !reflect.DeepEqual(oldCfg.Stats, newCfg.Stats) {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.String("stats.driver", strings.TrimSpace(newCfg.Stats.Driver)),
			logx.String("stats.redis_addr", strings.TrimSpace(newCfg.Stats.Redis.Addr)),
			logx.Bool("stats.redis_password_set", newCfg.Stats.Redis.Password != ""),
		)
	}

	// Storage; nil means disabled.
	oSt, nSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nSt.BusyTimeout)),
			logx.Int("storage.max_entries", nSt.MaxEntries),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)),
			logx.String("report.timezone", strings.TrimSpace(newCfg.Report.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
