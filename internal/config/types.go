package config

import (
	"os"
	"strings"
)

// DefaultURLEnv is the environment variable holding the webhook URL.
const DefaultURLEnv = "DISCORD_WEBHOOK_URL"

type Config struct {
	Webhook    WebhookConfig    `json:"webhook"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Logging    LoggingConfig    `json:"logging"`
	Server     ServerConfig     `json:"server"`
	Stats      StatsConfig      `json:"stats"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Report     ReportConfig     `json:"report"`
}

// WebhookConfig names where the endpoint comes from. The URL itself embeds a
// credential, so it is only ever read from the environment and never stored
// in the config file.
type WebhookConfig struct {
	URLEnv    string `json:"url_env,omitempty"`    // default: DISCORD_WEBHOOK_URL
	Timeout   string `json:"timeout,omitempty"`    // per POST; default "10s"
	UserAgent string `json:"user_agent,omitempty"` // default: hooknotify/1
}

func (w WebhookConfig) EnvName() string {
	if s := strings.TrimSpace(w.URLEnv); s != "" {
		return s
	}
	return DefaultURLEnv
}

// ResolveURL reads the endpoint from the environment. Empty means disabled.
func (w WebhookConfig) ResolveURL() string {
	return strings.TrimSpace(os.Getenv(w.EnvName()))
}

// DispatcherConfig controls the delivery queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 0 (no client-side pacing; 429 cooldowns still apply)
//   - burst: 1
//   - default_retry_after: "1s"
//   - history_size: 300
//   - shutdown_timeout: "5s"
type DispatcherConfig struct {
	RatePerSec        float64 `json:"rate_per_sec,omitempty"`
	Burst             int     `json:"burst,omitempty"`
	DefaultRetryAfter string  `json:"default_retry_after,omitempty"`
	HistorySize       int     `json:"history_size,omitempty"`
	ShutdownTimeout   string  `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ServerConfig controls the optional HTTP ingress.
//
// Security note:
//   - Prefer binding to localhost (the default).
//   - If you bind to a non-loopback address, set a token.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`

	// IngestPerMinute limits POST /v1/notify per client IP. Default 60.
	IngestPerMinute int   `json:"ingest_per_minute,omitempty"`
	MaxBodyBytes    int64 `json:"max_body_bytes,omitempty"` // default 64 KiB

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StatsConfig selects the counter backend.
//
// Example:
//
//	"stats": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type StatsConfig struct {
	Driver string      `json:"driver,omitempty"` // memory (default) | redis | none
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"` // do not log
	DB        int    `json:"db,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	BucketTTL string `json:"bucket_ttl,omitempty"` // default "24h"
}

// StorageConfig controls the optional delivery journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/hooknotify.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxEntries  int    `json:"max_entries,omitempty"`
}

// ReportConfig controls the periodic digest notification.
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "@daily"
	Timezone string `json:"timezone,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Defaults is the config used when no file is given. Fields missing from a
// file keep these values.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Server:  ServerConfig{Addr: "127.0.0.1:8080"},
		Stats:   StatsConfig{Driver: "memory"},
		Report:  ReportConfig{Schedule: "@daily"},
	}
}
