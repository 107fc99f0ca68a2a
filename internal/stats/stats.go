// Package stats keeps best-effort delivery counters for status output and the
// digest report.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"hooknotify/pkg/logx"
)

var ErrUnknownDriver = errors.New("stats: unknown driver")

// Event is one resolved notification.
type Event struct {
	Outcome  string
	Attempts int
	Bytes    int
	At       time.Time
}

// Counters are cumulative totals.
type Counters struct {
	Total    int64            `json:"total"`
	Attempts int64            `json:"attempts"`
	Bytes    int64            `json:"bytes"`
	Outcomes map[string]int64 `json:"outcomes"`
}

// Count returns the total for one outcome (0 if never seen).
func (c Counters) Count(outcome string) int64 { return c.Outcomes[outcome] }

type Store interface {
	Record(ctx context.Context, ev Event) error
	Totals(ctx context.Context) (Counters, error)
	Close() error
}

type Config struct {
	Driver string // memory (default) | redis | none
	Redis  RedisConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	BucketTTL time.Duration
}

// Open builds the configured store. A redis store is pinged before use.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "none", "off", "disabled":
		return Nop{}, nil
	case "redis":
		addr := strings.TrimSpace(cfg.Redis.Addr)
		if addr == "" {
			return nil, errors.New("stats: redis.addr is required")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("stats: redis ping %s: %w", addr, err)
		}
		log.Info("stats store ready", logx.String("driver", "redis"), logx.String("addr", addr))
		return NewRedis(rdb, WithPrefix(cfg.Redis.Prefix), WithBucketTTL(cfg.Redis.BucketTTL)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
func (Nop) Totals(context.Context) (Counters, error) {
	return Counters{Outcomes: map[string]int64{}}, nil
}
func (Nop) Close() error { return nil }
