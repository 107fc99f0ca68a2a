package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldTotal    = "total"
	fieldAttempts = "attempts"
	fieldBytes    = "bytes"
	outcomePrefix = "outcome:"
)

// Redis keeps cumulative totals in one hash (<prefix>:total) and per-minute
// buckets (<prefix>:minute:YYYYMMDDhhmm) that expire after the bucket TTL.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithBucketTTL sets the expiry of minute buckets. Totals never expire.
func WithBucketTTL(d time.Duration) RedisOption {
	return func(s *Redis) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{rdb: rdb, prefix: "hooknotify:stats", ttl: 24 * time.Hour}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Redis) totalKey() string { return s.prefix + ":total" }

func (s *Redis) bucketKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *Redis) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := s.rdb.Pipeline()
	total := s.totalKey()
	pipe.HIncrBy(ctx, total, fieldTotal, 1)
	pipe.HIncrBy(ctx, total, fieldAttempts, int64(ev.Attempts))
	pipe.HIncrBy(ctx, total, fieldBytes, int64(ev.Bytes))
	if ev.Outcome != "" {
		pipe.HIncrBy(ctx, total, outcomePrefix+ev.Outcome, 1)
	}

	bucket := s.bucketKey(at)
	pipe.HIncrBy(ctx, bucket, fieldTotal, 1)
	if ev.Outcome != "" {
		pipe.HIncrBy(ctx, bucket, outcomePrefix+ev.Outcome, 1)
	}
	pipe.Expire(ctx, bucket, s.ttl)

	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) Totals(ctx context.Context) (Counters, error) {
	return s.read(ctx, s.totalKey())
}

// Minute returns the bucket containing at. Attempts and bytes are only kept in totals.
func (s *Redis) Minute(ctx context.Context, at time.Time) (Counters, error) {
	return s.read(ctx, s.bucketKey(at))
}

func (s *Redis) read(ctx context.Context, key string) (Counters, error) {
	out := Counters{Outcomes: map[string]int64{}}
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return out, err
	}
	for k, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case k == fieldTotal:
			out.Total = n
		case k == fieldAttempts:
			out.Attempts = n
		case k == fieldBytes:
			out.Bytes = n
		case strings.HasPrefix(k, outcomePrefix):
			out.Outcomes[strings.TrimPrefix(k, outcomePrefix)] = n
		}
	}
	return out, nil
}

func (s *Redis) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
