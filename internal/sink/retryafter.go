package sink

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// epochThreshold separates "seconds from now" from a Unix timestamp in
// X-RateLimit-Reset.
const epochThreshold = 1e9

// maxDelay caps every parsed delay.
const maxDelay = 24 * time.Hour

// ParseRetryAfter extracts a throttle delay from response headers, in order:
// Retry-After (seconds or HTTP-date), X-RateLimit-Reset-After (seconds),
// X-RateLimit-Reset (seconds, or a Unix epoch when larger than 1e9).
// Seconds may be fractional. Delays are capped at maxDelay. ok is false when
// no header yields a positive delay.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if d := seconds(f); d > 0 {
				return d, true
			}
		} else if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return capDelay(d), true
			}
		}
	}
	if f, ok := headerFloat(h, "X-RateLimit-Reset-After"); ok {
		if d := seconds(f); d > 0 {
			return d, true
		}
	}
	if f, ok := headerFloat(h, "X-RateLimit-Reset"); ok {
		if f > epochThreshold {
			sec, frac := math.Modf(f)
			at := time.Unix(int64(sec), int64(frac*1e9))
			if d := at.Sub(now); d > 0 {
				return capDelay(d), true
			}
		} else if d := seconds(f); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func headerFloat(h http.Header, key string) (float64, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func seconds(f float64) time.Duration {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f >= maxDelay.Seconds() {
		return maxDelay
	}
	return capDelay(time.Duration(f * float64(time.Second)))
}

func capDelay(d time.Duration) time.Duration {
	return min(d, maxDelay)
}
