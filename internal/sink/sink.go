// Package sink posts JSON payloads to a single webhook endpoint and
// classifies the response for the dispatcher.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "hooknotify/1"

	// maxBodyRead bounds what we keep for logging; maxBodyDrain bounds what we
	// read to let the transport reuse the connection.
	maxBodyRead  = 4 << 10
	maxBodyDrain = 64 << 10
	maxExcerpt   = 200
)

// Class is the dispatcher-facing classification of one POST.
type Class int

const (
	ClassSuccess Class = iota
	ClassRateLimited
	ClassRejected
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRateLimited:
		return "rate_limited"
	case ClassRejected:
		return "rejected"
	case ClassTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result describes one POST. Err is set only for transport failures.
type Result struct {
	Status int
	// RetryAfter is the parsed throttle delay; zero when the response carried none.
	RetryAfter time.Duration
	// Message and Code come from a JSON error body when present, otherwise
	// Message holds a short excerpt of the body.
	Message string
	Code    int64
	Err     error
}

func (r Result) Class() Class {
	switch {
	case r.Err != nil:
		return ClassTransport
	case r.Status >= 200 && r.Status < 300:
		return ClassSuccess
	case r.Status == http.StatusTooManyRequests:
		return ClassRateLimited
	default:
		return ClassRejected
	}
}

type Client struct {
	url       string
	hc        *http.Client
	userAgent string
	clock     quartz.Clock
}

type Option func(*Client)

// WithHTTPClient replaces the default client (which has a 10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout bounds each POST, including reading the response. Zero or
// negative keeps the current client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc = &http.Client{Transport: c.hc.Transport, Timeout: d}
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithClock sets the clock used to turn absolute reset headers into delays.
func WithClock(clk quartz.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:       strings.TrimSpace(url),
		hc:        &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		clock:     quartz.NewReal(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Timeout is the per-request HTTP client timeout, zero when unbounded.
func (c *Client) Timeout() time.Duration { return c.hc.Timeout }

// Configured reports whether an endpoint URL is set.
func (c *Client) Configured() bool { return c != nil && c.url != "" }

// Send performs exactly one POST. It never retries.
func (c *Client) Send(ctx context.Context, body []byte) Result {
	if !c.Configured() {
		return Result{Err: fmt.Errorf("sink: endpoint not configured")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("send request: %w", redact(err, c.url))}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyDrain))
		_ = resp.Body.Close()
	}()

	res := Result{Status: resp.StatusCode}
	if res.Class() == ClassSuccess {
		return res
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	res.Message, res.Code = describeBody(raw, resp.Status)

	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := ParseRetryAfter(resp.Header, c.clock.Now()); ok {
			res.RetryAfter = d
		} else if v := gjson.GetBytes(raw, "retry_after"); v.Exists() && v.Float() > 0 {
			res.RetryAfter = seconds(v.Float())
		}
	}
	return res
}

func describeBody(raw []byte, status string) (string, int64) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return status, 0
	}
	if gjson.ValidBytes(raw) {
		r := gjson.ParseBytes(raw)
		if msg := r.Get("message"); msg.Exists() {
			return msg.String(), r.Get("code").Int()
		}
	}
	s := strings.TrimSpace(string(raw))
	if r := []rune(s); len(r) > maxExcerpt {
		s = string(r[:maxExcerpt]) + "..."
	}
	return s, 0
}

// redact strips the endpoint (which embeds the webhook token) from url errors.
func redact(err error, url string) error {
	if url == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, url) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(msg, url, "<webhook>"))
}
