package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSuccess(t *testing.T) {
	var gotBody, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := New(srv.URL).Send(context.Background(), []byte(`{"embeds":[{"title":"a"}]}`))
	require.NoError(t, res.Err)
	assert.Equal(t, ClassSuccess, res.Class())
	assert.Equal(t, http.StatusNoContent, res.Status)
	assert.Equal(t, `{"embeds":[{"title":"a"}]}`, gotBody)
	assert.Equal(t, "application/json", gotCT)
}

func TestSendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"You are being rate limited.","retry_after":0.5,"global":false}`)
	}))
	defer srv.Close()

	res := New(srv.URL).Send(context.Background(), []byte(`{}`))
	assert.Equal(t, ClassRateLimited, res.Class())
	assert.Equal(t, 2*time.Second, res.RetryAfter)
	assert.Equal(t, "You are being rate limited.", res.Message)
}

func TestSendRateLimitedBodyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"slow down","retry_after":0.75}`)
	}))
	defer srv.Close()

	res := New(srv.URL).Send(context.Background(), []byte(`{}`))
	assert.Equal(t, ClassRateLimited, res.Class())
	assert.Equal(t, 750*time.Millisecond, res.RetryAfter)
}

func TestSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"Cannot send an empty message","code":50006}`)
	}))
	defer srv.Close()

	res := New(srv.URL).Send(context.Background(), []byte(`{}`))
	assert.Equal(t, ClassRejected, res.Class())
	assert.Equal(t, "Cannot send an empty message", res.Message)
	assert.Equal(t, int64(50006), res.Code)
	assert.Zero(t, res.RetryAfter)
}

func TestSendRejectedPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	res := New(srv.URL).Send(context.Background(), []byte(`{}`))
	assert.Equal(t, ClassRejected, res.Class())
	assert.Equal(t, "upstream exploded", res.Message)
}

func TestSendTransportErrorRedactsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL + "/api/webhooks/1/secret-token"
	srv.Close()

	res := New(url).Send(context.Background(), []byte(`{}`))
	require.Error(t, res.Err)
	assert.Equal(t, ClassTransport, res.Class())
	assert.NotContains(t, res.Err.Error(), "secret-token")
}

func TestSendTimeoutBoundsSlowEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, c.Timeout())
	res := c.Send(context.Background(), []byte(`{}`))
	assert.Equal(t, ClassTransport, res.Class())

	assert.Equal(t, 10*time.Second, New(srv.URL).Timeout())
	assert.Equal(t, 10*time.Second, New(srv.URL, WithTimeout(0)).Timeout())
}

func TestSendUnconfigured(t *testing.T) {
	c := New("  ")
	assert.False(t, c.Configured())
	assert.Equal(t, ClassTransport, c.Send(context.Background(), nil).Class())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name    string
		headers map[string]string
		want    time.Duration
		ok      bool
	}{
		{"seconds", map[string]string{"Retry-After": "2"}, 2 * time.Second, true},
		{"fractional", map[string]string{"Retry-After": "1.5"}, 1500 * time.Millisecond, true},
		{"http date", map[string]string{"Retry-After": now.Add(3 * time.Second).UTC().Format(http.TimeFormat)}, 3 * time.Second, true},
		{"reset after", map[string]string{"X-RateLimit-Reset-After": "0.25"}, 250 * time.Millisecond, true},
		{"retry after wins", map[string]string{"Retry-After": "4", "X-RateLimit-Reset-After": "1"}, 4 * time.Second, true},
		{"reset seconds", map[string]string{"X-RateLimit-Reset": "5"}, 5 * time.Second, true},
		{"reset epoch", map[string]string{"X-RateLimit-Reset": strconv.FormatInt(now.Unix()+7, 10)}, 7 * time.Second, true},
		{"seconds far future", map[string]string{"Retry-After": "9999999"}, 24 * time.Hour, true},
		{"http date far future", map[string]string{"Retry-After": now.AddDate(5, 0, 0).UTC().Format(http.TimeFormat)}, 24 * time.Hour, true},
		{"reset epoch far future", map[string]string{"X-RateLimit-Reset": strconv.FormatInt(now.AddDate(5, 0, 0).Unix(), 10)}, 24 * time.Hour, true},
		{"reset epoch past", map[string]string{"X-RateLimit-Reset": strconv.FormatInt(now.Unix()-7, 10)}, 0, false},
		{"garbage falls through", map[string]string{"Retry-After": "soon", "X-RateLimit-Reset-After": "1"}, time.Second, true},
		{"zero", map[string]string{"Retry-After": "0"}, 0, false},
		{"negative", map[string]string{"Retry-After": "-3"}, 0, false},
		{"none", nil, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			got, ok := ParseRetryAfter(h, now)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
