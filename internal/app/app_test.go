package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hooknotify/internal/config"
	"hooknotify/internal/dispatch"
	"hooknotify/internal/embed"
	"hooknotify/internal/sink"
)

const hookEnv = "HOOKNOTIFY_TEST_WEBHOOK"

type fakeWebhook struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeWebhook) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hooknotify.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func startApp(t *testing.T, cfgBody string) *App {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, cfgBody), WithLogLevel("error"))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopUnknown)
	})
	return a
}

func TestEndToEndDelivery(t *testing.T) {
	hook := &fakeWebhook{}
	ts := httptest.NewServer(hook)
	defer ts.Close()
	t.Setenv(hookEnv, ts.URL)

	journal := filepath.Join(t.TempDir(), "journal.sqlite")
	a := startApp(t, `
webhook:
  url_env: `+hookEnv+`
server:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: sqlite
  path: `+journal+`
`)
	require.True(t, a.Dispatcher().Enabled())
	base := "http://" + a.ServerAddr()

	resp, err := http.Post(base+"/v1/notify?wait=true", "application/json", strings.NewReader(`{"content":"deploy finished"}`))
	require.NoError(t, err)
	var out struct {
		ID        string `json:"id"`
		Outcome   string `json:"outcome"`
		Delivered bool   `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, out.Delivered)
	require.Equal(t, []string{`{"content":"deploy finished"}`}, hook.received())

	// The recorder writes stats and the journal asynchronously.
	require.Eventually(t, func() bool {
		st := a.Status(context.Background())
		return st.Stats != nil && st.Stats.Count("delivered") == 1 && len(st.Journal) == 1
	}, 3*time.Second, 20*time.Millisecond)

	st := a.Status(context.Background())
	require.Equal(t, out.ID, st.Journal[0].ID)
	require.Contains(t, st.Supervisors, "dispatcher")
	require.EqualValues(t, 1, st.Dispatcher.Outcomes[dispatch.OutcomeDelivered])

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(b), `hooknotify_dispatch_deliveries_total{outcome="delivered"} 1`)
}

func TestMissingWebhookDisablesDelivery(t *testing.T) {
	t.Setenv(hookEnv, "")
	a := startApp(t, "webhook:\n  url_env: "+hookEnv+"\n")
	require.False(t, a.Dispatcher().Enabled())

	tk := a.Dispatcher().EnqueueMessage(embed.Message{Content: "hello"})
	require.Equal(t, dispatch.OutcomeDisabled, tk.Wait(context.Background()))
	require.Empty(t, a.ServerAddr())
}

func TestStopDrainsQueuedNotifications(t *testing.T) {
	hook := &fakeWebhook{}
	ts := httptest.NewServer(hook)
	defer ts.Close()
	t.Setenv(hookEnv, ts.URL)

	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, "webhook:\n  url_env: "+hookEnv+"\n"), WithLogLevel("error"))
	require.NoError(t, err)

	// Queued before Start; Stop must still deliver them in order.
	var tickets []*dispatch.Ticket
	for _, s := range []string{"a", "b", "c"} {
		tickets = append(tickets, a.Dispatcher().Enqueue([]byte(`{"content":"`+s+`"}`)))
	}
	require.NoError(t, a.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))

	for _, tk := range tickets {
		require.Equal(t, dispatch.OutcomeDelivered, tk.Outcome())
	}
	require.Equal(t, []string{`{"content":"a"}`, `{"content":"b"}`, `{"content":"c"}`}, hook.received())
}

func TestApplyConfigLiveSections(t *testing.T) {
	t.Setenv(hookEnv, "")
	a := startApp(t, "webhook:\n  url_env: "+hookEnv+"\n")
	require.True(t, a.Report().NextRun().IsZero())

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Report = config.ReportConfig{Enabled: true, Schedule: "@hourly", Timezone: "UTC"}
	newCfg.Dispatcher.RatePerSec = 2
	newCfg.Server.Enabled = true
	a.applyConfig(oldCfg, &newCfg)

	require.False(t, a.Report().NextRun().IsZero())
	// Server changes need a restart.
	require.Empty(t, a.ServerAddr())
}

func TestNewRejectsBadReportSchedule(t *testing.T) {
	_, err := New(context.Background(), writeConfig(t, "report:\n  enabled: true\n  schedule: whenever\n"))
	require.ErrorContains(t, err, "report.schedule")

	_, err = New(context.Background(), writeConfig(t, "report:\n  timezone: Nowhere/Land\n"))
	require.ErrorContains(t, err, "report.timezone")
}

func TestSinkTimeoutFollowsWebhookTimeout(t *testing.T) {
	cfg := config.Defaults()
	cfg.Webhook.Timeout = "30s"
	c := sink.New("http://127.0.0.1:1/hook", mapSinkOptions(cfg)...)
	require.Equal(t, 30*time.Second, c.Timeout())
	require.Equal(t, 30*time.Second, mapDispatcherConfig(cfg).SendTimeout)

	cfg.Webhook.Timeout = ""
	require.Equal(t, 10*time.Second, sink.New("", mapSinkOptions(cfg)...).Timeout())
}
