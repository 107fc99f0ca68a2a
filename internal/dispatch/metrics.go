package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hooknotify/internal/sink"
)

// Metrics holds dispatcher metrics. A nil *Metrics records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	pending      prometheus.Gauge
	retryAfter   prometheus.Histogram
	sendDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hooknotify",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Webhook POST attempts by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hooknotify",
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Resolved notifications by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hooknotify",
			Subsystem: "dispatch",
			Name:      "pending",
			Help:      "Notifications waiting to be sent.",
		}),
		retryAfter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hooknotify",
			Subsystem: "dispatch",
			Name:      "retry_after_seconds",
			Help:      "Cooldown requested by 429 responses.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hooknotify",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Latency of one webhook POST.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.attempts, m.deliveries, m.pending, m.retryAfter, m.sendDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeAttempt(class sink.Class, took time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(class.String()).Inc()
	m.sendDuration.Observe(took.Seconds())
}

func (m *Metrics) observeDelivery(o Outcome) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) observeRetryAfter(d time.Duration) {
	if m == nil {
		return
	}
	m.retryAfter.Observe(d.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
