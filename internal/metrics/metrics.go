package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ghost_settler"

// Metrics holds the settler's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	attempts     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	intents      *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	rpcRetries   prometheus.Counter
	queueDepth   prometheus.Gauge
	lastSettleTS prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Settlement attempts by terminal state and the stage that decided it.",
		}, []string{"state", "stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of settlement attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"state"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "intents_total",
			Help:      "Intents by outcome: settled, unconfirmed or skipped.",
		}, []string{"outcome"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "dispatched_total",
			Help:      "Intents accepted for settlement by delivery path.",
		}, []string{"path"}),
		rpcRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "Transient RPC failures that were retried.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "queue_depth",
			Help:      "Intents waiting for the settlement worker.",
		}),
		lastSettleTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "last_settled_timestamp_seconds",
			Help:      "Unix time of the last SETTLED attempt.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.duration, m.intents, m.dispatched, m.rpcRetries, m.queueDepth, m.lastSettleTS)
	}
	return m
}

// ObserveAttempt records one finished settlement attempt.
func (m *Metrics) ObserveAttempt(state, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(state, stage).Inc()
	m.duration.WithLabelValues(state).Observe(elapsed.Seconds())
	if state == "SETTLED" {
		m.lastSettleTS.SetToCurrentTime()
	}
}

// AddIntents counts intents by outcome.
func (m *Metrics) AddIntents(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.intents.WithLabelValues(outcome).Add(float64(n))
}

// Dispatched counts an intent accepted by the monitor on path.
func (m *Metrics) Dispatched(path string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(path).Inc()
}

// RPCRetry counts one retried transient failure.
func (m *Metrics) RPCRetry() {
	if m == nil {
		return
	}
	m.rpcRetries.Inc()
}

// SetQueueDepth reports the worker backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
