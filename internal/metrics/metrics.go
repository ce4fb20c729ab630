package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported on /metrics. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	spamRejections  *prometheus.CounterVec
	spamTimeouts    *prometheus.CounterVec
	feedPublished   *prometheus.CounterVec
	narratorRuns    *prometheus.CounterVec
	narratorEffects *prometheus.CounterVec
	oracleLatency   prometheus.Histogram
	httpThrottled   prometheus.Counter
	liveSessions    *prometheus.GaugeVec
	jobDeliveries   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		spamRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantom_spam_rejections_total",
			Help: "Outgoing messages rejected by the spam heuristic, by gate.",
		}, []string{"gate"}),
		spamTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantom_spam_timeouts_total",
			Help: "Timeouts issued after repeated spam warnings, by duration.",
		}, []string{"duration"}),
		feedPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantom_feed_events_published_total",
			Help: "Change-feed events published, by op.",
		}, []string{"op"}),
		narratorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantom_narrator_invocations_total",
			Help: "Narrator invocations, by outcome.",
		}, []string{"outcome"}),
		narratorEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantom_narrator_effects_total",
			Help: "Narrator side effects applied or failed, by kind and result.",
		}, []string{"kind", "result"}),
		oracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phantom_oracle_latency_seconds",
			Help:    "Latency of narrator oracle completions.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		httpThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phantom_http_throttled_total",
			Help: "API writes refused by the per-user rate limiter.",
		}),
		liveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phantom_live_sessions",
			Help: "Open websocket conversation sessions, by conversation kind.",
		}, []string{"kind"}),
		jobDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phantom_narrator_job_deliveries_total",
			Help: "Narrator job deliveries handled by the worker, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.spamRejections, m.spamTimeouts, m.feedPublished,
			m.narratorRuns, m.narratorEffects, m.oracleLatency,
			m.httpThrottled, m.liveSessions, m.jobDeliveries)
	}
	return m
}

func (m *Metrics) SpamRejected(gate string) {
	if m == nil {
		return
	}
	m.spamRejections.WithLabelValues(gate).Inc()
}

func (m *Metrics) SpamTimeout(d time.Duration) {
	if m == nil {
		return
	}
	m.spamTimeouts.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) FeedPublished(op string) {
	if m == nil {
		return
	}
	m.feedPublished.WithLabelValues(op).Inc()
}

func (m *Metrics) NarratorRun(outcome string) {
	if m == nil {
		return
	}
	m.narratorRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NarratorEffect(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.narratorEffects.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveOracle(d time.Duration) {
	if m == nil {
		return
	}
	m.oracleLatency.Observe(d.Seconds())
}

func (m *Metrics) HTTPThrottled() {
	if m == nil {
		return
	}
	m.httpThrottled.Inc()
}

// SessionOpened counts a live session; call the returned func when it ends.
func (m *Metrics) SessionOpened(kind string) func() {
	if m == nil {
		return func() {}
	}
	g := m.liveSessions.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// JobDelivery records how the worker settled a delivery: ack, retry or dead.
func (m *Metrics) JobDelivery(result string) {
	if m == nil {
		return
	}
	m.jobDeliveries.WithLabelValues(result).Inc()
}
