package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	relays         *prometheus.CounterVec
	mirrored       prometheus.Counter
	edits          *prometheus.CounterVec
	rateLimitWaits *prometheus.CounterVec
	collectSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymirror",
			Name:      "relays_total",
			Help:      "Relay triggers by outcome.",
		}, []string{"outcome"}),
		mirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymirror",
			Name:      "mirrored_replies_total",
			Help:      "Responder replies mirrored into origin chats.",
		}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymirror",
			Name:      "edits_total",
			Help:      "Responder edit notifications by result.",
		}, []string{"result"}),
		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymirror",
			Name:      "rate_limit_waits_total",
			Help:      "Platform rate-limit waits honored, by operation.",
		}, []string{"op"}),
		collectSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymirror",
			Name:      "collect_duration_seconds",
			Help:      "Time spent collecting responder replies.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.relays, m.mirrored, m.edits, m.rateLimitWaits, m.collectSeconds)
	}
	return m
}

func (m *Metrics) relayOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) mirroredReply() {
	if m == nil {
		return
	}
	m.mirrored.Inc()
}

func (m *Metrics) editResult(result EditResult) {
	if m == nil {
		return
	}
	m.edits.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) rateLimitWait(op string) {
	if m == nil {
		return
	}
	m.rateLimitWaits.WithLabelValues(op).Inc()
}

func (m *Metrics) collected(d time.Duration) {
	if m == nil {
		return
	}
	m.collectSeconds.Observe(d.Seconds())
}
