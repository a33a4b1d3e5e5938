package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MovementMetrics records document transitions and postings.
type MovementMetrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lines       prometheus.Histogram
}

// NewMovementMetrics registers the movement collectors on registerer, or on
// the default registerer when nil.
func NewMovementMetrics(registerer prometheus.Registerer) *MovementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &MovementMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_movement_transitions_total",
			Help: "Movement document operations by action and outcome code.",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockledger_posting_duration_seconds",
			Help:    "Time spent posting a document, transaction included.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		lines: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockledger_posting_lines",
			Help:    "Number of lines in successfully posted documents.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	registerer.MustRegister(m.transitions, m.duration, m.lines)
	return m
}

// ObserveTransition counts one operation.
func (m *MovementMetrics) ObserveTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

// ObservePosting records the latency of a posting attempt. Line counts are
// only recorded for postings that committed.
func (m *MovementMetrics) ObservePosting(d time.Duration, lines int, outcome string) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome == "OK" {
		m.lines.Observe(float64(lines))
	}
}
