package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeComplete = "complete"
	outcomeRetry    = "retry"
	outcomeFailed   = "failed"
)

type Metrics struct {
	enqueuedTotal  *prometheus.CounterVec
	processedTotal *prometheus.CounterVec
}

// NewMetrics registers the queue counters on reg. A nil registerer yields
// counters that are tracked but never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs added to the queue.",
		}, []string{"type"}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job attempts by outcome.",
		}, []string{"type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueuedTotal, m.processedTotal)
	}
	return m
}

func (m *Metrics) enqueued(jobType string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(jobType).Inc()
}

func (m *Metrics) processed(jobType, outcome string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(jobType, outcome).Inc()
}
