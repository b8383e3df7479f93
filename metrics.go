package sms

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	attempts *prometheus.CounterVec
	segments *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the send metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_send_attempts_total",
			Help: "SMS send attempts by provider and result",
		}, []string{"provider", "result"}),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_segments_total",
			Help: "Segments billed for successful sends",
		}, []string{"provider"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sms_send_duration_seconds",
			Help: "Time spent in a single provider send",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.attempts, m.segments, m.duration)

	return m
}

func (m *Metrics) observe(provider string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}

	result := "failed"
	if outcome.Success {
		result = "sent"
		if outcome.Segments != nil {
			m.segments.WithLabelValues(provider).Add(float64(*outcome.Segments))
		}
	}

	m.attempts.WithLabelValues(provider, result).Inc()
	m.duration.WithLabelValues(provider).Observe(elapsed.Seconds())
}
