package ratelimit

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every limiter in a
// process. A nil *Metrics records nothing.
type Metrics struct {
	decisions *prometheus.CounterVec
	refunds   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered. Collectors that reg already holds
// are reused, so calling NewMetrics twice with one registry is safe.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by limiter and outcome.",
		}, []string{"limiter", "outcome"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "refunds_total",
			Help:      "Units returned to the quota after successful responses.",
		}, []string{"limiter"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quota",
			Name:      "check_duration_seconds",
			Help:      "Latency of limit checks against the store.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"limiter"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.decisions, err = register(reg, m.decisions); err != nil {
		return nil, err
	}
	if m.refunds, err = register(reg, m.refunds); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) decision(limiter string, outcome Outcome) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(limiter, string(outcome)).Inc()
}

func (m *Metrics) refund(limiter string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(limiter).Inc()
}

func (m *Metrics) observe(limiter string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(limiter).Observe(d.Seconds())
}
