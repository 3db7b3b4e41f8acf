package identity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	registrations *prometheus.CounterVec
	logins        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkid",
			Name:      "registrations_total",
			Help:      "Identity registrations by result.",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkid",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkid",
			Name:      "verifications_total",
			Help:      "Proof verifications by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zkid",
			Name:      "operation_seconds",
			Help:      "Orchestrator operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.registrations, m.logins, m.verifications, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	var c *prometheus.CounterVec
	switch op {
	case opRegister:
		c = m.registrations
	case opLogin, opLoginDirect:
		c = m.logins
	case opVerify:
		c = m.verifications
	default:
		return
	}
	c.WithLabelValues(result(err)).Inc()
}
