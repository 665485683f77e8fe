package recovery

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks recovery passes. A nil *Metrics records nothing.
type Metrics struct {
	inDoubt  prometheus.Gauge
	resolved *prometheus.CounterVec
}

// NewMetrics creates the recovery collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inDoubt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xa",
			Subsystem: "recovery",
			Name:      "in_doubt",
			Help:      "Prepared branches found by the last scan.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xa",
			Subsystem: "recovery",
			Name:      "resolved_total",
			Help:      "In-doubt branches resolved, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.inDoubt, m.resolved)
	}
	return m
}

func (m *Metrics) setInDoubt(n int) {
	if m != nil {
		m.inDoubt.Set(float64(n))
	}
}

func (m *Metrics) resolvedAs(outcome string) {
	if m != nil {
		m.resolved.WithLabelValues(outcome).Inc()
	}
}
