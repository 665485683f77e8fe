package participant

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// Metrics counts participant activity. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	heuristics prometheus.Counter
	bypass     prometheus.Counter
	fatal      prometheus.Counter
}

// NewMetrics creates the participant collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xa",
			Subsystem: "participant",
			Name:      "operations_total",
			Help:      "Transaction operations by operation and result code.",
		}, []string{"op", "result"}),
		heuristics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xa",
			Subsystem: "participant",
			Name:      "heuristic_outcomes_total",
			Help:      "Branches resolved heuristically by the resource manager.",
		}),
		bypass: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xa",
			Subsystem: "participant",
			Name:      "recovery_bypass_total",
			Help:      "Commit, rollback or forget calls for branches not bound to the connection.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xa",
			Subsystem: "participant",
			Name:      "fatal_connection_events_total",
			Help:      "Connections reported as unusable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.heuristics, m.bypass, m.fatal)
	}
	return m
}

func (m *Metrics) observe(op protocol.Operation, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if code, ok := xaerr.CodeOf(err); ok {
			result = code.String()
		}
	}
	m.operations.WithLabelValues(string(op), result).Inc()
}

func (m *Metrics) heuristic() {
	if m != nil {
		m.heuristics.Inc()
	}
}

func (m *Metrics) recoveryBypass() {
	if m != nil {
		m.bypass.Inc()
	}
}

func (m *Metrics) fatalEvent() {
	if m != nil {
		m.fatal.Inc()
	}
}
