package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics MES业务指标
type Metrics struct {
	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	jobTransitions *prometheus.CounterVec
	gateDecisions  *prometheus.CounterVec
	reworksSpawned *prometheus.CounterVec
	stockMovements *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mes_operations_total",
				Help: "Engine operations by name and result kind",
			},
			[]string{"operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mes_operation_duration_seconds",
				Help:    "Engine operation latency including lock wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mes_job_transitions_total",
				Help: "Job card status transitions",
			},
			[]string{"from", "to"},
		),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mes_quality_gate_decisions_total",
				Help: "Quality gate outcomes",
			},
			[]string{"outcome"},
		),
		reworksSpawned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mes_reworks_spawned_total",
				Help: "Rework jobs created, by source type",
			},
			[]string{"source"},
		),
		stockMovements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mes_stock_movements_total",
				Help: "Stock transactions appended, by type",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.operations,
		m.duration,
		m.jobTransitions,
		m.gateDecisions,
		m.reworksSpawned,
		m.stockMovements,
	)
	return m
}

func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) jobTransition(from, to string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) gateDecision(outcome GateOutcome) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) reworkSpawned(source string) {
	if m == nil {
		return
	}
	m.reworksSpawned.WithLabelValues(source).Inc()
}

func (m *Metrics) stockMoved(txType string) {
	if m == nil {
		return
	}
	m.stockMovements.WithLabelValues(txType).Inc()
}
