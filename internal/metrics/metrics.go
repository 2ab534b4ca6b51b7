package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the execution kernel.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsActive  prometheus.Gauge

	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec
	NodeRetriesTotal      *prometheus.CounterVec

	HITLRequestsTotal  *prometheus.CounterVec
	HITLPendingGauge   prometheus.Gauge
	HITLWaitDuration   prometheus.Histogram
	CompileErrorsTotal *prometheus.CounterVec
}

// New creates all collectors.
func New() *Metrics {
	return &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_executions_total",
				Help: "Total number of workflow executions by terminal state",
			},
			[]string{"workflow_id", "state"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow_id"},
		),
		ExecutionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_executions_active",
				Help: "Number of currently active workflow executions",
			},
		),
		NodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_node_executions_total",
				Help: "Total number of node executions by type and outcome",
			},
			[]string{"node_type", "outcome"},
		),
		NodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_node_execution_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"node_type"},
		),
		NodeRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_node_retries_total",
				Help: "Total number of node retry attempts",
			},
			[]string{"node_type"},
		),
		HITLRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_hitl_requests_total",
				Help: "Total number of human-in-the-loop requests by resolution",
			},
			[]string{"kind", "resolution"},
		),
		HITLPendingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_hitl_pending",
				Help: "Number of pending human-in-the-loop requests",
			},
		),
		HITLWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_hitl_wait_duration_seconds",
				Help:    "Time executions spend waiting on a human response",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
		CompileErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_compile_errors_total",
				Help: "Total number of workflow compilation failures by kind",
			},
			[]string{"kind"},
		),
	}
}

// Register adds all collectors to a registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ExecutionsTotal, m.ExecutionDuration, m.ExecutionsActive,
		m.NodeExecutionsTotal, m.NodeExecutionDuration, m.NodeRetriesTotal,
		m.HITLRequestsTotal, m.HITLPendingGauge, m.HITLWaitDuration,
		m.CompileErrorsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
