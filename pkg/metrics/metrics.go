// Package metrics exposes Prometheus metrics for configuration switches and
// package operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ywinfra"

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds the collectors of one process
type Metrics struct {
	registry *prometheus.Registry

	// SwitchesTotal counts configuration switches by outcome
	SwitchesTotal *prometheus.CounterVec
	// OperationsTotal counts install and upgrade operations by operation, kind and outcome
	OperationsTotal *prometheus.CounterVec
	// OperationDuration tracks package operation latency
	OperationDuration *prometheus.HistogramVec
	// DeclaredPackages is the number of packages of the live configuration
	DeclaredPackages prometheus.Gauge
	// ClusterReachable is 1 when the last probe reached the cluster
	ClusterReachable prometheus.Gauge
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SwitchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "configuration",
			Name:      "switches_total",
			Help:      "Total number of configuration switches by outcome.",
		}, []string{"outcome"}),
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "package",
			Name:      "operations_total",
			Help:      "Total number of package operations by operation, kind and outcome.",
		}, []string{"operation", "kind", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "package",
			Name:      "operation_duration_seconds",
			Help:      "Duration of package operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"operation", "kind"}),
		DeclaredPackages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "configuration",
			Name:      "declared_packages",
			Help:      "Number of packages declared by the live configuration.",
		}),
		ClusterReachable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "reachable",
			Help:      "1 when the cluster answered the last probe.",
		}),
	}
}

// ObserveSwitch records a switch outcome
func (m *Metrics) ObserveSwitch(validated bool) {
	if validated {
		m.SwitchesTotal.WithLabelValues(OutcomeSuccess).Inc()
		return
	}
	m.SwitchesTotal.WithLabelValues(OutcomeFailed).Inc()
}

// ObserveOperation records a package operation
func (m *Metrics) ObserveOperation(operation, kind, outcome string, elapsed time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, kind, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.OperationDuration.WithLabelValues(operation, kind).Observe(elapsed.Seconds())
	}
}

// SetConfiguration updates the gauges describing the live configuration
func (m *Metrics) SetConfiguration(packages int, reachable bool) {
	m.DeclaredPackages.Set(float64(packages))
	if reachable {
		m.ClusterReachable.Set(1)
	} else {
		m.ClusterReachable.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
