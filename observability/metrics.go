package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics records pool operation activity for the HTTP service.
type PoolMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pools      *prometheus.GaugeVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// Pool returns the lazily-initialised pool metrics registry.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Total pool operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "errors_total",
				Help:      "Total pool operation failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for pool operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			pools: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "pools",
				Help:      "Number of known pools segmented by lifecycle status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.errors,
			poolRegistry.latency,
			poolRegistry.pools,
		)
	})
	return poolRegistry
}

// ObserveOperation records a completed operation with its outcome and
// duration.
func (m *PoolMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordError counts a failed operation with a low-cardinality reason label.
func (m *PoolMetrics) RecordError(operation, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, reason).Inc()
}

// SetPoolCount publishes the number of pools in a lifecycle status.
func (m *PoolMetrics) SetPoolCount(status string, count int) {
	if m == nil {
		return
	}
	m.pools.WithLabelValues(status).Set(float64(count))
}
