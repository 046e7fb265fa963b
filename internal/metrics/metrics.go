// Package metrics exports tuning counters and latency histograms to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for kerneltune_configs_total.
const (
	OutcomeBenchmarked = "benchmarked"
	OutcomeCompile     = "compile"
	OutcomeIncorrect   = "incorrect"
	OutcomeRuntime     = "runtime"
	OutcomeDevice      = "restricted-by-device"
)

// Metrics groups the tuner collectors. A nil *Metrics records nothing.
type Metrics struct {
	configs    *prometheus.CounterVec
	kernelTime *prometheus.HistogramVec
	compile    *prometheus.HistogramVec
	spaceSize  prometheus.Gauge
}

// New registers the collectors on reg. A nil reg creates unregistered
// collectors, which is useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		configs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kerneltune_configs_total",
			Help: "Configurations processed, by final outcome",
		}, []string{"backend", "outcome"}),

		kernelTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kerneltune_kernel_time_ms",
			Help:    "Reduced kernel run time per benchmarked configuration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"backend"}),

		compile: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kerneltune_compile_seconds",
			Help:    "Kernel variant compile latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend"}),

		spaceSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "kerneltune_space_size",
			Help: "Size of the parameter space of the most recent tuning run",
		}),
	}
}

func (m *Metrics) Config(backend, outcome string) {
	if m == nil {
		return
	}
	m.configs.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) KernelTime(backend string, ms float64) {
	if m == nil {
		return
	}
	m.kernelTime.WithLabelValues(backend).Observe(ms)
}

func (m *Metrics) Compile(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.compile.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) SpaceSize(n int) {
	if m == nil {
		return
	}
	m.spaceSize.Set(float64(n))
}
