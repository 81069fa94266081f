package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// KernelMetrics exposes Prometheus collectors for command and event-log
// instrumentation.
type KernelMetrics struct {
	commands       *prometheus.CounterVec
	eventsAppended *prometheus.CounterVec
	sweepsRun      prometheus.Counter
	sweepExpired   prometheus.Counter
	rebuildSeconds prometheus.Histogram
	rebuildEvents  prometheus.Gauge
}

var (
	kernelOnce     sync.Once
	kernelRegistry *KernelMetrics
)

// Kernel returns the lazily-initialised kernel metrics registry.
func Kernel() *KernelMetrics {
	kernelOnce.Do(func() {
		kernelRegistry = &KernelMetrics{
			commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "grantledger_commands_total",
				Help: "Count of kernel commands segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "grantledger_events_appended_total",
				Help: "Count of events appended to the log by type.",
			}, []string{"type"}),
			sweepsRun: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "grantledger_sweeps_total",
				Help: "Number of tentative-voucher sweep runs.",
			}),
			sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "grantledger_sweep_expired_vouchers_total",
				Help: "Number of tentative vouchers rejected by the sweeper.",
			}),
			rebuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "grantledger_projection_rebuild_seconds",
				Help:    "Duration of full projection rebuilds.",
				Buckets: prometheus.DefBuckets,
			}),
			rebuildEvents: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "grantledger_projection_rebuild_events",
				Help: "Events folded by the most recent projection rebuild.",
			}),
		}
		prometheus.MustRegister(
			kernelRegistry.commands,
			kernelRegistry.eventsAppended,
			kernelRegistry.sweepsRun,
			kernelRegistry.sweepExpired,
			kernelRegistry.rebuildSeconds,
			kernelRegistry.rebuildEvents,
		)
	})
	return kernelRegistry
}

// CommandObserved records one command outcome.
func (m *KernelMetrics) CommandObserved(operation, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(operation, outcome).Inc()
}

// EventAppended records one appended event.
func (m *KernelMetrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// SweepObserved records one sweep run and how many vouchers it expired.
func (m *KernelMetrics) SweepObserved(expired int) {
	if m == nil {
		return
	}
	m.sweepsRun.Inc()
	m.sweepExpired.Add(float64(expired))
}

// RebuildObserved records one full projection rebuild.
func (m *KernelMetrics) RebuildObserved(seconds float64, eventsFolded int) {
	if m == nil {
		return
	}
	m.rebuildSeconds.Observe(seconds)
	m.rebuildEvents.Set(float64(eventsFolded))
}
