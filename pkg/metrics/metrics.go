// Package metrics exposes the Prometheus collectors shared across the
// component runtime, device manager, and task engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds Lithium's own collectors, separate from the default
// global registry so embedding applications don't inherit our metrics.
var Registry = prometheus.NewRegistry()

var (
	ComponentsLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lithium",
			Subsystem: "components",
			Name:      "loaded",
			Help:      "Component instances currently in each lifecycle state.",
		},
		[]string{"state"},
	)

	ComponentLoadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "components",
			Name:      "load_failures_total",
			Help:      "Component bundle load failures by reason.",
		},
		[]string{"reason"},
	)

	DeviceSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lithium",
			Subsystem: "devices",
			Name:      "sessions",
			Help:      "Device sessions currently in each state.",
		},
		[]string{"state"},
	)

	DeviceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lithium",
			Subsystem: "devices",
			Name:      "request_duration_seconds",
			Help:      "Duration of device driver requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"kind", "transport", "outcome"},
	)

	TaskTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "tasks",
			Name:      "ticks_total",
			Help:      "Task engine ticks processed.",
		},
		[]string{"had_work"},
	)

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Completed sequence runs by terminal status.",
		},
		[]string{"status"},
	)

	ConfigMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lithium",
			Subsystem: "config",
			Name:      "mutations_total",
			Help:      "Config store mutations by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ComponentsLoaded,
		ComponentLoadFailures,
		DeviceSessions,
		DeviceRequestDuration,
		TaskTicks,
		TaskRuns,
		ConfigMutations,
	)
}

// Handler returns the HTTP handler serving Lithium's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
