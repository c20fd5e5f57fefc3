// Package metrics registers and exposes the runtime's Prometheus gauges and
// histograms: isolate counts, dispatch throughput/latency, watchdog
// terminations. Ported from oriys-nova's internal/metrics, relabeled for
// isolates/dispatches instead of VM invocations.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the runtime publishes. A single instance is
// constructed at daemon startup and threaded into the components that
// increment it (vmscheduler, watchdog, tenantmgr, hostcalls).
type Registry struct {
	ActiveIsolates    prometheus.Gauge
	DispatchesTotal   *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	WatchdogKills     *prometheus.CounterVec
	HostCallErrors    *prometheus.CounterVec
	CompileFailures   prometheus.Counter
	QuotaRejections   prometheus.Counter
}

var (
	once    sync.Once
	current *Registry
)

// Init registers every metric under the given namespace. Safe to call more
// than once; only the first call takes effect (matching oriys-nova's
// idempotent InitPrometheus pattern).
func Init(namespace string) *Registry {
	once.Do(func() {
		if namespace == "" {
			namespace = "botloader"
		}
		current = &Registry{
			ActiveIsolates: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_isolates",
				Help:      "Number of currently running isolates (main + pack).",
			}),
			DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total dispatch events routed to tenant isolates.",
			}, []string{"event", "outcome"}),
			DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent routing a dispatch event and enqueueing it to tenant isolates.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"event"}),
			WatchdogKills: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_kills_total",
				Help:      "Isolates force-terminated by the runaway watchdog.",
			}, []string{"reason"}),
			HostCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_call_errors_total",
				Help:      "Host call rejections, by call name and error kind.",
			}, []string{"call", "kind"}),
			CompileFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compile_failures_total",
				Help:      "Script compilations that failed.",
			}),
			QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_quota_rejections_total",
				Help:      "Storage writes rejected for exceeding the tenant byte cap.",
			}),
		}
		prometheus.MustRegister(
			current.ActiveIsolates,
			current.DispatchesTotal,
			current.DispatchDuration,
			current.WatchdogKills,
			current.HostCallErrors,
			current.CompileFailures,
			current.QuotaRejections,
		)
	})
	return current
}

// Default returns the process-wide registry, initializing it with defaults
// if Init has not yet been called (so unit tests can use metrics without
// daemon wiring).
func Default() *Registry {
	if current == nil {
		return Init("botloader")
	}
	return current
}
