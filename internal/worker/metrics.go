package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry       *prometheus.Registry
	tasksTotal     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	activeTasks    prometheus.Gauge
	abandonedTotal prometheus.Counter
}

// NewRegistry returns a registry preloaded with the runtime collectors. The
// worker and the dispatcher it drives register on the same registry.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = NewRegistry()
	}

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restoreflow_worker_tasks_total",
			Help: "Total dispatch tasks by final outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restoreflow_worker_task_duration_seconds",
			Help:    "Total duration of each dispatch task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restoreflow_worker_active_tasks",
			Help: "Current number of dispatch tasks holding a worker slot.",
		}),
		abandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restoreflow_worker_abandoned_total",
			Help: "Attempts marked dispatch_failed because their task failed or was killed.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.abandonedTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
