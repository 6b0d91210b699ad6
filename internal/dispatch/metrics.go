package dispatch

import (
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	if registerer == nil {
		return nil, nil
	}
	m := &metrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restoreflow_dispatch_total",
			Help: "Total provider dispatches by provider, attempt kind and outcome.",
		}, []string{"provider", "kind", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restoreflow_dispatch_duration_seconds",
			Help:    "Time spent submitting attempts to their provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "kind"}),
	}
	for _, c := range []prometheus.Collector{m.dispatchTotal, m.dispatchDuration} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(providerName string, kind domain.AttemptKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(providerName, string(kind), outcome).Inc()
	if elapsed > 0 {
		m.dispatchDuration.WithLabelValues(providerName, string(kind)).Observe(elapsed.Seconds())
	}
}
