package dispatch

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	queueDepth prometheus.Gauge
	tasks      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_dispatch_queue_depth",
			Help: "HostExclusive tasks waiting for the host worker.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_tasks_total",
			Help: "Dispatched tasks by affinity and terminal outcome.",
		}, []string{"affinity", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.tasks)
	}
	return m
}
