package engine

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	sessions            prometheus.Gauge
	pending             prometheus.Gauge
	toolCalls           *prometheus.CounterVec
	timeouts            prometheus.Counter
	parks               prometheus.Counter
	framesSent          prometheus.Counter
	backpressureRetries prometheus.Counter
}

// newMetrics builds the engine collectors and registers them with reg when it
// is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_open",
			Help: "Number of open client sessions.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_requests_pending",
			Help: "Number of in-flight tool calls across all sessions.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Finished tool calls by tool and terminal state.",
		}, []string{"tool", "state"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_request_timeouts_total",
			Help: "Tool calls cancelled by their deadline.",
		}),
		parks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_parks_total",
			Help: "Times a streaming producer parked at the watermark.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_sent_total",
			Help: "Frames accepted by transports.",
		}),
		backpressureRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_backpressure_retries_total",
			Help: "Frame sends retried after transport backpressure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.pending, m.toolCalls, m.timeouts, m.parks, m.framesSent, m.backpressureRetries)
	}
	return m
}
