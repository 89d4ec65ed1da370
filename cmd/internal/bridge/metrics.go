package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the bridge's Prometheus instruments.
type Metrics struct {
	BusMessages    prometheus.Counter
	BusDropped     prometheus.Counter
	BusParseErrors prometheus.Counter

	BroadcastSent    prometheus.Counter
	BroadcastDropped prometheus.Counter

	Sessions prometheus.Gauge
}

// NewMetrics registers the bridge instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BusMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "wotbridge_bus_messages_total",
			Help: "Inbound bus messages accepted for processing.",
		}),
		BusDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wotbridge_bus_messages_dropped_total",
			Help: "Inbound bus messages dropped because the hand-off queue was full.",
		}),
		BusParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wotbridge_bus_parse_errors_total",
			Help: "Inbound bus messages dropped as unparseable.",
		}),
		BroadcastSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "wotbridge_broadcast_frames_total",
			Help: "Frames enqueued to session send queues.",
		}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wotbridge_broadcast_dropped_total",
			Help: "Sessions dropped after a failed send.",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wotbridge_sessions",
			Help: "Currently registered sessions.",
		}),
	}
}
