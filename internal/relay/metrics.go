package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Fanout      prometheus.Counter
	Duplicates  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "ws_active_connections",
			Help:      "Active websocket connections on this instance.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "relay_events_total",
			Help:      "Inbound events handled, by event name and result code.",
		}, []string{"event", "result"}),
		Fanout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "relay_fanout_frames_total",
			Help:      "Frames queued to local connections.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "relay_duplicate_sends_total",
			Help:      "Sends rejected because their correlation id was already processed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Events, m.Fanout, m.Duplicates)
	}
	return m
}

func (m *Metrics) observe(event string, err error) {
	result := "ok"
	if err != nil {
		result = ackCode(err)
	}
	m.Events.WithLabelValues(event, result).Inc()
}
