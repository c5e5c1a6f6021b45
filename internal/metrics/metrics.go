package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "staychat"

// Metrics groups the collectors updated by the chat core and the gateway.
type Metrics struct {
	Connections      prometheus.Gauge
	MessagesSent     prometheus.Counter
	MessagesSeen     prometheus.Counter
	DeliveryFailures prometheus.Counter
	RejectedEvents   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted by the delivery coordinator.",
		}),
		MessagesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_seen_total",
			Help:      "Messages flipped to seen.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Pushes to a connection that could not be queued or written.",
		}),
		RejectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_events_total",
			Help:      "Inbound realtime events rejected, by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.Connections, m.MessagesSent, m.MessagesSeen, m.DeliveryFailures, m.RejectedEvents)
	return m
}

// RegisterOnline exposes the number of online identities.
func RegisterOnline(reg prometheus.Registerer, online func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_identities",
		Help:      "Identities holding at least one connection.",
	}, func() float64 { return float64(online()) }))
}
