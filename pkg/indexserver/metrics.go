package indexserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
	"github.com/TeoSlayer/topicbus/pkg/registry"
)

const (
	namespace = "topicbus"
	subsystem = "indexserver"
)

// knownActions bounds the "action" label; anything else is reported as
// "unknown".
var knownActions = map[string]bool{
	protocol.ActionRegister:             true,
	protocol.ActionUnregister:           true,
	protocol.ActionCreateTopic:          true,
	protocol.ActionDeleteTopic:          true,
	protocol.ActionSubscribe:            true,
	protocol.ActionSendMessage:          true,
	protocol.ActionGetMessages:          true,
	protocol.ActionViewSubscribedTopics: true,
	protocol.ActionViewCreatedTopics:    true,
	protocol.ActionGetTopicHost:         true,
}

type serverMetrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
	frameErrors prometheus.Counter

	peers         prometheus.GaugeFunc
	topics        prometheus.GaugeFunc
	subscriptions prometheus.GaugeFunc
	messages      prometheus.GaugeFunc
}

func newServerMetrics(reg *registry.Registry) *serverMetrics {
	stat := func(f func(registry.Stats) float64) func() float64 {
		return func() float64 { return f(reg.Stats()) }
	}

	return &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Requests handled, by action and response status",
		}, []string{"action", "status", "code"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time spent dispatching a request, excluding network I/O",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"action"}),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Open peer connections",
		}),

		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frame_errors_total",
			Help:      "Connections closed because a request frame could not be read or decoded",
		}),

		peers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "peers",
			Help:      "Registered peers",
		}, stat(func(st registry.Stats) float64 { return float64(st.Peers) })),

		topics: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "topics",
			Help:      "Existing topics",
		}, stat(func(st registry.Stats) float64 { return float64(st.Topics) })),

		subscriptions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Subscriber entries summed over all topics",
		}, stat(func(st registry.Stats) float64 { return float64(st.Subscriptions) })),

		messages: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "messages",
			Help:      "Log entries retained in memory over all topics",
		}, stat(func(st registry.Stats) float64 { return float64(st.Messages) })),
	}
}

func (m *serverMetrics) observe(action string, resp *protocol.Response, d time.Duration) {
	if !knownActions[action] {
		action = "unknown"
	}
	m.requests.WithLabelValues(action, resp.Status, string(resp.Code)).Inc()
	m.duration.WithLabelValues(action).Observe(d.Seconds())
}

// PrometheusCollectors returns every collector owned by the server.
func (m *serverMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.duration,
		m.connections,
		m.frameErrors,
		m.peers,
		m.topics,
		m.subscriptions,
		m.messages,
	}
}
