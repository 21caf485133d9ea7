package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"socialrt/pkg/core"
)

// Metrics holds the Prometheus collectors of a Client.
type Metrics struct {
	connectAttempts   prometheus.Counter
	connections       prometheus.Counter
	reconnects        prometheus.Counter
	exhausted         prometheus.Counter
	messages          *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
	subscribeFailures *prometheus.CounterVec
	teardownFailures  prometheus.Counter
	dropped           *prometheus.CounterVec
	subscriptions     *prometheus.GaugeVec
}

// NewMetrics creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "socialrt", "realtime"

	return &Metrics{
		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Number of broker sessions opened",
		}),
		connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Number of successful broker handshakes",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_scheduled_total",
			Help:      "Number of reconnects scheduled with backoff",
		}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_exhausted_total",
			Help:      "Number of times the connection attempt ceiling was reached",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Number of inbound messages per category",
		}, []string{"category"}),
		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_failures_total",
			Help:      "Number of inbound messages dropped because they could not be decoded",
		}, []string{"category"}),
		subscribeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribe_failures_total",
			Help:      "Number of topic subscriptions rejected by the transport",
		}, []string{"category"}),
		teardownFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "teardown_failures_total",
			Help:      "Number of failed subscription or session releases",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_dropped_total",
			Help:      "Number of events dropped because a stream consumer fell behind",
		}, []string{"category"}),
		subscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriptions",
			Help:      "Number of tracked subscriptions per category",
		}, []string{"category"}),
	}
}

func (m *Metrics) setSubscriptions(category core.Category, n int) {
	m.subscriptions.WithLabelValues(category.String()).Set(float64(n))
}
