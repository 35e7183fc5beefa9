package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricSubscriptionsActive  = "notify_subscriptions_active"
	MetricPublishedTotal       = "notify_published_total"
	MetricDeliveredTotal       = "notify_delivered_total"
	MetricDroppedSubscriptions = "notify_dropped_subscriptions_total"
)

// Metrics contains Prometheus metrics for the notification hub.
// All operations are thread-safe.
type Metrics struct {
	subscriptionsActive  prometheus.Gauge
	publishedTotal       *prometheus.CounterVec
	deliveredTotal       prometheus.Counter
	droppedSubscriptions *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSubscriptionsActive,
			Help: "Number of live notification stream subscriptions",
		}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPublishedTotal,
			Help: "Total number of notifications published, by type",
		}, []string{"type"}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDeliveredTotal,
			Help: "Total number of notifications queued to subscribers",
		}),
		droppedSubscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDroppedSubscriptions,
			Help: "Total number of subscriptions torn down by the hub, by reason (overflow, transport_error)",
		}, []string{"reason"}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) setActive(n int) {
	m.subscriptionsActive.Set(float64(n))
}

func (m *Metrics) incPublished(t Type) {
	m.publishedTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) addDelivered(n int) {
	if n > 0 {
		m.deliveredTotal.Add(float64(n))
	}
}

func (m *Metrics) incDropped(reason string) {
	m.droppedSubscriptions.WithLabelValues(reason).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.subscriptionsActive,
		m.publishedTotal,
		m.deliveredTotal,
		m.droppedSubscriptions,
	}
}
