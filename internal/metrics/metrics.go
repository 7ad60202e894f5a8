package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monostream"

// Metrics holds the broker collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Published       *prometheus.CounterVec
	PublishFailures prometheus.Counter
	Consumed        *prometheus.CounterVec
	HandlerFaults   *prometheus.CounterVec
	Pending         *prometheus.GaugeVec
	Partitions      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Records appended to a topic.",
		}, []string{"topic"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publish calls that returned false.",
		}),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Records removed from a topic by consume.",
		}, []string{"topic"}),
		HandlerFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_faults_total",
			Help:      "Handler or transform errors and panics, by consumer group.",
		}, []string{"consumer"}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Unconsumed records across all partitions of a topic.",
		}, []string{"topic"}),
		Partitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topic_partitions",
			Help:      "Partition count of a topic.",
		}, []string{"topic"}),
	}

	m.registry.MustRegister(
		m.Published, m.PublishFailures, m.Consumed,
		m.HandlerFaults, m.Pending, m.Partitions,
	)
	return m
}

// Registry exposes the underlying registry, e.g. to add process collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePublish(topic string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) ObserveConsume(topic string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Consumed.WithLabelValues(topic).Add(float64(n))
}

func (m *Metrics) ObserveHandlerFault(consumer string) {
	if m == nil {
		return
	}
	m.HandlerFaults.WithLabelValues(consumer).Inc()
}

// SetTopic records a stats sample for one topic
func (m *Metrics) SetTopic(topic string, partitions, pending int) {
	if m == nil {
		return
	}
	m.Partitions.WithLabelValues(topic).Set(float64(partitions))
	m.Pending.WithLabelValues(topic).Set(float64(pending))
}
