package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ObservePublish("orders")
	m.ObservePublish("orders")
	m.ObservePublishFailure()
	m.ObserveConsume("orders", 2)
	m.ObserveConsume("orders", 0)
	m.ObserveHandlerFault("processor_agg")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Consumed.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerFaults.WithLabelValues("processor_agg")))
}

func TestSetTopicGauges(t *testing.T) {
	m := New()
	m.SetTopic("sensor_data", 2, 7)
	m.SetTopic("sensor_data", 2, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Partitions.WithLabelValues("sensor_data")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Pending.WithLabelValues("sensor_data")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePublish("x")
		m.ObservePublishFailure()
		m.ObserveConsume("x", 1)
		m.ObserveHandlerFault("c")
		m.SetTopic("x", 1, 1)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObservePublish("orders")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `monostream_published_total{topic="orders"} 1`), body)
}
