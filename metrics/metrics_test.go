package metrics

import (
	"testing"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

// gatherValues read every gathered sample as "<name>{<label values>}" -> value
func gatherValues(t *testing.T, registry *prometheus.Registry) map[string]float64 {
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %s", err)
	}
	result := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += "{" + label.GetValue() + "}"
			}
			result[key] = sampleValue(family.GetType(), metric)
		}
	}
	return result
}

func sampleValue(kind dto.MetricType, metric *dto.Metric) float64 {
	switch kind {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(metric.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

func TestMetricsCollector(t *testing.T) {
	assert := assert.New(t)

	uut := NewMetricsCollector()
	registry := prometheus.NewRegistry()
	assert.Nil(registry.Register(uut))

	uut.SessionOpened(TransportWebSocket)
	uut.SessionOpened(TransportWebSocket)
	uut.SessionOpened(TransportSSE)
	uut.SessionClosed(TransportWebSocket)
	uut.ObserveTick(TickCompleted, 3, time.Millisecond*20)
	uut.ObserveTick(TickSkipped, 0, 0)
	uut.ObserveBroadcast(common.EventAssigned, 2, 1)
	uut.SnapshotSent()
	uut.MalformedRequest()
	uut.MirrorFailed()

	values := gatherValues(t, registry)
	assert.Equal(1.0, values["bookingrelay_open_sessions{websocket}"])
	assert.Equal(1.0, values["bookingrelay_open_sessions{sse}"])
	assert.Equal(0.0, values["bookingrelay_active_topics"])
	assert.Equal(1.0, values["bookingrelay_poll_ticks_total{completed}"])
	assert.Equal(1.0, values["bookingrelay_poll_ticks_total{skipped}"])
	assert.Equal(1.0, values["bookingrelay_poll_duration_seconds"])
	assert.Equal(1.0, values["bookingrelay_events_broadcast_total{assigned}"])
	assert.Equal(2.0, values["bookingrelay_deliveries_total{delivered}"])
	assert.Equal(1.0, values["bookingrelay_deliveries_total{skipped}"])
	assert.Equal(1.0, values["bookingrelay_snapshots_sent_total"])
	assert.Equal(1.0, values["bookingrelay_malformed_requests_total"])
	assert.Equal(1.0, values["bookingrelay_mirror_failures_total"])
}

func TestNilMetricsCollector(t *testing.T) {
	var uut *Collector
	uut.SessionOpened(TransportSSE)
	uut.SessionClosed(TransportSSE)
	uut.ObserveTick(TickFailed, 1, time.Second)
	uut.ObserveBroadcast(common.EventCurrentState, 1, 0)
	uut.SnapshotSent()
	uut.MalformedRequest()
	uut.MirrorFailed()
}
