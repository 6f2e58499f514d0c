package metrics

import (
	"testing"

	"github.com/dkeye/Stream/internal/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() app.Stats { return app.Stats{Connections: 3, Producers: 2} })

	m.Request("produce", "ok")
	m.Chat("broadcast")
	m.ChatDegraded("no_data_producer")
	m.Dropped()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["stream_connections"])
	assert.Equal(t, 2.0, values["stream_producers"])
	assert.Equal(t, 1.0, values["stream_signal_requests_total"])
	assert.Equal(t, 1.0, values["stream_chat_messages_total"])
	assert.Equal(t, 1.0, values["stream_signal_frames_dropped_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Request("x", "y")
		m.Chat("local")
		m.ChatDegraded("x")
		m.Dropped()
	})
}
