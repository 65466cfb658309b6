package coap

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetrics_ObserveDatagramCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDatagramIn(10)
	m.ObserveDatagramIn(5)
	m.ObserveDatagramOut(7)

	assert.Equal(t, float64(2), counterValue(t, m.datagramsIn))
	assert.Equal(t, float64(15), counterValue(t, m.bytesIn))
	assert.Equal(t, float64(1), counterValue(t, m.datagramsOut))
	assert.Equal(t, float64(7), counterValue(t, m.bytesOut))
}

func TestMetrics_IncrementHelpers(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncRetransmitExhausted()
	m.IncBlockReassembly()
	m.IncBlockReassembly()
	m.IncNotification()

	assert.Equal(t, float64(1), counterValue(t, m.retransExhaust))
	assert.Equal(t, float64(2), counterValue(t, m.blockReassembly))
	assert.Equal(t, float64(1), counterValue(t, m.notifications))
}

func TestMetrics_Gauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetDedupCacheSize(42)
	m.SetActiveObservations(3)

	assert.Equal(t, float64(42), gaugeValue(t, m.dedupCacheSize))
	assert.Equal(t, float64(3), gaugeValue(t, m.activeObservations))
}
