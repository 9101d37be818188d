package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Fallback("price", "panic")
	m.Fallback("price", "panic")
	m.Incident()
	m.SyncPublish(3)
	m.PhaseShift("", "STABLE")
	m.PhaseShift("", "STABLE")
	m.PhaseShift("STABLE", "EMERGENCY")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BridgeFallbacks.WithLabelValues("price", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementIncidents))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SyncPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MarketPhase.WithLabelValues("EMERGENCY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MarketPhase.WithLabelValues("STABLE")))

	n, err := testutil.GatherAndCount(reg, "ecocore_bridge_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Fallback("a", "b")
		m.Settlement("ok")
		m.CASExhausted()
		m.SyncDrop()
		m.Adjustment(1)
		m.WriteBack(true)
		m.PhaseShift("STABLE", "HEALING")
	})
}
