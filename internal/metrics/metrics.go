// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ecocore"

// Metrics collectors shared by all components. A nil *Metrics is valid and records nothing.
type Metrics struct {
	BridgeFallbacks     *prometheus.CounterVec
	SettlementOutcomes  *prometheus.CounterVec
	SettlementIncidents prometheus.Counter
	LedgerCASExhausted  prometheus.Counter
	SyncDropped         prometheus.Counter
	SyncPublished       prometheus.Counter
	SyncReceived        prometheus.Counter
	MacroAdjustment     prometheus.Gauge
	MarketPhase         *prometheus.GaugeVec
	CacheEntries        prometheus.Gauge
	CacheWriteBacks     *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BridgeFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "fallbacks_total",
			Help:      "Kernel calls answered with a fallback value.",
		}, []string{"call", "class"}),
		SettlementOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transfers_total",
			Help:      "Transfers by outcome.",
		}, []string{"outcome"}),
		SettlementIncidents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "incidents_total",
			Help:      "Transfers that need manual reconciliation.",
		}),
		LedgerCASExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cas_exhausted_total",
			Help:      "Optimistic writes that ran out of attempts.",
		}),
		SyncDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dropped_total",
			Help:      "Outbound trade events dropped on queue overflow.",
		}),
		SyncPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "published_total",
			Help:      "Trade events published to peers.",
		}),
		SyncReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "received_total",
			Help:      "Remote trade events folded in.",
		}),
		MacroAdjustment: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "macro_adjustment",
			Help:      "Last controller output.",
		}),
		MarketPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "market_phase",
			Help:      "Products currently in each market phase.",
		}, []string{"phase"}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Accounts resident in the hot cache.",
		}),
		CacheWriteBacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_backs_total",
			Help:      "Cache write-backs by result.",
		}, []string{"result"}),
	}
}

// NewNop returns collectors bound to a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Fallback(call, class string) {
	if m == nil {
		return
	}
	m.BridgeFallbacks.WithLabelValues(call, class).Inc()
}

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.SettlementOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Incident() {
	if m == nil {
		return
	}
	m.SettlementIncidents.Inc()
}

func (m *Metrics) CASExhausted() {
	if m == nil {
		return
	}
	m.LedgerCASExhausted.Inc()
}

func (m *Metrics) SyncDrop() {
	if m == nil {
		return
	}
	m.SyncDropped.Inc()
}

func (m *Metrics) SyncPublish(n int) {
	if m == nil {
		return
	}
	m.SyncPublished.Add(float64(n))
}

func (m *Metrics) SyncReceive() {
	if m == nil {
		return
	}
	m.SyncReceived.Inc()
}

func (m *Metrics) Adjustment(v float64) {
	if m == nil {
		return
	}
	m.MacroAdjustment.Set(v)
}

// PhaseShift moves one product from one phase bucket to another. An empty from only increments.
func (m *Metrics) PhaseShift(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.MarketPhase.WithLabelValues(from).Dec()
	}
	m.MarketPhase.WithLabelValues(to).Inc()
}

func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) WriteBack(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.CacheWriteBacks.WithLabelValues(result).Inc()
}
