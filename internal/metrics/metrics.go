// Package metrics defines the Prometheus instrumentation shared by the
// runtime components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts scheduler cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onlytrade_cycles_total",
		Help: "Scheduler cycles by outcome",
	}, []string{"outcome"})

	// DecisionsTotal counts persisted decisions.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onlytrade_decisions_total",
		Help: "Decisions by trader, action and source",
	}, []string{"trader_id", "action", "source"})

	// LLMFallbacks counts LLM failures that fell through to the
	// heuristic path.
	LLMFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onlytrade_llm_fallbacks_total",
		Help: "LLM failures silently replaced by the heuristic",
	})

	// ReadinessGates counts readiness-forced holds.
	ReadinessGates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onlytrade_readiness_gates_total",
		Help: "Cycles held by the readiness gate",
	})

	// ReplayCursor tracks the replay cursor index.
	ReplayCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onlytrade_replay_cursor_index",
		Help: "Current replay cursor index",
	})

	// LiveFileStale is 1 while the live-file feed is stale.
	LiveFileStale = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onlytrade_live_file_stale",
		Help: "1 when the live frame file is stale",
	})

	// KillSwitchActive is 1 while the kill-switch is engaged.
	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onlytrade_kill_switch_active",
		Help: "1 when the kill-switch is engaged",
	})

	// TraderEquity tracks each trader's total balance.
	TraderEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "onlytrade_trader_total_balance",
		Help: "Trader total balance in CNY",
	}, []string{"trader_id"})

	// LLMRequestDuration observes LLM call latency.
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "onlytrade_llm_request_seconds",
		Help:    "LLM request duration",
		Buckets: prometheus.DefBuckets,
	})
)
