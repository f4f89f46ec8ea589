// Package metrics holds the process's Prometheus registry, grounded on
// the teacher's internal/interfaces/http/metrics.go: one struct of
// named collectors, registered once at construction and handed to
// every component that needs to record against it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus collector the engine exports.
type Registry struct {
	TickDuration *prometheus.HistogramVec

	ModeSwitches      *prometheus.CounterVec
	StalenessTrips    *prometheus.CounterVec
	BackoffSeconds    prometheus.Gauge
	ClockSkewMs       prometheus.Gauge
	ClockDegradations prometheus.Counter

	StrategyFires *prometheus.CounterVec
	RiskBlocks    *prometheus.CounterVec

	Decisions *prometheus.CounterVec
}

// NewRegistry builds and registers the engine's Prometheus collectors
// against the given registerer (cmd/signalengine passes a dedicated
// prometheus.NewRegistry() and serves it on /metrics).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalengine_tick_duration_seconds",
				Help:    "Duration of one per-symbol tick evaluation in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"symbol"},
		),
		ModeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalengine_mode_switches_total",
				Help: "Total SourceManager mode switches by from/to/reason",
			},
			[]string{"from", "to", "reason"},
		),
		StalenessTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalengine_staleness_trips_total",
				Help: "Total staleness trips detected by symbol/kind",
			},
			[]string{"symbol", "kind"},
		),
		BackoffSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signalengine_ws_backoff_seconds",
				Help: "Current stream reconnect backoff, in seconds",
			},
		),
		ClockSkewMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signalengine_clock_skew_ms",
				Help: "Last observed clock skew between local and server time, in milliseconds",
			},
		),
		ClockDegradations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signalengine_clock_degradations_total",
				Help: "Total number of times ClockSync entered the degraded state",
			},
		),
		StrategyFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalengine_strategy_fires_total",
				Help: "Total strategy card proposals by strategy/symbol",
			},
			[]string{"strategy", "symbol"},
		),
		RiskBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalengine_risk_blocks_total",
				Help: "Total RiskEngine blocks by reason",
			},
			[]string{"reason"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalengine_decisions_total",
				Help: "Total Signal Service decisions by decision/reason, mirroring the structured tick log",
			},
			[]string{"decision", "reason"},
		),
	}

	reg.MustRegister(
		r.TickDuration,
		r.ModeSwitches,
		r.StalenessTrips,
		r.BackoffSeconds,
		r.ClockSkewMs,
		r.ClockDegradations,
		r.StrategyFires,
		r.RiskBlocks,
		r.Decisions,
	)
	return r
}

// TickTimer times one tick and records its duration on completion.
type TickTimer struct {
	reg    *Registry
	symbol string
	start  time.Time
}

// StartTick begins timing a per-symbol tick.
func (r *Registry) StartTick(symbol string) *TickTimer {
	return &TickTimer{reg: r, symbol: symbol, start: time.Now()}
}

// Stop records the elapsed tick duration.
func (t *TickTimer) Stop() {
	t.reg.TickDuration.WithLabelValues(t.symbol).Observe(time.Since(t.start).Seconds())
}
