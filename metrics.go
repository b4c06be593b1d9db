package main

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every Prometheus series the engine exports at
// /metrics. Grounded on chidi150c-coinbase's metrics.go (CounterVec per
// labeled event, Gauge for point-in-time state), restructured into a
// struct so each component holds only the handle it updates instead of
// reaching for package-level vars.
type Metrics struct {
	SignalDropped *prometheus.CounterVec
	TradesOpened  *prometheus.CounterVec
	TradesClosed  *prometheus.CounterVec
	TPRungsHit    *prometheus.CounterVec
	DCAFilled     *prometheus.CounterVec

	CyclesRun     prometheus.Counter
	CycleDuration prometheus.Histogram

	OpenPositions  prometheus.Gauge
	MarginUtilization prometheus.Gauge
	CapitalZone    *prometheus.GaugeVec
	CircuitBreakerTripped prometheus.Gauge
}

// NewMetrics constructs and registers every series against reg. Pass
// prometheus.NewRegistry() in production and a throwaway registry in
// tests so repeated construction never panics on duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_opened_total",
			Help: "Trades opened, by direction and signal type.",
		}, []string{"direction", "signal_type"}),

		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_closed_total",
			Help: "Trades closed, by exit reason.",
		}, []string{"exit_reason"}),

		TPRungsHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_tp_rungs_hit_total",
			Help: "Take-profit ladder rungs filled, by symbol.",
		}, []string{"symbol"}),

		DCAFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_dca_fills_total",
			Help: "DCA rungs filled, by symbol.",
		}, []string{"symbol"}),

		CyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_run_total",
			Help: "Orchestrator cycles completed.",
		}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall-clock duration of one orchestrator cycle.",
			Buckets: prometheus.DefBuckets,
		}),

		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently tracked open positions.",
		}),

		MarginUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_margin_utilization_ratio",
			Help: "Margin used / total wallet balance.",
		}),

		CapitalZone: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_capital_zone",
			Help: "Current capital zone indicator (1 for the active zone, 0 otherwise).",
		}, []string{"zone"}),

		CircuitBreakerTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_circuit_breaker_tripped",
			Help: "1 if the circuit breaker is currently tripped, else 0.",
		}),
	}

	m.SignalDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_dropped_total",
		Help: "Signals that failed to generate or were filtered before execution, by symbol.",
	}, []string{"symbol"})

	reg.MustRegister(m.SignalDropped)
	reg.MustRegister(m.TradesOpened, m.TradesClosed, m.TPRungsHit, m.DCAFilled)
	reg.MustRegister(m.CyclesRun, m.CycleDuration)
	reg.MustRegister(m.OpenPositions, m.MarginUtilization, m.CapitalZone, m.CircuitBreakerTripped)

	return m
}

func (m *Metrics) recordZone(zone CapitalZone) {
	for _, z := range []CapitalZone{ZoneGreen, ZoneYellow, ZoneRed} {
		v := 0.0
		if z == zone {
			v = 1.0
		}
		m.CapitalZone.WithLabelValues(string(z)).Set(v)
	}
}
