// Package metrics exports engine state as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

const namespace = "fxengine"

// Metrics holds every collector. It is both a live cycle observer (ObserveCycle) and a
// backtester.Recorder; all methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	equity        prometheus.Gauge
	drawdown      prometheus.Gauge
	openPositions prometheus.Gauge
	emergency     prometheus.Gauge
	multiplier    prometheus.Gauge
	regime        *prometheus.GaugeVec

	varValue     *prometheus.GaugeVec
	varTarget    prometheus.Gauge
	varAvailable prometheus.Gauge
	correlation  *prometheus.GaugeVec
	corrEvents   *prometheus.CounterVec
	transitions  *prometheus.CounterVec

	trades   *prometheus.CounterVec
	netPnL   *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go runtime and process collectors, on a
// private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Completed live evaluation cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Wall time of a live evaluation cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "equity",
			Help: "Account equity in account currency.",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "drawdown_ratio",
			Help: "Drawdown from peak equity.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions",
			Help: "Number of open positions.",
		}),
		emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "level",
			Help: "Emergency protocol level, 0 is normal.",
		}),
		multiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "size_multiplier",
			Help: "Position size multiplier of the current emergency level.",
		}),
		regime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "regime",
			Help: "1 for the current regime of each instrument, 0 otherwise.",
		}, []string{"instrument", "regime"}),
		varValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "var", Name: "ratio",
			Help: "Portfolio VaR as a fraction of equity.",
		}, []string{"method"}),
		varTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "var", Name: "target_ratio",
			Help: "Regime-adjusted VaR target.",
		}),
		varAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "var", Name: "available",
			Help: "1 when VaR could be computed.",
		}),
		correlation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "correlation", Name: "coefficient",
			Help: "Rolling return correlation per instrument pair.",
		}, []string{"pair"}),
		corrEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "correlation", Name: "events_total",
			Help: "Correlation warnings and breaches.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "transitions_total",
			Help: "Emergency level transitions by target level.",
		}, []string{"to"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Closed trades by strategy and exit reason.",
		}, []string{"strategy", "exit_reason"}),
		netPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trade_net_pnl_total",
			Help: "Absolute net P&L of closed trades split by sign.",
		}, []string{"strategy", "side"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_signals_total",
			Help: "Signals that did not become trades, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.equity, m.drawdown, m.openPositions,
		m.emergency, m.multiplier, m.regime,
		m.varValue, m.varTarget, m.varAvailable,
		m.correlation, m.corrEvents, m.transitions,
		m.trades, m.netPnL, m.rejected,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCycle records a published portfolio state. Its signature matches live.Observer.
func (m *Metrics) ObserveCycle(state *types.PortfolioState, took time.Duration) {
	m.cycles.Inc()
	m.cycleDuration.Observe(took.Seconds())
	m.equity.Set(state.Equity.InexactFloat64())
	m.drawdown.Set(state.Drawdown)
	m.openPositions.Set(float64(len(state.Positions)))
	m.emergency.Set(float64(state.Emergency.Level))
	m.multiplier.Set(state.Emergency.Multiplier)

	for instrument, reading := range state.Regimes {
		for _, r := range types.AllRegimes {
			v := 0.0
			if r == reading.Regime {
				v = 1
			}
			m.regime.WithLabelValues(instrument, string(r)).Set(v)
		}
	}

	if state.VaR != nil {
		m.observeVaR(state.VaR)
	}
	if c := state.Correlation; c != nil {
		for i := range c.Instruments {
			for j := i + 1; j < len(c.Instruments); j++ {
				m.correlation.WithLabelValues(c.Instruments[i] + "/" + c.Instruments[j]).Set(c.Values[i][j])
			}
		}
	}
}

func (m *Metrics) observeVaR(v *types.VaRSet) {
	if !v.Available {
		m.varAvailable.Set(0)
		return
	}
	m.varAvailable.Set(1)
	m.varTarget.Set(v.Target)
	for _, res := range v.Results {
		m.varValue.WithLabelValues(string(res.Method)).Set(res.Value)
	}
}

func (m *Metrics) RecordTrade(_ context.Context, trade types.Trade) {
	m.trades.WithLabelValues(trade.StrategyID, trade.ExitReason).Inc()
	pnl := trade.NetPnL.InexactFloat64()
	if pnl >= 0 {
		m.netPnL.WithLabelValues(trade.StrategyID, "profit").Add(pnl)
	} else {
		m.netPnL.WithLabelValues(trade.StrategyID, "loss").Add(-pnl)
	}
}

func (m *Metrics) RecordRejection(_ context.Context, rej types.RejectedSignal) {
	m.rejected.WithLabelValues(rej.Reason).Inc()
}

func (m *Metrics) RecordRisk(_ context.Context, report *portfolio.RiskReport) {
	if report.VaR != nil {
		m.observeVaR(report.VaR)
	}
	for _, ev := range report.CorrelationEvents {
		m.corrEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	if tr := report.Transition; tr != nil {
		m.transitions.WithLabelValues(tr.To.String()).Inc()
		m.emergency.Set(float64(tr.To))
	}
}
