package metrics_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-regime-engine/internal/metrics"
	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

func TestObserveCycle(t *testing.T) {
	m := metrics.New()
	m.ObserveCycle(&types.PortfolioState{
		Cycle:     4,
		Equity:    decimal.NewFromInt(98500),
		Drawdown:  0.015,
		Positions: []types.Position{{Instrument: "EUR_USD"}, {Instrument: "GBP_USD"}},
		Emergency: types.EmergencyStatus{Level: types.EmergencyLevel1, Multiplier: 0.75},
		VaR: &types.VaRSet{Available: true, Target: 0.003, Results: []types.VaRResult{
			{Method: types.VaRHistorical, Value: 0.0021},
			{Method: types.VaRParametric, Value: 0.0019},
		}},
		Correlation: &types.CorrelationMatrix{
			Instruments: []string{"EUR_USD", "GBP_USD"},
			Values:      [][]float64{{1, 0.62}, {0.62, 1}},
		},
		Regimes: map[string]types.RegimeReading{
			"EUR_USD": {Instrument: "EUR_USD", Regime: types.RegimeTrendingLowVol},
		},
	}, 40*time.Millisecond)

	expected := `
# HELP fxengine_open_positions Number of open positions.
# TYPE fxengine_open_positions gauge
fxengine_open_positions 2
# HELP fxengine_emergency_level Emergency protocol level, 0 is normal.
# TYPE fxengine_emergency_level gauge
fxengine_emergency_level 1
# HELP fxengine_var_ratio Portfolio VaR as a fraction of equity.
# TYPE fxengine_var_ratio gauge
fxengine_var_ratio{method="historical"} 0.0021
fxengine_var_ratio{method="parametric"} 0.0019
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"fxengine_open_positions", "fxengine_emergency_level", "fxengine_var_ratio"))

	n, err := testutil.GatherAndCount(m.Registry(), "fxengine_cycle_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(m.Registry(), "fxengine_regime")
	require.NoError(t, err)
	assert.Equal(t, len(types.AllRegimes), n)
}

func TestRecorderCounters(t *testing.T) {
	m := metrics.New()
	ctx := context.Background()

	m.RecordRejection(ctx, types.RejectedSignal{Reason: types.RejectEmergency})
	m.RecordRejection(ctx, types.RejectedSignal{Reason: types.RejectEmergency})
	m.RecordRejection(ctx, types.RejectedSignal{Reason: types.RejectZeroSize})
	m.RecordTrade(ctx, types.Trade{StrategyID: "rsi", ExitReason: types.ExitStop, NetPnL: decimal.NewFromInt(-40)})
	m.RecordTrade(ctx, types.Trade{StrategyID: "rsi", ExitReason: types.ExitTarget, NetPnL: decimal.NewFromInt(90)})
	m.RecordRisk(ctx, &portfolio.RiskReport{
		CorrelationEvents: []risk.CorrelationEvent{{Kind: risk.CorrelationBreach}, {Kind: risk.CorrelationWarning}},
		Transition:        &types.EmergencyTransition{From: types.EmergencyLevel1, To: types.EmergencyLevel2},
	})

	expected := `
# HELP fxengine_rejected_signals_total Signals that did not become trades, by reason.
# TYPE fxengine_rejected_signals_total counter
fxengine_rejected_signals_total{reason="emergency_no_new_signals"} 2
fxengine_rejected_signals_total{reason="zero_size"} 1
# HELP fxengine_trade_net_pnl_total Absolute net P&L of closed trades split by sign.
# TYPE fxengine_trade_net_pnl_total counter
fxengine_trade_net_pnl_total{side="loss",strategy="rsi"} 40
fxengine_trade_net_pnl_total{side="profit",strategy="rsi"} 90
# HELP fxengine_emergency_transitions_total Emergency level transitions by target level.
# TYPE fxengine_emergency_transitions_total counter
fxengine_emergency_transitions_total{to="LEVEL_2"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"fxengine_rejected_signals_total", "fxengine_trade_net_pnl_total", "fxengine_emergency_transitions_total"))

	n, err := testutil.GatherAndCount(m.Registry(), "fxengine_correlation_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHandlerServesExposition(t *testing.T) {
	m := metrics.New()
	m.RecordRejection(context.Background(), types.RejectedSignal{Reason: types.RejectHalt})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `fxengine_rejected_signals_total{reason="emergency_halt"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
