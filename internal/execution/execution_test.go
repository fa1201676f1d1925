package execution_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/execution"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/internal/testutil"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

type validator bool

func (v validator) ValidateSignal(types.TradeSignal, strategy.PriceWindow) bool { return bool(v) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSimulator(t *testing.T) *execution.Simulator {
	t.Helper()
	sim, err := execution.NewSimulator(zap.NewNop(), types.DefaultConfig().Execution, "USD")
	require.NoError(t, err)
	return sim
}

func longSignal(strategyID string) types.TradeSignal {
	return types.TradeSignal{
		ID:         "sig-" + strategyID,
		Instrument: "EUR_USD",
		Direction:  types.DirectionLong,
		Entry:      d("1.1000"),
		Stop:       d("1.0950"),
		Target:     d("1.1100"),
		Strength:   0.7,
		StrategyID: strategyID,
		Regime:     types.RegimeTrendingLowVol,
	}
}

func barAt(at time.Time, open, high, low, close string) types.MarketBar {
	return types.MarketBar{
		Instrument: "EUR_USD",
		Timestamp:  at,
		Open:       d(open),
		High:       d(high),
		Low:        d(low),
		Close:      d(close),
	}
}

func TestSessions(t *testing.T) {
	cfg := types.DefaultConfig().Execution.Spread
	day := testutil.Epoch

	assert.Equal(t, execution.SessionAsian, execution.SessionAt(day.Add(3*time.Hour)))
	assert.Equal(t, execution.SessionLondon, execution.SessionAt(day.Add(8*time.Hour)))
	assert.Equal(t, execution.SessionOverlap, execution.SessionAt(day.Add(13*time.Hour)))
	assert.Equal(t, execution.SessionNewYork, execution.SessionAt(day.Add(18*time.Hour)))
	assert.Equal(t, execution.SessionRollover, execution.SessionAt(day.Add(22*time.Hour)))

	assert.Equal(t, 0.7, execution.SpreadPips(cfg, "EUR_USD", day.Add(13*time.Hour)))
	assert.Equal(t, 3.0, execution.SpreadPips(cfg, "EUR_USD", day.Add(22*time.Hour)))

	cfg.Multipliers = map[string]float64{"GBP_USD": 2}
	assert.Equal(t, 1.4, execution.SpreadPips(cfg, "GBP_USD", day.Add(13*time.Hour)))
}

func TestRolloverNights(t *testing.T) {
	monday := testutil.Epoch

	tests := []struct {
		name     string
		from, to time.Time
		want     int
	}{
		{"intraday", monday.Add(8 * time.Hour), monday.Add(20 * time.Hour), 0},
		{"mon to tue", monday.Add(20 * time.Hour), monday.Add(46 * time.Hour), 2},
		{"wednesday triple", monday.Add(46 * time.Hour), monday.Add(94 * time.Hour), 4},
		{"weekend free", monday.Add(4*24*time.Hour + 22*time.Hour), monday.Add(7*24*time.Hour + 20*time.Hour), 0},
		{"reversed", monday.Add(46 * time.Hour), monday, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, execution.RolloverNights(tt.from, tt.to, 21))
		})
	}
}

func TestFillCosts(t *testing.T) {
	sim := newSimulator(t)
	at := testutil.Epoch.Add(13 * time.Hour)
	window := strategy.PriceWindow{Instrument: "EUR_USD"}

	fill, err := sim.Fill(validator(true), longSignal("rsi"), decimal.NewFromInt(100000), window,
		barAt(at, "1.1000", "1.1010", "1.0990", "1.1005"))
	require.NoError(t, err)

	assert.True(t, fill.Price.Equal(d("1.1")))
	// 0.7 pip overlap spread, half paid on entry: 0.35 pip × 100k = 3.5
	assert.True(t, fill.Costs.Spread.Equal(d("3.5")), "spread %s", fill.Costs.Spread)
	// fixed 0.2 pip slippage × 100k = 2
	assert.True(t, fill.Costs.Slippage.Equal(d("2")), "slippage %s", fill.Costs.Slippage)
	assert.True(t, fill.Costs.Commission.Equal(d("2.5")))
	assert.True(t, fill.EffectivePrice.Equal(d("1.100055")), "effective %s", fill.EffectivePrice)

	stats := sim.GetStats()
	assert.Equal(t, int64(1), stats.Executions)
	assert.Equal(t, "fixed", stats.Slippage)
}

func TestFillRejections(t *testing.T) {
	sim := newSimulator(t)
	bar := barAt(testutil.Epoch, "1.1000", "1.1010", "1.0990", "1.1005")
	window := strategy.PriceWindow{Instrument: "EUR_USD"}

	_, err := sim.Fill(validator(false), longSignal("rsi"), decimal.NewFromInt(1000), window, bar)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSignalRejected))
	assert.Equal(t, types.RejectValidation, types.ReasonOf(err))

	_, err = sim.Fill(validator(true), longSignal("rsi"), decimal.Zero, window, bar)
	assert.Equal(t, types.RejectZeroSize, types.ReasonOf(err))
	assert.Equal(t, int64(2), sim.GetStats().Rejections)
}

func TestSlippageModels(t *testing.T) {
	m, err := execution.NewSlippageModel(types.SlippageConfig{Model: "volatility", ATRFraction: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0002, m.Slippage("EUR_USD", 0.002).InexactFloat64(), 1e-12)
	assert.Equal(t, "volatility", m.Name())

	z, err := execution.NewSlippageModel(types.SlippageConfig{Model: "zero"})
	require.NoError(t, err)
	assert.True(t, z.Slippage("EUR_USD", 0.002).IsZero())

	_, err = execution.NewSlippageModel(types.SlippageConfig{Model: "quadratic"})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func newManager(t *testing.T, limits types.PositionLimits) (*execution.PositionManager, *execution.Simulator) {
	t.Helper()
	sim := newSimulator(t)
	return execution.NewPositionManager(zap.NewNop(), limits, sim, utils.NewIDGenerator(1)), sim
}

func openLong(t *testing.T, pm *execution.PositionManager, sim *execution.Simulator, strategyID string, units int64) types.Position {
	t.Helper()
	fill := sim.FillAt(longSignal(strategyID), decimal.NewFromInt(units), d("1.1000"), testutil.Epoch.Add(13*time.Hour), 0)
	pos, err := pm.Open(fill)
	require.NoError(t, err)
	return pos
}

func TestPositionLimits(t *testing.T) {
	pm, sim := newManager(t, types.PositionLimits{MaxPerInstrument: 2, MaxTotal: 3})

	openLong(t, pm, sim, "rsi", 1000)
	openLong(t, pm, sim, "bollinger", 1000)

	err := pm.CanOpen("EUR_USD", "rsi")
	assert.Equal(t, types.RejectDuplicate, types.ReasonOf(err))

	err = pm.CanOpen("EUR_USD", "ma_crossover")
	assert.Equal(t, types.RejectPositionLimit, types.ReasonOf(err))

	assert.NoError(t, pm.CanOpen("GBP_USD", "rsi"))
	assert.Equal(t, 2, pm.Count())
	assert.True(t, pm.HasPosition("EUR_USD"))
	assert.False(t, pm.HasPosition("GBP_USD"))
}

func TestCheckExitsStopBeforeTarget(t *testing.T) {
	pm, sim := newManager(t, types.PositionLimits{MaxPerInstrument: 2, MaxTotal: 6})
	openLong(t, pm, sim, "rsi", 100000)

	// Bar touches both the stop (1.0950) and the target (1.1100).
	bar := barAt(testutil.Epoch.Add(15*time.Hour), "1.1000", "1.1120", "1.0940", "1.1050")
	trades := pm.CheckExits(bar, types.RegimeRangingLowVol, 0)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, types.ExitStop, tr.ExitReason)
	assert.True(t, tr.ExitPrice.Equal(d("1.095")))
	assert.True(t, tr.GrossPnL.Equal(d("-500")), "gross %s", tr.GrossPnL)
	assert.True(t, tr.NetPnL.LessThan(tr.GrossPnL))
	assert.True(t, tr.NetPnL.Equal(tr.GrossPnL.Sub(tr.Costs.Total())))
	assert.Equal(t, types.RegimeTrendingLowVol, tr.RegimeAtEntry)
	assert.Equal(t, types.RegimeRangingLowVol, tr.RegimeAtExit)
	assert.Equal(t, 0, pm.Count())
}

func TestCheckExitsGapFillsAtOpen(t *testing.T) {
	pm, sim := newManager(t, types.PositionLimits{MaxPerInstrument: 2, MaxTotal: 6})
	openLong(t, pm, sim, "rsi", 100000)

	bar := barAt(testutil.Epoch.Add(15*time.Hour), "1.1150", "1.1160", "1.1140", "1.1155")
	trades := pm.CheckExits(bar, types.RegimeTrendingLowVol, 0)
	require.Len(t, trades, 1)
	assert.Equal(t, types.ExitTarget, trades[0].ExitReason)
	assert.True(t, trades[0].ExitPrice.Equal(d("1.115")))
}

func TestApplyRiskMultiplierOnlyReduces(t *testing.T) {
	pm, sim := newManager(t, types.PositionLimits{MaxPerInstrument: 2, MaxTotal: 6})
	openLong(t, pm, sim, "rsi", 100000)
	prices := map[string]decimal.Decimal{"EUR_USD": d("1.1020")}
	at := testutil.Epoch.Add(14 * time.Hour)

	trades := pm.ApplyRiskMultiplier(0.3, prices, at, nil)
	require.Len(t, trades, 1)
	assert.Equal(t, types.ExitRiskReduction, trades[0].ExitReason)
	assert.True(t, trades[0].Units.Equal(decimal.NewFromInt(70000)))

	pos, ok := pm.Position("EUR_USD", "rsi")
	require.True(t, ok)
	assert.True(t, pos.Units.Equal(decimal.NewFromInt(30000)))
	assert.True(t, pos.Units.Equal(pos.BaseUnits.Mul(pos.Multiplier)))

	// A later, larger multiplier never re-grows the position.
	assert.Empty(t, pm.ApplyRiskMultiplier(0.8, prices, at, nil))
	pos, _ = pm.Position("EUR_USD", "rsi")
	assert.True(t, pos.Units.Equal(decimal.NewFromInt(30000)))

	// Zero closes everything.
	trades = pm.ApplyRiskMultiplier(0, prices, at, nil)
	require.Len(t, trades, 1)
	assert.Equal(t, 0, pm.Count())
}

func TestOpenRiskAndExposure(t *testing.T) {
	pm, sim := newManager(t, types.PositionLimits{MaxPerInstrument: 2, MaxTotal: 6})
	openLong(t, pm, sim, "rsi", 100000)
	openLong(t, pm, sim, "bollinger", 50000)

	assert.True(t, pm.OpenRisk("rsi").Equal(d("500")))
	assert.True(t, pm.OpenRisk("").Equal(d("750")))

	exposure := pm.Exposure()
	assert.True(t, exposure["EUR_USD"].Equal(d("165000")), "exposure %s", exposure["EUR_USD"])

	pm.MarkToMarket(barAt(testutil.Epoch.Add(14*time.Hour), "1.1000", "1.1020", "1.0990", "1.1010"))
	unrealized := pm.UnrealizedPnL(testutil.Epoch.Add(14 * time.Hour))
	// 10 pips on 150k = 150, less entry costs
	assert.True(t, unrealized.LessThan(d("150")))
	assert.True(t, unrealized.GreaterThan(d("130")))
}

func TestTradeTracker(t *testing.T) {
	tt := execution.NewTradeTracker(zap.NewNop())

	tt.RecordTrade(
		types.Trade{ID: "a", StrategyID: "rsi", RegimeAtEntry: types.RegimeRangingLowVol},
		types.Trade{ID: "b", StrategyID: "ma_crossover", RegimeAtEntry: types.RegimeTrendingLowVol},
	)
	tt.RecordRejection(longSignal("rsi"), types.RejectConflictLost, testutil.Epoch)
	tt.RecordRejection(longSignal("rsi"), types.RejectConflictLost, testutil.Epoch)

	assert.Len(t, tt.Trades(), 2)
	assert.Len(t, tt.ByStrategy("rsi"), 1)
	assert.Len(t, tt.ByRegime(types.RegimeTrendingLowVol), 1)
	assert.Equal(t, 2, tt.RejectionCounts()[types.RejectConflictLost])

	trades := tt.Trades()
	trades[0].ID = "mutated"
	assert.Equal(t, "a", tt.Trades()[0].ID)
}
