package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/internal/testutil"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

var (
	trendingUp   = types.RegimeReading{Regime: types.RegimeTrendingLowVol, Confidence: 0.8, Trend: 0.7}
	trendingDown = types.RegimeReading{Regime: types.RegimeTrendingLowVol, Confidence: 0.8, Trend: -0.7}
	ranging      = types.RegimeReading{Regime: types.RegimeRangingLowVol, Confidence: 0.8, Trend: 0.05}
	uncertain    = types.RegimeReading{Regime: types.RegimeUncertain}
)

func build(t *testing.T, name string) strategy.Strategy {
	t.Helper()
	s, err := strategy.NewDefaultRegistry(zap.NewNop()).Build(name, nil)
	require.NoError(t, err)
	return s
}

// scan runs the strategy over every prefix of bars and returns signals with the bar index that produced them.
func scan(s strategy.Strategy, bars []types.MarketBar, regime types.RegimeReading) (map[int]types.TradeSignal, []int) {
	params := s.GetRegimeParameters(regime.Regime)
	found := make(map[int]types.TradeSignal)
	var order []int
	for i := 1; i <= len(bars); i++ {
		window := strategy.PriceWindow{Instrument: bars[0].Instrument, Bars: bars[:i]}
		for _, sig := range s.GenerateSignals(window, regime, params) {
			found[i-1] = sig
			order = append(order, i-1)
		}
	}
	return found, order
}

func vShape() []types.MarketBar {
	closes := testutil.Concat(testutil.Trend(1.20, -0.001, 60), testutil.Trend(0, 0.001, 60))
	return testutil.Bars("EUR_USD", testutil.Epoch, closes, 0.0003)
}

func TestMACrossoverSignalsOnTrendReversal(t *testing.T) {
	s := build(t, strategy.MACrossoverName)
	bars := vShape()

	found, order := scan(s, bars, trendingUp)
	require.NotEmpty(t, order)

	var long *types.TradeSignal
	for _, idx := range order {
		sig := found[idx]
		if sig.Direction == types.DirectionLong {
			assert.Greater(t, idx, 60, "long crossover must follow the reversal")
			long = &sig
			break
		}
	}
	require.NotNil(t, long)
	assert.Equal(t, strategy.MACrossoverName, long.StrategyID)
	assert.Equal(t, types.RegimeTrendingLowVol, long.Regime)
	assert.True(t, long.Stop.LessThan(long.Entry))
	assert.True(t, long.Target.GreaterThan(long.Entry))
	assert.InDelta(t, 2.0, long.Target.Sub(long.Entry).Div(long.StopDistance()).InexactFloat64(), 1e-9)
	assert.GreaterOrEqual(t, long.Strength, 0.0)
	assert.LessOrEqual(t, long.Strength, 1.0)
}

func TestMACrossoverSuppressedOutsideTrends(t *testing.T) {
	s := build(t, strategy.MACrossoverName)
	bars := vShape()

	for _, reading := range []types.RegimeReading{ranging, uncertain,
		{Regime: types.RegimeTransition, Confidence: 0.1}} {
		assert.False(t, s.GetRegimeParameters(reading.Regime).Active)
		_, order := scan(s, bars, reading)
		assert.Empty(t, order, "regime %s", reading.Regime)
	}
}

func TestMACrossoverValidateSignal(t *testing.T) {
	s := build(t, strategy.MACrossoverName)
	bars := vShape()

	found, order := scan(s, bars, trendingUp)
	require.NotEmpty(t, order)
	idx := order[0]
	sig := found[idx]
	require.Less(t, idx+1, len(bars))

	window := strategy.PriceWindow{Instrument: "EUR_USD", Bars: bars[:idx+1]}
	assert.True(t, s.ValidateSignal(sig, window.AtFill(bars[idx+1])))

	gap := bars[idx+1]
	gap.Open = sig.Stop.Sub(decimal.RequireFromString("0.0010"))
	assert.False(t, s.ValidateSignal(sig, window.AtFill(gap)), "fill beyond the stop is invalid")

	other := sig
	other.StrategyID = strategy.RSIName
	assert.False(t, s.ValidateSignal(other, window.AtFill(bars[idx+1])))
}

func dropAndRecover() []types.MarketBar {
	closes := testutil.Concat(
		testutil.Sine(1.20, 0.002, 10, 40),
		testutil.Trend(0, -0.002, 30),
		testutil.Trend(0, 0.002, 25),
	)
	return testutil.Bars("GBP_USD", testutil.Epoch, closes, 0.0003)
}

func TestRSILongAfterOversold(t *testing.T) {
	s := build(t, strategy.RSIName)
	bars := dropAndRecover()

	found, order := scan(s, bars, ranging)
	require.NotEmpty(t, order)

	var long *types.TradeSignal
	for _, idx := range order {
		if sig := found[idx]; sig.Direction == types.DirectionLong && idx > 69 {
			long = &sig
			break
		}
	}
	require.NotNil(t, long, "expected a long after the oversold recovery")
	assert.Equal(t, 30.0, long.Metadata["oversold"])
	assert.True(t, long.Stop.LessThan(long.Entry))
}

func TestRSIWidensBandsInTrend(t *testing.T) {
	s := build(t, strategy.RSIName)

	base := s.GetRegimeParameters(types.RegimeRangingLowVol)
	assert.True(t, base.Active)
	assert.Equal(t, 70.0, base.Get(strategy.ParamOverbought, 0))
	assert.Equal(t, 30.0, base.Get(strategy.ParamOversold, 0))

	trend := s.GetRegimeParameters(types.RegimeTrendingHighVol)
	assert.True(t, trend.Active)
	assert.Equal(t, 80.0, trend.Get(strategy.ParamOverbought, 0))
	assert.Equal(t, 20.0, trend.Get(strategy.ParamOversold, 0))

	assert.False(t, s.GetRegimeParameters(types.RegimeUncertain).Active)
}

func TestRSIUncertainProducesNothing(t *testing.T) {
	s := build(t, strategy.RSIName)
	_, order := scan(s, dropAndRecover(), uncertain)
	assert.Empty(t, order)
}

func piercedLowerBand() []types.MarketBar {
	closes := append(testutil.Sine(1.20, 0.001, 8, 60), 1.19)
	return testutil.Bars("EUR_USD", testutil.Epoch, closes, 0.0002)
}

func TestBollingerLongBelowLowerBand(t *testing.T) {
	s := build(t, strategy.BollingerName)
	bars := piercedLowerBand()
	window := strategy.PriceWindow{Instrument: "EUR_USD", Bars: bars}

	signals := s.GenerateSignals(window, ranging, s.GetRegimeParameters(ranging.Regime))
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, types.DirectionLong, sig.Direction)
	assert.True(t, sig.Target.GreaterThan(sig.Entry), "target is the middle band")
	assert.True(t, sig.Stop.LessThan(sig.Entry))

	// Same call, same output.
	again := s.GenerateSignals(window, ranging, s.GetRegimeParameters(ranging.Regime))
	assert.Equal(t, signals, again)
}

func TestBollingerSuppressesCounterTrend(t *testing.T) {
	s := build(t, strategy.BollingerName)
	window := strategy.PriceWindow{Instrument: "EUR_USD", Bars: piercedLowerBand()}

	against := s.GenerateSignals(window, trendingDown, s.GetRegimeParameters(trendingDown.Regime))
	assert.Empty(t, against, "long against a downtrend is suppressed")

	with := s.GenerateSignals(window, trendingUp, s.GetRegimeParameters(trendingUp.Regime))
	assert.Len(t, with, 1)
}

func TestBollingerWidensInHighVol(t *testing.T) {
	s := build(t, strategy.BollingerName)
	low := s.GetRegimeParameters(types.RegimeRangingLowVol)
	high := s.GetRegimeParameters(types.RegimeRangingHighVol)
	assert.Equal(t, 2.0, low.Get(strategy.ParamBandK, 0))
	assert.Equal(t, 2.5, high.Get(strategy.ParamBandK, 0))
}

func TestBollingerValidateSignal(t *testing.T) {
	s := build(t, strategy.BollingerName)
	bars := piercedLowerBand()
	window := strategy.PriceWindow{Instrument: "EUR_USD", Bars: bars}
	signals := s.GenerateSignals(window, ranging, s.GetRegimeParameters(ranging.Regime))
	require.Len(t, signals, 1)
	sig := signals[0]

	next := bars[len(bars)-1]
	next.Timestamp = next.Timestamp.Add(1)
	next.Open = sig.Entry
	assert.True(t, s.ValidateSignal(sig, window.AtFill(next)))

	next.Open = sig.Target.Add(decimal.RequireFromString("0.0005"))
	assert.False(t, s.ValidateSignal(sig, window.AtFill(next)), "already through the middle band")
}

func TestRegimeFitDefaults(t *testing.T) {
	ma := build(t, strategy.MACrossoverName)
	rsi := build(t, strategy.RSIName)
	bb := build(t, strategy.BollingerName)

	assert.Equal(t, 0.7, ma.RegimeFit(types.RegimeTrendingLowVol))
	assert.Equal(t, 0.0, ma.RegimeFit(types.RegimeRangingHighVol))
	assert.Equal(t, 0.8, rsi.RegimeFit(types.RegimeTrendingHighVol))
	assert.Equal(t, 1.0, rsi.RegimeFit(types.RegimeRangingLowVol))
	assert.Equal(t, 1.0, bb.RegimeFit(types.RegimeRangingLowVol))
	assert.Equal(t, 0.0, bb.RegimeFit(types.RegimeUncertain))
}

func TestCalculatePositionSize(t *testing.T) {
	s := build(t, strategy.RSIName)
	signal := types.TradeSignal{
		Instrument: "GBP_USD",
		Entry:      decimal.RequireFromString("1.2700"),
		Stop:       decimal.RequireFromString("1.2650"),
	}
	account := types.AccountState{Currency: "USD", Balance: decimal.NewFromInt(50000), Equity: decimal.NewFromInt(50000)}

	// 1% of 50k over 50 pips
	size := s.CalculatePositionSize(signal, account)
	assert.True(t, size.Equal(decimal.NewFromInt(100000)), "got %s", size)
}
