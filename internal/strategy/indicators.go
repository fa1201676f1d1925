package strategy

import (
	"math"

	"github.com/cinar/indicator"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// rsiPeriod is fixed by indicator.Rsi.
const rsiPeriod = 14

// lastATR returns the latest ATR, or 0 when the window is too short.
func lastATR(period int, bars []types.MarketBar) float64 {
	if period < 1 || len(bars) <= period {
		return 0
	}
	highs, lows, closes := types.HighsLowsCloses(bars)
	_, atr := indicator.Atr(period, highs, lows, closes)
	return atr[len(atr)-1]
}

// smaPair returns the previous and latest simple moving average.
func smaPair(period int, closes []float64) (prev, cur float64, ok bool) {
	if period < 1 || len(closes) < period+1 {
		return 0, 0, false
	}
	sma := indicator.Sma(period, closes)
	return sma[len(sma)-2], sma[len(sma)-1], true
}

// rsiPair returns the previous and latest RSI.
func rsiPair(closes []float64) (prev, cur float64, ok bool) {
	if len(closes) < 2*rsiPeriod+1 {
		return 0, 0, false
	}
	_, rsi := indicator.Rsi(closes)
	prev, cur = rsi[len(rsi)-2], rsi[len(rsi)-1]
	if math.IsNaN(prev) || math.IsNaN(cur) {
		return 0, 0, false
	}
	return prev, cur, true
}

// bands holds the latest Bollinger band values.
type bands struct {
	middle, upper, lower float64
}

// bollinger computes the bands over the last period closes with k standard deviations.
func bollinger(period int, k float64, closes []float64) (bands, bool) {
	if period < 2 || len(closes) < period {
		return bands{}, false
	}
	sma := indicator.Sma(period, closes)
	middle := sma[len(sma)-1]

	variance := 0.0
	for _, c := range closes[len(closes)-period:] {
		d := c - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))

	return bands{middle: middle, upper: middle + k*sd, lower: middle - k*sd}, true
}
