// Package strategy provides the regime-aware trading strategies.
package strategy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/internal/sizing"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Strategy is the interface all strategies must implement.
type Strategy interface {
	Name() string
	// GenerateSignals is pure: params must come from GetRegimeParameters for the same regime.
	GenerateSignals(window PriceWindow, regime types.RegimeReading, params Parameters) []types.TradeSignal
	GetRegimeParameters(regime types.Regime) Parameters
	CalculatePositionSize(signal types.TradeSignal, account types.AccountState) decimal.Decimal
	ValidateSignal(signal types.TradeSignal, window PriceWindow) bool
	RegimeFit(regime types.Regime) float64
}

// PriceWindow is the bar history a strategy sees, oldest first.
type PriceWindow struct {
	Instrument string
	Bars       []types.MarketBar
}

// Last returns the most recent bar.
func (w PriceWindow) Last() (types.MarketBar, bool) {
	if len(w.Bars) == 0 {
		return types.MarketBar{}, false
	}
	return w.Bars[len(w.Bars)-1], true
}

// Len returns the number of bars.
func (w PriceWindow) Len() int { return len(w.Bars) }

// AtFill extends the window with the fill bar reduced to its open, so fill-time
// validation sees the execution price and nothing later.
func (w PriceWindow) AtFill(fill types.MarketBar) PriceWindow {
	bars := make([]types.MarketBar, len(w.Bars), len(w.Bars)+1)
	copy(bars, w.Bars)
	bars = append(bars, types.MarketBar{
		Instrument: fill.Instrument,
		Timestamp:  fill.Timestamp,
		Open:       fill.Open,
		High:       fill.Open,
		Low:        fill.Open,
		Close:      fill.Open,
	})
	return PriceWindow{Instrument: w.Instrument, Bars: bars}
}

// Parameters is a regime-adjusted parameter set. Active=false suppresses signals.
type Parameters struct {
	Active bool               `json:"active"`
	Values map[string]float64 `json:"values"`
}

// Get returns a parameter value or def when absent.
func (p Parameters) Get(name string, def float64) float64 {
	if v, ok := p.Values[name]; ok {
		return v
	}
	return def
}

// ParamSpec defines a strategy parameter.
type ParamSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

// Common parameters shared by every strategy.
const (
	ParamRiskFraction  = "risk_fraction"
	ParamStopATR       = "stop_atr"
	ParamRewardRisk    = "reward_risk"
	ParamATRPeriod     = "atr_period"
	ParamFitTrending   = "fit_trending"
	ParamFitRanging    = "fit_ranging"
	ParamFitTransition = "fit_transition"
)

func commonSpecs(fitTrending, fitRanging, fitTransition float64) []ParamSpec {
	return []ParamSpec{
		{Name: ParamRiskFraction, Description: "Balance fraction risked per trade", Default: 0.01, Min: 0.0001, Max: 0.1},
		{Name: ParamStopATR, Description: "Stop distance in ATR multiples", Default: 2.0, Min: 0.1, Max: 10},
		{Name: ParamRewardRisk, Description: "Target distance in stop-distance multiples", Default: 2.0, Min: 0.1, Max: 10},
		{Name: ParamATRPeriod, Description: "ATR lookback", Default: 14, Min: 2, Max: 100},
		{Name: ParamFitTrending, Description: "Regime fit in trending regimes", Default: fitTrending, Min: 0, Max: 1},
		{Name: ParamFitRanging, Description: "Regime fit in ranging regimes", Default: fitRanging, Min: 0, Max: 1},
		{Name: ParamFitTransition, Description: "Regime fit in transition", Default: fitTransition, Min: 0, Max: 1},
	}
}

// resolveParams fills defaults and rejects unknown names or out-of-range values.
func resolveParams(strategy string, specs []ParamSpec, overrides map[string]float64) (map[string]float64, error) {
	known := make(map[string]ParamSpec, len(specs))
	values := make(map[string]float64, len(specs))
	for _, s := range specs {
		known[s.Name] = s
		values[s.Name] = s.Default
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := known[name]
		if !ok {
			return nil, types.ConfigError("strategy.build", "%s: unknown parameter %q", strategy, name)
		}
		v := overrides[name]
		if v < spec.Min || v > spec.Max {
			return nil, types.ConfigError("strategy.build", "%s: parameter %q=%g outside [%g, %g]",
				strategy, name, v, spec.Min, spec.Max)
		}
		values[name] = v
	}
	return values, nil
}

// base provides the behaviour shared by all strategies.
type base struct {
	name   string
	params map[string]float64
}

func (b *base) Name() string { return b.name }

func (b *base) param(name string) float64 { return b.params[name] }

func (b *base) copyParams() map[string]float64 {
	out := make(map[string]float64, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// CalculatePositionSize risks risk_fraction of the balance against the stop distance.
func (b *base) CalculatePositionSize(signal types.TradeSignal, account types.AccountState) decimal.Decimal {
	return sizing.RiskFraction(account, signal, b.param(ParamRiskFraction))
}

// RegimeFit returns the configured regime appropriateness.
func (b *base) RegimeFit(regime types.Regime) float64 {
	switch {
	case regime.IsTrending():
		return b.param(ParamFitTrending)
	case regime.IsRanging():
		return b.param(ParamFitRanging)
	case regime == types.RegimeTransition:
		return b.param(ParamFitTransition)
	default:
		return 0
	}
}

// newSignal builds a signal with an ATR stop and a reward/risk target.
func (b *base) newSignal(window PriceWindow, regime types.RegimeReading, params Parameters,
	dir types.Direction, atr, strength float64) (types.TradeSignal, bool) {
	last, ok := window.Last()
	if !ok || atr <= 0 {
		return types.TradeSignal{}, false
	}

	entry := last.Close
	stopDist := decimal.NewFromFloat(params.Get(ParamStopATR, 2) * atr)
	if !stopDist.IsPositive() {
		return types.TradeSignal{}, false
	}
	sign := decimal.NewFromInt(dir.Sign())
	stop := entry.Sub(stopDist.Mul(sign))
	target := entry.Add(stopDist.Mul(decimal.NewFromFloat(params.Get(ParamRewardRisk, 2))).Mul(sign))
	if !stop.IsPositive() {
		return types.TradeSignal{}, false
	}

	return types.TradeSignal{
		ID:          fmt.Sprintf("%s-%s-%d-%s", b.name, window.Instrument, last.Timestamp.Unix(), dir),
		Instrument:  window.Instrument,
		Direction:   dir,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Strength:    clampUnit(strength),
		StrategyID:  b.name,
		Regime:      regime.Regime,
		GeneratedAt: last.Timestamp,
		Metadata:    map[string]any{"atr": atr},
	}, true
}

// checkCommon validates fields every strategy relies on and returns the fill-time price.
func (b *base) checkCommon(signal types.TradeSignal, window PriceWindow) (decimal.Decimal, bool) {
	last, ok := window.Last()
	if !ok || signal.Instrument != window.Instrument || signal.StrategyID != b.name {
		return decimal.Zero, false
	}
	if signal.Strength < 0 || signal.Strength > 1 || !signal.Entry.IsPositive() {
		return decimal.Zero, false
	}
	price := last.Close
	switch signal.Direction {
	case types.DirectionLong:
		if !signal.Stop.LessThan(signal.Entry) || !price.GreaterThan(signal.Stop) {
			return decimal.Zero, false
		}
	case types.DirectionShort:
		if !signal.Stop.GreaterThan(signal.Entry) || !price.LessThan(signal.Stop) {
			return decimal.Zero, false
		}
	default:
		return decimal.Zero, false
	}
	return price, true
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
