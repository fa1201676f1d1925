package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// BollingerName is the registry name of the Bollinger band reversion strategy.
const BollingerName = "bollinger"

// Bollinger parameters.
const (
	ParamBandPeriod   = "band_period"
	ParamBandK        = "band_k"
	ParamHighVolKStep = "high_vol_k_step"
)

// BollingerSpecs lists the parameters and defaults.
func BollingerSpecs() []ParamSpec {
	return append([]ParamSpec{
		{Name: ParamBandPeriod, Description: "Band SMA period", Default: 20, Min: 5, Max: 200},
		{Name: ParamBandK, Description: "Band width in standard deviations", Default: 2, Min: 0.5, Max: 5},
		{Name: ParamHighVolKStep, Description: "Extra width in high-volatility regimes", Default: 0.5, Min: 0, Max: 3},
	}, commonSpecs(0.4, 1.0, 0.3)...)
}

// Bollinger fades closes outside the bands back toward the middle band.
type Bollinger struct {
	base
}

// NewBollinger creates the strategy from resolved parameters.
func NewBollinger(params map[string]float64) (*Bollinger, error) {
	values, err := resolveParams(BollingerName, BollingerSpecs(), params)
	if err != nil {
		return nil, err
	}
	return &Bollinger{base: base{name: BollingerName, params: values}}, nil
}

// GetRegimeParameters widens the bands in high-volatility regimes.
func (s *Bollinger) GetRegimeParameters(regime types.Regime) Parameters {
	values := s.copyParams()
	if regime.IsHighVol() {
		values[ParamBandK] += values[ParamHighVolKStep]
	}
	return Parameters{Active: regime.Tradable(), Values: values}
}

// GenerateSignals goes long below the lower band and short above the upper band, targeting the middle band.
// In trending regimes only signals in the trend direction are kept.
func (s *Bollinger) GenerateSignals(window PriceWindow, regime types.RegimeReading, params Parameters) []types.TradeSignal {
	if !params.Active || !regime.Regime.Tradable() {
		return nil
	}
	closes := types.Closes(window.Bars)
	b, ok := bollinger(int(params.Get(ParamBandPeriod, 20)), params.Get(ParamBandK, 2), closes)
	if !ok || b.upper <= b.lower {
		return nil
	}
	price := closes[len(closes)-1]

	var dir types.Direction
	var strength float64
	halfWidth := (b.upper - b.lower) / 2
	switch {
	case price < b.lower:
		dir = types.DirectionLong
		strength = 0.5 + (b.lower-price)/halfWidth
	case price > b.upper:
		dir = types.DirectionShort
		strength = 0.5 + (price-b.upper)/halfWidth
	default:
		return nil
	}

	if regime.Regime.IsTrending() {
		if (dir == types.DirectionLong && regime.Trend < 0) || (dir == types.DirectionShort && regime.Trend > 0) {
			return nil
		}
	}

	atr := lastATR(int(params.Get(ParamATRPeriod, 14)), window.Bars)
	signal, ok := s.newSignal(window, regime, params, dir, atr, strength)
	if !ok {
		return nil
	}
	signal.Target = decimal.NewFromFloat(b.middle)
	signal.Metadata["middle"] = b.middle
	signal.Metadata["upper"] = b.upper
	signal.Metadata["lower"] = b.lower
	return []types.TradeSignal{signal}
}

// ValidateSignal requires the fill price to still be on the entry side of the middle band.
func (s *Bollinger) ValidateSignal(signal types.TradeSignal, window PriceWindow) bool {
	price, ok := s.checkCommon(signal, window)
	if !ok {
		return false
	}
	if signal.Direction == types.DirectionLong {
		return price.LessThan(signal.Target)
	}
	return price.GreaterThan(signal.Target)
}
