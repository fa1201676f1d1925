package strategy

import (
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// RSIName is the registry name of the RSI reversal strategy.
const RSIName = "rsi"

// RSI parameters.
const (
	ParamOverbought    = "overbought"
	ParamOversold      = "oversold"
	ParamTrendWidening = "trend_widening"
)

// RSISpecs lists the parameters and defaults.
func RSISpecs() []ParamSpec {
	return append([]ParamSpec{
		{Name: ParamOverbought, Description: "Overbought level", Default: 70, Min: 50, Max: 95},
		{Name: ParamOversold, Description: "Oversold level", Default: 30, Min: 5, Max: 50},
		{Name: ParamTrendWidening, Description: "Band widening in trending regimes", Default: 10, Min: 0, Max: 20},
	}, commonSpecs(0.8, 1.0, 0.3)...)
}

// RSI fades exits from overbought/oversold territory on a 14-period RSI.
type RSI struct {
	base
}

// NewRSI creates the strategy from resolved parameters.
func NewRSI(params map[string]float64) (*RSI, error) {
	values, err := resolveParams(RSIName, RSISpecs(), params)
	if err != nil {
		return nil, err
	}
	if values[ParamOversold] >= values[ParamOverbought] {
		return nil, types.ConfigError("strategy.build", "%s: oversold must be below overbought", RSIName)
	}
	return &RSI{base: base{name: RSIName, params: values}}, nil
}

// GetRegimeParameters widens the bands in trending regimes to reduce false reversals.
func (s *RSI) GetRegimeParameters(regime types.Regime) Parameters {
	values := s.copyParams()
	if regime.IsTrending() {
		w := values[ParamTrendWidening]
		values[ParamOverbought] = min(values[ParamOverbought]+w, 99)
		values[ParamOversold] = max(values[ParamOversold]-w, 1)
	}
	return Parameters{Active: regime.Tradable(), Values: values}
}

// GenerateSignals goes long when RSI crosses back above oversold and short when it crosses back below overbought.
func (s *RSI) GenerateSignals(window PriceWindow, regime types.RegimeReading, params Parameters) []types.TradeSignal {
	if !params.Active || !regime.Regime.Tradable() {
		return nil
	}
	overbought := params.Get(ParamOverbought, 70)
	oversold := params.Get(ParamOversold, 30)

	prev, cur, ok := rsiPair(types.Closes(window.Bars))
	if !ok {
		return nil
	}

	var dir types.Direction
	var strength float64
	switch {
	case prev < oversold && cur >= oversold:
		dir = types.DirectionLong
		strength = 0.5 + (oversold-prev)/oversold
	case prev > overbought && cur <= overbought:
		dir = types.DirectionShort
		strength = 0.5 + (prev-overbought)/(100-overbought)
	default:
		return nil
	}

	atr := lastATR(int(params.Get(ParamATRPeriod, 14)), window.Bars)
	signal, ok := s.newSignal(window, regime, params, dir, atr, strength)
	if !ok {
		return nil
	}
	signal.Metadata["rsi"] = cur
	signal.Metadata["overbought"] = overbought
	signal.Metadata["oversold"] = oversold
	return []types.TradeSignal{signal}
}

// ValidateSignal rejects the fill when RSI has already reached the opposite extreme or price breached the stop.
func (s *RSI) ValidateSignal(signal types.TradeSignal, window PriceWindow) bool {
	if _, ok := s.checkCommon(signal, window); !ok {
		return false
	}
	_, cur, ok := rsiPair(types.Closes(window.Bars))
	if !ok {
		return false
	}
	overbought := s.param(ParamOverbought)
	oversold := s.param(ParamOversold)
	if v, ok := signal.Metadata["overbought"].(float64); ok {
		overbought = v
	}
	if v, ok := signal.Metadata["oversold"].(float64); ok {
		oversold = v
	}
	if signal.Direction == types.DirectionLong {
		return cur < overbought
	}
	return cur > oversold
}
