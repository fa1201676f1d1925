package strategy

import (
	"math"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// MACrossoverName is the registry name of the moving-average crossover strategy.
const MACrossoverName = "ma_crossover"

// MA crossover parameters.
const (
	ParamFastPeriod = "fast_period"
	ParamSlowPeriod = "slow_period"
)

// MACrossoverSpecs lists the parameters and defaults.
func MACrossoverSpecs() []ParamSpec {
	return append([]ParamSpec{
		{Name: ParamFastPeriod, Description: "Fast SMA period", Default: 10, Min: 2, Max: 200},
		{Name: ParamSlowPeriod, Description: "Slow SMA period", Default: 30, Min: 3, Max: 500},
	}, commonSpecs(0.7, 0, 0)...)
}

// MACrossover trades fast/slow SMA crossings and stands aside outside trending regimes.
type MACrossover struct {
	base
}

// NewMACrossover creates the strategy from resolved parameters.
func NewMACrossover(params map[string]float64) (*MACrossover, error) {
	values, err := resolveParams(MACrossoverName, MACrossoverSpecs(), params)
	if err != nil {
		return nil, err
	}
	if values[ParamFastPeriod] >= values[ParamSlowPeriod] {
		return nil, types.ConfigError("strategy.build", "%s: fast_period must be below slow_period", MACrossoverName)
	}
	return &MACrossover{base: base{name: MACrossoverName, params: values}}, nil
}

// GetRegimeParameters disables the strategy in ranging, transition and uncertain regimes.
func (s *MACrossover) GetRegimeParameters(regime types.Regime) Parameters {
	return Parameters{Active: regime.IsTrending(), Values: s.copyParams()}
}

// GenerateSignals emits a signal when the fast SMA crosses the slow SMA on the last bar.
func (s *MACrossover) GenerateSignals(window PriceWindow, regime types.RegimeReading, params Parameters) []types.TradeSignal {
	if !params.Active || !regime.Regime.Tradable() {
		return nil
	}
	fastPeriod := int(params.Get(ParamFastPeriod, 10))
	slowPeriod := int(params.Get(ParamSlowPeriod, 30))

	closes := types.Closes(window.Bars)
	fastPrev, fastCur, ok := smaPair(fastPeriod, closes)
	if !ok {
		return nil
	}
	slowPrev, slowCur, ok := smaPair(slowPeriod, closes)
	if !ok {
		return nil
	}

	var dir types.Direction
	switch {
	case fastPrev <= slowPrev && fastCur > slowCur:
		dir = types.DirectionLong
	case fastPrev >= slowPrev && fastCur < slowCur:
		dir = types.DirectionShort
	default:
		return nil
	}

	atr := lastATR(int(params.Get(ParamATRPeriod, 14)), window.Bars)
	if atr <= 0 {
		return nil
	}
	strength := 0.5 + math.Abs(fastCur-slowCur)/atr

	signal, ok := s.newSignal(window, regime, params, dir, atr, strength)
	if !ok {
		return nil
	}
	signal.Metadata["fast_sma"] = fastCur
	signal.Metadata["slow_sma"] = slowCur
	return []types.TradeSignal{signal}
}

// ValidateSignal checks that the fast/slow relation still matches the direction at fill time.
func (s *MACrossover) ValidateSignal(signal types.TradeSignal, window PriceWindow) bool {
	if _, ok := s.checkCommon(signal, window); !ok {
		return false
	}
	closes := types.Closes(window.Bars)
	_, fast, ok := smaPair(int(s.param(ParamFastPeriod)), closes)
	if !ok {
		return false
	}
	_, slow, ok := smaPair(int(s.param(ParamSlowPeriod)), closes)
	if !ok {
		return false
	}
	if signal.Direction == types.DirectionLong {
		return fast > slow
	}
	return fast < slow
}
