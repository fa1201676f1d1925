package strategy_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

func TestRegistryNames(t *testing.T) {
	r := strategy.NewDefaultRegistry(zap.NewNop())
	assert.Equal(t, []string{"bollinger", "ma_crossover", "rsi"}, r.Names())

	specs, ok := r.Specs(strategy.RSIName)
	require.True(t, ok)
	assert.NotEmpty(t, specs)
}

func TestRegistryBuildErrors(t *testing.T) {
	r := strategy.NewDefaultRegistry(zap.NewNop())

	tests := []struct {
		name     string
		strategy string
		params   map[string]float64
	}{
		{"unknown strategy", "martingale", nil},
		{"unknown parameter", strategy.RSIName, map[string]float64{"period": 9}},
		{"out of range", strategy.RSIName, map[string]float64{strategy.ParamOverbought: 120}},
		{"fast above slow", strategy.MACrossoverName, map[string]float64{strategy.ParamFastPeriod: 40}},
		{"oversold above overbought", strategy.RSIName, map[string]float64{strategy.ParamOversold: 50, strategy.ParamOverbought: 50}},
		{"risk fraction too large", strategy.BollingerName, map[string]float64{strategy.ParamRiskFraction: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Build(tt.strategy, tt.params)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.True(t, errors.Is(err, types.ErrConfiguration), "got %v", err)
		})
	}
}

func TestRegistryOverridesApply(t *testing.T) {
	r := strategy.NewDefaultRegistry(zap.NewNop())

	s, err := r.Build(strategy.MACrossoverName, map[string]float64{strategy.ParamFitTrending: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.9, s.RegimeFit(types.RegimeTrendingLowVol))
	assert.Equal(t, 10.0, s.GetRegimeParameters(types.RegimeTrendingLowVol).Get(strategy.ParamFastPeriod, 0))
}

func TestRegistryBuildAll(t *testing.T) {
	r := strategy.NewDefaultRegistry(zap.NewNop())

	all, err := r.BuildAll(types.DefaultConfig().Strategies)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, strategy.MACrossoverName, all[0].Name())

	_, err = r.BuildAll([]types.StrategySpec{{Name: "rsi"}, {Name: "rsi"}})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	r := strategy.NewDefaultRegistry(zap.NewNop())
	err := r.Register(strategy.RSIName, strategy.RSISpecs(), func(p map[string]float64) (strategy.Strategy, error) {
		return strategy.NewRSI(p)
	})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}
