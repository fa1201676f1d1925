package risk_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

func newCorrelation() *risk.CorrelationManager {
	return risk.NewCorrelationManager(zap.NewNop(), types.DefaultConfig().Correlation)
}

// randomWalks builds closes driven by a shared factor with per-instrument loadings.
func randomWalks(seed int64, n int, loadings map[string]float64) map[string][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make(map[string][]float64, len(loadings))
	for name := range loadings {
		out[name] = []float64{1.0}
	}
	names := []string{"AUD_USD", "EUR_USD", "GBP_USD", "NZD_USD", "USD_JPY"}
	for i := 0; i < n; i++ {
		common := rng.NormFloat64()
		for _, name := range names {
			load, ok := loadings[name]
			if !ok {
				continue
			}
			r := 0.001 * (load*common + math.Sqrt(1-load*load)*rng.NormFloat64())
			series := out[name]
			out[name] = append(series, series[len(series)-1]*math.Exp(r))
		}
	}
	return out
}

func TestCorrelationMatrixProperties(t *testing.T) {
	cm := newCorrelation()

	for seed := int64(1); seed <= 20; seed++ {
		closes := randomWalks(seed, 80, map[string]float64{
			"EUR_USD": 0.9, "GBP_USD": 0.8, "AUD_USD": 0.3, "NZD_USD": -0.5,
		})
		m, err := cm.Compute(closes, t0)
		require.NoError(t, err)

		assert.Equal(t, []string{"AUD_USD", "EUR_USD", "GBP_USD", "NZD_USD"}, m.Instruments)
		assert.Equal(t, 60, m.Window)
		for i := range m.Values {
			assert.Equal(t, 1.0, m.Values[i][i])
			for j := range m.Values {
				assert.Equal(t, m.Values[i][j], m.Values[j][i])
				assert.LessOrEqual(t, math.Abs(m.Values[i][j]), 1.0)
			}
		}
	}
}

func TestCorrelationDetectsCommonFactor(t *testing.T) {
	closes := randomWalks(9, 61, map[string]float64{"EUR_USD": 0.95, "GBP_USD": 0.95})
	m, err := newCorrelation().Compute(closes, t0)
	require.NoError(t, err)

	rho, ok := m.Get("EUR_USD", "GBP_USD")
	require.True(t, ok)
	assert.Greater(t, rho, 0.7)
}

func TestCorrelationInsufficientHistory(t *testing.T) {
	closes := randomWalks(1, 30, map[string]float64{"EUR_USD": 0.5, "GBP_USD": 0.5})
	_, err := newCorrelation().Compute(closes, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRiskUnavailable))
}

func matrix(audNzd float64) *types.CorrelationMatrix {
	return &types.CorrelationMatrix{
		Instruments: []string{"AUD_USD", "EUR_USD", "NZD_USD"},
		Values: [][]float64{
			{1, 0.20, audNzd},
			{0.20, 1, 0.10},
			{audNzd, 0.10, 1},
		},
		Window: 60,
		At:     t0,
	}
}

func TestAUDNZDCorrelationScenario(t *testing.T) {
	cm := newCorrelation()

	assert.Empty(t, cm.Apply(matrix(0.30)))

	events := cm.Apply(matrix(0.36))
	require.Len(t, events, 1)
	assert.Equal(t, risk.CorrelationWarning, events[0].Kind)
	assert.Equal(t, types.NewPair("NZD_USD", "AUD_USD"), events[0].Pair)
	assert.Empty(t, cm.Reductions())

	events = cm.Apply(matrix(0.42))
	require.Len(t, events, 1)
	assert.Equal(t, risk.CorrelationBreach, events[0].Kind)
	assert.Equal(t, 0.40, events[0].Level)
	// AUD_USD carries the higher mean |ρ| against the other instruments.
	assert.Equal(t, "AUD_USD", events[0].Reduce)
	assert.Equal(t, 0.5, events[0].Factor)
	assert.Equal(t, map[string]float64{"AUD_USD": 0.5}, cm.Reductions())

	// Staying above the levels does not re-alert.
	assert.Empty(t, cm.Apply(matrix(0.45)))

	// Falling back re-arms both levels; a jump straight through fires both.
	assert.Empty(t, cm.Apply(matrix(0.30)))
	assert.Empty(t, cm.Reductions())
	events = cm.Apply(matrix(0.42))
	require.Len(t, events, 2)
	assert.Equal(t, risk.CorrelationWarning, events[0].Kind)
	assert.Equal(t, risk.CorrelationBreach, events[1].Kind)
}

func TestCorrelationNegativeBreachUsesMagnitude(t *testing.T) {
	cm := newCorrelation()
	events := cm.Apply(matrix(-0.5))
	require.Len(t, events, 2)
	assert.Equal(t, -0.5, events[1].Correlation)
}

func TestCorrelationTieBreakByName(t *testing.T) {
	cm := newCorrelation()
	m := &types.CorrelationMatrix{
		Instruments: []string{"AUD_USD", "NZD_USD"},
		Values:      [][]float64{{1, 0.5}, {0.5, 1}},
		Window:      60,
		At:          t0,
	}
	events := cm.Apply(m)
	require.Len(t, events, 2)
	assert.Equal(t, "AUD_USD", events[1].Reduce)
	assert.Same(t, m, cm.Matrix())
}
