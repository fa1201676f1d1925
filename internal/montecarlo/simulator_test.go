package montecarlo_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/montecarlo"
)

func TestRunSimulationDeterministic(t *testing.T) {
	pnl := []float64{500, -200, 300, -400, 250, -100, 600, -350, 150, 50}
	cfg := montecarlo.DefaultSimulatorConfig()
	cfg.NumSimulations = 200
	cfg.Seed = 7

	a := montecarlo.NewSimulator(zap.NewNop(), cfg).RunSimulation(pnl, decimal.NewFromInt(100000))
	b := montecarlo.NewSimulator(zap.NewNop(), cfg).RunSimulation(pnl, decimal.NewFromInt(100000))

	assert.Equal(t, a.MaxDrawdown, b.MaxDrawdown)
	assert.Equal(t, a.FinalEquity, b.FinalEquity)
	assert.Equal(t, 200, a.NumSimulations)
}

func TestPermutationPreservesFinalEquity(t *testing.T) {
	pnl := []float64{500, -200, 300, -400, 250}
	cfg := montecarlo.DefaultSimulatorConfig()
	cfg.NumSimulations = 50

	res := montecarlo.NewSimulator(zap.NewNop(), cfg).RunSimulation(pnl, decimal.NewFromInt(10000))

	// Without replacement every ordering sums to the same P&L.
	assert.InDelta(t, 10450, res.FinalEquity.Min, 1e-6)
	assert.InDelta(t, 10450, res.FinalEquity.Max, 1e-6)
	assert.GreaterOrEqual(t, res.MaxDrawdown.Max, res.MaxDrawdown.Min)
	assert.Equal(t, 0.0, res.ProbabilityOfLoss)
	assert.Contains(t, res.MaxDrawdown.Percentiles, "p95")
}

func TestRunSimulationNoTrades(t *testing.T) {
	res := montecarlo.NewSimulator(zap.NewNop(), nil).RunSimulation(nil, decimal.NewFromInt(1000))
	assert.Nil(t, res.FinalEquity)
	assert.True(t, res.Original.FinalEquity.Equal(decimal.NewFromInt(1000)))
}

func TestCholesky(t *testing.T) {
	cov := [][]float64{
		{4, 2},
		{2, 3},
	}
	l, err := montecarlo.Cholesky(cov)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			sum := 0.0
			for k := 0; k < 2; k++ {
				sum += l[i][k] * l[j][k]
			}
			assert.InDelta(t, cov[i][j], sum, 1e-12)
		}
	}
	assert.Equal(t, 0.0, l[0][1])

	// Perfectly correlated series are semi-definite.
	_, err = montecarlo.Cholesky([][]float64{{1, 1}, {1, 1}})
	assert.NoError(t, err)

	_, err = montecarlo.Cholesky([][]float64{{1, 2}, {2, 1}})
	assert.ErrorIs(t, err, montecarlo.ErrNotPositiveDefinite)
}

func TestPathGeneratorCorrelation(t *testing.T) {
	cov := [][]float64{
		{1e-4, 0.8e-4},
		{0.8e-4, 1e-4},
	}
	g, err := montecarlo.NewPathGenerator(42, []float64{0, 0}, cov)
	require.NoError(t, err)

	const n = 20000
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		d := g.Next()
		sxy += d[0] * d[1]
		sxx += d[0] * d[0]
		syy += d[1] * d[1]
	}
	rho := sxy / math.Sqrt(sxx*syy)
	assert.InDelta(t, 0.8, rho, 0.03)

	again, err := montecarlo.NewPathGenerator(42, []float64{0, 0}, cov)
	require.NoError(t, err)
	g2, _ := montecarlo.NewPathGenerator(42, []float64{0, 0}, cov)
	assert.Equal(t, again.PortfolioReturns([]float64{1, -1}, 10, 1), g2.PortfolioReturns([]float64{1, -1}, 10, 1))
}
