package montecarlo

import (
	"errors"
	"math"
	"math/rand"
)

// ErrNotPositiveDefinite is returned when a covariance matrix cannot be factorised.
var ErrNotPositiveDefinite = errors.New("covariance matrix is not positive semi-definite")

// choleskyJitter is added to the diagonal of singular but valid covariance matrices.
const choleskyJitter = 1e-12

// Cholesky returns the lower-triangular L with L·Lᵀ = cov.
// Semi-definite matrices (perfectly correlated series) are factorised with a diagonal jitter.
func Cholesky(cov [][]float64) ([][]float64, error) {
	n := len(cov)
	for _, row := range cov {
		if len(row) != n {
			return nil, errors.New("covariance matrix is not square")
		}
	}

	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := cov[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					if sum < -1e-10*math.Max(1, math.Abs(cov[i][i])) {
						return nil, ErrNotPositiveDefinite
					}
					sum = choleskyJitter
				}
				l[i][i] = math.Sqrt(sum)
				continue
			}
			if l[j][j] == 0 {
				l[i][j] = 0
				continue
			}
			l[i][j] = sum / l[j][j]
		}
	}
	return l, nil
}

// PathGenerator draws correlated multivariate normal returns from a fixed seed.
type PathGenerator struct {
	rng   *rand.Rand
	means []float64
	chol  [][]float64
}

// NewPathGenerator factorises cov and seeds the generator.
func NewPathGenerator(seed int64, means []float64, cov [][]float64) (*PathGenerator, error) {
	if len(means) != len(cov) {
		return nil, errors.New("means and covariance dimensions differ")
	}
	chol, err := Cholesky(cov)
	if err != nil {
		return nil, err
	}
	return &PathGenerator{
		rng:   rand.New(rand.NewSource(seed)),
		means: means,
		chol:  chol,
	}, nil
}

// Next returns one correlated draw: means + L·z.
func (g *PathGenerator) Next() []float64 {
	n := len(g.means)
	z := make([]float64, n)
	for i := range z {
		z[i] = g.rng.NormFloat64()
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := g.means[i]
		for k := 0; k <= i; k++ {
			v += g.chol[i][k] * z[k]
		}
		out[i] = v
	}
	return out
}

// PortfolioReturns simulates paths horizon-day portfolio returns for the given weights.
// Daily draws are summed over the horizon.
func (g *PathGenerator) PortfolioReturns(weights []float64, paths, horizon int) []float64 {
	if horizon < 1 {
		horizon = 1
	}
	out := make([]float64, paths)
	for p := 0; p < paths; p++ {
		total := 0.0
		for h := 0; h < horizon; h++ {
			for i, r := range g.Next() {
				total += weights[i] * r
			}
		}
		out[p] = total
	}
	return out
}
