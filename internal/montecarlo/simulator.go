// Package montecarlo provides seeded Monte Carlo simulation.
// Trade-shuffle robustness for backtest results and correlated return paths for Monte Carlo VaR.
package montecarlo

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Simulator performs Monte Carlo simulations
type Simulator struct {
	logger *zap.Logger
	config *SimulatorConfig
}

// SimulatorConfig configures the simulator
type SimulatorConfig struct {
	NumSimulations   int       // Number of Monte Carlo runs
	Seed             int64     // Base seed; run i uses Seed+i
	ConfidenceLevels []float64 // Percentiles to report
	ParallelWorkers  int       // Number of parallel workers
	AllowReplacement bool      // Bootstrap with replacement instead of permuting
	RuinFraction     float64   // Final equity below initial × RuinFraction counts as ruin
}

// DefaultSimulatorConfig returns sensible defaults
func DefaultSimulatorConfig() *SimulatorConfig {
	return &SimulatorConfig{
		NumSimulations:   1000,
		Seed:             1,
		ConfidenceLevels: []float64{0.05, 0.25, 0.50, 0.75, 0.95},
		ParallelWorkers:  4,
		AllowReplacement: false,
		RuinFraction:     0.5,
	}
}

// NewSimulator creates a new Monte Carlo simulator
func NewSimulator(logger *zap.Logger, config *SimulatorConfig) *Simulator {
	if config == nil {
		config = DefaultSimulatorConfig()
	}
	if config.ParallelWorkers < 1 {
		config.ParallelWorkers = 1
	}
	return &Simulator{
		logger: logger,
		config: config,
	}
}

// SimulationResult contains Monte Carlo simulation results
type SimulationResult struct {
	NumSimulations int               `json:"numSimulations"`
	Seed           int64             `json:"seed"`
	Original       *EquityCurveStats `json:"original"`

	FinalEquity *Distribution `json:"finalEquity"`
	MaxDrawdown *Distribution `json:"maxDrawdown"`
	SharpeRatio *Distribution `json:"sharpeRatio"`

	WorstCase         *EquityCurveStats `json:"worstCase"`
	BestCase          *EquityCurveStats `json:"bestCase"`
	ProbabilityOfRuin float64           `json:"probabilityOfRuin"`
	ProbabilityOfLoss float64           `json:"probabilityOfLoss"`
}

// Distribution represents a statistical distribution
type Distribution struct {
	Mean        float64            `json:"mean"`
	Median      float64            `json:"median"`
	StdDev      float64            `json:"stdDev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// EquityCurveStats contains equity curve statistics for one trade ordering
type EquityCurveStats struct {
	FinalEquity decimal.Decimal `json:"finalEquity"`
	MaxDrawdown float64         `json:"maxDrawdown"`
	TotalReturn float64         `json:"totalReturn"`
	SharpeRatio float64         `json:"sharpeRatio"` // per trade, not annualized
	NumTrades   int             `json:"numTrades"`
}

// RunSimulation reorders the trade P&L sequence NumSimulations times and reports the spread of outcomes.
// pnl holds net P&L per trade in account currency. Results depend only on the inputs and the seed.
func (s *Simulator) RunSimulation(pnl []float64, initialCapital decimal.Decimal) *SimulationResult {
	s.logger.Info("Starting Monte Carlo simulation",
		zap.Int("num_simulations", s.config.NumSimulations),
		zap.Int("num_trades", len(pnl)),
		zap.Int64("seed", s.config.Seed),
	)

	initial := initialCapital.InexactFloat64()
	result := &SimulationResult{
		NumSimulations: s.config.NumSimulations,
		Seed:           s.config.Seed,
		Original:       equityStats(pnl, initial),
	}
	if s.config.NumSimulations < 1 || len(pnl) == 0 {
		return result
	}

	runs := s.runParallel(pnl, initial)

	finals := make([]float64, len(runs))
	drawdowns := make([]float64, len(runs))
	sharpes := make([]float64, len(runs))
	ruined, lost := 0, 0
	for i, r := range runs {
		finals[i] = r.FinalEquity.InexactFloat64()
		drawdowns[i] = r.MaxDrawdown
		sharpes[i] = r.SharpeRatio
		if finals[i] < initial*s.config.RuinFraction {
			ruined++
		}
		if finals[i] < initial {
			lost++
		}
	}

	result.FinalEquity = s.distribution(finals)
	result.MaxDrawdown = s.distribution(drawdowns)
	result.SharpeRatio = s.distribution(sharpes)
	result.WorstCase, result.BestCase = extremes(runs)
	result.ProbabilityOfRuin = float64(ruined) / float64(len(runs))
	result.ProbabilityOfLoss = float64(lost) / float64(len(runs))

	s.logger.Info("Monte Carlo simulation complete",
		zap.Float64("median_max_drawdown", result.MaxDrawdown.Median),
		zap.Float64("probability_of_loss", result.ProbabilityOfLoss),
	)
	return result
}

// runParallel fans runs out to workers. Each run owns its RNG so scheduling cannot change results.
func (s *Simulator) runParallel(pnl []float64, initial float64) []*EquityCurveStats {
	results := make([]*EquityCurveStats, s.config.NumSimulations)

	jobs := make(chan int, s.config.NumSimulations)
	var wg sync.WaitGroup
	for w := 0; w < s.config.ParallelWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				rng := rand.New(rand.NewSource(s.config.Seed + int64(idx)))
				results[idx] = equityStats(s.resample(pnl, rng), initial)
			}
		}()
	}
	for i := 0; i < s.config.NumSimulations; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (s *Simulator) resample(pnl []float64, rng *rand.Rand) []float64 {
	n := len(pnl)
	out := make([]float64, n)
	if s.config.AllowReplacement {
		for i := range out {
			out[i] = pnl[rng.Intn(n)]
		}
		return out
	}
	for i, idx := range rng.Perm(n) {
		out[i] = pnl[idx]
	}
	return out
}

func equityStats(pnl []float64, initial float64) *EquityCurveStats {
	stats := &EquityCurveStats{
		FinalEquity: decimal.NewFromFloat(initial),
		NumTrades:   len(pnl),
	}
	if len(pnl) == 0 || initial <= 0 {
		return stats
	}

	equity, peak, maxDD := initial, initial, 0.0
	returns := make([]float64, len(pnl))
	for i, p := range pnl {
		if equity != 0 {
			returns[i] = p / equity
		}
		equity += p
		if equity > peak {
			peak = equity
		} else if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}

	stats.FinalEquity = decimal.NewFromFloat(equity)
	stats.MaxDrawdown = maxDD
	stats.TotalReturn = (equity - initial) / initial

	mean, sd := meanStd(returns)
	if sd > 0 {
		stats.SharpeRatio = mean / sd
	}
	return stats
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}

func (s *Simulator) distribution(values []float64) *Distribution {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean, sd := meanStd(values)
	dist := &Distribution{
		Mean:        mean,
		Median:      sorted[len(sorted)/2],
		StdDev:      sd,
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(s.config.ConfidenceLevels)),
	}
	for _, p := range s.config.ConfidenceLevels {
		idx := int(p * float64(len(sorted)-1))
		dist.Percentiles[fmt.Sprintf("p%02d", int(math.Round(p*100)))] = sorted[idx]
	}
	return dist
}

func extremes(runs []*EquityCurveStats) (worst, best *EquityCurveStats) {
	for _, r := range runs {
		if worst == nil || r.TotalReturn < worst.TotalReturn {
			worst = r
		}
		if best == nil || r.TotalReturn > best.TotalReturn {
			best = r
		}
	}
	return worst, best
}
