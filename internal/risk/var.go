package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/montecarlo"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// VaRMonitor estimates portfolio Value-at-Risk with three methods and keeps all of them.
// A breach is declared when any method exceeds the daily target.
type VaRMonitor struct {
	logger *zap.Logger
	config types.VaRConfig

	mu   sync.RWMutex
	last *types.VaRSet
}

// NewVaRMonitor creates a VaR monitor.
func NewVaRMonitor(logger *zap.Logger, config types.VaRConfig) *VaRMonitor {
	return &VaRMonitor{logger: logger, config: config}
}

// Evaluate estimates VaR for the given exposure weights (signed notional / equity per instrument)
// from aligned per-instrument return histories. Every instrument in returns must carry at least
// MinObservations returns, otherwise the set is unavailable and a RiskUnavailable error is returned.
func (vm *VaRMonitor) Evaluate(weights map[string]float64, returns map[string][]float64,
	equity decimal.Decimal, at time.Time) (*types.VaRSet, error) {
	const op = "risk.var"

	set := &types.VaRSet{Target: vm.config.DailyTarget, At: at}

	instruments := make([]string, 0, len(returns))
	for inst := range returns {
		instruments = append(instruments, inst)
	}
	for inst := range weights {
		if _, ok := returns[inst]; !ok && weights[inst] != 0 {
			instruments = append(instruments, inst)
		}
	}
	sort.Strings(instruments)

	obs := math.MaxInt
	for _, inst := range instruments {
		obs = min(obs, len(returns[inst]))
	}
	if len(instruments) == 0 {
		obs = 0
	}
	obs = min(obs, vm.config.Window)
	set.Observations = obs

	if obs < vm.config.MinObservations {
		set.Reason = "insufficient return history"
		vm.publish(set)
		vm.logger.Warn("VaR unavailable",
			zap.Int("observations", obs),
			zap.Int("required", vm.config.MinObservations),
		)
		return set, types.RiskUnavailableError(op, "%d observations, need %d", obs, vm.config.MinObservations)
	}

	series := make([][]float64, len(instruments))
	w := make([]float64, len(instruments))
	for i, inst := range instruments {
		r := returns[inst]
		series[i] = r[len(r)-obs:]
		w[i] = weights[inst]
	}

	hist := vm.historical(series, w)
	param := vm.parametric(series, w)
	mc, err := vm.monteCarlo(series, w)
	if err != nil {
		set.Reason = err.Error()
		vm.publish(set)
		return set, types.NewError(types.KindRiskUnavailable, op, "monte carlo", err)
	}

	eq := equity.InexactFloat64()
	for _, r := range []struct {
		method types.VaRMethod
		value  float64
	}{
		{types.VaRHistorical, hist},
		{types.VaRParametric, param},
		{types.VaRMonteCarlo, mc},
	} {
		set.Results = append(set.Results, types.VaRResult{
			Method:     r.method,
			Confidence: vm.config.Confidence,
			Horizon:    vm.config.HorizonDays,
			Value:      r.value,
			Amount:     decimal.NewFromFloat(r.value * eq).Round(2),
		})
	}
	set.Available = true
	set.Breach = len(set.Breaching()) > 0
	vm.publish(set)

	if set.Breach {
		vm.logger.Warn("VaR breach",
			zap.Float64("historical", hist),
			zap.Float64("parametric", param),
			zap.Float64("monte_carlo", mc),
			zap.Float64("target", vm.config.DailyTarget),
		)
	}
	return set, nil
}

func portfolioSeries(series [][]float64, w []float64) []float64 {
	if len(series) == 0 {
		return nil
	}
	out := make([]float64, len(series[0]))
	for t := range out {
		for i := range series {
			out[t] += w[i] * series[i][t]
		}
	}
	return out
}

func (vm *VaRMonitor) horizonScale() float64 {
	return math.Sqrt(float64(max(vm.config.HorizonDays, 1)))
}

// historical takes the empirical loss percentile of the hypothetical portfolio returns.
func (vm *VaRMonitor) historical(series [][]float64, w []float64) float64 {
	p := portfolioSeries(series, w)
	q := utils.Percentile(p, 1-vm.config.Confidence)
	return math.Max(0, -q*vm.horizonScale())
}

// parametric is z_α × σ_p × √h with σ_p from the sample covariance.
func (vm *VaRMonitor) parametric(series [][]float64, w []float64) float64 {
	cov := covarianceMatrix(series)
	variance := 0.0
	for i := range w {
		for j := range w {
			variance += w[i] * w[j] * cov[i][j]
		}
	}
	if variance <= 0 {
		return 0
	}
	return utils.NormInv(vm.config.Confidence) * math.Sqrt(variance) * vm.horizonScale()
}

// monteCarlo draws correlated paths from the sample covariance with a fixed seed.
func (vm *VaRMonitor) monteCarlo(series [][]float64, w []float64) (float64, error) {
	means := make([]float64, len(series))
	for i, s := range series {
		means[i] = utils.Mean(s)
	}
	gen, err := montecarlo.NewPathGenerator(vm.config.Seed, means, covarianceMatrix(series))
	if err != nil {
		return 0, err
	}
	sims := gen.PortfolioReturns(w, vm.config.MonteCarloPaths, max(vm.config.HorizonDays, 1))
	return math.Max(0, -utils.Percentile(sims, 1-vm.config.Confidence)), nil
}

func covarianceMatrix(series [][]float64) [][]float64 {
	n := len(series)
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := utils.Covariance(series[i], series[j])
			cov[i][j], cov[j][i] = c, c
		}
	}
	return cov
}

func (vm *VaRMonitor) publish(set *types.VaRSet) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.last = set
}

// Last returns the most recent evaluation, nil before the first.
func (vm *VaRMonitor) Last() *types.VaRSet {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.last
}
