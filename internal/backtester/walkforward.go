package backtester

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// WalkForwardWindow pairs an in-sample run with the out-of-sample run that follows it
type WalkForwardWindow struct {
	InSampleStart    time.Time `json:"inSampleStart"`
	InSampleEnd      time.Time `json:"inSampleEnd"`
	OutSampleStart   time.Time `json:"outSampleStart"`
	OutSampleEnd     time.Time `json:"outSampleEnd"`
	InSampleMetrics  *Metrics  `json:"inSampleMetrics"`
	OutSampleMetrics *Metrics  `json:"outSampleMetrics"`
}

// WalkForwardResult summarises every window
type WalkForwardResult struct {
	Windows []WalkForwardWindow `json:"windows"`
	// Robustness is the out-of-sample to in-sample return ratio, clamped to [0, 2].
	Robustness float64 `json:"robustness"`
	// Consistency is the fraction of out-of-sample windows that made money.
	Consistency float64 `json:"consistency"`
	// OutSampleSharpe is the mean out-of-sample Sharpe ratio.
	OutSampleSharpe float64 `json:"outSampleSharpe"`
}

// WalkForwardAnalyzer checks that a fixed strategy configuration keeps performing on data that
// follows the period it was judged on.
type WalkForwardAnalyzer struct {
	logger *zap.Logger
	source BarSource
}

// NewWalkForwardAnalyzer creates a new walk-forward analyzer
func NewWalkForwardAnalyzer(logger *zap.Logger, source BarSource) *WalkForwardAnalyzer {
	return &WalkForwardAnalyzer{logger: logger, source: source}
}

// Run performs walk-forward analysis over the configured backtest range. Windows are windowDays long,
// split 80/20 into in-sample and out-of-sample, and advance by stepDays.
func (wf *WalkForwardAnalyzer) Run(ctx context.Context, cfg *types.Config, strategies []strategy.Strategy,
	windowDays, stepDays int) (*WalkForwardResult, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	if stepDays <= 0 {
		stepDays = 7
	}

	start, end, err := cfg.Backtest.Range()
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "backtest.walkforward", "", err)
	}
	windows := generateWindows(start, end, windowDays, stepDays)
	if len(windows) == 0 {
		return nil, types.ConfigError("backtest.walkforward", "range %s..%s is shorter than one %d day window",
			cfg.Backtest.Start, cfg.Backtest.End, windowDays)
	}

	wf.logger.Info("Starting walk-forward analysis",
		zap.Int("windows", len(windows)),
		zap.Int("window_days", windowDays),
		zap.Int("step_days", stepDays),
	)

	result := &WalkForwardResult{}
	for i, w := range windows {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		in, err := wf.runPeriod(ctx, cfg, strategies, w.InSampleStart, w.InSampleEnd)
		if err != nil {
			wf.logger.Warn("In-sample backtest failed", zap.Int("window", i), zap.Error(err))
			continue
		}
		out, err := wf.runPeriod(ctx, cfg, strategies, w.OutSampleStart, w.OutSampleEnd)
		if err != nil {
			wf.logger.Warn("Out-of-sample backtest failed", zap.Int("window", i), zap.Error(err))
			continue
		}

		w.InSampleMetrics = in.Metrics
		w.OutSampleMetrics = out.Metrics
		result.Windows = append(result.Windows, w)

		wf.logger.Debug("Window completed",
			zap.Int("window", i),
			zap.Float64("in_sample_return", in.Metrics.TotalReturn),
			zap.Float64("out_sample_return", out.Metrics.TotalReturn),
		)
	}
	if len(result.Windows) == 0 {
		return nil, fmt.Errorf("every walk-forward window failed")
	}

	var inSum, outSum, sharpeSum float64
	profitable := 0
	for _, w := range result.Windows {
		inSum += w.InSampleMetrics.TotalReturn
		outSum += w.OutSampleMetrics.TotalReturn
		sharpeSum += w.OutSampleMetrics.SharpeRatio
		if w.OutSampleMetrics.TotalReturn > 0 {
			profitable++
		}
	}
	n := float64(len(result.Windows))
	result.Consistency = float64(profitable) / n
	result.OutSampleSharpe = sharpeSum / n
	if inSum != 0 {
		result.Robustness = min(max(outSum/inSum, 0), 2)
	}

	wf.logger.Info("Walk-forward analysis complete",
		zap.Float64("robustness", result.Robustness),
		zap.Float64("consistency", result.Consistency),
	)
	return result, nil
}

// runPeriod backtests one sub-range on a fresh engine. Monte Carlo is skipped for sub-ranges.
func (wf *WalkForwardAnalyzer) runPeriod(ctx context.Context, cfg *types.Config, strategies []strategy.Strategy,
	start, end time.Time) (*BacktestResult, error) {
	period := *cfg
	period.Backtest.Start = start.Format(time.DateOnly)
	period.Backtest.End = end.Format(time.DateOnly)
	period.Backtest.MonteCarloRuns = 0
	return NewEngine(wf.logger, wf.source).Run(ctx, &period, strategies)
}

// generateWindows lays windows of windowDays end to end every stepDays. Sample boundaries fall on whole
// days; the out-of-sample period starts the day after the in-sample one ends.
func generateWindows(start, end time.Time, windowDays, stepDays int) []WalkForwardWindow {
	inDays := max(windowDays*4/5, 1)

	var windows []WalkForwardWindow
	for current := start; !current.AddDate(0, 0, windowDays-1).After(end); current = current.AddDate(0, 0, stepDays) {
		windows = append(windows, WalkForwardWindow{
			InSampleStart:  current,
			InSampleEnd:    current.AddDate(0, 0, inDays-1),
			OutSampleStart: current.AddDate(0, 0, inDays),
			OutSampleEnd:   current.AddDate(0, 0, windowDays-1),
		})
	}
	return windows
}
