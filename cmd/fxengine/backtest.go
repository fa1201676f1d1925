package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/backtester"
	"github.com/atlas-desktop/fx-regime-engine/internal/data"
	"github.com/atlas-desktop/fx-regime-engine/internal/journal"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/internal/workers"
)

var backtestFlags struct {
	parallel    bool
	walkForward bool
	windowDays  int
	stepDays    int
	output      string
	seed        int64
	start       string
	end         string
	noRisk      bool
}

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run an event-driven backtest over the configured period",
	RunE:  runBacktest,
}

func init() {
	f := backtestCmd.Flags()
	f.BoolVar(&backtestFlags.parallel, "parallel", false, "Run one independent backtest per strategy on the worker pool")
	f.BoolVar(&backtestFlags.walkForward, "walk-forward", false, "Also run walk-forward analysis and grade viability")
	f.IntVar(&backtestFlags.windowDays, "window-days", 30, "Walk-forward in-sample window length in days")
	f.IntVar(&backtestFlags.stepDays, "step-days", 7, "Walk-forward step (and out-of-sample length) in days")
	f.StringVarP(&backtestFlags.output, "output", "o", "", "Write the full result as JSON to this file")
	f.Int64Var(&backtestFlags.seed, "seed", 0, "Override backtest.seed")
	f.StringVar(&backtestFlags.start, "start", "", "Override backtest.start (YYYY-MM-DD)")
	f.StringVar(&backtestFlags.end, "end", "", "Override backtest.end (YYYY-MM-DD)")
	f.BoolVar(&backtestFlags.noRisk, "no-risk", false, "Disable portfolio risk gating (baseline run)")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cmd.Flags().Changed("seed") {
		cfg.Backtest.Seed = backtestFlags.seed
	}
	if backtestFlags.start != "" {
		cfg.Backtest.Start = backtestFlags.start
	}
	if backtestFlags.end != "" {
		cfg.Backtest.End = backtestFlags.end
	}
	if backtestFlags.noRisk {
		cfg.Backtest.RiskGating = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, err := data.NewFeed(logger, cfg.Data, cfg.Timeframe)
	if err != nil {
		return err
	}
	if c, ok := feed.(io.Closer); ok {
		defer c.Close()
	}

	strategies, err := strategy.NewDefaultRegistry(logger).BuildAll(cfg.Strategies)
	if err != nil {
		return err
	}

	j, err := journal.Open(logger, cfg.Persistence)
	if err != nil {
		return err
	}
	defer j.Close()

	engine := backtester.NewEngine(logger, feed)
	engine.SetRecorder(journal.NewRecorder(logger, j))
	go logProgress(ctx, logger, engine.Progress())

	var results []*backtester.BacktestResult
	if backtestFlags.parallel {
		pool := workers.NewPool(logger, workers.DefaultPoolConfig("backtest"))
		pool.Start()
		defer pool.Stop()

		results, err = engine.RunParallel(ctx, pool, cfg, strategies)
	} else {
		var res *backtester.BacktestResult
		res, err = engine.Run(ctx, cfg, strategies)
		results = []*backtester.BacktestResult{res}
	}
	if err != nil {
		return err
	}

	var report *backtester.ViabilityReport
	var wf *backtester.WalkForwardResult
	if backtestFlags.walkForward {
		wf, err = backtester.NewWalkForwardAnalyzer(logger, feed).Run(ctx, cfg, strategies,
			backtestFlags.windowDays, backtestFlags.stepDays)
		if err != nil {
			return err
		}
		report = backtester.NewViabilityChecker(backtester.DefaultViabilityThresholds()).Check(results[0], wf)
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		printResult(out, res)
	}
	if report != nil {
		printViability(out, wf, report)
	}

	if backtestFlags.output != "" {
		return writeJSON(backtestFlags.output, backtestOutput{Results: results, WalkForward: wf, Viability: report})
	}
	return nil
}

type backtestOutput struct {
	Results     []*backtester.BacktestResult  `json:"results"`
	WalkForward *backtester.WalkForwardResult `json:"walkForward,omitempty"`
	Viability   *backtester.ViabilityReport   `json:"viability,omitempty"`
}

func logProgress(ctx context.Context, logger *zap.Logger, progress <-chan backtester.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-progress:
			if !ok {
				return
			}
			logger.Debug("Backtest progress",
				zap.String("run_id", p.RunID),
				zap.Uint64("bars", p.BarsProcessed),
				zap.Uint64("total", p.TotalBars),
				zap.String("equity", p.Equity.StringFixed(2)),
			)
		}
	}
}

func printResult(w io.Writer, res *backtester.BacktestResult) {
	m := res.Metrics
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\t(seed %d)\n", res.RunID, res.Seed)
	fmt.Fprintf(tw, "strategies\t%v\n", res.Strategies)
	fmt.Fprintf(tw, "period\t%s .. %s\n", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
	fmt.Fprintf(tw, "equity\t%s -> %s\n", res.InitialBalance.StringFixed(2), res.FinalEquity.StringFixed(2))
	fmt.Fprintf(tw, "trades\t%d\t(win rate %.1f%%, profit factor %.2f)\n", m.TotalTrades, m.WinRate*100, m.ProfitFactor)
	fmt.Fprintf(tw, "net pnl\t%s\t(costs %s)\n", m.NetPnL.StringFixed(2), m.TotalCosts.StringFixed(2))
	fmt.Fprintf(tw, "return\t%.2f%%\t(annualized %.2f%%)\n", m.TotalReturn*100, m.AnnualizedReturn*100)
	fmt.Fprintf(tw, "max drawdown\t%.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(tw, "sharpe / sortino / calmar\t%.2f / %.2f / %.2f\n", m.SharpeRatio, m.SortinoRatio, m.CalmarRatio)
	fmt.Fprintf(tw, "rejected signals\t%d\n", res.RejectedCount)
	for _, reason := range sortedKeys(res.RejectionReasons) {
		fmt.Fprintf(tw, "  %s\t%d\n", reason, res.RejectionReasons[reason])
	}
	fmt.Fprintf(tw, "emergency transitions\t%d\n", len(res.EmergencyTransitions))
	fmt.Fprintf(tw, "correlation events\t%d\n", len(res.CorrelationEvents))
	fmt.Fprintf(tw, "var breaches\t%d\n", res.VaRBreaches)
	for _, kind := range sortedKeys(res.DataIssues) {
		fmt.Fprintf(tw, "data issue %s\t%d\n", kind, res.DataIssues[kind])
	}
	if mc := res.MonteCarlo; mc != nil {
		fmt.Fprintf(tw, "monte carlo\t%d paths\t(P(loss) %.1f%%, P(ruin) %.1f%%)\n",
			mc.NumSimulations, mc.ProbabilityOfLoss*100, mc.ProbabilityOfRuin*100)
	}
	fmt.Fprintf(tw, "duration\t%s\t(%d bars)\n", res.Duration, res.BarsProcessed)
	fmt.Fprintln(tw)
	tw.Flush()
}

func printViability(w io.Writer, wf *backtester.WalkForwardResult, report *backtester.ViabilityReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "walk-forward windows\t%d\n", len(wf.Windows))
	fmt.Fprintf(tw, "robustness / consistency\t%.2f / %.2f\n", wf.Robustness, wf.Consistency)
	fmt.Fprintf(tw, "viability\t%s (%d/100)\tviable=%t\n", report.Grade, report.Score, report.IsViable)
	for _, issue := range report.Issues {
		fmt.Fprintf(tw, "  [%s]\t%s\n", issue.Severity, issue.Message)
	}
	for _, s := range report.Strengths {
		fmt.Fprintf(tw, "  +\t%s\n", s)
	}
	tw.Flush()
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
