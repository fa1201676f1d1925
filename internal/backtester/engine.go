// Package backtester replays historical bars through the regime detector, the strategies and the
// portfolio risk stack in strict timestamp order.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/backtester/events"
	"github.com/atlas-desktop/fx-regime-engine/internal/data"
	"github.com/atlas-desktop/fx-regime-engine/internal/execution"
	"github.com/atlas-desktop/fx-regime-engine/internal/montecarlo"
	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/internal/regime"
	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/internal/workers"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// minWindow is the least history kept per instrument, whatever the configured lookbacks.
const minWindow = 300

// BarSource loads historical bars
type BarSource interface {
	GetHistoricalBars(ctx context.Context, instrument string, timeframe types.Timeframe, start, end time.Time) ([]types.MarketBar, error)
}

// Recorder receives the audit trail of a run as it happens.
type Recorder interface {
	RecordTrade(ctx context.Context, trade types.Trade)
	RecordRejection(ctx context.Context, rejection types.RejectedSignal)
	RecordRisk(ctx context.Context, report *portfolio.RiskReport)
}

type nopRecorder struct{}

func (nopRecorder) RecordTrade(context.Context, types.Trade)              {}
func (nopRecorder) RecordRejection(context.Context, types.RejectedSignal) {}
func (nopRecorder) RecordRisk(context.Context, *portfolio.RiskReport)     {}

type multiRecorder []Recorder

// MultiRecorder fans every record out to rs in order.
func MultiRecorder(rs ...Recorder) Recorder {
	return multiRecorder(rs)
}

func (m multiRecorder) RecordTrade(ctx context.Context, trade types.Trade) {
	for _, r := range m {
		r.RecordTrade(ctx, trade)
	}
}

func (m multiRecorder) RecordRejection(ctx context.Context, rejection types.RejectedSignal) {
	for _, r := range m {
		r.RecordRejection(ctx, rejection)
	}
}

func (m multiRecorder) RecordRisk(ctx context.Context, report *portfolio.RiskReport) {
	for _, r := range m {
		r.RecordRisk(ctx, report)
	}
}

// Progress reports how far a run has got
type Progress struct {
	RunID         string          `json:"runId"`
	BarsProcessed uint64          `json:"barsProcessed"`
	TotalBars     uint64          `json:"totalBars"`
	At            time.Time       `json:"at"`
	Equity        decimal.Decimal `json:"equity"`
}

// BacktestResult is the full output of one run
type BacktestResult struct {
	RunID          string          `json:"runId"`
	Seed           int64           `json:"seed"`
	Strategies     []string        `json:"strategies"`
	Instruments    []string        `json:"instruments"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	FinalEquity    decimal.Decimal `json:"finalEquity"`
	RiskGating     bool            `json:"riskGating"`

	Trades            []types.Trade                    `json:"trades"`
	RejectedCount     int                              `json:"rejectedCount"`
	RejectionReasons  map[string]int                   `json:"rejectionReasons"`
	Segments          map[string][]types.RegimeSegment `json:"segments"`
	RegimeBreakdown   map[types.Regime]TradeStats      `json:"regimeBreakdown"`
	StrategyBreakdown map[string]TradeStats            `json:"strategyBreakdown"`
	Metrics           *Metrics                         `json:"metrics"`
	EquityCurve       []types.EquityCurvePoint         `json:"equityCurve"`

	EmergencyTransitions []types.EmergencyTransition `json:"emergencyTransitions"`
	CorrelationEvents    []risk.CorrelationEvent     `json:"correlationEvents"`
	VaRBreaches          int                         `json:"varBreaches"`
	DataIssues           map[string]int              `json:"dataIssues"`

	MonteCarlo    *montecarlo.SimulationResult `json:"monteCarlo,omitempty"`
	BarsProcessed uint64                       `json:"barsProcessed"`
	Duration      time.Duration                `json:"duration"`
}

// Engine is the event-driven backtesting engine. A single engine runs one backtest at a time; RunParallel
// runs independent backtests side by side, each with its own state.
type Engine struct {
	logger   *zap.Logger
	source   BarSource
	recorder Recorder

	running         atomic.Bool
	eventsProcessed atomic.Uint64
	progressChan    chan Progress
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger, source BarSource) *Engine {
	return &Engine{
		logger:       logger,
		source:       source,
		recorder:     nopRecorder{},
		progressChan: make(chan Progress, 100),
	}
}

// SetRecorder routes trades, rejections and risk reports to r.
func (e *Engine) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	e.recorder = r
}

// Progress returns the progress channel. Updates are dropped when nobody reads them.
func (e *Engine) Progress() <-chan Progress {
	return e.progressChan
}

// EventsProcessed returns the number of bars replayed since the engine was created.
func (e *Engine) EventsProcessed() uint64 {
	return e.eventsProcessed.Load()
}

// Run executes a backtest of the given strategies over every configured instrument.
func (e *Engine) Run(ctx context.Context, cfg *types.Config, strategies []strategy.Strategy) (*BacktestResult, error) {
	if e.running.Swap(true) {
		return nil, fmt.Errorf("backtest already running")
	}
	defer e.running.Store(false)

	return e.run(ctx, cfg, strategies)
}

// RunParallel runs one independent backtest per strategy on the pool. Results follow the strategy order.
func (e *Engine) RunParallel(ctx context.Context, pool *workers.Pool, cfg *types.Config,
	strategies []strategy.Strategy) ([]*BacktestResult, error) {
	if e.running.Swap(true) {
		return nil, fmt.Errorf("backtest already running")
	}
	defer e.running.Store(false)

	results := make([]*BacktestResult, len(strategies))
	fns := make([]func(context.Context) error, len(strategies))
	for i, s := range strategies {
		i, s := i, s
		fns[i] = func(ctx context.Context) error {
			res, err := e.run(ctx, cfg, []strategy.Strategy{s})
			if err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			results[i] = res
			return nil
		}
	}

	if errs := pool.RunAll(ctx, fns...); errs != nil {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

// pendingOrder is a signal waiting for the next bar of its instrument
type pendingOrder struct {
	signal   types.TradeSignal
	strategy strategy.Strategy
	units    decimal.Decimal
	mult     float64
	window   []types.MarketBar
}

// session holds the mutable state of one run
type session struct {
	ctx      context.Context
	logger   *zap.Logger
	cfg      *types.Config
	recorder Recorder

	strategies  []strategy.Strategy
	quality     *data.QualityChecker
	detector    *regime.Detector
	sim         *execution.Simulator
	positions   *execution.PositionManager
	tracker     *execution.TradeTracker
	manager     *portfolio.Manager
	windowLimit int

	windows    map[string][]types.MarketBar
	lastPrices map[string]decimal.Decimal
	pending    map[string][]pendingOrder
	result     *BacktestResult
}

func (e *Engine) run(ctx context.Context, cfg *types.Config, strategies []strategy.Strategy) (*BacktestResult, error) {
	const op = "backtest.run"
	startTime := time.Now()

	if len(strategies) == 0 {
		return nil, types.ConfigError(op, "no strategies to run")
	}
	start, end, err := cfg.Backtest.Range()
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, op, "", err)
	}
	end = end.Add(24*time.Hour - time.Second)

	sim, err := execution.NewSimulator(e.logger, cfg.Execution, cfg.Account.Currency)
	if err != nil {
		return nil, err
	}
	ids := utils.NewIDGenerator(cfg.Backtest.Seed)
	positions := execution.NewPositionManager(e.logger, cfg.Positions, sim, ids)

	s := &session{
		ctx:         ctx,
		logger:      e.logger,
		cfg:         cfg,
		recorder:    e.recorder,
		strategies:  strategies,
		quality:     data.NewQualityChecker(e.logger, cfg.Data, cfg.Timeframe),
		detector:    regime.NewDetector(e.logger, cfg.Regime),
		sim:         sim,
		positions:   positions,
		tracker:     execution.NewTradeTracker(e.logger),
		manager:     portfolio.NewManager(e.logger, cfg, positions),
		windowLimit: WindowLimit(cfg),
		windows:     make(map[string][]types.MarketBar),
		lastPrices:  make(map[string]decimal.Decimal),
		pending:     make(map[string][]pendingOrder),
		result: &BacktestResult{
			RunID:             utils.NewRunID(),
			Seed:              cfg.Backtest.Seed,
			Instruments:       append([]string(nil), cfg.Instruments...),
			Start:             start,
			End:               end,
			InitialBalance:    decimal.NewFromFloat(cfg.Account.InitialBalance),
			RiskGating:        cfg.Backtest.RiskGating,
			Segments:          make(map[string][]types.RegimeSegment),
			RegimeBreakdown:   make(map[types.Regime]TradeStats),
			StrategyBreakdown: make(map[string]TradeStats),
			DataIssues:        make(map[string]int),
		},
	}
	for _, st := range strategies {
		s.result.Strategies = append(s.result.Strategies, st.Name())
	}

	queue := events.NewEventQueue()
	total, err := e.load(ctx, cfg, start, end, queue)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Starting backtest",
		zap.String("run_id", s.result.RunID),
		zap.Int64("seed", cfg.Backtest.Seed),
		zap.Strings("strategies", s.result.Strategies),
		zap.Strings("instruments", cfg.Instruments),
		zap.Bool("risk_gating", cfg.Backtest.RiskGating),
		zap.Uint64("total_bars", total),
	)

	var processed uint64
	var step int
	for queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch := queue.PopBatch()
		at := batch[0].GetTimestamp()
		var updated []string
		for _, ev := range batch {
			bev, ok := ev.(*events.BarEvent)
			if !ok {
				continue
			}
			processed++
			e.eventsProcessed.Add(1)
			if s.onBar(bev.Bar) {
				updated = append(updated, bev.Bar.Instrument)
			}
		}
		if len(updated) == 0 {
			continue
		}

		s.manager.Mark(at)
		if cfg.Backtest.RiskGating && step%cfg.Backtest.RiskEveryBars == 0 {
			s.evaluateRisk(at)
		}
		step++
		s.generate(at, updated)
		s.manager.Publish(at, s.detector.Snapshot())

		if processed%5000 < uint64(len(batch)) {
			e.sendProgress(Progress{
				RunID:         s.result.RunID,
				BarsProcessed: processed,
				TotalBars:     total,
				At:            at,
				Equity:        s.manager.Ledger().Equity(),
			})
		}
	}

	s.finish()
	s.result.BarsProcessed = processed
	s.result.Duration = time.Since(startTime)

	if runs := cfg.Backtest.MonteCarloRuns; runs > 0 && len(s.result.Trades) > 0 {
		mcCfg := montecarlo.DefaultSimulatorConfig()
		mcCfg.NumSimulations = runs
		mcCfg.Seed = cfg.Backtest.Seed
		pnl := make([]float64, len(s.result.Trades))
		for i, t := range s.result.Trades {
			pnl[i] = t.NetPnL.InexactFloat64()
		}
		s.result.MonteCarlo = montecarlo.NewSimulator(e.logger, mcCfg).RunSimulation(pnl, s.result.InitialBalance)
	}

	e.logger.Info("Backtest completed",
		zap.String("run_id", s.result.RunID),
		zap.Duration("duration", s.result.Duration),
		zap.Uint64("bars", processed),
		zap.Int("trades", len(s.result.Trades)),
		zap.Int("rejected", s.result.RejectedCount),
		zap.String("final_equity", s.result.FinalEquity.StringFixed(2)),
		zap.Float64("max_drawdown", s.result.Metrics.MaxDrawdown),
	)
	return s.result, nil
}

// load queues every bar of every instrument. Bar priority is the instrument's configured position, so
// bars sharing a timestamp replay in a fixed order.
func (e *Engine) load(ctx context.Context, cfg *types.Config, start, end time.Time, queue *events.EventQueue) (uint64, error) {
	var total uint64
	for i, inst := range cfg.Instruments {
		bars, err := e.source.GetHistoricalBars(ctx, inst, cfg.Timeframe, start, end)
		if err != nil {
			return 0, fmt.Errorf("failed to load %s: %w", inst, err)
		}
		for _, bar := range bars {
			queue.Push(events.NewBarEvent(bar, i))
		}
		total += uint64(len(bars))
		e.logger.Debug("Loaded instrument", zap.String("instrument", inst), zap.Int("bars", len(bars)))
	}
	if total == 0 {
		return 0, types.DataQualityError("backtest.load", "no bars between %s and %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return total, nil
}

func (e *Engine) sendProgress(p Progress) {
	select {
	case e.progressChan <- p:
	default:
	}
}

// WindowLimit is the history needed by the longest lookback in the configuration.
func WindowLimit(cfg *types.Config) int {
	return max(minWindow, cfg.Regime.Window, cfg.VaR.Window+1, cfg.Correlation.Window+1,
		cfg.Emergency.StressBaselineWindow+cfg.Emergency.StressShortWindow+1)
}

// onBar runs data quality, fills, exits and the regime update for one bar. It reports whether the bar
// was accepted.
func (s *session) onBar(bar types.MarketBar) bool {
	issues, ok := s.quality.Check(bar)
	for _, issue := range issues {
		s.result.DataIssues[issue.Type]++
	}
	if !ok {
		return false
	}

	inst := bar.Instrument
	s.fillPending(bar)

	window := append(s.windows[inst], bar)
	if len(window) >= 2*s.windowLimit {
		window = append([]types.MarketBar(nil), window[len(window)-s.windowLimit:]...)
	}
	s.windows[inst] = window
	s.lastPrices[inst] = bar.Close

	current, _ := s.detector.Current(inst)
	s.positions.MarkToMarket(bar)
	if trades := s.positions.CheckExits(bar, current.Regime, execution.ATR(tail(window, 64))); len(trades) > 0 {
		s.book(trades)
	}

	s.detector.Update(inst, tail(window, s.cfg.Regime.Window))
	return true
}

// fillPending executes the orders queued for this bar's instrument at its open.
func (s *session) fillPending(bar types.MarketBar) {
	orders := s.pending[bar.Instrument]
	if len(orders) == 0 {
		return
	}
	delete(s.pending, bar.Instrument)

	for _, o := range orders {
		if s.cfg.Backtest.RiskGating && !s.manager.Emergency().AcceptNewSignals() {
			s.reject(o.signal, types.RejectEmergency, bar.Timestamp)
			continue
		}
		window := strategy.PriceWindow{Instrument: bar.Instrument, Bars: o.window}
		fill, err := s.sim.Fill(o.strategy, o.signal, o.units, window, bar)
		if err != nil {
			s.reject(o.signal, types.ReasonOf(err), bar.Timestamp)
			continue
		}
		fill.RiskMultiplier = o.mult
		if _, err := s.positions.Open(fill); err != nil {
			s.reject(o.signal, types.ReasonOf(err), bar.Timestamp)
		}
	}
}

func (s *session) book(trades []types.Trade) {
	s.manager.Realize(trades...)
	s.tracker.RecordTrade(trades...)
	for _, t := range trades {
		s.recorder.RecordTrade(s.ctx, t)
	}
}

func (s *session) reject(signal types.TradeSignal, reason string, at time.Time) {
	rej := s.tracker.RecordRejection(signal, reason, at)
	s.recorder.RecordRejection(s.ctx, rej)
}

func (s *session) evaluateRisk(at time.Time) {
	in := portfolio.RiskInputs{
		At:      at,
		Closes:  make(map[string][]float64, len(s.windows)),
		Prices:  s.lastPrices,
		Regimes: s.regimes(),
	}
	for inst, window := range s.windows {
		in.Closes[inst] = types.Closes(tail(window, s.windowLimit))
	}

	report := s.manager.EvaluateRisk(in)
	if report.Transition != nil {
		s.result.EmergencyTransitions = append(s.result.EmergencyTransitions, *report.Transition)
	}
	s.result.CorrelationEvents = append(s.result.CorrelationEvents, report.CorrelationEvents...)
	if report.VaR != nil && report.VaR.Breach {
		s.result.VaRBreaches++
	}
	if len(report.Trades) > 0 {
		// EvaluateRisk already realised the reductions in the ledger.
		s.tracker.RecordTrade(report.Trades...)
		for _, t := range report.Trades {
			s.recorder.RecordTrade(s.ctx, t)
		}
	}
	s.recorder.RecordRisk(s.ctx, &report)
}

// generate asks every strategy for signals on the instruments that printed a bar at this timestamp.
func (s *session) generate(at time.Time, instruments []string) {
	var candidates []portfolio.Candidate
	for _, inst := range instruments {
		window := s.windows[inst]
		reading, ok := s.detector.Current(inst)
		if !ok {
			continue
		}
		pw := strategy.PriceWindow{Instrument: inst, Bars: window}

		for _, st := range s.strategies {
			if s.busy(inst, st.Name()) {
				continue
			}
			params := st.GetRegimeParameters(reading.Regime)
			if !params.Active {
				continue
			}
			for _, sig := range st.GenerateSignals(pw, reading, params) {
				if err := s.positions.CanOpen(inst, st.Name()); err != nil {
					s.reject(sig, types.ReasonOf(err), at)
					continue
				}
				candidates = append(candidates, portfolio.Candidate{Signal: sig, Strategy: st})
			}
		}
	}
	if len(candidates) == 0 {
		return
	}

	if !s.cfg.Backtest.RiskGating {
		account := s.manager.Ledger().Account()
		for _, c := range candidates {
			if s.busy(c.Signal.Instrument, c.Strategy.Name()) {
				s.reject(c.Signal, types.RejectDuplicate, at)
				continue
			}
			s.queue(c.Signal, c.Strategy, c.Strategy.CalculatePositionSize(c.Signal, account), 1)
		}
		return
	}

	for _, d := range s.manager.Coordinate(candidates) {
		if !d.Accepted {
			s.reject(d.Signal, d.Reason, at)
			continue
		}
		s.queue(d.Signal, d.Strategy, d.Units, d.Multiplier)
	}
}

// busy reports whether a strategy already holds or awaits a position on an instrument.
func (s *session) busy(instrument, strategyID string) bool {
	if _, ok := s.positions.Position(instrument, strategyID); ok {
		return true
	}
	for _, o := range s.pending[instrument] {
		if o.signal.StrategyID == strategyID {
			return true
		}
	}
	return false
}

func (s *session) queue(signal types.TradeSignal, st strategy.Strategy, units decimal.Decimal, mult float64) {
	window := s.windows[signal.Instrument]
	s.pending[signal.Instrument] = append(s.pending[signal.Instrument], pendingOrder{
		signal:   signal,
		strategy: st,
		units:    units,
		mult:     mult,
		window:   window[:len(window):len(window)],
	})
}

func (s *session) regimes() map[string]types.Regime {
	out := make(map[string]types.Regime, len(s.windows))
	for inst, r := range s.detector.Snapshot() {
		out[inst] = r.Regime
	}
	return out
}

// finish closes what is still open and assembles the result.
func (s *session) finish() {
	var last time.Time
	for _, window := range s.windows {
		if n := len(window); n > 0 && window[n-1].Timestamp.After(last) {
			last = window[n-1].Timestamp
		}
	}
	if s.cfg.Backtest.CloseAtEnd && s.positions.Count() > 0 {
		if trades := s.positions.CloseAll(s.lastPrices, last, types.ExitEndOfData, s.regimes()); len(trades) > 0 {
			s.book(trades)
		}
	}
	if !last.IsZero() {
		s.manager.Mark(last)
	}

	r := s.result
	ledger := s.manager.Ledger()
	r.Trades = s.tracker.Trades()
	r.EquityCurve = ledger.Curve()
	r.FinalEquity = ledger.Equity()
	r.RejectionReasons = s.tracker.RejectionCounts()
	for _, n := range r.RejectionReasons {
		r.RejectedCount += n
	}

	calc := NewMetricsCalculator(s.cfg.Timeframe)
	r.Metrics = calc.Calculate(r.Trades, r.EquityCurve, r.InitialBalance)

	byRegime := make(map[types.Regime][]types.Trade)
	byStrategy := make(map[string][]types.Trade)
	for _, t := range r.Trades {
		byRegime[t.RegimeAtEntry] = append(byRegime[t.RegimeAtEntry], t)
		byStrategy[t.StrategyID] = append(byStrategy[t.StrategyID], t)
	}
	for reg, trades := range byRegime {
		r.RegimeBreakdown[reg] = calc.Stats(trades)
	}
	for name, trades := range byStrategy {
		r.StrategyBreakdown[name] = calc.Stats(trades)
	}

	instruments := make([]string, 0, len(s.windows))
	for inst := range s.windows {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)
	for _, inst := range instruments {
		r.Segments[inst] = s.detector.Segments(inst)
	}
}

func tail(bars []types.MarketBar, n int) []types.MarketBar {
	if n <= 0 || len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}
