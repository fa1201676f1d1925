// Package live runs the paper-trading cycle: quotes, regimes, portfolio risk, coordination, execution and
// a published portfolio snapshot, once per interval.
package live

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/backtester"
	"github.com/atlas-desktop/fx-regime-engine/internal/data"
	"github.com/atlas-desktop/fx-regime-engine/internal/execution"
	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/internal/regime"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/internal/workers"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// atrBars is the history handed to the ATR used for slippage and exits.
const atrBars = 64

// Observer is called after every published cycle with the cycle's wall-clock duration.
type Observer func(state *types.PortfolioState, took time.Duration)

// Option configures a Runner
type Option func(*Runner)

// WithPool measures correlation and VaR concurrently on p. Without a pool they run one after the other.
func WithPool(p *workers.Pool) Option {
	return func(r *Runner) { r.pool = p }
}

// WithRecorder routes trades, rejections and risk reports to rec.
func WithRecorder(rec backtester.Recorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithObserver registers fn to run after each published cycle.
func WithObserver(fn Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, fn) }
}

// WithClock replaces time.Now as the cycle clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner is the live cycle loop. Cycles never overlap; readers only see snapshots published at the end
// of a complete cycle.
type Runner struct {
	logger     *zap.Logger
	cfg        *types.Config
	feed       data.DataFeed
	strategies []strategy.Strategy
	pool       *workers.Pool
	recorder   backtester.Recorder
	observers  []Observer
	now        func() time.Time

	quality   *data.QualityChecker
	detector  *regime.Detector
	sim       *execution.Simulator
	positions *execution.PositionManager
	tracker   *execution.TradeTracker
	manager   *portfolio.Manager

	// cycle state, guarded by mu
	mu              sync.Mutex
	windowLimit     int
	windows         map[string][]types.MarketBar
	lastQuotes      map[string]types.MarketBar
	lastCorrelation time.Time
	warmedUp        bool

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	cycles      atomic.Uint64
	staleQuotes atomic.Uint64
}

// NewRunner creates a live runner over feed for the given strategies.
func NewRunner(logger *zap.Logger, cfg *types.Config, feed data.DataFeed, strategies []strategy.Strategy,
	opts ...Option) (*Runner, error) {
	if len(strategies) == 0 {
		return nil, types.ConfigError("live.new", "no strategies to run")
	}
	if cfg.Live.Interval <= 0 {
		return nil, types.ConfigError("live.new", "live.interval must be positive")
	}

	sim, err := execution.NewSimulator(logger, cfg.Execution, cfg.Account.Currency)
	if err != nil {
		return nil, err
	}
	positions := execution.NewPositionManager(logger, cfg.Positions, sim, utils.NewIDGenerator(cfg.Live.Seed))

	r := &Runner{
		logger:      logger,
		cfg:         cfg,
		feed:        feed,
		strategies:  strategies,
		recorder:    backtester.MultiRecorder(),
		now:         time.Now,
		quality:     data.NewQualityChecker(logger, cfg.Data, cfg.Timeframe),
		detector:    regime.NewDetector(logger, cfg.Regime),
		sim:         sim,
		positions:   positions,
		tracker:     execution.NewTradeTracker(logger),
		manager:     portfolio.NewManager(logger, cfg, positions),
		windowLimit: backtester.WindowLimit(cfg),
		windows:     make(map[string][]types.MarketBar),
		lastQuotes:  make(map[string]types.MarketBar),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Warmup loads live.history_bars of history per instrument so regimes, correlation and VaR have data
// before the first cycle. No signals are generated from history.
func (r *Runner) Warmup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warmedUp {
		return nil
	}

	end := r.now().UTC()
	// Weekends carry no bars, so reach back 7/5 of the requested span.
	span := time.Duration(r.cfg.Live.HistoryBars) * r.cfg.Timeframe.Duration() * 7 / 5
	start := end.Add(-span)

	for _, inst := range r.cfg.Instruments {
		bars, err := r.feed.GetHistoricalBars(ctx, inst, r.cfg.Timeframe, start, end)
		if err != nil {
			return fmt.Errorf("failed to load history for %s: %w", inst, err)
		}
		for _, bar := range bars {
			if _, ok := r.quality.Check(bar); !ok {
				continue
			}
			r.appendBar(bar)
			r.detector.Update(inst, tail(r.windows[inst], r.cfg.Regime.Window))
		}
		r.logger.Info("Loaded live history",
			zap.String("instrument", inst),
			zap.Int("bars", len(bars)),
		)
	}
	r.warmedUp = true
	return nil
}

// Run warms up and then runs a cycle every live.interval until ctx is done or Stop is called. A cycle in
// progress always completes first.
func (r *Runner) Run(ctx context.Context) error {
	if r.running.Swap(true) {
		return fmt.Errorf("live runner already running")
	}
	defer r.running.Store(false)

	if err := r.Warmup(ctx); err != nil {
		return err
	}

	r.logger.Info("Starting live loop",
		zap.Strings("instruments", r.cfg.Instruments),
		zap.Duration("interval", r.cfg.Live.Interval),
		zap.Int("strategies", len(r.strategies)),
	)

	ticker := time.NewTicker(r.cfg.Live.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Live loop stopped", zap.Uint64("cycles", r.cycles.Load()))
			return nil
		default:
		}

		if _, err := r.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("Live cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Info("Live loop stopped", zap.Uint64("cycles", r.cycles.Load()))
			return nil
		case <-ticker.C:
		}
	}
}

// Stop halts the loop after the current cycle.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunCycle runs one complete cycle and publishes its snapshot. When ctx ends part way through, nothing
// is published.
func (r *Runner) RunCycle(ctx context.Context) (*types.PortfolioState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	at := r.now().UTC()

	// 1. Quotes, fills of stops and targets, regimes
	updated := r.refreshQuotes(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.manager.Mark(at)

	// 2. Portfolio risk
	r.evaluateRisk(ctx, at)

	// 3. Coordinate and execute
	r.generate(ctx, at, updated)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 4. Publish
	r.manager.Mark(at)
	state := r.manager.Publish(at, r.detector.Snapshot())
	r.cycles.Add(1)

	took := time.Since(started)
	for _, fn := range r.observers {
		fn(state, took)
	}
	r.logger.Debug("Live cycle completed",
		zap.Uint64("cycle", state.Cycle),
		zap.Int("updated", len(updated)),
		zap.Int("positions", len(state.Positions)),
		zap.String("equity", state.Equity.StringFixed(2)),
		zap.Duration("took", took),
	)
	return state, nil
}

// refreshQuotes fetches the latest bar per instrument. A failed or slow quote leaves the instrument on
// its last good quote for this cycle. It returns the instruments that printed a new bar.
func (r *Runner) refreshQuotes(ctx context.Context) []string {
	var updated []string
	for _, inst := range r.cfg.Instruments {
		bar, err := r.quote(ctx, inst)
		if err != nil {
			r.staleQuotes.Add(1)
			last, ok := r.lastQuotes[inst]
			fields := []zap.Field{zap.String("instrument", inst), zap.Error(err)}
			if ok {
				fields = append(fields, zap.Time("last_good", last.Timestamp))
			}
			r.logger.Warn("Quote unavailable, keeping last good quote", fields...)
			continue
		}
		if last, ok := r.lastQuotes[inst]; ok && !bar.Timestamp.After(last.Timestamp) {
			continue
		}
		if _, ok := r.quality.Check(bar); !ok {
			continue
		}

		r.appendBar(bar)
		current, _ := r.detector.Current(inst)
		r.positions.MarkToMarket(bar)
		if trades := r.positions.CheckExits(bar, current.Regime, execution.ATR(tail(r.windows[inst], atrBars))); len(trades) > 0 {
			r.book(ctx, trades)
		}
		r.detector.Update(inst, tail(r.windows[inst], r.cfg.Regime.Window))
		updated = append(updated, inst)
	}
	return updated
}

func (r *Runner) quote(ctx context.Context, instrument string) (types.MarketBar, error) {
	if r.cfg.Live.FeedTimeout <= 0 {
		return r.feed.GetLatestQuote(ctx, instrument)
	}
	qctx, cancel := context.WithTimeout(ctx, r.cfg.Live.FeedTimeout)
	defer cancel()
	return r.feed.GetLatestQuote(qctx, instrument)
}

func (r *Runner) appendBar(bar types.MarketBar) {
	inst := bar.Instrument
	window := append(r.windows[inst], bar)
	if len(window) >= 2*r.windowLimit {
		window = append([]types.MarketBar(nil), window[len(window)-r.windowLimit:]...)
	}
	r.windows[inst] = window
	r.lastQuotes[inst] = bar
}

// evaluateRisk measures correlation (every correlation.recompute_interval) and VaR side by side, then
// applies them in a fixed order.
func (r *Runner) evaluateRisk(ctx context.Context, at time.Time) {
	in := portfolio.RiskInputs{
		At:      at,
		Closes:  make(map[string][]float64, len(r.windows)),
		Prices:  r.prices(),
		Regimes: r.regimes(),
	}
	for inst, window := range r.windows {
		in.Closes[inst] = types.Closes(tail(window, r.windowLimit))
	}

	var report portfolio.RiskReport
	measures := []func(context.Context) error{
		func(context.Context) error {
			report.VaR, report.VaRErr = r.manager.MeasureVaR(in)
			return nil
		},
	}
	correlationDue := r.lastCorrelation.IsZero() || at.Sub(r.lastCorrelation) >= r.cfg.Correlation.RecomputeInterval
	if correlationDue {
		measures = append(measures, func(context.Context) error {
			report.Correlation, report.CorrelationEvents, report.CorrelationErr = r.manager.MeasureCorrelation(in)
			return nil
		})
		r.lastCorrelation = at
	}
	r.runAll(ctx, measures)

	r.manager.ApplyRisk(in, &report)
	if report.Transition != nil {
		r.logger.Warn("Emergency level changed",
			zap.String("from", report.Transition.From.String()),
			zap.String("to", report.Transition.To.String()),
			zap.String("cause", report.Transition.Cause),
		)
	}
	if len(report.Trades) > 0 {
		r.tracker.RecordTrade(report.Trades...)
		for _, t := range report.Trades {
			r.recorder.RecordTrade(ctx, t)
		}
	}
	r.recorder.RecordRisk(ctx, &report)
}

func (r *Runner) runAll(ctx context.Context, fns []func(context.Context) error) {
	if r.pool == nil || !r.pool.IsRunning() {
		for _, fn := range fns {
			_ = fn(ctx)
		}
		return
	}
	for _, err := range r.pool.RunAll(ctx, fns...) {
		if err != nil {
			r.logger.Error("Risk measurement failed", zap.Error(err))
		}
	}
}

// generate collects signals for the instruments that printed a bar, coordinates them and fills the
// accepted ones at the latest close.
func (r *Runner) generate(ctx context.Context, at time.Time, instruments []string) {
	var candidates []portfolio.Candidate
	for _, inst := range instruments {
		reading, ok := r.detector.Current(inst)
		if !ok {
			continue
		}
		pw := strategy.PriceWindow{Instrument: inst, Bars: r.windows[inst]}
		for _, st := range r.strategies {
			if _, held := r.positions.Position(inst, st.Name()); held {
				continue
			}
			params := st.GetRegimeParameters(reading.Regime)
			if !params.Active {
				continue
			}
			for _, sig := range st.GenerateSignals(pw, reading, params) {
				if err := r.positions.CanOpen(inst, st.Name()); err != nil {
					r.reject(ctx, sig, types.ReasonOf(err), at)
					continue
				}
				candidates = append(candidates, portfolio.Candidate{Signal: sig, Strategy: st})
			}
		}
	}
	if len(candidates) == 0 {
		return
	}

	for _, d := range r.manager.Coordinate(candidates) {
		if !d.Accepted {
			r.reject(ctx, d.Signal, d.Reason, at)
			continue
		}
		r.execute(ctx, d, at)
	}
}

func (r *Runner) execute(ctx context.Context, d portfolio.Decision, at time.Time) {
	inst := d.Signal.Instrument
	window := strategy.PriceWindow{Instrument: inst, Bars: r.windows[inst]}
	if !d.Strategy.ValidateSignal(d.Signal, window) {
		r.reject(ctx, d.Signal, types.RejectValidation, at)
		return
	}
	quote := r.lastQuotes[inst]
	fill := r.sim.FillAt(d.Signal, d.Units, quote.Close, at, execution.ATR(tail(window.Bars, atrBars)))
	fill.RiskMultiplier = d.Multiplier
	pos, err := r.positions.Open(fill)
	if err != nil {
		r.reject(ctx, d.Signal, types.ReasonOf(err), at)
		return
	}
	r.logger.Info("Opened position",
		zap.String("position", pos.ID),
		zap.String("instrument", inst),
		zap.String("strategy", pos.StrategyID),
		zap.String("direction", string(pos.Direction)),
		zap.String("units", pos.Units.String()),
		zap.String("price", pos.EntryPrice.String()),
	)
}

func (r *Runner) book(ctx context.Context, trades []types.Trade) {
	r.manager.Realize(trades...)
	r.tracker.RecordTrade(trades...)
	for _, t := range trades {
		r.recorder.RecordTrade(ctx, t)
	}
}

func (r *Runner) reject(ctx context.Context, signal types.TradeSignal, reason string, at time.Time) {
	rej := r.tracker.RecordRejection(signal, reason, at)
	r.recorder.RecordRejection(ctx, rej)
}

func (r *Runner) prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.lastQuotes))
	for inst, q := range r.lastQuotes {
		out[inst] = q.Close
	}
	return out
}

func (r *Runner) regimes() map[string]types.Regime {
	snap := r.detector.Snapshot()
	out := make(map[string]types.Regime, len(snap))
	for inst, reading := range snap {
		out[inst] = reading.Regime
	}
	return out
}

// Acknowledge is the operator action that releases the halt level.
func (r *Runner) Acknowledge(ctx context.Context, operator string) (*types.EmergencyTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, err := r.manager.Acknowledge(operator, r.now().UTC())
	if err != nil {
		return nil, err
	}
	r.recorder.RecordRisk(ctx, &portfolio.RiskReport{Transition: tr})
	r.logger.Info("Emergency halt acknowledged", zap.String("operator", operator))
	return tr, nil
}

// Snapshot returns the latest published portfolio state, nil before the first cycle.
func (r *Runner) Snapshot() *types.PortfolioState {
	return r.manager.Snapshot()
}

// Trades returns every closed trade so far.
func (r *Runner) Trades() []types.Trade {
	return r.tracker.Trades()
}

// Rejected returns every rejected signal so far.
func (r *Runner) Rejected() []types.RejectedSignal {
	return r.tracker.Rejected()
}

// Cycles is the number of published cycles.
func (r *Runner) Cycles() uint64 { return r.cycles.Load() }

// StaleQuotes counts quotes that fell back to the last good one.
func (r *Runner) StaleQuotes() uint64 { return r.staleQuotes.Load() }

// IsRunning reports whether Run is active.
func (r *Runner) IsRunning() bool { return r.running.Load() }

func tail(bars []types.MarketBar, n int) []types.MarketBar {
	if n <= 0 || len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}
