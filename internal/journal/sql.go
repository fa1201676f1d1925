package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// SQL is a journal backed by SQLite or PostgreSQL.
type SQL struct {
	logger *zap.Logger
	db     *sqlx.DB
	driver string
}

type tradeRow struct {
	TradeID        string          `db:"trade_id"`
	SignalID       string          `db:"signal_id"`
	StrategyID     string          `db:"strategy_id"`
	Instrument     string          `db:"instrument"`
	Direction      string          `db:"direction"`
	Units          decimal.Decimal `db:"units"`
	EntryPrice     decimal.Decimal `db:"entry_price"`
	ExitPrice      decimal.Decimal `db:"exit_price"`
	EntryTime      time.Time       `db:"entry_time"`
	ExitTime       time.Time       `db:"exit_time"`
	GrossPnL       decimal.Decimal `db:"gross_pnl"`
	NetPnL         decimal.Decimal `db:"net_pnl"`
	SpreadCost     decimal.Decimal `db:"spread_cost"`
	SlippageCost   decimal.Decimal `db:"slippage_cost"`
	FinancingCost  decimal.Decimal `db:"financing_cost"`
	CommissionCost decimal.Decimal `db:"commission_cost"`
	RegimeAtEntry  string          `db:"regime_at_entry"`
	RegimeAtExit   string          `db:"regime_at_exit"`
	ExitReason     string          `db:"exit_reason"`
}

type transitionRow struct {
	FromLevel   int       `db:"from_level"`
	ToLevel     int       `db:"to_level"`
	Cause       string    `db:"cause"`
	Drawdown    float64   `db:"drawdown"`
	StressRatio float64   `db:"stress_ratio"`
	At          time.Time `db:"at"`
}

type rejectionRow struct {
	SignalID   string    `db:"signal_id"`
	StrategyID string    `db:"strategy_id"`
	Instrument string    `db:"instrument"`
	Reason     string    `db:"reason"`
	RejectedAt time.Time `db:"rejected_at"`
	Signal     string    `db:"signal"`
}

// NewSQL connects to the database and creates the journal tables if they are missing.
func NewSQL(logger *zap.Logger, driver, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, types.ConfigError("journal.sql", "persistence.dsn is required for driver %q", driver)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; SQLite serialises writes anyway
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, stmt := range schemaFor(driver) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create journal schema: %w", err)
		}
	}

	logger.Info("Journal database ready", zap.String("driver", driver))
	return &SQL{logger: logger, db: db, driver: driver}, nil
}

func (j *SQL) AppendVaR(ctx context.Context, set *types.VaRSet) error {
	var hist, param, mc float64
	for _, r := range set.Results {
		switch r.Method {
		case types.VaRHistorical:
			hist = r.Value
		case types.VaRParametric:
			param = r.Value
		case types.VaRMonteCarlo:
			mc = r.Value
		}
	}

	query := j.db.Rebind(`
		INSERT INTO var_evaluations
		(at, available, breach, observations, target, historical, parametric, monte_carlo, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := j.db.ExecContext(ctx, query, set.At.UTC(), set.Available, set.Breach, set.Observations,
		set.Target, hist, param, mc, set.Reason); err != nil {
		return fmt.Errorf("failed to append VaR evaluation: %w", err)
	}
	return nil
}

func (j *SQL) AppendCorrelation(ctx context.Context, matrix *types.CorrelationMatrix, events []risk.CorrelationEvent) error {
	payload, err := json.Marshal(matrix)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation matrix: %w", err)
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO correlation_snapshots (at, window_size, matrix) VALUES (?, ?, ?)`),
		matrix.At.UTC(), matrix.Window, string(payload)); err != nil {
		return fmt.Errorf("failed to append correlation snapshot: %w", err)
	}
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO correlation_events (at, kind, pair_a, pair_b, correlation, level, reduce, factor)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.At.UTC(), string(ev.Kind), ev.Pair.A, ev.Pair.B, ev.Correlation, ev.Level, ev.Reduce, ev.Factor); err != nil {
			return fmt.Errorf("failed to append correlation event: %w", err)
		}
	}
	return tx.Commit()
}

func (j *SQL) AppendTrade(ctx context.Context, t types.Trade) error {
	row := tradeRow{
		TradeID:        t.ID,
		SignalID:       t.SignalID,
		StrategyID:     t.StrategyID,
		Instrument:     t.Instrument,
		Direction:      string(t.Direction),
		Units:          t.Units,
		EntryPrice:     t.EntryPrice,
		ExitPrice:      t.ExitPrice,
		EntryTime:      t.EntryTime.UTC(),
		ExitTime:       t.ExitTime.UTC(),
		GrossPnL:       t.GrossPnL,
		NetPnL:         t.NetPnL,
		SpreadCost:     t.Costs.Spread,
		SlippageCost:   t.Costs.Slippage,
		FinancingCost:  t.Costs.Financing,
		CommissionCost: t.Costs.Commission,
		RegimeAtEntry:  string(t.RegimeAtEntry),
		RegimeAtExit:   string(t.RegimeAtExit),
		ExitReason:     t.ExitReason,
	}
	query := `
		INSERT INTO trades
		(trade_id, signal_id, strategy_id, instrument, direction, units, entry_price, exit_price,
		 entry_time, exit_time, gross_pnl, net_pnl, spread_cost, slippage_cost, financing_cost,
		 commission_cost, regime_at_entry, regime_at_exit, exit_reason)
		VALUES
		(:trade_id, :signal_id, :strategy_id, :instrument, :direction, :units, :entry_price, :exit_price,
		 :entry_time, :exit_time, :gross_pnl, :net_pnl, :spread_cost, :slippage_cost, :financing_cost,
		 :commission_cost, :regime_at_entry, :regime_at_exit, :exit_reason)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return nil
}

func (j *SQL) AppendEmergencyTransition(ctx context.Context, tr types.EmergencyTransition) error {
	row := transitionRow{
		FromLevel:   int(tr.From),
		ToLevel:     int(tr.To),
		Cause:       tr.Cause,
		Drawdown:    tr.Drawdown,
		StressRatio: tr.StressRatio,
		At:          tr.At.UTC(),
	}
	query := `
		INSERT INTO emergency_transitions (from_level, to_level, cause, drawdown, stress_ratio, at)
		VALUES (:from_level, :to_level, :cause, :drawdown, :stress_ratio, :at)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to append emergency transition: %w", err)
	}
	return nil
}

func (j *SQL) AppendRejectedSignal(ctx context.Context, rej types.RejectedSignal) error {
	payload, err := json.Marshal(rej.Signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	row := rejectionRow{
		SignalID:   rej.Signal.ID,
		StrategyID: rej.Signal.StrategyID,
		Instrument: rej.Signal.Instrument,
		Reason:     rej.Reason,
		RejectedAt: rej.RejectedAt.UTC(),
		Signal:     string(payload),
	}
	query := `
		INSERT INTO rejected_signals (signal_id, strategy_id, instrument, reason, rejected_at, signal)
		VALUES (:signal_id, :strategy_id, :instrument, :reason, :rejected_at, :signal)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to append rejected signal: %w", err)
	}
	return nil
}

// Trades returns every journalled trade in append order.
func (j *SQL) Trades(ctx context.Context) ([]types.Trade, error) {
	var rows []tradeRow
	query := `
		SELECT trade_id, signal_id, strategy_id, instrument, direction, units, entry_price, exit_price,
		       entry_time, exit_time, gross_pnl, net_pnl, spread_cost, slippage_cost, financing_cost,
		       commission_cost, regime_at_entry, regime_at_exit, exit_reason
		FROM trades
		ORDER BY seq`
	if err := j.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}

	trades := make([]types.Trade, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, types.Trade{
			ID:         r.TradeID,
			SignalID:   r.SignalID,
			StrategyID: r.StrategyID,
			Instrument: r.Instrument,
			Direction:  types.Direction(r.Direction),
			Units:      r.Units,
			EntryPrice: r.EntryPrice,
			ExitPrice:  r.ExitPrice,
			EntryTime:  r.EntryTime.UTC(),
			ExitTime:   r.ExitTime.UTC(),
			GrossPnL:   r.GrossPnL,
			NetPnL:     r.NetPnL,
			Costs: types.CostBreakdown{
				Spread:     r.SpreadCost,
				Slippage:   r.SlippageCost,
				Financing:  r.FinancingCost,
				Commission: r.CommissionCost,
			},
			RegimeAtEntry: types.Regime(r.RegimeAtEntry),
			RegimeAtExit:  types.Regime(r.RegimeAtExit),
			ExitReason:    r.ExitReason,
		})
	}
	return trades, nil
}

// Transitions returns the emergency transition log in append order.
func (j *SQL) Transitions(ctx context.Context) ([]types.EmergencyTransition, error) {
	var rows []transitionRow
	query := `
		SELECT from_level, to_level, cause, drawdown, stress_ratio, at
		FROM emergency_transitions
		ORDER BY seq`
	if err := j.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query emergency transitions: %w", err)
	}

	out := make([]types.EmergencyTransition, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.EmergencyTransition{
			From:        types.EmergencyLevel(r.FromLevel),
			To:          types.EmergencyLevel(r.ToLevel),
			Cause:       r.Cause,
			Drawdown:    r.Drawdown,
			StressRatio: r.StressRatio,
			At:          r.At.UTC(),
		})
	}
	return out, nil
}

// Rejections returns every journalled rejected signal in append order.
func (j *SQL) Rejections(ctx context.Context) ([]types.RejectedSignal, error) {
	var rows []rejectionRow
	query := `
		SELECT signal_id, strategy_id, instrument, reason, rejected_at, signal
		FROM rejected_signals
		ORDER BY seq`
	if err := j.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query rejected signals: %w", err)
	}

	out := make([]types.RejectedSignal, 0, len(rows))
	for _, r := range rows {
		var sig types.TradeSignal
		if err := json.Unmarshal([]byte(r.Signal), &sig); err != nil {
			j.logger.Warn("Skipping unreadable rejected signal", zap.String("signal_id", r.SignalID), zap.Error(err))
			continue
		}
		out = append(out, types.RejectedSignal{Signal: sig, Reason: r.Reason, RejectedAt: r.RejectedAt.UTC()})
	}
	return out, nil
}

// Close closes the database connection
func (j *SQL) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
