// Package journal is the append-only audit trail of risk measurements, trades, emergency transitions
// and rejected signals.
package journal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Journal persists the audit trail. Entries are only ever appended.
type Journal interface {
	AppendVaR(ctx context.Context, set *types.VaRSet) error
	AppendCorrelation(ctx context.Context, matrix *types.CorrelationMatrix, events []risk.CorrelationEvent) error
	AppendTrade(ctx context.Context, trade types.Trade) error
	AppendEmergencyTransition(ctx context.Context, tr types.EmergencyTransition) error
	AppendRejectedSignal(ctx context.Context, rej types.RejectedSignal) error

	Trades(ctx context.Context) ([]types.Trade, error)
	Transitions(ctx context.Context) ([]types.EmergencyTransition, error)
	Rejections(ctx context.Context) ([]types.RejectedSignal, error)

	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open returns the journal selected by cfg.
func Open(logger *zap.Logger, cfg types.PersistenceConfig) (Journal, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite, DriverPostgres:
		return NewSQL(logger, cfg.Driver, cfg.DSN)
	default:
		return nil, types.ConfigError("journal.open", "unknown persistence driver %q", cfg.Driver)
	}
}

// Memory keeps the journal in process memory.
type Memory struct {
	mu           sync.RWMutex
	vars         []types.VaRSet
	correlations []CorrelationEntry
	trades       []types.Trade
	transitions  []types.EmergencyTransition
	rejections   []types.RejectedSignal
}

// CorrelationEntry is one journalled correlation recomputation.
type CorrelationEntry struct {
	Matrix types.CorrelationMatrix
	Events []risk.CorrelationEvent
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) AppendVaR(_ context.Context, set *types.VaRSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars = append(m.vars, *set)
	return nil
}

func (m *Memory) AppendCorrelation(_ context.Context, matrix *types.CorrelationMatrix, events []risk.CorrelationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correlations = append(m.correlations, CorrelationEntry{
		Matrix: *matrix,
		Events: append([]risk.CorrelationEvent(nil), events...),
	})
	return nil
}

func (m *Memory) AppendTrade(_ context.Context, trade types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *Memory) AppendEmergencyTransition(_ context.Context, tr types.EmergencyTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, tr)
	return nil
}

func (m *Memory) AppendRejectedSignal(_ context.Context, rej types.RejectedSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, rej)
	return nil
}

func (m *Memory) Trades(context.Context) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Trade(nil), m.trades...), nil
}

func (m *Memory) Transitions(context.Context) ([]types.EmergencyTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.EmergencyTransition(nil), m.transitions...), nil
}

func (m *Memory) Rejections(context.Context) ([]types.RejectedSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.RejectedSignal(nil), m.rejections...), nil
}

// VaRSets returns every journalled VaR evaluation.
func (m *Memory) VaRSets() []types.VaRSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.VaRSet(nil), m.vars...)
}

// Correlations returns every journalled correlation recomputation.
func (m *Memory) Correlations() []CorrelationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CorrelationEntry(nil), m.correlations...)
}

func (m *Memory) Close() error { return nil }
