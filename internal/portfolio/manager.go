package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/execution"
	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/internal/sizing"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// RiskInputs is the market view for one risk evaluation
type RiskInputs struct {
	At      time.Time
	Closes  map[string][]float64 // per-instrument closes, oldest first
	Prices  map[string]decimal.Decimal
	Regimes map[string]types.Regime
}

// RiskReport collects everything one risk evaluation produced, for alerting and the journal.
type RiskReport struct {
	Correlation       *types.CorrelationMatrix
	CorrelationEvents []risk.CorrelationEvent
	CorrelationErr    error
	VaR               *types.VaRSet
	VaRErr            error
	Stress            risk.StressReading
	Transition        *types.EmergencyTransition
	Trades            []types.Trade // positions reduced by the emergency multiplier
}

// Manager is the single writer of PortfolioState. It owns the ledger and the risk monitors and routes
// strategy candidates through the coordinator.
type Manager struct {
	logger      *zap.Logger
	config      *types.Config
	ledger      *Ledger
	positions   *execution.PositionManager
	coordinator *Coordinator
	correlation *risk.CorrelationManager
	varMonitor  *risk.VaRMonitor
	emergency   *risk.EmergencyManager
	publisher   Publisher
	cycle       uint64
}

// NewManager wires the ledger, coordinator and risk monitors around a position book.
func NewManager(logger *zap.Logger, config *types.Config, positions *execution.PositionManager) *Manager {
	return &Manager{
		logger:      logger,
		config:      config,
		ledger:      NewLedger(config.Account.Currency, decimal.NewFromFloat(config.Account.InitialBalance)),
		positions:   positions,
		coordinator: NewCoordinator(logger, sizing.NewRiskBudget(config.Portfolio), config.Account.Currency),
		correlation: risk.NewCorrelationManager(logger, config.Correlation),
		varMonitor:  risk.NewVaRMonitor(logger, config.VaR),
		emergency:   risk.NewEmergencyManager(logger, config.Emergency),
	}
}

// Ledger returns the account ledger.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Emergency returns the emergency state machine.
func (m *Manager) Emergency() *risk.EmergencyManager { return m.emergency }

// Correlation returns the correlation manager.
func (m *Manager) Correlation() *risk.CorrelationManager { return m.correlation }

// VaR returns the VaR monitor.
func (m *Manager) VaR() *risk.VaRMonitor { return m.varMonitor }

// Coordinate runs the coordinator against the current risk state.
func (m *Manager) Coordinate(candidates []Candidate) []Decision {
	if len(candidates) == 0 {
		return nil
	}
	gates := Gates{
		Emergency:  m.emergency.Status(),
		Reductions: m.correlation.Reductions(),
		Account:    m.ledger.Account(),
	}
	return m.coordinator.Coordinate(candidates, gates, m.positions)
}

// Realize books closed trades in the ledger.
func (m *Manager) Realize(trades ...types.Trade) {
	m.ledger.Realize(trades...)
}

// Mark revalues open positions and appends an equity point.
func (m *Manager) Mark(at time.Time) types.EquityCurvePoint {
	return m.ledger.Mark(m.positions.UnrealizedPnL(at), at)
}

// MeasureCorrelation recomputes the correlation matrix. It has no effect on the emergency state and may
// run concurrently with MeasureVaR.
func (m *Manager) MeasureCorrelation(in RiskInputs) (*types.CorrelationMatrix, []risk.CorrelationEvent, error) {
	return m.correlation.Update(in.Closes, in.At)
}

// MeasureVaR evaluates VaR for the current exposure. It may run concurrently with MeasureCorrelation.
func (m *Manager) MeasureVaR(in RiskInputs) (*types.VaRSet, error) {
	equity := m.ledger.Equity()
	weights := make(map[string]float64)
	if equity.IsPositive() {
		for inst, notional := range m.positions.Exposure() {
			weights[inst] = notional.Div(equity).InexactFloat64()
		}
	}
	return m.varMonitor.Evaluate(weights, returnsOf(in.Closes), equity, in.At)
}

// ApplyRisk feeds measured VaR and stress into the emergency state machine and shrinks positions to the
// resulting multiplier. Results are applied in a fixed order regardless of how they were measured.
func (m *Manager) ApplyRisk(in RiskInputs, report *RiskReport) {
	if report.VaR != nil {
		m.emergency.SetRiskAvailability(report.VaR.Available, report.VaR.Breach)
	} else {
		m.emergency.SetRiskAvailability(false, false)
	}

	ec := m.config.Emergency
	report.Stress = risk.PortfolioStress(returnsOf(in.Closes), ec.StressShortWindow, ec.StressBaselineWindow)
	report.Transition = m.emergency.Evaluate(m.ledger.Drawdown(), report.Stress.Ratio, in.At)

	if trades := m.positions.ApplyRiskMultiplier(m.emergency.Multiplier(), in.Prices, in.At, in.Regimes); len(trades) > 0 {
		m.ledger.Realize(trades...)
		report.Trades = trades
	}
}

// EvaluateRisk measures correlation and VaR and applies them, sequentially.
func (m *Manager) EvaluateRisk(in RiskInputs) RiskReport {
	var report RiskReport
	report.Correlation, report.CorrelationEvents, report.CorrelationErr = m.MeasureCorrelation(in)
	report.VaR, report.VaRErr = m.MeasureVaR(in)
	m.ApplyRisk(in, &report)
	return report
}

// Publish builds and swaps in a new PortfolioState.
func (m *Manager) Publish(at time.Time, regimes map[string]types.RegimeReading) *types.PortfolioState {
	m.cycle++
	return m.publish(at, regimes)
}

// Acknowledge releases the emergency halt and republishes the current state under the same cycle
// number, so readers see the new level without waiting for the next cycle.
func (m *Manager) Acknowledge(operator string, at time.Time) (*types.EmergencyTransition, error) {
	tr, err := m.emergency.Acknowledge(operator, at)
	if err != nil {
		return nil, err
	}
	var regimes map[string]types.RegimeReading
	if prev := m.publisher.Snapshot(); prev != nil {
		regimes = prev.Regimes
	}
	m.publish(at, regimes)
	return tr, nil
}

func (m *Manager) publish(at time.Time, regimes map[string]types.RegimeReading) *types.PortfolioState {
	readings := make(map[string]types.RegimeReading, len(regimes))
	for k, v := range regimes {
		readings[k] = v
	}
	state := &types.PortfolioState{
		Cycle:         m.cycle,
		At:            at,
		Currency:      m.ledger.Currency(),
		Balance:       m.ledger.Balance(),
		Equity:        m.ledger.Equity(),
		PeakEquity:    m.ledger.PeakEquity(),
		Drawdown:      m.ledger.Drawdown(),
		RealizedPnL:   m.ledger.Realized(),
		UnrealizedPnL: m.ledger.Unrealized(),
		Positions:     m.positions.Positions(),
		Emergency:     m.emergency.Status(),
		VaR:           m.varMonitor.Last(),
		Correlation:   m.correlation.Matrix(),
		Regimes:       readings,
	}
	m.publisher.Publish(state)
	return state
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() *types.PortfolioState {
	return m.publisher.Snapshot()
}

func returnsOf(closes map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(closes))
	for name, series := range closes {
		out[name] = utils.LogReturns(series)
	}
	return out
}
