package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/sizing"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// Candidate is a strategy signal waiting for coordination
type Candidate struct {
	Signal   types.TradeSignal
	Strategy strategy.Strategy
}

// Decision is the coordinator's verdict on one candidate.
// Units never exceed Unadjusted.
type Decision struct {
	Signal      types.TradeSignal `json:"signal"`
	Strategy    strategy.Strategy `json:"-"`
	Score       float64           `json:"score"`
	Unadjusted  decimal.Decimal   `json:"unadjusted"`
	Units       decimal.Decimal   `json:"units"`
	Multiplier  float64           `json:"multiplier"` // emergency multiplier already applied to Units
	Accepted    bool              `json:"accepted"`
	Reason      string            `json:"reason,omitempty"`
	Adjustments []string          `json:"adjustments,omitempty"`
}

// Gates are the risk inputs of one coordination pass
type Gates struct {
	Emergency  types.EmergencyStatus
	Reductions map[string]float64 // correlation-breach size factors per instrument
	Account    types.AccountState
}

// Book is the read side of the position book the coordinator needs.
type Book interface {
	Exposure() map[string]decimal.Decimal
	OpenRisk(strategyID string) decimal.Decimal
}

// Coordinator resolves conflicting signals per instrument and applies the portfolio risk gates
type Coordinator struct {
	logger   *zap.Logger
	budget   sizing.RiskBudget
	currency string
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *zap.Logger, budget sizing.RiskBudget, currency string) *Coordinator {
	return &Coordinator{logger: logger, budget: budget, currency: currency}
}

// Score is the conflict score: signal strength × the strategy's fit for the signal's regime.
func Score(c Candidate) float64 {
	return c.Signal.Strength * c.Strategy.RegimeFit(c.Signal.Regime)
}

// Coordinate decides every candidate. Instruments are processed in name order; within an instrument the
// highest score wins (ties go to the strategy name that sorts first) and the rest lose the conflict.
// Winners pass the gates in order: emergency, risk availability, emergency multiplier,
// correlation reduction, per-strategy cap, total cap.
func (c *Coordinator) Coordinate(candidates []Candidate, gates Gates, book Book) []Decision {
	byInstrument := make(map[string][]Candidate)
	for _, cand := range candidates {
		byInstrument[cand.Signal.Instrument] = append(byInstrument[cand.Signal.Instrument], cand)
	}
	instruments := make([]string, 0, len(byInstrument))
	for inst := range byInstrument {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	exposure := book.Exposure()
	pendingByStrategy := make(map[string]decimal.Decimal)
	pendingTotal := decimal.Zero

	var decisions []Decision
	for _, inst := range instruments {
		group := byInstrument[inst]
		sort.SliceStable(group, func(i, j int) bool {
			si, sj := Score(group[i]), Score(group[j])
			if si != sj {
				return si > sj
			}
			return group[i].Signal.StrategyID < group[j].Signal.StrategyID
		})

		winner := c.gate(group[0], gates, exposure[inst], book, pendingByStrategy, pendingTotal)
		if winner.Accepted {
			risk := sizing.RiskPerUnit(c.currency, winner.Signal).Mul(winner.Units)
			id := winner.Signal.StrategyID
			pendingByStrategy[id] = pendingByStrategy[id].Add(risk)
			pendingTotal = pendingTotal.Add(risk)
		}
		decisions = append(decisions, winner)

		for _, loser := range group[1:] {
			decisions = append(decisions, Decision{
				Signal:     loser.Signal,
				Strategy:   loser.Strategy,
				Score:      Score(loser),
				Unadjusted: loser.Strategy.CalculatePositionSize(loser.Signal, gates.Account),
				Units:      decimal.Zero,
				Reason:     types.RejectConflictLost,
			})
			c.logger.Debug("Signal lost conflict",
				zap.String("instrument", inst),
				zap.String("strategy", loser.Signal.StrategyID),
				zap.String("winner", winner.Signal.StrategyID),
			)
		}
	}
	return decisions
}

func (c *Coordinator) gate(cand Candidate, gates Gates, net decimal.Decimal, book Book,
	pendingByStrategy map[string]decimal.Decimal, pendingTotal decimal.Decimal) Decision {
	sig := cand.Signal
	d := Decision{
		Signal:     sig,
		Strategy:   cand.Strategy,
		Score:      Score(cand),
		Unadjusted: cand.Strategy.CalculatePositionSize(sig, gates.Account),
		Units:      decimal.Zero,
	}

	switch {
	case gates.Emergency.CloseOnly:
		d.Reason = types.RejectHalt
		return d
	case !gates.Emergency.AcceptNewSignals:
		d.Reason = types.RejectEmergency
		return d
	case !gates.Emergency.AllowRiskIncrease && !reducesExposure(sig.Direction, net):
		d.Reason = types.RejectRiskUnavailable
		return d
	}

	units := sizing.Scale(d.Unadjusted, gates.Emergency.Multiplier)
	if !units.Equal(d.Unadjusted) {
		d.Adjustments = append(d.Adjustments, "emergency_multiplier")
	}

	if f, ok := gates.Reductions[sig.Instrument]; ok {
		units = sizing.Scale(units, f)
		d.Adjustments = append(d.Adjustments, "correlation_reduction")
	}

	equity := gates.Account.Equity
	usedStrategy := book.OpenRisk(sig.StrategyID).Add(pendingByStrategy[sig.StrategyID])
	if capped := sizing.CapUnits(c.currency, sig, units, c.budget.StrategyHeadroom(equity, usedStrategy)); capped.LessThan(units) {
		units = capped
		d.Adjustments = append(d.Adjustments, "strategy_cap")
	}

	usedTotal := book.OpenRisk("").Add(pendingTotal)
	if capped := sizing.CapUnits(c.currency, sig, units, c.budget.TotalHeadroom(equity, usedTotal)); capped.LessThan(units) {
		units = capped
		d.Adjustments = append(d.Adjustments, "total_cap")
	}

	if !units.IsPositive() {
		d.Reason = types.RejectZeroSize
		return d
	}
	d.Units = units
	d.Multiplier = utils.Clamp(gates.Emergency.Multiplier, 0, 1)
	d.Accepted = true
	return d
}

// reducesExposure reports whether a signal in direction dir shrinks an existing net exposure.
func reducesExposure(dir types.Direction, net decimal.Decimal) bool {
	switch {
	case net.IsPositive():
		return dir == types.DirectionShort
	case net.IsNegative():
		return dir == types.DirectionLong
	default:
		return false
	}
}
