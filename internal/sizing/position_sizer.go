// Package sizing provides risk-based position sizing.
// Strategy-local sizing risks a fixed fraction of the balance against the stop distance;
// portfolio-level scaling (emergency multiplier, correlation reduction, risk caps) only ever shrinks it.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// RiskFraction sizes a position so that a stop-out loses balance × fraction in account currency.
// Units are whole; a zero stop distance or non-positive balance yields zero.
func RiskFraction(account types.AccountState, signal types.TradeSignal, fraction float64) decimal.Decimal {
	if fraction <= 0 || !account.Balance.IsPositive() {
		return decimal.Zero
	}
	return MaxUnits(account.Currency, signal, account.Balance.Mul(decimal.NewFromFloat(fraction)))
}

// MaxUnits returns the largest whole unit count whose stop-out loss stays within risk (account currency).
func MaxUnits(currency string, signal types.TradeSignal, risk decimal.Decimal) decimal.Decimal {
	distance := signal.StopDistance()
	if !distance.IsPositive() || !risk.IsPositive() {
		return decimal.Zero
	}
	riskQuote := types.FromAccountCurrency(signal.Instrument, currency, risk, signal.Entry)
	return riskQuote.Div(distance).Floor()
}

// RiskPerUnit returns the stop-out loss of one unit in account currency.
func RiskPerUnit(currency string, signal types.TradeSignal) decimal.Decimal {
	return types.ToAccountCurrency(signal.Instrument, currency, signal.StopDistance(), signal.Entry)
}

// Scale applies a multiplier in [0,1] to a unit count. Multipliers above one are treated as one.
func Scale(units decimal.Decimal, multiplier float64) decimal.Decimal {
	switch {
	case multiplier <= 0:
		return decimal.Zero
	case multiplier >= 1:
		return units
	}
	return units.Mul(decimal.NewFromFloat(multiplier)).Floor()
}

// RiskBudget caps open risk per strategy and across the portfolio, as fractions of equity
type RiskBudget struct {
	MaxStrategyRisk float64
	MaxTotalRisk    float64
}

// NewRiskBudget creates a budget from portfolio caps.
func NewRiskBudget(cfg types.PortfolioConfig) RiskBudget {
	return RiskBudget{MaxStrategyRisk: cfg.MaxStrategyRisk, MaxTotalRisk: cfg.MaxTotalRisk}
}

// StrategyHeadroom returns how much additional risk the strategy may take.
func (b RiskBudget) StrategyHeadroom(equity, strategyOpenRisk decimal.Decimal) decimal.Decimal {
	return headroom(equity, b.MaxStrategyRisk, strategyOpenRisk)
}

// TotalHeadroom returns how much additional risk the portfolio may take.
func (b RiskBudget) TotalHeadroom(equity, totalOpenRisk decimal.Decimal) decimal.Decimal {
	return headroom(equity, b.MaxTotalRisk, totalOpenRisk)
}

func headroom(equity decimal.Decimal, fraction float64, used decimal.Decimal) decimal.Decimal {
	room := equity.Mul(decimal.NewFromFloat(fraction)).Sub(used)
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}

// CapUnits limits units so that the stop-out loss stays within room.
func CapUnits(currency string, signal types.TradeSignal, units, room decimal.Decimal) decimal.Decimal {
	if !signal.StopDistance().IsPositive() {
		return units
	}
	return decimal.Min(units, MaxUnits(currency, signal, room))
}
