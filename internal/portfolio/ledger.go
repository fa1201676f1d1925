// Package portfolio owns the account ledger, the multi-strategy coordinator and the published
// PortfolioState snapshot.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Ledger tracks balance, equity and drawdown. The balance moves only on realized net P&L;
// equity adds the marked unrealized P&L of open positions.
type Ledger struct {
	mu         sync.RWMutex
	currency   string
	initial    decimal.Decimal
	balance    decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal
	peak       decimal.Decimal
	curve      []types.EquityCurvePoint
}

// NewLedger creates a ledger funded with the initial balance.
func NewLedger(currency string, initial decimal.Decimal) *Ledger {
	return &Ledger{
		currency: currency,
		initial:  initial,
		balance:  initial,
		peak:     initial,
	}
}

// Realize books the net P&L of closed trades.
func (l *Ledger) Realize(trades ...types.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range trades {
		l.balance = l.balance.Add(t.NetPnL)
		l.realized = l.realized.Add(t.NetPnL)
	}
	l.updatePeakLocked()
}

// Mark sets the unrealized P&L of open positions and appends an equity curve point.
func (l *Ledger) Mark(unrealized decimal.Decimal, at time.Time) types.EquityCurvePoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.unrealized = unrealized
	l.updatePeakLocked()

	point := types.EquityCurvePoint{
		Timestamp: at,
		Equity:    l.equityLocked(),
		Balance:   l.balance,
		Drawdown:  l.drawdownLocked(),
	}
	l.curve = append(l.curve, point)
	return point
}

func (l *Ledger) equityLocked() decimal.Decimal {
	return l.balance.Add(l.unrealized)
}

func (l *Ledger) updatePeakLocked() {
	if eq := l.equityLocked(); eq.GreaterThan(l.peak) {
		l.peak = eq
	}
}

func (l *Ledger) drawdownLocked() float64 {
	if !l.peak.IsPositive() {
		return 0
	}
	dd := l.peak.Sub(l.equityLocked()).Div(l.peak).InexactFloat64()
	if dd < 0 {
		return 0
	}
	return dd
}

// Account returns the sizing view of the ledger.
func (l *Ledger) Account() types.AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.AccountState{Currency: l.currency, Balance: l.balance, Equity: l.equityLocked()}
}

// Initial returns the starting balance.
func (l *Ledger) Initial() decimal.Decimal { return l.initial }

// Currency returns the account currency.
func (l *Ledger) Currency() string { return l.currency }

// Balance returns the realized balance.
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// Equity returns balance plus unrealized P&L.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equityLocked()
}

// PeakEquity returns the highest equity seen.
func (l *Ledger) PeakEquity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peak
}

// Drawdown returns the fractional decline of equity from its peak.
func (l *Ledger) Drawdown() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.drawdownLocked()
}

// Realized returns cumulative realized net P&L.
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Unrealized returns the last marked unrealized P&L.
func (l *Ledger) Unrealized() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unrealized
}

// Curve returns a copy of the equity curve.
func (l *Ledger) Curve() []types.EquityCurvePoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.EquityCurvePoint, len(l.curve))
	copy(out, l.curve)
	return out
}
