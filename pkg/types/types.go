// Package types provides shared type definitions for the regime engine.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents long or short exposure
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() int64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionShort {
		return DirectionLong
	}
	return DirectionShort
}

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// ForexTradingDays is the number of trading days per year used for annualisation.
const ForexTradingDays = 260

// Duration returns the length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// PeriodsPerYear returns how many bars of this timeframe make up a trading year.
func (tf Timeframe) PeriodsPerYear() float64 {
	d := tf.Duration()
	if d <= 0 {
		return ForexTradingDays
	}
	return ForexTradingDays * float64(24*time.Hour) / float64(d)
}

// Valid reports whether the timeframe is known.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// MarketBar is a single OHLCV bar for one instrument
type MarketBar struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// Closes extracts close prices as floats.
func Closes(bars []MarketBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// HighsLowsCloses extracts the three price series used by range indicators.
func HighsLowsCloses(bars []MarketBar) (highs, lows, closes []float64) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
	}
	return highs, lows, closes
}

// PipSize returns the pip increment for a currency pair (JPY quoted pairs use 0.01).
func PipSize(instrument string) decimal.Decimal {
	if strings.HasSuffix(strings.ToUpper(instrument), "JPY") {
		return decimal.New(1, -2)
	}
	return decimal.New(1, -4)
}

// TradeSignal is an immutable trade proposal emitted by a strategy
type TradeSignal struct {
	ID          string          `json:"id"`
	Instrument  string          `json:"instrument"`
	Direction   Direction       `json:"direction"`
	Entry       decimal.Decimal `json:"entry"`
	Stop        decimal.Decimal `json:"stop"`
	Target      decimal.Decimal `json:"target"`
	Strength    float64         `json:"strength"`
	StrategyID  string          `json:"strategyId"`
	Regime      Regime          `json:"regime"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// StopDistance returns |entry - stop|.
func (s TradeSignal) StopDistance() decimal.Decimal {
	return s.Entry.Sub(s.Stop).Abs()
}

// CostBreakdown itemises execution costs in account currency
type CostBreakdown struct {
	Spread     decimal.Decimal `json:"spread"`
	Slippage   decimal.Decimal `json:"slippage"`
	Financing  decimal.Decimal `json:"financing"`
	Commission decimal.Decimal `json:"commission"`
}

// Total returns the sum of all cost components.
func (c CostBreakdown) Total() decimal.Decimal {
	return c.Spread.Add(c.Slippage).Add(c.Financing).Add(c.Commission)
}

// Add returns the component-wise sum.
func (c CostBreakdown) Add(o CostBreakdown) CostBreakdown {
	return CostBreakdown{
		Spread:     c.Spread.Add(o.Spread),
		Slippage:   c.Slippage.Add(o.Slippage),
		Financing:  c.Financing.Add(o.Financing),
		Commission: c.Commission.Add(o.Commission),
	}
}

// Sub returns the component-wise difference.
func (c CostBreakdown) Sub(o CostBreakdown) CostBreakdown {
	return CostBreakdown{
		Spread:     c.Spread.Sub(o.Spread),
		Slippage:   c.Slippage.Sub(o.Slippage),
		Financing:  c.Financing.Sub(o.Financing),
		Commission: c.Commission.Sub(o.Commission),
	}
}

// Scale multiplies every component by f.
func (c CostBreakdown) Scale(f decimal.Decimal) CostBreakdown {
	return CostBreakdown{
		Spread:     c.Spread.Mul(f),
		Slippage:   c.Slippage.Mul(f),
		Financing:  c.Financing.Mul(f),
		Commission: c.Commission.Mul(f),
	}
}

// Exit reasons recorded on trades
const (
	ExitStop          = "stop"
	ExitTarget        = "target"
	ExitHalt          = "halt"
	ExitRiskReduction = "risk_reduction"
	ExitEndOfData     = "end_of_data"
	ExitManual        = "manual"
)

// Trade is the realized outcome of an executed signal
type Trade struct {
	ID            string          `json:"id"`
	SignalID      string          `json:"signalId"`
	StrategyID    string          `json:"strategyId"`
	Instrument    string          `json:"instrument"`
	Direction     Direction       `json:"direction"`
	Units         decimal.Decimal `json:"units"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	ExitPrice     decimal.Decimal `json:"exitPrice"`
	EntryTime     time.Time       `json:"entryTime"`
	ExitTime      time.Time       `json:"exitTime"`
	GrossPnL      decimal.Decimal `json:"grossPnl"`
	NetPnL        decimal.Decimal `json:"netPnl"`
	Costs         CostBreakdown   `json:"costs"`
	RegimeAtEntry Regime          `json:"regimeAtEntry"`
	RegimeAtExit  Regime          `json:"regimeAtExit"`
	ExitReason    string          `json:"exitReason"`
}

// HoldingTime returns how long the trade was open.
func (t Trade) HoldingTime() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// Position is open exposure for one instrument and one strategy
type Position struct {
	ID            string          `json:"id"`
	SignalID      string          `json:"signalId"`
	StrategyID    string          `json:"strategyId"`
	Instrument    string          `json:"instrument"`
	Direction     Direction       `json:"direction"`
	BaseUnits     decimal.Decimal `json:"baseUnits"`
	Units         decimal.Decimal `json:"units"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Stop          decimal.Decimal `json:"stop"`
	Target        decimal.Decimal `json:"target"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	OpenedAt      time.Time       `json:"openedAt"`
	RegimeAtEntry Regime          `json:"regimeAtEntry"`
	EntryCosts    CostBreakdown   `json:"entryCosts"`
}

// UnrealizedPnL returns the P&L at the given price before exit costs.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Units).Mul(decimal.NewFromInt(p.Direction.Sign()))
}

// RiskAmount returns the loss at the stop for the current units.
func (p Position) RiskAmount() decimal.Decimal {
	return p.EntryPrice.Sub(p.Stop).Abs().Mul(p.Units)
}

// Notional returns signed exposure at the mark price.
func (p Position) Notional() decimal.Decimal {
	price := p.MarkPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return price.Mul(p.Units).Mul(decimal.NewFromInt(p.Direction.Sign()))
}

// AccountState is the account view passed to strategy sizing
type AccountState struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Equity   decimal.Decimal `json:"equity"`
}

// EquityCurvePoint represents a point on the equity curve
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Balance   decimal.Decimal `json:"balance"`
	Drawdown  float64         `json:"drawdown"`
}

// RejectedSignal records a signal that never became a trade
type RejectedSignal struct {
	Signal     TradeSignal `json:"signal"`
	Reason     string      `json:"reason"`
	RejectedAt time.Time   `json:"rejectedAt"`
}

// Rejection reasons
const (
	RejectValidation      = "validation_failed"
	RejectZeroSize        = "zero_size"
	RejectConflictLost    = "conflict_lost"
	RejectEmergency       = "emergency_no_new_signals"
	RejectHalt            = "emergency_halt"
	RejectRiskUnavailable = "risk_unavailable"
	RejectPositionLimit   = "position_limit"
	RejectDuplicate       = "position_exists"
)

// SplitInstrument returns the base and quote currency of an instrument such as "EUR_USD".
func SplitInstrument(instrument string) (base, quote string) {
	parts := strings.FieldsFunc(strings.ToUpper(instrument), func(r rune) bool {
		return r == '_' || r == '/'
	})
	if len(parts) != 2 {
		return instrument, ""
	}
	return parts[0], parts[1]
}

// ToAccountCurrency converts an amount in the instrument's quote currency into the account currency.
// Pairs that quote in the account currency pass through; pairs whose base is the account currency divide by
// price. Crosses are left unconverted.
func ToAccountCurrency(instrument, account string, amount, price decimal.Decimal) decimal.Decimal {
	base, quote := SplitInstrument(instrument)
	switch {
	case strings.EqualFold(quote, account):
		return amount
	case strings.EqualFold(base, account) && price.IsPositive():
		return amount.Div(price)
	default:
		return amount
	}
}

// FromAccountCurrency converts an account-currency amount into the instrument's quote currency.
// It is the inverse of ToAccountCurrency.
func FromAccountCurrency(instrument, account string, amount, price decimal.Decimal) decimal.Decimal {
	base, quote := SplitInstrument(instrument)
	switch {
	case strings.EqualFold(quote, account):
		return amount
	case strings.EqualFold(base, account):
		return amount.Mul(price)
	default:
		return amount
	}
}
