package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Session is a forex trading session by UTC hour
type Session string

const (
	SessionAsian    Session = "asian"    // 00:00-07:00
	SessionLondon   Session = "london"   // 07:00-12:00
	SessionOverlap  Session = "overlap"  // 12:00-16:00, London/New York
	SessionNewYork  Session = "new_york" // 16:00-21:00
	SessionRollover Session = "rollover" // 21:00-24:00, thin liquidity
)

// SessionAt returns the session active at t.
func SessionAt(t time.Time) Session {
	switch h := t.UTC().Hour(); {
	case h < 7:
		return SessionAsian
	case h < 12:
		return SessionLondon
	case h < 16:
		return SessionOverlap
	case h < 21:
		return SessionNewYork
	default:
		return SessionRollover
	}
}

// SpreadPips returns the quoted spread for an instrument at t.
func SpreadPips(cfg types.SpreadConfig, instrument string, t time.Time) float64 {
	var pips float64
	switch SessionAt(t) {
	case SessionAsian:
		pips = cfg.AsianPips
	case SessionLondon:
		pips = cfg.LondonPips
	case SessionOverlap:
		pips = cfg.OverlapPips
	case SessionNewYork:
		pips = cfg.NewYorkPips
	default:
		pips = cfg.RolloverPips
	}
	if m, ok := cfg.Multipliers[instrument]; ok && m > 0 {
		pips *= m
	}
	return pips
}

// HalfSpread returns half the spread at t in price units.
func HalfSpread(cfg types.SpreadConfig, instrument string, t time.Time) decimal.Decimal {
	pips := decimal.NewFromFloat(SpreadPips(cfg, instrument, t))
	return types.PipSize(instrument).Mul(pips).Div(decimal.NewFromInt(2))
}

// RolloverNights counts financing nights charged between from (exclusive) and to (inclusive).
// Each daily rollover at hourUTC counts one night, Wednesday counts three, and weekend rollovers count none.
func RolloverNights(from, to time.Time, hourUTC int) int {
	if !to.After(from) {
		return 0
	}
	from, to = from.UTC(), to.UTC()

	roll := time.Date(from.Year(), from.Month(), from.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !roll.After(from) {
		roll = roll.AddDate(0, 0, 1)
	}

	nights := 0
	for ; !roll.After(to); roll = roll.AddDate(0, 0, 1) {
		switch roll.Weekday() {
		case time.Saturday, time.Sunday:
		case time.Wednesday:
			nights += 3
		default:
			nights++
		}
	}
	return nights
}
