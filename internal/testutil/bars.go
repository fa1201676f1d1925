// Package testutil builds deterministic price series for package tests.
package testutil

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Epoch is the first bar time used by the helpers (a Monday, 00:00 UTC).
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Bars turns a close series into hourly bars. Each bar opens at the previous close and
// extends wick beyond the body on both sides.
func Bars(instrument string, start time.Time, closes []float64, wick float64) []types.MarketBar {
	bars := make([]types.MarketBar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		open := prev
		hi := math.Max(open, c) + wick
		lo := math.Min(open, c) - wick
		bars[i] = types.MarketBar{
			Instrument: instrument,
			Timestamp:  start.Add(time.Duration(i) * time.Hour),
			Open:       decimal.NewFromFloat(open),
			High:       decimal.NewFromFloat(hi),
			Low:        decimal.NewFromFloat(lo),
			Close:      decimal.NewFromFloat(c),
			Volume:     decimal.NewFromInt(1000),
		}
		prev = c
	}
	return bars
}

// Trend returns n closes moving by step per bar from start.
func Trend(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

// Sine returns n closes oscillating around center.
func Sine(center, amplitude float64, period, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = center + amplitude*math.Sin(2*math.Pi*float64(i)/float64(period))
	}
	return out
}

// Flat returns n identical closes.
func Flat(price float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

// Concat joins close series, shifting each so it starts where the previous one ended.
func Concat(series ...[]float64) []float64 {
	var out []float64
	for _, s := range series {
		if len(s) == 0 {
			continue
		}
		shift := 0.0
		if len(out) > 0 {
			shift = out[len(out)-1] - s[0]
		}
		for _, v := range s {
			out = append(out, v+shift)
		}
	}
	return out
}
