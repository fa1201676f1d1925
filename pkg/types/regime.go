package types

import "time"

// Regime classifies market behaviour as trend/range crossed with volatility level
type Regime string

const (
	RegimeTrendingLowVol  Regime = "trending_low_vol"
	RegimeTrendingHighVol Regime = "trending_high_vol"
	RegimeRangingLowVol   Regime = "ranging_low_vol"
	RegimeRangingHighVol  Regime = "ranging_high_vol"
	RegimeTransition      Regime = "transition"
	RegimeUncertain       Regime = "uncertain"
)

// AllRegimes lists every regime in a stable order.
var AllRegimes = []Regime{
	RegimeTrendingLowVol,
	RegimeTrendingHighVol,
	RegimeRangingLowVol,
	RegimeRangingHighVol,
	RegimeTransition,
	RegimeUncertain,
}

// IsTrending reports whether the regime is one of the trending variants.
func (r Regime) IsTrending() bool {
	return r == RegimeTrendingLowVol || r == RegimeTrendingHighVol
}

// IsRanging reports whether the regime is one of the ranging variants.
func (r Regime) IsRanging() bool {
	return r == RegimeRangingLowVol || r == RegimeRangingHighVol
}

// IsHighVol reports whether the regime carries high volatility.
func (r Regime) IsHighVol() bool {
	return r == RegimeTrendingHighVol || r == RegimeRangingHighVol
}

// Tradable is false for uncertain, where no new signals may be produced.
func (r Regime) Tradable() bool {
	return r != RegimeUncertain && r != ""
}

// Valid reports whether r is a known regime.
func (r Regime) Valid() bool {
	for _, known := range AllRegimes {
		if r == known {
			return true
		}
	}
	return false
}

// RegimeFromParts builds a trend/volatility regime.
func RegimeFromParts(trending, highVol bool) Regime {
	switch {
	case trending && highVol:
		return RegimeTrendingHighVol
	case trending:
		return RegimeTrendingLowVol
	case highVol:
		return RegimeRangingHighVol
	default:
		return RegimeRangingLowVol
	}
}

// RegimeReading is one detector output for one instrument
type RegimeReading struct {
	Instrument    string    `json:"instrument"`
	Regime        Regime    `json:"regime"`
	Confidence    float64   `json:"confidence"`
	Trend         float64   `json:"trend"`         // signed persistence, -1 to 1
	VolPercentile float64   `json:"volPercentile"` // 0-1
	At            time.Time `json:"at"`
}

// RegimeSegment is a contiguous period spent in one confirmed regime
type RegimeSegment struct {
	Instrument string    `json:"instrument"`
	Regime     Regime    `json:"regime"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Bars       int       `json:"bars"`
}
