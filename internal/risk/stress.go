package risk

import (
	"sort"

	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// StressRatio compares the volatility of the latest short returns with the baseline returns
// immediately before them. ok is false when the history is too short or the baseline is flat.
func StressRatio(returns []float64, short, baseline int) (ratio float64, ok bool) {
	if short < 2 || baseline < 2 || len(returns) < short+baseline {
		return 0, false
	}
	recent := returns[len(returns)-short:]
	base := returns[len(returns)-short-baseline : len(returns)-short]

	baseVol := utils.StdDev(base)
	if baseVol == 0 {
		return 0, false
	}
	return utils.StdDev(recent) / baseVol, true
}

// StressReading is the portfolio stress ratio and the instrument driving it
type StressReading struct {
	Ratio      float64 `json:"ratio"`
	Instrument string  `json:"instrument,omitempty"`
}

// PortfolioStress returns the highest per-instrument stress ratio. Instruments are scanned in name
// order so ties resolve the same way every time.
func PortfolioStress(returns map[string][]float64, short, baseline int) StressReading {
	names := make([]string, 0, len(returns))
	for name := range returns {
		names = append(names, name)
	}
	sort.Strings(names)

	var out StressReading
	for _, name := range names {
		if r, ok := StressRatio(returns[name], short, baseline); ok && r > out.Ratio {
			out = StressReading{Ratio: r, Instrument: name}
		}
	}
	return out
}
