// Package regime classifies each instrument's recent price action into one of the
// trend/volatility regimes and keeps an append-only timeline of confirmed readings.
//
// Trend persistence blends the Kaufman efficiency ratio with the balance of higher highs
// against lower lows. Volatility is the percentile of the current normalised ATR within
// the window's own ATR history. A candidate regime must persist for MinDwellBars
// consecutive updates before it replaces the confirmed one.
package regime

import (
	"math"
	"sync"

	"github.com/cinar/indicator"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// maxTimeline bounds the in-memory timeline per instrument; the oldest half is dropped when exceeded.
const maxTimeline = 50000

// Detector detects market regimes per instrument
type Detector struct {
	logger *zap.Logger
	config types.RegimeConfig

	mu     sync.RWMutex
	states map[string]*instrumentState
}

type instrumentState struct {
	current        types.RegimeReading
	candidate      types.Regime
	candidateCount int
	timeline       []types.RegimeReading
	segments       []types.RegimeSegment
}

// NewDetector creates a new regime detector
func NewDetector(logger *zap.Logger, config types.RegimeConfig) *Detector {
	return &Detector{
		logger: logger,
		config: config,
		states: make(map[string]*instrumentState),
	}
}

// Config returns the detector configuration.
func (d *Detector) Config() types.RegimeConfig {
	return d.config
}

// Classify computes a raw reading from the most recent Window bars without touching detector state.
// Fewer than Window bars yields RegimeUncertain.
func (d *Detector) Classify(instrument string, bars []types.MarketBar) types.RegimeReading {
	reading := types.RegimeReading{Instrument: instrument, Regime: types.RegimeUncertain}
	if len(bars) > 0 {
		reading.At = bars[len(bars)-1].Timestamp
	}
	if len(bars) < d.config.Window {
		return reading
	}

	window := bars[len(bars)-d.config.Window:]
	highs, lows, closes := types.HighsLowsCloses(window)

	persistence, direction := trendPersistence(highs, lows, closes)
	volPct, ok := volatilityPercentile(d.config.ATRPeriod, highs, lows, closes)
	if !ok {
		return reading
	}

	trending := persistence >= d.config.TrendThreshold
	highVol := volPct >= d.config.HighVolPercentile

	trendMargin := margin(persistence, d.config.TrendThreshold)
	volMargin := margin(volPct, d.config.HighVolPercentile)

	reading.Trend = direction * persistence
	reading.VolPercentile = volPct
	reading.Confidence = utils.Clamp(0.7*trendMargin+0.3*volMargin, 0, 1)
	reading.Regime = types.RegimeFromParts(trending, highVol)
	if reading.Confidence < d.config.MinConfidence {
		reading.Regime = types.RegimeTransition
	}
	return reading
}

// Update classifies the latest window and applies the dwell rule, appending the confirmed
// reading to the instrument's timeline. The returned reading carries the confirmed regime.
func (d *Detector) Update(instrument string, bars []types.MarketBar) types.RegimeReading {
	raw := d.Classify(instrument, bars)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[instrument]
	if !ok {
		st = &instrumentState{}
		d.states[instrument] = st
	}

	prev := st.current.Regime
	switch {
	case prev == "" || prev == types.RegimeUncertain || raw.Regime == types.RegimeUncertain:
		// Leaving or entering uncertain reflects data availability and is not debounced.
		st.current = raw
		st.candidate, st.candidateCount = "", 0
	case raw.Regime == prev:
		st.current = raw
		st.candidate, st.candidateCount = "", 0
	default:
		if raw.Regime == st.candidate {
			st.candidateCount++
		} else {
			st.candidate, st.candidateCount = raw.Regime, 1
		}
		if st.candidateCount >= d.config.MinDwellBars {
			st.current = raw
			st.candidate, st.candidateCount = "", 0
		} else {
			held := raw
			held.Regime = prev
			held.Confidence = st.current.Confidence
			st.current = held
		}
	}

	if prev != "" && prev != st.current.Regime {
		d.logger.Debug("Regime change",
			zap.String("instrument", instrument),
			zap.String("from", string(prev)),
			zap.String("to", string(st.current.Regime)),
			zap.Float64("confidence", st.current.Confidence),
			zap.Time("at", st.current.At),
		)
	}

	st.appendReading(st.current)
	return st.current
}

func (st *instrumentState) appendReading(r types.RegimeReading) {
	st.timeline = append(st.timeline, r)
	if len(st.timeline) > maxTimeline {
		st.timeline = append([]types.RegimeReading(nil), st.timeline[len(st.timeline)-maxTimeline/2:]...)
	}

	if n := len(st.segments); n > 0 && st.segments[n-1].Regime == r.Regime {
		st.segments[n-1].End = r.At
		st.segments[n-1].Bars++
		return
	}
	st.segments = append(st.segments, types.RegimeSegment{
		Instrument: r.Instrument,
		Regime:     r.Regime,
		Start:      r.At,
		End:        r.At,
		Bars:       1,
	})
}

// Current returns the confirmed reading for an instrument.
func (d *Detector) Current(instrument string) (types.RegimeReading, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.states[instrument]
	if !ok {
		return types.RegimeReading{Instrument: instrument, Regime: types.RegimeUncertain}, false
	}
	return st.current, true
}

// Snapshot returns the confirmed reading of every tracked instrument.
func (d *Detector) Snapshot() map[string]types.RegimeReading {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]types.RegimeReading, len(d.states))
	for inst, st := range d.states {
		out[inst] = st.current
	}
	return out
}

// Timeline returns a copy of the confirmed readings recorded for an instrument.
func (d *Detector) Timeline(instrument string) []types.RegimeReading {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	out := make([]types.RegimeReading, len(st.timeline))
	copy(out, st.timeline)
	return out
}

// Segments returns the contiguous regime periods recorded for an instrument.
func (d *Detector) Segments(instrument string) []types.RegimeSegment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.states[instrument]
	if !ok {
		return nil
	}
	out := make([]types.RegimeSegment, len(st.segments))
	copy(out, st.segments)
	return out
}

// trendPersistence returns a persistence score in [0,1] and the sign of the net move.
func trendPersistence(highs, lows, closes []float64) (float64, float64) {
	n := len(closes)
	if n < 2 {
		return 0, 0
	}

	net := closes[n-1] - closes[0]
	path := 0.0
	for i := 1; i < n; i++ {
		path += math.Abs(closes[i] - closes[i-1])
	}
	efficiency := 0.0
	if path > 0 {
		efficiency = math.Abs(net) / path
	}

	higherHighs, lowerLows := 0, 0
	for i := 1; i < n; i++ {
		if highs[i] > highs[i-1] {
			higherHighs++
		}
		if lows[i] < lows[i-1] {
			lowerLows++
		}
	}
	balance := math.Abs(float64(higherHighs-lowerLows)) / float64(n-1)

	direction := 0.0
	switch {
	case net > 0:
		direction = 1
	case net < 0:
		direction = -1
	}

	return utils.Clamp(0.5*efficiency+0.5*balance, 0, 1), direction
}

// volatilityPercentile ranks the latest ATR/close against the window's ATR/close history.
func volatilityPercentile(period int, highs, lows, closes []float64) (float64, bool) {
	if len(closes) <= period {
		return 0, false
	}
	_, atr := indicator.Atr(period, highs, lows, closes)

	normalised := make([]float64, 0, len(closes)-period)
	for i := period; i < len(closes); i++ {
		if closes[i] <= 0 {
			continue
		}
		normalised = append(normalised, atr[i]/closes[i])
	}
	if len(normalised) == 0 {
		return 0, false
	}
	return utils.PercentileRank(normalised, normalised[len(normalised)-1]), true
}

// margin measures how far v sits from threshold t, scaled to [0,1] on its side of t.
func margin(v, t float64) float64 {
	if v >= t {
		if t >= 1 {
			return 0
		}
		return (v - t) / (1 - t)
	}
	if t <= 0 {
		return 0
	}
	return (t - v) / t
}
