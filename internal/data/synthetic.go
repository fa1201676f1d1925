package data

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Synthetic market phases
const (
	phaseTrend = iota
	phaseRange
	phaseVolatile
)

var startPrices = map[string]float64{
	"EUR_USD": 1.1000,
	"GBP_USD": 1.2700,
	"AUD_USD": 0.6700,
	"NZD_USD": 0.6100,
	"USD_JPY": 145.00,
	"USD_CHF": 0.8800,
	"USD_CAD": 1.3500,
}

// usdBeta is each pair's loading on the common dollar shock.
var usdBeta = map[string]float64{
	"EUR_USD": 0.6,
	"GBP_USD": 0.55,
	"AUD_USD": 0.7,
	"NZD_USD": 0.7,
	"USD_JPY": -0.4,
	"USD_CHF": -0.5,
	"USD_CAD": -0.45,
}

// SyntheticFeed generates a seeded, regime-switching random walk per instrument. Pairs share a common
// dollar shock so their returns are correlated. Identical seeds give identical bars.
type SyntheticFeed struct {
	logger    *zap.Logger
	seed      int64
	timeframe types.Timeframe

	mu      sync.Mutex
	cursors map[string]*walk
}

type walk struct {
	instrument string
	rng        *rand.Rand
	seed       int64
	price      float64
	anchor     float64
	phase      int
	drift      float64
	beta       float64
	decimals   int32
	at         time.Time
}

// NewSyntheticFeed creates a synthetic feed.
func NewSyntheticFeed(logger *zap.Logger, seed int64, timeframe types.Timeframe) *SyntheticFeed {
	return &SyntheticFeed{
		logger:    logger,
		seed:      seed,
		timeframe: timeframe,
		cursors:   make(map[string]*walk),
	}
}

// GetHistoricalBars generates bars from start to end. The walk restarts at start, so the same range
// always yields the same bars; the live cursor continues from the last bar generated.
func (f *SyntheticFeed) GetHistoricalBars(ctx context.Context, instrument string, timeframe types.Timeframe,
	start, end time.Time) ([]types.MarketBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !timeframe.Valid() {
		return nil, types.ConfigError("data.synthetic", "invalid timeframe %q", timeframe)
	}
	if end.Before(start) {
		return nil, nil
	}

	w := f.newWalk(instrument, start.UTC().Truncate(timeframe.Duration()))
	var bars []types.MarketBar
	t := w.at
	if !MarketOpen(t) {
		t = NextOpen(t, timeframe)
	}
	for i := 0; !t.After(end); i++ {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		bars = append(bars, w.step(t, timeframe))
		t = NextOpen(t, timeframe)
	}

	f.mu.Lock()
	f.cursors[instrument] = w
	f.mu.Unlock()

	f.logger.Debug("Generated synthetic bars",
		zap.String("instrument", instrument),
		zap.Int("bars", len(bars)),
		zap.Time("start", start),
		zap.Time("end", end),
	)
	return bars, nil
}

// GetLatestQuote advances the instrument's walk by one bar.
func (f *SyntheticFeed) GetLatestQuote(ctx context.Context, instrument string) (types.MarketBar, error) {
	if err := ctx.Err(); err != nil {
		return types.MarketBar{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.cursors[instrument]
	if !ok {
		now := time.Now().UTC().Truncate(f.timeframe.Duration())
		w = f.newWalk(instrument, now.Add(-f.timeframe.Duration()))
		f.cursors[instrument] = w
	}
	return w.step(NextOpen(w.at, f.timeframe), f.timeframe), nil
}

func (f *SyntheticFeed) newWalk(instrument string, at time.Time) *walk {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(instrument)))
	seed := f.seed ^ int64(h.Sum64())

	price, ok := startPrices[instrument]
	if !ok {
		price = 1.0
	}
	beta, ok := usdBeta[instrument]
	if !ok {
		beta = 0.5
	}
	decimals := int32(5)
	if strings.HasSuffix(strings.ToUpper(instrument), "JPY") {
		decimals = 3
	}
	return &walk{
		instrument: instrument,
		rng:        rand.New(rand.NewSource(seed)),
		seed:       f.seed,
		price:      price,
		anchor:     price,
		phase:      phaseRange,
		beta:       beta,
		decimals:   decimals,
		at:         at,
	}
}

// step produces the bar at t and advances the walk.
func (w *walk) step(t time.Time, tf types.Timeframe) types.MarketBar {
	// Phases last a few hundred bars on average.
	if w.rng.Float64() < 1.0/250 {
		w.phase = w.rng.Intn(3)
		w.anchor = w.price
		w.drift = 0
		if w.phase == phaseTrend {
			w.drift = 0.00025
			if w.rng.Intn(2) == 0 {
				w.drift = -w.drift
			}
		}
	}

	sigma := 0.0008 * math.Sqrt(tf.Duration().Hours())
	if w.phase == phaseVolatile {
		sigma *= 2.5
	}
	mean := w.drift
	if w.phase == phaseRange {
		mean = 0.05 * math.Log(w.anchor/w.price)
	}

	common := commonShock(w.seed, t)
	idio := w.rng.NormFloat64()
	shock := w.beta*common + math.Sqrt(1-w.beta*w.beta)*idio
	ret := mean + sigma*shock

	open := w.price
	closePx := open * math.Exp(ret)
	high := math.Max(open, closePx) * (1 + math.Abs(w.rng.NormFloat64())*sigma*0.5)
	low := math.Min(open, closePx) * (1 - math.Abs(w.rng.NormFloat64())*sigma*0.5)

	bar := types.MarketBar{
		Instrument: w.instrument,
		Timestamp:  t,
		Open:       decimal.NewFromFloat(open).Round(w.decimals),
		High:       decimal.NewFromFloat(high).Round(w.decimals),
		Low:        decimal.NewFromFloat(low).Round(w.decimals),
		Close:      decimal.NewFromFloat(closePx).Round(w.decimals),
		Volume:     decimal.NewFromInt(int64(500 + w.rng.Intn(1500))),
	}
	// Rounding must not break OHLC ordering.
	bar.High = decimal.Max(bar.High, bar.Open, bar.Close)
	bar.Low = decimal.Min(bar.Low, bar.Open, bar.Close)

	w.price = bar.Close.InexactFloat64()
	w.at = t
	return bar
}

// commonShock is a standard normal draw shared by every instrument at time t.
func commonShock(seed int64, t time.Time) float64 {
	x := uint64(seed)*0x9E3779B97F4A7C15 ^ uint64(t.Unix())
	u1 := float64(splitmix64(&x)>>11) / (1 << 53)
	u2 := float64(splitmix64(&x)>>11) / (1 << 53)
	if u1 < 1e-300 {
		u1 = 1e-300
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func splitmix64(x *uint64) uint64 {
	*x += 0x9E3779B97F4A7C15
	z := *x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
