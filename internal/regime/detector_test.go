package regime_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/regime"
	"github.com/atlas-desktop/fx-regime-engine/internal/testutil"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

func newDetector() *regime.Detector {
	return regime.NewDetector(zap.NewNop(), types.DefaultConfig().Regime)
}

func trendBars() []types.MarketBar {
	return testutil.Bars("EUR_USD", testutil.Epoch, testutil.Trend(1.10, 0.0005, 150), 0.0002)
}

func rangeBars() []types.MarketBar {
	return testutil.Bars("EUR_USD", testutil.Epoch.Add(200*time.Hour), testutil.Sine(1.10, 0.005, 20, 150), 0.0002)
}

func TestClassifyTrending(t *testing.T) {
	d := newDetector()

	up := d.Classify("EUR_USD", trendBars())
	assert.Equal(t, types.RegimeTrendingLowVol, up.Regime)
	assert.Greater(t, up.Trend, 0.9)
	assert.GreaterOrEqual(t, up.Confidence, 0.25)

	down := d.Classify("EUR_USD", testutil.Bars("EUR_USD", testutil.Epoch, testutil.Trend(1.20, -0.0005, 150), 0.0002))
	assert.True(t, down.Regime.IsTrending())
	assert.Less(t, down.Trend, -0.9)
}

func TestClassifyRanging(t *testing.T) {
	d := newDetector()

	r := d.Classify("EUR_USD", rangeBars())
	assert.True(t, r.Regime.IsRanging(), "got %s", r.Regime)
	assert.Less(t, r.Trend, 0.3)
	assert.Greater(t, r.Trend, -0.3)
}

func TestClassifyHighVolatility(t *testing.T) {
	d := newDetector()

	bars := testutil.Bars("EUR_USD", testutil.Epoch, testutil.Sine(1.10, 0.005, 20, 150), 0.0002)
	spike := decimal.NewFromFloat(0.004)
	for i := len(bars) - 15; i < len(bars); i++ {
		bars[i].High = bars[i].High.Add(spike)
		bars[i].Low = bars[i].Low.Sub(spike)
	}

	r := d.Classify("EUR_USD", bars)
	assert.Equal(t, types.RegimeRangingHighVol, r.Regime)
	assert.Greater(t, r.VolPercentile, 0.9)
}

func TestClassifyInsufficientHistory(t *testing.T) {
	d := newDetector()

	bars := testutil.Bars("EUR_USD", testutil.Epoch, testutil.Trend(1.10, 0.0005, 50), 0.0002)
	r := d.Classify("EUR_USD", bars)
	assert.Equal(t, types.RegimeUncertain, r.Regime)
	assert.False(t, r.Regime.Tradable())

	_, tracked := d.Current("EUR_USD")
	assert.False(t, tracked, "Classify must not record state")
}

func TestClassifyDeterministic(t *testing.T) {
	d := newDetector()
	bars := rangeBars()
	assert.Equal(t, d.Classify("EUR_USD", bars), d.Classify("EUR_USD", bars))
}

func TestUpdateRequiresDwell(t *testing.T) {
	d := newDetector()

	first := d.Update("EUR_USD", trendBars())
	require.True(t, first.Regime.IsTrending())

	second := d.Update("EUR_USD", rangeBars())
	assert.True(t, second.Regime.IsTrending(), "one ranging bar must not flip the regime")

	third := d.Update("EUR_USD", rangeBars())
	assert.True(t, third.Regime.IsTrending())

	fourth := d.Update("EUR_USD", rangeBars())
	assert.True(t, fourth.Regime.IsRanging(), "candidate confirmed after min dwell")

	timeline := d.Timeline("EUR_USD")
	require.Len(t, timeline, 4)
	assert.Equal(t, first, timeline[0])

	segments := d.Segments("EUR_USD")
	require.Len(t, segments, 2)
	assert.Equal(t, 3, segments[0].Bars)
	assert.Equal(t, 1, segments[1].Bars)
}

func TestUpdateInterruptedCandidateResets(t *testing.T) {
	d := newDetector()

	d.Update("EUR_USD", trendBars())
	d.Update("EUR_USD", rangeBars())
	d.Update("EUR_USD", trendBars())
	d.Update("EUR_USD", rangeBars())
	last := d.Update("EUR_USD", rangeBars())

	assert.True(t, last.Regime.IsTrending())
	assert.Len(t, d.Segments("EUR_USD"), 1)
}

func TestTimelineIsAppendOnly(t *testing.T) {
	d := newDetector()

	d.Update("EUR_USD", trendBars())
	before := d.Timeline("EUR_USD")
	before[0].Regime = types.RegimeUncertain

	after := d.Timeline("EUR_USD")
	assert.True(t, after[0].Regime.IsTrending(), "returned timeline must be a copy")

	d.Update("EUR_USD", rangeBars())
	assert.Equal(t, after[0], d.Timeline("EUR_USD")[0])
}

func TestSnapshotTracksInstruments(t *testing.T) {
	d := newDetector()

	d.Update("EUR_USD", trendBars())
	d.Update("GBP_USD", testutil.Bars("GBP_USD", testutil.Epoch, testutil.Sine(1.27, 0.005, 20, 150), 0.0002))

	snap := d.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap["EUR_USD"].Regime.IsTrending())
	assert.True(t, snap["GBP_USD"].Regime.IsRanging())
}
