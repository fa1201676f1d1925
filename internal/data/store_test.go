package data_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/data"
	"github.com/atlas-desktop/fx-regime-engine/internal/testutil"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

func TestStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	bars := testutil.Bars("EUR_USD", testutil.Epoch, testutil.Trend(1.1, 0.0001, 48), 0.0002)
	require.NoError(t, store.SaveBars("EUR_USD", types.Timeframe1h, bars))

	// A fresh store reads the file and the metadata back.
	reopened, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR_USD"}, reopened.Instruments())

	got, err := reopened.GetHistoricalBars(context.Background(), "EUR_USD", types.Timeframe1h,
		testutil.Epoch.Add(10*time.Hour), testutil.Epoch.Add(19*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, testutil.Epoch.Add(10*time.Hour), got[0].Timestamp)
	assert.True(t, got[0].Close.Equal(bars[10].Close))

	latest, err := reopened.GetLatestQuote(context.Background(), "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, bars[47].Timestamp, latest.Timestamp)

	start, end, err := reopened.DataRange("EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, bars[0].Timestamp, start)
	assert.Equal(t, bars[47].Timestamp, end)
}

func TestStoreReadsCSV(t *testing.T) {
	dir := t.TempDir()
	csv := "timestamp,open,high,low,close,volume\n" +
		"2024-01-02T01:00:00Z,1.2701,1.2710,1.2695,1.2705,900\n" +
		"2024-01-02T00:00:00Z,1.2700,1.2708,1.2690,1.2701,1000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GBP_USD_1h.csv"), []byte(csv), 0644))

	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	bars, err := store.GetHistoricalBars(context.Background(), "GBP_USD", types.Timeframe1h,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "GBP_USD", bars[0].Instrument)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp), "bars are sorted")
	assert.Equal(t, "1.2701", bars[0].Close.String())
	assert.Equal(t, "900", bars[1].Volume.String())
}

func TestStoreErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	_, err = store.GetHistoricalBars(context.Background(), "USD_JPY", types.Timeframe1h, testutil.Epoch, testutil.Epoch)
	assert.ErrorIs(t, err, types.ErrDataQuality)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "AUD_USD_1h.csv"), []byte("2024-01-02T00:00:00Z,abc,1,1,1\n"), 0644))
	_, err = store.GetHistoricalBars(context.Background(), "AUD_USD", types.Timeframe1h, testutil.Epoch, testutil.Epoch)
	assert.ErrorIs(t, err, types.ErrDataQuality)

	_, err = store.GetLatestQuote(context.Background(), "NZD_USD")
	assert.ErrorIs(t, err, types.ErrDataQuality)
}

func TestNewFeed(t *testing.T) {
	cfg := types.DefaultConfig().Data
	feed, err := data.NewFeed(zap.NewNop(), cfg, types.Timeframe1h)
	require.NoError(t, err)
	assert.IsType(t, &data.SyntheticFeed{}, feed)

	cfg.Feed = "file"
	cfg.Dir = t.TempDir()
	feed, err = data.NewFeed(zap.NewNop(), cfg, types.Timeframe1h)
	require.NoError(t, err)
	assert.IsType(t, &data.Store{}, feed)

	cfg.Feed = "stream"
	_, err = data.NewFeed(zap.NewNop(), cfg, types.Timeframe1h)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	cfg.Feed = "carrier-pigeon"
	_, err = data.NewFeed(zap.NewNop(), cfg, types.Timeframe1h)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
