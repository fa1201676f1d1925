package data

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// DataFeed is the market data boundary used by the backtester and the live loop.
type DataFeed interface {
	// GetHistoricalBars returns bars with start <= timestamp <= end, oldest first.
	GetHistoricalBars(ctx context.Context, instrument string, timeframe types.Timeframe, start, end time.Time) ([]types.MarketBar, error)
	// GetLatestQuote returns the most recent completed bar.
	GetLatestQuote(ctx context.Context, instrument string) (types.MarketBar, error)
}

// Feed kinds accepted by NewFeed.
const (
	FeedSynthetic = "synthetic"
	FeedFile      = "file"
	FeedStream    = "stream"
)

// NewFeed builds the configured feed. The stream feed takes its history from the file store.
func NewFeed(logger *zap.Logger, cfg types.DataConfig, timeframe types.Timeframe) (DataFeed, error) {
	switch cfg.Feed {
	case FeedSynthetic, "":
		return NewSyntheticFeed(logger, cfg.Seed, timeframe), nil
	case FeedFile:
		return NewStore(logger, cfg.Dir)
	case FeedStream:
		if cfg.StreamURL == "" {
			return nil, types.ConfigError("data.feed", "stream feed needs data.stream_url")
		}
		store, err := NewStore(logger, cfg.Dir)
		if err != nil {
			return nil, err
		}
		return NewStreamFeed(logger, cfg.StreamURL, timeframe, store), nil
	default:
		return nil, types.ConfigError("data.feed", "unknown feed %q", cfg.Feed)
	}
}

// filterByTimeRange keeps bars with start <= timestamp <= end.
func filterByTimeRange(bars []types.MarketBar, start, end time.Time) []types.MarketBar {
	var filtered []types.MarketBar
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}
