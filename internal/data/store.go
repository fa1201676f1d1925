package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Store serves historical bars from files named <INSTRUMENT>_<timeframe>.json or .csv in a directory.
// CSV rows are timestamp,open,high,low,close[,volume] with RFC3339 timestamps and an optional header.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.MarketBar
	metadata map[string]*InstrumentMetadata
}

// InstrumentMetadata describes the data stored for an instrument
type InstrumentMetadata struct {
	Instrument string    `json:"instrument"`
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
	BarCount   int       `json:"barCount"`
	Timeframe  string    `json:"timeframe"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.MarketBar),
		metadata: make(map[string]*InstrumentMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// GetHistoricalBars loads bars for an instrument and timeframe.
func (s *Store) GetHistoricalBars(ctx context.Context, instrument string, timeframe types.Timeframe,
	start, end time.Time) ([]types.MarketBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := s.load(instrument, timeframe)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// GetLatestQuote returns the last stored bar of the most recently loaded timeframe.
func (s *Store) GetLatestQuote(ctx context.Context, instrument string) (types.MarketBar, error) {
	if err := ctx.Err(); err != nil {
		return types.MarketBar{}, err
	}
	s.mu.RLock()
	meta, ok := s.metadata[instrument]
	s.mu.RUnlock()
	if !ok {
		return types.MarketBar{}, types.DataQualityError("data.store", "no data for %s", instrument)
	}
	bars, err := s.load(instrument, types.Timeframe(meta.Timeframe))
	if err != nil {
		return types.MarketBar{}, err
	}
	if len(bars) == 0 {
		return types.MarketBar{}, types.DataQualityError("data.store", "no data for %s", instrument)
	}
	return bars[len(bars)-1], nil
}

func (s *Store) load(instrument string, timeframe types.Timeframe) ([]types.MarketBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", instrument, timeframe)
	if cached, ok := s.cache[cacheKey]; ok {
		return cached, nil
	}

	var (
		bars []types.MarketBar
		err  error
	)
	base := filepath.Join(s.dataDir, cacheKey)
	switch {
	case fileExists(base + ".json"):
		bars, err = readJSON(base+".json", instrument)
	case fileExists(base + ".csv"):
		bars, err = readCSV(base+".csv", instrument)
	default:
		return nil, types.DataQualityError("data.store", "no data file for %s %s in %s", instrument, timeframe, s.dataDir)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	s.cache[cacheKey] = bars
	s.updateMetadata(instrument, timeframe, bars)

	s.logger.Info("Loaded bars", zap.String("instrument", instrument), zap.String("timeframe", string(timeframe)),
		zap.Int("bars", len(bars)))
	return bars, nil
}

// SaveBars writes bars as JSON and replaces the cached series.
func (s *Store) SaveBars(instrument string, timeframe types.Timeframe, bars []types.MarketBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", instrument, timeframe)
	filename := filepath.Join(s.dataDir, cacheKey+".json")

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[cacheKey] = bars
	s.updateMetadata(instrument, timeframe, bars)
	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	return nil
}

// Instruments returns the instruments with stored data.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.metadata))
	for inst := range s.metadata {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// DataRange returns the stored range for an instrument.
func (s *Store) DataRange(instrument string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[instrument]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for %s", instrument)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.MarketBar)
}

func (s *Store) updateMetadata(instrument string, timeframe types.Timeframe, bars []types.MarketBar) {
	if len(bars) == 0 {
		return
	}
	s.metadata[instrument] = &InstrumentMetadata{
		Instrument: instrument,
		StartDate:  bars[0].Timestamp,
		EndDate:    bars[len(bars)-1].Timestamp,
		BarCount:   len(bars),
		Timeframe:  string(timeframe),
	}
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var metadata map[string]*InstrumentMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJSON(path, instrument string) ([]types.MarketBar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	var bars []types.MarketBar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, types.DataQualityError("data.store", "parse %s: %v", filepath.Base(path), err)
	}
	for i := range bars {
		if bars[i].Instrument == "" {
			bars[i].Instrument = instrument
		}
	}
	return bars, nil
}

func readCSV(path, instrument string) ([]types.MarketBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var bars []types.MarketBar
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.DataQualityError("data.store", "%s line %d: %v", filepath.Base(path), line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "timestamp") {
			continue
		}
		bar, err := parseRecord(rec, instrument)
		if err != nil {
			return nil, types.DataQualityError("data.store", "%s line %d: %v", filepath.Base(path), line, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRecord(rec []string, instrument string) (types.MarketBar, error) {
	if len(rec) < 5 {
		return types.MarketBar{}, fmt.Errorf("expected at least 5 fields, got %d", len(rec))
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[0]))
	if err != nil {
		return types.MarketBar{}, err
	}
	vals := make([]decimal.Decimal, 0, 5)
	for _, field := range rec[1:min(len(rec), 6)] {
		v, err := decimal.NewFromString(strings.TrimSpace(field))
		if err != nil {
			return types.MarketBar{}, err
		}
		vals = append(vals, v)
	}
	bar := types.MarketBar{
		Instrument: instrument,
		Timestamp:  ts.UTC(),
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
	}
	if len(vals) > 4 {
		bar.Volume = vals[4]
	}
	return bar, nil
}
