package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// BarMessage is the wire format of a streamed bar. Unknown fields are rejected.
type BarMessage struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Time       string `json:"time"`
	Open       string `json:"open"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Close      string `json:"close"`
	Volume     string `json:"volume,omitempty"`
}

// SubscribeMessage asks the stream for bars of the listed instruments.
type SubscribeMessage struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// ParseBarMessage decodes one stream payload into a MarketBar. Malformed payloads are DataQuality errors.
func ParseBarMessage(payload []byte) (types.MarketBar, error) {
	const op = "data.stream"

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var msg BarMessage
	if err := dec.Decode(&msg); err != nil {
		return types.MarketBar{}, types.DataQualityError(op, "decode: %v", err)
	}
	if msg.Type != "bar" {
		return types.MarketBar{}, types.DataQualityError(op, "unexpected message type %q", msg.Type)
	}
	if msg.Instrument == "" {
		return types.MarketBar{}, types.DataQualityError(op, "missing instrument")
	}
	ts, err := time.Parse(time.RFC3339, msg.Time)
	if err != nil {
		return types.MarketBar{}, types.DataQualityError(op, "%s: bad time %q", msg.Instrument, msg.Time)
	}

	bar := types.MarketBar{Instrument: msg.Instrument, Timestamp: ts.UTC()}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", msg.Open, &bar.Open},
		{"high", msg.High, &bar.High},
		{"low", msg.Low, &bar.Low},
		{"close", msg.Close, &bar.Close},
		{"volume", msg.Volume, &bar.Volume},
	} {
		if f.raw == "" && f.name == "volume" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return types.MarketBar{}, types.DataQualityError(op, "%s: bad %s %q", msg.Instrument, f.name, f.raw)
		}
		*f.dst = v
	}
	return bar, nil
}

// StreamFeed receives bars over a websocket and serves the latest one per instrument. History comes
// from another source. The connection is opened on first use and re-opened after a read error.
type StreamFeed struct {
	logger    *zap.Logger
	url       string
	timeframe types.Timeframe
	history   DataFeed

	connMu sync.Mutex
	conn   *websocket.Conn
	subs   map[string]bool

	quoteMu sync.RWMutex
	quotes  map[string]types.MarketBar
}

// NewStreamFeed creates a stream feed for url.
func NewStreamFeed(logger *zap.Logger, url string, timeframe types.Timeframe, history DataFeed) *StreamFeed {
	return &StreamFeed{
		logger:    logger,
		url:       url,
		timeframe: timeframe,
		history:   history,
		subs:      make(map[string]bool),
		quotes:    make(map[string]types.MarketBar),
	}
}

// GetHistoricalBars delegates to the history source.
func (s *StreamFeed) GetHistoricalBars(ctx context.Context, instrument string, timeframe types.Timeframe,
	start, end time.Time) ([]types.MarketBar, error) {
	return s.history.GetHistoricalBars(ctx, instrument, timeframe, start, end)
}

// GetLatestQuote returns the most recent streamed bar, subscribing to the instrument if needed.
func (s *StreamFeed) GetLatestQuote(ctx context.Context, instrument string) (types.MarketBar, error) {
	if err := s.ensureSubscribed(ctx, instrument); err != nil {
		return types.MarketBar{}, err
	}
	s.quoteMu.RLock()
	bar, ok := s.quotes[instrument]
	s.quoteMu.RUnlock()
	if !ok {
		return types.MarketBar{}, types.DataQualityError("data.stream", "no quote received for %s", instrument)
	}
	return bar, nil
}

func (s *StreamFeed) ensureSubscribed(ctx context.Context, instrument string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to stream: %w", err)
		}
		s.conn = conn
		s.logger.Info("Connected to quote stream", zap.String("url", s.url))

		// Resubscribe everything after a reconnect.
		resub := make([]string, 0, len(s.subs))
		for inst := range s.subs {
			resub = append(resub, inst)
		}
		sort.Strings(resub)
		s.subs = make(map[string]bool)
		if len(resub) > 0 {
			if err := s.conn.WriteJSON(SubscribeMessage{Action: "subscribe", Instruments: resub}); err != nil {
				return s.dropLocked(err)
			}
			for _, inst := range resub {
				s.subs[inst] = true
			}
		}
		go s.readLoop(conn)
	}

	if s.subs[instrument] {
		return nil
	}
	if err := s.conn.WriteJSON(SubscribeMessage{Action: "subscribe", Instruments: []string{instrument}}); err != nil {
		return s.dropLocked(err)
	}
	s.subs[instrument] = true
	s.logger.Debug("Subscribed to instrument", zap.String("instrument", instrument))
	return nil
}

func (s *StreamFeed) dropLocked(err error) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return fmt.Errorf("failed to subscribe: %w", err)
}

// readLoop reads messages until the connection fails.
func (s *StreamFeed) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.connMu.Lock()
			if s.conn == conn {
				s.conn.Close()
				s.conn = nil
				s.logger.Warn("Quote stream read error", zap.Error(err))
			}
			s.connMu.Unlock()
			return
		}

		bar, err := ParseBarMessage(message)
		if err != nil {
			s.logger.Warn("Dropped stream message", zap.Error(err))
			continue
		}
		s.quoteMu.Lock()
		if prev, ok := s.quotes[bar.Instrument]; !ok || !bar.Timestamp.Before(prev.Timestamp) {
			s.quotes[bar.Instrument] = bar
		}
		s.quoteMu.Unlock()
	}
}

// Close closes the stream connection.
func (s *StreamFeed) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
