package data_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/data"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

const barPayload = `{"type":"bar","instrument":"EUR_USD","time":"2024-01-02T10:00:00Z",` +
	`"open":"1.1000","high":"1.1010","low":"1.0990","close":"1.1005"}`

func TestParseBarMessage(t *testing.T) {
	bar, err := data.ParseBarMessage([]byte(barPayload))
	require.NoError(t, err)
	assert.Equal(t, "EUR_USD", bar.Instrument)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), bar.Timestamp)
	assert.Equal(t, "1.1005", bar.Close.String())
	assert.True(t, bar.Volume.IsZero())

	bad := []string{
		`{"type":"bar","instrument":"EUR_USD","time":"2024-01-02T10:00:00Z","open":"1","high":"1","low":"1","close":"1","bid":"1"}`,
		`{"type":"tick","instrument":"EUR_USD"}`,
		`{"type":"bar","time":"2024-01-02T10:00:00Z","open":"1","high":"1","low":"1","close":"1"}`,
		`{"type":"bar","instrument":"EUR_USD","time":"yesterday","open":"1","high":"1","low":"1","close":"1"}`,
		`{"type":"bar","instrument":"EUR_USD","time":"2024-01-02T10:00:00Z","open":"x","high":"1","low":"1","close":"1"}`,
		`not json`,
	}
	for _, payload := range bad {
		_, err := data.ParseBarMessage([]byte(payload))
		assert.ErrorIs(t, err, types.ErrDataQuality, payload)
	}
}

func TestStreamFeedServesLatestQuote(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan data.SubscribeMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub data.SubscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"garbage":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(barPayload))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := data.NewStreamFeed(zap.NewNop(), url, types.Timeframe1h, data.NewSyntheticFeed(zap.NewNop(), 1, types.Timeframe1h))
	defer feed.Close()

	ctx := context.Background()
	_, _ = feed.GetLatestQuote(ctx, "EUR_USD")

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Action)
		assert.Equal(t, []string{"EUR_USD"}, sub.Instruments)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		bar, err := feed.GetLatestQuote(ctx, "EUR_USD")
		return err == nil && bar.Close.String() == "1.1005"
	}, 2*time.Second, 10*time.Millisecond)

	_, err := feed.GetLatestQuote(ctx, "GBP_USD")
	assert.ErrorIs(t, err, types.ErrDataQuality, "nothing streamed for GBP_USD")

	hist, err := feed.GetHistoricalBars(ctx, "EUR_USD", types.Timeframe1h,
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, hist, 6)
}
