package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-regime-engine/internal/backtester/events"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

func bar(instrument string, at time.Time) types.MarketBar {
	return types.MarketBar{Instrument: instrument, Timestamp: at}
}

func TestEventQueueOrdering(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	q := events.NewEventQueue()

	// Pushed per instrument, as the engine loads them.
	for i := 2; i >= 0; i-- {
		q.Push(events.NewBarEvent(bar("GBP_USD", t0.Add(time.Duration(i)*time.Hour)), 1))
	}
	q.Push(events.NewRiskEvent(t0))
	for i := 0; i < 3; i++ {
		q.Push(events.NewBarEvent(bar("EUR_USD", t0.Add(time.Duration(i)*time.Hour)), 0))
	}
	require.Equal(t, 7, q.Len())

	batch := q.PopBatch()
	require.Len(t, batch, 3)
	assert.Equal(t, "EUR_USD", batch[0].(*events.BarEvent).Bar.Instrument)
	assert.Equal(t, "GBP_USD", batch[1].(*events.BarEvent).Bar.Instrument)
	assert.Equal(t, events.EventTypeRisk, batch[2].GetType())

	next := q.Peek()
	require.NotNil(t, next)
	assert.Equal(t, t0.Add(time.Hour), next.GetTimestamp())
	assert.Len(t, q.PopBatch(), 2)
	assert.Len(t, q.PopBatch(), 2)
	assert.Nil(t, q.PopBatch())
	assert.Nil(t, q.Pop())

	q.Push(events.NewRiskEvent(t0))
	q.Clear()
	assert.Zero(t, q.Len())
}
