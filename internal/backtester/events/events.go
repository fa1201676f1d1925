// Package events provides the event queue that orders bar replay in the backtester.
package events

import (
	"container/heap"
	"time"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeBar  EventType = "bar"
	EventTypeRisk EventType = "risk"
)

// Event is the base interface for all events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetPriority() int
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetPriority() int        { return e.Priority }

// BarEvent delivers one bar. Priority is the instrument's position in the configured list.
type BarEvent struct {
	BaseEvent
	Bar types.MarketBar `json:"bar"`
}

// NewBarEvent creates a bar event.
func NewBarEvent(bar types.MarketBar, priority int) *BarEvent {
	return &BarEvent{
		BaseEvent: BaseEvent{Type: EventTypeBar, Timestamp: bar.Timestamp, Priority: priority},
		Bar:       bar,
	}
}

// RiskEvent asks for a portfolio risk evaluation after the bars of its timestamp.
type RiskEvent struct {
	BaseEvent
}

// NewRiskEvent creates a risk event that sorts after every bar of the same timestamp.
func NewRiskEvent(at time.Time) *RiskEvent {
	return &RiskEvent{BaseEvent: BaseEvent{Type: EventTypeRisk, Timestamp: at, Priority: 1 << 30}}
}

// EventQueue is a priority queue ordered by timestamp, then priority, then insertion order.
type EventQueue struct {
	items eventHeap
	seq   uint64
}

type queued struct {
	event Event
	seq   uint64
}

type eventHeap []queued

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	ta, tb := a.event.GetTimestamp(), b.event.GetTimestamp()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if pa, pb := a.event.GetPriority(), b.event.GetPriority(); pa != pb {
		return pa < pb
	}
	return a.seq < b.seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewEventQueue creates a new event queue
func NewEventQueue() *EventQueue {
	return &EventQueue{items: make(eventHeap, 0, 10000)}
}

// Push adds an event to the queue
func (q *EventQueue) Push(e Event) {
	q.seq++
	heap.Push(&q.items, queued{event: e, seq: q.seq})
}

// Pop removes and returns the next event
func (q *EventQueue) Pop() Event {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(queued).event
}

// PopBatch removes and returns every event sharing the next timestamp, in queue order.
func (q *EventQueue) PopBatch() []Event {
	head := q.Peek()
	if head == nil {
		return nil
	}
	at := head.GetTimestamp()
	var batch []Event
	for q.Len() > 0 && q.Peek().GetTimestamp().Equal(at) {
		batch = append(batch, q.Pop())
	}
	return batch
}

// Peek returns the next event without removing it
func (q *EventQueue) Peek() Event {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].event
}

// Len returns the number of events in the queue
func (q *EventQueue) Len() int {
	return len(q.items)
}

// Clear removes all events from the queue
func (q *EventQueue) Clear() {
	q.items = q.items[:0]
	q.seq = 0
}
