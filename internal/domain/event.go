package domain

import (
	"context"
	"time"
)

// EventKind classifies events emitted by the trading core.
type EventKind string

const (
	EventOpen  EventKind = "open"
	EventClose EventKind = "close"
	EventTP    EventKind = "tp"
	EventSL    EventKind = "sl"
)

// Event is what downstream sinks (chat, bus, dashboards) receive.
type Event struct {
	Kind   EventKind    `json:"event"`
	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`
	Price  float64      `json:"price"`
	Qty    float64      `json:"qty"`
	PnL    float64      `json:"pnl"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}

// EventSink receives events fire-and-forget. Implementations must not block
// the caller for long and must not report failures back into trading.
type EventSink interface {
	HandleEvent(ctx context.Context, evt Event)
}

// NopSink discards events.
type NopSink struct{}

// HandleEvent implements EventSink.
func (NopSink) HandleEvent(context.Context, Event) {}

// LoggedEvent is an Event read back from the durable log with its entry id.
type LoggedEvent struct {
	ID string `json:"id"`
	Event
}
