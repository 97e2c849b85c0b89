package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Event channel and stream names, relative to the client namespace.
const (
	EventChannel = "events"
	EventStream  = "events:log"
)

// Publisher is a domain.EventSink that pushes every event to the bus, both
// on the pub/sub channel and on the stream. Calls are synchronous so the
// stream keeps event order; failures are logged only.
type Publisher struct {
	bus     domain.EventBus
	channel string
	stream  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher creates a Publisher writing to the fully qualified channel
// and stream names.
func NewPublisher(bus domain.EventBus, channel, stream string, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:     bus,
		channel: channel,
		stream:  stream,
		timeout: time.Second,
		logger:  logger.With(slog.String("component", "event_publisher")),
	}
}

// HandleEvent implements domain.EventSink.
func (p *Publisher) HandleEvent(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal event", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
		p.logger.Warn("publish event failed", slog.String("error", err.Error()))
	}
	if err := p.bus.StreamAppend(ctx, p.stream, payload); err != nil {
		p.logger.Warn("append event failed", slog.String("error", err.Error()))
	}
}

// EventLog reads position events back from the stream.
type EventLog struct {
	bus    domain.EventBus
	stream string
}

// NewEventLog creates a reader over the fully qualified stream name.
func NewEventLog(bus domain.EventBus, stream string) *EventLog {
	return &EventLog{bus: bus, stream: stream}
}

// Recent returns the newest limit events, oldest first.
func (l *EventLog) Recent(ctx context.Context, limit int) ([]domain.LoggedEvent, error) {
	msgs, err := l.bus.StreamTail(ctx, l.stream, limit)
	if err != nil {
		return nil, err
	}
	return decodeEvents(msgs)
}

// After returns up to limit events logged after id, oldest first.
func (l *EventLog) After(ctx context.Context, id string, limit int) ([]domain.LoggedEvent, error) {
	msgs, err := l.bus.StreamRead(ctx, l.stream, id, limit)
	if err != nil {
		return nil, err
	}
	return decodeEvents(msgs)
}

func decodeEvents(msgs []domain.StreamMessage) ([]domain.LoggedEvent, error) {
	out := make([]domain.LoggedEvent, 0, len(msgs))
	for _, m := range msgs {
		var evt domain.Event
		if err := json.Unmarshal(m.Payload, &evt); err != nil {
			return out, fmt.Errorf("redis: decode event %s: %w", m.ID, err)
		}
		out = append(out, domain.LoggedEvent{ID: m.ID, Event: evt})
	}
	return out, nil
}
