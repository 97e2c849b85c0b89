package notify

import (
	"context"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Fanout forwards every event to each of its sinks in order.
type Fanout []domain.EventSink

// HandleEvent implements domain.EventSink.
func (f Fanout) HandleEvent(ctx context.Context, evt domain.Event) {
	for _, s := range f {
		if s != nil {
			s.HandleEvent(ctx, evt)
		}
	}
}
