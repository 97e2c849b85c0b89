package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// EventReader reads the published position-event log.
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]domain.LoggedEvent, error)
	After(ctx context.Context, id string, limit int) ([]domain.LoggedEvent, error)
}

// EventHandler serves the position-event log.
type EventHandler struct {
	reader EventReader
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler. A nil reader makes the endpoint
// report that event publishing is off.
func NewEventHandler(reader EventReader, logger *slog.Logger) *EventHandler {
	return &EventHandler{reader: reader, logger: logHandler(logger, "events")}
}

type listEventsResponse struct {
	Events []domain.LoggedEvent `json:"events"`
	// Last is the id to pass as ?after= on the next poll.
	Last string `json:"last,omitempty"`
}

// ListEvents returns logged events oldest first: the newest page, or the
// page after a known id.
// GET /api/events?after=<id>&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	limit := parseListOpts(r).Limit

	var (
		events []domain.LoggedEvent
		err    error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		events, err = h.reader.After(r.Context(), after, limit)
	} else {
		events, err = h.reader.Recent(r.Context(), limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}
	resp := listEventsResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []domain.LoggedEvent{}
	}
	if n := len(resp.Events); n > 0 {
		resp.Last = resp.Events[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
