package handler

import (
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/feed"
)

// StatusProvider reports the engine's runtime state.
type StatusProvider interface {
	Status() engine.Status
}

// FeedReporter reports the market-data stream's connection state.
type FeedReporter interface {
	Stats() feed.FeedStats
}

// StatusHandler serves the engine status for dashboards.
type StatusHandler struct {
	mode   string
	engine StatusProvider
	feed   FeedReporter
}

// NewStatusHandler creates a StatusHandler for the given run mode. stream
// may be nil.
func NewStatusHandler(mode string, engine StatusProvider, stream FeedReporter) *StatusHandler {
	return &StatusHandler{mode: mode, engine: engine, feed: stream}
}

type statusResponse struct {
	Mode string `json:"mode"`
	engine.Status
	Feed *feed.FeedStats `json:"feed,omitempty"`
}

// GetStatus responds with the run mode, the engine status and the feed
// connection state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.mode, Status: h.engine.Status()}
	if h.feed != nil {
		st := h.feed.Stats()
		resp.Feed = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
