package handler

import (
	"net/http"
	"sort"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SignalReader is the read side of the signal store.
type SignalReader interface {
	ActiveSet(symbol string) map[domain.SignalKind]domain.Signal
	History(symbol string, limit int) []domain.Signal
	Statistics(symbol string, kind domain.SignalKind) domain.SignalStats
}

// SignalHandler serves signal state per symbol.
type SignalHandler struct {
	signals SignalReader
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(signals SignalReader) *SignalHandler {
	return &SignalHandler{signals: signals}
}

type signalsResponse struct {
	Symbol  string          `json:"symbol"`
	Active  []domain.Signal `json:"active"`
	History []domain.Signal `json:"history"`
}

// GetSignals returns the symbol's valid signals and its recent history.
// GET /api/signals/{symbol}?limit=50
func (h *SignalHandler) GetSignals(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	set := h.signals.ActiveSet(symbol)
	active := make([]domain.Signal, 0, len(set))
	for _, s := range set {
		active = append(active, s)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Kind < active[j].Kind })

	history := h.signals.History(symbol, intQuery(r, "limit", 50))
	if history == nil {
		history = []domain.Signal{}
	}
	writeJSON(w, http.StatusOK, signalsResponse{Symbol: symbol, Active: active, History: history})
}

// GetStats returns lifecycle counts for the symbol, optionally for one kind.
// GET /api/signals/{symbol}/stats?kind=BUY
func (h *SignalHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	kind := domain.SignalKind(r.URL.Query().Get("kind"))
	if kind != "" && !knownKind(kind) {
		writeError(w, http.StatusBadRequest, "unknown signal kind "+string(kind))
		return
	}
	writeJSON(w, http.StatusOK, h.signals.Statistics(symbol, kind))
}

func knownKind(k domain.SignalKind) bool {
	for _, known := range domain.SignalKinds {
		if k == known {
			return true
		}
	}
	return false
}
