package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// TradeHandler serves the closed-trade journal.
type TradeHandler struct {
	journal domain.TradeJournal
	logger  *slog.Logger
}

// NewTradeHandler creates a TradeHandler. A nil journal makes the endpoint
// report that no journal is configured.
func NewTradeHandler(journal domain.TradeJournal, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{journal: journal, logger: logHandler(logger, "trades")}
}

type listTradesResponse struct {
	Trades []domain.ClosedTrade `json:"trades"`
}

// ListTrades returns closed trades newest first.
// GET /api/trades?limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal not configured")
		return
	}
	trades, err := h.journal.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}
