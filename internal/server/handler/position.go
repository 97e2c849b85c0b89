package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionReader exposes the tracker's view of open positions.
type PositionReader interface {
	All() map[string]domain.Position
	Summary() domain.PositionSummary
}

// PositionCloser force-closes positions.
type PositionCloser interface {
	ClosePosition(ctx context.Context, symbol string, reason domain.ExitReason) (domain.ClosedTrade, error)
	CloseAll(ctx context.Context, reason domain.ExitReason) ([]domain.ClosedTrade, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionReader, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logHandler(logger, "positions"),
	}
}

// positionView is an open position with its mark-to-market PnL.
type positionView struct {
	domain.Position
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLPercent    float64 `json:"pnl_pct"`
}

type listPositionsResponse struct {
	Positions []positionView         `json:"positions"`
	Summary   domain.PositionSummary `json:"summary"`
}

// ListPositions returns every open position sorted by symbol.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	all := h.positions.All()
	positions := make([]positionView, 0, len(all))
	for _, p := range all {
		positions = append(positions, positionView{Position: p, UnrealizedPnL: p.UnrealizedPnL(), PnLPercent: p.PnLPercent()})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions, Summary: h.positions.Summary()})
}

// ClosePosition force-closes one symbol's position.
// POST /api/positions/{symbol}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	trade, err := h.closer.ClosePosition(r.Context(), symbol, domain.ExitManual)
	switch {
	case errors.Is(err, domain.ErrNoPosition):
		writeError(w, http.StatusNotFound, "no open position for "+symbol)
		return
	case errors.Is(err, domain.ErrCloseInFlight):
		writeError(w, http.StatusConflict, "close already in progress for "+symbol)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "close position failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to close position")
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

type closeAllResponse struct {
	Closed []domain.ClosedTrade `json:"closed"`
	Error  string               `json:"error,omitempty"`
}

// CloseAll force-closes every open position. Partial failures still report
// the trades that closed.
// POST /api/positions/close-all
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	trades, err := h.closer.CloseAll(r.Context(), domain.ExitManual)
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	resp := closeAllResponse{Closed: trades}
	status := http.StatusOK
	if err != nil {
		h.logger.ErrorContext(r.Context(), "close all failed", slog.String("error", err.Error()))
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}
