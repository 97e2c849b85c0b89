package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// StrategySwitcher changes the engine's active strategy.
type StrategySwitcher interface {
	SwitchStrategy(name string) error
}

// StrategyLister names the registered strategies.
type StrategyLister interface {
	List() []string
}

// StrategyHandler serves strategy selection endpoints.
type StrategyHandler struct {
	switcher StrategySwitcher
	registry StrategyLister
	logger   *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(switcher StrategySwitcher, registry StrategyLister, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		switcher: switcher,
		registry: registry,
		logger:   logHandler(logger, "strategy"),
	}
}

type switchStrategyRequest struct {
	Name string `json:"name"`
}

// ListStrategies returns the registered strategy names.
// GET /api/strategy
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": h.registry.List()})
}

// SwitchStrategy replaces the active strategy. Signals already in the store
// are left to expire or be cancelled by the next evaluation.
// PUT /api/strategy
func (h *StrategyHandler) SwitchStrategy(w http.ResponseWriter, r *http.Request) {
	var req switchStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.switcher.SwitchStrategy(req.Name); err != nil {
		if errors.Is(err, domain.ErrNoStrategy) {
			writeError(w, http.StatusNotFound, "unknown strategy "+req.Name)
			return
		}
		h.logger.ErrorContext(r.Context(), "switch strategy failed",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to switch strategy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "switched",
		"name":   req.Name,
	})
}
