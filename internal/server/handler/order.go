package handler

import (
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// OrderHistory is the executor's record of submissions.
type OrderHistory interface {
	History(limit int) []domain.OrderResult
	Stats() domain.OrderStats
}

// OrderHandler serves order history endpoints.
type OrderHandler struct {
	orders OrderHistory
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderHistory) *OrderHandler {
	return &OrderHandler{orders: orders}
}

type listOrdersResponse struct {
	Orders []domain.OrderResult `json:"orders"`
}

// ListOrders returns the most recent order results, newest last.
// GET /api/orders?limit=50
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.orders.History(intQuery(r, "limit", 50))
	if orders == nil {
		orders = []domain.OrderResult{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetStats returns aggregate order statistics.
// GET /api/orders/stats
func (h *OrderHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orders.Stats())
}
