package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the order lifecycle as reported by the exchange.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Precision is the per-symbol lot and tick metadata fetched once at startup.
type Precision struct {
	StepSize       float64 `json:"step_size"`
	QtyPrecision   int     `json:"qty_precision"`
	PricePrecision int     `json:"price_precision"`
	MinNotional    float64 `json:"min_notional"`
}

// OrderRequest is a validated trade decision on its way to the exchange.
type OrderRequest struct {
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
	SignalID   string    `json:"signal_id,omitempty"`
	// RefPrice is the last seen market price, used for notional checks on
	// market orders.
	RefPrice float64 `json:"ref_price,omitempty"`
}

// Notional returns quantity times the limit price, or the reference price
// for market orders.
func (r OrderRequest) Notional() float64 {
	price := r.LimitPrice
	if r.Type == OrderTypeMarket || price == 0 {
		price = r.RefPrice
	}
	return r.Quantity * price
}

// Fill is what the exchange reports back for an accepted order.
type Fill struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	ExecutedQty float64     `json:"executed_qty"`
	AvgPrice    float64     `json:"avg_price"`
}

// OrderResult is the definitive outcome of OrderExecutor.Submit.
type OrderResult struct {
	Success     bool         `json:"success"`
	OrderID     string       `json:"order_id,omitempty"`
	Request     OrderRequest `json:"request"`
	Status      OrderStatus  `json:"status"`
	ExecutedQty float64      `json:"executed_qty"`
	AvgPrice    float64      `json:"avg_price"`
	Error       string       `json:"error,omitempty"`
	Attempts    int          `json:"attempts"`
	SubmittedAt time.Time    `json:"submitted_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// OrderState is a point-in-time view of an order at the exchange.
type OrderState struct {
	OrderID     string      `json:"order_id"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Status      OrderStatus `json:"status"`
	Quantity    float64     `json:"quantity"`
	ExecutedQty float64     `json:"executed_qty"`
	Price       float64     `json:"price"`
}

// OrderStats aggregates the executor's order history.
type OrderStats struct {
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgAttempts   float64 `json:"avg_attempts"`
	TotalNotional float64 `json:"total_notional"`
}
