package domain

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OpenSide returns the order side that opens a position of this side.
func (s PositionSide) OpenSide() OrderSide {
	if s == PositionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseSide returns the order side that closes a position of this side.
func (s PositionSide) CloseSide() OrderSide {
	return s.OpenSide().Opposite()
}

// ExitReason tags why a position was closed.
type ExitReason string

const (
	ExitTakeProfit    ExitReason = "TP"
	ExitHardStopLoss  ExitReason = "Hard-SL"
	ExitStopConfirmed ExitReason = "SL+confirmation"
	ExitManual        ExitReason = "manual"
	ExitShutdown      ExitReason = "shutdown"
)

// Position is an open position owned by the position tracker.
type Position struct {
	ID                string       `json:"id"`
	Symbol            string       `json:"symbol"`
	Side              PositionSide `json:"side"`
	Quantity          float64      `json:"quantity"`
	EntryPrice        float64      `json:"entry_price"`
	LastPrice         float64      `json:"last_price"`
	Strategy          string       `json:"strategy,omitempty"`
	ProtectiveOrderID string       `json:"protective_order_id,omitempty"`
	OpenedAt          time.Time    `json:"opened_at"`
}

// UnrealizedPnL is (last - entry) * qty, sign-flipped for shorts.
func (p Position) UnrealizedPnL() float64 {
	return PnL(p.Side, p.EntryPrice, p.LastPrice, p.Quantity)
}

// PnLPercent is the unrealized PnL relative to entry notional.
func (p Position) PnLPercent() float64 {
	notional := p.EntryPrice * p.Quantity
	if notional == 0 {
		return 0
	}
	return p.UnrealizedPnL() / notional
}

// PnL computes profit for a position of the given side moving from entry to exit.
func PnL(side PositionSide, entry, exit, qty float64) float64 {
	pnl := (exit - entry) * qty
	if side == PositionShort {
		pnl = -pnl
	}
	return pnl
}

// ClosedTrade is the journal record written when a position is closed.
type ClosedTrade struct {
	PositionID  string       `json:"position_id"`
	Symbol      string       `json:"symbol"`
	Side        PositionSide `json:"side"`
	Quantity    float64      `json:"quantity"`
	EntryPrice  float64      `json:"entry_price"`
	ExitPrice   float64      `json:"exit_price"`
	RealizedPnL float64      `json:"realized_pnl"`
	Reason      ExitReason   `json:"reason"`
	Strategy    string       `json:"strategy,omitempty"`
	OpenedAt    time.Time    `json:"opened_at"`
	ClosedAt    time.Time    `json:"closed_at"`
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   float64      `json:"quantity"`
	EntryPrice float64      `json:"entry_price"`
}

// PositionSummary aggregates the tracker's state.
type PositionSummary struct {
	Open              int     `json:"open"`
	Long              int     `json:"long"`
	Short             int     `json:"short"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	RealizedPnL       float64 `json:"realized_pnl"`
	ClosedTrades      int     `json:"closed_trades"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}
