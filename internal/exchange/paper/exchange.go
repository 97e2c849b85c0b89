// Package paper is a simulated venue that fills orders against the live
// candle book. It implements domain.Exchange.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PriceSource supplies candles and last prices.
type PriceSource interface {
	Snapshot(symbol string, lookback int) domain.MarketSnapshot
	LastPrice(symbol string) (float64, bool)
}

// Config configures the simulated venue.
type Config struct {
	Precision   map[string]domain.Precision
	SlippageBps float64
}

type order struct {
	state      domain.OrderState
	reduceOnly bool
}

type holding struct {
	side  domain.PositionSide
	qty   decimal.Decimal
	entry decimal.Decimal
}

// Exchange fills market orders at the last price adjusted by slippage and
// rests limit orders until they are cancelled.
type Exchange struct {
	prices   PriceSource
	slippage decimal.Decimal
	logger   *slog.Logger

	mu        sync.Mutex
	precision map[string]domain.Precision
	orders    map[string]*order
	positions map[string]*holding
}

// New creates a paper exchange over prices.
func New(prices PriceSource, cfg Config, logger *slog.Logger) *Exchange {
	prec := make(map[string]domain.Precision, len(cfg.Precision))
	for sym, p := range cfg.Precision {
		prec[strings.ToUpper(sym)] = p
	}
	return &Exchange{
		prices:    prices,
		slippage:  decimal.NewFromFloat(cfg.SlippageBps).Div(decimal.NewFromInt(10000)),
		logger:    logger.With(slog.String("component", "paper_exchange")),
		precision: prec,
		orders:    make(map[string]*order),
		positions: make(map[string]*holding),
	}
}

// GetPrecision returns the configured metadata for the requested symbols.
// Symbols without an entry are omitted.
func (x *Exchange) GetPrecision(_ context.Context, symbols []string) (map[string]domain.Precision, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]domain.Precision, len(symbols))
	for _, s := range symbols {
		if p, ok := x.precision[strings.ToUpper(s)]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// GetMarketSnapshot returns the latest lookback candles for symbol.
func (x *Exchange) GetMarketSnapshot(ctx context.Context, symbol string, lookback int) (domain.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketSnapshot{}, err
	}
	snap := x.prices.Snapshot(symbol, lookback)
	if len(snap.Candles) == 0 {
		return snap, fmt.Errorf("paper: %s: %w", symbol, domain.ErrNoMarketData)
	}
	return snap, nil
}

// GetOpenPositions lists the simulated positions, sorted by symbol.
func (x *Exchange) GetOpenPositions(_ context.Context) ([]domain.ExchangePosition, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(x.positions))
	for sym, h := range x.positions {
		out = append(out, domain.ExchangePosition{
			Symbol:     sym,
			Side:       h.side,
			Quantity:   h.qty.InexactFloat64(),
			EntryPrice: h.entry.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SubmitOrder accepts an order. Market orders fill immediately; limit orders
// rest with status NEW.
func (x *Exchange) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	symbol := strings.ToUpper(req.Symbol)

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.precision[symbol]; !ok {
		return domain.Fill{}, fmt.Errorf("paper: %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	if req.Quantity <= 0 {
		return domain.Fill{}, fmt.Errorf("paper: quantity %v: %w", req.Quantity, domain.ErrInvalidOrder)
	}
	qty := decimal.NewFromFloat(req.Quantity)
	if req.ReduceOnly {
		h, ok := x.positions[symbol]
		if !ok || h.side.CloseSide() != req.Side || qty.GreaterThan(h.qty) {
			return domain.Fill{OrderID: "", Status: domain.OrderStatusRejected},
				fmt.Errorf("paper: reduce-only %s %s would not reduce: %w", req.Side, symbol, domain.ErrInvalidOrder)
		}
	}

	id := uuid.NewString()
	o := &order{
		state: domain.OrderState{
			OrderID:  id,
			Symbol:   symbol,
			Side:     req.Side,
			Type:     req.Type,
			Status:   domain.OrderStatusNew,
			Quantity: req.Quantity,
			Price:    req.LimitPrice,
		},
		reduceOnly: req.ReduceOnly,
	}
	x.orders[id] = o

	if req.Type == domain.OrderTypeLimit {
		x.logger.Debug("limit order resting", slog.String("symbol", symbol), slog.String("order_id", id))
		return domain.Fill{OrderID: id, Status: domain.OrderStatusNew}, nil
	}

	last, ok := x.prices.LastPrice(symbol)
	if !ok {
		o.state.Status = domain.OrderStatusRejected
		return domain.Fill{OrderID: id, Status: domain.OrderStatusRejected},
			fmt.Errorf("paper: %s: %w", symbol, domain.ErrNoMarketData)
	}
	px := x.fillPrice(decimal.NewFromFloat(last), req.Side)
	x.apply(symbol, req.Side, qty, px)

	o.state.Status = domain.OrderStatusFilled
	o.state.ExecutedQty = req.Quantity
	o.state.Price = px.InexactFloat64()
	return domain.Fill{
		OrderID:     id,
		Status:      domain.OrderStatusFilled,
		ExecutedQty: req.Quantity,
		AvgPrice:    o.state.Price,
	}, nil
}

// CancelOrder cancels a resting order.
func (x *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[orderID]
	if !ok || !strings.EqualFold(o.state.Symbol, symbol) {
		return fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.state.Status != domain.OrderStatusNew {
		return fmt.Errorf("paper: order %s is %s: %w", orderID, o.state.Status, domain.ErrInvalidOrder)
	}
	o.state.Status = domain.OrderStatusCancelled
	return nil
}

// GetOrder returns the current state of an order.
func (x *Exchange) GetOrder(_ context.Context, symbol, orderID string) (domain.OrderState, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[orderID]
	if !ok || !strings.EqualFold(o.state.Symbol, symbol) {
		return domain.OrderState{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o.state, nil
}

// fillPrice moves the price against the taker by the slippage fraction.
func (x *Exchange) fillPrice(last decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	adj := last.Mul(x.slippage)
	if side == domain.OrderSideBuy {
		return last.Add(adj)
	}
	return last.Sub(adj)
}

// apply books a fill against the symbol's position. Must hold x.mu.
func (x *Exchange) apply(symbol string, side domain.OrderSide, qty, px decimal.Decimal) {
	h, ok := x.positions[symbol]
	if !ok {
		x.positions[symbol] = &holding{side: sideFor(side), qty: qty, entry: px}
		return
	}
	if h.side.OpenSide() == side {
		total := h.qty.Add(qty)
		h.entry = h.entry.Mul(h.qty).Add(px.Mul(qty)).Div(total)
		h.qty = total
		return
	}

	switch remaining := h.qty.Sub(qty); {
	case remaining.IsPositive():
		h.qty = remaining
	case remaining.IsZero():
		delete(x.positions, symbol)
	default:
		x.positions[symbol] = &holding{side: sideFor(side), qty: remaining.Neg(), entry: px}
	}
}

func sideFor(s domain.OrderSide) domain.PositionSide {
	if s == domain.OrderSideSell {
		return domain.PositionShort
	}
	return domain.PositionLong
}
