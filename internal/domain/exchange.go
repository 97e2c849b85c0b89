package domain

import "context"

// Exchange is the capability the trading core needs from a venue. Rate
// limiting, authentication and wire formats live behind it.
type Exchange interface {
	GetPrecision(ctx context.Context, symbols []string) (map[string]Precision, error)
	GetMarketSnapshot(ctx context.Context, symbol string, lookback int) (MarketSnapshot, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderState, error)
}
