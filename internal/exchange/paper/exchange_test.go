package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/feed"
)

func newTestExchange(t *testing.T, slippageBps float64) (*Exchange, *feed.CandleBook) {
	t.Helper()
	book := feed.NewCandleBook(50)
	book.Upsert("BTCUSDT", domain.Candle{OpenTime: time.Unix(0, 0).UTC(), Open: 100, High: 100, Low: 100, Close: 100})
	x := New(book, Config{
		Precision: map[string]domain.Precision{
			"btcusdt": {StepSize: 0.001, QtyPrecision: 3, PricePrecision: 2, MinNotional: 5},
		},
		SlippageBps: slippageBps,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return x, book
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestGetPrecisionOmitsUnknown(t *testing.T) {
	x, _ := newTestExchange(t, 0)
	got, err := x.GetPrecision(context.Background(), []string{"BTCUSDT", "DOGEUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["BTCUSDT"]; !ok || len(got) != 1 {
		t.Fatalf("precision = %+v", got)
	}
}

func TestMarketSnapshot(t *testing.T) {
	x, _ := newTestExchange(t, 0)
	snap, err := x.GetMarketSnapshot(context.Background(), "BTCUSDT", 10)
	if err != nil || snap.LastPrice() != 100 {
		t.Fatalf("snapshot = %+v, err = %v", snap, err)
	}
	if _, err := x.GetMarketSnapshot(context.Background(), "ETHUSDT", 10); !errors.Is(err, domain.ErrNoMarketData) {
		t.Fatalf("expected ErrNoMarketData, got %v", err)
	}
}

func TestMarketFillWithSlippageAndAverageEntry(t *testing.T) {
	x, book := newTestExchange(t, 10) // 0.1%
	ctx := context.Background()

	fill, err := x.SubmitOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fill.Status != domain.OrderStatusFilled || !near(fill.AvgPrice, 100.1) {
		t.Fatalf("fill = %+v", fill)
	}

	book.Upsert("BTCUSDT", domain.Candle{OpenTime: time.Unix(60, 0).UTC(), Close: 200})
	if _, err := x.SubmitOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	pos, _ := x.GetOpenPositions(ctx)
	if len(pos) != 1 || pos[0].Side != domain.PositionLong || !near(pos[0].Quantity, 2) {
		t.Fatalf("positions = %+v", pos)
	}
	if !near(pos[0].EntryPrice, (100.1+200.2)/2) {
		t.Fatalf("entry = %v", pos[0].EntryPrice)
	}

	// The reduce-only sell fills below last.
	fill, err = x.SubmitOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 2, ReduceOnly: true})
	if err != nil || !near(fill.AvgPrice, 199.8) {
		t.Fatalf("close fill = %+v, err = %v", fill, err)
	}
	if pos, _ := x.GetOpenPositions(ctx); len(pos) != 0 {
		t.Fatalf("expected flat, got %+v", pos)
	}
}

func TestReduceOnlyRejectedWithoutPosition(t *testing.T) {
	x, _ := newTestExchange(t, 0)
	_, err := x.SubmitOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 1, ReduceOnly: true})
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestSellOpensShortAndFlips(t *testing.T) {
	x, _ := newTestExchange(t, 0)
	ctx := context.Background()
	if _, err := x.SubmitOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := x.SubmitOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 3}); err != nil {
		t.Fatal(err)
	}
	pos, _ := x.GetOpenPositions(ctx)
	if len(pos) != 1 || pos[0].Side != domain.PositionLong || !near(pos[0].Quantity, 2) {
		t.Fatalf("positions = %+v", pos)
	}
}

func TestLimitOrderRestsUntilCancelled(t *testing.T) {
	x, _ := newTestExchange(t, 0)
	ctx := context.Background()
	fill, err := x.SubmitOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, LimitPrice: 90})
	if err != nil || fill.Status != domain.OrderStatusNew {
		t.Fatalf("fill = %+v, err = %v", fill, err)
	}
	if pos, _ := x.GetOpenPositions(ctx); len(pos) != 0 {
		t.Fatal("limit order must not fill")
	}

	st, err := x.GetOrder(ctx, "BTCUSDT", fill.OrderID)
	if err != nil || st.Status != domain.OrderStatusNew || st.Price != 90 {
		t.Fatalf("state = %+v, err = %v", st, err)
	}
	if err := x.CancelOrder(ctx, "BTCUSDT", fill.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := x.CancelOrder(ctx, "BTCUSDT", fill.OrderID); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("second cancel: %v", err)
	}
	if err := x.CancelOrder(ctx, "BTCUSDT", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing cancel: %v", err)
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	x, _ := newTestExchange(t, 0)
	_, err := x.SubmitOrder(context.Background(), domain.OrderRequest{Symbol: "DOGEUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1})
	if !errors.Is(err, domain.ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}
