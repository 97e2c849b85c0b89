package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/signals"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// offlineConfig returns defaults with every external service disabled and a
// feed URL nothing listens on.
func offlineConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Exchange.Backfill = false
	cfg.Exchange.StreamURL = "ws://127.0.0.1:1/stream"
	cfg.Server.Enabled = false
	cfg.Engine.Symbols = []string{"BTCUSDT"}
	cfg.Engine.EvaluationInterval.Duration = 20 * time.Millisecond
	cfg.Engine.MonitorInterval.Duration = 20 * time.Millisecond
	return &cfg
}

func TestWireOffline(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), offlineConfig(ModeMonitor), discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Audit != nil || deps.Journal != nil || deps.Locks != nil {
		t.Error("persistence should be nil when disabled")
	}
	if deps.Backfiller != nil {
		t.Error("backfiller should be nil when backfill is off")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("checks = %v, want none", deps.Checks)
	}
	if got := deps.Registry.List(); len(got) == 0 {
		t.Error("registry has no strategies")
	}
}

func TestSnapshotStoreSelection(t *testing.T) {
	tests := []struct {
		backend string
		wantNil bool
		wantErr bool
	}{
		{"none", true, false},
		{"", true, false},
		{"memory", false, false},
		{"redis", true, true},
		{"s3", true, true},
		{"etcd", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := offlineConfig(ModeMonitor)
			cfg.Signals.SnapshotBackend = tt.backend
			store, err := snapshotStore(cfg, clients{}, discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (store == nil) != tt.wantNil {
				t.Fatalf("store = %v, wantNil %v", store, tt.wantNil)
			}
			if tt.backend == "memory" {
				if _, ok := store.(*signals.MemorySnapshots); !ok {
					t.Fatalf("store = %T", store)
				}
			}
		})
	}
}

func TestMonitorModeStopsOnCancel(t *testing.T) {
	a := New(offlineConfig(ModeMonitor), discard())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	a := New(offlineConfig("backtest"), discard())
	defer a.Close()
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected unsupported mode error")
	}
}

func TestTradeModeAdoptsAndClosesOnShutdown(t *testing.T) {
	cfg := offlineConfig(ModeTrade)
	cfg.Engine.CloseOnShutdown = true
	ctx := context.Background()

	deps, cleanup, err := Wire(ctx, cfg, discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	deps.Candles.Upsert("BTCUSDT", domain.Candle{
		OpenTime: time.Now().Truncate(time.Minute),
		Open:     50000, High: 50000, Low: 50000, Close: 50000,
	})
	if _, err := deps.Exchange.SubmitOrder(ctx, domain.OrderRequest{
		ClientID: "pre-existing",
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	a := New(cfg, discard())
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := a.TradeMode(runCtx, deps); err != nil {
		t.Fatalf("TradeMode: %v", err)
	}

	open, err := deps.Exchange.GetOpenPositions(ctx)
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open positions after shutdown = %+v", open)
	}
	if sum := deps.Tracker.Summary(); sum.ClosedTrades != 1 {
		t.Fatalf("closed trades = %d, want 1", sum.ClosedTrades)
	}
}

type expiringLocks struct{}

func (expiringLocks) Acquire(context.Context, string, time.Duration) (domain.Lease, error) {
	return expiringLease{}, nil
}

type expiringLease struct{}

func (expiringLease) Refresh(context.Context, time.Duration) error {
	return errors.New("lock held by another instance")
}

func (expiringLease) Release() {}

func TestLostLockFailsRun(t *testing.T) {
	cfg := offlineConfig(ModeMonitor)
	cfg.Redis.LockTTL.Duration = 30 * time.Millisecond
	ctx := context.Background()

	deps, cleanup, err := Wire(ctx, cfg, discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()
	deps.Locks = expiringLocks{}

	a := New(cfg, discard())
	defer a.Close()
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = a.MonitorMode(runCtx, deps)
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("MonitorMode = %v, want ErrLockLost", err)
	}
	if runCtx.Err() != nil {
		t.Fatal("run outlived the lost lock until the test deadline")
	}
}
