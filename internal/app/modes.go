package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
)

const (
	shutdownTimeout = 10 * time.Second
	closeAllTimeout = 30 * time.Second
)

// ErrLockLost ends a run whose instance lock could not be refreshed.
var ErrLockLost = errors.New("app: instance lock lost")

// TradeMode adopts positions the venue already holds, then runs the engine
// with order submission enabled. With close_on_shutdown set, every open
// position is closed after the engine stops.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.run(ctx, deps, true)
}

// MonitorMode runs the engine without submitting orders. Signals are still
// evaluated, stored and exposed over HTTP.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.run(ctx, deps, false)
}

func (a *App) run(ctx context.Context, deps *Dependencies, trading bool) error {
	if deps.Locks != nil && a.cfg.Redis.LockKey != "" {
		lease, err := deps.Locks.Acquire(ctx, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("app: instance lock: %w", err)
		}
		a.closers = append(a.closers, lease.Release)
		ctx = a.holdLease(ctx, lease)
	}

	if err := a.seed(ctx, deps); err != nil {
		a.logger.WarnContext(ctx, "candle backfill failed, waiting for live feed", slog.String("error", err.Error()))
	}
	if err := deps.Engine.Initialize(ctx, a.cfg.Engine.Symbols); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := deps.Sweeper.Load(ctx); err != nil {
		a.logger.WarnContext(ctx, "signal snapshot not restored", slog.String("error", err.Error()))
	}
	if trading {
		adopted, err := deps.Tracker.Adopt(ctx, deps.Engine.Symbols())
		if err != nil {
			return fmt.Errorf("app: adopt positions: %w", err)
		}
		if len(adopted) > 0 {
			a.logger.InfoContext(ctx, "adopted open positions", slog.Any("symbols", adopted))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Feed.Run(gctx)
	})
	g.Go(func() error {
		return deps.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		err := deps.Engine.Run(gctx)
		if trading && a.cfg.Engine.CloseOnShutdown {
			a.closeAll(context.WithoutCancel(gctx), deps)
		}
		return err
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps)
	}

	a.notice(ctx, deps, "perpbot started", fmt.Sprintf("mode: %s\nstrategy: %s\nsymbols: %s",
		a.cfg.Mode, a.cfg.Engine.Strategy, strings.Join(deps.Engine.Symbols(), ", ")))

	err := g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, ErrLockLost) {
		a.notice(ctx, deps, "perpbot stopped", cause.Error())
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// holdLease keeps the instance lock alive. Losing it cancels the returned
// context so a second instance never trades alongside this one.
func (a *App) holdLease(ctx context.Context, lease domain.Lease) context.Context {
	ctx, cancel := context.WithCancelCause(ctx)
	ttl := a.cfg.Redis.LockTTL.Duration
	go func() {
		if err := redis.KeepAlive(ctx, lease, ttl, ttl/3); err != nil {
			a.logger.Error("instance lock lost", slog.String("error", err.Error()))
			cancel(fmt.Errorf("%w: %w", ErrLockLost, err))
		}
	}()
	a.closers = append(a.closers, func() { cancel(nil) })
	return ctx
}

// notice sends a lifecycle message to the chat senders. Failures only log.
func (a *App) notice(ctx context.Context, deps *Dependencies, title, message string) {
	if deps.Notifier == nil {
		return
	}
	timeout := a.cfg.Notify.Timeout.Duration
	if timeout <= 0 {
		timeout = notify.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := deps.Notifier.Send(ctx, title, message); err != nil {
		a.logger.Warn("lifecycle notice failed", slog.String("error", err.Error()))
	}
}

func (a *App) seed(ctx context.Context, deps *Dependencies) error {
	if deps.Backfiller == nil {
		return nil
	}
	return deps.Backfiller.Seed(ctx, deps.Candles, a.cfg.Engine.Symbols, a.cfg.Exchange.Interval, a.cfg.Exchange.CandleCapacity)
}

func (a *App) closeAll(ctx context.Context, deps *Dependencies) {
	ctx, cancel := context.WithTimeout(ctx, closeAllTimeout)
	defer cancel()
	trades, err := deps.Engine.CloseAll(ctx, domain.ExitShutdown)
	if err != nil {
		a.logger.Error("close on shutdown incomplete",
			slog.Int("closed", len(trades)),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.Info("closed positions on shutdown", slog.Int("closed", len(trades)))
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var stream handler.FeedReporter
	if deps.Feed != nil {
		stream = deps.Feed
	}
	var events handler.EventReader
	if deps.Events != nil {
		events = deps.Events
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, deps.Engine, stream),
		Positions: handler.NewPositionHandler(deps.Tracker, deps.Engine, a.logger),
		Signals:   handler.NewSignalHandler(deps.Signals),
		Orders:    handler.NewOrderHandler(deps.Executor),
		Strategy:  handler.NewStrategyHandler(deps.Engine, deps.Registry, a.logger),
		Trades:    handler.NewTradeHandler(deps.Journal, a.logger),
		Events:    handler.NewEventHandler(events, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, deps.Metrics, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
