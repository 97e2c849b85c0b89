package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/exchange/paper"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/feed"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/position"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/signals"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
	"github.com/alanyoungcy/perpbot/internal/strategy"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Recorder

	// Market data
	Candles    *feed.CandleBook
	Feed       *feed.BinanceKlineFeed
	Backfiller *feed.Backfiller

	// Trading core
	Exchange *paper.Exchange
	Executor *executor.Executor
	Tracker  *position.Tracker
	Signals  *signals.Store
	Sweeper  *signals.Sweeper
	Registry *strategy.Registry
	Engine   *engine.Engine

	// Optional persistence; nil when the backing service is disabled.
	Audit   domain.AuditStore
	Journal domain.TradeJournal
	Locks   domain.LockManager

	Notifier *notify.Notifier
	// Events reads back the published event log; nil unless
	// redis.publish_events is set.
	Events *redis.EventLog

	// Checks are the dependency checks reported by /api/health.
	Checks map[string]handler.Check
}

// clients holds the external connections opened during wiring.
type clients struct {
	redis    *redis.Client
	postgres *postgres.Client
	s3       *s3blob.Client
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases resources in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}
	var cl clients

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		cl.postgres = pg
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Journal = postgres.NewTradeStore(pg.Pool())
		deps.Checks["postgres"] = pg.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Namespace:  cfg.Redis.Namespace,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		cl.redis = rc
		deps.Locks = redis.NewLockManager(rc)
		deps.Checks["redis"] = rc.Ping
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		cl.s3 = sc
		deps.Checks["s3"] = sc.Health
	}

	// --- Market data ---
	deps.Candles = feed.NewCandleBook(cfg.Exchange.CandleCapacity)
	deps.Feed = feed.NewBinanceKlineFeed(feed.KlineConfig{
		URL:      cfg.Exchange.StreamURL,
		Symbols:  cfg.Engine.Symbols,
		Interval: cfg.Exchange.Interval,
	}, deps.Candles, logger)
	if cfg.Exchange.Backfill {
		deps.Backfiller = feed.NewBackfiller(cfg.Exchange.RESTURL)
	}

	precision := make(map[string]domain.Precision, len(cfg.Exchange.Precision))
	for sym, p := range cfg.Exchange.Precision {
		precision[sym] = domain.Precision{
			StepSize:       p.StepSize,
			QtyPrecision:   p.QtyPrecision,
			PricePrecision: p.PricePrecision,
			MinNotional:    p.MinNotional,
		}
	}
	deps.Exchange = paper.New(deps.Candles, paper.Config{
		Precision:   precision,
		SlippageBps: cfg.Exchange.SlippageBps,
	}, logger)

	// --- Events ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Timeout.Duration, logger)
	closers = append(closers, deps.Notifier.Wait)

	sinks := notify.Fanout{deps.Notifier}
	if cl.redis != nil && cfg.Redis.PublishEvents {
		bus := redis.NewEventBus(cl.redis)
		stream := cl.redis.Key(redis.EventStream)
		sinks = append(sinks, redis.NewPublisher(bus, cl.redis.Key(redis.EventChannel), stream, logger))
		deps.Events = redis.NewEventLog(bus, stream)
	}

	// --- Trading core ---
	deps.Executor = executor.NewExecutor(deps.Exchange, executor.Config{
		MaxRetries:     cfg.Executor.MaxRetries,
		RetryDelay:     cfg.Executor.RetryDelay.Duration,
		AttemptTimeout: cfg.Executor.AttemptTimeout.Duration,
		MinNotional:    cfg.Executor.MinNotional,
		HistoryLimit:   cfg.Executor.HistoryLimit,
		DedupWindow:    cfg.Executor.DedupWindow.Duration,
		Funding: executor.FundingGuard{
			Enabled:  cfg.Executor.FundingGuard,
			Interval: cfg.Executor.FundingInterval.Duration,
			Window:   cfg.Executor.FundingWindow.Duration,
		},
	}, deps.Metrics, logger)

	deps.Tracker = position.NewTracker(position.Config{
		TakeProfitPct:   cfg.Position.TakeProfitPct,
		StopLossPct:     cfg.Position.StopLossPct,
		HardStopLossPct: cfg.Position.HardStopLossPct,
		ProtectiveOrder: cfg.Position.ProtectiveOrder,
		ReadTimeout:     cfg.Position.ReadTimeout.Duration,
	}, position.Deps{
		Orders:   deps.Executor,
		Exchange: deps.Exchange,
		Sink:     sinks,
		Audit:    deps.Audit,
		Journal:  deps.Journal,
		Metrics:  deps.Metrics,
		Logger:   logger,
	})

	deps.Signals = signals.NewStore(
		signals.WithHistoryCapacity(cfg.Signals.HistoryCapacity),
		signals.WithRules(domain.ValidationRules{
			MinConfidence: cfg.Signals.MinConfidence,
			MaxAge:        cfg.Signals.MaxAge.Duration,
		}),
		signals.WithLogger(logger),
	)
	snapshots, err := snapshotStore(cfg, cl, logger)
	if err != nil {
		return fail(err)
	}
	deps.Sweeper = signals.NewSweeper(deps.Signals, snapshots, cfg.Signals.SweepInterval.Duration, deps.Metrics, logger)

	deps.Registry = strategy.Builtins(cfg.Engine.StrategyParams)
	deps.Engine = engine.New(engine.Config{
		Symbols:               cfg.Engine.Symbols,
		Strategy:              cfg.Engine.Strategy,
		MaxOpenPositions:      cfg.Engine.MaxOpenPositions,
		TotalCapital:          cfg.Engine.TotalCapital,
		CapitalPerPositionPct: cfg.Engine.CapitalPerPositionPct,
		Leverage:              cfg.Engine.Leverage,
		CandleLookback:        cfg.Engine.CandleLookback,
		EvaluationInterval:    cfg.Engine.EvaluationInterval.Duration,
		MonitorInterval:       cfg.Engine.MonitorInterval.Duration,
		FetchTimeout:          cfg.Engine.FetchTimeout.Duration,
		SignalTTL:             cfg.Engine.SignalTTL.Duration,
		AutoExecute:           cfg.Mode == ModeTrade,
		AllowShort:            cfg.Engine.AllowShort,
		PauseAfterLosses:      cfg.Engine.PauseAfterLosses,
		UseCandleExtremes:     cfg.Engine.UseCandleExtremes,
	}, engine.Deps{
		Exchange: deps.Exchange,
		Signals:  deps.Signals,
		Tracker:  deps.Tracker,
		Orders:   deps.Executor,
		Registry: deps.Registry,
		Metrics:  deps.Metrics,
		Logger:   logger,
	})

	return deps, cleanup, nil
}

// snapshotStore selects where signal snapshots persist.
func snapshotStore(cfg *config.Config, cl clients, logger *slog.Logger) (domain.SnapshotStore, error) {
	switch cfg.Signals.SnapshotBackend {
	case "", "none":
		return nil, nil
	case "memory":
		return &signals.MemorySnapshots{}, nil
	case "redis":
		if cl.redis == nil {
			return nil, fmt.Errorf("wire: snapshot backend redis requires redis.enabled")
		}
		return redis.NewSnapshotStore(cl.redis, cfg.Signals.SnapshotKey, 24*time.Hour), nil
	case "s3":
		if cl.s3 == nil {
			return nil, fmt.Errorf("wire: snapshot backend s3 requires s3.enabled")
		}
		return s3blob.NewSnapshotStore(s3blob.NewClientObjects(cl.s3), cfg.Signals.ArchivePrefix, cfg.Signals.ArchiveKeep, logger), nil
	default:
		return nil, fmt.Errorf("wire: unknown snapshot backend %q", cfg.Signals.SnapshotBackend)
	}
}
