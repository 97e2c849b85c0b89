// Package config defines the top-level configuration for perpbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Engine   EngineConfig   `toml:"engine"`
	Position PositionConfig `toml:"position"`
	Executor ExecutorConfig `toml:"executor"`
	Signals  SignalsConfig  `toml:"signals"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PrecisionConfig is one row of the paper venue's symbol table.
type PrecisionConfig struct {
	StepSize       float64 `toml:"step_size"`
	QtyPrecision   int     `toml:"qty_precision"`
	PricePrecision int     `toml:"price_precision"`
	MinNotional    float64 `toml:"min_notional"`
}

// ExchangeConfig selects the venue and its market-data feed.
type ExchangeConfig struct {
	Venue          string                     `toml:"venue"`
	StreamURL      string                     `toml:"stream_url"`
	RESTURL        string                     `toml:"rest_url"`
	Interval       string                     `toml:"interval"`
	Backfill       bool                       `toml:"backfill"`
	CandleCapacity int                        `toml:"candle_capacity"`
	SlippageBps    float64                    `toml:"slippage_bps"`
	Precision      map[string]PrecisionConfig `toml:"precision"`
}

// EngineConfig holds the orchestration parameters.
type EngineConfig struct {
	Symbols               []string                  `toml:"symbols"`
	Strategy              string                    `toml:"strategy"`
	MaxOpenPositions      int                       `toml:"max_open_positions"`
	TotalCapital          float64                   `toml:"total_capital"`
	CapitalPerPositionPct float64                   `toml:"capital_per_position_pct"`
	Leverage              float64                   `toml:"leverage"`
	CandleLookback        int                       `toml:"candle_lookback"`
	EvaluationInterval    duration                  `toml:"evaluation_interval"`
	MonitorInterval       duration                  `toml:"monitor_interval"`
	FetchTimeout          duration                  `toml:"fetch_timeout"`
	SignalTTL             duration                  `toml:"signal_ttl"`
	AllowShort            bool                      `toml:"allow_short"`
	PauseAfterLosses      int                       `toml:"pause_after_losses"`
	UseCandleExtremes     bool                      `toml:"use_candle_extremes"`
	CloseOnShutdown       bool                      `toml:"close_on_shutdown"`
	StrategyParams        map[string]map[string]any `toml:"strategy_params"`
}

// PositionConfig holds the exit thresholds.
type PositionConfig struct {
	TakeProfitPct   float64  `toml:"take_profit_pct"`
	StopLossPct     float64  `toml:"stop_loss_pct"`
	HardStopLossPct float64  `toml:"hard_stop_loss_pct"`
	ProtectiveOrder bool     `toml:"protective_order"`
	ReadTimeout     duration `toml:"read_timeout"`
}

// ExecutorConfig holds order submission parameters.
type ExecutorConfig struct {
	MaxRetries      int      `toml:"max_retries"`
	RetryDelay      duration `toml:"retry_delay"`
	AttemptTimeout  duration `toml:"attempt_timeout"`
	MinNotional     float64  `toml:"min_notional"`
	HistoryLimit    int      `toml:"history_limit"`
	DedupWindow     duration `toml:"dedup_window"`
	FundingGuard    bool     `toml:"funding_guard"`
	FundingInterval duration `toml:"funding_interval"`
	FundingWindow   duration `toml:"funding_window"`
}

// SignalsConfig holds signal store and snapshot parameters.
type SignalsConfig struct {
	HistoryCapacity int      `toml:"history_capacity"`
	MinConfidence   float64  `toml:"min_confidence"`
	MaxAge          duration `toml:"max_age"`
	SweepInterval   duration `toml:"sweep_interval"`
	// SnapshotBackend is one of none, memory, redis, s3.
	SnapshotBackend string `toml:"snapshot_backend"`
	SnapshotKey     string `toml:"snapshot_key"`
	ArchivePrefix   string `toml:"archive_prefix"`
	ArchiveKeep     int    `toml:"archive_keep"`
}

// RedisConfig holds Redis connection parameters. URL (redis:// or rediss://)
// overrides Addr, Password and DB. Namespace prefixes every key and channel.
type RedisConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           string   `toml:"url"`
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	PublishEvents bool     `toml:"publish_events"`
	LockKey       string   `toml:"lock_key"`
	LockTTL       duration `toml:"lock_ttl"`
	Namespace     string   `toml:"namespace"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Timeout           duration `toml:"timeout"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Venue:          "paper",
			StreamURL:      "wss://fstream.binance.com/stream",
			RESTURL:        "https://fapi.binance.com",
			Interval:       "1m",
			Backfill:       true,
			CandleCapacity: 500,
			SlippageBps:    2,
			Precision: map[string]PrecisionConfig{
				"BTCUSDT": {StepSize: 0.001, QtyPrecision: 3, PricePrecision: 1, MinNotional: 100},
				"ETHUSDT": {StepSize: 0.001, QtyPrecision: 3, PricePrecision: 2, MinNotional: 20},
				"SOLUSDT": {StepSize: 1, QtyPrecision: 0, PricePrecision: 4, MinNotional: 5},
			},
		},
		Engine: EngineConfig{
			Symbols:               []string{"BTCUSDT", "ETHUSDT"},
			Strategy:              "sma_cross",
			MaxOpenPositions:      3,
			TotalCapital:          1000,
			CapitalPerPositionPct: 0.1,
			Leverage:              5,
			CandleLookback:        100,
			EvaluationInterval:    duration{10 * time.Second},
			MonitorInterval:       duration{2 * time.Second},
			FetchTimeout:          duration{5 * time.Second},
			SignalTTL:             duration{5 * time.Minute},
			StrategyParams:        map[string]map[string]any{},
		},
		Position: PositionConfig{
			TakeProfitPct:   0.0033,
			StopLossPct:     0.01,
			HardStopLossPct: 0.017,
			ReadTimeout:     duration{5 * time.Second},
		},
		Executor: ExecutorConfig{
			MaxRetries:      3,
			RetryDelay:      duration{time.Second},
			AttemptTimeout:  duration{10 * time.Second},
			MinNotional:     5,
			HistoryLimit:    500,
			DedupWindow:     duration{time.Minute},
			FundingGuard:    true,
			FundingInterval: duration{8 * time.Hour},
			FundingWindow:   duration{5 * time.Minute},
		},
		Signals: SignalsConfig{
			HistoryCapacity: 1000,
			MaxAge:          duration{60 * time.Minute},
			SweepInterval:   duration{30 * time.Second},
			SnapshotBackend: "memory",
			ArchivePrefix:   "signals",
			ArchiveKeep:     288,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			LockKey:    "engine",
			LockTTL:    duration{30 * time.Second},
			Namespace:  "perpbot",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events:  []string{"open", "tp", "sl", "close"},
			Timeout: duration{10 * time.Second},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSnapshotBackends = map[string]bool{
	"none":   true,
	"memory": true,
	"redis":  true,
	"s3":     true,
}

var validEvents = map[string]bool{
	"open":  true,
	"close": true,
	"tp":    true,
	"sl":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.Venue != "paper" {
		errs = append(errs, fmt.Sprintf("exchange: unknown venue %q (valid: paper)", c.Exchange.Venue))
	}
	if c.Exchange.Interval == "" {
		errs = append(errs, "exchange: interval must not be empty")
	}
	if c.Exchange.SlippageBps < 0 {
		errs = append(errs, "exchange: slippage_bps must be >= 0")
	}
	for sym, p := range c.Exchange.Precision {
		if p.StepSize <= 0 {
			errs = append(errs, fmt.Sprintf("exchange: precision %s: step_size must be > 0", sym))
		}
		if p.PricePrecision < 0 || p.QtyPrecision < 0 {
			errs = append(errs, fmt.Sprintf("exchange: precision %s: decimals must be >= 0", sym))
		}
	}

	// Engine
	if len(c.Engine.Symbols) == 0 {
		errs = append(errs, "engine: symbols must not be empty")
	}
	if c.Engine.Strategy == "" {
		errs = append(errs, "engine: strategy must not be empty")
	}
	if c.Engine.MaxOpenPositions < 1 {
		errs = append(errs, "engine: max_open_positions must be >= 1")
	}
	if c.Engine.TotalCapital <= 0 {
		errs = append(errs, "engine: total_capital must be > 0")
	}
	if c.Engine.CapitalPerPositionPct <= 0 || c.Engine.CapitalPerPositionPct > 1 {
		errs = append(errs, "engine: capital_per_position_pct must be in (0, 1]")
	}
	if c.Engine.Leverage < 1 {
		errs = append(errs, "engine: leverage must be >= 1")
	}
	if c.Engine.CandleLookback < 2 {
		errs = append(errs, "engine: candle_lookback must be >= 2")
	}
	if c.Engine.EvaluationInterval.Duration <= 0 || c.Engine.MonitorInterval.Duration <= 0 {
		errs = append(errs, "engine: evaluation_interval and monitor_interval must be > 0")
	}

	// Position
	if c.Position.TakeProfitPct <= 0 {
		errs = append(errs, "position: take_profit_pct must be > 0")
	}
	if c.Position.StopLossPct <= 0 {
		errs = append(errs, "position: stop_loss_pct must be > 0")
	}
	if c.Position.HardStopLossPct < c.Position.StopLossPct {
		errs = append(errs, "position: hard_stop_loss_pct must be >= stop_loss_pct")
	}

	// Executor
	if c.Executor.MaxRetries < 1 {
		errs = append(errs, "executor: max_retries must be >= 1")
	}
	if c.Executor.RetryDelay.Duration < 0 {
		errs = append(errs, "executor: retry_delay must be >= 0")
	}
	if c.Executor.FundingGuard && c.Executor.FundingWindow.Duration >= c.Executor.FundingInterval.Duration {
		errs = append(errs, "executor: funding_window must be shorter than funding_interval")
	}

	// Signals
	if c.Signals.MinConfidence < 0 || c.Signals.MinConfidence > 1 {
		errs = append(errs, "signals: min_confidence must be in [0, 1]")
	}
	backend := strings.ToLower(c.Signals.SnapshotBackend)
	if !validSnapshotBackends[backend] {
		errs = append(errs, fmt.Sprintf("signals: unknown snapshot_backend %q (valid: none, memory, redis, s3)", c.Signals.SnapshotBackend))
	}
	if backend == "redis" && !c.Redis.Enabled {
		errs = append(errs, "signals: snapshot_backend redis requires redis.enabled")
	}
	if backend == "s3" && !c.S3.Enabled {
		errs = append(errs, "signals: snapshot_backend s3 requires s3.enabled")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockKey != "" && c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be >= 1s")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	for _, e := range c.Notify.Events {
		if !validEvents[strings.ToLower(strings.TrimSpace(e))] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q (valid: open, close, tp, sl)", e))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
