package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalise(&cfg)

	return &cfg, nil
}

// normalise upper-cases symbols and precision keys so lookups match the
// exchange's casing.
func normalise(cfg *Config) {
	for i, s := range cfg.Engine.Symbols {
		cfg.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(cfg.Exchange.Precision) > 0 {
		prec := make(map[string]PrecisionConfig, len(cfg.Exchange.Precision))
		for sym, p := range cfg.Exchange.Precision {
			prec[strings.ToUpper(sym)] = p
		}
		cfg.Exchange.Precision = prec
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Venue, "PERPBOT_EXCHANGE_VENUE")
	setStr(&cfg.Exchange.StreamURL, "PERPBOT_EXCHANGE_STREAM_URL")
	setStr(&cfg.Exchange.RESTURL, "PERPBOT_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.Interval, "PERPBOT_EXCHANGE_INTERVAL")
	setBool(&cfg.Exchange.Backfill, "PERPBOT_EXCHANGE_BACKFILL")
	setFloat64(&cfg.Exchange.SlippageBps, "PERPBOT_EXCHANGE_SLIPPAGE_BPS")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Symbols, "PERPBOT_ENGINE_SYMBOLS")
	setStr(&cfg.Engine.Strategy, "PERPBOT_ENGINE_STRATEGY")
	setInt(&cfg.Engine.MaxOpenPositions, "PERPBOT_ENGINE_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Engine.TotalCapital, "PERPBOT_ENGINE_TOTAL_CAPITAL")
	setFloat64(&cfg.Engine.CapitalPerPositionPct, "PERPBOT_ENGINE_CAPITAL_PER_POSITION_PCT")
	setFloat64(&cfg.Engine.Leverage, "PERPBOT_ENGINE_LEVERAGE")
	setDuration(&cfg.Engine.EvaluationInterval, "PERPBOT_ENGINE_EVALUATION_INTERVAL")
	setDuration(&cfg.Engine.MonitorInterval, "PERPBOT_ENGINE_MONITOR_INTERVAL")
	setBool(&cfg.Engine.AllowShort, "PERPBOT_ENGINE_ALLOW_SHORT")
	setInt(&cfg.Engine.PauseAfterLosses, "PERPBOT_ENGINE_PAUSE_AFTER_LOSSES")
	setBool(&cfg.Engine.CloseOnShutdown, "PERPBOT_ENGINE_CLOSE_ON_SHUTDOWN")

	// ── Position ──
	setFloat64(&cfg.Position.TakeProfitPct, "PERPBOT_POSITION_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Position.StopLossPct, "PERPBOT_POSITION_STOP_LOSS_PCT")
	setFloat64(&cfg.Position.HardStopLossPct, "PERPBOT_POSITION_HARD_STOP_LOSS_PCT")
	setBool(&cfg.Position.ProtectiveOrder, "PERPBOT_POSITION_PROTECTIVE_ORDER")

	// ── Executor ──
	setInt(&cfg.Executor.MaxRetries, "PERPBOT_EXECUTOR_MAX_RETRIES")
	setDuration(&cfg.Executor.RetryDelay, "PERPBOT_EXECUTOR_RETRY_DELAY")
	setFloat64(&cfg.Executor.MinNotional, "PERPBOT_EXECUTOR_MIN_NOTIONAL")
	setBool(&cfg.Executor.FundingGuard, "PERPBOT_EXECUTOR_FUNDING_GUARD")

	// ── Signals ──
	setStr(&cfg.Signals.SnapshotBackend, "PERPBOT_SIGNALS_SNAPSHOT_BACKEND")
	setDuration(&cfg.Signals.SweepInterval, "PERPBOT_SIGNALS_SWEEP_INTERVAL")
	setFloat64(&cfg.Signals.MinConfidence, "PERPBOT_SIGNALS_MIN_CONFIDENCE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERPBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "PERPBOT_REDIS_URL")
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.PublishEvents, "PERPBOT_REDIS_PUBLISH_EVENTS")
	setStr(&cfg.Redis.LockKey, "PERPBOT_REDIS_LOCK_KEY")
	setStr(&cfg.Redis.Namespace, "PERPBOT_REDIS_NAMESPACE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PERPBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
