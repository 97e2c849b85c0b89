package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Redis.Password)
	redact(&out.Redis.URL)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Engine.Symbols = append([]string(nil), cfg.Engine.Symbols...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	if cfg.Exchange.Precision != nil {
		out.Exchange.Precision = make(map[string]PrecisionConfig, len(cfg.Exchange.Precision))
		for k, v := range cfg.Exchange.Precision {
			out.Exchange.Precision[k] = v
		}
	}
	if cfg.Engine.StrategyParams != nil {
		out.Engine.StrategyParams = make(map[string]map[string]any, len(cfg.Engine.StrategyParams))
		for name, params := range cfg.Engine.StrategyParams {
			cp := make(map[string]any, len(params))
			for k, v := range params {
				cp[k] = v
			}
			out.Engine.StrategyParams[name] = cp
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
