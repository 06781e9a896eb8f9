package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SENTIBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SENTIBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Trading ──
	setFloat64(&cfg.Trading.ProfitTarget, "SENTIBOT_TRADING_PROFIT_TARGET")
	setFloat64(&cfg.Trading.StopLoss, "SENTIBOT_TRADING_STOP_LOSS")
	setInt(&cfg.Trading.MaxPositions, "SENTIBOT_TRADING_MAX_POSITIONS")
	setFloat64(&cfg.Trading.MinSentiment, "SENTIBOT_TRADING_MIN_SENTIMENT")
	setFloat64(&cfg.Trading.MaxPositionValue, "SENTIBOT_TRADING_MAX_POSITION_VALUE")
	setFloat64(&cfg.Trading.VolumeSpikeMultiple, "SENTIBOT_TRADING_VOLUME_SPIKE_MULTIPLE")

	// ── Engine ──
	setInt(&cfg.Engine.Workers, "SENTIBOT_ENGINE_WORKERS")
	setInt(&cfg.Engine.TickWindow, "SENTIBOT_ENGINE_TICK_WINDOW")
	setDuration(&cfg.Engine.PendingTimeout, "SENTIBOT_ENGINE_PENDING_TIMEOUT")
	setDuration(&cfg.Engine.StaleFeedAfter, "SENTIBOT_ENGINE_STALE_FEED_AFTER")

	// ── Sentiment ──
	setStringSlice(&cfg.Sentiment.Symbols, "SENTIBOT_SENTIMENT_SYMBOLS")
	setInt(&cfg.Sentiment.MinMentions, "SENTIBOT_SENTIMENT_MIN_MENTIONS")
	setStr(&cfg.Sentiment.Channel, "SENTIBOT_SENTIMENT_CHANNEL")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "SENTIBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.DataWSURL, "SENTIBOT_BROKER_DATA_WS_URL")
	setStr(&cfg.Broker.APIKey, "SENTIBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "SENTIBOT_BROKER_API_SECRET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SENTIBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SENTIBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SENTIBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SENTIBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SENTIBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SENTIBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SENTIBOT_POSTGRES_SSLMODE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SENTIBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SENTIBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENTIBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SENTIBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SENTIBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SENTIBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SENTIBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SENTIBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SENTIBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SENTIBOT_S3_SECRET_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SENTIBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SENTIBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SENTIBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SENTIBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SENTIBOT_MODE")
	setStr(&cfg.LogLevel, "SENTIBOT_LOG_LEVEL")
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
