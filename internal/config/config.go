// Package config defines the top-level configuration for the sentiment
// trading bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SENTIBOT_* environment variables.
type Config struct {
	Trading   TradingConfig   `toml:"trading"`
	Engine    EngineConfig    `toml:"engine"`
	Sentiment SentimentConfig `toml:"sentiment"`
	Broker    BrokerConfig    `toml:"broker"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"` // "paper" or "live"
	LogLevel  string          `toml:"log_level"`
}

// TradingConfig holds the risk limits and position sizing rules.
type TradingConfig struct {
	ProfitTarget        float64 `toml:"profit_target"`
	StopLoss            float64 `toml:"stop_loss"`
	MaxPositions        int     `toml:"max_positions"`
	MinSentiment        float64 `toml:"min_sentiment"`
	MaxPositionValue    float64 `toml:"max_position_value"`
	VolumeSpikeMultiple float64 `toml:"volume_spike_multiple"`
}

// EngineConfig holds event-loop and reconciliation parameters.
type EngineConfig struct {
	Workers           int      `toml:"workers"`
	QueueDepth        int      `toml:"queue_depth"`
	TickWindow        int      `toml:"tick_window"`
	PendingTimeout    duration `toml:"pending_timeout"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	StaleFeedAfter    duration `toml:"stale_feed_after"`
	StatusInterval    duration `toml:"status_interval"`
	ExitRetryDelay    duration `toml:"exit_retry_delay"`
}

// SentimentConfig holds watchlist and signal-source parameters.
type SentimentConfig struct {
	// Symbols is the default watchlist subscribed at startup.
	Symbols []string `toml:"symbols"`
	// MaxWatchlist caps the stream subscription count.
	MaxWatchlist int `toml:"max_watchlist"`
	// MinMentions filters snapshots built from too few source texts.
	MinMentions int `toml:"min_mentions"`
	// Channel is the signal-bus channel the scraper publishes to.
	Channel string `toml:"channel"`
}

// BrokerConfig holds brokerage API endpoints and credentials.
type BrokerConfig struct {
	BaseURL   string `toml:"base_url"`
	DataWSURL string `toml:"data_ws_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSLMode  string `toml:"ssl_mode"`
	MaxConns int    `toml:"pool_max_conns"`
	MinConns int    `toml:"pool_min_conns"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for trade-history archives.
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

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "60s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "60s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the standard values.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			ProfitTarget:        0.05,
			StopLoss:            0.02,
			MaxPositions:        5,
			MinSentiment:        0.3,
			MaxPositionValue:    100.0,
			VolumeSpikeMultiple: 2.0,
		},
		Engine: EngineConfig{
			Workers:           8,
			QueueDepth:        128,
			TickWindow:        64,
			PendingTimeout:    duration{60 * time.Second},
			ReconcileInterval: duration{15 * time.Second},
			StaleFeedAfter:    duration{90 * time.Second},
			StatusInterval:    duration{time.Minute},
			ExitRetryDelay:    duration{2 * time.Second},
		},
		Sentiment: SentimentConfig{
			Symbols:      []string{"SPY", "QQQ", "AAPL", "TSLA", "NVDA"},
			MaxWatchlist: 30,
			MinMentions:  3,
			Channel:      "sentiment",
		},
		Broker: BrokerConfig{
			BaseURL:   "https://paper-api.alpaca.markets",
			DataWSURL: "wss://stream.data.alpaca.markets/v2/iex",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "sentibot",
			User:     "postgres",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "sentibot-data",
			ForcePathStyle: true,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that would make the engine
// misbehave. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Trading.ProfitTarget <= 0 || c.Trading.ProfitTarget >= 1 {
		return fmt.Errorf("config: profit_target must be in (0, 1), got %v", c.Trading.ProfitTarget)
	}
	if c.Trading.StopLoss <= 0 || c.Trading.StopLoss >= 1 {
		return fmt.Errorf("config: stop_loss must be in (0, 1), got %v", c.Trading.StopLoss)
	}
	if c.Trading.MinSentiment < -1 || c.Trading.MinSentiment > 1 {
		return fmt.Errorf("config: min_sentiment must be in [-1, 1], got %v", c.Trading.MinSentiment)
	}
	if c.Trading.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive, got %d", c.Trading.MaxPositions)
	}
	if c.Trading.MaxPositionValue <= 0 {
		return fmt.Errorf("config: max_position_value must be positive, got %v", c.Trading.MaxPositionValue)
	}
	if c.Trading.VolumeSpikeMultiple < 1 {
		return fmt.Errorf("config: volume_spike_multiple must be >= 1, got %v", c.Trading.VolumeSpikeMultiple)
	}
	if c.Engine.TickWindow <= 0 {
		return fmt.Errorf("config: tick_window must be positive, got %d", c.Engine.TickWindow)
	}
	if c.Engine.PendingTimeout.Duration <= 0 {
		return fmt.Errorf("config: pending_timeout must be positive, got %v", c.Engine.PendingTimeout.Duration)
	}
	if c.Sentiment.MaxWatchlist > 0 && len(c.Sentiment.Symbols) > c.Sentiment.MaxWatchlist {
		return fmt.Errorf("config: %d default symbols exceed max_watchlist %d", len(c.Sentiment.Symbols), c.Sentiment.MaxWatchlist)
	}

	switch strings.ToLower(c.Mode) {
	case "paper":
	case "live":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("config: live mode requires broker api_key and api_secret")
		}
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}
	return nil
}
