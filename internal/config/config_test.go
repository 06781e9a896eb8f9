package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, 60*time.Second, cfg.Engine.PendingTimeout.Duration)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero profit target", func(c *Config) { c.Trading.ProfitTarget = 0 }},
		{"profit target of one", func(c *Config) { c.Trading.ProfitTarget = 1 }},
		{"negative stop loss", func(c *Config) { c.Trading.StopLoss = -0.1 }},
		{"sentiment out of range", func(c *Config) { c.Trading.MinSentiment = 1.5 }},
		{"zero max positions", func(c *Config) { c.Trading.MaxPositions = 0 }},
		{"spike multiple below one", func(c *Config) { c.Trading.VolumeSpikeMultiple = 0.5 }},
		{"zero tick window", func(c *Config) { c.Engine.TickWindow = 0 }},
		{"zero pending timeout", func(c *Config) { c.Engine.PendingTimeout.Duration = 0 }},
		{"unknown mode", func(c *Config) { c.Mode = "replay" }},
		{"live without credentials", func(c *Config) { c.Mode = "live" }},
		{"watchlist over cap", func(c *Config) {
			c.Sentiment.MaxWatchlist = 2
			c.Sentiment.Symbols = []string{"SPY", "QQQ", "AAPL"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateLiveWithCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Broker.APIKey = "key"
	cfg.Broker.APISecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	content := `
mode = "live"
log_level = "debug"

[trading]
profit_target = 0.08
max_positions = 3

[engine]
pending_timeout = "90s"
tick_window = 32

[sentiment]
symbols = ["AMD", "INTC"]

[broker]
api_key = "file-key"
api_secret = "file-secret"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0.08, cfg.Trading.ProfitTarget)
	assert.Equal(t, 3, cfg.Trading.MaxPositions)
	assert.Equal(t, 90*time.Second, cfg.Engine.PendingTimeout.Duration)
	assert.Equal(t, 32, cfg.Engine.TickWindow)
	assert.Equal(t, []string{"AMD", "INTC"}, cfg.Sentiment.Symbols)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.02, cfg.Trading.StopLoss)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "paper"`), 0o644))

	t.Setenv("SENTIBOT_MODE", "live")
	t.Setenv("SENTIBOT_BROKER_API_KEY", "env-key")
	t.Setenv("SENTIBOT_BROKER_API_SECRET", "env-secret")
	t.Setenv("SENTIBOT_TRADING_MAX_POSITION_VALUE", "250.5")
	t.Setenv("SENTIBOT_ENGINE_PENDING_TIMEOUT", "2m")
	t.Setenv("SENTIBOT_SENTIMENT_SYMBOLS", "SPY, AAPL ,NVDA")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "env-key", cfg.Broker.APIKey)
	assert.Equal(t, 250.5, cfg.Trading.MaxPositionValue)
	assert.Equal(t, 2*time.Minute, cfg.Engine.PendingTimeout.Duration)
	assert.Equal(t, []string{"SPY", "AAPL", "NVDA"}, cfg.Sentiment.Symbols)
	require.NoError(t, cfg.Validate())
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
