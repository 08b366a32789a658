package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.DefiLlama.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.CoinGecko.MinInterval)
	assert.Equal(t, 100, cfg.CoinGecko.MaxQueueSize)
	assert.Equal(t, 6*time.Hour, cfg.Sync.CoinDetailsMaxAge)
	assert.Equal(t, 7, cfg.Cleanup.ChartRetentionDays)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
app:
  environment: staging
database:
  driver: sqlite
  path: /tmp/sync.db
coingecko:
  min_interval: 5s
sync:
  all_schedule: "@every 30m"
  top_pools_limit: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("COINGECKO_API_KEY", "CG-abcdefghijkl")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.CoinGecko.MinInterval)
	assert.Equal(t, "@every 30m", cfg.Sync.AllSchedule)
	assert.Equal(t, 10, cfg.Sync.TopPoolsLimit)
	assert.Equal(t, "CG-abcdefghijkl", cfg.CoinGecko.APIKey)

	safe := cfg.SafeString()
	assert.NotContains(t, safe, "CG-abcdefghijkl")
	assert.Contains(t, safe, "CG-a...ijkl")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			App:       AppConfig{Environment: "development"},
			Database:  DatabaseConfig{Driver: "postgres", Host: "localhost", Port: "5432", DBName: "defi"},
			DefiLlama: DefiLlamaConfig{MaxRetries: 3},
			CoinGecko: CoinGeckoConfig{MaxQueueSize: 100, MaxAttempts: 3},
			Sync:      SyncConfig{Enabled: true, AllSchedule: "0 * * * *"},
			Cleanup:   CleanupConfig{Enabled: true, Schedule: "0 4 * * *", ChartRetentionDays: 7},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"missing host", func(c *Config) { c.Database.Host = "" }},
		{"production without redis", func(c *Config) {
			c.App.Environment = "production"
			c.Database.Password = "secret"
		}},
		{"bad cron", func(c *Config) { c.Sync.AllSchedule = "every hour" }},
		{"zero queue", func(c *Config) { c.CoinGecko.MaxQueueSize = 0 }},
		{"zero retention", func(c *Config) { c.Cleanup.ChartRetentionDays = 0 }},
		{"retention inside chart window", func(c *Config) { c.Cleanup.ChartRetentionDays = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(not set)", maskSecret(""))
	assert.Equal(t, "*****", maskSecret("short"))
	assert.Equal(t, "abcd...mnop", maskSecret("abcdefghijklmnop"))
}
