package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// MinChartRetentionDays is the time series horizon chart passes keep; the
// sweep may not cut into it
const MinChartRetentionDays = 7

type Config struct {
	App       AppConfig       `yaml:"app" mapstructure:"app"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	DefiLlama DefiLlamaConfig `yaml:"defillama" mapstructure:"defillama"`
	CoinGecko CoinGeckoConfig `yaml:"coingecko" mapstructure:"coingecko"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Cleanup   CleanupConfig   `yaml:"cleanup" mapstructure:"cleanup"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

type AppConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Environment string `yaml:"environment" mapstructure:"environment"`
	LogLevel    string `yaml:"log_level" mapstructure:"log_level"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	Host     string `yaml:"host" mapstructure:"host"`
	Port     string `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"db_name" mapstructure:"db_name"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxConns int    `yaml:"max_conns" mapstructure:"max_conns"`
	Path     string `yaml:"path" mapstructure:"path"` // sqlite file, ":memory:" for tests
}

type RedisConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     string `yaml:"port" mapstructure:"port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

type DefiLlamaConfig struct {
	APIBaseURL         string        `yaml:"api_base_url" mapstructure:"api_base_url"`
	YieldsBaseURL      string        `yaml:"yields_base_url" mapstructure:"yields_base_url"`
	StablecoinsBaseURL string        `yaml:"stablecoins_base_url" mapstructure:"stablecoins_base_url"`
	Timeout            time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialDelay       time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	BackoffFactor      float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	MaxDelay           time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

type CoinGeckoConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MinInterval       time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	SafetyMargin      time.Duration `yaml:"safety_margin" mapstructure:"safety_margin"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after" mapstructure:"default_retry_after"`
	RetryDelay        time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	MaxQueueSize      int           `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

type SyncConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	RunOnStart bool `yaml:"run_on_start" mapstructure:"run_on_start"`

	// Cron expressions, standard 5-field or descriptors such as "@every 1h"
	AllSchedule    string `yaml:"all_schedule" mapstructure:"all_schedule"`
	CoinsSchedule  string `yaml:"coins_schedule" mapstructure:"coins_schedule"`
	ChartsSchedule string `yaml:"charts_schedule" mapstructure:"charts_schedule"`

	Chains         []string `yaml:"chains" mapstructure:"chains"` // empty = built-in allow-list
	TopPoolsLimit  int      `yaml:"top_pools_limit" mapstructure:"top_pools_limit"`
	TopPoolsMinTVL float64  `yaml:"top_pools_min_tvl" mapstructure:"top_pools_min_tvl"`
	TopPoolsMinAPY float64  `yaml:"top_pools_min_apy" mapstructure:"top_pools_min_apy"`

	CoinDetailsMaxAge time.Duration `yaml:"coin_details_max_age" mapstructure:"coin_details_max_age"`
	TokenBatchSize    int           `yaml:"token_batch_size" mapstructure:"token_batch_size"`
	TokenBatchPause   time.Duration `yaml:"token_batch_pause" mapstructure:"token_batch_pause"`
}

type CleanupConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule           string `yaml:"schedule" mapstructure:"schedule"`
	ChartRetentionDays int    `yaml:"chart_retention_days" mapstructure:"chart_retention_days"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Port      string `yaml:"port" mapstructure:"port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "defi-sync")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "defi_sync")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.path", "defi_sync.db")

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("defillama.api_base_url", "https://api.llama.fi")
	v.SetDefault("defillama.yields_base_url", "https://yields.llama.fi")
	v.SetDefault("defillama.stablecoins_base_url", "https://stablecoins.llama.fi")
	v.SetDefault("defillama.timeout", 30*time.Second)
	v.SetDefault("defillama.max_retries", 3)
	v.SetDefault("defillama.initial_delay", 2*time.Second)
	v.SetDefault("defillama.backoff_factor", 2.0)
	v.SetDefault("defillama.max_delay", 30*time.Second)

	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.api_key", "")
	v.SetDefault("coingecko.timeout", 30*time.Second)
	v.SetDefault("coingecko.min_interval", 2*time.Second)
	v.SetDefault("coingecko.safety_margin", time.Second)
	v.SetDefault("coingecko.default_retry_after", 60*time.Second)
	v.SetDefault("coingecko.retry_delay", 2*time.Second)
	v.SetDefault("coingecko.max_queue_size", 100)
	v.SetDefault("coingecko.max_attempts", 3)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.run_on_start", false)
	v.SetDefault("sync.all_schedule", "0 * * * *")
	v.SetDefault("sync.coins_schedule", "30 3 * * *")
	v.SetDefault("sync.charts_schedule", "15 */6 * * *")
	v.SetDefault("sync.chains", []string{})
	v.SetDefault("sync.top_pools_limit", 50)
	v.SetDefault("sync.top_pools_min_tvl", 1_000_000.0)
	v.SetDefault("sync.top_pools_min_apy", 1.0)
	v.SetDefault("sync.coin_details_max_age", 6*time.Hour)
	v.SetDefault("sync.token_batch_size", 5)
	v.SetDefault("sync.token_batch_pause", 500*time.Millisecond)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.schedule", "0 4 * * *")
	v.SetDefault("cleanup.chart_retention_days", 7)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", "9090")
	v.SetDefault("metrics.namespace", "defi_sync")
}

func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Database.Host = getEnv("DB_HOST", config.Database.Host)
	config.Database.User = getEnv("DB_USER", config.Database.User)
	config.Database.Password = getEnv("DB_PASSWORD", config.Database.Password)
	config.Database.DBName = getEnv("DB_NAME", config.Database.DBName)
	config.Database.Port = getEnv("DB_PORT", config.Database.Port)
	config.Redis.Host = getEnv("REDIS_HOST", config.Redis.Host)
	config.Redis.Password = getEnv("REDIS_PASSWORD", config.Redis.Password)
	config.CoinGecko.APIKey = getEnv("COINGECKO_API_KEY", config.CoinGecko.APIKey)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Port == "" {
			return fmt.Errorf("database.port is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database.db_name is required")
		}
		if c.App.Environment == "production" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required for production")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	// Redis is optional outside production; without it the cache and
	// on-demand commands are disabled
	if c.App.Environment == "production" && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required for production")
	}

	if c.DefiLlama.MaxRetries < 1 {
		return fmt.Errorf("defillama.max_retries must be at least 1")
	}
	if c.CoinGecko.MaxQueueSize < 1 {
		return fmt.Errorf("coingecko.max_queue_size must be at least 1")
	}
	if c.CoinGecko.MaxAttempts < 1 {
		return fmt.Errorf("coingecko.max_attempts must be at least 1")
	}

	if c.Sync.Enabled {
		schedules := map[string]string{
			"sync.all_schedule":    c.Sync.AllSchedule,
			"sync.coins_schedule":  c.Sync.CoinsSchedule,
			"sync.charts_schedule": c.Sync.ChartsSchedule,
		}
		for key, spec := range schedules {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%s: invalid cron expression %q: %w", key, spec, err)
			}
		}
	}

	if c.Cleanup.Enabled {
		if c.Cleanup.ChartRetentionDays < MinChartRetentionDays {
			return fmt.Errorf("cleanup.chart_retention_days must be at least %d", MinChartRetentionDays)
		}
		if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
			return fmt.Errorf("cleanup.schedule: invalid cron expression %q: %w", c.Cleanup.Schedule, err)
		}
	}

	return nil
}

func (c *Config) SafeString() string {
	return fmt.Sprintf(`Config:
		Name: %s
		Environment: %s
		Log Level: %s

		Database:
			Driver: %s
			Host: %s:%s
			User: %s
			Password: %s
			Database: %s
			SSL Mode: %s
			Max Connections: %d

		Redis:
			Host: %s:%s
			Password: %s
			Database: %d

		DefiLlama:
			API: %s
			Yields: %s
			Stablecoins: %s
			Max Retries: %d

		CoinGecko:
			Base URL: %s
			API Key: %s
			Min Interval: %s
			Max Queue Size: %d

		Sync:
			Enabled: %t
			All: %s
			Coins: %s
			Charts: %s
			Top Pools: %d (TVL >= $%.0f, APY >= %.2f%%)

		Cleanup:
			Enabled: %t
			Schedule: %s
			Chart Retention: %d days

		Metrics:
			Enabled: %t
			Port: %s
		`,
		c.App.Name,
		c.App.Environment,
		c.App.LogLevel,
		c.Database.Driver,
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		maskSecret(c.Database.Password),
		c.Database.DBName,
		c.Database.SSLMode,
		c.Database.MaxConns,
		c.Redis.Host,
		c.Redis.Port,
		maskSecret(c.Redis.Password),
		c.Redis.DB,
		c.DefiLlama.APIBaseURL,
		c.DefiLlama.YieldsBaseURL,
		c.DefiLlama.StablecoinsBaseURL,
		c.DefiLlama.MaxRetries,
		c.CoinGecko.BaseURL,
		maskSecret(c.CoinGecko.APIKey),
		c.CoinGecko.MinInterval,
		c.CoinGecko.MaxQueueSize,
		c.Sync.Enabled,
		c.Sync.AllSchedule,
		c.Sync.CoinsSchedule,
		c.Sync.ChartsSchedule,
		c.Sync.TopPoolsLimit,
		c.Sync.TopPoolsMinTVL,
		c.Sync.TopPoolsMinAPY,
		c.Cleanup.Enabled,
		c.Cleanup.Schedule,
		c.Cleanup.ChartRetentionDays,
		c.Metrics.Enabled,
		c.Metrics.Port,
	)
}

func getEnv(key string, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	return value
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}

	length := len(s)
	if length <= 8 {
		return strings.Repeat("*", length)
	}

	return s[:4] + "..." + s[length-4:]
}
