package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Futuresflow FuturesflowConfig `yaml:"futuresflow"`
	Binance     BinanceConfig     `yaml:"binance"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Backfill    BackfillConfig    `yaml:"backfill"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FuturesflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BinanceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	WsURL          string               `yaml:"ws_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	RetryStatuses     []int         `yaml:"retry_statuses"`
}

type RateLimitConfig struct {
	Capacity int           `yaml:"capacity"`
	Interval time.Duration `yaml:"interval"`
	// AutoDiscover refreshes Capacity from the exchangeInfo REQUEST_WEIGHT
	// limit at service start.
	AutoDiscover bool           `yaml:"auto_discover"`
	Weights      map[string]int `yaml:"weights"`
}

type IngestConfig struct {
	Symbols                  []string      `yaml:"symbols"`
	CandleInterval           string        `yaml:"candle_interval"`
	OpenInterestPeriod       string        `yaml:"open_interest_period"`
	CandlePollInterval       time.Duration `yaml:"candle_poll_interval"`
	OpenInterestPollInterval time.Duration `yaml:"open_interest_poll_interval"`
	FundingPollInterval      time.Duration `yaml:"funding_poll_interval"`
}

type BackfillConfig struct {
	WindowDays        int `yaml:"window_days"`
	CandleLimit       int `yaml:"candle_limit"`
	TradeLimit        int `yaml:"trade_limit"`
	OpenInterestLimit int `yaml:"open_interest_limit"`
	FundingLimit      int `yaml:"funding_limit"`
}

type StorageConfig struct {
	// Backend selects the persistence implementation: file, timescale or memory.
	Backend       string          `yaml:"backend"`
	DataDirectory string          `yaml:"data_directory"`
	Timescale     TimescaleConfig `yaml:"timescale"`
}

type TimescaleConfig struct {
	DSN      string `yaml:"dsn"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override secrets from environment variables if available
	if v := os.Getenv("TIMESCALE_DSN"); v != "" {
		config.Storage.Timescale.DSN = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns the built-in configuration used when no config file is
// supplied, for example by the backfill CLI.
func Default() *Config {
	cfg := defaultConfig()
	cfg.Futuresflow.Name = "futuresflow"
	cfg.Futuresflow.Version = "dev"
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Binance: BinanceConfig{
			BaseURL: "https://fapi.binance.com",
			WsURL:   "wss://fstream.binance.com",
			Timeout: 10 * time.Second,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    10,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2,
			},
			RateLimit: RateLimitConfig{
				Capacity: 1200,
				Interval: time.Minute,
			},
		},
		Ingest: IngestConfig{
			Symbols:                  []string{"BTCUSDT", "ETHUSDT"},
			CandleInterval:           "1m",
			OpenInterestPeriod:       "5m",
			CandlePollInterval:       30 * time.Second,
			OpenInterestPollInterval: time.Minute,
			FundingPollInterval:      time.Minute,
		},
		Backfill: BackfillConfig{
			WindowDays:        90,
			CandleLimit:       1200,
			TradeLimit:        1000,
			OpenInterestLimit: 500,
			FundingLimit:      1000,
		},
		Storage: StorageConfig{
			Backend:       "file",
			DataDirectory: "data/binance",
			Timescale: TimescaleConfig{
				MinConns: 1,
				MaxConns: 5,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Futuresflow.Name == "" {
		return fmt.Errorf("futuresflow.name is required")
	}

	if cfg.Futuresflow.Version == "" {
		return fmt.Errorf("futuresflow.version is required")
	}

	if cfg.Binance.BaseURL == "" {
		return fmt.Errorf("binance.base_url is required")
	}
	if cfg.Binance.WsURL == "" {
		return fmt.Errorf("binance.ws_url is required")
	}
	if cfg.Binance.Timeout <= 0 {
		return fmt.Errorf("binance.timeout must be greater than 0")
	}
	if cfg.Binance.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("binance.retry.max_attempts must be greater than 0")
	}
	if cfg.Binance.Retry.BaseDelay < 0 {
		return fmt.Errorf("binance.retry.base_delay must not be negative")
	}
	if cfg.Binance.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("binance.retry.backoff_multiplier must be >= 1")
	}
	if cfg.Binance.RateLimit.Capacity <= 0 {
		return fmt.Errorf("binance.rate_limit.capacity must be greater than 0")
	}
	if cfg.Binance.RateLimit.Interval <= 0 {
		return fmt.Errorf("binance.rate_limit.interval must be greater than 0")
	}
	for endpoint, weight := range cfg.Binance.RateLimit.Weights {
		if weight <= 0 {
			return fmt.Errorf("binance.rate_limit.weights.%s must be greater than 0", endpoint)
		}
	}

	if len(cfg.Ingest.Symbols) == 0 {
		return fmt.Errorf("ingest.symbols must not be empty")
	}
	if cfg.Ingest.CandleInterval == "" {
		return fmt.Errorf("ingest.candle_interval is required")
	}
	if cfg.Ingest.OpenInterestPeriod == "" {
		return fmt.Errorf("ingest.open_interest_period is required")
	}
	if cfg.Ingest.CandlePollInterval <= 0 {
		return fmt.Errorf("ingest.candle_poll_interval must be greater than 0")
	}
	if cfg.Ingest.OpenInterestPollInterval <= 0 {
		return fmt.Errorf("ingest.open_interest_poll_interval must be greater than 0")
	}
	if cfg.Ingest.FundingPollInterval <= 0 {
		return fmt.Errorf("ingest.funding_poll_interval must be greater than 0")
	}

	if cfg.Backfill.WindowDays <= 0 {
		return fmt.Errorf("backfill.window_days must be greater than 0")
	}
	if cfg.Backfill.CandleLimit <= 0 {
		return fmt.Errorf("backfill.candle_limit must be greater than 0")
	}
	if cfg.Backfill.TradeLimit <= 0 {
		return fmt.Errorf("backfill.trade_limit must be greater than 0")
	}
	if cfg.Backfill.OpenInterestLimit <= 0 {
		return fmt.Errorf("backfill.open_interest_limit must be greater than 0")
	}
	if cfg.Backfill.FundingLimit <= 0 {
		return fmt.Errorf("backfill.funding_limit must be greater than 0")
	}

	switch cfg.Storage.Backend {
	case "file":
		if cfg.Storage.DataDirectory == "" {
			return fmt.Errorf("storage.data_directory is required when the file backend is selected")
		}
	case "timescale":
		if cfg.Storage.Timescale.DSN == "" {
			return fmt.Errorf("storage.timescale.dsn is required when the timescale backend is selected")
		}
		if cfg.Storage.Timescale.MinConns <= 0 || cfg.Storage.Timescale.MaxConns <= 0 {
			return fmt.Errorf("storage.timescale.min_conns and storage.timescale.max_conns must be greater than 0")
		}
		if cfg.Storage.Timescale.MaxConns < cfg.Storage.Timescale.MinConns {
			return fmt.Errorf("storage.timescale.max_conns must be >= storage.timescale.min_conns")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend '%s' is invalid (expected file, timescale or memory)", cfg.Storage.Backend)
	}

	return nil
}
