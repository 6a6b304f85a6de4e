// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	TWAP        TWAPConfig        `yaml:"twap"`
	Grid        GridConfig        `yaml:"grid"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// GatewayConfig holds exchange connectivity settings.
type GatewayConfig struct {
	Type               string `yaml:"type"` // binance | sim
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	Testnet            bool   `yaml:"testnet"`
	BaseURL            string `yaml:"base_url"`
	TimeoutSec         int    `yaml:"timeout_sec"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
}

// TWAPConfig holds TWAP defaults applied when a run leaves them unset.
type TWAPConfig struct {
	MaxPriceDeviationPct float64 `yaml:"max_price_deviation_pct"`
	DefaultOrderType     string  `yaml:"default_order_type"` // MARKET | LIMIT
}

// GridConfig holds grid maintenance settings.
type GridConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
	ErrorBackoffSec int `yaml:"error_backoff_sec"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite file
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment
// variables in the document are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	var errs []string

	switch c.Gateway.Type {
	case "":
		c.Gateway.Type = "sim"
	case "binance", "sim":
	default:
		errs = append(errs, "gateway.type must be 'binance' or 'sim'")
	}
	if c.Gateway.Type == "binance" {
		if c.Gateway.APIKey == "" {
			errs = append(errs, "gateway.api_key is required for binance")
		}
		if c.Gateway.APISecret == "" {
			errs = append(errs, "gateway.api_secret is required for binance")
		}
	}
	if c.Gateway.TimeoutSec < 0 {
		errs = append(errs, "gateway.timeout_sec must not be negative")
	}

	if c.TWAP.MaxPriceDeviationPct < 0 || c.TWAP.MaxPriceDeviationPct > 1 {
		errs = append(errs, "twap.max_price_deviation_pct must be between 0 and 1")
	}
	if c.TWAP.MaxPriceDeviationPct == 0 {
		c.TWAP.MaxPriceDeviationPct = 0.01
	}
	switch c.TWAP.DefaultOrderType {
	case "":
		c.TWAP.DefaultOrderType = string(types.OrderTypeMarket)
	case string(types.OrderTypeMarket), string(types.OrderTypeLimit):
	default:
		errs = append(errs, "twap.default_order_type must be 'MARKET' or 'LIMIT'")
	}

	if c.Grid.PollIntervalSec < 0 {
		errs = append(errs, "grid.poll_interval_sec must not be negative")
	}
	if c.Grid.ErrorBackoffSec < 0 {
		errs = append(errs, "grid.error_backoff_sec must not be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 {
			c.Metrics.Port = 9090
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type '%s'", i, ch.Type))
			}
		}
	}

	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be 'text' or 'json'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// GatewayTimeout returns the gateway HTTP timeout duration.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSec) * time.Second
}

// GridPollInterval returns the grid poll interval, zero when unset.
func (c *Config) GridPollInterval() time.Duration {
	return time.Duration(c.Grid.PollIntervalSec) * time.Second
}

// GridErrorBackoff returns the grid error backoff, zero when unset.
func (c *Config) GridErrorBackoff() time.Duration {
	return time.Duration(c.Grid.ErrorBackoffSec) * time.Second
}

// MaxPriceDeviation returns the TWAP deviation limit as a decimal.
func (c *Config) MaxPriceDeviation() decimal.Decimal {
	return decimal.NewFromFloat(c.TWAP.MaxPriceDeviationPct)
}
