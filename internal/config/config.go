// Package config loads the bot configuration from YAML with environment
// variable overrides for credentials and deployment knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Broker    Broker                `yaml:"broker"`
	Streaming Streaming             `yaml:"streaming"`
	Trading   Trading               `yaml:"trading"`
	Storage   Storage               `yaml:"storage"`
	Logging   Logging               `yaml:"logging"`
	Server    Server                `yaml:"server"`
	Tickers   []domain.TickerConfig `yaml:"tickers"`
}

// Broker holds OAuth credentials and REST settings.
type Broker struct {
	ClientSecret  string        `yaml:"client_secret"`
	RefreshToken  string        `yaml:"refresh_token"`
	AccountNumber string        `yaml:"account_number"`
	PaperTrading  bool          `yaml:"paper_trading"`
	DryRunOrders  bool          `yaml:"dry_run_orders"`
	BaseURL       string        `yaml:"base_url"` // overrides the environment default
	Timeout       time.Duration `yaml:"timeout"`
	TokenMargin   time.Duration `yaml:"token_margin"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	RateBurst     int           `yaml:"rate_burst"`
}

// Streaming configures the market-data stream.
type Streaming struct {
	Enabled           bool          `yaml:"enabled"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	AggregationPeriod time.Duration `yaml:"aggregation_period"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SubscribeWait     time.Duration `yaml:"subscribe_wait"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// Trading holds the strategy window and cycle settings.
type Trading struct {
	Timezone      string        `yaml:"timezone"`
	StartTime     string        `yaml:"start_time"` // HH:MM
	EndTime       string        `yaml:"end_time"`   // HH:MM
	DTEMin        int           `yaml:"dte_min"`
	DTEMax        int           `yaml:"dte_max"`
	CycleInterval time.Duration `yaml:"cycle_interval"`
	AutoStart     bool          `yaml:"auto_start"`
}

// Storage holds the SQLite path.
type Storage struct {
	DatabasePath string `yaml:"database_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Server configures the control HTTP listener.
type Server struct {
	Port int `yaml:"port"`
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	return &Config{
		Broker: Broker{
			PaperTrading:  true,
			DryRunOrders:  true,
			Timeout:       30 * time.Second,
			TokenMargin:   12 * time.Minute,
			RatePerSecond: 2,
			RateBurst:     5,
		},
		Streaming: Streaming{
			Enabled:           true,
			KeepaliveInterval: 30 * time.Second,
			KeepaliveTimeout:  60 * time.Second,
			AggregationPeriod: 100 * time.Millisecond,
			HandshakeTimeout:  10 * time.Second,
			SubscribeWait:     3 * time.Second,
			ReconnectMin:      2 * time.Second,
			ReconnectMax:      2 * time.Minute,
		},
		Trading: Trading{
			Timezone:      "America/New_York",
			StartTime:     "09:30",
			EndTime:       "16:00",
			DTEMin:        0,
			DTEMax:        7,
			CycleInterval: 60 * time.Second,
		},
		Storage: Storage{DatabasePath: "data/trading_bot.db"},
		Logging: Logging{Level: "info"},
		Server:  Server{Port: 5000},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyTickerDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASTY_CLIENT_SECRET"); v != "" {
		cfg.Broker.ClientSecret = v
	}
	if v := os.Getenv("TASTY_REFRESH_TOKEN"); v != "" {
		cfg.Broker.RefreshToken = v
	}
	if v := os.Getenv("TASTY_ACCOUNT_NUMBER"); v != "" {
		cfg.Broker.AccountNumber = v
	}
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		cfg.Broker.PaperTrading = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func applyTickerDefaults(cfg *Config) {
	for i := range cfg.Tickers {
		cfg.Tickers[i].ApplyDefaults()
	}
}

// Validate checks the fields the engine relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.ClientSecret == "" || c.Broker.RefreshToken == "" {
		errs = append(errs, errors.New("broker.client_secret and broker.refresh_token are required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("trading.timezone: %w", err))
	}
	start, errStart := ParseClock(c.Trading.StartTime)
	end, errEnd := ParseClock(c.Trading.EndTime)
	if errStart != nil {
		errs = append(errs, fmt.Errorf("trading.start_time: %w", errStart))
	}
	if errEnd != nil {
		errs = append(errs, fmt.Errorf("trading.end_time: %w", errEnd))
	}
	if errStart == nil && errEnd == nil && end <= start {
		errs = append(errs, errors.New("trading.end_time must be after trading.start_time"))
	}
	if c.Trading.DTEMin < 0 || c.Trading.DTEMax < c.Trading.DTEMin {
		errs = append(errs, fmt.Errorf("invalid DTE window [%d, %d]", c.Trading.DTEMin, c.Trading.DTEMax))
	}
	if c.Trading.CycleInterval <= 0 {
		errs = append(errs, errors.New("trading.cycle_interval must be positive"))
	}
	for _, t := range c.Tickers {
		if t.Symbol == "" {
			errs = append(errs, errors.New("tickers: symbol is required"))
		}
	}

	return errors.Join(errs...)
}

// Location returns the market time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Trading.Timezone)
}

// ParseClock parses HH:MM into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ResolveBaseURL returns the REST endpoint for the configured environment.
func (b Broker) ResolveBaseURL() string {
	if b.BaseURL != "" {
		return b.BaseURL
	}
	if b.PaperTrading {
		return "https://api.cert.tastyworks.com"
	}
	return "https://api.tastyworks.com"
}
