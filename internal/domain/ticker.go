package domain

import (
	"strings"
	"time"
)

// Ticker defaults for fields left empty.
const (
	DefaultThreshold       = 0.5
	DefaultMaxPositions    = 2
	DefaultCapitalPerTrade = 500.0
)

// TickerConfig is the per-underlying strategy configuration.
type TickerConfig struct {
	Symbol          string    `json:"symbol" yaml:"symbol"`
	Enabled         bool      `json:"enabled" yaml:"enabled"`
	Threshold       float64   `json:"threshold" yaml:"threshold"` // percent
	MaxPositions    int       `json:"max_positions" yaml:"max_positions"`
	CapitalPerTrade float64   `json:"capital_per_trade" yaml:"capital_per_trade"`
	CreatedAt       time.Time `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"-"`
}

// NewTickerConfig returns an enabled ticker carrying the default strategy
// settings.
func NewTickerConfig(symbol string) *TickerConfig {
	return &TickerConfig{
		Symbol:          NormalizeSymbol(symbol),
		Enabled:         true,
		Threshold:       DefaultThreshold,
		MaxPositions:    DefaultMaxPositions,
		CapitalPerTrade: DefaultCapitalPerTrade,
	}
}

// NormalizeSymbol trims and uppercases a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ApplyDefaults normalizes the symbol and fills zero-valued strategy fields.
// It is meant for sources that cannot tell an absent field from zero, such
// as the YAML seed list.
func (t *TickerConfig) ApplyDefaults() {
	t.Symbol = NormalizeSymbol(t.Symbol)
	if t.Threshold == 0 {
		t.Threshold = DefaultThreshold
	}
	if t.MaxPositions == 0 {
		t.MaxPositions = DefaultMaxPositions
	}
	if t.CapitalPerTrade == 0 {
		t.CapitalPerTrade = DefaultCapitalPerTrade
	}
}

// Signal is an entry decision produced by the signal engine.
type Signal struct {
	Ticker          string     `json:"ticker"`
	Instrument      Instrument `json:"instrument"`
	OptionType      OptionType `json:"option_type"`
	EntryPrice      float64    `json:"entry_price"`
	OpenPriceRef    float64    `json:"open_price_ref"`
	PctChange       float64    `json:"pct_change"`
	UnderlyingPrice float64    `json:"underlying_price"`
}
