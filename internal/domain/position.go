package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of shares per equity option contract.
const ContractMultiplier = 100

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is a bot-opened option position.
type Position struct {
	ID             int64           `json:"id"`
	Ticker         string          `json:"ticker"`
	OptionType     OptionType      `json:"option_type"`
	Symbol         string          `json:"symbol"`
	StreamerSymbol string          `json:"streamer_symbol"`
	Strike         decimal.Decimal `json:"strike"`
	Expiration     string          `json:"expiration"`
	EntryPrice     float64         `json:"entry_price"`
	CurrentPrice   float64         `json:"current_price"`
	Quantity       int             `json:"quantity"`
	Status         PositionStatus  `json:"status"`
	PnL            float64         `json:"pnl"`
	OpenPriceRef   float64         `json:"open_price_ref"`
	OrderID        string          `json:"order_id"`
	EntryTime      time.Time       `json:"entry_time"`
	ExitTime       *time.Time      `json:"exit_time,omitempty"`
}

// PnLAt returns the position P&L if marked at mark.
func (p *Position) PnLAt(mark float64) float64 {
	return (mark - p.EntryPrice) * float64(p.Quantity) * ContractMultiplier
}

// PnLPercent returns the percentage move of current price over entry.
func (p *Position) PnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
}

// OpenPriceKey identifies the daily open-price record of one instrument.
type OpenPriceKey struct {
	Ticker string
	Symbol string
	Day    string // YYYY-MM-DD in market time
}

// OpenPriceRecord holds the first mark observed for an instrument on a
// trading day. OpenPrice never changes once the record exists.
type OpenPriceRecord struct {
	Ticker          string          `json:"ticker"`
	Symbol          string          `json:"symbol"`
	OptionType      OptionType      `json:"option_type"`
	Strike          decimal.Decimal `json:"strike"`
	Expiration      string          `json:"expiration"`
	Day             string          `json:"day"`
	OpenPrice       float64         `json:"open_price"`
	CurrentPrice    float64         `json:"current_price"`
	HighPrice       float64         `json:"high_price"`
	LowPrice        float64         `json:"low_price"`
	UnderlyingPrice float64         `json:"underlying_price"`
	IntervalTime    string          `json:"interval_time"` // HH:MM when the open was captured
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Key returns the record's identity.
func (r *OpenPriceRecord) Key() OpenPriceKey {
	return OpenPriceKey{Ticker: r.Ticker, Symbol: r.Symbol, Day: r.Day}
}
