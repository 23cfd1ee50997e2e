package domain

import "time"

// MinMark is reported when a quote carries no usable price at all, so
// downstream consumers never see a zero mark.
const MinMark = 0.01

// Quote is the latest market snapshot for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	DayVolume float64   `json:"day_volume"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mark is the mid of bid/ask when both are positive, else last, else MinMark.
func (q Quote) Mark() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Last > 0 {
		return q.Last
	}
	return MinMark
}

// HasPrice reports whether the quote yields a real mark: a two-sided book
// or a last trade. A one-sided book does not count.
func (q Quote) HasPrice() bool {
	return (q.Bid > 0 && q.Ask > 0) || q.Last > 0
}

type EventType string

const (
	EventQuote EventType = "Quote"
	EventTrade EventType = "Trade"
)

// QuoteUpdate is one decoded market-data event. Quote events carry
// Bid/Ask/BidSize/AskSize; Trade events carry Price/Size/DayVolume.
type QuoteUpdate struct {
	Type      EventType
	Symbol    string
	Bid       float64
	Ask       float64
	BidSize   float64
	AskSize   float64
	Price     float64
	Size      float64
	DayVolume float64
	Time      time.Time
}
