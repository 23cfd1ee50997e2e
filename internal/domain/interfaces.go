package domain

import "context"

// Broker defines the REST operations the trading engine needs.
type Broker interface {
	GetOptionChain(ctx context.Context, symbol string) (*OptionChain, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	PlaceOrder(ctx context.Context, order OrderRequest) (string, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetBalances(ctx context.Context) (*Balance, error)
}

// QuoteSink receives decoded market-data events.
type QuoteSink interface {
	Merge(update QuoteUpdate)
}

// QuoteSubscriber accepts fire-and-forget streaming subscription requests.
type QuoteSubscriber interface {
	RequestSubscribe(symbols []string)
}

// PositionRepository defines storage operations for bot positions.
type PositionRepository interface {
	FindOpenPosition(ctx context.Context, ticker, symbol string) (*Position, error)
	CountOpenPositions(ctx context.Context, ticker string) (int, error)
	SaveNewPosition(ctx context.Context, pos *Position) error
	MarkToMarket(ctx context.Context, pos *Position, mark float64) error
	ListOpenPositions(ctx context.Context) ([]*Position, error)
	ListPositions(ctx context.Context, status PositionStatus, limit int) ([]*Position, error)
	GetPosition(ctx context.Context, id int64) (*Position, error)
	ClosePosition(ctx context.Context, pos *Position) error
}

// OpenPriceRepository defines storage operations for daily open prices.
type OpenPriceRepository interface {
	// GetOrCreateOpenPrice stores observed as the open price when no record
	// exists for the record's key, and returns the stored open price.
	GetOrCreateOpenPrice(ctx context.Context, observed *OpenPriceRecord) (float64, error)
	ListOpenPrices(ctx context.Context, day string) ([]*OpenPriceRecord, error)
}

// TickerRepository defines storage operations for ticker configuration.
type TickerRepository interface {
	ListEnabledTickers(ctx context.Context) ([]*TickerConfig, error)
	ListTickers(ctx context.Context) ([]*TickerConfig, error)
	GetTicker(ctx context.Context, symbol string) (*TickerConfig, error)
	SaveTicker(ctx context.Context, t *TickerConfig) error
	SetTickerEnabled(ctx context.Context, symbol string, enabled bool) error
	DeleteTicker(ctx context.Context, symbol string) error
}
