package domain

type OrderAction string

const (
	ActionBuyToOpen   OrderAction = "Buy to Open"
	ActionSellToClose OrderAction = "Sell to Close"
)

type OrderType string

const (
	OrderMarket OrderType = "Market"
	OrderLimit  OrderType = "Limit"
)

// OrderRequest is a single-leg equity option order.
type OrderRequest struct {
	Symbol     string
	Quantity   int
	Action     OrderAction
	Type       OrderType
	LimitPrice float64 // used only for OrderLimit
}

// Balance is a snapshot of account balances.
type Balance struct {
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
	Equity      float64 `json:"equity"`
	PnLToday    float64 `json:"pnl_today"`
}

// BrokerPosition is an option position as reported by the broker.
type BrokerPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
}

// StreamerToken grants access to the market-data streaming endpoint.
type StreamerToken struct {
	Token string
	URL   string
	Level string
}
