package domain

// Stats summarizes bot-opened positions.
type Stats struct {
	TodayPnL      float64 `json:"today_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	WinRate       float64 `json:"win_rate"`
	TotalTrades   int     `json:"total_trades"`
	OpenPositions int     `json:"open_positions"`
}

// Status is the bot status reported to the control surface.
type Status struct {
	Running        bool    `json:"running"`
	MarketOpen     bool    `json:"market_open"`
	StreamState    string  `json:"stream_state"`
	TodayPnL       float64 `json:"today_pnl"`
	TotalPnL       float64 `json:"total_pnl"`
	PositionsCount int     `json:"positions_count"`
	TradesCount    int     `json:"trades_count"`
}
