package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

// Quantity sizes an entry: floor(capital / (price * multiplier)), at least 1.
func Quantity(capitalPerTrade, entryPrice float64) int {
	if entryPrice <= 0 {
		return 1
	}
	cost := decimal.NewFromFloat(entryPrice).Mul(decimal.NewFromInt(domain.ContractMultiplier))
	qty := decimal.NewFromFloat(capitalPerTrade).Div(cost).Floor().IntPart()
	if qty < 1 {
		return 1
	}
	return int(qty)
}

type OrderExecutor struct {
	broker    domain.Broker
	positions domain.PositionRepository
	logger    *zap.Logger
	timeNow   func() time.Time
}

func NewOrderExecutor(broker domain.Broker, positions domain.PositionRepository, logger *zap.Logger) *OrderExecutor {
	return &OrderExecutor{
		broker:    broker,
		positions: positions,
		logger:    logger,
		timeNow:   time.Now,
	}
}

// Execute opens a position for sig unless the contract is already held or
// the ticker is at its position cap. It reports whether a position was
// recorded; failures are logged and not retried.
func (e *OrderExecutor) Execute(ctx context.Context, sig *domain.Signal, cfg *domain.TickerConfig) bool {
	inst := sig.Instrument
	log := e.logger.With(zap.String("ticker", sig.Ticker), zap.String("option", inst.Symbol))

	existing, err := e.positions.FindOpenPosition(ctx, sig.Ticker, inst.Symbol)
	if err != nil {
		log.Error("Failed to look up open position", zap.Error(err))
		return false
	}
	if existing != nil {
		log.Debug("Position already open for contract", zap.Int64("position_id", existing.ID))
		return false
	}

	open, err := e.positions.CountOpenPositions(ctx, sig.Ticker)
	if err != nil {
		log.Error("Failed to count open positions", zap.Error(err))
		return false
	}
	if open >= cfg.MaxPositions {
		log.Info("Position cap reached", zap.Int("open", open), zap.Int("max", cfg.MaxPositions))
		return false
	}

	qty := Quantity(cfg.CapitalPerTrade, sig.EntryPrice)
	orderID, err := e.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   inst.Symbol,
		Quantity: qty,
		Action:   domain.ActionBuyToOpen,
		Type:     domain.OrderMarket,
	})
	if err != nil || orderID == "" {
		log.Error("Order placement failed", zap.Int("quantity", qty), zap.Error(err))
		return false
	}

	pos := &domain.Position{
		Ticker:         sig.Ticker,
		OptionType:     sig.OptionType,
		Symbol:         inst.Symbol,
		StreamerSymbol: inst.StreamerSymbol,
		Strike:         inst.Strike,
		Expiration:     inst.ExpirationDate(),
		EntryPrice:     sig.EntryPrice,
		CurrentPrice:   sig.EntryPrice,
		Quantity:       qty,
		Status:         domain.PositionOpen,
		OpenPriceRef:   sig.OpenPriceRef,
		OrderID:        orderID,
		EntryTime:      e.timeNow().UTC(),
	}
	if err := e.positions.SaveNewPosition(ctx, pos); err != nil {
		log.Error("Order placed but position not recorded", zap.String("order_id", orderID), zap.Error(err))
		return false
	}

	log.Info("Position opened",
		zap.Int64("position_id", pos.ID),
		zap.String("order_id", orderID),
		zap.Int("quantity", qty),
		zap.Float64("entry_price", sig.EntryPrice),
		zap.Float64("pct_change", sig.PctChange))
	return true
}
