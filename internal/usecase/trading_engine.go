package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

// EntryChecker evaluates entry signals.
type EntryChecker interface {
	CheckEntry(ctx context.Context, cfg *domain.TickerConfig, optionType domain.OptionType) (*domain.Signal, bool)
	ResetSession()
}

// Executor turns signals into positions.
type Executor interface {
	Execute(ctx context.Context, sig *domain.Signal, cfg *domain.TickerConfig) bool
}

// TradingEngine runs the periodic cycle: session reset, window gate, entry
// checks per enabled ticker, then mark-to-market of open positions.
type TradingEngine struct {
	tickers   domain.TickerRepository
	positions domain.PositionRepository
	signals   EntryChecker
	executor  Executor
	prices    PriceSource
	broker    domain.Broker
	window    *TradingWindow
	logger    *zap.Logger
	timeNow   func() time.Time

	running atomic.Bool
	cycleMu sync.Mutex
}

func NewTradingEngine(
	tickers domain.TickerRepository,
	positions domain.PositionRepository,
	signals EntryChecker,
	executor Executor,
	prices PriceSource,
	broker domain.Broker,
	window *TradingWindow,
	logger *zap.Logger,
) *TradingEngine {
	return &TradingEngine{
		tickers:   tickers,
		positions: positions,
		signals:   signals,
		executor:  executor,
		prices:    prices,
		broker:    broker,
		window:    window,
		logger:    logger,
		timeNow:   time.Now,
	}
}

func (e *TradingEngine) Start() {
	if e.running.CompareAndSwap(false, true) {
		e.logger.Info("Trading engine started")
	}
}

func (e *TradingEngine) Stop() {
	if e.running.CompareAndSwap(true, false) {
		e.logger.Info("Trading engine stopped")
	}
}

func (e *TradingEngine) IsRunning() bool {
	return e.running.Load()
}

// MarketOpen reports whether now is inside the trading window.
func (e *TradingEngine) MarketOpen() bool {
	return e.window.IsOpen(e.timeNow())
}

// Run invokes RunCycleOnce every interval while the engine is running,
// until ctx is done. A cycle still in progress when the next tick fires
// causes that tick to be skipped. Run returns after the last cycle ends.
func (e *TradingEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		if !e.IsRunning() {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.RunCycleOnce(ctx)
		}()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// RunCycleOnce runs one cycle. It returns false without doing anything when
// another cycle is still running.
func (e *TradingEngine) RunCycleOnce(ctx context.Context) bool {
	if !e.cycleMu.TryLock() {
		e.logger.Warn("Previous cycle still running, skipping tick")
		return false
	}
	defer e.cycleMu.Unlock()

	now := e.timeNow()
	if e.window.BeforeStart(now) {
		e.signals.ResetSession()
	}
	if !e.window.IsOpen(now) {
		e.logger.Debug("Outside trading window", zap.Time("now", now.In(e.window.Location())))
		return true
	}

	tickers, err := e.tickers.ListEnabledTickers(ctx)
	if err != nil {
		e.logger.Error("Failed to load tickers", zap.Error(err))
		return true
	}

	for _, cfg := range tickers {
		for _, optionType := range []domain.OptionType{domain.OptionCall, domain.OptionPut} {
			if ctx.Err() != nil {
				return true
			}
			sig, ok := e.signals.CheckEntry(ctx, cfg, optionType)
			if !ok {
				continue
			}
			e.executor.Execute(ctx, sig, cfg)
		}
	}

	e.markToMarket(ctx)
	return true
}

func (e *TradingEngine) markToMarket(ctx context.Context) {
	positions, err := e.positions.ListOpenPositions(ctx)
	if err != nil {
		e.logger.Error("Failed to load open positions", zap.Error(err))
		return
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		mark, ok := e.prices.PositionMark(ctx, pos)
		if !ok {
			continue
		}
		if err := e.positions.MarkToMarket(ctx, pos, mark); err != nil {
			e.logger.Warn("Mark-to-market failed", zap.Int64("position_id", pos.ID), zap.Error(err))
			continue
		}
		e.logger.Debug("Position marked",
			zap.Int64("position_id", pos.ID),
			zap.String("option", pos.Symbol),
			zap.Float64("mark", mark),
			zap.Float64("pnl", pos.PnL))
	}
}

// ClosePosition sells the position's contracts and finalizes it at the
// latest mark, or at its last known price when no mark is available.
func (e *TradingEngine) ClosePosition(ctx context.Context, id int64) (*domain.Position, error) {
	pos, err := e.positions.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionOpen {
		return nil, fmt.Errorf("%w: position %d is %s", domain.ErrOrder, id, pos.Status)
	}

	orderID, err := e.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   pos.Symbol,
		Quantity: pos.Quantity,
		Action:   domain.ActionSellToClose,
		Type:     domain.OrderMarket,
	})
	if err != nil {
		e.logger.Error("Close order failed", zap.Int64("position_id", id), zap.Error(err))
		return nil, err
	}

	if mark, ok := e.prices.PositionMark(ctx, pos); ok {
		pos.CurrentPrice = mark
	}
	exit := e.timeNow().UTC()
	pos.ExitTime = &exit
	if err := e.positions.ClosePosition(ctx, pos); err != nil {
		e.logger.Error("Close order placed but position not updated",
			zap.Int64("position_id", id), zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	e.logger.Info("Position closed",
		zap.Int64("position_id", id),
		zap.String("order_id", orderID),
		zap.Float64("exit_price", pos.CurrentPrice),
		zap.Float64("pnl", pos.PnL))
	return pos, nil
}
