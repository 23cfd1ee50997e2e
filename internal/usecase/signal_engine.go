package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

// PriceSource resolves marks for underlyings, contracts and positions.
type PriceSource interface {
	UnderlyingPrice(ctx context.Context, symbol string) (float64, bool)
	InstrumentMark(ctx context.Context, inst domain.Instrument) (float64, bool)
	PositionMark(ctx context.Context, pos *domain.Position) (float64, bool)
}

// ATMSelector picks the at-the-money contract for an underlying.
type ATMSelector interface {
	FindAtTheMoney(ctx context.Context, underlying string, optionType domain.OptionType, underlyingPrice float64, dteMin, dteMax int) (*domain.Instrument, bool)
}

// SignalEngine detects breakouts of an ATM option's mark over its first
// observed mark of the trading day.
type SignalEngine struct {
	prices     PriceSource
	selector   ATMSelector
	openPrices domain.OpenPriceRepository
	window     *TradingWindow
	dteMin     int
	dteMax     int
	logger     *zap.Logger
	timeNow    func() time.Time

	mu   sync.Mutex
	memo map[domain.OpenPriceKey]float64
}

func NewSignalEngine(prices PriceSource, selector ATMSelector, openPrices domain.OpenPriceRepository, window *TradingWindow, dteMin, dteMax int, logger *zap.Logger) *SignalEngine {
	return &SignalEngine{
		prices:     prices,
		selector:   selector,
		openPrices: openPrices,
		window:     window,
		dteMin:     dteMin,
		dteMax:     dteMax,
		logger:     logger,
		timeNow:    time.Now,
		memo:       make(map[domain.OpenPriceKey]float64),
	}
}

// ResetSession drops the in-memory open prices so the next session
// captures fresh ones.
func (e *SignalEngine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.memo) > 0 {
		e.logger.Info("Resetting session open prices", zap.Int("count", len(e.memo)))
	}
	e.memo = make(map[domain.OpenPriceKey]float64)
}

// CheckEntry evaluates one ticker and option type. It returns false with a
// logged reason whenever any input is unavailable.
func (e *SignalEngine) CheckEntry(ctx context.Context, cfg *domain.TickerConfig, optionType domain.OptionType) (*domain.Signal, bool) {
	log := e.logger.With(zap.String("ticker", cfg.Symbol), zap.String("type", string(optionType)))

	underlying, ok := e.prices.UnderlyingPrice(ctx, cfg.Symbol)
	if !ok || underlying <= 0 {
		log.Warn("No underlying price")
		return nil, false
	}

	inst, ok := e.selector.FindAtTheMoney(ctx, cfg.Symbol, optionType, underlying, e.dteMin, e.dteMax)
	if !ok {
		return nil, false
	}

	mark, ok := e.prices.InstrumentMark(ctx, *inst)
	if !ok || mark <= 0 {
		log.Warn("No option mark", zap.String("option", inst.Symbol))
		return nil, false
	}

	open, ok := e.openPrice(ctx, cfg.Symbol, inst, mark, underlying)
	if !ok || open <= 0 {
		return nil, false
	}

	pct := (mark - open) * 100 / open
	log.Debug("Breakout check",
		zap.String("option", inst.Symbol),
		zap.Float64("open", open),
		zap.Float64("mark", mark),
		zap.Float64("pct_change", pct),
		zap.Float64("threshold", cfg.Threshold))

	if pct < cfg.Threshold {
		return nil, false
	}

	log.Info("Breakout signal",
		zap.String("option", inst.Symbol),
		zap.Float64("open", open),
		zap.Float64("mark", mark),
		zap.Float64("pct_change", pct))
	return &domain.Signal{
		Ticker:          cfg.Symbol,
		Instrument:      *inst,
		OptionType:      optionType,
		EntryPrice:      mark,
		OpenPriceRef:    open,
		PctChange:       pct,
		UnderlyingPrice: underlying,
	}, true
}

// openPrice returns the day's open for the contract, establishing it from
// mark on first sight. Every observation also refreshes the stored
// current/high/low tracking.
func (e *SignalEngine) openPrice(ctx context.Context, ticker string, inst *domain.Instrument, mark, underlying float64) (float64, bool) {
	if mark <= domain.MinMark {
		e.logger.Debug("Mark at floor, not usable as open", zap.String("option", inst.Symbol), zap.Float64("mark", mark))
		return 0, false
	}
	now := e.timeNow()
	rec := &domain.OpenPriceRecord{
		Ticker:          ticker,
		Symbol:          inst.Symbol,
		OptionType:      inst.OptionType,
		Strike:          inst.Strike,
		Expiration:      inst.ExpirationDate(),
		Day:             e.window.Day(now),
		OpenPrice:       mark,
		UnderlyingPrice: underlying,
		IntervalTime:    e.window.Clock(now),
		UpdatedAt:       now.UTC(),
	}
	key := rec.Key()

	e.mu.Lock()
	memoized, hit := e.memo[key]
	e.mu.Unlock()

	stored, err := e.openPrices.GetOrCreateOpenPrice(ctx, rec)
	switch {
	case err != nil && hit:
		e.logger.Debug("Open price tracking update failed", zap.String("option", inst.Symbol), zap.Error(err))
		return memoized, true
	case err != nil:
		e.logger.Warn("Open price unavailable", zap.String("option", inst.Symbol), zap.Error(err))
		return 0, false
	case hit:
		return memoized, true
	}

	e.mu.Lock()
	if existing, ok := e.memo[key]; ok {
		stored = existing
	} else {
		e.memo[key] = stored
	}
	e.mu.Unlock()

	if stored == mark {
		e.logger.Info("Open price recorded",
			zap.String("ticker", ticker),
			zap.String("option", inst.Symbol),
			zap.Float64("open", stored),
			zap.String("day", key.Day))
	}
	return stored, true
}
