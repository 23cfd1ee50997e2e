package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

type OptionSelector struct {
	broker  domain.Broker
	loc     *time.Location
	logger  *zap.Logger
	timeNow func() time.Time
}

func NewOptionSelector(broker domain.Broker, loc *time.Location, logger *zap.Logger) *OptionSelector {
	if loc == nil {
		loc = time.UTC
	}
	return &OptionSelector{
		broker:  broker,
		loc:     loc,
		logger:  logger,
		timeNow: time.Now,
	}
}

// FindAtTheMoney returns the contract of optionType whose strike is closest
// to underlyingPrice among expirations with DTE in [dteMin, dteMax]. Ties go
// to the first contract in ascending-expiration, chain order.
func (s *OptionSelector) FindAtTheMoney(ctx context.Context, underlying string, optionType domain.OptionType, underlyingPrice float64, dteMin, dteMax int) (*domain.Instrument, bool) {
	chain, err := s.broker.GetOptionChain(ctx, underlying)
	if err != nil {
		s.logger.Warn("Option chain fetch failed", zap.String("symbol", underlying), zap.Error(err))
		return nil, false
	}
	if chain == nil || len(chain.Expirations) == 0 {
		s.logger.Warn("Option chain is empty", zap.String("symbol", underlying))
		return nil, false
	}

	now := s.timeNow().In(s.loc)
	price := decimal.NewFromFloat(underlyingPrice)

	var (
		best     *domain.Instrument
		bestDist decimal.Decimal
	)
	for _, exp := range chain.Expirations {
		dte := exp.DTE
		if dte < 0 {
			dte = domain.DaysBetween(now, exp.Date)
		}
		if dte < dteMin || dte > dteMax {
			continue
		}
		for i := range exp.Instruments {
			inst := exp.Instruments[i]
			if inst.OptionType != optionType {
				continue
			}
			dist := inst.Strike.Sub(price).Abs()
			if best == nil || dist.LessThan(bestDist) {
				best = &inst
				bestDist = dist
			}
		}
	}

	if best == nil {
		s.logger.Warn("No option in DTE window",
			zap.String("symbol", underlying),
			zap.String("type", string(optionType)),
			zap.Int("dte_min", dteMin),
			zap.Int("dte_max", dteMax))
		return nil, false
	}

	s.logger.Debug("Selected ATM option",
		zap.String("symbol", underlying),
		zap.String("option", best.Symbol),
		zap.String("strike", best.Strike.String()),
		zap.Float64("underlying_price", underlyingPrice))
	return best, true
}
