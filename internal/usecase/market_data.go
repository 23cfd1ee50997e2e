package usecase

import (
	"context"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

// DefaultSubscribeWait bounds how long a price lookup waits for the first
// streamed quote of a newly requested symbol.
const DefaultSubscribeWait = 3 * time.Second

// MarketDataService resolves marks: streaming cache first, then a
// subscription request with a bounded wait, then a one-shot REST quote.
// REST results are not written into the cache.
type MarketDataService struct {
	cache      *QuoteCache
	subscriber domain.QuoteSubscriber
	broker     domain.Broker
	wait       time.Duration
	logger     *zap.Logger
}

// NewMarketDataService builds the resolver. subscriber may be nil when
// streaming is disabled.
func NewMarketDataService(cache *QuoteCache, subscriber domain.QuoteSubscriber, broker domain.Broker, wait time.Duration, logger *zap.Logger) *MarketDataService {
	if wait <= 0 {
		wait = DefaultSubscribeWait
	}
	return &MarketDataService{
		cache:      cache,
		subscriber: subscriber,
		broker:     broker,
		wait:       wait,
		logger:     logger,
	}
}

// UnderlyingPrice returns the mark of an equity symbol.
func (s *MarketDataService) UnderlyingPrice(ctx context.Context, symbol string) (float64, bool) {
	return s.resolve(ctx, symbol, symbol)
}

// InstrumentMark returns the mark of an option contract.
func (s *MarketDataService) InstrumentMark(ctx context.Context, inst domain.Instrument) (float64, bool) {
	stream := inst.StreamerSymbol
	if stream == "" {
		stream = domain.StreamerSymbol(inst.Underlying, inst.Expiration, inst.OptionType, inst.Strike)
	}
	return s.resolve(ctx, stream, inst.Symbol)
}

// PositionMark returns the mark of the contract held by pos.
func (s *MarketDataService) PositionMark(ctx context.Context, pos *domain.Position) (float64, bool) {
	stream := pos.StreamerSymbol
	if stream == "" {
		if converted, err := domain.OCCToStreamer(pos.Symbol); err == nil {
			stream = converted
		}
	}
	return s.resolve(ctx, stream, pos.Symbol)
}

func (s *MarketDataService) resolve(ctx context.Context, streamSymbol, restSymbol string) (float64, bool) {
	if streamSymbol != "" {
		if q, ok := s.cache.Get(streamSymbol); ok && q.HasPrice() {
			return q.Mark(), true
		}
		if s.subscriber != nil {
			s.subscriber.RequestSubscribe([]string{streamSymbol})
			if q, ok := s.cache.Await(ctx, streamSymbol, s.wait); ok {
				return q.Mark(), true
			}
			s.logger.Debug("No streamed quote within wait, falling back to REST",
				zap.String("symbol", streamSymbol), zap.Duration("wait", s.wait))
		}
	}

	if restSymbol == "" {
		return 0, false
	}
	quotes, err := s.broker.GetQuotes(ctx, []string{restSymbol})
	if err != nil {
		s.logger.Warn("REST quote failed", zap.String("symbol", restSymbol), zap.Error(err))
		return 0, false
	}
	q, ok := quotes[restSymbol]
	if !ok || !q.HasPrice() {
		s.logger.Warn("No price available", zap.String("symbol", restSymbol))
		return 0, false
	}
	return q.Mark(), true
}
