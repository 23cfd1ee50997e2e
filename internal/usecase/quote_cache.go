package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
)

// QuoteCache holds the latest quote per streaming symbol. It is written by
// the streaming receive loop and read by the trading cycle.
type QuoteCache struct {
	mu      sync.RWMutex
	quotes  map[string]domain.Quote
	waiters map[string][]chan struct{}
	timeNow func() time.Time
}

func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		quotes:  make(map[string]domain.Quote),
		waiters: make(map[string][]chan struct{}),
		timeNow: time.Now,
	}
}

func (c *QuoteCache) Get(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// Merge folds an update into the cached quote. Quote events replace the
// book fields, Trade events only touch last and volume.
func (c *QuoteCache) Merge(u domain.QuoteUpdate) {
	if u.Symbol == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.quotes[u.Symbol]
	q.Symbol = u.Symbol
	switch u.Type {
	case domain.EventQuote:
		q.Bid = u.Bid
		q.Ask = u.Ask
		q.BidSize = u.BidSize
		q.AskSize = u.AskSize
	case domain.EventTrade:
		if u.Price > 0 {
			q.Last = u.Price
		}
		if u.DayVolume > 0 {
			q.DayVolume = u.DayVolume
		}
	default:
		return
	}
	q.UpdatedAt = u.Time
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = c.timeNow()
	}
	c.quotes[u.Symbol] = q

	if q.HasPrice() {
		for _, ch := range c.waiters[u.Symbol] {
			close(ch)
		}
		delete(c.waiters, u.Symbol)
	}
}

// Await returns the quote for symbol once it carries a price, waiting at
// most timeout.
func (c *QuoteCache) Await(ctx context.Context, symbol string, timeout time.Duration) (domain.Quote, bool) {
	c.mu.Lock()
	if q, ok := c.quotes[symbol]; ok && q.HasPrice() {
		c.mu.Unlock()
		return q, true
	}
	ch := make(chan struct{})
	c.waiters[symbol] = append(c.waiters[symbol], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return c.Get(symbol)
	case <-timer.C:
	case <-ctx.Done():
	}

	c.removeWaiter(symbol, ch)
	return domain.Quote{}, false
}

func (c *QuoteCache) removeWaiter(symbol string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.waiters[symbol]
	for i, w := range waiters {
		if w == ch {
			c.waiters[symbol] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.waiters[symbol]) == 0 {
		delete(c.waiters, symbol)
	}
}
