package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/vitos/options_breakout/internal/domain"
)

var nyc = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Tuesday 2025-10-14 at hh:mm New York time.
func marketTime(hh, mm int) time.Time {
	return time.Date(2025, 10, 14, hh, mm, 0, 0, nyc)
}

func testWindow() *TradingWindow {
	return NewTradingWindow(nyc, 9*time.Hour+30*time.Minute, 16*time.Hour)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func instrument(t domain.OptionType, strike string, exp time.Time) domain.Instrument {
	k := decimal.RequireFromString(strike)
	return domain.Instrument{
		Underlying:     "SPY",
		OptionType:     t,
		Strike:         k,
		Expiration:     exp,
		Symbol:         domain.OCCSymbol("SPY", exp, t, k),
		StreamerSymbol: domain.StreamerSymbol("SPY", exp, t, k),
	}
}

type fakeBroker struct {
	mu         sync.Mutex
	chains     map[string]*domain.OptionChain
	chainErr   error
	quotes     map[string]domain.Quote
	quoteCalls int
	placeErr   error
	orders     []domain.OrderRequest
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		chains: make(map[string]*domain.OptionChain),
		quotes: make(map[string]domain.Quote),
	}
}

func (b *fakeBroker) GetOptionChain(ctx context.Context, symbol string) (*domain.OptionChain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainErr != nil {
		return nil, b.chainErr
	}
	chain, ok := b.chains[symbol]
	if !ok {
		return &domain.OptionChain{Underlying: symbol}, nil
	}
	return chain, nil
}

func (b *fakeBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quoteCalls++
	out := make(map[string]domain.Quote)
	for _, s := range symbols {
		if q, ok := b.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, order domain.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return "", b.placeErr
	}
	b.orders = append(b.orders, order)
	return fmt.Sprintf("order-%d", len(b.orders)), nil
}

func (b *fakeBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}

func (b *fakeBroker) GetBalances(ctx context.Context) (*domain.Balance, error) {
	return &domain.Balance{}, nil
}

func (b *fakeBroker) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// memStore is an in-memory implementation of the repositories.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	positions  map[int64]*domain.Position
	openPrices map[domain.OpenPriceKey]*domain.OpenPriceRecord
	tickers    map[string]*domain.TickerConfig
}

func newMemStore() *memStore {
	return &memStore{
		positions:  make(map[int64]*domain.Position),
		openPrices: make(map[domain.OpenPriceKey]*domain.OpenPriceRecord),
		tickers:    make(map[string]*domain.TickerConfig),
	}
}

func (m *memStore) FindOpenPosition(ctx context.Context, ticker, symbol string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Ticker == ticker && p.Symbol == symbol && p.Status == domain.PositionOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountOpenPositions(ctx context.Context, ticker string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.Ticker == ticker && p.Status == domain.PositionOpen {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SaveNewPosition(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	pos.ID = m.nextID
	if pos.Status == "" {
		pos.Status = domain.PositionOpen
	}
	cp := *pos
	m.positions[pos.ID] = &cp
	return nil
}

func (m *memStore) MarkToMarket(ctx context.Context, pos *domain.Position, mark float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.positions[pos.ID]
	if !ok || stored.Status != domain.PositionOpen {
		return domain.ErrNotFound
	}
	pos.CurrentPrice = mark
	pos.PnL = pos.PnLAt(mark)
	stored.CurrentPrice = pos.CurrentPrice
	stored.PnL = pos.PnL
	return nil
}

func (m *memStore) sorted(filter func(*domain.Position) bool) []*domain.Position {
	var out []*domain.Position
	for _, p := range m.positions {
		if filter(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(p *domain.Position) bool { return p.Status == domain.PositionOpen }), nil
}

func (m *memStore) ListPositions(ctx context.Context, status domain.PositionStatus, limit int) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(p *domain.Position) bool { return status == "" || p.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ClosePosition(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.positions[pos.ID]
	if !ok || stored.Status != domain.PositionOpen {
		return domain.ErrNotFound
	}
	pos.PnL = pos.PnLAt(pos.CurrentPrice)
	pos.Status = domain.PositionClosed
	cp := *pos
	m.positions[pos.ID] = &cp
	return nil
}

func (m *memStore) GetOrCreateOpenPrice(ctx context.Context, observed *domain.OpenPriceRecord) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := observed.Key()
	if rec, ok := m.openPrices[key]; ok {
		rec.CurrentPrice = observed.OpenPrice
		return rec.OpenPrice, nil
	}
	cp := *observed
	cp.CurrentPrice = observed.OpenPrice
	m.openPrices[key] = &cp
	return cp.OpenPrice, nil
}

func (m *memStore) ListOpenPrices(ctx context.Context, day string) ([]*domain.OpenPriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.OpenPriceRecord
	for k, r := range m.openPrices {
		if k.Day == day {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListEnabledTickers(ctx context.Context) ([]*domain.TickerConfig, error) {
	all, _ := m.ListTickers(ctx)
	var out []*domain.TickerConfig
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListTickers(ctx context.Context) ([]*domain.TickerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TickerConfig
	for _, t := range m.tickers {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *memStore) GetTicker(ctx context.Context, symbol string) (*domain.TickerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) SaveTicker(ctx context.Context, t *domain.TickerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickers[t.Symbol] = &cp
	return nil
}

func (m *memStore) SetTickerEnabled(ctx context.Context, symbol string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return domain.ErrNotFound
	}
	t.Enabled = enabled
	return nil
}

func (m *memStore) DeleteTicker(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickers[symbol]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tickers, symbol)
	return nil
}

// stubPrices serves fixed marks keyed by symbol.
type stubPrices struct {
	mu    sync.Mutex
	marks map[string]float64
}

func newStubPrices() *stubPrices {
	return &stubPrices{marks: make(map[string]float64)}
}

func (s *stubPrices) set(symbol string, mark float64) {
	s.mu.Lock()
	s.marks[symbol] = mark
	s.mu.Unlock()
}

func (s *stubPrices) get(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[symbol]
	return m, ok
}

func (s *stubPrices) UnderlyingPrice(ctx context.Context, symbol string) (float64, bool) {
	return s.get(symbol)
}

func (s *stubPrices) InstrumentMark(ctx context.Context, inst domain.Instrument) (float64, bool) {
	return s.get(inst.Symbol)
}

func (s *stubPrices) PositionMark(ctx context.Context, pos *domain.Position) (float64, bool) {
	return s.get(pos.Symbol)
}

// stubSelector always returns the same contract.
type stubSelector struct {
	inst *domain.Instrument
}

func (s stubSelector) FindAtTheMoney(ctx context.Context, underlying string, optionType domain.OptionType, price float64, dteMin, dteMax int) (*domain.Instrument, bool) {
	if s.inst == nil || s.inst.OptionType != optionType {
		return nil, false
	}
	inst := *s.inst
	return &inst, true
}
