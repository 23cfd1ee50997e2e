package usecase

import (
	"context"
	"math"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
)

// StreamStater reports the streaming client state.
type StreamStater interface {
	StateName() string
}

// StreamStateFunc adapts a function to StreamStater.
type StreamStateFunc func() string

func (f StreamStateFunc) StateName() string { return f() }

// StatsService derives statistics and bot status from stored positions.
type StatsService struct {
	positions domain.PositionRepository
	engine    *TradingEngine
	stream    StreamStater
	window    *TradingWindow
	timeNow   func() time.Time
}

// NewStatsService builds the service. stream may be nil when streaming is
// disabled.
func NewStatsService(positions domain.PositionRepository, engine *TradingEngine, stream StreamStater, window *TradingWindow) *StatsService {
	return &StatsService{
		positions: positions,
		engine:    engine,
		stream:    stream,
		window:    window,
		timeNow:   time.Now,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (s *StatsService) Stats(ctx context.Context) (*domain.Stats, error) {
	all, err := s.positions.ListPositions(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	today := s.window.Day(s.timeNow())
	var (
		stats         domain.Stats
		closed, wins  int
		totalPnL, day float64
	)
	for _, p := range all {
		totalPnL += p.PnL
		if s.window.Day(p.EntryTime) == today {
			day += p.PnL
		}
		switch p.Status {
		case domain.PositionOpen:
			stats.OpenPositions++
		case domain.PositionClosed:
			closed++
			if p.PnL > 0 {
				wins++
			}
		}
	}

	stats.TotalTrades = len(all)
	stats.TotalPnL = round(totalPnL, 2)
	stats.TodayPnL = round(day, 2)
	if closed > 0 {
		stats.WinRate = round(float64(wins)/float64(closed)*100, 1)
	}
	return &stats, nil
}

func (s *StatsService) Status(ctx context.Context) (*domain.Status, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	status := &domain.Status{
		Running:        s.engine.IsRunning(),
		MarketOpen:     s.window.IsOpen(s.timeNow()),
		StreamState:    "DISABLED",
		TodayPnL:       stats.TodayPnL,
		TotalPnL:       stats.TotalPnL,
		PositionsCount: stats.OpenPositions,
		TradesCount:    stats.TotalTrades,
	}
	if s.stream != nil {
		status.StreamState = s.stream.StateName()
	}
	return status, nil
}
