package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

// Engine is the command side of the trading engine.
type Engine interface {
	Start()
	Stop()
	IsRunning() bool
	ClosePosition(ctx context.Context, id int64) (*domain.Position, error)
}

// StatsProvider serves read-only statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*domain.Stats, error)
	Status(ctx context.Context) (*domain.Status, error)
}

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	tickers   domain.TickerRepository
	positions domain.PositionRepository
	engine    Engine
	stats     StatsProvider
	logger    *zap.Logger
}

func NewServer(
	port int,
	tickers domain.TickerRepository,
	positions domain.PositionRepository,
	engine Engine,
	stats StatsProvider,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		tickers:   tickers,
		positions: positions,
		engine:    engine,
		stats:     stats,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/health", s.handleHealth)

	// Bot control
	s.router.HandleFunc("GET /api/bot/status", s.handleStatus)
	s.router.HandleFunc("POST /api/bot/start", s.handleStartBot)
	s.router.HandleFunc("POST /api/bot/stop", s.handleStopBot)

	// Tickers
	s.router.HandleFunc("GET /api/tickers", s.handleListTickers)
	s.router.HandleFunc("POST /api/tickers", s.handleAddTicker)
	s.router.HandleFunc("PUT /api/tickers/{symbol}", s.handleUpdateTicker)
	s.router.HandleFunc("DELETE /api/tickers/{symbol}", s.handleDeleteTicker)
	s.router.HandleFunc("PATCH /api/tickers/{symbol}/toggle", s.handleToggleTicker)

	// Positions & trades
	s.router.HandleFunc("GET /api/positions", s.handlePositions)
	s.router.HandleFunc("POST /api/positions/{id}/close", s.handleClosePosition)
	s.router.HandleFunc("GET /api/trades", s.handleTrades)

	// Statistics
	s.router.HandleFunc("GET /api/stats", s.handleStats)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
