package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

// tradesLimit caps the trades listing.
const tradesLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.stats.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, "get status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	s.engine.Start()
	s.logger.Info("Bot started via API")
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": s.engine.IsRunning()})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	s.logger.Info("Bot stopped via API")
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": s.engine.IsRunning()})
}

type tickerView struct {
	*domain.TickerConfig
	OpenPositions int `json:"open_positions"`
}

func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	tickers, err := s.tickers.ListTickers(r.Context())
	if err != nil {
		s.writeDomainError(w, "list tickers", err)
		return
	}

	views := make([]tickerView, 0, len(tickers))
	for _, t := range tickers {
		n, err := s.positions.CountOpenPositions(r.Context(), t.Symbol)
		if err != nil {
			s.writeDomainError(w, "count positions", err)
			return
		}
		views = append(views, tickerView{TickerConfig: t, OpenPositions: n})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// tickerRequest carries optional fields so updates can be partial.
type tickerRequest struct {
	Symbol          string   `json:"symbol"`
	Enabled         *bool    `json:"enabled"`
	Threshold       *float64 `json:"threshold"`
	MaxPositions    *int     `json:"max_positions"`
	CapitalPerTrade *float64 `json:"capital_per_trade"`
}

func (req *tickerRequest) applyTo(t *domain.TickerConfig) {
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.Threshold != nil {
		t.Threshold = *req.Threshold
	}
	if req.MaxPositions != nil {
		t.MaxPositions = *req.MaxPositions
	}
	if req.CapitalPerTrade != nil {
		t.CapitalPerTrade = *req.CapitalPerTrade
	}
}

func (req *tickerRequest) validate() error {
	if req.Threshold != nil && *req.Threshold < 0 {
		return errors.New("threshold must not be negative")
	}
	if req.MaxPositions != nil && *req.MaxPositions < 0 {
		return errors.New("max_positions must not be negative")
	}
	if req.CapitalPerTrade != nil && *req.CapitalPerTrade < 0 {
		return errors.New("capital_per_trade must not be negative")
	}
	return nil
}

func decodeTickerRequest(r *http.Request) (*tickerRequest, error) {
	var req tickerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) handleAddTicker(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTickerRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Explicit fields, zero included, override the defaults.
	t := domain.NewTickerConfig(req.Symbol)
	req.applyTo(t)
	if t.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	if _, err := s.tickers.GetTicker(r.Context(), t.Symbol); err == nil {
		s.writeError(w, http.StatusConflict, "ticker "+t.Symbol+" already exists")
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.writeDomainError(w, "get ticker", err)
		return
	}

	if err := s.tickers.SaveTicker(r.Context(), t); err != nil {
		s.writeDomainError(w, "save ticker", err)
		return
	}
	s.logger.Info("Ticker added", zap.String("symbol", t.Symbol))
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTicker(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	req, err := decodeTickerRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.tickers.GetTicker(r.Context(), symbol)
	if err != nil {
		s.writeDomainError(w, "get ticker", err)
		return
	}
	req.applyTo(t)

	if err := s.tickers.SaveTicker(r.Context(), t); err != nil {
		s.writeDomainError(w, "save ticker", err)
		return
	}
	s.logger.Info("Ticker updated", zap.String("symbol", t.Symbol))
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicker(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if err := s.tickers.DeleteTicker(r.Context(), symbol); err != nil {
		s.writeDomainError(w, "delete ticker", err)
		return
	}
	s.logger.Info("Ticker deleted", zap.String("symbol", symbol))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	t, err := s.tickers.GetTicker(r.Context(), symbol)
	if err != nil {
		s.writeDomainError(w, "get ticker", err)
		return
	}
	if err := s.tickers.SetTickerEnabled(r.Context(), symbol, !t.Enabled); err != nil {
		s.writeDomainError(w, "toggle ticker", err)
		return
	}
	t.Enabled = !t.Enabled
	s.logger.Info("Ticker toggled", zap.String("symbol", symbol), zap.Bool("enabled", t.Enabled))
	s.writeJSON(w, http.StatusOK, t)
}

type positionView struct {
	*domain.Position
	PnLPercent float64 `json:"pnl_percent"`
}

func toPositionViews(positions []*domain.Position) []positionView {
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{Position: p, PnLPercent: p.PnLPercent()})
	}
	return views
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.ListOpenPositions(r.Context())
	if err != nil {
		s.writeDomainError(w, "list positions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPositionViews(positions))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, err := s.engine.ClosePosition(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, "close position", err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionView{Position: pos, PnLPercent: pos.PnLPercent()})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	var status domain.PositionStatus
	switch strings.ToLower(r.URL.Query().Get("filter")) {
	case "", "all":
	case "open":
		status = domain.PositionOpen
	case "closed":
		status = domain.PositionClosed
	default:
		s.writeError(w, http.StatusBadRequest, "filter must be one of all, open, closed")
		return
	}

	positions, err := s.positions.ListPositions(r.Context(), status, tradesLimit)
	if err != nil {
		s.writeDomainError(w, "list trades", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPositionViews(positions))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, "get stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
