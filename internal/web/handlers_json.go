package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrOrder):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", zap.String("op", what), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to "+what)
	}
}
