package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quanlan-server/quanlan-server/internal/auth"
	"github.com/quanlan-server/quanlan-server/internal/models"
	"github.com/quanlan-server/quanlan-server/internal/storage"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// TokenRequest is the body of POST /api/v1/auth/token
type TokenRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
}

// TokenResponse carries an issued bearer token
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleToken exchanges client credentials for a bearer token
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Warn().Str("client_id", req.ClientID).Msg("Rejected token request")
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to issue token")
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.respondJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles health check
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"connected": s.dispatcher.Session().IsConnected(),
		"timestamp": time.Now().Unix(),
	})
}

// HandleStatus returns the session snapshot
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.dispatcher.Session().Status())
}

// HandleMethods lists the callable RPC methods
func (s *Server) HandleMethods(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"methods": s.dispatcher.Methods(),
	})
}

// HandleListEvents pages through the audit log
func (s *Server) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), defaultEventLimit)
	if err != nil || limit <= 0 {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	var filters storage.EventLogFilters
	if v := q.Get("method"); v != "" {
		filters.Method = &v
	}
	if v := q.Get("device"); v != "" {
		filters.DeviceID = &v
	}
	if v := q.Get("client"); v != "" {
		filters.ClientID = &v
	}
	if v := q.Get("level"); v != "" {
		level := models.EventLevel(strings.ToUpper(v))
		filters.Level = &level
	}
	if v := q.Get("type"); v != "" {
		typ := models.EventType(strings.ToUpper(v))
		filters.Type = &typ
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filters.StartTime = &t
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list events")
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*models.EventLog{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// respondJSON responds with JSON
func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
