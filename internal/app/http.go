package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"planboard/api/internal/auth"
	"planboard/api/internal/plan"
	"planboard/api/internal/presence"
	"planboard/api/internal/rbac"
	"planboard/api/internal/util"
)

const (
	maxActionBody   = 1 << 20
	maxDocumentBody = 16 << 20
)

type HTTPServer struct {
	service    *Service
	presence   *presence.Channel
	gatherer   prometheus.Gatherer
	secret     []byte
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, channel *presence.Channel, gatherer prometheus.Gatherer) *HTTPServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if channel != nil {
		channel.SetAuthorizer(func(ctx context.Context, documentID, userID string) error {
			_, err := service.Authorize(ctx, documentID, userID, rbac.ActionRead)
			return err
		})
	}
	return &HTTPServer{
		service:    service,
		presence:   channel,
		gatherer:   gatherer,
		secret:     []byte(service.cfg.JWTSecret),
		corsOrigin: service.cfg.CORSOrigin,
		logger:     service.logger.With().Str("component", "http").Logger(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodGet, http.MethodHead).Path("/api/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet, http.MethodHead).Path("/api/ready").HandlerFunc(s.handleReady)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Methods(http.MethodGet).Path("/api/documents/{id}").HandlerFunc(s.handleGetDocument)
	r.Methods(http.MethodPut).Path("/api/documents/{id}").HandlerFunc(s.handleReplaceDocument)
	r.Methods(http.MethodPost).Path("/api/documents/{id}/actions").HandlerFunc(s.handleSubmitAction)
	r.Methods(http.MethodGet).Path("/api/documents/{id}/events").HandlerFunc(s.handleEvents)
	r.Methods(http.MethodGet).Path("/api/presence").HandlerFunc(s.handlePresence)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	doc, err := s.service.Snapshot(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleReplaceDocument(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBody)
	var doc plan.Document
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if err := s.service.ReplaceDocument(r.Context(), mux.Vars(r)["id"], session.UserID, doc); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type submitActionRequest struct {
	Action   json.RawMessage `json:"action"`
	ClientID string          `json:"clientId"`
}

func (s *HTTPServer) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxActionBody)
	var body submitActionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if len(body.Action) == 0 || string(body.Action) == "null" {
		s.writeServiceError(w, errMalformed(errors.New("action is required")))
		return
	}
	action, err := plan.DecodeAction(body.Action)
	if err != nil {
		s.writeServiceError(w, errMalformed(err))
		return
	}

	err = s.service.SubmitAction(r.Context(), mux.Vars(r)["id"], session.UserID, strings.TrimSpace(body.ClientID), action)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	s.presence.ServeWS(w, r, presence.Identity{
		UserID: session.UserID,
		Name:   session.Name,
		Avatar: session.Avatar,
	})
}

// requireSession accepts the token from the Authorization header or, for
// EventSource and WebSocket clients that cannot set headers, from the
// access_token query parameter.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return auth.Identity{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return auth.Identity{}, false
	}
	return claims.Identity(), true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		logger := s.logger.With().Str("request_id", requestID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		setCORSHeaders(w.Header(), s.corsOrigin, r.Header.Get("Origin"))
		w.Header().Set("X-Request-ID", requestID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		m := httpsnoop.CaptureMetrics(next, w, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", m.Code).
			Int64("duration_ms", m.Duration.Milliseconds()).
			Msg("request")
	})
}

// setCORSHeaders allows the configured origins. A list other than "*" is
// answered with the matching request origin.
func setCORSHeaders(header http.Header, corsOrigin, requestOrigin string) {
	switch {
	case strings.TrimSpace(corsOrigin) == "*":
		header.Set("Access-Control-Allow-Origin", "*")
	case util.OriginAllowed(corsOrigin, requestOrigin):
		header.Set("Access-Control-Allow-Origin", requestOrigin)
		header.Add("Vary", "Origin")
	}
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, plan.ErrMalformedAction) {
		de := errMalformed(err)
		return de.Status, de.Code, de.Message, de.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		de := errUnauthorized()
		return de.Status, de.Code, de.Message, de.Details
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
