package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"folio/api/internal/auth"
	"folio/api/internal/logging"
	"folio/api/internal/metrics"
)

const webhookTokenHeader = "X-Folio-Webhook-Token"

type requestIDKey struct{}
type sessionKey struct{}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		metrics:    service.metrics,
		log:        logging.Component(service.log, "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/api/internal/snapshots/{documentID}", s.handleSnapshotWebhook)

	r.Route("/api/documents", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/", s.handleCreateDocument)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Get("/versions", s.handleListVersions)
			r.Post("/versions", s.handleCreateVersion)
			r.Post("/versions/prune", s.handlePrune)
			r.Get("/versions/{number}", s.handleGetVersion)
			r.Get("/diff", s.handleDiff)
			r.Get("/current", s.handleCurrent)
			r.Get("/history", s.handleHistory)
			r.Get("/search", s.handleSearch)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
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
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// The cache is optional; a failing cache degrades reads but does not make the service unready.
	if enabled, err := s.service.PingCache(ctx); enabled {
		if err != nil {
			checks["cache"] = map[string]any{"status": "degraded", "error": err.Error()}
		} else {
			checks["cache"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSnapshotWebhook(w http.ResponseWriter, r *http.Request) {
	if !auth.SecretMatches(strings.TrimSpace(r.Header.Get(webhookTokenHeader)), s.service.WebhookToken()) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	var body SnapshotWebhookInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.IngestSnapshot(r.Context(), documentID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ingestStatus(result.Created), result)
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title          string `json:"title"`
		RetentionLimit int    `json:"retentionLimit"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), sessionFrom(r), body.Title, body.RetentionLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	doc, err := s.service.GetDocument(r.Context(), sessionFrom(r), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	var body CreateVersionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CreateVersion(r.Context(), sessionFrom(r), documentID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ingestStatus(result.Created), result)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	versions, err := s.service.ListVersions(r.Context(), sessionFrom(r), documentID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "versions": versions})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version number must be a positive integer", nil)
		return
	}
	version, err := s.service.GetVersion(r.Context(), sessionFrom(r), documentID, number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	from, ok := queryInt(w, r, "from", 0)
	if !ok {
		return
	}
	to, ok := queryInt(w, r, "to", 0)
	if !ok {
		return
	}
	if from <= 0 || to <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to must be positive version numbers", nil)
		return
	}
	maxLines, ok := queryInt(w, r, "maxLines", 0)
	if !ok {
		return
	}
	diff, err := s.service.Diff(r.Context(), sessionFrom(r), documentID, from, to, maxLines)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *HTTPServer) handleCurrent(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	current, err := s.service.Current(r.Context(), sessionFrom(r), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *HTTPServer) handlePrune(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	deleted, err := s.service.Prune(r.Context(), sessionFrom(r), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "deleted": deleted})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	view, err := s.service.History(r.Context(), sessionFrom(r), documentID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	documentID, ok := pathID(w, r, "documentID")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	result, err := s.service.Search(r.Context(), sessionFrom(r), documentID, r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

// fail maps err onto a response and logs server-side failures.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", requestID(r.Context())).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, r)

		duration := time.Since(started)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.RecordHTTPRequest(route, writer.status, duration)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func ingestStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}
