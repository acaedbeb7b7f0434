package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/apdwatch/apdwatch/internal/metrics"
	"github.com/apdwatch/apdwatch/internal/report"
	"github.com/rs/zerolog"
)

// Server is the apdwatch REST API server.
type Server struct {
	engine *core.Engine
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server. The engine must be started before the
// server handles requests.
func NewServer(engine *core.Engine) *Server {
	s := &Server{
		engine: engine,
		logger: engine.Logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("/api/v1/alerts/ack-all", s.handleAckAll)
	mux.HandleFunc("/api/v1/alerts/", s.handleAlertByID)
	mux.HandleFunc("/api/v1/alert-center", s.handleAlertCenter)
	mux.HandleFunc("/api/v1/actions", s.handleActions)
	mux.HandleFunc("/api/v1/timers", s.handleTimers)
	mux.HandleFunc("/api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	mux.HandleFunc("/api/v1/report.pdf", s.handleReport)
	mux.HandleFunc("/api/v1/report.xlsx", s.handleReport)
	mux.HandleFunc("/api/v1/config", s.handleConfig)
	mux.Handle("/metrics", metrics.Handler())

	// CORS -> logging -> rate limit -> auth -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			rateLimitMiddleware(
				authMiddleware(mux, engine.Config, s.logger),
				100,
			),
			s.logger,
		),
		engine.Config.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", engine.Config.Server.Host, engine.Config.Server.Port),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// No write timeout: /api/v1/stream holds the response open.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.engine.Config.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.engine.Config.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or APDWATCH_API_KEY")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.engine.Monitor.Snapshot()

	status := map[string]interface{}{
		"version":          core.Version,
		"status":           "running",
		"connection":       snap.Connection,
		"query_service":    s.engine.Query.BaseURL(),
		"query_breaker":    s.engine.Query.BreakerState(),
		"timeline_backend": s.engine.Config.Timeline.Backend,
		"bus_connected":    s.engine.Bus != nil && s.engine.Bus.IsConnected(),
		"alerts_total":     len(snap.Alerts),
		"unread":           snap.Unread,
		"unresolved":       snap.Unresolved,
		"center_open":      snap.CenterOpen,
		"countdowns":       len(snap.Timers),
		"last_poll_at":     snap.LastPollAt,
		"timestamp":        time.Now().UTC(),
	}
	if snap.LastPollError != "" {
		status["last_poll_error"] = snap.LastPollError
	}
	if snap.Stats != nil {
		status["stats"] = snap.Stats
	}
	if s.engine.Feed != nil {
		status["live_feed"] = s.engine.Feed.Stats()
	}
	if s.engine.Notifier != nil {
		status["notifier"] = s.engine.Notifier.Stats()
	}
	if s.engine.Bus != nil {
		status["bus"] = s.engine.Bus.GetMetrics()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var filter core.AlertFilter
	if v := q.Get("severity"); v != "" && v != "all" {
		sev, ok := core.ParseSeverity(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid severity, use high, medium or low"})
			return
		}
		filter.Severity = &sev
	}
	if v := q.Get("status"); v != "" && v != "all" {
		st, ok := core.ParseAlertStatus(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status, use resolved or unresolved"})
			return
		}
		filter.Status = &st
	}
	filter.Query = q.Get("q")

	snap := s.engine.Monitor.Snapshot()
	alerts := core.FilterAlerts(snap.Alerts, filter)
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l < len(alerts) {
		alerts = alerts[:l]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":     alerts,
		"total":      len(alerts),
		"unread":     snap.Unread,
		"unresolved": snap.Unresolved,
	})
}

// handleAckAll handles POST /api/v1/alerts/ack-all
func (s *Server) handleAckAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.engine.Monitor.AcknowledgeAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": n})
}

// handleAlertCenter handles GET/PUT /api/v1/alert-center
func (s *Server) handleAlertCenter(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.engine.Monitor.Snapshot()
		writeJSON(w, http.StatusOK, map[string]interface{}{"open": snap.CenterOpen, "unread": snap.Unread})
	case http.MethodPut:
		var body struct {
			Open *bool `json:"open"`
		}
		if err := decodeBody(r, &body); err != nil || body.Open == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"open": true|false}`})
			return
		}
		if err := s.engine.Monitor.SetCenterOpen(r.Context(), *body.Open); err != nil {
			s.writeError(w, err)
			return
		}
		snap := s.engine.Monitor.Snapshot()
		writeJSON(w, http.StatusOK, map[string]interface{}{"open": snap.CenterOpen, "unread": snap.Unread})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAlertByID serves /api/v1/alerts/{id} and its sub-resources:
// countdown, timeline, resolve and escalate.
func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	// Segments are split on the escaped path so an id may carry %2F.
	path := strings.Trim(strings.TrimPrefix(r.URL.EscapedPath(), "/api/v1/alerts/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	alertID, err := url.PathUnescape(parts[0])
	if err != nil || alertID == "" {
		http.NotFound(w, r)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		alert, ok := s.engine.Monitor.Alert(alertID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
			return
		}
		resp := map[string]interface{}{"alert": alert}
		if timer, ok := s.engine.Monitor.Countdown(alertID); ok {
			resp["countdown"] = timer
		}
		writeJSON(w, http.StatusOK, resp)

	case "countdown":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		timer, ok := s.engine.Monitor.Countdown(alertID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no countdown for alert"})
			return
		}
		writeJSON(w, http.StatusOK, timer)

	case "timeline":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		recs, err := s.engine.Monitor.Timeline(r.Context(), alertID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"alert_id": alertID, "actions": recs, "total": len(recs)})

	case "resolve", "escalate":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req core.ActionRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
		var (
			rec core.ActionRecord
			err error
		)
		if sub == "resolve" {
			rec, err = s.engine.Monitor.Resolve(r.Context(), alertID, req)
		} else {
			rec, err = s.engine.Monitor.Escalate(r.Context(), alertID, req)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.engine.Store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": recs, "total": len(recs)})
}

func (s *Server) handleTimers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	timers := s.engine.Monitor.Snapshot().Timers
	writeJSON(w, http.StatusOK, map[string]interface{}{"timers": timers, "total": len(timers)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.Monitor.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	snap := s.engine.Monitor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "refreshed",
		"alerts_total": len(snap.Alerts),
		"last_poll_at": snap.LastPollAt,
	})
}

// handleStream serves GET /api/v1/stream as server-sent events. The first
// event is the current snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	ch, unsubscribe := s.engine.Monitor.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, core.StreamMessage{Type: "snapshot", Data: s.engine.Monitor.Snapshot()}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Debug().Err(err).Msg("stream client gone")
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, msg core.StreamMessage) error {
	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, payload)
	return err
}

// handleReport exports the current view and action history as PDF or XLSX.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.engine.Store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap := s.engine.Monitor.Snapshot()
	rep := report.Report{
		Site:        r.URL.Query().Get("site"),
		GeneratedAt: time.Now().UTC(),
		Alerts:      snap.Alerts,
		Actions:     recs,
		Stats:       snap.Stats,
	}

	var (
		data        []byte
		contentType string
		name        string
	)
	if strings.HasSuffix(r.URL.Path, ".xlsx") {
		data, err = report.BuildXLSX(rep)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		name = "apd-report.xlsx"
	} else {
		data, err = report.BuildPDF(rep)
		contentType = "application/pdf"
		name = "apd-report.pdf"
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("report generation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report generation failed"})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	safeCfg := *s.engine.Config
	safeCfg.Server.APIKeys = nil
	safeCfg.Query.APIKey = ""
	safeCfg.Timeline.RedisPassword = ""
	safeCfg.Timeline.PostgresDSN = ""
	writeJSON(w, http.StatusOK, safeCfg)
}

// writeError maps engine errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, core.ErrAlertNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrMonitorStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		s.logger.Warn().Err(err).Msg("upstream failure")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// authMiddleware enforces API key authentication on everything except
// /health and /metrics. With no keys configured all requests pass.
func authMiddleware(next http.Handler, cfg *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" || !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing authentication, provide Authorization: Bearer <key> or X-API-Key",
			})
			return
		}
		if !cfg.ValidateAPIKey(key) {
			logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens    float64
	maxTokens float64
	lastTime  time.Time
}

func (b *tokenBucket) allow(rate float64) bool {
	now := time.Now()
	b.tokens += now.Sub(b.lastTime).Seconds() * rate
	b.lastTime = now
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// rateLimitMiddleware is a per-IP token bucket with a burst of twice the rate.
func rateLimitMiddleware(next http.Handler, requestsPerSecond int) http.Handler {
	limiter := &ipLimiter{buckets: make(map[string]*tokenBucket)}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}

		limiter.mu.Lock()
		now := time.Now()
		bucket, exists := limiter.buckets[ip]
		if !exists {
			// Prune idle buckets when a new client shows up.
			for k, b := range limiter.buckets {
				if now.Sub(b.lastTime) > 10*time.Minute {
					delete(limiter.buckets, k)
				}
			}
			bucket = &tokenBucket{
				tokens:    float64(requestsPerSecond),
				maxTokens: float64(requestsPerSecond * 2),
				lastTime:  now,
			}
			limiter.buckets[ip] = bucket
		}
		allowed := bucket.allow(float64(requestsPerSecond))
		limiter.mu.Unlock()

		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded, try again shortly"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging. It forwards Flush
// so the event stream keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
