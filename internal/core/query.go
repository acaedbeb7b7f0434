package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ---------------------------------------------------------------------------
// query.go — client for the violation Query Service.
//
// The Query Service owns the violation database and the action history.
// Every call runs with an explicit timeout behind a circuit breaker.
// ---------------------------------------------------------------------------

// QueryConfig configures the Query Service client.
type QueryConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	APIKey         string        `yaml:"api_key" json:"api_key,omitempty"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"` // 0 = on demand only
	ViolationLimit int           `yaml:"violation_limit" json:"violation_limit"`
	ActionLimit    int           `yaml:"action_limit" json:"action_limit"`
	BreakerTrips   uint32        `yaml:"breaker_trips" json:"breaker_trips"`
	BreakerCooloff time.Duration `yaml:"breaker_cooloff" json:"breaker_cooloff"`
}

// DefaultQueryConfig returns the standard poll settings.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		BaseURL:        "http://localhost:8000",
		Timeout:        defaultHTTPTimeout,
		PollInterval:   10 * time.Second,
		ViolationLimit: 50,
		ActionLimit:    100,
		BreakerTrips:   5,
		BreakerCooloff: 30 * time.Second,
	}
}

// Stats are the Query Service aggregate counts. Informational only.
type Stats struct {
	TotalDetections  int     `json:"totalDetections"`
	Violations       int     `json:"violations"`
	ComplianceRate   float64 `json:"complianceRate"`
	CompliantWorkers int     `json:"compliantWorkers"`
}

// StatusError is a non-2xx response from the Query Service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("query service returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrAlertNotFound
	}
	return nil
}

// QueryClient talks to the Query Service HTTP API.
type QueryClient struct {
	logger  zerolog.Logger
	cfg     QueryConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewQueryClient creates a client. Zero config values take their defaults.
func NewQueryClient(logger zerolog.Logger, cfg QueryConfig) *QueryClient {
	def := DefaultQueryConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ViolationLimit <= 0 {
		cfg.ViolationLimit = def.ViolationLimit
	}
	if cfg.ActionLimit <= 0 {
		cfg.ActionLimit = def.ActionLimit
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = def.BreakerTrips
	}
	if cfg.BreakerCooloff <= 0 {
		cfg.BreakerCooloff = def.BreakerCooloff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	qc := &QueryClient{
		logger: logger.With().Str("component", "query_client").Logger(),
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
	trips := cfg.BreakerTrips
	qc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "QueryService",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooloff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			qc.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("query service breaker state changed")
		},
	})
	return qc
}

// BaseURL returns the normalized service root.
func (c *QueryClient) BaseURL() string { return c.cfg.BaseURL }

// BreakerState reports the circuit breaker state.
func (c *QueryClient) BreakerState() string { return c.breaker.State().String() }

// Violations fetches the most recent violation records, newest first.
func (c *QueryClient) Violations(ctx context.Context, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = c.cfg.ViolationLimit
	}
	var out []Violation
	path := "/api/violations?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching violations: %w", err)
	}
	return out, nil
}

// Stats fetches aggregate detection counts.
func (c *QueryClient) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return out, nil
}

// maxActionLimit caps how far Actions widens its window.
const maxActionLimit = 1 << 13

// Actions returns the whole action history, oldest first. The service only
// returns the newest limit records, so the limit doubles until a response
// comes back short.
func (c *QueryClient) Actions(ctx context.Context) ([]ActionRecord, error) {
	limit := c.cfg.ActionLimit
	var wire []wireAction
	for {
		wire = nil
		path := "/api/alerts/actions?limit=" + strconv.Itoa(limit)
		if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
			return nil, fmt.Errorf("fetching actions: %w", err)
		}
		if len(wire) < limit {
			break
		}
		if limit >= maxActionLimit {
			c.logger.Warn().Int("limit", limit).Msg("action history truncated at maximum window")
			break
		}
		limit *= 2
	}

	out := make([]ActionRecord, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.record())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Resolve records a resolve action and closes the violation server-side.
func (c *QueryClient) Resolve(ctx context.Context, rec ActionRecord) (ActionRecord, error) {
	body := map[string]interface{}{
		"alert_id": wireAlertID(rec.AlertID),
		"actor":    rec.Actor,
	}
	if rec.Notes != "" {
		body["notes"] = rec.Notes
	}
	if rec.Evidence != "" {
		body["evidence"] = rec.Evidence
	}
	var w wireAction
	if err := c.do(ctx, http.MethodPost, "/api/alerts/resolve", body, &w); err != nil {
		return ActionRecord{}, fmt.Errorf("resolving alert %s: %w", rec.AlertID, err)
	}
	return w.merged(rec), nil
}

// Escalate records an escalate action.
func (c *QueryClient) Escalate(ctx context.Context, rec ActionRecord) (ActionRecord, error) {
	body := map[string]interface{}{
		"alert_id": wireAlertID(rec.AlertID),
		"action":   string(ActionEscalate),
		"actor":    rec.Actor,
		"auto":     rec.Auto,
	}
	if rec.Level != "" {
		body["level"] = rec.Level
	}
	if rec.Notes != "" {
		body["notes"] = rec.Notes
	}
	if rec.Severity != "" {
		body["severity"] = rec.Severity
	}
	if rec.Evidence != "" {
		body["evidence"] = rec.Evidence
	}
	var w wireAction
	if err := c.do(ctx, http.MethodPost, "/api/alerts/actions", body, &w); err != nil {
		return ActionRecord{}, fmt.Errorf("escalating alert %s: %w", rec.AlertID, err)
	}
	return w.merged(rec), nil
}

func (c *QueryClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := newJSONRequest(ctx, method, c.cfg.BaseURL+path, body, c.cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		if out == nil {
			return nil, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return nil, nil
	})
	return err
}

// wireAction is an action record as the Query Service encodes it: numeric
// ids and zone-less timestamps.
type wireAction struct {
	ID        FlexID   `json:"id"`
	AlertID   FlexID   `json:"alert_id"`
	Action    string   `json:"action"`
	Level     string   `json:"level"`
	Actor     string   `json:"actor"`
	Notes     string   `json:"notes"`
	Evidence  string   `json:"evidence"`
	Severity  string   `json:"severity"`
	Auto      flexBool `json:"auto"`
	Timestamp string   `json:"timestamp"`
}

func (w wireAction) record() ActionRecord {
	rec := ActionRecord{
		ID:       string(w.ID),
		AlertID:  localAlertID(string(w.AlertID)),
		Kind:     ActionKind(w.Action),
		Level:    w.Level,
		Actor:    w.Actor,
		Notes:    w.Notes,
		Evidence: w.Evidence,
		Severity: w.Severity,
		Auto:     bool(w.Auto),
	}
	if t, ok := parseTimestamp(w.Timestamp, time.Local); ok {
		rec.CreatedAt = t.UTC()
	}
	return rec
}

// merged fills what the server echoed back into the record that was sent.
func (w wireAction) merged(sent ActionRecord) ActionRecord {
	got := w.record()
	sent.ID = got.ID
	if got.Kind != "" {
		sent.Kind = got.Kind
	}
	if !got.CreatedAt.IsZero() {
		sent.CreatedAt = got.CreatedAt
	}
	if sent.CreatedAt.IsZero() {
		sent.CreatedAt = time.Now().UTC()
	}
	return sent
}

// flexBool accepts true/false as well as the 0/1 integers SQLite returns.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// wireAlertID converts a local alert id into the numeric violation id the
// Query Service keys on, when there is one.
func wireAlertID(id string) interface{} {
	raw := strings.TrimPrefix(id, historyIDPrefix)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return id
}

// localAlertID is the inverse of wireAlertID: numeric ids refer to polled
// violations.
func localAlertID(id string) string {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return historyIDPrefix + id
	}
	return id
}

// ParseBaseURL validates a Query Service root URL.
func ParseBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base url %q must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
