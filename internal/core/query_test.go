package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func newTestQueryClient(t *testing.T, h http.Handler, cfg QueryConfig) *QueryClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/"
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return NewQueryClient(zerolog.Nop(), cfg)
}

func TestQueryClient_Violations(t *testing.T) {
	seen := make(chan *http.Request, 1)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/violations" {
			http.NotFound(w, r)
			return
		}
		seen <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id": 5, "worker": "Budi", "location": "Gate A", "violation": "No helmet", "time": "07:55:00", "status": "unresolved"}]`))
	})
	c := newTestQueryClient(t, h, QueryConfig{APIKey: "secret"})

	vs, err := c.Violations(context.Background(), 0)
	if err != nil {
		t.Fatalf("Violations: %v", err)
	}
	if len(vs) != 1 || vs[0].ID != "5" || vs[0].Worker != "Budi" {
		t.Errorf("violations = %+v", vs)
	}
	r := <-seen
	if got := r.URL.Query().Get("limit"); got != "50" {
		t.Errorf("limit = %q, want default 50", got)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestQueryClient_Stats(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"totalDetections": 120, "violations": 12, "complianceRate": 90.0, "compliantWorkers": 108}`))
	})
	c := newTestQueryClient(t, h, QueryConfig{})

	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalDetections != 120 || st.Violations != 12 || st.ComplianceRate != 90 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueryClient_ActionsDecodeWireFormat(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id": 2, "alert_id": 9, "action": "escalate", "level": "HSE Manager", "actor": "System", "auto": 1, "timestamp": "2026-03-10T08:05:00"},
			{"id": 1, "alert_id": "live-abc", "action": "resolve", "actor": "Mandor", "auto": 0, "timestamp": "2026-03-10T08:01:00"}
		]`))
	})
	c := newTestQueryClient(t, h, QueryConfig{})

	recs, err := c.Actions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].ID != "1" || recs[0].AlertID != "live-abc" || recs[0].Auto {
		t.Errorf("first = %+v", recs[0])
	}
	if recs[1].AlertID != "history-9" || !recs[1].IsAutoEscalation() {
		t.Errorf("second = %+v", recs[1])
	}
}

func TestQueryClient_ServerErrorTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestQueryClient(t, h, QueryConfig{BreakerTrips: 2, BreakerCooloff: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Violations(ctx, 10)
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
			t.Fatalf("call %d: expected StatusError 500, got %v", i, err)
		}
	}
	if c.BreakerState() != "open" {
		t.Errorf("breaker = %s, want open", c.BreakerState())
	}

	_, err := c.Violations(ctx, 10)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open-state error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestQueryClient_ClientErrorsDoNotTrip(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestQueryClient(t, h, QueryConfig{BreakerTrips: 1})

	for i := 0; i < 3; i++ {
		_, err := c.Stats(context.Background())
		if !errors.Is(err, ErrAlertNotFound) {
			t.Fatalf("expected ErrAlertNotFound, got %v", err)
		}
	}
	if c.BreakerState() != "closed" {
		t.Errorf("breaker = %s, want closed", c.BreakerState())
	}
}

func TestQueryClient_Timeout(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := newTestQueryClient(t, h, QueryConfig{Timeout: 50 * time.Millisecond})

	start := time.Now()
	if _, err := c.Stats(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("request was not bounded by the timeout")
	}
}

func TestQueryClient_EscalateBody(t *testing.T) {
	bodies := make(chan map[string]interface{}, 1)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Write([]byte(`{"id": 11, "timestamp": "2026-03-10T08:03:00"}`))
	})
	c := newTestQueryClient(t, h, QueryConfig{})

	rec, err := c.Escalate(context.Background(), ActionRecord{
		AlertID: "history-3", Kind: ActionEscalate, Level: LevelSupervisor, Actor: "Mandor", Notes: "check now",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "11" || rec.Level != LevelSupervisor || rec.CreatedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}
	body := <-bodies
	if body["alert_id"] != float64(3) || body["action"] != "escalate" || body["auto"] != false || body["notes"] != "check now" {
		t.Errorf("body = %v", body)
	}
}

func TestWireAlertID(t *testing.T) {
	if got := wireAlertID("history-12"); got != int64(12) {
		t.Errorf("wireAlertID(history-12) = %v", got)
	}
	if got := wireAlertID("live-abc"); got != "live-abc" {
		t.Errorf("wireAlertID(live-abc) = %v", got)
	}
	if got := localAlertID("12"); got != "history-12" {
		t.Errorf("localAlertID(12) = %v", got)
	}
}

func TestParseBaseURL(t *testing.T) {
	if got, err := ParseBaseURL("http://host:8000/"); err != nil || got != "http://host:8000" {
		t.Errorf("ParseBaseURL = %q, %v", got, err)
	}
	for _, bad := range []string{"ftp://host", "http://", "::::"} {
		if _, err := ParseBaseURL(bad); err == nil {
			t.Errorf("ParseBaseURL(%q) should fail", bad)
		}
	}
}
