package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestRecorder_Polls(t *testing.T) {
	before := testutil.ToFloat64(pollsTotal.WithLabelValues(OutcomeError))
	var r Recorder
	r.PollCompleted(20*time.Millisecond, errors.New("timeout"))
	r.PollCompleted(-time.Second, nil)

	if got := testutil.ToFloat64(pollsTotal.WithLabelValues(OutcomeError)) - before; got != 1 {
		t.Errorf("error polls = %v, want 1", got)
	}
}

func TestRecorder_Actions(t *testing.T) {
	counter := actionsTotal.WithLabelValues("escalate", "auto", OutcomeSuccess)
	before := testutil.ToFloat64(counter)

	Recorder{}.ActionStored(core.ActionRecord{Kind: core.ActionEscalate, Auto: true}, nil)
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("auto escalations = %v, want 1", got)
	}
}

func TestRecorder_AlertGauges(t *testing.T) {
	Recorder{}.AlertsChanged(12, 3, 5)
	if got := testutil.ToFloat64(alertsGauge.WithLabelValues("unread")); got != 3 {
		t.Errorf("unread = %v", got)
	}
	if got := testutil.ToFloat64(alertsGauge.WithLabelValues("unresolved")); got != 5 {
		t.Errorf("unresolved = %v", got)
	}
}

func TestObserveConnState(t *testing.T) {
	ObserveConnState(core.StateConnected)
	if testutil.ToFloat64(liveConnected) != 1 {
		t.Error("connected gauge not set")
	}
	ObserveConnState(core.StateDisconnected)
	if testutil.ToFloat64(liveConnected) != 0 {
		t.Error("connected gauge not cleared")
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	Recorder{}.LiveEvent("violation_alert")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "apdwatch_live_events_total") {
		t.Error("metrics output missing apdwatch_live_events_total")
	}
}
