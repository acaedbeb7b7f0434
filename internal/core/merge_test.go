package core

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

var mergeBase = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func alertAt(id string, offset time.Duration) Alert {
	return Alert{
		ID:        id,
		Worker:    "worker " + id,
		Violation: "No helmet",
		Location:  "Gate A",
		Timestamp: mergeBase.Add(offset).Format(time.RFC3339Nano),
		Severity:  SeverityHigh,
		Source:    SourceLive,
	}
}

func ids(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}

func TestMergeAlerts_SortsNewestFirst(t *testing.T) {
	existing := []Alert{alertAt("a", 0), alertAt("c", 2*time.Minute)}
	incoming := []Alert{alertAt("b", time.Minute)}

	got := ids(MergeAlerts(existing, incoming))
	want := []string{"c", "b", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestMergeAlerts_Idempotent(t *testing.T) {
	batch := []Alert{alertAt("a", 0), alertAt("b", time.Minute)}
	once := MergeAlerts(nil, batch)
	twice := MergeAlerts(once, batch)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merging the same batch twice changed the view:\n%v\n%v", once, twice)
	}
}

func TestMergeAlerts_NoDuplicateIDs(t *testing.T) {
	existing := []Alert{alertAt("a", 0)}
	incoming := []Alert{alertAt("a", time.Minute), alertAt("a", 2*time.Minute)}
	got := MergeAlerts(existing, incoming)
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
}

func TestMergeAlerts_ExistingFieldsWin(t *testing.T) {
	existing := alertAt("a", 0)
	existing.Location = "Gate A"
	incoming := alertAt("a", time.Minute)
	incoming.Location = "Gate B"

	got := MergeAlerts([]Alert{existing}, []Alert{incoming})
	if got[0].Location != "Gate A" {
		t.Errorf("Location = %q, want the existing value", got[0].Location)
	}
	if got[0].Timestamp != existing.Timestamp {
		t.Errorf("Timestamp = %q, want existing", got[0].Timestamp)
	}
}

func TestMergeAlerts_AcknowledgedPreserved(t *testing.T) {
	read := alertAt("a", 0)
	read.Acknowledged = true
	unread := alertAt("a", 0)

	if got := MergeAlerts([]Alert{read}, []Alert{unread}); !got[0].Acknowledged {
		t.Error("re-observing a read alert must not make it unread")
	}
	if got := MergeAlerts([]Alert{unread}, []Alert{read}); got[0].Acknowledged {
		t.Error("re-observing an unread alert must not mark it read")
	}
}

func TestMergeAlerts_StatusNeverReopens(t *testing.T) {
	resolved := alertAt("a", 0)
	resolved.Status = AlertStatusResolved
	open := alertAt("a", 0)

	if got := MergeAlerts([]Alert{resolved}, []Alert{open}); !got[0].IsResolved() {
		t.Error("stale unresolved observation reopened a resolved alert")
	}
	if got := MergeAlerts([]Alert{open}, []Alert{resolved}); !got[0].IsResolved() {
		t.Error("resolution observed remotely was lost")
	}
}

func TestMergeAlerts_RetentionLimit(t *testing.T) {
	var existing []Alert
	for i := 0; i < 40; i++ {
		existing = append(existing, alertAt(fmt.Sprintf("old-%d", i), time.Duration(i)*time.Second))
	}
	var incoming []Alert
	for i := 0; i < 30; i++ {
		incoming = append(incoming, alertAt(fmt.Sprintf("new-%d", i), time.Hour+time.Duration(i)*time.Second))
	}

	got := MergeAlerts(existing, incoming)
	if len(got) != RetentionLimit {
		t.Fatalf("len = %d, want %d", len(got), RetentionLimit)
	}
	if got[0].ID != "new-29" {
		t.Errorf("newest = %q, want new-29", got[0].ID)
	}
	// 30 new + 20 newest old survive.
	if got[len(got)-1].ID != "old-20" {
		t.Errorf("oldest kept = %q, want old-20", got[len(got)-1].ID)
	}
}

func TestMergeAlerts_TiesKeepFirstSeenOrder(t *testing.T) {
	incoming := []Alert{alertAt("x", 0), alertAt("y", 0)}
	existing := []Alert{alertAt("z", 0)}

	got := ids(MergeAlerts(existing, incoming))
	want := []string{"x", "y", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestMergeAlerts_UnparsableTimestampSortsLast(t *testing.T) {
	bad := alertAt("bad", 0)
	bad.Timestamp = "not a time"
	got := ids(MergeAlerts(nil, []Alert{bad, alertAt("good", 0)}))
	if got[len(got)-1] != "bad" {
		t.Errorf("order = %v, want bad last", got)
	}
}

func TestMergeAlerts_InputsUntouched(t *testing.T) {
	existing := []Alert{alertAt("a", 0), alertAt("b", time.Minute)}
	incoming := []Alert{alertAt("c", 2*time.Minute)}
	snapshot := append([]Alert(nil), existing...)

	MergeAlerts(existing, incoming)
	if !reflect.DeepEqual(existing, snapshot) {
		t.Error("MergeAlerts modified its existing input")
	}
}

func TestFilterAlerts(t *testing.T) {
	high := alertAt("h", 0)
	medium := alertAt("m", 0)
	medium.Severity = SeverityMedium
	medium.Worker = "Sari"
	medium.Status = AlertStatusResolved
	alerts := []Alert{high, medium}

	sev := SeverityMedium
	if got := ids(FilterAlerts(alerts, AlertFilter{Severity: &sev})); !reflect.DeepEqual(got, []string{"m"}) {
		t.Errorf("severity filter = %v", got)
	}
	st := AlertStatusUnresolved
	if got := ids(FilterAlerts(alerts, AlertFilter{Status: &st})); !reflect.DeepEqual(got, []string{"h"}) {
		t.Errorf("status filter = %v", got)
	}
	if got := ids(FilterAlerts(alerts, AlertFilter{Query: "sAR"})); !reflect.DeepEqual(got, []string{"m"}) {
		t.Errorf("query filter = %v", got)
	}
	if got := FilterAlerts(alerts, AlertFilter{}); len(got) != 2 {
		t.Errorf("empty filter kept %d", len(got))
	}
}
