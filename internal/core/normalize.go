package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// normalize.go — converts poll records and push frames into canonical Alerts.
//
// All "missing field" handling lives here so the merge and escalation code
// can assume every Alert is fully populated.
// ---------------------------------------------------------------------------

const (
	UnknownWorker    = "Unknown worker"
	UnknownLocation  = "Unknown location"
	DefaultViolation = "PPE violation"

	// OccurredAtLayout is how defaulted occurrence times are rendered.
	OccurredAtLayout = "2006-01-02 15:04:05"

	historyIDPrefix = "history-"
	liveIDPrefix    = "live-"

	// PushTypeViolation is the only push type the engine consumes.
	PushTypeViolation = "violation_alert"
)

// FlexID accepts either a JSON string or a JSON number.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// Violation is one record returned by the Query Service violations endpoint.
type Violation struct {
	ID        FlexID `json:"id"`
	Worker    string `json:"worker"`
	Location  string `json:"location"`
	Violation string `json:"violation"`
	Time      string `json:"time"`
	Status    string `json:"status"`
}

// PushEvent is the envelope of every message on the live feed. Only Type is
// required; Data stays raw until the type is known.
type PushEvent struct {
	Type      string          `json:"type"`
	AlertID   *FlexID         `json:"alert_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Severity  *string         `json:"severity,omitempty"`
	Timestamp *string         `json:"timestamp,omitempty"`
}

// PushViolationData is the payload of a violation_alert push event.
type PushViolationData struct {
	Worker     *string `json:"worker,omitempty"`
	WorkerName *string `json:"worker_name,omitempty"`
	Violation  *string `json:"violation,omitempty"`
	Location   *string `json:"location,omitempty"`
	Time       *string `json:"time,omitempty"`
}

var errMissingType = errors.New("push event has no type")

// DecodePushEvent parses a raw live-feed frame.
func DecodePushEvent(frame []byte) (PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return PushEvent{}, fmt.Errorf("decoding push event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return PushEvent{}, errMissingType
	}
	return ev, nil
}

// IsViolation reports whether the engine should process this event.
func (e PushEvent) IsViolation() bool {
	return e.Type == PushTypeViolation
}

// ViolationData decodes Data as a violation payload. A missing or non-object
// payload yields an empty struct so every field falls back to its default.
func (e PushEvent) ViolationData() PushViolationData {
	var d PushViolationData
	if len(e.Data) == 0 {
		return d
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return PushViolationData{}
	}
	return d
}

// DeriveSeverity maps a violation description to a severity. Matching is a
// case-insensitive substring test, highest tier first.
func DeriveSeverity(text string) Severity {
	v := strings.ToLower(text)
	switch {
	case strings.Contains(v, "helmet"), strings.Contains(v, "helm"):
		return SeverityHigh
	case strings.Contains(v, "vest"), strings.Contains(v, "rompi"), strings.Contains(v, "goggle"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// NormalizeViolation converts a polled record into a history alert. History
// alerts are already seen by definition.
func NormalizeViolation(v Violation, now time.Time) Alert {
	status, ok := ParseAlertStatus(v.Status)
	if !ok {
		status = AlertStatusUnresolved
	}
	return Alert{
		ID:           historyIDPrefix + string(v.ID),
		Worker:       v.Worker,
		Violation:    v.Violation,
		Location:     v.Location,
		OccurredAt:   v.Time,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Severity:     DeriveSeverity(v.Violation),
		Status:       status,
		Acknowledged: true,
		Source:       SourceHistory,
	}
}

// NormalizeViolations converts a poll batch, keeping its order.
func NormalizeViolations(vs []Violation, now time.Time) []Alert {
	out := make([]Alert, 0, len(vs))
	for _, v := range vs {
		out = append(out, NormalizeViolation(v, now))
	}
	return out
}

// NormalizePushEvent converts a violation_alert frame into a live alert.
// centerOpen captures "read while the alert center was open". A
// server-declared severity is accepted when it names a known tier.
func NormalizePushEvent(ev PushEvent, centerOpen bool, now time.Time) Alert {
	d := ev.ViolationData()

	worker := firstNonEmpty(d.Worker, d.WorkerName)
	if worker == "" {
		worker = UnknownWorker
	}
	violation := firstNonEmpty(d.Violation)
	if violation == "" {
		violation = DefaultViolation
	}
	location := firstNonEmpty(d.Location)
	if location == "" {
		location = UnknownLocation
	}
	occurred := firstNonEmpty(d.Time)
	if occurred == "" {
		occurred = now.Format(OccurredAtLayout)
	}

	timestamp := now.UTC().Format(time.RFC3339Nano)
	if ev.Timestamp != nil {
		if t, ok := parseTimestamp(*ev.Timestamp, now.Location()); ok {
			timestamp = t.UTC().Format(time.RFC3339Nano)
		}
	}

	severity := DeriveSeverity(violation)
	if ev.Severity != nil {
		if sev, ok := ParseSeverity(*ev.Severity); ok {
			severity = sev
		}
	}

	id := ""
	if ev.AlertID != nil {
		id = strings.TrimSpace(string(*ev.AlertID))
	}
	if id == "" {
		id = liveIDPrefix + uuid.New().String()
	}

	return Alert{
		ID:           id,
		Worker:       worker,
		Violation:    violation,
		Location:     location,
		OccurredAt:   occurred,
		Timestamp:    timestamp,
		Severity:     severity,
		Status:       AlertStatusUnresolved,
		Acknowledged: centerOpen,
		Source:       SourceLive,
	}
}

func firstNonEmpty(vals ...*string) string {
	for _, v := range vals {
		if v != nil && strings.TrimSpace(*v) != "" {
			return strings.TrimSpace(*v)
		}
	}
	return ""
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	OccurredAtLayout,
	"2006-01-02 15:04",
}

var clockLayouts = []string{
	"15:04:05",
	"15:04",
}

// parseTimestamp parses a full date-time. Values without a zone are read in
// loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

// parseOccurredAt reads the display-formatted occurrence time. Clock-only
// values are anchored to now's day; a result in the future is taken to be
// yesterday.
func parseOccurredAt(s string, now time.Time) (time.Time, bool) {
	if t, ok := parseTimestamp(s, now.Location()); ok {
		return t, true
	}
	s = strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		c, err := time.ParseInLocation(layout, s, now.Location())
		if err != nil {
			continue
		}
		y, m, d := now.Date()
		t := time.Date(y, m, d, c.Hour(), c.Minute(), c.Second(), 0, now.Location())
		if t.After(now) {
			t = t.AddDate(0, 0, -1)
		}
		return t, true
	}
	return time.Time{}, false
}
