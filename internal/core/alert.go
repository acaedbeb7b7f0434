package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity is the derived urgency of a violation alert.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name case-insensitively. The boolean is
// false for anything other than high, medium or low.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	default:
		return SeverityLow, false
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	sev, ok := ParseSeverity(str)
	if !ok {
		return fmt.Errorf("unknown severity %q", str)
	}
	*s = sev
	return nil
}

// AlertStatus is the resolution state of an alert.
type AlertStatus int

const (
	AlertStatusUnresolved AlertStatus = iota
	AlertStatusResolved
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusUnresolved:
		return "unresolved"
	case AlertStatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ParseAlertStatus accepts "resolved" and "unresolved" in any case.
func ParseAlertStatus(s string) (AlertStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unresolved":
		return AlertStatusUnresolved, true
	case "resolved":
		return AlertStatusResolved, true
	default:
		return AlertStatusUnresolved, false
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AlertStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	st, ok := ParseAlertStatus(str)
	if !ok {
		return fmt.Errorf("unknown alert status %q", str)
	}
	*s = st
	return nil
}

// AlertSource records where an alert was first observed. It drives UI badges
// only and never merge precedence.
type AlertSource string

const (
	SourceLive    AlertSource = "live"
	SourceHistory AlertSource = "history"
)

// Alert is one detected safety violation that needs human attention.
type Alert struct {
	ID           string      `json:"id"`
	Worker       string      `json:"worker"`
	Violation    string      `json:"violation"`
	Location     string      `json:"location"`
	OccurredAt   string      `json:"time"`
	Timestamp    string      `json:"timestamp"`
	Severity     Severity    `json:"severity"`
	Status       AlertStatus `json:"status"`
	Acknowledged bool        `json:"seen"`
	Source       AlertSource `json:"source"`
}

// Instant parses Timestamp. Empty or unparsable values map to the Unix epoch
// so they sort below every real alert.
func (a Alert) Instant() time.Time {
	if t, ok := parseTimestamp(a.Timestamp, time.Local); ok {
		return t
	}
	return time.Unix(0, 0).UTC()
}

// IsResolved reports whether the alert has been closed out.
func (a Alert) IsResolved() bool {
	return a.Status == AlertStatusResolved
}

// RelativeAge renders how long ago the alert was stamped, for compact lists.
// It returns "" when the timestamp cannot be parsed.
func RelativeAge(a Alert, now time.Time) string {
	t, ok := parseTimestamp(a.Timestamp, now.Location())
	if !ok {
		return ""
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff/time.Hour))
	default:
		return fmt.Sprintf("%d days ago", int(diff/(24*time.Hour)))
	}
}

// AlertFilter narrows an alert list. Zero values match everything.
type AlertFilter struct {
	Severity *Severity
	Status   *AlertStatus
	Query    string
}

// Match reports whether a passes every set criterion. Query is a
// case-insensitive substring over worker, violation and location.
func (f AlertFilter) Match(a Alert) bool {
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(a.Worker), q) ||
		strings.Contains(strings.ToLower(a.Violation), q) ||
		strings.Contains(strings.ToLower(a.Location), q)
}

// FilterAlerts returns the alerts matching f, preserving order.
func FilterAlerts(alerts []Alert, f AlertFilter) []Alert {
	out := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out
}
