package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionKind is the type of an action timeline entry.
type ActionKind string

const (
	ActionResolve  ActionKind = "resolve"
	ActionEscalate ActionKind = "escalate"
)

// Escalation tiers.
const (
	LevelHSEManager = "HSE Manager"
	LevelSupervisor = "Supervisor"
)

// SystemActor is recorded on every automatic action.
const SystemActor = "System"

var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrAlreadyResolved = errors.New("alert already resolved")
	ErrInvalidAction   = errors.New("invalid action")
)

// ActionRecord is an immutable audit entry for a resolve or escalate action,
// human or automatic.
type ActionRecord struct {
	ID        string     `json:"id"`
	AlertID   string     `json:"alert_id"`
	Kind      ActionKind `json:"action"`
	Level     string     `json:"level,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	Evidence  string     `json:"evidence,omitempty"`
	Severity  string     `json:"severity,omitempty"`
	Auto      bool       `json:"auto"`
	CreatedAt time.Time  `json:"timestamp"`
}

// Validate checks the fields every backend relies on.
func (r ActionRecord) Validate() error {
	if strings.TrimSpace(r.AlertID) == "" {
		return fmt.Errorf("%w: missing alert id", ErrInvalidAction)
	}
	switch r.Kind {
	case ActionResolve:
		if r.Auto {
			return fmt.Errorf("%w: resolve cannot be automatic", ErrInvalidAction)
		}
	case ActionEscalate:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, r.Kind)
	}
	return nil
}

// IsAutoEscalation reports whether r is the engine's automatic escalation.
func (r ActionRecord) IsAutoEscalation() bool {
	return r.Kind == ActionEscalate && r.Auto
}

// EscalationLevel returns the response tier for a severity.
func EscalationLevel(sev Severity) string {
	if sev == SeverityHigh {
		return LevelHSEManager
	}
	return LevelSupervisor
}
