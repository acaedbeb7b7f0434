package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// escalation.go — countdown and auto-escalation for unresolved alerts.
//
// An unresolved high or medium alert that nobody resolves within its grace
// period is escalated once, automatically, to the matching response tier.
//
// Design:
//   - One periodic tick recomputes every countdown; no per-alert timers
//   - Grace period per severity; low severity never escalates
//   - An alert enters the auto-triggered set before its record is written
//     and never leaves it, even if the write fails
//   - Both the auto-triggered and resolved sets are rebuilt from the action
//     timeline on start and after every poll (Reconcile)
//   - Ids that left the alert view are forgotten (Prune) unless their auto
//     escalation never reached the timeline
//   - Manual escalations are never tracked here
// ---------------------------------------------------------------------------

// EscalationConfig controls escalation behavior.
type EscalationConfig struct {
	Enabled      bool                     `yaml:"enabled" json:"enabled"`
	TickInterval time.Duration            `yaml:"tick_interval" json:"tick_interval"`
	GracePeriods map[string]time.Duration `yaml:"grace_periods" json:"grace_periods"` // keyed by severity
}

// DefaultEscalationConfig returns the standard grace periods.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Enabled:      true,
		TickInterval: time.Second,
		GracePeriods: map[string]time.Duration{
			"high":   3 * time.Minute,
			"medium": 5 * time.Minute,
		},
	}
}

// EscalationTimer is the countdown state of one escalatable alert.
type EscalationTimer struct {
	AlertID   string    `json:"alert_id"`
	Severity  Severity  `json:"severity"`
	Deadline  time.Time `json:"deadline"`
	Remaining int       `json:"remaining_seconds"`
	Fired     bool      `json:"fired"`
}

// EscalationEngine tracks countdowns and decides when an alert must be
// auto-escalated. It performs no I/O: Tick returns the records to write.
type EscalationEngine struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	cfg       EscalationConfig
	timers    map[string]EscalationTimer
	triggered map[string]struct{}
	pending   map[string]struct{} // triggered here, not yet seen in the timeline
	resolved  map[string]struct{}
	fired     int
}

// NewEscalationEngine creates an engine with an empty auto-triggered set.
func NewEscalationEngine(logger zerolog.Logger, cfg EscalationConfig) *EscalationEngine {
	return &EscalationEngine{
		logger:    logger.With().Str("component", "escalation").Logger(),
		cfg:       cfg,
		timers:    make(map[string]EscalationTimer),
		triggered: make(map[string]struct{}),
		pending:   make(map[string]struct{}),
		resolved:  make(map[string]struct{}),
	}
}

// GracePeriod returns the grace period for sev, or false when sev has no
// escalation path.
func (e *EscalationEngine) GracePeriod(sev Severity) (time.Duration, bool) {
	d, ok := e.cfg.GracePeriods[sev.String()]
	if !ok || d <= 0 {
		return 0, false
	}
	return d, true
}

// Tick recomputes all countdowns at now and returns one automatic escalate
// record for every alert whose countdown reached zero for the first time.
// Alerts not passed in lose their timer.
func (e *EscalationEngine) Tick(now time.Time, alerts []Alert) []ActionRecord {
	if !e.cfg.Enabled {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	timers := make(map[string]EscalationTimer, len(alerts))
	var due []ActionRecord

	for _, a := range alerts {
		if a.IsResolved() {
			continue
		}
		if _, done := e.resolved[a.ID]; done {
			continue
		}
		grace, ok := e.GracePeriod(a.Severity)
		if !ok {
			continue
		}
		start, ok := escalationStart(a, now)
		if !ok {
			continue
		}

		remaining := grace - now.Sub(start)
		_, fired := e.triggered[a.ID]

		if remaining <= 0 && !fired {
			e.triggered[a.ID] = struct{}{}
			e.pending[a.ID] = struct{}{}
			e.fired++
			fired = true
			due = append(due, ActionRecord{
				AlertID:   a.ID,
				Kind:      ActionEscalate,
				Level:     EscalationLevel(a.Severity),
				Actor:     SystemActor,
				Notes:     fmt.Sprintf("Auto-escalation: no response within %s", grace),
				Severity:  a.Severity.String(),
				Auto:      true,
				CreatedAt: now.UTC(),
			})
			e.logger.Warn().
				Str("alert_id", a.ID).
				Str("severity", a.Severity.String()).
				Dur("grace", grace).
				Msg("alert auto-escalated, no response within grace period")
		}

		timers[a.ID] = EscalationTimer{
			AlertID:   a.ID,
			Severity:  a.Severity,
			Deadline:  start.Add(grace),
			Remaining: ceilSeconds(remaining),
			Fired:     fired,
		}
	}

	e.timers = timers
	return due
}

// Resolve cancels the countdown for alertID for good.
func (e *EscalationEngine) Resolve(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved[alertID] = struct{}{}
	delete(e.timers, alertID)
	e.logger.Debug().Str("alert_id", alertID).Msg("escalation cancelled, alert resolved")
}

// Reconcile folds the action timeline into the engine state: every alert
// with an automatic escalation is marked triggered and every alert with a
// resolve record is marked resolved. Existing entries are kept, including
// ids whose write is still in flight or failed. It returns the number of
// alerts newly marked triggered.
func (e *EscalationEngine) Reconcile(records []ActionRecord) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	added, closed := 0, 0
	for _, r := range records {
		switch {
		case r.IsAutoEscalation():
			delete(e.pending, r.AlertID)
			if _, ok := e.triggered[r.AlertID]; ok {
				continue
			}
			e.triggered[r.AlertID] = struct{}{}
			added++
		case r.Kind == ActionResolve:
			if _, ok := e.resolved[r.AlertID]; ok {
				continue
			}
			e.resolved[r.AlertID] = struct{}{}
			delete(e.timers, r.AlertID)
			closed++
		}
	}
	if added > 0 || closed > 0 {
		e.logger.Info().Int("triggered", added).Int("resolved", closed).Msg("escalation state restored from timeline")
	}
	return added
}

// Prune forgets triggered and resolved ids that are not in alerts. Ids whose
// automatic escalation has not been seen in the timeline are kept. It returns
// the number of ids dropped.
func (e *EscalationEngine) Prune(alerts []Alert) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	inView := make(map[string]struct{}, len(alerts))
	for _, a := range alerts {
		inView[a.ID] = struct{}{}
	}

	dropped := 0
	for id := range e.triggered {
		if _, ok := inView[id]; ok {
			continue
		}
		if _, ok := e.pending[id]; ok {
			continue
		}
		delete(e.triggered, id)
		dropped++
	}
	for id := range e.resolved {
		if _, ok := inView[id]; !ok {
			delete(e.resolved, id)
			dropped++
		}
	}
	return dropped
}

// Resolved reports whether alertID is known to be resolved.
func (e *EscalationEngine) Resolved(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.resolved[alertID]
	return ok
}

// Triggered reports whether alertID has consumed its automatic escalation.
func (e *EscalationEngine) Triggered(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.triggered[alertID]
	return ok
}

// Countdown returns the live countdown for alertID as of the last tick.
func (e *EscalationEngine) Countdown(alertID string) (EscalationTimer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[alertID]
	return t, ok
}

// Timers returns all live countdowns, soonest deadline first.
func (e *EscalationEngine) Timers() []EscalationTimer {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]EscalationTimer, 0, len(e.timers))
	for _, t := range e.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].AlertID < out[j].AlertID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// Stats returns current escalation state.
func (e *EscalationEngine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"enabled":        e.cfg.Enabled,
		"active_timers":  len(e.timers),
		"auto_triggered": len(e.triggered),
		"unconfirmed":    len(e.pending),
		"resolved":       len(e.resolved),
		"fired":          e.fired,
	}
}

// escalationStart is the instant the grace period counts from: OccurredAt,
// else Timestamp.
func escalationStart(a Alert, now time.Time) (time.Time, bool) {
	if t, ok := parseOccurredAt(a.OccurredAt, now); ok {
		return t, true
	}
	return parseTimestamp(a.Timestamp, now.Location())
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
