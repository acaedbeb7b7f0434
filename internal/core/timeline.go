package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TimelineStore is the append-only action log. A second automatic escalation
// for an alert must be a no-op that returns the record already stored.
type TimelineStore interface {
	Append(ctx context.Context, rec ActionRecord) (ActionRecord, error)
	ListByAlert(ctx context.Context, alertID string) ([]ActionRecord, error)
	List(ctx context.Context) ([]ActionRecord, error)
}

// ─── Memory ──────────────────────────────────────────────────────────────────

// MemoryTimeline keeps records in process. It is the default backend.
type MemoryTimeline struct {
	mu      sync.RWMutex
	records []ActionRecord
	auto    map[string]int // alert id → index of its auto escalation
	now     func() time.Time
}

// NewMemoryTimeline creates an empty in-memory timeline.
func NewMemoryTimeline() *MemoryTimeline {
	return &MemoryTimeline{
		auto: make(map[string]int),
		now:  time.Now,
	}
}

func (m *MemoryTimeline) Append(_ context.Context, rec ActionRecord) (ActionRecord, error) {
	if err := rec.Validate(); err != nil {
		return ActionRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IsAutoEscalation() {
		if i, ok := m.auto[rec.AlertID]; ok {
			return m.records[i], nil
		}
	}
	rec = stampRecord(rec, m.now)
	m.records = append(m.records, rec)
	if rec.IsAutoEscalation() {
		m.auto[rec.AlertID] = len(m.records) - 1
	}
	return rec, nil
}

func (m *MemoryTimeline) ListByAlert(_ context.Context, alertID string) ([]ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActionRecord, 0)
	for _, r := range m.records {
		if r.AlertID == alertID {
			out = append(out, r)
		}
	}
	SortRecords(out)
	return out, nil
}

func (m *MemoryTimeline) List(_ context.Context) ([]ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActionRecord, len(m.records))
	copy(out, m.records)
	SortRecords(out)
	return out, nil
}

// ActionFollower is a TimelineStore that announces records written by any
// process sharing it.
type ActionFollower interface {
	Follow(ctx context.Context, fn func(ActionRecord)) error
}

// ─── Remote ──────────────────────────────────────────────────────────────────

// RemoteTimeline stores actions through the Query Service HTTP API.
type RemoteTimeline struct {
	client *QueryClient
	logger zerolog.Logger
	mu     sync.Mutex // serializes auto-escalation check-then-append
}

// NewRemoteTimeline wraps a Query Service client as a TimelineStore.
func NewRemoteTimeline(logger zerolog.Logger, client *QueryClient) *RemoteTimeline {
	return &RemoteTimeline{
		client: client,
		logger: logger.With().Str("component", "remote_timeline").Logger(),
	}
}

func (r *RemoteTimeline) Append(ctx context.Context, rec ActionRecord) (ActionRecord, error) {
	if err := rec.Validate(); err != nil {
		return ActionRecord{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	switch rec.Kind {
	case ActionResolve:
		return r.client.Resolve(ctx, rec)
	default:
		if !rec.Auto {
			return r.client.Escalate(ctx, rec)
		}
	}

	// The service does not deduplicate, so check its history first.
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.ListByAlert(ctx, rec.AlertID)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("checking prior auto-escalation: %w", err)
	}
	for _, e := range existing {
		if e.IsAutoEscalation() {
			r.logger.Debug().Str("alert_id", rec.AlertID).Msg("auto-escalation already recorded")
			return e, nil
		}
	}
	return r.client.Escalate(ctx, rec)
}

func (r *RemoteTimeline) ListByAlert(ctx context.Context, alertID string) ([]ActionRecord, error) {
	all, err := r.client.Actions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ActionRecord, 0)
	for _, rec := range all {
		if rec.AlertID == alertID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RemoteTimeline) List(ctx context.Context) ([]ActionRecord, error) {
	return r.client.Actions(ctx)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SortRecords orders records oldest first. Records created at the same
// instant keep their relative order.
func SortRecords(recs []ActionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// stampRecord assigns an id and creation time when the caller left them
// empty. Backends that own their id space call this before writing.
func stampRecord(rec ActionRecord, now func() time.Time) ActionRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now().UTC()
	}
	return rec
}

// StampRecord is stampRecord with the wall clock.
func StampRecord(rec ActionRecord) ActionRecord {
	return stampRecord(rec, time.Now)
}
