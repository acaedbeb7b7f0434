package core

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeSource struct {
	mu         sync.Mutex
	violations []Violation
	err        error
	polls      atomic.Int32
}

func (f *fakeSource) Violations(context.Context, int) ([]Violation, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Violation(nil), f.violations...), nil
}

func (f *fakeSource) Stats(context.Context) (Stats, error) {
	return Stats{TotalDetections: 10, Violations: 2}, nil
}

func (f *fakeSource) set(vs []Violation, err error) {
	f.mu.Lock()
	f.violations, f.err = vs, err
	f.mu.Unlock()
}

type fakeFeed struct {
	events chan PushEvent
}

func newFakeFeed() *fakeFeed { return &fakeFeed{events: make(chan PushEvent, 16)} }

func (f *fakeFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) Events() <-chan PushEvent { return f.events }
func (f *fakeFeed) State() ConnState         { return StateConnected }

func (f *fakeFeed) push(t *testing.T, id, violation string, occurred time.Time) {
	t.Helper()
	data, _ := json.Marshal(map[string]string{
		"worker":    "Budi",
		"violation": violation,
		"location":  "Gate A",
		"time":      occurred.Format(time.RFC3339),
	})
	alertID := FlexID(id)
	f.events <- PushEvent{Type: PushTypeViolation, AlertID: &alertID, Data: data}
}

type flakyStore struct {
	*MemoryTimeline
	fail     atomic.Bool
	failures atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, rec ActionRecord) (ActionRecord, error) {
	if s.fail.Load() {
		s.failures.Add(1)
		return ActionRecord{}, errors.New("store unavailable")
	}
	return s.MemoryTimeline.Append(ctx, rec)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []ActionRecord
}

func (n *recordingNotifier) NotifyEscalation(_ Alert, r ActionRecord) {
	n.mu.Lock()
	n.notices = append(n.notices, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type monitorFixture struct {
	mon      *Monitor
	clock    *fakeClock
	source   *fakeSource
	feed     *fakeFeed
	store    *flakyStore
	notifier *recordingNotifier
	session  *SessionStore
}

func newMonitorFixture(t *testing.T, store *flakyStore, sessionPath string) *monitorFixture {
	t.Helper()
	if store == nil {
		store = &flakyStore{MemoryTimeline: NewMemoryTimeline()}
	}
	f := &monitorFixture{
		clock:    &fakeClock{t: escBase},
		source:   &fakeSource{},
		feed:     newFakeFeed(),
		store:    store,
		notifier: &recordingNotifier{},
		session:  NewSessionStore(sessionPath),
	}
	f.mon = NewMonitor(zerolog.Nop(), MonitorConfig{
		TickInterval: 5 * time.Millisecond,
		WriteTimeout: time.Second,
	}, MonitorDeps{
		Source:   f.source,
		Store:    f.store,
		Feed:     f.feed,
		Notifier: f.notifier,
		Session:  f.session,
		Now:      f.clock.Now,
	})
	if err := f.mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return f
}

func (f *monitorFixture) waitForAlert(t *testing.T, id string) Alert {
	t.Helper()
	var a Alert
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		a, ok = f.mon.Alert(id)
		return ok
	}, "alert "+id)
	return a
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestMonitor_PollMergesHistory(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()

	f.source.set([]Violation{
		{ID: "1", Worker: "Budi", Violation: "No helmet", Location: "Gate A", Time: "07:50:00", Status: "unresolved"},
		{ID: "2", Worker: "Sari", Violation: "No gloves", Location: "Dock", Time: "07:40:00", Status: "resolved"},
	}, nil)
	if err := f.mon.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := f.mon.Snapshot()
	if len(snap.Alerts) != 2 {
		t.Fatalf("alerts = %d", len(snap.Alerts))
	}
	if snap.Unread != 0 {
		t.Errorf("history alerts should be read, unread = %d", snap.Unread)
	}
	if snap.Unresolved != 1 {
		t.Errorf("unresolved = %d, want 1", snap.Unresolved)
	}
	if snap.Stats == nil || snap.Stats.TotalDetections != 10 {
		t.Errorf("stats = %+v", snap.Stats)
	}
	if snap.Connection != StateConnected {
		t.Errorf("connection = %s", snap.Connection)
	}
}

func TestMonitor_PollFailureKeepsAlerts(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()

	f.source.set([]Violation{{ID: "1", Violation: "No vest"}}, nil)
	if err := f.mon.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.source.set(nil, errors.New("connection refused"))
	if err := f.mon.Refresh(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}

	snap := f.mon.Snapshot()
	if len(snap.Alerts) != 1 {
		t.Errorf("alerts after failed poll = %d, want 1", len(snap.Alerts))
	}
	if snap.LastPollError == "" {
		t.Error("LastPollError not recorded")
	}
}

func TestMonitor_LivePushAndAcknowledge(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()

	f.feed.push(t, "live-1", "No vest", escBase)
	a := f.waitForAlert(t, "live-1")
	if a.Acknowledged {
		t.Error("new live alert should be unread")
	}
	if f.mon.Snapshot().Unread != 1 {
		t.Errorf("unread = %d", f.mon.Snapshot().Unread)
	}

	n, err := f.mon.AcknowledgeAll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("AcknowledgeAll = %d, %v", n, err)
	}
	if f.mon.Snapshot().Unread != 0 {
		t.Error("unread not cleared")
	}

	if err := f.mon.SetCenterOpen(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	f.feed.push(t, "live-2", "No vest", escBase)
	if a := f.waitForAlert(t, "live-2"); !a.Acknowledged {
		t.Error("alert arriving while the center is open should be read")
	}
}

func TestMonitor_AutoEscalatesOnce(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()
	ctx := context.Background()

	f.clock.Set(escBase.Add(10 * time.Second))
	f.feed.push(t, "live-h", "No helmet", escBase)
	f.waitForAlert(t, "live-h")

	waitFor(t, time.Second, func() bool {
		c, ok := f.mon.Countdown("live-h")
		return ok && c.Remaining == 170
	}, "countdown")

	f.clock.Set(escBase.Add(181 * time.Second))
	waitFor(t, 2*time.Second, func() bool {
		recs, _ := f.store.ListByAlert(ctx, "live-h")
		return len(recs) == 1
	}, "auto escalation record")

	// Many more ticks must not add a second record.
	time.Sleep(100 * time.Millisecond)
	recs, _ := f.store.ListByAlert(ctx, "live-h")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if !rec.Auto || rec.Level != LevelHSEManager || rec.Actor != SystemActor {
		t.Errorf("record = %+v", rec)
	}
	waitFor(t, time.Second, func() bool { return f.notifier.count() == 1 }, "notification")
}

func TestMonitor_AutoEscalationWriteFailureNotRetried(t *testing.T) {
	store := &flakyStore{MemoryTimeline: NewMemoryTimeline()}
	store.fail.Store(true)
	f := newMonitorFixture(t, store, "")
	defer f.mon.Stop()
	ctx := context.Background()

	f.feed.push(t, "live-h", "No helmet", escBase)
	f.waitForAlert(t, "live-h")
	f.clock.Set(escBase.Add(4 * time.Minute))
	waitFor(t, time.Second, func() bool {
		c, ok := f.mon.Countdown("live-h")
		return ok && c.Fired
	}, "fired countdown")
	waitFor(t, time.Second, func() bool { return store.failures.Load() == 1 }, "failed write")

	store.fail.Store(false)
	time.Sleep(100 * time.Millisecond)
	if recs, _ := store.ListByAlert(ctx, "live-h"); len(recs) != 0 {
		t.Errorf("failed auto escalation was retried: %+v", recs)
	}
}

func TestMonitor_ResolveStopsCountdown(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()
	ctx := context.Background()

	f.feed.push(t, "live-h", "No helmet", escBase)
	f.waitForAlert(t, "live-h")

	rec, err := f.mon.Resolve(ctx, "live-h", ActionRequest{Notes: "helmet handed out"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Actor != DefaultActor || rec.Kind != ActionResolve {
		t.Errorf("record = %+v", rec)
	}
	a, _ := f.mon.Alert("live-h")
	if !a.IsResolved() {
		t.Error("alert not resolved")
	}

	f.clock.Set(escBase.Add(time.Hour))
	time.Sleep(50 * time.Millisecond)
	if _, ok := f.mon.Countdown("live-h"); ok {
		t.Error("resolved alert still counting down")
	}
	recs, _ := f.store.ListByAlert(ctx, "live-h")
	if len(recs) != 1 {
		t.Errorf("records = %+v, want only the resolve", recs)
	}

	if _, err := f.mon.Resolve(ctx, "live-h", ActionRequest{}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve = %v, want ErrAlreadyResolved", err)
	}
	if _, err := f.mon.Resolve(ctx, "nope", ActionRequest{}); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("unknown resolve = %v, want ErrAlertNotFound", err)
	}
}

func TestMonitor_ResolveWriteFailureLeavesAlertOpen(t *testing.T) {
	store := &flakyStore{MemoryTimeline: NewMemoryTimeline()}
	f := newMonitorFixture(t, store, "")
	defer f.mon.Stop()

	f.feed.push(t, "live-m", "No vest", escBase)
	f.waitForAlert(t, "live-m")

	store.fail.Store(true)
	if _, err := f.mon.Resolve(context.Background(), "live-m", ActionRequest{Actor: "Rina"}); err == nil {
		t.Fatal("expected store error")
	}
	a, _ := f.mon.Alert("live-m")
	if a.IsResolved() {
		t.Error("alert marked resolved although the write failed")
	}
}

func TestMonitor_ManualEscalationKeepsAutoSlot(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()
	ctx := context.Background()

	f.feed.push(t, "live-m", "No vest", escBase)
	f.waitForAlert(t, "live-m")

	rec, err := f.mon.Escalate(ctx, "live-m", ActionRequest{Actor: "Rina", Notes: "repeat offender"})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if rec.Level != LevelSupervisor || rec.Auto || rec.Actor != "Rina" {
		t.Errorf("record = %+v", rec)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d", f.notifier.count())
	}

	// The automatic escalation still fires at the deadline.
	f.clock.Set(escBase.Add(5 * time.Minute))
	waitFor(t, 2*time.Second, func() bool {
		recs, _ := f.store.ListByAlert(ctx, "live-m")
		return len(recs) == 2
	}, "auto escalation after manual")
}

func TestMonitor_RestartDoesNotReEscalate(t *testing.T) {
	store := &flakyStore{MemoryTimeline: NewMemoryTimeline()}
	ctx := context.Background()
	if _, err := store.Append(ctx, ActionRecord{AlertID: "live-h", Kind: ActionEscalate, Auto: true, Actor: SystemActor}); err != nil {
		t.Fatal(err)
	}

	f := newMonitorFixture(t, store, "")
	defer f.mon.Stop()
	f.clock.Set(escBase.Add(10 * time.Minute))
	f.feed.push(t, "live-h", "No helmet", escBase)
	f.waitForAlert(t, "live-h")

	time.Sleep(100 * time.Millisecond)
	if recs, _ := store.ListByAlert(ctx, "live-h"); len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}
}

func TestMonitor_RestartKeepsResolution(t *testing.T) {
	store := &flakyStore{MemoryTimeline: NewMemoryTimeline()}
	ctx := context.Background()
	helmet := []Violation{{
		ID: "7", Worker: "Budi", Violation: "No Helmet", Location: "Gate A",
		Time: escBase.Format("2006-01-02 15:04:05"), Status: "unresolved",
	}}

	first := newMonitorFixture(t, store, "")
	first.source.set(helmet, nil)
	if err := first.mon.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := first.mon.Resolve(ctx, "history-7", ActionRequest{Notes: "helmet issued"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first.mon.Stop()

	// The Query Service never learns about the resolve and still reports
	// the violation open.
	second := newMonitorFixture(t, store, "")
	defer second.mon.Stop()
	second.clock.Set(escBase.Add(time.Hour))
	second.source.set(helmet, nil)
	if err := second.mon.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	a, ok := second.mon.Alert("history-7")
	if !ok {
		t.Fatal("alert missing after restart")
	}
	if !a.IsResolved() {
		t.Errorf("status after restart = %s, want resolved", a.Status)
	}

	time.Sleep(50 * time.Millisecond)
	recs, _ := store.ListByAlert(ctx, "history-7")
	if len(recs) != 1 || recs[0].Kind != ActionResolve {
		t.Errorf("records = %+v, want only the resolve", recs)
	}
	if _, ok := second.mon.Countdown("history-7"); ok {
		t.Error("resolved alert counting down after restart")
	}
	if _, err := second.mon.Resolve(ctx, "history-7", ActionRequest{}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve = %v, want ErrAlreadyResolved", err)
	}
}

func TestMonitor_ObserveActionsFromElsewhere(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()
	ctx := context.Background()

	f.feed.push(t, "live-o", "No helmet", escBase)
	f.waitForAlert(t, "live-o")

	// Another instance already escalated this alert.
	if err := f.mon.Observe(ctx, ActionRecord{ID: "peer-1", AlertID: "live-o", Kind: ActionEscalate, Auto: true, Actor: SystemActor}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	f.clock.Set(escBase.Add(10 * time.Minute))
	time.Sleep(50 * time.Millisecond)
	if recs, _ := f.store.ListByAlert(ctx, "live-o"); len(recs) != 0 {
		t.Errorf("escalated locally after a peer did: %+v", recs)
	}

	if err := f.mon.Observe(ctx, ActionRecord{ID: "peer-2", AlertID: "live-o", Kind: ActionResolve, Actor: "Rina"}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if a, _ := f.mon.Alert("live-o"); !a.IsResolved() {
		t.Error("observed resolve did not close the alert")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := f.mon.Countdown("live-o"); ok {
		t.Error("observed resolve left a countdown")
	}
}

func TestMonitor_SessionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	first := newMonitorFixture(t, nil, path)
	first.feed.push(t, "live-9", "No gloves", escBase)
	first.waitForAlert(t, "live-9")
	if _, err := first.mon.AcknowledgeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.mon.Stop()

	second := newMonitorFixture(t, nil, path)
	defer second.mon.Stop()
	second.feed.push(t, "live-9", "No gloves", escBase)
	if a := second.waitForAlert(t, "live-9"); !a.Acknowledged {
		t.Error("acknowledgement lost across restart")
	}
}

func TestMonitor_SubscribeReceivesSnapshots(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	defer f.mon.Stop()
	ch, unsubscribe := f.mon.Subscribe()
	defer unsubscribe()

	f.feed.push(t, "live-s", "No vest", escBase)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type != "snapshot" {
				continue
			}
			for _, a := range msg.Data.(Snapshot).Alerts {
				if a.ID == "live-s" {
					return
				}
			}
		case <-deadline:
			t.Fatal("no snapshot with the pushed alert")
		}
	}
}

func TestMonitor_CommandsAfterStop(t *testing.T) {
	f := newMonitorFixture(t, nil, "")
	f.mon.Stop()
	if _, err := f.mon.AcknowledgeAll(context.Background()); !errors.Is(err, ErrMonitorStopped) {
		t.Errorf("AcknowledgeAll after stop = %v", err)
	}
}
