package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// monitor.go — the single writer of the alert view.
//
// Poll results, live events, the escalation tick and UI commands all funnel
// into one goroutine, so merge and escalation run strictly one at a time.
//
// Design:
//   - Commands are closures executed inside the loop, each with a reply
//   - Network I/O (poll, store writes, bus publishes) runs in helper
//     goroutines that post a closure back into the loop when done
//   - Readers get an immutable Snapshot without touching the loop
//   - Cancelling the context stops both tickers, the live feed and every
//     helper; Stop waits for all of them
// ---------------------------------------------------------------------------

// DefaultActor is recorded when a human action names no actor.
const DefaultActor = "Mandor"

// ErrMonitorStopped is returned by commands issued after Stop.
var ErrMonitorStopped = errors.New("monitor stopped")

// ViolationSource is the poll side of the Query Service.
type ViolationSource interface {
	Violations(ctx context.Context, limit int) ([]Violation, error)
	Stats(ctx context.Context) (Stats, error)
}

// EventSource is a live push feed.
type EventSource interface {
	Run(ctx context.Context) error
	Events() <-chan PushEvent
	State() ConnState
}

// LifecyclePublisher receives new alerts and stored actions.
type LifecyclePublisher interface {
	PublishAlert(a Alert) error
	PublishAction(r ActionRecord) error
}

// EscalationNotifier is told about every stored escalation.
type EscalationNotifier interface {
	NotifyEscalation(a Alert, r ActionRecord)
}

// Recorder receives operational measurements. Implementations must be safe
// for concurrent use.
type Recorder interface {
	PollCompleted(d time.Duration, err error)
	LiveEvent(kind string)
	ActionStored(r ActionRecord, err error)
	AlertsChanged(total, unread, unresolved int)
}

type nopRecorder struct{}

func (nopRecorder) PollCompleted(time.Duration, error) {}
func (nopRecorder) LiveEvent(string)                   {}
func (nopRecorder) ActionStored(ActionRecord, error)   {}
func (nopRecorder) AlertsChanged(int, int, int)        {}

// MonitorConfig controls the loop cadence.
type MonitorConfig struct {
	PollInterval   time.Duration // 0 = poll on demand only
	TickInterval   time.Duration
	ViolationLimit int
	WriteTimeout   time.Duration
}

// MonitorDeps are the collaborators of a Monitor. Only Source is required.
type MonitorDeps struct {
	Source    ViolationSource
	Store     TimelineStore
	Feed      EventSource
	Engine    *EscalationEngine
	Publisher LifecyclePublisher
	Notifier  EscalationNotifier
	Recorder  Recorder
	Session   *SessionStore
	Now       func() time.Time
}

// ActionRequest carries the human-supplied fields of a resolve or escalate.
type ActionRequest struct {
	Actor    string `json:"actor"`
	Level    string `json:"level,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// Snapshot is the read model handed to UI consumers.
type Snapshot struct {
	Alerts        []Alert           `json:"alerts"`
	Unread        int               `json:"unread"`
	Unresolved    int               `json:"unresolved"`
	CenterOpen    bool              `json:"center_open"`
	Connection    ConnState         `json:"connection"`
	LastPollAt    time.Time         `json:"last_poll_at,omitempty"`
	LastPollError string            `json:"last_poll_error,omitempty"`
	Stats         *Stats            `json:"stats,omitempty"`
	Timers        []EscalationTimer `json:"timers"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StreamMessage is one server-sent event.
type StreamMessage struct {
	Type string      `json:"type"` // "snapshot", "timers", "action", "push"
	Data interface{} `json:"data"`
}

// Monitor owns the alert view and drives polling and escalation.
type Monitor struct {
	logger    zerolog.Logger
	cfg       MonitorConfig
	source    ViolationSource
	store     TimelineStore
	feed      EventSource
	engine    *EscalationEngine
	publisher LifecyclePublisher
	notifier  EscalationNotifier
	recorder  Recorder
	session   *SessionStore
	now       func() time.Time

	cmds    chan func()
	results chan func()

	// Loop-owned state.
	alerts       []Alert
	centerOpen   bool
	restoredAcks map[string]struct{}
	stats        *Stats
	lastPollAt   time.Time
	lastPollErr  string
	polling      bool
	pollWaiters  []chan error // answered by the poll in flight
	nextWaiters  []chan error // answered by the poll after it

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan StreamMessage]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMonitor wires a monitor. Nothing runs until Start.
func NewMonitor(logger zerolog.Logger, cfg MonitorConfig, deps MonitorDeps) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultHTTPTimeout
	}
	if deps.Store == nil {
		deps.Store = NewMemoryTimeline()
	}
	if deps.Engine == nil {
		deps.Engine = NewEscalationEngine(logger, DefaultEscalationConfig())
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		logger:       logger.With().Str("component", "monitor").Logger(),
		cfg:          cfg,
		source:       deps.Source,
		store:        deps.Store,
		feed:         deps.Feed,
		engine:       deps.Engine,
		publisher:    deps.Publisher,
		notifier:     deps.Notifier,
		recorder:     deps.Recorder,
		session:      deps.Session,
		now:          deps.Now,
		cmds:         make(chan func()),
		results:      make(chan func(), 16),
		restoredAcks: make(map[string]struct{}),
		subs:         make(map[chan StreamMessage]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	m.snap = Snapshot{Alerts: []Alert{}, Timers: []EscalationTimer{}, Connection: m.connState()}
	return m
}

// Start restores session state, rebuilds the auto-escalation set from the
// timeline and launches the loop and the live feed.
func (m *Monitor) Start(ctx context.Context) error {
	if m.started {
		return errors.New("monitor already started")
	}
	m.started = true

	if st, err := m.session.Load(); err != nil {
		m.logger.Warn().Err(err).Msg("ignoring unreadable session state")
	} else {
		m.centerOpen = st.CenterOpen
		m.restoredAcks = st.AcknowledgedSet()
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	records, err := m.store.List(rctx)
	cancel()
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not load action timeline, auto-escalation state starts empty")
	} else {
		m.engine.Reconcile(records)
	}

	if m.feed != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = m.feed.Run(m.ctx)
		}()
	}

	m.wg.Add(1)
	go m.loop()

	m.logger.Info().
		Dur("poll_interval", m.cfg.PollInterval).
		Dur("tick_interval", m.cfg.TickInterval).
		Bool("live_feed", m.feed != nil).
		Msg("monitor started")
	return nil
}

// Stop cancels all background work, waits for it and saves session state.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()

	if err := m.session.Save(m.sessionState()); err != nil {
		m.logger.Error().Err(err).Msg("failed to save session state")
	}

	m.subMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan StreamMessage]struct{})
	m.subMu.Unlock()

	m.logger.Info().Msg("monitor stopped")
}

// Snapshot returns the current read model.
func (m *Monitor) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.Connection = m.connState()
	return s
}

// Alerts returns the alert view filtered by f.
func (m *Monitor) Alerts(f AlertFilter) []Alert {
	return FilterAlerts(m.Snapshot().Alerts, f)
}

// Alert returns one alert by id.
func (m *Monitor) Alert(id string) (Alert, bool) {
	for _, a := range m.Snapshot().Alerts {
		if a.ID == id {
			return a, true
		}
	}
	return Alert{}, false
}

// Countdown returns the escalation countdown for id.
func (m *Monitor) Countdown(id string) (EscalationTimer, bool) {
	return m.engine.Countdown(id)
}

// Timeline returns the action history of one alert, oldest first.
func (m *Monitor) Timeline(ctx context.Context, alertID string) ([]ActionRecord, error) {
	return m.store.ListByAlert(ctx, alertID)
}

// AcknowledgeAll marks every alert as seen.
func (m *Monitor) AcknowledgeAll(ctx context.Context) (int, error) {
	var changed int
	err := m.do(ctx, func() {
		changed = m.acknowledgeAll()
		m.publish()
	})
	if err == nil {
		m.saveSession()
	}
	return changed, err
}

// SetCenterOpen records whether the alert center is open. Opening it marks
// everything seen.
func (m *Monitor) SetCenterOpen(ctx context.Context, open bool) error {
	err := m.do(ctx, func() {
		m.centerOpen = open
		if open {
			m.acknowledgeAll()
		}
		m.publish()
	})
	if err == nil {
		m.saveSession()
	}
	return err
}

// Refresh polls the Query Service now and waits for the result.
func (m *Monitor) Refresh(ctx context.Context) error {
	done := make(chan error, 1)
	if err := m.do(ctx, func() { m.startPoll(done) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrMonitorStopped
	}
}

// Resolve records a resolve action. The alert is marked resolved only after
// the timeline store accepted the record.
func (m *Monitor) Resolve(ctx context.Context, alertID string, req ActionRequest) (ActionRecord, error) {
	alert, err := m.actionable(ctx, alertID)
	if err != nil {
		return ActionRecord{}, err
	}

	rec := ActionRecord{
		AlertID:   alert.ID,
		Kind:      ActionResolve,
		Actor:     actorOrDefault(req.Actor),
		Notes:     req.Notes,
		Evidence:  req.Evidence,
		CreatedAt: m.now().UTC(),
	}
	saved, err := m.store.Append(ctx, rec)
	m.recorder.ActionStored(rec, err)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("storing resolve for %s: %w", alertID, err)
	}

	if err := m.do(ctx, func() {
		m.markResolved(alertID)
		m.broadcast(StreamMessage{Type: "action", Data: saved})
		m.publish()
	}); err != nil {
		m.logger.Warn().Err(err).Str("alert_id", alertID).Msg("resolve stored but view not updated")
	}
	m.publishAction(saved)
	m.logger.Info().Str("alert_id", alertID).Str("actor", saved.Actor).Msg("alert resolved")
	return saved, nil
}

// Escalate records a manual escalation. It never touches the automatic
// escalation slot of the alert.
func (m *Monitor) Escalate(ctx context.Context, alertID string, req ActionRequest) (ActionRecord, error) {
	alert, err := m.actionable(ctx, alertID)
	if err != nil {
		return ActionRecord{}, err
	}

	level := strings.TrimSpace(req.Level)
	if level == "" {
		level = EscalationLevel(alert.Severity)
	}
	rec := ActionRecord{
		AlertID:   alert.ID,
		Kind:      ActionEscalate,
		Level:     level,
		Actor:     actorOrDefault(req.Actor),
		Notes:     req.Notes,
		Evidence:  req.Evidence,
		Severity:  alert.Severity.String(),
		CreatedAt: m.now().UTC(),
	}
	saved, err := m.store.Append(ctx, rec)
	m.recorder.ActionStored(rec, err)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("storing escalation for %s: %w", alertID, err)
	}

	if err := m.do(ctx, func() {
		m.broadcast(StreamMessage{Type: "action", Data: saved})
	}); err != nil {
		m.logger.Warn().Err(err).Str("alert_id", alertID).Msg("escalation stored but not broadcast")
	}
	m.publishAction(saved)
	if m.notifier != nil {
		m.notifier.NotifyEscalation(alert, saved)
	}
	m.logger.Info().Str("alert_id", alertID).Str("level", level).Str("actor", saved.Actor).Msg("alert escalated manually")
	return saved, nil
}

// Observe applies an action recorded elsewhere, such as by another instance
// sharing the timeline. An automatic escalation consumes the alert's slot
// and a resolve closes the alert.
func (m *Monitor) Observe(ctx context.Context, rec ActionRecord) error {
	return m.do(ctx, func() {
		m.engine.Reconcile([]ActionRecord{rec})
		if rec.Kind != ActionResolve {
			return
		}
		if a, ok := m.find(rec.AlertID); ok && !a.IsResolved() {
			m.markResolved(rec.AlertID)
			m.publish()
		}
	})
}

// Subscribe registers a stream consumer. The returned function unsubscribes.
// Slow consumers miss messages rather than stall the loop.
func (m *Monitor) Subscribe() (<-chan StreamMessage, func()) {
	ch := make(chan StreamMessage, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

// ─── Loop ────────────────────────────────────────────────────────────────────

func (m *Monitor) loop() {
	defer m.wg.Done()

	var pollC <-chan time.Time
	if m.cfg.PollInterval > 0 {
		t := time.NewTicker(m.cfg.PollInterval)
		defer t.Stop()
		pollC = t.C
	}
	tick := time.NewTicker(m.cfg.TickInterval)
	defer tick.Stop()

	var events <-chan PushEvent
	if m.feed != nil {
		events = m.feed.Events()
	}

	if m.source != nil {
		m.startPoll(nil)
	}
	m.tick()

	for {
		select {
		case <-m.ctx.Done():
			for _, w := range append(m.pollWaiters, m.nextWaiters...) {
				w <- ErrMonitorStopped
			}
			m.pollWaiters, m.nextWaiters = nil, nil
			return
		case <-pollC:
			m.startPoll(nil)
		case <-tick.C:
			m.tick()
		case ev := <-events:
			m.handlePush(ev)
		case fn := <-m.results:
			fn()
		case fn := <-m.cmds:
			fn()
		}
	}
}

// do runs fn inside the loop and waits for it.
func (m *Monitor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrMonitorStopped
	}
	select {
	case <-done:
		return nil
	case <-m.ctx.Done():
		return ErrMonitorStopped
	}
}

// async runs work off the loop. The closure it returns, if any, is applied
// back inside the loop.
func (m *Monitor) async(work func(ctx context.Context) func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		apply := work(m.ctx)
		if apply == nil {
			return
		}
		select {
		case m.results <- apply:
		case <-m.ctx.Done():
		}
	}()
}

// startPoll begins a poll unless one is in flight. A waiter always gets the
// result of a poll that started after it was registered.
func (m *Monitor) startPoll(done chan error) {
	if done != nil {
		m.nextWaiters = append(m.nextWaiters, done)
	}
	if m.source == nil {
		m.pollWaiters, m.nextWaiters = m.nextWaiters, nil
		m.finishPollWaiters(errors.New("no violation source configured"))
		return
	}
	if m.polling {
		return
	}
	m.polling = true
	m.pollWaiters, m.nextWaiters = m.nextWaiters, nil
	limit := m.cfg.ViolationLimit

	m.async(func(ctx context.Context) func() {
		start := time.Now()
		res := pollResult{}
		res.violations, res.err = m.source.Violations(ctx, limit)
		if res.err == nil {
			res.stats, res.statsErr = m.source.Stats(ctx)
			res.actions, res.actionsErr = m.store.List(ctx)
		}
		res.took = time.Since(start)
		return func() { m.finishPoll(res) }
	})
}

type pollResult struct {
	violations []Violation
	stats      Stats
	actions    []ActionRecord
	err        error
	statsErr   error
	actionsErr error
	took       time.Duration
}

func (m *Monitor) finishPoll(res pollResult) {
	m.polling = false
	m.recorder.PollCompleted(res.took, res.err)

	if res.err != nil {
		m.lastPollErr = res.err.Error()
		m.logger.Warn().Err(res.err).Msg("poll failed, keeping previous alerts")
	} else {
		now := m.now()
		m.lastPollErr = ""
		m.lastPollAt = now
		if res.statsErr == nil {
			stats := res.stats
			m.stats = &stats
		} else {
			m.logger.Debug().Err(res.statsErr).Msg("stats unavailable")
		}
		if res.actionsErr == nil {
			m.engine.Reconcile(res.actions)
		} else {
			m.logger.Warn().Err(res.actionsErr).Msg("could not reconcile with action timeline")
		}
		m.merge(NormalizeViolations(res.violations, now))
		if res.actionsErr == nil {
			if n := m.engine.Prune(m.alerts); n > 0 {
				m.logger.Debug().Int("ids", n).Msg("dropped escalation state for alerts out of view")
			}
		}
		m.logger.Debug().Int("violations", len(res.violations)).Dur("took", res.took).Msg("poll completed")
	}

	m.publish()
	m.finishPollWaiters(res.err)
	if len(m.nextWaiters) > 0 {
		m.startPoll(nil)
	}
}

func (m *Monitor) finishPollWaiters(err error) {
	for _, w := range m.pollWaiters {
		w <- err
	}
	m.pollWaiters = nil
}

func (m *Monitor) handlePush(ev PushEvent) {
	m.recorder.LiveEvent(ev.Type)
	if !ev.IsViolation() {
		m.broadcast(StreamMessage{Type: "push", Data: ev})
		return
	}

	alert := NormalizePushEvent(ev, m.centerOpen, m.now())
	_, known := m.find(alert.ID)
	m.merge([]Alert{alert})
	m.publish()

	if !known && m.publisher != nil {
		pub := m.publisher
		m.async(func(context.Context) func() {
			if err := pub.PublishAlert(alert); err != nil {
				m.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert")
			}
			return nil
		})
	}
	m.logger.Info().
		Str("alert_id", alert.ID).
		Str("severity", alert.Severity.String()).
		Str("violation", alert.Violation).
		Str("location", alert.Location).
		Msg("live violation received")
}

func (m *Monitor) tick() {
	due := m.engine.Tick(m.now(), m.alerts)
	for _, rec := range due {
		m.storeAuto(rec)
	}
	timers := m.engine.Timers()
	m.snapMu.Lock()
	m.snap.Timers = timers
	m.snapMu.Unlock()
	if len(timers) > 0 {
		m.broadcast(StreamMessage{Type: "timers", Data: timers})
	}
}

// storeAuto writes an automatic escalation. The engine has already marked
// the alert, so a failure here is logged and never retried.
func (m *Monitor) storeAuto(rec ActionRecord) {
	alert, _ := m.find(rec.AlertID)
	m.async(func(ctx context.Context) func() {
		wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
		saved, err := m.store.Append(wctx, rec)
		m.recorder.ActionStored(rec, err)
		if err != nil {
			m.logger.Error().Err(err).Str("alert_id", rec.AlertID).Msg("auto-escalation write failed, alert stays marked")
			return nil
		}
		m.publishAction(saved)
		return func() {
			m.broadcast(StreamMessage{Type: "action", Data: saved})
			if m.notifier != nil {
				m.notifier.NotifyEscalation(alert, saved)
			}
		}
	})
}

func (m *Monitor) publishAction(rec ActionRecord) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishAction(rec); err != nil {
		m.logger.Warn().Err(err).Str("alert_id", rec.AlertID).Msg("failed to publish action")
	}
}

// ─── Loop-owned helpers ──────────────────────────────────────────────────────

// merge folds incoming into the view. Alerts the timeline already resolved
// stay resolved even when the Query Service still reports them open.
func (m *Monitor) merge(incoming []Alert) {
	m.alerts = MergeAlerts(m.alerts, incoming)
	for i := range m.alerts {
		a := &m.alerts[i]
		if !a.IsResolved() && m.engine.Resolved(a.ID) {
			a.Status = AlertStatusResolved
		}
		if _, ok := m.restoredAcks[a.ID]; ok {
			a.Acknowledged = true
		}
	}
}

func (m *Monitor) find(id string) (Alert, bool) {
	for _, a := range m.alerts {
		if a.ID == id {
			return a, true
		}
	}
	return Alert{}, false
}

func (m *Monitor) actionable(ctx context.Context, alertID string) (Alert, error) {
	var (
		alert Alert
		err   error
	)
	if derr := m.do(ctx, func() {
		a, ok := m.find(alertID)
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
		case a.IsResolved():
			err = fmt.Errorf("%w: %s", ErrAlreadyResolved, alertID)
		default:
			alert = a
		}
	}); derr != nil {
		return Alert{}, derr
	}
	return alert, err
}

func (m *Monitor) markResolved(id string) {
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Status = AlertStatusResolved
		}
	}
	m.engine.Resolve(id)
}

func (m *Monitor) acknowledgeAll() int {
	changed := 0
	for i := range m.alerts {
		if !m.alerts[i].Acknowledged {
			m.alerts[i].Acknowledged = true
			changed++
		}
	}
	return changed
}

// publish copies loop state into the snapshot and notifies subscribers.
func (m *Monitor) publish() {
	alerts := make([]Alert, len(m.alerts))
	copy(alerts, m.alerts)

	unread, unresolved := 0, 0
	for _, a := range alerts {
		if !a.Acknowledged {
			unread++
		}
		if !a.IsResolved() {
			unresolved++
		}
	}

	m.snapMu.Lock()
	m.snap = Snapshot{
		Alerts:        alerts,
		Unread:        unread,
		Unresolved:    unresolved,
		CenterOpen:    m.centerOpen,
		LastPollAt:    m.lastPollAt,
		LastPollError: m.lastPollErr,
		Stats:         m.stats,
		Timers:        m.snap.Timers,
		UpdatedAt:     m.now().UTC(),
	}
	snap := m.snap
	m.snapMu.Unlock()

	snap.Connection = m.connState()
	m.recorder.AlertsChanged(len(alerts), unread, unresolved)
	m.broadcast(StreamMessage{Type: "snapshot", Data: snap})
}

func (m *Monitor) broadcast(msg StreamMessage) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (m *Monitor) connState() ConnState {
	if m.feed == nil {
		return StateDisconnected
	}
	return m.feed.State()
}

func (m *Monitor) sessionState() SessionState {
	snap := m.Snapshot()
	st := SessionState{CenterOpen: snap.CenterOpen}
	for _, a := range snap.Alerts {
		if a.Acknowledged && a.Source == SourceLive {
			st.Acknowledged = append(st.Acknowledged, a.ID)
		}
	}
	return st
}

func (m *Monitor) saveSession() {
	if err := m.session.Save(m.sessionState()); err != nil {
		m.logger.Warn().Err(err).Msg("failed to save session state")
	}
}

func actorOrDefault(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return DefaultActor
}
