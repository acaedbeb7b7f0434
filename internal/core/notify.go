package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// notify.go — webhook notification when an alert is escalated.
//
// Design:
//   - Async delivery queue drained by a fixed worker pool
//   - Exponential backoff on 5xx, 429 and transport errors
//   - 4xx responses go straight to the dead letter buffer
//   - Dead letters are kept for inspection and can be retried
// ---------------------------------------------------------------------------

// NotifyConfig controls escalation webhooks.
type NotifyConfig struct {
	WebhookURLs    []string      `yaml:"webhook_urls" json:"webhook_urls"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size"`
	Workers        int           `yaml:"workers" json:"workers"`
}

// DefaultNotifyConfig returns the standard retry policy with no targets.
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		QueueSize:      256,
		Workers:        2,
	}
}

// EscalationNotice is the webhook payload.
type EscalationNotice struct {
	Alert  Alert        `json:"alert"`
	Action ActionRecord `json:"action"`
	Text   string       `json:"text"`
}

// NoticeText renders the one-line human summary of an escalation.
func NoticeText(a Alert, r ActionRecord) string {
	origin := "Escalated by " + r.Actor
	if r.Auto {
		origin = "Auto-escalated"
	}
	return fmt.Sprintf("[%s] %s to %s: %s, %s at %s (%s)",
		a.Severity, origin, r.Level, a.Violation, a.Worker, a.Location, a.OccurredAt)
}

// Delivery is one webhook delivery and its retry state.
type Delivery struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	Notice    EscalationNotice `json:"notice"`
	CreatedAt time.Time        `json:"created_at"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	Status    string           `json:"status"` // "pending", "delivered", "dead_letter"
}

// Notifier delivers escalation notices to webhooks.
type Notifier struct {
	logger     zerolog.Logger
	cfg        NotifyConfig
	client     *http.Client
	queue      chan *Delivery
	deadLetter []*Delivery
	dlMu       sync.RWMutex
	maxDL      int

	delivered int64
	statMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(logger zerolog.Logger, cfg NotifyConfig) *Notifier {
	def := DefaultNotifyConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		logger: logger.With().Str("component", "notifier").Logger(),
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		queue:  make(chan *Delivery, cfg.QueueSize),
		maxDL:  200,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.logger.Info().Int("targets", len(cfg.WebhookURLs)).Int("workers", cfg.Workers).Msg("escalation notifier started")
	return n
}

// NotifyEscalation queues one delivery per configured webhook. It never
// blocks.
func (n *Notifier) NotifyEscalation(a Alert, r ActionRecord) {
	notice := EscalationNotice{Alert: a, Action: r, Text: NoticeText(a, r)}
	for _, url := range n.cfg.WebhookURLs {
		d := &Delivery{
			ID:        uuid.New().String(),
			URL:       url,
			Notice:    notice,
			CreatedAt: time.Now().UTC(),
			Status:    "pending",
		}
		select {
		case n.queue <- d:
		default:
			n.addDeadLetter(d, "queue full")
		}
	}
}

// DeadLetters returns failed deliveries, oldest first.
func (n *Notifier) DeadLetters() []Delivery {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()
	out := make([]Delivery, 0, len(n.deadLetter))
	for _, d := range n.deadLetter {
		out = append(out, *d)
	}
	return out
}

// RetryDeadLetter re-queues a dead letter by delivery ID.
func (n *Notifier) RetryDeadLetter(id string) bool {
	n.dlMu.Lock()
	defer n.dlMu.Unlock()
	for i, d := range n.deadLetter {
		if d.ID != id {
			continue
		}
		d.Attempts = 0
		d.Status = "pending"
		d.LastError = ""
		select {
		case n.queue <- d:
			n.deadLetter = append(n.deadLetter[:i], n.deadLetter[i+1:]...)
			return true
		default:
			return false
		}
	}
	return false
}

// Stats returns notifier statistics.
func (n *Notifier) Stats() map[string]interface{} {
	n.dlMu.RLock()
	dl := len(n.deadLetter)
	n.dlMu.RUnlock()
	n.statMu.Lock()
	delivered := n.delivered
	n.statMu.Unlock()
	return map[string]interface{}{
		"targets":      len(n.cfg.WebhookURLs),
		"queue_depth":  len(n.queue),
		"delivered":    delivered,
		"dead_letters": dl,
	}
}

// Stop cancels pending retries and waits for the workers.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.logger.Info().Int("dead_letters", len(n.DeadLetters())).Msg("escalation notifier stopped")
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) deliver(d *Delivery) {
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		d.Attempts = attempt + 1

		retry, err := n.post(d)
		if err == nil {
			d.Status = "delivered"
			n.statMu.Lock()
			n.delivered++
			n.statMu.Unlock()
			n.logger.Debug().Str("id", d.ID).Str("url", d.URL).Int("attempts", d.Attempts).Msg("escalation notice delivered")
			return
		}
		d.LastError = err.Error()
		if !retry || n.ctx.Err() != nil {
			break
		}
		if attempt < n.cfg.MaxRetries {
			n.backoff(attempt)
		}
	}
	n.addDeadLetter(d, d.LastError)
}

// post sends one attempt. The boolean reports whether a failure is worth
// retrying.
func (n *Notifier) post(d *Delivery) (bool, error) {
	body, err := json.Marshal(d.Notice)
	if err != nil {
		return false, fmt.Errorf("marshal error: %w", err)
	}
	req, err := newJSONRequest(n.ctx, http.MethodPost, d.URL, json.RawMessage(body), "")
	if err != nil {
		return false, fmt.Errorf("request creation error: %w", err)
	}
	req.Header.Set("User-Agent", "apdwatch-notifier/1.0")
	req.Header.Set("X-Apdwatch-Delivery-ID", d.ID)
	req.Header.Set("X-Apdwatch-Attempt", fmt.Sprintf("%d", d.Attempts))

	resp, err := n.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("client error: HTTP %d", resp.StatusCode)
	}
}

func (n *Notifier) backoff(attempt int) {
	delay := time.Duration(float64(n.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > n.cfg.MaxBackoff {
		delay = n.cfg.MaxBackoff
	}
	select {
	case <-time.After(delay):
	case <-n.ctx.Done():
	}
}

func (n *Notifier) addDeadLetter(d *Delivery, reason string) {
	d.Status = "dead_letter"
	d.LastError = reason
	n.dlMu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[n.maxDL/10:]
	}
	n.deadLetter = append(n.deadLetter, d)
	n.dlMu.Unlock()
	n.logger.Warn().
		Str("id", d.ID).
		Str("url", d.URL).
		Int("attempts", d.Attempts).
		Str("error", reason).
		Msg("escalation notice moved to dead letter")
}
