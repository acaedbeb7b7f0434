package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventBus wraps NATS JetStream for publishing alert and action lifecycle
// events to downstream consumers.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	prefix string
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu               sync.Mutex `json:"-"`
	AlertsPublished  int64      `json:"alerts_published"`
	ActionsPublished int64      `json:"actions_published"`
	PublishFailed    int64      `json:"publish_failed"`
}

// NewEventBus connects to NATS. If cfg.Embedded is true it starts an embedded
// server first.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "apd"
	}
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		prefix:  prefix,
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "APD_ALERTS",
			Subjects:  []string{prefix + ".alerts.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "APD_ACTIONS",
			Subjects:  []string{prefix + ".actions.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 90,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Str("prefix", prefix).Msg("connected to NATS JetStream")
	return bus, nil
}

// AlertSubject is the subject an alert is published on.
func (b *EventBus) AlertSubject(a Alert) string {
	return fmt.Sprintf("%s.alerts.%s.%s", b.prefix, a.Source, a.Severity)
}

// ActionSubject is the subject an action record is published on.
func (b *EventBus) ActionSubject(r ActionRecord) string {
	origin := "manual"
	if r.Auto {
		origin = "auto"
	}
	return fmt.Sprintf("%s.actions.%s.%s", b.prefix, r.Kind, origin)
}

// PublishAlert publishes a newly observed alert.
func (b *EventBus) PublishAlert(a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	subject := b.AlertSubject(a)
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailed++ })
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.AlertsPublished++ })
	b.logger.Debug().Str("alert_id", a.ID).Str("subject", subject).Msg("alert published")
	return nil
}

// PublishAction publishes a stored action record.
func (b *EventBus) PublishAction(r ActionRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling action: %w", err)
	}
	subject := b.ActionSubject(r)
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailed++ })
		return fmt.Errorf("publishing action to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.ActionsPublished++ })
	b.logger.Debug().Str("alert_id", r.AlertID).Str("subject", subject).Msg("action published")
	return nil
}

// Subscribe creates a subscription to a subject pattern. An empty
// durableName gives an ephemeral consumer.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeActions delivers every published action record to handler.
func (b *EventBus) SubscribeActions(durableName string, handler func(ActionRecord)) error {
	return b.Subscribe(b.prefix+".actions.>", durableName, func(msg *nats.Msg) {
		var rec ActionRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal action")
			_ = msg.Term()
			return
		}
		handler(rec)
		_ = msg.Ack()
	})
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"alerts_published":  b.metrics.AlertsPublished,
		"actions_published": b.metrics.ActionsPublished,
		"publish_failed":    b.metrics.PublishFailed,
	}
}

func (b *EventBus) count(fn func(m *BusMetrics)) {
	b.metrics.mu.Lock()
	fn(b.metrics)
	b.metrics.mu.Unlock()
}
