package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Version is the apdwatch release reported by the API and CLI.
const Version = "0.4.0"

// Engine is the main apdwatch engine that wires and runs all components.
type Engine struct {
	Config   *Config
	Query    *QueryClient
	Feed     *LiveFeed
	Store    TimelineStore
	Bus      *EventBus
	Notifier *Notifier
	Session  *SessionStore
	Monitor  *Monitor
	Logger   zerolog.Logger

	recorder Recorder
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EngineOption customizes an Engine before Start.
type EngineOption func(*Engine)

// WithTimelineStore overrides the timeline backend selected by config.
func WithTimelineStore(store TimelineStore) EngineOption {
	return func(e *Engine) { e.Store = store }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// NewLogger builds the root logger from logging settings.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.Level {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}

// NewEngine creates a new apdwatch engine.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	logger := NewLogger(LoggingConfig{Level: cfg.LogLevel(), Format: cfg.Logging.Format})
	return NewEngineWithLogger(cfg, logger, opts...)
}

// NewEngineWithLogger is NewEngine with a caller-supplied logger.
func NewEngineWithLogger(cfg *Config, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Config: cfg,
		Logger: logger.With().Str("component", "engine").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.Query = NewQueryClient(logger, cfg.Query)

	if e.Store == nil {
		switch cfg.Timeline.Backend {
		case "", BackendMemory:
			e.Store = NewMemoryTimeline()
		case BackendRemote:
			e.Store = NewRemoteTimeline(logger, e.Query)
		default:
			cancel()
			return nil, fmt.Errorf("timeline backend %q must be supplied by the caller", cfg.Timeline.Backend)
		}
	}

	if cfg.LiveFeed.Enabled {
		e.Feed = NewLiveFeed(logger, cfg.LiveFeed)
	}
	if len(cfg.Notify.WebhookURLs) > 0 {
		e.Notifier = NewNotifier(logger, cfg.Notify)
	}
	e.Session = NewSessionStore(cfg.Session.Path)

	return e, nil
}

// Start connects the optional bus and starts the monitor.
func (e *Engine) Start() error {
	e.Logger.Info().
		Str("query", e.Query.BaseURL()).
		Str("timeline", e.Config.Timeline.Backend).
		Msg("starting apdwatch engine")

	deps := MonitorDeps{
		Source:   e.Query,
		Store:    e.Store,
		Engine:   NewEscalationEngine(e.Logger, e.Config.Escalation),
		Recorder: e.recorder,
		Session:  e.Session,
	}
	if e.Feed != nil {
		deps.Feed = e.Feed
	}
	if e.Notifier != nil {
		deps.Notifier = e.Notifier
	}

	if e.Config.Bus.Enabled {
		bus, err := NewEventBus(&e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
		deps.Publisher = bus
	}

	e.Monitor = NewMonitor(e.Logger, MonitorConfig{
		PollInterval:   e.Config.Query.PollInterval,
		TickInterval:   e.Config.Escalation.TickInterval,
		ViolationLimit: e.Config.Query.ViolationLimit,
		WriteTimeout:   e.Config.Query.Timeout,
	}, deps)

	if err := e.Monitor.Start(e.ctx); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}

	// Actions written by other instances reach this one through the bus
	// and through stores that announce their writes.
	if e.Bus != nil {
		if err := e.Bus.SubscribeActions("", e.observe); err != nil {
			e.Logger.Warn().Err(err).Msg("not following actions on the event bus")
		}
	}
	if f, ok := e.Store.(ActionFollower); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := f.Follow(e.ctx, e.observe); err != nil {
				e.Logger.Warn().Err(err).Msg("not following actions announced by the timeline store")
			}
		}()
	}

	e.Logger.Info().Bool("live_feed", e.Feed != nil).Bool("bus", e.Bus != nil).Msg("apdwatch engine started")
	return nil
}

// Run starts the engine and blocks until a shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown gracefully stops the engine.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down apdwatch engine")
	e.cancel()

	if e.Monitor != nil {
		e.Monitor.Stop()
	}
	e.wg.Wait()
	if e.Notifier != nil {
		e.Notifier.Stop()
	}
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Msg("apdwatch engine stopped")
	return nil
}

func (e *Engine) observe(rec ActionRecord) {
	err := e.Monitor.Observe(e.ctx, rec)
	if err != nil && !errors.Is(err, ErrMonitorStopped) && !errors.Is(err, context.Canceled) {
		e.Logger.Warn().Err(err).Str("alert_id", rec.AlertID).Msg("could not apply observed action")
	}
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
