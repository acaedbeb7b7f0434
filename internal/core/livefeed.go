package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// livefeed.go — persistent client for the server-pushed violation stream.
//
// Design:
//   - Run blocks in the read loop; callers only ever read State, Latest and
//     the buffered Events channel
//   - Any connection loss, including a failed handshake, moves to
//     disconnected, waits a fixed delay and dials again, forever
//   - Nothing is buffered while disconnected
//   - Malformed frames are logged and dropped; the socket stays open
//   - The context is checked before every dial and bounds every wait, so no
//     dial can happen after Run returns
// ---------------------------------------------------------------------------

// ConnState is the live feed connection status.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *ConnState) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "disconnected":
		*s = StateDisconnected
	default:
		return fmt.Errorf("unknown connection state %s", data)
	}
	return nil
}

// LiveFeedConfig configures the live feed client.
type LiveFeedConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	URL              string        `yaml:"url" json:"url"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	DedupTTL         time.Duration `yaml:"dedup_ttl" json:"dedup_ttl"`
	DedupSize        int           `yaml:"dedup_size" json:"dedup_size"`
	EventBuffer      int           `yaml:"event_buffer" json:"event_buffer"`
}

// DefaultLiveFeedConfig returns the standard live feed settings.
func DefaultLiveFeedConfig() LiveFeedConfig {
	return LiveFeedConfig{
		Enabled:          true,
		URL:              "ws://localhost:8000/ws",
		ReconnectDelay:   3 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		DedupTTL:         30 * time.Second,
		DedupSize:        1024,
		EventBuffer:      256,
	}
}

// LiveFeed maintains the push connection and decodes its frames.
type LiveFeed struct {
	logger zerolog.Logger
	cfg    LiveFeedConfig
	dialer *websocket.Dialer
	dedup  *FrameDedup
	events chan PushEvent

	state atomic.Int32

	mu       sync.RWMutex
	latest   *PushEvent
	latestAt time.Time

	onState func(ConnState)

	dials      atomic.Int64
	received   atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// NewLiveFeed creates a client for cfg.URL. It does nothing until Run.
func NewLiveFeed(logger zerolog.Logger, cfg LiveFeedConfig) *LiveFeed {
	def := DefaultLiveFeedConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	f := &LiveFeed{
		logger: logger.With().Str("component", "live_feed").Logger(),
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		dedup:  NewFrameDedup(cfg.DedupTTL, cfg.DedupSize),
		events: make(chan PushEvent, cfg.EventBuffer),
	}
	f.state.Store(int32(StateConnecting))
	return f
}

// OnStateChange registers a hook called on every status transition. Set it
// before Run.
func (f *LiveFeed) OnStateChange(fn func(ConnState)) {
	f.onState = fn
}

// State returns the current connection status.
func (f *LiveFeed) State() ConnState {
	return ConnState(f.state.Load())
}

// Latest returns the most recently decoded event, if any.
func (f *LiveFeed) Latest() (PushEvent, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest == nil {
		return PushEvent{}, time.Time{}, false
	}
	return *f.latest, f.latestAt, true
}

// Events delivers decoded events in arrival order. When the consumer falls
// behind, new events are dropped and counted.
func (f *LiveFeed) Events() <-chan PushEvent {
	return f.events
}

// Run connects and reads until ctx is cancelled. It always returns ctx.Err().
func (f *LiveFeed) Run(ctx context.Context) error {
	f.logger.Info().Str("url", f.cfg.URL).Dur("reconnect_delay", f.cfg.ReconnectDelay).Msg("live feed starting")

	for {
		if err := ctx.Err(); err != nil {
			f.setState(StateDisconnected)
			return err
		}

		f.setState(StateConnecting)
		f.dials.Add(1)
		conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn().Err(err).Msg("live feed dial failed")
			}
		} else {
			f.setState(StateConnected)
			f.logger.Info().Msg("live feed connected")
			f.readLoop(ctx, conn)
		}

		f.setState(StateDisconnected)

		timer := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			f.logger.Debug().Msg("live feed reconnecting")
		}
	}
}

// Stats returns the feed counters.
func (f *LiveFeed) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":      f.State().String(),
		"dials":      f.dials.Load(),
		"received":   f.received.Load(),
		"malformed":  f.malformed.Load(),
		"duplicates": f.duplicates.Load(),
		"dropped":    f.dropped.Load(),
	}
}

func (f *LiveFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		close(done)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn().Err(err).Msg("live feed connection lost")
			}
			return
		}
		f.handleFrame(data)
	}
}

func (f *LiveFeed) handleFrame(data []byte) {
	if f.dedup.IsDuplicate(data) {
		f.duplicates.Add(1)
		return
	}
	ev, err := DecodePushEvent(data)
	if err != nil {
		f.malformed.Add(1)
		f.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed live frame")
		return
	}
	f.received.Add(1)

	f.mu.Lock()
	f.latest = &ev
	f.latestAt = time.Now()
	f.mu.Unlock()

	select {
	case f.events <- ev:
	default:
		f.dropped.Add(1)
		f.logger.Warn().Str("type", ev.Type).Msg("live event buffer full, dropping event")
	}
}

func (f *LiveFeed) setState(s ConnState) {
	if ConnState(f.state.Swap(int32(s))) == s {
		return
	}
	if f.onState != nil {
		f.onState(s)
	}
}
