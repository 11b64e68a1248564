package subscriber

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketpulse/eventrelay/internal/event"
	"github.com/marketpulse/eventrelay/internal/stats"
)

// State is the subscriber lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "not_started"
	}
}

// Config holds subscriber settings.
type Config struct {
	Channels             []string
	ReceiveTimeout       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	QueueSize            int
}

// Subscriber consumes the message bus and produces normalized events.
type Subscriber struct {
	cfg    Config
	bus    BusConn
	stats  *stats.Collector
	logger *slog.Logger

	state  atomic.Int32
	events chan event.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// backoffUnit scales the reconnect waits (2^attempt units). One second
	// in production; tests shrink it.
	backoffUnit time.Duration
}

// New creates a Subscriber over the given bus connection.
func New(cfg Config, bus BusConn, collector *stats.Collector, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = event.Channels()
	}

	return &Subscriber{
		cfg:         cfg,
		bus:         bus,
		stats:       collector,
		logger:      logger.With("component", "subscriber"),
		events:      make(chan event.Event, cfg.QueueSize),
		backoffUnit: time.Second,
	}
}

// Events returns the normalized event stream consumed by the router.
func (s *Subscriber) Events() <-chan event.Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Start launches the receive loop. Calling Start on a running subscriber is
// a no-op; a halted subscriber may be restarted.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) &&
		!s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		s.logger.Debug("start ignored, already running")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()

	s.logger.Info("subscriber started",
		"channels", len(s.cfg.Channels),
		"receive_timeout", s.cfg.ReceiveTimeout,
	)
	return nil
}

// Stop signals the receive loop, waits for it within the caller's deadline,
// and releases the bus subscription.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.state.Store(int32(StateStopped))
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("subscriber stop timed out")
	}

	if err := s.bus.Close(); err != nil {
		s.logger.Warn("bus close failed", "error", err)
	}

	s.logger.Info("subscriber stopped")
	return nil
}

// run is the receive loop: one bounded wait per iteration so the context is
// re-checked at least once a second.
func (s *Subscriber) run() {
	defer s.wg.Done()

	if err := s.bus.Subscribe(s.ctx, s.cfg.Channels...); err != nil {
		s.logger.Warn("initial bus subscribe failed", "error", err)
		s.stats.ConnectionError()
		if !s.recover() {
			return
		}
	} else {
		s.logger.Info("subscribed to bus channels", "channels", len(s.cfg.Channels))
	}

	lastBeat := time.Now()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := s.bus.Receive(s.ctx, s.cfg.ReceiveTimeout)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("bus receive error", "error", err)
			s.stats.ConnectionError()
			if !s.recover() {
				return
			}
			continue
		}

		if time.Since(lastBeat) >= s.cfg.HeartbeatInterval {
			snap := s.stats.Snapshot()
			s.logger.Debug("subscriber heartbeat",
				"received", snap.EventsReceived,
				"processed", snap.EventsProcessed,
				"dropped", snap.EventsDropped,
			)
			lastBeat = time.Now()
		}

		if msg == nil {
			// Bounded wait expired or non-data frame.
			continue
		}

		s.handle(msg)
	}
}

// handle decodes, normalizes, and dispatches a single bus message. Any
// failure drops the message and keeps the loop alive.
func (s *Subscriber) handle(msg *Message) {
	s.stats.EventReceived()

	var payload map[string]any
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		s.drop(msg.Channel, "malformed json", err)
		return
	}

	etype, ok := event.ChannelTable[msg.Channel]
	if !ok {
		s.drop(msg.Channel, "unmapped channel", nil)
		return
	}

	normalized, err := Normalize(etype, payload)
	if err != nil {
		s.drop(msg.Channel, "normalization failed", err)
		return
	}

	source, _ := normalized["source"].(string)
	ev := event.Event{
		Type:      etype,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Channel:   msg.Channel,
		Payload:   normalized,
	}

	select {
	case s.events <- ev:
		s.stats.EventProcessed()
	default:
		s.drop(msg.Channel, "event queue full", nil)
	}
}

// drop records and logs one dropped message. No drop is silent.
func (s *Subscriber) drop(channel, reason string, err error) {
	s.stats.EventDropped()
	if err != nil {
		s.logger.Warn("event dropped", "channel", channel, "reason", reason, "error", err)
		return
	}
	s.logger.Warn("event dropped", "channel", channel, "reason", reason)
}

// recover runs the bounded reconnect loop: sleep 2^attempt seconds, re-test
// connectivity, resubscribe. After the retry budget is spent the subscriber
// halts rather than masking a prolonged outage; an external Start restarts it.
func (s *Subscriber) recover() bool {
	attempts := s.cfg.MaxReconnectAttempts

	for attempt := 0; attempt < attempts; attempt++ {
		wait := s.backoffUnit << attempt
		s.logger.Info("bus reconnect scheduled", "attempt", attempt+1, "wait", wait)

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(wait):
		}

		if err := s.bus.Ping(s.ctx); err != nil {
			s.logger.Warn("bus ping failed", "attempt", attempt+1, "error", err)
			s.stats.ConnectionError()
			continue
		}
		if err := s.bus.Subscribe(s.ctx, s.cfg.Channels...); err != nil {
			s.logger.Warn("bus resubscribe failed", "attempt", attempt+1, "error", err)
			s.stats.ConnectionError()
			continue
		}

		s.logger.Info("bus connection restored", "channels", len(s.cfg.Channels))
		return true
	}

	s.logger.Error("bus retry budget exhausted, subscriber halted until restart",
		"attempts", attempts, "fatal", true)
	s.state.Store(int32(StateStopped))
	return false
}
