package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/marketpulse/eventrelay/internal/event"
	"github.com/marketpulse/eventrelay/internal/pool"
	"github.com/marketpulse/eventrelay/internal/stats"
)

// Buffer is the streaming-dedup surface the router feeds.
type Buffer interface {
	AddPattern(msg map[string]any)
	AddIndicator(msg map[string]any)
}

// Sink is the fan-out surface the router delivers to.
type Sink interface {
	BroadcastToUsers(t event.Type, payload map[string]any, userIDs []string, priority event.Priority) error
	BroadcastToRoom(room string, t event.Type, payload map[string]any, priority event.Priority)
	BroadcastAll(t event.Type, payload map[string]any, priority event.Priority)
}

// Assignments answers which upstream connection owns a ticker.
type Assignments interface {
	TickerAssignment(ticker string) (string, bool)
	Ready() bool
}

// defaultConnID is the fallback connection tag used while the pool is still
// initializing.
const defaultConnID = "conn-1"

// Router dispatches normalized bus events and raw upstream ticks to the
// buffer and the broadcaster.
type Router interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetAssignments(a Assignments)
	Stats() RouterStats
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	EventsRouted      int64 `json:"eventsRouted"`
	TicksRouted       int64 `json:"ticksRouted"`
	UnknownEvents     int64 `json:"unknownEvents"`
	ParseErrors       int64 `json:"parseErrors"`
	TargetedFallbacks int64 `json:"targetedFallbacks"`
}

type handlerFunc func(ev event.Event)

type router struct {
	logger    *slog.Logger
	collector *stats.Collector

	events <-chan event.Event
	ticks  <-chan pool.Tick

	buffer Buffer
	sink   Sink

	assignMu    sync.RWMutex
	assignments Assignments

	handlers map[event.Type]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.RWMutex
	eventsRouted      int64
	ticksRouted       int64
	unknownEvents     int64
	parseErrors       int64
	targetedFallbacks int64
}

// New creates an event router. Ticks may be nil when no upstream pool is
// configured; assignments may be wired later via SetAssignments.
func New(events <-chan event.Event, ticks <-chan pool.Tick, buffer Buffer, sink Sink, collector *stats.Collector, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &router{
		logger:    logger.With("component", "router"),
		collector: collector,
		events:    events,
		ticks:     ticks,
		buffer:    buffer,
		sink:      sink,
	}
	r.handlers = r.buildHandlers()
	return r
}

// buildHandlers wires the per-type dispatch table.
func (r *router) buildHandlers() map[event.Type]handlerFunc {
	targeted := func(ev event.Event) { r.routeTargeted(ev) }
	everyone := func(ev event.Event) {
		r.sink.BroadcastAll(ev.Type, ev.Payload, event.PriorityFor(ev.Type))
	}

	return map[event.Type]handlerFunc{
		event.TypePatternStreaming:   func(ev event.Event) { r.buffer.AddPattern(ev.Payload) },
		event.TypeIndicatorStreaming: func(ev event.Event) { r.buffer.AddIndicator(ev.Payload) },

		event.TypePatternAlert:   targeted,
		event.TypeIndicatorAlert: targeted,
		event.TypeUserAlert:      targeted,
		event.TypeTradeSignal:    targeted,
		event.TypeNotification:   targeted,

		event.TypeBacktestProgress: everyone,
		event.TypeBacktestResult:   everyone,
		event.TypeScannerResult:    everyone,
		event.TypeScannerStatus:    everyone,
		event.TypeMarketStatus:     everyone,
		event.TypeWatchlistUpdate:  everyone,
		event.TypeNewsItem:         everyone,
		event.TypeProducerHealth:   everyone,

		event.TypeTickUpdate: func(ev event.Event) { r.routeTick(ev) },
	}
}

func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.eventLoop()

	if r.ticks != nil {
		r.wg.Add(1)
		go r.tickLoop()
	}

	r.logger.Info("event router started", "handlers", len(r.handlers))
	return nil
}

func (r *router) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}

	return nil
}

// SetAssignments wires the pool after it has started. Until then tick
// enrichment falls back to the default connection id.
func (r *router) SetAssignments(a Assignments) {
	r.assignMu.Lock()
	r.assignments = a
	r.assignMu.Unlock()
}

func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		EventsRouted:      r.eventsRouted,
		TicksRouted:       r.ticksRouted,
		UnknownEvents:     r.unknownEvents,
		ParseErrors:       r.parseErrors,
		TargetedFallbacks: r.targetedFallbacks,
	}
}

// eventLoop consumes normalized bus events.
func (r *router) eventLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				r.logger.Info("event channel closed")
				return
			}
			r.dispatch(ev)
		}
	}
}

// dispatch routes one event through the handler table.
func (r *router) dispatch(ev event.Event) {
	handler, ok := r.handlers[ev.Type]
	if !ok {
		r.mu.Lock()
		r.unknownEvents++
		r.mu.Unlock()

		if r.collector != nil {
			r.collector.EventDropped()
		}
		r.logger.Warn("no handler for event type",
			"type", ev.Type,
			"channel", ev.Channel,
		)
		return
	}

	handler(ev)

	r.mu.Lock()
	r.eventsRouted++
	r.mu.Unlock()
}

// routeTargeted delivers an event to the users named in its payload. A
// failed targeted delivery falls back to an unfiltered broadcast so the
// event is not lost.
func (r *router) routeTargeted(ev event.Event) {
	prio := event.PriorityFor(ev.Type)
	targets := targetUsers(ev.Payload)

	if err := r.sink.BroadcastToUsers(ev.Type, ev.Payload, targets, prio); err != nil {
		r.mu.Lock()
		r.targetedFallbacks++
		r.mu.Unlock()

		r.logger.Warn("targeted delivery failed, broadcasting unfiltered",
			"type", ev.Type,
			"error", err,
		)
		r.sink.BroadcastAll(ev.Type, ev.Payload, prio)
	}
}

// routeTick enriches a bus tick event with its owning upstream connection.
func (r *router) routeTick(ev event.Event) {
	payload := ev.Payload
	symbol, _ := payload["symbol"].(string)
	payload["connectionId"] = r.connectionFor(symbol)

	r.sink.BroadcastAll(ev.Type, payload, event.PriorityFor(ev.Type))
}

// connectionFor resolves a ticker to its connection id. An unready pool is
// an expected transient state, not an error.
func (r *router) connectionFor(symbol string) string {
	r.assignMu.RLock()
	a := r.assignments
	r.assignMu.RUnlock()

	if a == nil || !a.Ready() {
		r.logger.Debug("connection pool not ready, using default connection",
			"symbol", symbol,
			"conn_id", defaultConnID,
		)
		return defaultConnID
	}

	if id, ok := a.TickerAssignment(symbol); ok {
		return id
	}
	return defaultConnID
}

// tickLoop consumes raw upstream ticks, already tagged with their owning
// connection by the pool.
func (r *router) tickLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case tick, ok := <-r.ticks:
			if !ok {
				r.logger.Info("tick channel closed")
				return
			}
			r.handleTick(tick)
		}
	}
}

func (r *router) handleTick(tick pool.Tick) {
	var payload map[string]any
	if err := json.Unmarshal(tick.Data, &payload); err != nil {
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()

		if r.collector != nil {
			r.collector.EventDropped()
		}
		r.logger.Warn("malformed upstream tick",
			"conn_id", tick.ConnID,
			"error", err,
		)
		return
	}

	payload["connectionId"] = tick.ConnID
	r.sink.BroadcastAll(event.TypeTickUpdate, payload, event.PriorityFor(event.TypeTickUpdate))

	r.mu.Lock()
	r.ticksRouted++
	r.mu.Unlock()
}

// targetUsers extracts the target user list from an alert payload. Producer
// versions disagree on the field name, mirroring the nesting quirks handled
// by the subscriber.
func targetUsers(payload map[string]any) []string {
	for _, key := range []string{"userIds", "user_ids"} {
		if raw, ok := payload[key].([]any); ok {
			out := make([]string, 0, len(raw))
			for _, v := range raw {
				if s, ok := v.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	for _, key := range []string{"userId", "user_id"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return []string{s}
		}
	}
	return nil
}
