package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/marketpulse/eventrelay/internal/event"
	"github.com/marketpulse/eventrelay/internal/stats"
)

// MetricsSource produces the payload for the periodic metrics broadcast.
// Returning nil skips the cycle.
type MetricsSource func() map[string]any

// userState holds per-user limiter and offline-queue state, locked per user
// so one user's burst cannot serialize everyone else's delivery.
type userState struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	offline []batchItem
}

// Hub is the session registry and fan-out engine.
type Hub struct {
	cfg       Config
	collector *stats.Collector
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[*Session]struct{}

	usersMu sync.Mutex
	users   map[string]*userState

	statsMu        sync.Mutex
	batchesFlushed int64
	messagesSent   int64
	rateLimited    int64

	metricsMu     sync.Mutex
	metricsSource MetricsSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a Hub. The collector may be nil in tests.
func NewHub(cfg Config, collector *stats.Collector, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Hub{
		cfg:       cfg,
		collector: collector,
		logger:    logger.With("component", "broadcast"),
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[*Session]struct{}),
		users:     make(map[string]*userState),
	}
}

// SetMetricsSource wires the stats producer for the periodic metrics
// broadcast. May be called after Start; until then cycles are skipped.
func (h *Hub) SetMetricsSource(src MetricsSource) {
	h.metricsMu.Lock()
	h.metricsSource = src
	h.metricsMu.Unlock()
}

// Start launches the batch-window and metrics timers.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(2)
	go h.flushLoop()
	go h.metricsLoop()

	h.logger.Info("broadcaster started",
		"batch_window", h.cfg.BatchWindow,
		"batch_max_size", h.cfg.BatchMaxSize,
		"rate_limit_per_user", h.cfg.RateLimitPerUser,
	)
	return nil
}

// Stop closes all sessions and halts the timers.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("broadcaster stop timed out")
	}

	h.mu.Lock()
	for _, s := range h.sessions {
		s.close()
	}
	h.sessions = make(map[string]*Session)
	h.byUser = make(map[string]map[*Session]struct{})
	h.mu.Unlock()

	h.logger.Info("broadcaster stopped")
	return nil
}

// Attach registers a freshly upgraded WebSocket connection as a session,
// starts its pumps, sends the welcome message, and replays any queued
// offline events for the user.
func (h *Hub) Attach(conn *websocket.Conn, userID string) *Session {
	s := newSession(h, conn, userID)
	h.Register(s)

	go s.writePump()
	go s.readPump()

	return s
}

// Register adds a session to the registry and replays the user's offline
// queue.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	if h.byUser[s.UserID] == nil {
		h.byUser[s.UserID] = make(map[*Session]struct{})
	}
	h.byUser[s.UserID][s] = struct{}{}
	total := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("session connected",
		"session_id", s.ID,
		"user_id", s.UserID,
		"total_sessions", total,
	)

	if welcome, err := json.Marshal(map[string]any{
		"type":      event.TypeSessionWelcome,
		"sessionId": s.ID,
		"userId":    s.UserID,
	}); err == nil {
		s.sendDirect(welcome)
	}

	h.replayOffline(s)
}

// Unregister removes a session. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	if set := h.byUser[s.UserID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	total := len(h.sessions)
	h.mu.Unlock()

	s.close()

	h.logger.Info("session disconnected",
		"session_id", s.ID,
		"user_id", s.UserID,
		"total_sessions", total,
	)
}

// BroadcastToUsers queues an event for each target user. A user over their
// rate limit is skipped and counted; the event still reaches the remaining
// targets. Users with no live session get the event queued offline.
func (h *Hub) BroadcastToUsers(t event.Type, payload map[string]any, userIDs []string, priority event.Priority) error {
	if len(userIDs) == 0 {
		return ErrNoTargets
	}

	item := batchItem{Type: t, Payload: payload, Priority: priority, At: time.Now()}

	for _, uid := range userIDs {
		if !h.allow(uid) {
			h.markRateLimited(uid)
			continue
		}

		h.mu.RLock()
		targets := make([]*Session, 0, len(h.byUser[uid]))
		for s := range h.byUser[uid] {
			targets = append(targets, s)
		}
		h.mu.RUnlock()

		if len(targets) == 0 {
			h.queueOffline(uid, item)
			continue
		}

		for _, s := range targets {
			if s.matches(payload) {
				s.enqueue(item)
			}
		}
	}

	return nil
}

// BroadcastToRoom queues an event for every session in a room, subject to
// each session's filter and its user's rate limit.
func (h *Hub) BroadcastToRoom(room string, t event.Type, payload map[string]any, priority event.Priority) {
	item := batchItem{Type: t, Payload: payload, Priority: priority, At: time.Now()}

	for uid, sessions := range h.roomMembers(room) {
		if !h.allow(uid) {
			h.markRateLimited(uid)
			continue
		}
		for _, s := range sessions {
			if s.matches(payload) {
				s.enqueue(item)
			}
		}
	}
}

// BroadcastAll queues an event for every connected session. Used for
// progress and status events that carry no targeting.
func (h *Hub) BroadcastAll(t event.Type, payload map[string]any, priority event.Priority) {
	item := batchItem{Type: t, Payload: payload, Priority: priority, At: time.Now()}

	for uid, sessions := range h.allMembers() {
		if !h.allow(uid) {
			h.markRateLimited(uid)
			continue
		}
		for _, s := range sessions {
			if s.matches(payload) {
				s.enqueue(item)
			}
		}
	}
}

// Stats returns an aggregate snapshot.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	sessions := len(h.sessions)
	users := len(h.byUser)
	h.mu.RUnlock()

	offline := 0
	h.usersMu.Lock()
	for _, us := range h.users {
		us.mu.Lock()
		offline += len(us.offline)
		us.mu.Unlock()
	}
	h.usersMu.Unlock()

	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return HubStats{
		Sessions:       sessions,
		Users:          users,
		OfflineQueued:  offline,
		BatchesFlushed: h.batchesFlushed,
		MessagesSent:   h.messagesSent,
		RateLimited:    h.rateLimited,
	}
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// roomMembers groups the room's sessions by user so the rate limiter charges
// each user once per event.
func (h *Hub) roomMembers(room string) map[string][]*Session {
	out := make(map[string][]*Session)
	h.mu.RLock()
	for _, s := range h.sessions {
		if s.inRoom(room) {
			out[s.UserID] = append(out[s.UserID], s)
		}
	}
	h.mu.RUnlock()
	return out
}

func (h *Hub) allMembers() map[string][]*Session {
	out := make(map[string][]*Session)
	h.mu.RLock()
	for _, s := range h.sessions {
		out[s.UserID] = append(out[s.UserID], s)
	}
	h.mu.RUnlock()
	return out
}

// userState returns the per-user state, creating it on first touch.
func (h *Hub) userState(uid string) *userState {
	h.usersMu.Lock()
	defer h.usersMu.Unlock()

	us, ok := h.users[uid]
	if !ok {
		us = &userState{
			limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerUser), h.cfg.RateLimitPerUser),
		}
		h.users[uid] = us
	}
	return us
}

// allow consumes one token from the user's rate limiter.
func (h *Hub) allow(uid string) bool {
	us := h.userState(uid)
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.limiter.Allow()
}

func (h *Hub) markRateLimited(uid string) {
	h.statsMu.Lock()
	h.rateLimited++
	h.statsMu.Unlock()

	if h.collector != nil {
		h.collector.RateLimited()
	}
	h.logger.Debug("event rate limited", "user_id", uid)
}

// queueOffline holds an event for a user with no live session. The queue is
// bounded; the oldest entry is dropped first.
func (h *Hub) queueOffline(uid string, item batchItem) {
	us := h.userState(uid)

	us.mu.Lock()
	us.offline = append(us.offline, item)
	if len(us.offline) > h.cfg.OfflineQueueSize {
		us.offline = us.offline[len(us.offline)-h.cfg.OfflineQueueSize:]
	}
	queued := len(us.offline)
	us.mu.Unlock()

	h.logger.Debug("event queued offline",
		"user_id", uid,
		"queue_depth", queued,
	)
}

// replayOffline delivers and clears the user's offline queue as one message.
func (h *Hub) replayOffline(s *Session) {
	us := h.userState(s.UserID)

	us.mu.Lock()
	queued := us.offline
	us.offline = nil
	us.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	events := make([]batchEvent, len(queued))
	for i, it := range queued {
		events[i] = batchEvent{
			Type:      it.Type,
			Payload:   it.Payload,
			Priority:  it.Priority.String(),
			Timestamp: it.At.UnixMilli(),
		}
	}

	msg, err := json.Marshal(map[string]any{
		"type":    event.TypeOfflineReplay,
		"batchId": uuid.NewString(),
		"count":   len(events),
		"events":  events,
	})
	if err != nil {
		h.logger.Warn("failed to encode offline replay", "error", err)
		return
	}

	s.sendDirect(msg)
	h.logger.Info("offline queue replayed",
		"user_id", s.UserID,
		"events", len(events),
	)
}

// flushLoop drives the batch-window timer.
func (h *Hub) flushLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.flushAll()
		}
	}
}

// flushAll flushes every session's pending batch. Sessions are snapshotted
// first so a prune during flush cannot deadlock the registry lock.
func (h *Hub) flushAll() {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.flush()
	}
}

// noteBatch records one flushed batch of n events in the hub aggregates.
func (h *Hub) noteBatch(events int) {
	h.statsMu.Lock()
	h.batchesFlushed++
	h.messagesSent++
	h.statsMu.Unlock()

	if h.collector != nil {
		for i := 0; i < events; i++ {
			h.collector.EventForwarded()
		}
	}
}

// metricsLoop periodically broadcasts a metrics snapshot to every session.
// A missing source means stats are not wired up yet; the cycle is skipped
// rather than treated as an error.
func (h *Hub) metricsLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.metricsMu.Lock()
			src := h.metricsSource
			h.metricsMu.Unlock()

			if src == nil {
				h.logger.Debug("metrics source not ready, skipping cycle")
				continue
			}

			payload := src()
			if payload == nil {
				continue
			}

			msg, err := json.Marshal(map[string]any{
				"type":      event.TypeMetricsUpdate,
				"metrics":   payload,
				"timestamp": time.Now().UnixMilli(),
			})
			if err != nil {
				h.logger.Warn("failed to encode metrics", "error", err)
				continue
			}

			h.mu.RLock()
			targets := make([]*Session, 0, len(h.sessions))
			for _, s := range h.sessions {
				targets = append(targets, s)
			}
			h.mu.RUnlock()

			for _, s := range targets {
				s.sendDirect(msg)
			}
		}
	}
}
