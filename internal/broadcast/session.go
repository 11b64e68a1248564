package broadcast

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketpulse/eventrelay/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Session is one connected browser client.
type Session struct {
	ID     string
	UserID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	sub     Subscription
	pending []batchItem
	stats   SessionStats
	closed  bool
}

func newSession(hub *Hub, conn *websocket.Conn, userID string) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.cfg.SendBufferSize),
		done:   make(chan struct{}),
		sub:    Subscription{UserID: userID},
		logger: hub.logger.With("session_id", id, "user_id", userID),
	}
}

// Subscription returns a copy of the session's current filter.
func (s *Session) Subscription() Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// Stats returns the session's delivery counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// setSubscription replaces the whole filter (subscribe command).
func (s *Session) setSubscription(sub Subscription) {
	s.mu.Lock()
	sub.UserID = s.UserID
	s.sub = sub
	s.mu.Unlock()
}

// updateFilters mutates filter criteria but keeps the room (update command).
func (s *Session) updateFilters(patterns, symbols []string, minConfidence float64) {
	s.mu.Lock()
	s.sub.Patterns = patterns
	s.sub.Symbols = symbols
	s.sub.MinConfidence = minConfidence
	s.mu.Unlock()
}

// matches applies the session filter to an event payload.
func (s *Session) matches(payload map[string]any) bool {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	return sub.matches(payload)
}

// inRoom reports whether the session has joined the given room.
func (s *Session) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub.RoomID == room
}

// enqueue appends an event to the pending batch; reaching the size cap
// flushes immediately instead of waiting for the window timer.
func (s *Session) enqueue(item batchItem) {
	s.mu.Lock()
	s.pending = append(s.pending, item)
	full := len(s.pending) >= s.hub.cfg.BatchMaxSize
	var msg []byte
	if full {
		msg = s.buildBatchLocked()
	}
	s.mu.Unlock()

	if msg != nil {
		s.trySend(msg)
	}
}

// flush emits the pending batch, if any.
func (s *Session) flush() {
	s.mu.Lock()
	msg := s.buildBatchLocked()
	s.mu.Unlock()

	if msg != nil {
		s.trySend(msg)
	}
}

// buildBatchLocked drains pending into one event_batch message. Events are
// ordered highest priority first; the sort is stable so arrival order breaks
// ties.
func (s *Session) buildBatchLocked() []byte {
	if len(s.pending) == 0 {
		return nil
	}

	items := s.pending
	s.pending = nil

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})

	events := make([]batchEvent, len(items))
	for i, it := range items {
		events[i] = batchEvent{
			Type:      it.Type,
			Payload:   it.Payload,
			Priority:  it.Priority.String(),
			Timestamp: it.At.UnixMilli(),
		}
	}

	msg, err := json.Marshal(map[string]any{
		"type":    event.TypeEventBatch,
		"batchId": uuid.NewString(),
		"events":  events,
	})
	if err != nil {
		s.logger.Warn("failed to encode batch", "error", err)
		return nil
	}

	s.stats.BatchesFlushed++
	s.stats.MessagesSent++
	s.hub.noteBatch(len(events))
	return msg
}

// close marks the session dead and signals writePump. The send channel is
// never closed so timer flushes racing an unregister cannot panic; a message
// still in flight for a dead session is simply discarded.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// trySend writes to the session buffer without blocking. A full buffer means
// the client cannot keep up; the hub drops the session to protect itself.
// Sends to an already unregistered session are dropped silently.
func (s *Session) trySend(msg []byte) {
	s.mu.Lock()
	dead := s.closed
	s.mu.Unlock()
	if dead {
		return
	}

	select {
	case s.send <- msg:
	case <-s.done:
	default:
		s.logger.Warn("session send buffer full, pruning slow client")
		s.hub.Unregister(s)
	}
}

// sendDirect bypasses batching for control messages (welcome, replay,
// metrics). Same non-blocking rule as trySend.
func (s *Session) sendDirect(msg []byte) {
	s.mu.Lock()
	s.stats.MessagesSent++
	s.mu.Unlock()
	s.trySend(msg)
}

// readPump consumes client commands and acts as the connection watchdog.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		s.handleCommand(message)
	}
}

// handleCommand parses and applies one client control message. A malformed
// command is logged and ignored; it does not kill the session.
func (s *Session) handleCommand(message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.logger.Warn("malformed client command", "error", err)
		return
	}

	switch cmd.Command {
	case "subscribe":
		s.setSubscription(Subscription{
			RoomID:        cmd.Room,
			Patterns:      cmd.Patterns,
			Symbols:       cmd.Symbols,
			MinConfidence: cmd.MinConfidence,
		})
		s.logger.Debug("subscription updated",
			"room", cmd.Room,
			"patterns", len(cmd.Patterns),
			"symbols", len(cmd.Symbols),
		)

	case "update_filters":
		s.updateFilters(cmd.Patterns, cmd.Symbols, cmd.MinConfidence)

	default:
		s.logger.Warn("unknown client command", "command", cmd.Command)
	}
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
