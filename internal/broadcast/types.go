package broadcast

import (
	"errors"
	"time"

	"github.com/marketpulse/eventrelay/internal/event"
)

// Errors
var (
	ErrNoTargets  = errors.New("no target users")
	ErrNotRunning = errors.New("hub not running")
)

// Subscription is one session's filter state. Zero-value fields mean
// "no restriction".
type Subscription struct {
	UserID        string   `json:"userId"`
	RoomID        string   `json:"roomId"`
	Patterns      []string `json:"patterns"`
	Symbols       []string `json:"symbols"`
	MinConfidence float64  `json:"minConfidence"`
}

// matches applies the filter to an event payload. A payload lacking a
// filterable field passes that check rather than failing it; only a present,
// mismatched value excludes the event.
func (s Subscription) matches(payload map[string]any) bool {
	if len(s.Patterns) > 0 {
		if p, ok := payload["pattern"].(string); ok && !containsString(s.Patterns, p) {
			return false
		}
	}
	if len(s.Symbols) > 0 {
		if sym, ok := payload["symbol"].(string); ok && !containsString(s.Symbols, sym) {
			return false
		}
	}
	if s.MinConfidence > 0 {
		if conf, ok := payload["confidence"].(float64); ok && conf < s.MinConfidence {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// batchItem is one queued event awaiting a batch flush.
type batchItem struct {
	Type     event.Type
	Payload  map[string]any
	Priority event.Priority
	At       time.Time
}

// batchEvent is the wire shape of one event inside an event_batch.
type batchEvent struct {
	Type      event.Type     `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  string         `json:"priority"`
	Timestamp int64          `json:"timestamp"`
}

// SessionStats tracks per-session delivery counters.
type SessionStats struct {
	MessagesSent   int64 `json:"messagesSent"`
	BatchesFlushed int64 `json:"batchesFlushed"`
}

// HubStats is an aggregate snapshot for the stats endpoint.
type HubStats struct {
	Sessions       int   `json:"sessions"`
	Users          int   `json:"users"`
	OfflineQueued  int   `json:"offlineQueued"`
	BatchesFlushed int64 `json:"batchesFlushed"`
	MessagesSent   int64 `json:"messagesSent"`
	RateLimited    int64 `json:"rateLimited"`
}

// Config holds broadcaster settings.
type Config struct {
	BatchWindow      time.Duration // default 100ms
	BatchMaxSize     int           // default 50
	RateLimitPerUser int           // events per second per user, default 100
	OfflineQueueSize int           // default 100
	MetricsInterval  time.Duration // default 5s
	SendBufferSize   int           // per-session outbound buffer, default 256
}

func (c *Config) applyDefaults() {
	if c.BatchWindow == 0 {
		c.BatchWindow = 100 * time.Millisecond
	}
	if c.BatchMaxSize == 0 {
		c.BatchMaxSize = 50
	}
	if c.RateLimitPerUser == 0 {
		c.RateLimitPerUser = 100
	}
	if c.OfflineQueueSize == 0 {
		c.OfflineQueueSize = 100
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 5 * time.Second
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 256
	}
}

// command is a client-to-server control message.
type command struct {
	Command       string   `json:"command"`
	Room          string   `json:"room"`
	Patterns      []string `json:"patterns"`
	Symbols       []string `json:"symbols"`
	MinConfidence float64  `json:"minConfidence"`
}
