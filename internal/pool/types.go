package pool

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNoCapacity      = errors.New("no connection has capacity")
	ErrNoConnections   = errors.New("no connections configured")
)

// Status is the lifecycle state of one upstream connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// TimestampedMessage wraps raw socket bytes with the local receive time.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// Tick is one raw market-data message tagged with its owning connection.
type Tick struct {
	ConnID     string
	Data       []byte
	ReceivedAt time.Time
}

// ConnectionInfo is the externally visible state of one connection. Snapshots
// returned by HealthStatus copy it; callers never see live internals.
type ConnectionInfo struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"displayName"`
	Status          Status    `json:"status"`
	AssignedTickers []string  `json:"assignedTickers"`
	MessageCount    int64     `json:"messageCount"`
	ErrorCount      int64     `json:"errorCount"`
	LastMessageTime time.Time `json:"lastMessageTime"`
}

// HealthStatus aggregates per-connection state for the health endpoint.
type HealthStatus struct {
	TotalConnections   int              `json:"totalConnections"`
	ConnectedCount     int              `json:"connectedCount"`
	TotalTicksReceived int64            `json:"totalTicksReceived"`
	TotalErrors        int64            `json:"totalErrors"`
	Connections        []ConnectionInfo `json:"connections"`
}

// ClientConfig configures one WebSocket client.
type ClientConfig struct {
	URL          string
	AuthToken    string        // bearer token, empty for unauthenticated feeds
	PingTimeout  time.Duration // max quiet time before the connection is stale
	WriteTimeout time.Duration
	BufferSize   int
	OnDrop       func() // invoked for every frame the client discards
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ConnConfig describes one configured upstream connection. Exactly one of
// Universe or Symbols provides the ticker assignment.
type ConnConfig struct {
	Name     string
	Universe string
	Symbols  []string
}

// Config configures the pool.
type Config struct {
	WSURL             string
	AuthToken         string
	MaxTickersPerConn int
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
	QueueSize         int
	Connections       []ConnConfig
}

func (c *Config) applyDefaults() {
	if c.MaxTickersPerConn == 0 {
		c.MaxTickersPerConn = 50
	}
	if c.ReconnectBaseWait == 0 {
		c.ReconnectBaseWait = time.Second
	}
	if c.ReconnectMaxWait == 0 {
		c.ReconnectMaxWait = 60 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
}

// subscribeCommand is the upstream wire format for symbol subscriptions.
type subscribeCommand struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}
