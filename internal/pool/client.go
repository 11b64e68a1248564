package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// keepaliveInterval is how often the client sends an application-level ping
// to the feed. The feed answers on the same envelope, which refreshes
// liveness along with every data frame.
const keepaliveInterval = 15 * time.Second

// controlFrame is the envelope the feed uses for non-data traffic. Data
// frames (raw ticks) carry no type tag and flow through untouched.
type controlFrame struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Message string   `json:"message"`
}

// Client is a single WebSocket connection to the market-data provider.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Messages returns a channel of raw data frames with receive timestamps.
	// Control frames (acks, heartbeats, feed errors) are consumed internally
	// and never appear here.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu           sync.RWMutex
	connected    bool
	closed       bool
	lastActiveAt time.Time
	ackedSymbols int
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastActiveAt = time.Now()
	c.mu.Unlock()

	// Protocol-level pings and pongs also count as feed liveness.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.keepaliveLoop()

	c.logger.Debug("feed connected", "url", c.cfg.URL)

	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

func (c *client) Errors() <-chan error {
	return c.errors
}

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActiveAt = time.Now()
	c.mu.Unlock()
}

func (c *client) dropFrame(reason string) {
	c.logger.Warn("dropping frame", "reason", reason)
	if c.cfg.OnDrop != nil {
		c.cfg.OnDrop()
	}
}

// readLoop reads frames off the socket, consumes feed control traffic, and
// forwards data frames to the messages channel.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close() are expected noise.
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		c.touch()

		if !json.Valid(data) {
			c.dropFrame("invalid json")
			continue
		}
		if c.consumeControl(data) {
			continue
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			c.dropFrame("message buffer full")
		}
	}
}

// consumeControl handles subscribe acks, heartbeats, and feed-side errors.
// It reports true when the frame was control traffic that must not be
// forwarded as data.
func (c *client) consumeControl(data []byte) bool {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		return false
	}

	switch frame.Type {
	case "subscribed":
		c.mu.Lock()
		c.ackedSymbols += len(frame.Symbols)
		total := c.ackedSymbols
		c.mu.Unlock()
		c.logger.Debug("subscription acknowledged",
			"symbols", len(frame.Symbols),
			"total_acked", total,
		)
		return true

	case "heartbeat", "pong":
		return true

	case "error":
		// Feed-side command rejections do not tear the connection down.
		c.logger.Warn("feed rejected command", "message", frame.Message)
		return true
	}

	return false
}

// keepaliveLoop pings the feed on its own envelope and flags connections
// that have gone quiet past the configured timeout.
func (c *client) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send([]byte(`{"action":"ping"}`)); err != nil {
				c.logger.Debug("keepalive send failed", "error", err)
			}

			c.mu.RLock()
			lastActive := c.lastActiveAt
			c.mu.RUnlock()

			if time.Since(lastActive) > c.cfg.PingTimeout {
				c.logger.Warn("feed quiet past timeout, connection stale",
					"last_active", lastActive,
					"timeout", c.cfg.PingTimeout,
				)
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
