package config

import (
	"errors"
	"fmt"

	"github.com/marketpulse/eventrelay/internal/event"
)

// MaxUpstreamConnections is the hard cap on upstream socket connections.
const MaxUpstreamConnections = 3

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Bus.Addr == "" {
		return errors.New("bus.addr is required")
	}

	for _, ch := range c.Subscriber.Channels {
		if _, ok := event.ChannelTable[ch]; !ok {
			return fmt.Errorf("subscriber.channels: unknown channel %q", ch)
		}
	}
	if c.Subscriber.ReceiveTimeout <= 0 {
		return errors.New("subscriber.receive_timeout must be > 0")
	}
	if c.Subscriber.MaxReconnectAttempts < 1 {
		return errors.New("subscriber.max_reconnect_attempts must be >= 1")
	}

	if c.Buffer.IsEnabled() && c.Buffer.Interval <= 0 {
		return errors.New("buffer.interval must be > 0 when buffering is enabled")
	}
	if c.Buffer.MaxSize < 1 {
		return errors.New("buffer.max_size must be >= 1")
	}

	if c.Broadcast.BatchWindow <= 0 {
		return errors.New("broadcast.batch_window must be > 0")
	}
	if c.Broadcast.BatchMaxSize < 1 {
		return errors.New("broadcast.batch_max_size must be >= 1")
	}
	if c.Broadcast.RateLimitPerUser < 1 {
		return errors.New("broadcast.rate_limit_per_user must be >= 1")
	}
	if c.Broadcast.OfflineQueueSize < 0 {
		return errors.New("broadcast.offline_queue_size must be >= 0")
	}

	if c.Upstream.MaxConnections < 1 || c.Upstream.MaxConnections > MaxUpstreamConnections {
		return fmt.Errorf("upstream.max_connections must be between 1 and %d, got %d",
			MaxUpstreamConnections, c.Upstream.MaxConnections)
	}
	if len(c.Upstream.Connections) > c.Upstream.MaxConnections {
		return fmt.Errorf("upstream: %d connections configured, max is %d",
			len(c.Upstream.Connections), c.Upstream.MaxConnections)
	}
	seen := make(map[string]struct{}, len(c.Upstream.Connections))
	for i, conn := range c.Upstream.Connections {
		prefix := fmt.Sprintf("upstream.connections[%d]", i)
		if conn.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if _, dup := seen[conn.Name]; dup {
			return fmt.Errorf("%s.name %q is duplicated", prefix, conn.Name)
		}
		seen[conn.Name] = struct{}{}
		if conn.Universe == "" && len(conn.Symbols) == 0 {
			return fmt.Errorf("%s needs a universe key or an explicit symbol list", prefix)
		}
		if conn.Universe != "" && len(conn.Symbols) > 0 {
			return fmt.Errorf("%s: universe and symbols are mutually exclusive", prefix)
		}
	}
	if len(c.Upstream.Connections) > 0 && c.Upstream.WSURL == "" {
		return errors.New("upstream.ws_url is required when connections are configured")
	}

	if c.Universe.Postgres.Configured() {
		if err := c.Universe.Postgres.validate("universe.postgres"); err != nil {
			return err
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	return nil
}
