package config

import (
	"time"

	"github.com/marketpulse/eventrelay/internal/event"
)

// Default values for optional configuration fields.
const (
	DefaultBusAddr                 = "localhost:6379"
	DefaultReceiveTimeout          = 1 * time.Second
	DefaultMaxReconnectAttempts    = 3
	DefaultHeartbeatInterval       = 30 * time.Second
	DefaultSubscriberQueueSize     = 4096
	DefaultBufferInterval          = 250 * time.Millisecond
	DefaultBufferMaxSize           = 500
	DefaultBatchWindow             = 100 * time.Millisecond
	DefaultBatchMaxSize            = 50
	DefaultRateLimitPerUser        = 100
	DefaultOfflineQueueSize        = 100
	DefaultMetricsInterval         = 5 * time.Second
	DefaultSendBufferSize          = 256
	DefaultMaxConnections          = 3
	DefaultMaxTickersPerConnection = 250
	DefaultReconnectBaseDelay      = 1 * time.Second
	DefaultReconnectMaxDelay       = 60 * time.Second
	DefaultDBPort                  = 5432
	DefaultDBSSLMode               = "prefer"
	DefaultDBMaxConns              = 4
	DefaultDBMinConns              = 1
	DefaultServerPort              = 8080
)

// ApplyDefaults fills in zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Bus.Addr == "" {
		c.Bus.Addr = DefaultBusAddr
	}

	// Subscriber defaults
	if len(c.Subscriber.Channels) == 0 {
		c.Subscriber.Channels = event.Channels()
	}
	if c.Subscriber.ReceiveTimeout == 0 {
		c.Subscriber.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.Subscriber.MaxReconnectAttempts == 0 {
		c.Subscriber.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Subscriber.HeartbeatInterval == 0 {
		c.Subscriber.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Subscriber.QueueSize == 0 {
		c.Subscriber.QueueSize = DefaultSubscriberQueueSize
	}

	// Buffer defaults. Interval stays zero only when explicitly disabled.
	if c.Buffer.Interval == 0 && c.Buffer.IsEnabled() {
		c.Buffer.Interval = DefaultBufferInterval
	}
	if c.Buffer.MaxSize == 0 {
		c.Buffer.MaxSize = DefaultBufferMaxSize
	}

	// Broadcast defaults
	if c.Broadcast.BatchWindow == 0 {
		c.Broadcast.BatchWindow = DefaultBatchWindow
	}
	if c.Broadcast.BatchMaxSize == 0 {
		c.Broadcast.BatchMaxSize = DefaultBatchMaxSize
	}
	if c.Broadcast.RateLimitPerUser == 0 {
		c.Broadcast.RateLimitPerUser = DefaultRateLimitPerUser
	}
	if c.Broadcast.OfflineQueueSize == 0 {
		c.Broadcast.OfflineQueueSize = DefaultOfflineQueueSize
	}
	if c.Broadcast.MetricsInterval == 0 {
		c.Broadcast.MetricsInterval = DefaultMetricsInterval
	}
	if c.Broadcast.SendBufferSize == 0 {
		c.Broadcast.SendBufferSize = DefaultSendBufferSize
	}

	// Upstream defaults
	if c.Upstream.MaxConnections == 0 {
		c.Upstream.MaxConnections = DefaultMaxConnections
	}
	if c.Upstream.MaxTickersPerConnection == 0 {
		c.Upstream.MaxTickersPerConnection = DefaultMaxTickersPerConnection
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	if c.Universe.Postgres.Configured() {
		applyDBDefaults(&c.Universe.Postgres)
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
