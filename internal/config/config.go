package config

import "time"

// Config is the root configuration for a relay instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Bus        BusConfig        `yaml:"bus"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Universe   UniverseConfig   `yaml:"universe"`
	Server     ServerConfig     `yaml:"server"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BusConfig holds the Redis message-bus connection.
type BusConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SubscriberConfig holds channel-subscription settings.
type SubscriberConfig struct {
	// Channels is the exact channel list to subscribe. Empty means the full
	// built-in channel table.
	Channels             []string      `yaml:"channels"`
	ReceiveTimeout       time.Duration `yaml:"receive_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	QueueSize            int           `yaml:"queue_size"`
}

// BufferConfig holds streaming-buffer settings. An interval of zero or
// enabled=false bypasses buffering entirely.
type BufferConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxSize  int           `yaml:"max_size"`
}

// IsEnabled reports whether buffering is on. Defaults to true when the flag
// is omitted from the config file.
func (c BufferConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BroadcastConfig holds client fan-out settings.
type BroadcastConfig struct {
	BatchWindow      time.Duration `yaml:"batch_window"`
	BatchMaxSize     int           `yaml:"batch_max_size"`
	RateLimitPerUser int           `yaml:"rate_limit_per_user"` // events per second
	OfflineQueueSize int           `yaml:"offline_queue_size"`
	MetricsInterval  time.Duration `yaml:"metrics_interval"`
	SendBufferSize   int           `yaml:"send_buffer_size"`
}

// UpstreamConfig holds the market-data connection pool settings.
type UpstreamConfig struct {
	WSURL                   string               `yaml:"ws_url"`
	AuthToken               string               `yaml:"auth_token"`
	MaxConnections          int                  `yaml:"max_connections"`
	MaxTickersPerConnection int                  `yaml:"max_tickers_per_connection"`
	ReconnectBaseDelay      time.Duration        `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay       time.Duration        `yaml:"reconnect_max_delay"`
	Connections             []UpstreamConnConfig `yaml:"connections"`
}

// UpstreamConnConfig configures one upstream socket connection. Exactly one
// of Universe or Symbols supplies the ticker assignment.
type UpstreamConnConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	Name        string   `yaml:"name"`
	Universe    string   `yaml:"universe"`
	Symbols     []string `yaml:"symbols"`
}

// IsEnabled reports whether the connection should be dialed. Defaults to true.
func (c UpstreamConnConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// UniverseConfig holds the ticker-universe lookup. Static entries win over
// the database; Postgres is consulted only when configured.
type UniverseConfig struct {
	Static   map[string][]string `yaml:"static"`
	Postgres DBConfig            `yaml:"postgres"`
}

// DBConfig holds a single Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Configured reports whether a database connection is specified at all.
func (db DBConfig) Configured() bool {
	return db.Host != ""
}

// ServerConfig holds the HTTP/WebSocket surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}
