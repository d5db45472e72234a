package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHTTPPort          = 8080
	DefaultBodyLimit         = 5 << 20
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultWebSocketPath     = "/ws"
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultReadBufferSize    = 4096
	DefaultWriteBufferSize   = 4096
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultWaitTimeout       = 8 * time.Hour
	DefaultDBPingInterval    = 30 * time.Second
	DefaultMongoURI          = "mongodb://localhost/test"
	DefaultSessionStore      = SessionStoreMemory
	DefaultSessionTable      = "sessions"
	DefaultSessionCookieName = "sid"
	DefaultSessionExpiration = 30 * 24 * time.Hour
	DefaultErrorLogTable     = "log_errors"
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "debug"
	DefaultLogFormat         = "text"
)

func (c *Config) applyDefaults() {
	// HTTP defaults
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.BodyLimit == 0 {
		c.HTTP.BodyLimit = DefaultBodyLimit
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}

	// WebSocket defaults
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = DefaultWebSocketPath
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = DefaultWriteTimeout
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = DefaultPingInterval
	}
	if c.WebSocket.ReadBufferSize == 0 {
		c.WebSocket.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WebSocket.WriteBufferSize == 0 {
		c.WebSocket.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.WebSocket.MessageRate > 0 && c.WebSocket.MessageBurst == 0 {
		c.WebSocket.MessageBurst = int(c.WebSocket.MessageRate) + 1
	}

	// Database defaults
	for i := range c.Databases {
		applyDBDefaults(&c.Databases[i])
	}

	// Session defaults
	if c.Session.Store == "" {
		c.Session.Store = DefaultSessionStore
	}
	if c.Session.Table == "" {
		c.Session.Table = DefaultSessionTable
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultSessionCookieName
	}
	if c.Session.Expiration == 0 {
		c.Session.Expiration = DefaultSessionExpiration
	}

	// Error log defaults
	if c.Logs.Errors.Table == "" {
		c.Logs.Errors.Table = DefaultErrorLogTable
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.WaitTimeout == 0 {
		db.WaitTimeout = DefaultWaitTimeout
	}

	switch db.Driver {
	case DriverPostgres:
		if db.Port == 0 {
			db.Port = DefaultDBPort
		}
		if db.SSLMode == "" {
			db.SSLMode = DefaultDBSSLMode
		}
		if db.PingInterval == 0 {
			db.PingInterval = DefaultDBPingInterval
		}
	case DriverMongoDB:
		if db.URI == "" {
			db.URI = DefaultMongoURI
		}
	}
}
