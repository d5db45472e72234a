package config

import "time"

// Config is the root configuration for a sockethub instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Databases []DBConfig      `yaml:"databases"`
	Session   SessionConfig   `yaml:"session"`
	Logs      LogsConfig      `yaml:"logs"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id" env:"SOCKETHUB_INSTANCE_ID"`
}

// HTTPConfig holds the web server settings.
type HTTPConfig struct {
	Host             string        `yaml:"host" env:"SOCKETHUB_HTTP_HOST"`
	Port             int           `yaml:"port" env:"SOCKETHUB_HTTP_PORT"`
	AutoStart        *bool         `yaml:"auto_start"`
	PublicPath       string        `yaml:"public_path" env:"SOCKETHUB_HTTP_PUBLIC_PATH"`
	AllowCrossOrigin bool          `yaml:"allow_cross_origin" env:"SOCKETHUB_HTTP_ALLOW_CROSS_ORIGIN"`
	RemoveWWW        bool          `yaml:"remove_www"`
	RedirectToIndex  bool          `yaml:"redirect_to_index"`
	BodyLimit        int64         `yaml:"body_limit"` // bytes
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// Enabled reports whether the web server should start. Unset means yes.
func (h HTTPConfig) Enabled() bool {
	return h.AutoStart == nil || *h.AutoStart
}

// WebSocketConfig holds client socket settings.
type WebSocketConfig struct {
	Enabled          bool          `yaml:"enabled" env:"SOCKETHUB_WEBSOCKET_ENABLED"`
	Path             string        `yaml:"path"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	MessageRate      float64       `yaml:"message_rate"` // per connection, 0 = unlimited
	MessageBurst     int           `yaml:"message_burst"`
	LogFrames        bool          `yaml:"log_frames" env:"SOCKETHUB_WEBSOCKET_LOG_FRAMES"`
	LogUnknownFrames bool          `yaml:"log_unknown_frames"`
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongoDB  = "mongodb"
)

// DBConfig holds a single named database connection.
type DBConfig struct {
	Name         string        `yaml:"name"`   // handle name, unique
	Driver       string        `yaml:"driver"` // postgres, sqlite, mongodb
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Database     string        `yaml:"database"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	SSLMode      string        `yaml:"ssl_mode"`
	Schema       string        `yaml:"schema"` // selected after connect
	Path         string        `yaml:"path"`   // sqlite file
	URI          string        `yaml:"uri"`    // mongodb connection string
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"` // 0 disables idle checks
}

// SessionConfig holds cookie session lookup settings.
type SessionConfig struct {
	Enabled     bool          `yaml:"enabled" env:"SOCKETHUB_SESSION_ENABLED"`
	Store       string        `yaml:"store"`      // memory or sql
	Connection  string        `yaml:"connection"` // database name for the sql store
	Table       string        `yaml:"table"`
	CreateTable bool          `yaml:"create_table"`
	Secret      string        `yaml:"secret" env:"SOCKETHUB_SESSION_SECRET"`
	CookieName  string        `yaml:"cookie_name"`
	Expiration  time.Duration `yaml:"expiration"`
}

// Session stores.
const (
	SessionStoreMemory = "memory"
	SessionStoreSQL    = "sql"
)

// LogsConfig holds persisted log settings.
type LogsConfig struct {
	Errors ErrorLogConfig `yaml:"errors"`
}

// ErrorLogConfig persists reported errors into a relational table.
// Disabled when Connection is empty.
type ErrorLogConfig struct {
	Connection  string `yaml:"connection"`
	Table       string `yaml:"table"`
	CreateTable bool   `yaml:"create_table"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"SOCKETHUB_METRICS_ENABLED"`
	Path    string `yaml:"path"`
}

// LogConfig holds process logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"SOCKETHUB_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"SOCKETHUB_LOG_FORMAT"` // text or json
}
