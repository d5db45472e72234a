package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.HTTP.Enabled() {
		if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
			return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
		}
		if c.HTTP.BodyLimit < 1 {
			return errors.New("http.body_limit must be >= 1")
		}
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path must start with /, got %q", c.WebSocket.Path)
	}
	if c.WebSocket.MessageRate < 0 {
		return errors.New("websocket.message_rate must be >= 0")
	}

	names := make(map[string]string, len(c.Databases))
	for i := range c.Databases {
		prefix := fmt.Sprintf("databases[%d]", i)
		if err := c.Databases[i].validate(prefix); err != nil {
			return err
		}
		if _, dup := names[c.Databases[i].Name]; dup {
			return fmt.Errorf("%s.name %q is duplicated", prefix, c.Databases[i].Name)
		}
		names[c.Databases[i].Name] = c.Databases[i].Driver
	}

	if c.Session.Enabled {
		if c.Session.Secret == "" {
			return errors.New("session.secret is required")
		}
		switch c.Session.Store {
		case SessionStoreMemory:
		case SessionStoreSQL:
			if err := requireRelational(names, "session.connection", c.Session.Connection); err != nil {
				return err
			}
			if !identifierRe.MatchString(c.Session.Table) {
				return fmt.Errorf("session.table %q is not a valid identifier", c.Session.Table)
			}
		default:
			return fmt.Errorf("session.store must be %q or %q, got %q", SessionStoreMemory, SessionStoreSQL, c.Session.Store)
		}
	}

	if c.Logs.Errors.Connection != "" {
		if err := requireRelational(names, "logs.errors.connection", c.Logs.Errors.Connection); err != nil {
			return err
		}
		if !identifierRe.MatchString(c.Logs.Errors.Table) {
			return fmt.Errorf("logs.errors.table %q is not a valid identifier", c.Logs.Errors.Table)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}

	switch db.Driver {
	case DriverPostgres:
		if db.Host == "" {
			return fmt.Errorf("%s.host is required", prefix)
		}
		if db.Database == "" {
			return fmt.Errorf("%s.database is required", prefix)
		}
		if db.User == "" {
			return fmt.Errorf("%s.user is required", prefix)
		}
	case DriverSQLite:
		if db.Path == "" {
			return fmt.Errorf("%s.path is required", prefix)
		}
	case DriverMongoDB:
		if db.URI == "" {
			return fmt.Errorf("%s.uri is required", prefix)
		}
	case "":
		return fmt.Errorf("%s.driver is required", prefix)
	default:
		return fmt.Errorf("%s.driver %q is unknown", prefix, db.Driver)
	}

	if db.WaitTimeout < 0 {
		return fmt.Errorf("%s.wait_timeout must be >= 0", prefix)
	}
	if db.PingInterval < 0 {
		return fmt.Errorf("%s.ping_interval must be >= 0", prefix)
	}
	return nil
}

func requireRelational(names map[string]string, field, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", field)
	}
	driver, ok := names[name]
	if !ok {
		return fmt.Errorf("%s %q does not name a configured database", field, name)
	}
	if driver == DriverMongoDB {
		return fmt.Errorf("%s %q must be a relational database", field, name)
	}
	return nil
}
