package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
	"github.com/rickgao/sockethub/internal/metrics"
)

// ErrorReporter receives database failures for persistence.
type ErrorReporter func(kind string, details any)

// Manager owns every named database handle of the process.
type Manager struct {
	bus     *broadcast.Bus
	logger  *slog.Logger
	metrics metrics.Collector
	report  ErrorReporter
	dialers map[string]Dialer

	mu      sync.RWMutex
	handles map[string]Handle
	order   []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer overrides the dialer used for a relational driver.
func WithDialer(driver string, dial Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialers[driver] = dial
	}
}

// WithErrorReporter sets where handle errors and request errors are reported.
func WithErrorReporter(fn ErrorReporter) ManagerOption {
	return func(m *Manager) {
		m.report = fn
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the collector passed to relational handles.
func WithMetrics(c metrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = c
	}
}

// NewManager creates a manager relaying handle events onto bus.
func NewManager(bus *broadcast.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:     bus,
		logger:  slog.Default(),
		metrics: metrics.Noop(),
		dialers: map[string]Dialer{
			config.DriverPostgres: DialPostgres,
			config.DriverSQLite:   DialSQLite,
		},
		handles: make(map[string]Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Create registers a new unconnected handle for cfg.
func (m *Manager) Create(cfg config.DBConfig) (Handle, error) {
	if cfg.Name == "" {
		return nil, ErrMissingName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handles[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}

	var h Handle
	switch cfg.Driver {
	case config.DriverMongoDB:
		h = NewDocument(cfg, m.logger)
	default:
		dial, ok := m.dialers[cfg.Driver]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
		}
		h = NewRelational(cfg, dial, m.logger, m.metrics)
	}

	m.subscribe(h)
	m.handles[cfg.Name] = h
	m.order = append(m.order, cfg.Name)

	m.logger.Debug("database handle created", "name", cfg.Name, "driver", cfg.Driver)
	return h, nil
}

func (m *Manager) subscribe(h Handle) {
	events := h.Events()
	name := h.Name()

	events.On(broadcast.EventConnectionEstablished, m, func(args ...any) error {
		m.logger.Info("database connection established", "name", name)
		if m.bus != nil {
			m.bus.Call(broadcast.EventDatabaseConnectionEstablished, h)
		}
		return nil
	})

	events.On(broadcast.EventError, m, func(args ...any) error {
		err, _ := broadcast.Arg[error](args, 0)
		m.logger.Error("database error", "name", name, "error", err)
		m.reportError("database", map[string]any{
			"connection": name,
			"error":      errString(err),
		})
		return nil
	})

	events.On(broadcast.EventRequestError, m, func(args ...any) error {
		sql, _ := broadcast.Arg[string](args, 0)
		params, _ := broadcast.Arg[[]any](args, 1)
		err, _ := broadcast.Arg[error](args, 2)
		m.logger.Error("query failed",
			"name", name,
			"sql", sql,
			"error", err,
		)
		m.reportError("query", map[string]any{
			"connection": name,
			"sql":        sql,
			"params":     params,
			"error":      errString(err),
		})
		return nil
	})
}

func (m *Manager) reportError(kind string, details any) {
	if m.report != nil {
		m.report(kind, details)
	}
}

// Get returns the handle called name.
func (m *Manager) Get(name string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	return h, nil
}

// Relational returns the relational handle called name.
func (m *Manager) Relational(name string) (*Relational, error) {
	h, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	r, ok := h.(*Relational)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, name, h.Kind())
	}
	return r, nil
}

// Document returns the document handle called name.
func (m *Manager) Document(name string) (*Document, error) {
	h, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	d, ok := h.(*Document)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, name, h.Kind())
	}
	return d, nil
}

// Names returns handle names in creation order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// ConnectAll connects every handle in creation order. A failing handle does
// not stop the others; all failures are joined.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		h, err := m.Get(name)
		if err != nil {
			continue
		}
		if err := h.Connect(ctx); err != nil {
			m.logger.Error("database connect failed", "name", name, "error", err)
			m.reportError("database", map[string]any{
				"connection": name,
				"error":      err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every handle and forgets them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.order))
	for _, name := range m.order {
		handles = append(handles, m.handles[name])
	}
	m.handles = make(map[string]Handle)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		h.Events().OffOwner(m)
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
