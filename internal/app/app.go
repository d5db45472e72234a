package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
	"github.com/rickgao/sockethub/internal/connection"
	"github.com/rickgao/sockethub/internal/database"
	"github.com/rickgao/sockethub/internal/errorlog"
	"github.com/rickgao/sockethub/internal/httpserver"
	"github.com/rickgao/sockethub/internal/metrics"
	"github.com/rickgao/sockethub/internal/service"
	"github.com/rickgao/sockethub/internal/session"
)

// sessionSweepInterval is how often expired SQL sessions are deleted.
const sessionSweepInterval = 15 * time.Minute

// Hook runs at a fixed point of startup.
type Hook func(ctx context.Context, a *App) error

// Option configures an App.
type Option func(*App)

// WithServices adds services registered during startup, in order.
func WithServices(svcs ...*service.Service) Option {
	return func(a *App) {
		a.services = append(a.services, svcs...)
	}
}

// WithPrepare sets the hook run before anything else starts.
func WithPrepare(h Hook) Option {
	return func(a *App) {
		a.prepare = h
	}
}

// WithReady sets the hook run once startup completes.
func WithReady(h Hook) Option {
	return func(a *App) {
		a.ready = h
	}
}

// WithDialer overrides the dialer for a relational driver.
func WithDialer(driver string, dial database.Dialer) Option {
	return func(a *App) {
		a.dbOpts = append(a.dbOpts, database.WithDialer(driver, dial))
	}
}

// WithPrometheusRegistry sets the registry metrics are registered with.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.promRegistry = reg
	}
}

// App is one running sockethub instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus        *broadcast.Bus
	Registry   *connection.Registry
	Databases  *database.Manager
	Dispatcher *service.Dispatcher
	HTTP       *httpserver.Server // nil when http.auto_start is false
	ErrorLog   *errorlog.Store

	metrics      metrics.Collector
	promRegistry *prometheus.Registry
	services     []*service.Service
	dbOpts       []database.ManagerOption
	prepare      Hook
	ready        Hook

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs every component without starting anything.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Noop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Metrics.Enabled {
		if a.promRegistry == nil {
			a.promRegistry = prometheus.NewRegistry()
		}
		p, err := metrics.NewPrometheus(a.promRegistry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.metrics = p
	}

	a.ErrorLog = errorlog.New(cfg.Logs.Errors, logger)

	a.Bus = broadcast.New(
		broadcast.WithLogger(logger),
		broadcast.WithErrorHandler(func(event string, err error) {
			a.metrics.HandlerFailed(event)
			a.ErrorLog.Report("event", map[string]any{
				"event": event,
				"error": err.Error(),
			})
		}),
	)

	a.Registry = connection.NewRegistry(a.Bus, cfg.WebSocket, logger, a.metrics)

	dbOpts := append([]database.ManagerOption{
		database.WithLogger(logger),
		database.WithMetrics(a.metrics),
		database.WithErrorReporter(a.ErrorLog.Report),
	}, a.dbOpts...)
	a.Databases = database.NewManager(a.Bus, dbOpts...)

	return a, nil
}

// Start runs the startup sequence. The returned error is fatal; database
// connect failures are not.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if a.prepare != nil {
		if err := a.prepare(ctx, a); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
	}

	a.ErrorLog.Activate(a.Bus)

	for _, dbCfg := range a.cfg.Databases {
		if _, err := a.Databases.Create(dbCfg); err != nil {
			return fmt.Errorf("create database %s: %w", dbCfg.Name, err)
		}
	}

	if err := a.Databases.ConnectAll(ctx); err != nil {
		a.logger.Warn("some databases failed to connect", "error", err)
	}

	dispatcherOpts := []service.Option{
		service.WithLogger(a.logger),
		service.WithMetrics(a.metrics),
		service.WithErrorReporter(a.ErrorLog.Report),
	}
	if doc := a.firstDocument(); doc != nil {
		dispatcherOpts = append(dispatcherOpts, service.WithModelActivator(doc))
	}

	var lookup *session.Lookup
	if a.cfg.HTTP.Enabled() {
		a.HTTP = httpserver.New(a.cfg.HTTP, a.logger)
		a.Bus.Call(broadcast.EventBeforeHTTPRoutes, a.HTTP.Router())

		var err error
		lookup, err = a.sessionLookup(runCtx)
		if err != nil {
			return err
		}
		dispatcherOpts = append(dispatcherOpts, service.WithRouter(a.HTTP))
	}

	a.Dispatcher = service.NewDispatcher(a.Bus, a.Registry, dispatcherOpts...)

	system := a.System()
	if a.HTTP == nil {
		system.Routes = nil
	}
	for _, svc := range append([]*service.Service{system}, a.services...) {
		if err := a.Dispatcher.Register(ctx, svc); err != nil {
			return err
		}
	}

	if a.HTTP != nil {
		if a.cfg.WebSocket.Enabled {
			var sessions connection.SessionLookup
			if lookup != nil {
				sessions = lookup
			}
			a.HTTP.MountWebSocket(a.cfg.WebSocket.Path, connection.NewServer(a.Registry, a.cfg.WebSocket, sessions, a.logger))
		}
		a.HTTP.MountHealth(a.health)
		if a.promRegistry != nil && a.cfg.Metrics.Enabled {
			a.HTTP.MountMetrics(a.cfg.Metrics.Path, a.promRegistry)
		}
		a.HTTP.MountStatic()

		if err := a.HTTP.Start(); err != nil {
			return err
		}
	}

	if a.ready != nil {
		if err := a.ready(ctx, a); err != nil {
			return fmt.Errorf("ready: %w", err)
		}
	}

	a.logger.Info("sockethub started",
		"instance_id", a.cfg.Instance.ID,
		"databases", len(a.cfg.Databases),
		"services", len(a.services),
	)
	return nil
}

// Run starts the app, blocks until ctx is done, then stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// Stop shuts down HTTP, closes every client connection and every database.
func (a *App) Stop(ctx context.Context) error {
	a.logger.Info("shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if a.HTTP != nil {
		if err := a.HTTP.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}

	a.Registry.CloseAll()
	a.wg.Wait()

	if err := a.Databases.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("sockethub stopped")
	return errors.Join(errs...)
}

func (a *App) firstDocument() *database.Document {
	for _, name := range a.Databases.Names() {
		if doc, err := a.Databases.Document(name); err == nil {
			return doc
		}
	}
	return nil
}

// sessionLookup builds the handshake session resolver, or nil when
// sessions are disabled.
func (a *App) sessionLookup(ctx context.Context) (*session.Lookup, error) {
	cfg := a.cfg.Session
	if !cfg.Enabled {
		return nil, nil
	}

	var store session.Store
	switch cfg.Store {
	case config.SessionStoreSQL:
		db, err := a.Databases.Relational(cfg.Connection)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		sqlStore := session.NewSQLStore(db, cfg.Table)
		if cfg.CreateTable {
			if err := sqlStore.CreateTable(ctx); err != nil {
				a.logger.Error("failed to create session table", "error", err)
			}
		}
		a.sweepSessions(ctx, sqlStore)
		store = sqlStore
	default:
		store = session.NewMemoryStore()
	}

	return &session.Lookup{
		Store:      store,
		Secret:     cfg.Secret,
		CookieName: cfg.CookieName,
	}, nil
}

func (a *App) sweepSessions(ctx context.Context, store *session.SQLStore) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.ClearExpired(ctx)
				if err != nil {
					a.logger.Warn("failed to clear expired sessions", "error", err)
					continue
				}
				if n > 0 {
					a.logger.Debug("expired sessions cleared", "count", n)
				}
			}
		}
	}()
}

// health reports live connections and the state of every database handle.
func (a *App) health(context.Context) (map[string]any, bool) {
	healthy := true
	dbs := make(map[string]string)

	for _, name := range a.Databases.Names() {
		h, err := a.Databases.Get(name)
		if err != nil {
			continue
		}

		connected := false
		switch v := h.(type) {
		case *database.Relational:
			connected = v.Conn() != nil
		case *database.Document:
			connected = v.Database() != nil
		}

		if connected {
			dbs[name] = "connected"
		} else {
			dbs[name] = "disconnected"
			healthy = false
		}
	}

	return map[string]any{
		"connections": a.Registry.Len(),
		"databases":   dbs,
	}, healthy
}
