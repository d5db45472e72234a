package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
	"github.com/rickgao/sockethub/internal/metrics"
)

// QueryOption adjusts a single Query call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	skipError bool
	conn      Conn
}

// SkipError suppresses the Request Error broadcast for a failed query.
// The error is still returned to the caller.
func SkipError() QueryOption {
	return func(o *queryOptions) {
		o.skipError = true
	}
}

// WithConn runs the query against conn instead of the handle's own connection.
func WithConn(conn Conn) QueryOption {
	return func(o *queryOptions) {
		o.conn = conn
	}
}

// Statement is one entry of a Queries batch.
type Statement struct {
	SQL     string
	Args    []any
	Format  Format
	Options []QueryOption
}

// Relational is a handle over a single SQL connection that reconnects
// whenever the driver reports the connection lost.
type Relational struct {
	name    string
	cfg     config.DBConfig
	dial    Dialer
	bus     *broadcast.Bus
	logger  *slog.Logger
	metrics metrics.Collector

	// connectMu serializes Connect and automatic reconnects.
	connectMu sync.Mutex

	mu      sync.RWMutex
	conn    Conn
	stop    chan struct{}
	baseCtx context.Context
	closed  bool

	statsMu          sync.Mutex
	lastInsertID     int64
	lastAffectedRows int64
}

// NewRelational creates an unconnected handle. Call Connect before querying.
func NewRelational(cfg config.DBConfig, dial Dialer, logger *slog.Logger, m metrics.Collector) *Relational {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Noop()
	}
	logger = logger.With("database", cfg.Name)

	return &Relational{
		name:    cfg.Name,
		cfg:     cfg,
		dial:    dial,
		bus:     broadcast.New(broadcast.WithLogger(logger)),
		logger:  logger,
		metrics: m,
		baseCtx: context.Background(),
	}
}

func (h *Relational) Name() string { return h.name }

func (h *Relational) Kind() BackendKind { return KindRelational }

func (h *Relational) Events() *broadcast.Bus { return h.bus }

// Connect tears down the current connection, dials a new one and selects
// the configured schema. Connection Established is broadcast on success only.
func (h *Relational) Connect(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	h.baseCtx = context.WithoutCancel(ctx)
	h.closed = false
	h.mu.Unlock()

	return h.connectLocked(ctx)
}

// connectLocked requires connectMu.
func (h *Relational) connectLocked(ctx context.Context) error {
	h.teardown(ctx)

	conn, err := h.dial(ctx, h.cfg)
	if err != nil {
		return fmt.Errorf("connect %s: %w", h.name, err)
	}

	if err := conn.SelectSchema(ctx, h.cfg.Schema); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("select schema %q on %s: %w", h.cfg.Schema, h.name, err)
	}

	stop := make(chan struct{})
	h.mu.Lock()
	h.conn = conn
	h.stop = stop
	h.mu.Unlock()

	go h.watch(conn, stop)

	if h.cfg.WaitTimeout > 0 {
		if err := conn.SetSessionTimeout(ctx, h.cfg.WaitTimeout); err != nil {
			h.logger.Warn("failed to set session timeout",
				"timeout", h.cfg.WaitTimeout,
				"error", err,
			)
		}
	}

	h.logger.Debug("database connected")
	h.bus.Call(broadcast.EventConnectionEstablished, h)
	return nil
}

// teardown stops the watcher and closes the installed connection, if any.
func (h *Relational) teardown(ctx context.Context) {
	h.mu.Lock()
	old, stop := h.conn, h.stop
	h.conn, h.stop = nil, nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if old != nil {
		if err := old.Close(ctx); err != nil {
			h.logger.Debug("close previous connection", "error", err)
		}
	}
}

// watch waits for conn to be lost, pinging it while idle when the driver
// supports it, and reconnects once.
func (h *Relational) watch(conn Conn, stop <-chan struct{}) {
	lost := conn.Lost()
	if lost == nil {
		return
	}

	var tick <-chan time.Time
	pinger, canPing := conn.(Pinger)
	if canPing && h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PingInterval)
			if err := pinger.Ping(ctx); err != nil {
				h.logger.Debug("database ping failed", "error", err)
			}
			cancel()
		case err := <-lost:
			h.logger.Warn("database connection lost", "error", err)
			h.bus.Call(broadcast.EventError, err)
			h.reconnect(conn)
			return
		}
	}
}

// reconnect replaces lostConn unless it was already replaced or the handle closed.
func (h *Relational) reconnect(lostConn Conn) {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.RLock()
	current, ctx, closed := h.conn, h.baseCtx, h.closed
	h.mu.RUnlock()

	if closed || current != lostConn {
		return
	}

	h.metrics.Reconnected(h.name)
	if err := h.connectLocked(ctx); err != nil {
		h.logger.Error("reconnect failed", "error", err)
		h.bus.Call(broadcast.EventError, err)
	}
}

// Query runs one statement and shapes the result with format.
func (h *Relational) Query(ctx context.Context, sql string, args []any, format Format, opts ...QueryOption) (any, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	conn := o.conn
	if conn == nil {
		conn = h.Conn()
	}
	if conn == nil {
		return nil, h.fail(sql, args, ErrNotConnected, o)
	}

	res, err := conn.Query(ctx, sql, args)
	if err != nil {
		return nil, h.fail(sql, args, err, o)
	}

	h.statsMu.Lock()
	if res.InsertIDKnown {
		h.lastInsertID = res.LastInsertID
	}
	h.lastAffectedRows = res.AffectedRows
	h.statsMu.Unlock()

	return format.Apply(res), nil
}

func (h *Relational) fail(sql string, args []any, err error, o queryOptions) error {
	h.metrics.QueryFailed(h.name)
	if !o.skipError {
		h.bus.Call(broadcast.EventRequestError, sql, args, err)
	}
	return fmt.Errorf("query %s: %w", h.name, err)
}

// Queries runs a batch. In parallel mode every statement is issued at once
// and runs to completion; the first error is returned once all settle.
// Otherwise each statement waits for the previous one. Results are in input
// order either way.
func (h *Relational) Queries(ctx context.Context, stmts []Statement, parallel bool) ([]any, error) {
	results := make([]any, len(stmts))

	if !parallel {
		for i, st := range stmts {
			res, err := h.Query(ctx, st.SQL, st.Args, st.Format, st.Options...)
			if err != nil {
				return nil, err
			}
			results[i] = res
		}
		return results, nil
	}

	var g errgroup.Group
	for i, st := range stmts {
		g.Go(func() error {
			res, err := h.Query(ctx, st.SQL, st.Args, st.Format, st.Options...)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// LastInsertID returns the insert id reported by the most recent query.
// Only meaningful when no other query is in flight on this handle.
func (h *Relational) LastInsertID() int64 {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.lastInsertID
}

// LastAffectedRows returns the row count reported by the most recent query.
func (h *Relational) LastAffectedRows() int64 {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.lastAffectedRows
}

// Conn returns the installed connection, or nil when disconnected.
func (h *Relational) Conn() Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn
}

// Close disconnects and disables automatic reconnects until the next Connect.
func (h *Relational) Close(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	h.closed = true
	conn, stop := h.conn, h.stop
	h.conn, h.stop = nil, nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}
