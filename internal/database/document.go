package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
)

// mongo "NamespaceExists"
const codeNamespaceExists = 48

// Document is a handle over a MongoDB client. The driver pools and
// reconnects on its own; heartbeat failures are only broadcast as Error.
type Document struct {
	name   string
	cfg    config.DBConfig
	bus    *broadcast.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	client  *mongo.Client
	db      *mongo.Database
	onReady func(ctx context.Context) error
}

// NewDocument creates an unconnected document handle.
func NewDocument(cfg config.DBConfig, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("database", cfg.Name)

	return &Document{
		name:   cfg.Name,
		cfg:    cfg,
		bus:    broadcast.New(broadcast.WithLogger(logger)),
		logger: logger,
	}
}

func (d *Document) Name() string { return d.name }

func (d *Document) Kind() BackendKind { return KindDocument }

func (d *Document) Events() *broadcast.Bus { return d.bus }

// OnReady sets a continuation run after every successful Connect.
func (d *Document) OnReady(fn func(ctx context.Context) error) {
	d.mu.Lock()
	d.onReady = fn
	d.mu.Unlock()
}

// Connect replaces the client, pings the primary and broadcasts
// Connection Established.
func (d *Document) Connect(ctx context.Context) error {
	dbName, err := documentDatabaseName(d.cfg)
	if err != nil {
		return err
	}

	monitor := &event.ServerMonitor{
		ServerHeartbeatFailed: func(e *event.ServerHeartbeatFailedEvent) {
			d.logger.Warn("server heartbeat failed",
				"connection_id", e.ConnectionID,
				"error", e.Failure,
			)
			d.bus.Call(broadcast.EventError, e.Failure)
		},
	}

	opts := options.Client().
		ApplyURI(d.cfg.URI).
		SetServerMonitor(monitor)

	if err := d.disconnect(ctx); err != nil {
		d.logger.Debug("disconnect previous client", "error", err)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.name, err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return fmt.Errorf("ping %s: %w", d.name, err)
	}

	d.mu.Lock()
	d.client = client
	d.db = client.Database(dbName)
	onReady := d.onReady
	d.mu.Unlock()

	d.logger.Debug("database connected", "db", dbName)
	d.bus.Call(broadcast.EventConnectionEstablished, d)

	if onReady != nil {
		if err := onReady(ctx); err != nil {
			return fmt.Errorf("ready %s: %w", d.name, err)
		}
	}
	return nil
}

// Query is not supported on document handles.
func (d *Document) Query(context.Context, string, []any, Format, ...QueryOption) (any, error) {
	return nil, ErrNotImplemented
}

// Database returns the driver database, or nil when disconnected.
func (d *Document) Database() *mongo.Database {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// ActivateModel creates collection name with a $jsonSchema validator.
// An existing collection is left as is.
func (d *Document) ActivateModel(ctx context.Context, name string, schema map[string]any) error {
	db := d.Database()
	if db == nil {
		return ErrNotConnected
	}

	opts := options.CreateCollection()
	if len(schema) > 0 {
		opts.SetValidator(bson.M{"$jsonSchema": schema})
	}

	err := db.CreateCollection(ctx, name, opts)
	if err == nil {
		d.logger.Debug("collection created", "collection", name)
		return nil
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists {
		return nil
	}
	return fmt.Errorf("create collection %s: %w", name, err)
}

func (d *Document) Close(ctx context.Context) error {
	return d.disconnect(ctx)
}

func (d *Document) disconnect(ctx context.Context) error {
	d.mu.Lock()
	client := d.client
	d.client, d.db = nil, nil
	d.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}

// documentDatabaseName prefers cfg.Database and falls back to the URI path.
// The URI is split by hand because seed lists are not valid URL hosts.
func documentDatabaseName(cfg config.DBConfig) (string, error) {
	if cfg.Database != "" {
		return cfg.Database, nil
	}

	rest := cfg.URI
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}

	var name string
	if i := strings.Index(rest, "/"); i >= 0 {
		name = rest[i+1:]
	}
	if name == "" {
		return "", fmt.Errorf("mongodb uri %q names no database", cfg.URI)
	}
	return name, nil
}
