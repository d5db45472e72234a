package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
)

// Errors
var (
	ErrMissingName    = errors.New("database name is required")
	ErrDuplicateName  = errors.New("database connection already exists")
	ErrUnknownDriver  = errors.New("unknown database driver")
	ErrUnknownHandle  = errors.New("database connection does not exist")
	ErrWrongKind      = errors.New("database connection has a different backend kind")
	ErrNotConnected   = errors.New("database not connected")
	ErrConnectionLost = errors.New("database connection lost")
	ErrNotImplemented = errors.New("not implemented for this backend")
)

// IsConnectionLost reports whether err means the underlying connection is gone.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

func lostError(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// BackendKind is the family of a database handle.
type BackendKind string

const (
	KindRelational BackendKind = "relational"
	KindDocument   BackendKind = "document"
)

// Handle is one named, configured backend connection.
type Handle interface {
	Name() string
	Kind() BackendKind

	// Connect replaces any existing underlying connection with a new one.
	Connect(ctx context.Context) error

	// Events returns the handle-scoped event bus.
	Events() *broadcast.Bus

	Close(ctx context.Context) error
}

// Row is one result row keyed by column name.
type Row map[string]any

// Result is what a driver returns for one statement.
type Result struct {
	Columns []string
	Rows    []Row

	// Tabular is false for statements that return no result set.
	Tabular bool

	AffectedRows  int64
	LastInsertID  int64
	InsertIDKnown bool
}

// ExecResult is the raw result of a non-tabular statement.
type ExecResult struct {
	AffectedRows int64 `json:"affected_rows"`
	LastInsertID int64 `json:"last_insert_id"`
}

// Conn is a single live driver connection.
//
// Implementations serialize their own calls; statements use ? placeholders.
type Conn interface {
	Query(ctx context.Context, sql string, args []any) (*Result, error)

	// SelectSchema switches the connection to the configured schema.
	SelectSchema(ctx context.Context, name string) error

	// SetSessionTimeout configures how long the server keeps an idle session.
	SetSessionTimeout(ctx context.Context, timeout time.Duration) error

	// Lost delivers an error wrapping ErrConnectionLost when the connection
	// dies. A nil channel means the driver never reports loss.
	Lost() <-chan error

	Close(ctx context.Context) error
}

// Pinger is implemented by connections that can be checked while idle.
// A failed Ping on a dead connection signals Lost.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens a new Conn for cfg.
type Dialer func(ctx context.Context, cfg config.DBConfig) (Conn, error)
