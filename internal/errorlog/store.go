package errorlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
	"github.com/rickgao/sockethub/internal/database"
)

const writeTimeout = 5 * time.Second

// Querier runs statements against a relational handle.
type Querier interface {
	Query(ctx context.Context, sql string, args []any, format database.Format, opts ...database.QueryOption) (any, error)
}

// Memory is a snapshot of runtime memory at report time.
type Memory struct {
	Alloc      uint64 `json:"alloc"`
	HeapInuse  uint64 `json:"heap_inuse"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

// Record is the JSON stored in the data column.
type Record struct {
	Memory  Memory `json:"memory"`
	Details any    `json:"details"`
}

// Store writes error reports to the configured table. Reports made before a
// database is attached are dropped.
type Store struct {
	cfg    config.ErrorLogConfig
	logger *slog.Logger
	now    func() time.Time

	mu sync.RWMutex
	db Querier
}

// New creates a detached Store.
func New(cfg config.ErrorLogConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Enabled reports whether a connection is configured.
func (s *Store) Enabled() bool {
	return s.cfg.Connection != ""
}

// Activate attaches the store whenever the configured handle connects.
func (s *Store) Activate(bus *broadcast.Bus) {
	if !s.Enabled() {
		return
	}

	bus.On(broadcast.EventDatabaseConnectionEstablished, s, func(args ...any) error {
		h, ok := broadcast.Arg[database.Handle](args, 0)
		if !ok || h.Name() != s.cfg.Connection {
			return nil
		}
		db, ok := h.(Querier)
		if !ok || h.Kind() != database.KindRelational {
			return fmt.Errorf("error log connection %s is not relational", h.Name())
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return s.Attach(ctx, db)
	})
}

// Attach makes db the target table's database, creating the table if
// configured to.
func (s *Store) Attach(ctx context.Context, db Querier) error {
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()

	if !s.cfg.CreateTable {
		return nil
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		date TIMESTAMP NOT NULL,
		type VARCHAR(255) NOT NULL,
		data TEXT NOT NULL
	)`, s.cfg.Table)

	if _, err := db.Query(ctx, stmt, nil, database.FormatNone, database.SkipError()); err != nil {
		return fmt.Errorf("create error log table: %w", err)
	}
	return nil
}

// Report persists one error. Failures are logged, never reported again.
func (s *Store) Report(kind string, details any) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		return
	}

	data, err := json.Marshal(Record{
		Memory:  memorySnapshot(),
		Details: normalize(details),
	})
	if err != nil {
		s.logger.Warn("failed to encode error report", "type", kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	stmt := fmt.Sprintf("INSERT INTO %s (date, type, data) VALUES (?, ?, ?)", s.cfg.Table)
	args := []any{s.now().UTC(), kind, string(data)}

	if _, err := db.Query(ctx, stmt, args, database.FormatNone, database.SkipError()); err != nil {
		s.logger.Warn("failed to persist error report", "type", kind, "error", err)
	}
}

func memorySnapshot() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Memory{
		Alloc:      ms.Alloc,
		HeapInuse:  ms.HeapInuse,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

// normalize turns bare errors into their message; json drops them otherwise.
func normalize(details any) any {
	if err, ok := details.(error); ok {
		return err.Error()
	}
	return details
}
