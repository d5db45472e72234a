package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/sockethub/internal/database"
)

// Querier runs statements against a relational handle.
type Querier interface {
	Query(ctx context.Context, sql string, args []any, format database.Format, opts ...database.QueryOption) (any, error)
}

// SQLStore keeps sessions in a table with columns sid, expires (unix
// seconds, 0 for none) and data (JSON).
type SQLStore struct {
	db    Querier
	table string
	now   func() time.Time
}

// NewSQLStore creates a store over table. The name must already be a valid
// identifier.
func NewSQLStore(db Querier, table string) *SQLStore {
	return &SQLStore{
		db:    db,
		table: table,
		now:   time.Now,
	}
}

// CreateTable creates the session table if it does not exist.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		sid VARCHAR(128) NOT NULL PRIMARY KEY,
		expires BIGINT NOT NULL,
		data TEXT
	)`, s.table)

	if _, err := s.db.Query(ctx, stmt, nil, database.FormatNone, database.SkipError()); err != nil {
		return fmt.Errorf("create session table: %w", err)
	}
	return nil
}

// Set inserts or replaces sess.
func (s *SQLStore) Set(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var expires int64
	if !sess.Expires.IsZero() {
		expires = sess.Expires.Unix()
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (sid, expires, data) VALUES (?, ?, ?)
		ON CONFLICT (sid) DO UPDATE SET expires = excluded.expires, data = excluded.data`, s.table)

	if _, err := s.db.Query(ctx, stmt, []any{sess.ID, expires, string(data)}, database.FormatNone); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get loads the live session for id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	stmt := fmt.Sprintf("SELECT sid, expires, data FROM %s WHERE sid = ?", s.table)

	res, err := s.db.Query(ctx, stmt, []any{id}, database.FormatOne())
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	row, ok := res.(database.Row)
	if !ok {
		return nil, ErrNotFound
	}

	sess := &Session{ID: id}
	if exp := asInt64(row["expires"]); exp > 0 {
		sess.Expires = time.Unix(exp, 0)
	}
	if sess.Expired(s.now()) {
		return nil, ErrExpired
	}

	if raw := asString(row["data"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Data); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
	}
	return sess, nil
}

// Delete removes id.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE sid = ?", s.table)
	if _, err := s.db.Query(ctx, stmt, []any{id}, database.FormatNone); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ClearExpired deletes every expired session and returns how many went.
func (s *SQLStore) ClearExpired(ctx context.Context) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE expires > 0 AND expires <= ?", s.table)
	res, err := s.db.Query(ctx, stmt, []any{s.now().Unix()}, database.FormatAffectedRows())
	if err != nil {
		return 0, fmt.Errorf("clear expired sessions: %w", err)
	}
	n, _ := res.(int64)
	return n, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
