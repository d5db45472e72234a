package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/rickgao/sockethub/internal/config"
)

// DialSQLite opens the sqlite file at cfg.Path (":memory:" when empty) and
// pins a single connection so session state survives between statements.
func DialSQLite(ctx context.Context, cfg config.DBConfig) (Conn, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	return &sqliteConn{
		db:   db,
		conn: conn,
		lost: make(chan error, 1),
	}, nil
}

type sqliteConn struct {
	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn

	lost     chan error
	lostOnce sync.Once
}

func (c *sqliteConn) Query(ctx context.Context, query string, args []any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !returnsRows(query) {
		r, err := c.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, c.classify(err)
		}
		res := &Result{}
		if n, err := r.RowsAffected(); err == nil {
			res.AffectedRows = n
		}
		if id, err := r.LastInsertId(); err == nil && res.AffectedRows > 0 && isInsert(query) {
			res.LastInsertID = id
			res.InsertIDKnown = true
		}
		return res, nil
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, c.classify(err)
	}

	res := &Result{Columns: cols, Tabular: true}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, c.classify(err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}

	res.AffectedRows = int64(len(res.Rows))
	return res, nil
}

// SelectSchema accepts only the main database.
func (c *sqliteConn) SelectSchema(_ context.Context, name string) error {
	if name == "" || name == "main" {
		return nil
	}
	return fmt.Errorf("sqlite schema %q: %w", name, ErrNotImplemented)
}

// SetSessionTimeout maps the idle timeout onto sqlite's lock wait.
func (c *sqliteConn) SetSessionTimeout(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt := fmt.Sprintf("PRAGMA busy_timeout = %d", timeout.Milliseconds())
	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *sqliteConn) Lost() <-chan error {
	return c.lost
}

func (c *sqliteConn) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return errors.Join(c.conn.Close(), c.db.Close())
}

func (c *sqliteConn) classify(err error) error {
	if !errors.Is(err, driver.ErrBadConn) && !errors.Is(err, sql.ErrConnDone) {
		return err
	}

	lost := lostError(err)
	c.lostOnce.Do(func() {
		c.lost <- lost
	})
	return lost
}

// returnsRows guesses from the leading keyword whether a statement yields a
// result set. A RETURNING clause outside comments and quotes counts too.
func returnsRows(query string) bool {
	code := stripLiterals(query)
	switch leadingKeyword(code) {
	case "SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN":
		return true
	}
	for _, word := range strings.FieldsFunc(code, isWordBreak) {
		if strings.EqualFold(word, "RETURNING") {
			return true
		}
	}
	return false
}

func isInsert(query string) bool {
	kw := leadingKeyword(stripLiterals(query))
	return kw == "INSERT" || kw == "REPLACE"
}

func leadingKeyword(code string) string {
	code = strings.TrimLeft(code, " \t\r\n(")
	end := strings.IndexFunc(code, isWordBreak)
	if end < 0 {
		end = len(code)
	}
	return strings.ToUpper(code[:end])
}

func isWordBreak(r rune) bool {
	return !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

// stripLiterals blanks out comments and quoted strings or identifiers,
// leaving only the statement's own keywords.
func stripLiterals(query string) string {
	b := []byte(query)
	var quote byte
	for i := 0; i < len(b); i++ {
		ch := b[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			b[i] = ' '
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			b[i] = ' '
		case ch == '[':
			quote = ']'
			b[i] = ' '
		case ch == '-' && i+1 < len(b) && b[i+1] == '-':
			for i < len(b) && b[i] != '\n' {
				b[i] = ' '
				i++
			}
		case ch == '/' && i+1 < len(b) && b[i+1] == '*':
			end := len(b)
			if j := strings.Index(query[i+2:], "*/"); j >= 0 {
				end = i + 2 + j + 2
			}
			for ; i < end; i++ {
				b[i] = ' '
			}
			i--
		}
	}
	return string(b)
}
