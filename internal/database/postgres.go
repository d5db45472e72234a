package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/sockethub/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode credentials to handle special characters
	escapedUser := url.QueryEscape(cfg.User)
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		escapedUser,
		escapedPassword,
		cfg.Host,
		port,
		cfg.Database,
		sslMode,
	)
}

// DialPostgres opens a single pgx connection.
func DialPostgres(ctx context.Context, cfg config.DBConfig) (Conn, error) {
	connCfg, err := pgx.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &pgConn{
		conn: conn,
		lost: make(chan error, 1),
	}, nil
}

// pgConn adapts *pgx.Conn, which is not safe for concurrent use.
type pgConn struct {
	mu   sync.Mutex
	conn *pgx.Conn

	lost     chan error
	lostOnce sync.Once
}

func (c *pgConn) Query(ctx context.Context, sql string, args []any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.conn.Query(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &Result{
		Tabular: len(fields) > 0,
		Columns: make([]string, len(fields)),
	}
	for i, fd := range fields {
		res.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, c.classify(err)
		}
		row := make(Row, len(values))
		for i, v := range values {
			row[res.Columns[i]] = v
		}
		res.Rows = append(res.Rows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}

	tag := rows.CommandTag()
	res.AffectedRows = tag.RowsAffected()
	if res.Tabular && int64(len(res.Rows)) > res.AffectedRows {
		res.AffectedRows = int64(len(res.Rows))
	}

	// INSERT ... RETURNING id
	if tag.Insert() && len(res.Rows) > 0 {
		if id, ok := toInt64(res.Rows[len(res.Rows)-1][res.Columns[0]]); ok {
			res.LastInsertID = id
			res.InsertIDKnown = true
		}
	}

	return res, nil
}

func (c *pgConn) SelectSchema(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{name}.Sanitize()); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *pgConn) SetSessionTimeout(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt := fmt.Sprintf("SET idle_session_timeout = %d", timeout.Milliseconds())
	if _, err := c.conn.Exec(ctx, stmt); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *pgConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.Ping(ctx); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *pgConn) Lost() <-chan error {
	return c.lost
}

func (c *pgConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close(ctx)
}

// classify wraps errors that leave the connection unusable and signals Lost.
func (c *pgConn) classify(err error) error {
	if !c.conn.IsClosed() && !isNetworkError(err) {
		return err
	}

	lost := lostError(err)
	c.lostOnce.Do(func() {
		c.lost <- lost
	})
	return lost
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Rebind rewrites ? placeholders to PostgreSQL's $1, $2, ... outside of
// quoted strings and identifiers.
func Rebind(sql string) string {
	if !strings.Contains(sql, "?") {
		return sql
	}

	var b strings.Builder
	b.Grow(len(sql) + 8)

	n := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			b.WriteByte(ch)
		case ch == '\'' || ch == '"':
			quote = ch
			b.WriteByte(ch)
		case ch == '?':
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	default:
		return 0, false
	}
}
