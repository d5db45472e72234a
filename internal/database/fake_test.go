package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/sockethub/internal/config"
)

// fakeConn is an in-process Conn whose answers come from queryFn, or from
// queryCtxFn when set.
type fakeConn struct {
	queryFn    func(sql string, args []any) (*Result, error)
	queryCtxFn func(ctx context.Context, sql string, args []any) (*Result, error)
	pingErr    error
	pings      atomic.Int32

	mu      sync.Mutex
	schema  string
	timeout time.Duration
	closed  bool
	lost    chan error
}

func newFakeConn(queryFn func(sql string, args []any) (*Result, error)) *fakeConn {
	return &fakeConn{
		queryFn: queryFn,
		lost:    make(chan error, 1),
	}
}

func (c *fakeConn) Query(ctx context.Context, sql string, args []any) (*Result, error) {
	if c.queryCtxFn != nil {
		return c.queryCtxFn(ctx, sql, args)
	}
	if c.queryFn == nil {
		return &Result{}, nil
	}
	return c.queryFn(sql, args)
}

func (c *fakeConn) SelectSchema(_ context.Context, name string) error {
	c.mu.Lock()
	c.schema = name
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetSessionTimeout(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
	return errors.New("unsupported")
}

func (c *fakeConn) Lost() <-chan error { return c.lost }

// Ping fails with pingErr, reported as a lost connection.
func (c *fakeConn) Ping(context.Context) error {
	c.pings.Add(1)
	if c.pingErr == nil {
		return nil
	}
	return c.signalLost(c.pingErr)
}

// signalLost wraps err as a lost connection and signals Lost once.
func (c *fakeConn) signalLost(err error) error {
	lost := lostError(err)
	select {
	case c.lost <- lost:
	default:
	}
	return lost
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out a fresh fakeConn per dial and remembers them.
type fakeDialer struct {
	queryFn    func(sql string, args []any) (*Result, error)
	queryCtxFn func(ctx context.Context, sql string, args []any) (*Result, error)
	fail       error

	// pingErr applies to the first connection only.
	pingErr error

	dials atomic.Int32
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, config.DBConfig) (Conn, error) {
	d.dials.Add(1)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn(d.queryFn)
	c.queryCtxFn = d.queryCtxFn
	d.mu.Lock()
	if len(d.conns) == 0 {
		c.pingErr = d.pingErr
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// opened returns how many connections were dialed successfully.
func (d *fakeDialer) opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func rowsOf(column string, values ...any) *Result {
	res := &Result{Columns: []string{column}, Tabular: true}
	for _, v := range values {
		res.Rows = append(res.Rows, Row{column: v})
	}
	res.AffectedRows = int64(len(res.Rows))
	return res
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
