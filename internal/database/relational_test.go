package database

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
)

func newTestRelational(t *testing.T, d *fakeDialer) *Relational {
	t.Helper()
	cfg := config.DBConfig{
		Name:        "main",
		Driver:      config.DriverSQLite,
		Schema:      "app",
		WaitTimeout: time.Minute,
	}
	h := NewRelational(cfg, d.Dial, nil, nil)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func TestRelational_ConnectBroadcastsEstablished(t *testing.T) {
	d := &fakeDialer{}
	h := newTestRelational(t, d)

	var got []any
	h.Events().On(broadcast.EventConnectionEstablished, nil, func(args ...any) error {
		got = args
		return nil
	})

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if len(got) != 1 || got[0] != h {
		t.Errorf("established args = %v, want [handle]", got)
	}
	c := d.conn(0)
	if c.schema != "app" {
		t.Errorf("schema = %q, want app", c.schema)
	}
	// Session timeout failure is not fatal.
	if c.timeout != time.Minute {
		t.Errorf("timeout = %v, want 1m", c.timeout)
	}
}

func TestRelational_ConnectFailureDoesNotBroadcast(t *testing.T) {
	d := &fakeDialer{fail: errors.New("refused")}
	h := newTestRelational(t, d)

	called := false
	h.Events().On(broadcast.EventConnectionEstablished, nil, func(args ...any) error {
		called = true
		return nil
	})

	if err := h.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail")
	}
	if called {
		t.Error("Connection Established broadcast after failed connect")
	}

	_, err := h.Query(context.Background(), "SELECT 1", nil, FormatNone, SkipError())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Query error = %v, want ErrNotConnected", err)
	}
}

func TestRelational_ConnectReplacesConnection(t *testing.T) {
	d := &fakeDialer{}
	h := newTestRelational(t, d)
	ctx := context.Background()

	if err := h.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	if !d.conn(0).isClosed() {
		t.Error("old connection not closed")
	}
	if h.Conn() != Conn(d.conn(1)) {
		t.Error("new connection not installed")
	}
}

func TestRelational_QueryFormats(t *testing.T) {
	d := &fakeDialer{
		queryFn: func(sql string, args []any) (*Result, error) {
			if sql == "SELECT id FROM empty" {
				return rowsOf("id"), nil
			}
			return rowsOf("id", 1, 2), nil
		},
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got, err := h.Query(ctx, "SELECT id FROM t", nil, FormatList("id"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !reflect.DeepEqual(got, []any{1, 2}) {
		t.Errorf("list = %v, want [1 2]", got)
	}

	got, err = h.Query(ctx, "SELECT id FROM empty", nil, FormatList("id"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !reflect.DeepEqual(got, []any{}) {
		t.Errorf("empty list = %#v, want []", got)
	}

	got, err = h.Query(ctx, "SELECT id FROM empty", nil, FormatOneValue("id"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != nil {
		t.Errorf("empty one value = %v, want nil", got)
	}
}

func TestRelational_LastInsertAndAffected(t *testing.T) {
	d := &fakeDialer{
		queryFn: func(sql string, args []any) (*Result, error) {
			if sql == "UPDATE" {
				return &Result{AffectedRows: 4}, nil
			}
			return &Result{AffectedRows: 1, LastInsertID: 42, InsertIDKnown: true}, nil
		},
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	h.Connect(ctx)

	id, err := h.Query(ctx, "INSERT", nil, FormatLastInsertID())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if id != int64(42) {
		t.Errorf("insert id = %v, want 42", id)
	}

	if _, err := h.Query(ctx, "UPDATE", nil, FormatNone); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if h.LastInsertID() != 42 {
		t.Errorf("LastInsertID() = %d, want 42 kept from insert", h.LastInsertID())
	}
	if h.LastAffectedRows() != 4 {
		t.Errorf("LastAffectedRows() = %d, want 4", h.LastAffectedRows())
	}
}

func TestRelational_RequestError(t *testing.T) {
	queryErr := errors.New("syntax error")
	d := &fakeDialer{
		queryFn: func(sql string, args []any) (*Result, error) {
			return nil, queryErr
		},
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	h.Connect(ctx)

	var events [][]any
	h.Events().On(broadcast.EventRequestError, nil, func(args ...any) error {
		events = append(events, args)
		return nil
	})

	_, err := h.Query(ctx, "SELEC 1", []any{7}, FormatNone)
	if !errors.Is(err, queryErr) {
		t.Fatalf("Query error = %v, want %v", err, queryErr)
	}
	if len(events) != 1 {
		t.Fatalf("Request Error broadcasts = %d, want 1", len(events))
	}
	if events[0][0] != "SELEC 1" || !reflect.DeepEqual(events[0][1], []any{7}) || events[0][2] != queryErr {
		t.Errorf("Request Error args = %v", events[0])
	}

	_, err = h.Query(ctx, "SELEC 1", nil, FormatNone, SkipError())
	if !errors.Is(err, queryErr) {
		t.Errorf("suppressed Query error = %v, want %v", err, queryErr)
	}
	if len(events) != 1 {
		t.Errorf("Request Error broadcasts = %d after SkipError, want 1", len(events))
	}
}

func TestRelational_WithConn(t *testing.T) {
	d := &fakeDialer{}
	h := newTestRelational(t, d)
	h.Connect(context.Background())

	other := newFakeConn(func(sql string, args []any) (*Result, error) {
		return rowsOf("v", "other"), nil
	})

	got, err := h.Query(context.Background(), "SELECT v", nil, FormatOneValue("v"), WithConn(other))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != "other" {
		t.Errorf("value = %v, want other", got)
	}
}

func TestRelational_QueriesSequentialOrder(t *testing.T) {
	var mu sync.Mutex
	var executed []string

	d := &fakeDialer{
		queryFn: func(sql string, args []any) (*Result, error) {
			if sql == "q2" {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			executed = append(executed, sql)
			mu.Unlock()
			return rowsOf("r", "r"+sql[1:]), nil
		},
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	h.Connect(ctx)

	stmts := []Statement{
		{SQL: "q1", Format: FormatOneValue("r")},
		{SQL: "q2", Format: FormatOneValue("r")},
		{SQL: "q3", Format: FormatOneValue("r")},
	}

	results, err := h.Queries(ctx, stmts, false)
	if err != nil {
		t.Fatalf("Queries: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"r1", "r2", "r3"}) {
		t.Errorf("results = %v, want [r1 r2 r3]", results)
	}
	if !reflect.DeepEqual(executed, []string{"q1", "q2", "q3"}) {
		t.Errorf("executed = %v, want [q1 q2 q3]", executed)
	}
}

func TestRelational_QueriesParallel(t *testing.T) {
	d := &fakeDialer{
		queryFn: func(sql string, args []any) (*Result, error) {
			switch sql {
			case "q1":
				time.Sleep(20 * time.Millisecond)
			case "bad":
				return nil, errors.New("boom")
			}
			return rowsOf("r", sql), nil
		},
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	h.Connect(ctx)

	results, err := h.Queries(ctx, []Statement{
		{SQL: "q1", Format: FormatOneValue("r")},
		{SQL: "q2", Format: FormatOneValue("r")},
	}, true)
	if err != nil {
		t.Fatalf("Queries: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"q1", "q2"}) {
		t.Errorf("results = %v, want input order", results)
	}

	_, err = h.Queries(ctx, []Statement{
		{SQL: "q2"},
		{SQL: "bad", Options: []QueryOption{SkipError()}},
	}, true)
	if err == nil {
		t.Error("expected error from failing statement")
	}
}

func TestRelational_QueriesParallelSiblingsComplete(t *testing.T) {
	var executed atomic.Int32
	d := &fakeDialer{
		queryCtxFn: func(ctx context.Context, sql string, args []any) (*Result, error) {
			if sql == "bad" {
				return nil, errors.New("syntax error")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(30 * time.Millisecond):
			}
			executed.Add(1)
			return rowsOf("r", sql), nil
		},
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var requestErrs []error
	h.Events().On(broadcast.EventRequestError, nil, func(args ...any) error {
		err, _ := broadcast.Arg[error](args, 2)
		mu.Lock()
		requestErrs = append(requestErrs, err)
		mu.Unlock()
		return nil
	})

	var stmts []Statement
	for _, sql := range []string{"s1", "s2", "bad", "s3", "s4"} {
		stmts = append(stmts, Statement{SQL: sql})
	}

	_, err := h.Queries(ctx, stmts, true)
	if err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("Queries error = %v, want syntax error", err)
	}
	if n := executed.Load(); n != 4 {
		t.Errorf("executed = %d, want every sibling to run", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requestErrs) != 1 {
		t.Errorf("Request Error broadcasts = %v, want exactly one", requestErrs)
	}
}

func TestRelational_QueryLostConnection(t *testing.T) {
	d := &fakeDialer{}
	d.queryFn = func(sql string, args []any) (*Result, error) {
		return nil, d.conn(0).signalLost(errors.New("unexpected EOF"))
	}
	h := newTestRelational(t, d)
	ctx := context.Background()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var requestErrs, lostErrs int
	h.Events().On(broadcast.EventRequestError, nil, func(args ...any) error {
		mu.Lock()
		requestErrs++
		mu.Unlock()
		return nil
	})
	h.Events().On(broadcast.EventError, nil, func(args ...any) error {
		mu.Lock()
		lostErrs++
		mu.Unlock()
		return nil
	})

	_, err := h.Query(ctx, "SELECT 1", nil, FormatNone)
	if !IsConnectionLost(err) || !strings.Contains(err.Error(), "unexpected EOF") {
		t.Fatalf("Query error = %v, want the lost connection error", err)
	}

	if !waitFor(func() bool { return d.dials.Load() == 2 }) {
		t.Fatalf("dials = %d, want 2", d.dials.Load())
	}
	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want exactly one reconnect", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if requestErrs != 1 {
		t.Errorf("Request Error broadcasts = %d, want 1", requestErrs)
	}
	if lostErrs != 1 {
		t.Errorf("Error broadcasts = %d, want 1", lostErrs)
	}
}

func TestRelational_PingDetectsIdleLoss(t *testing.T) {
	d := &fakeDialer{pingErr: errors.New("connection reset")}
	cfg := config.DBConfig{Name: "main", Driver: config.DriverSQLite, PingInterval: 10 * time.Millisecond}
	h := NewRelational(cfg, d.Dial, nil, nil)
	t.Cleanup(func() { h.Close(context.Background()) })

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if !waitFor(func() bool { return d.opened() == 2 }) {
		t.Fatalf("opened = %d, want a reconnect after a failed ping", d.opened())
	}
	if !waitFor(func() bool { return d.conn(1).pings.Load() > 0 }) {
		t.Error("replacement connection never pinged")
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 while the replacement stays healthy", n)
	}
}

func TestRelational_ReconnectOnceOnLost(t *testing.T) {
	d := &fakeDialer{}
	h := newTestRelational(t, d)
	ctx := context.Background()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var errs []error
	h.Events().On(broadcast.EventError, nil, func(args ...any) error {
		err, _ := broadcast.Arg[error](args, 0)
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		return nil
	})

	d.conn(0).lost <- lostError(errors.New("eof"))

	if !waitFor(func() bool { return d.dials.Load() == 2 }) {
		t.Fatalf("dials = %d, want 2", d.dials.Load())
	}
	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want exactly one reconnect", n)
	}

	if !d.conn(0).isClosed() {
		t.Error("lost connection not torn down")
	}
	if h.Conn() != Conn(d.conn(1)) {
		t.Error("replacement connection not installed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !IsConnectionLost(errs[0]) {
		t.Errorf("Error broadcasts = %v, want one connection lost", errs)
	}
}

func TestRelational_NoReconnectAfterClose(t *testing.T) {
	d := &fakeDialer{}
	h := newTestRelational(t, d)
	ctx := context.Background()
	h.Connect(ctx)

	first := d.conn(0)
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	first.lost <- lostError(errors.New("eof"))

	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d after Close, want 1", n)
	}
}
