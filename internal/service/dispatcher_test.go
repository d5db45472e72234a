package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/connection"
)

type sent struct {
	id      string
	payload any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(rec *connection.Record, payload any) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{rec.ID, payload})
	f.mu.Unlock()
}

type fakeModels struct {
	name   string
	schema map[string]any
	err    error
}

func (f *fakeModels) ActivateModel(_ context.Context, name string, schema map[string]any) error {
	f.name, f.schema = name, schema
	return f.err
}

func deliver(bus *broadcast.Bus, payload any) *connection.Record {
	rec := &connection.Record{ID: "c1"}
	bus.Call(broadcast.EventClientDataReceived, rec, payload)
	return rec
}

func TestDispatcher_SharedActionKey(t *testing.T) {
	bus := broadcast.New()
	d := NewDispatcher(bus, &fakeSender{})

	var calls []string
	var values []any
	for _, name := range []string{"first", "second"} {
		err := d.Register(context.Background(), &Service{
			Name: name,
			Actions: map[string]ActionFunc{
				"ping": func(rec *connection.Record, value any, reply ReplyFunc, payload any) error {
					calls = append(calls, name)
					values = append(values, value)
					return nil
				},
			},
		})
		if err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	deliver(bus, map[string]any{"ping": float64(5)})

	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Errorf("calls = %v, want [first second]", calls)
	}
	if !reflect.DeepEqual(values, []any{float64(5), float64(5)}) {
		t.Errorf("values = %v, want [5 5]", values)
	}
}

func TestDispatcher_KeyOrderAndWildcard(t *testing.T) {
	bus := broadcast.New()
	d := NewDispatcher(bus, &fakeSender{})

	var calls []string
	record := func(tag string) ActionFunc {
		return func(rec *connection.Record, value any, reply ReplyFunc, payload any) error {
			calls = append(calls, tag)
			return nil
		}
	}

	var wildcardValue any
	err := d.Register(context.Background(), &Service{
		Name: "svc",
		Actions: map[string]ActionFunc{
			"b":    record("b"),
			"a":    record("a"),
			"c":    record("c"),
			"miss": record("miss"),
			Wildcard: func(rec *connection.Record, value any, reply ReplyFunc, payload any) error {
				calls = append(calls, Wildcard)
				wildcardValue = value
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	payload := map[string]any{"c": 1, "a": 2, "b": 3}
	deliver(bus, payload)

	if !reflect.DeepEqual(calls, []string{"a", "b", "c", Wildcard}) {
		t.Errorf("calls = %v, want [a b c *]", calls)
	}
	if !reflect.DeepEqual(wildcardValue, payload) {
		t.Errorf("wildcard value = %v, want full payload", wildcardValue)
	}

	calls = nil
	deliver(bus, "just text")
	if !reflect.DeepEqual(calls, []string{Wildcard}) {
		t.Errorf("calls for non-object = %v, want [*]", calls)
	}
}

func TestDispatcher_HandlerFailureIsolated(t *testing.T) {
	bus := broadcast.New()
	var reports []map[string]any
	d := NewDispatcher(bus, &fakeSender{}, WithErrorReporter(func(kind string, details any) {
		reports = append(reports, details.(map[string]any))
	}))

	var ran []string
	d.Register(context.Background(), &Service{
		Name: "svc",
		Actions: map[string]ActionFunc{
			"a": func(*connection.Record, any, ReplyFunc, any) error {
				panic("boom")
			},
			"b": func(*connection.Record, any, ReplyFunc, any) error {
				return errors.New("bad")
			},
			"c": func(*connection.Record, any, ReplyFunc, any) error {
				ran = append(ran, "c")
				return nil
			},
			Wildcard: func(*connection.Record, any, ReplyFunc, any) error {
				ran = append(ran, Wildcard)
				return nil
			},
		},
	})

	deliver(bus, map[string]any{"a": 1, "b": 1, "c": 1})

	if !reflect.DeepEqual(ran, []string{"c", Wildcard}) {
		t.Errorf("ran = %v, want [c *]", ran)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0]["key"] != "a" || !strings.Contains(reports[0]["error"].(string), "boom") {
		t.Errorf("first report = %v", reports[0])
	}
}

func TestDispatcher_Reply(t *testing.T) {
	bus := broadcast.New()
	sender := &fakeSender{}
	d := NewDispatcher(bus, sender)

	d.Register(context.Background(), &Service{
		Name: "svc",
		Actions: map[string]ActionFunc{
			"ping": func(rec *connection.Record, value any, reply ReplyFunc, payload any) error {
				reply(map[string]any{"pong": value})
				return nil
			},
		},
	})

	deliver(bus, map[string]any{"ping": "x"})

	want := []sent{{"c1", map[string]any{"pong": "x"}}}
	if !reflect.DeepEqual(sender.sent, want) {
		t.Errorf("sent = %v, want %v", sender.sent, want)
	}
}

func TestDispatcher_ActivationOrder(t *testing.T) {
	bus := broadcast.New()
	models := &fakeModels{}
	d := NewDispatcher(bus, &fakeSender{}, WithModelActivator(models))

	var order []string
	action := func(tag string) map[string]ActionFunc {
		return map[string]ActionFunc{
			"go": func(*connection.Record, any, ReplyFunc, any) error {
				order = append(order, tag)
				return nil
			},
		}
	}

	svc := &Service{
		Name:    "users",
		Model:   map[string]any{"bsonType": "object"},
		Actions: action("service action"),
		Libraries: []*Library{
			{
				Name:    "audit",
				Actions: action("library action"),
				Init: func(s *Service) error {
					order = append(order, "library init "+s.Name)
					return nil
				},
			},
		},
		Init: func(s *Service) error {
			order = append(order, "service init")
			return nil
		},
	}

	if err := d.Register(context.Background(), svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	deliver(bus, map[string]any{"go": true})

	want := []string{"service init", "library init users", "service action", "library action"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if models.name != "users" || models.schema["bsonType"] != "object" {
		t.Errorf("model activated as %q %v", models.name, models.schema)
	}
}

func TestDispatcher_RegisterErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		svc     *Service
		wantErr error
	}{
		{
			name:    "missing name",
			svc:     &Service{},
			wantErr: ErrMissingName,
		},
		{
			name:    "unnamed library",
			svc:     &Service{Name: "s", Libraries: []*Library{{}}},
			wantErr: ErrMissingLibraryName,
		},
		{
			name:    "model without activator",
			svc:     &Service{Name: "s", Model: map[string]any{"a": 1}},
			wantErr: ErrNoModelActivator,
		},
		{
			name:    "routes without router",
			svc:     &Service{Name: "s", Routes: map[string]RouteFunc{"/x": nil}},
			wantErr: ErrNoRouter,
		},
		{
			name:    "bad route method",
			opts:    []Option{WithRouter(chi.NewRouter())},
			svc:     &Service{Name: "s", Routes: map[string]RouteFunc{"head:/x": nil}},
			wantErr: ErrBadRoute,
		},
		{
			name:    "model activation fails",
			opts:    []Option{WithModelActivator(&fakeModels{err: errors.New("down")})},
			svc:     &Service{Name: "s", Model: map[string]any{"a": 1}},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(broadcast.New(), &fakeSender{}, tt.opts...)
			err := d.Register(context.Background(), tt.svc)
			if err == nil {
				t.Fatal("Register succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Register error = %v, want %v", err, tt.wantErr)
			}
			if len(d.Services()) != 0 {
				t.Errorf("Services() = %v after failed register", d.Services())
			}
		})
	}
}

func TestDispatcher_Duplicate(t *testing.T) {
	d := NewDispatcher(broadcast.New(), &fakeSender{})
	if err := d.Register(context.Background(), &Service{Name: "s"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(context.Background(), &Service{Name: "s"}); !errors.Is(err, ErrDuplicateService) {
		t.Errorf("second Register error = %v, want ErrDuplicateService", err)
	}
}

func TestDispatcher_InitFailureRollsBack(t *testing.T) {
	bus := broadcast.New()
	d := NewDispatcher(bus, &fakeSender{})

	err := d.Register(context.Background(), &Service{
		Name: "s",
		Actions: map[string]ActionFunc{
			"a": func(*connection.Record, any, ReplyFunc, any) error { return nil },
		},
		Events: map[string]broadcast.Handler{
			"Tick": func(...any) error { return nil },
		},
		Init: func(*Service) error { return errors.New("no") },
	})
	if err == nil {
		t.Fatal("Register succeeded, want init error")
	}

	if n := bus.Subscribers(broadcast.EventClientDataReceived); n != 0 {
		t.Errorf("action subscriptions left = %d", n)
	}
	if n := bus.Subscribers("Tick"); n != 0 {
		t.Errorf("event subscriptions left = %d", n)
	}
}

func TestDispatcher_UnregisterRemovesSubscriptions(t *testing.T) {
	bus := broadcast.New()
	d := NewDispatcher(bus, &fakeSender{})

	var got []string
	svc := &Service{
		Name: "s",
		Actions: map[string]ActionFunc{
			"a": func(*connection.Record, any, ReplyFunc, any) error {
				got = append(got, "action")
				return nil
			},
		},
		Events: map[string]broadcast.Handler{
			"Tick": func(...any) error {
				got = append(got, "tick")
				return nil
			},
		},
		Libraries: []*Library{{
			Name: "lib",
			Events: map[string]broadcast.Handler{
				"Tock": func(...any) error {
					got = append(got, "tock")
					return nil
				},
			},
		}},
	}
	if err := d.Register(context.Background(), svc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	bus.Call("Tick")
	bus.Call("Tock")
	deliver(bus, map[string]any{"a": 1})
	if !reflect.DeepEqual(got, []string{"tick", "tock", "action"}) {
		t.Fatalf("before Unregister got = %v", got)
	}

	if err := d.Unregister("s"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	got = nil
	bus.Call("Tick")
	bus.Call("Tock")
	deliver(bus, map[string]any{"a": 1})
	if len(got) != 0 {
		t.Errorf("handlers still called after Unregister: %v", got)
	}

	if err := d.Unregister("s"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("second Unregister error = %v, want ErrUnknownService", err)
	}
}

func TestDispatcher_Bindings(t *testing.T) {
	d := NewDispatcher(broadcast.New(), &fakeSender{}, WithRouter(chi.NewRouter()))
	noop := func(*connection.Record, any, ReplyFunc, any) error { return nil }

	d.Register(context.Background(), &Service{
		Name:    "s",
		Actions: map[string]ActionFunc{"b": noop, Wildcard: noop},
		Routes: map[string]RouteFunc{
			"/x": func(http.ResponseWriter, *http.Request, SendFunc) error { return nil },
		},
		Libraries: []*Library{{Name: "lib", Actions: map[string]ActionFunc{"a": noop}}},
	})

	want := []Binding{
		{Service: "s", Kind: BindAction, Key: "b"},
		{Service: "s", Kind: BindAction, Key: Wildcard},
		{Service: "s", Kind: BindRoute, Key: "/x"},
		{Service: "s", Library: "lib", Kind: BindAction, Key: "a"},
	}
	if got := d.Bindings(); !reflect.DeepEqual(got, want) {
		t.Errorf("Bindings() = %v, want %v", got, want)
	}
}

func TestDispatcher_Routes(t *testing.T) {
	router := chi.NewRouter()
	d := NewDispatcher(broadcast.New(), &fakeSender{}, WithRouter(router))

	err := d.Register(context.Background(), &Service{
		Name: "web",
		Routes: map[string]RouteFunc{
			"/hello": func(w http.ResponseWriter, r *http.Request, send SendFunc) error {
				send("hi")
				return nil
			},
			"post:/items": func(w http.ResponseWriter, r *http.Request, send SendFunc) error {
				send(map[string]any{"created": true})
				return nil
			},
			"delete:/items": func(w http.ResponseWriter, r *http.Request, send SendFunc) error {
				send(nil)
				return nil
			},
			"/fail": func(w http.ResponseWriter, r *http.Request, send SendFunc) error {
				return errors.New("broken")
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{http.MethodGet, "/hello", http.StatusOK, "hi"},
		{http.MethodPost, "/items", http.StatusOK, `{"created":true}`},
		{http.MethodDelete, "/items", http.StatusOK, ""},
		{http.MethodGet, "/items", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/fail", http.StatusInternalServerError, "Internal Server Error\n"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			body, _ := io.ReadAll(rr.Body)
			if tt.wantCode == http.StatusOK && string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if tt.wantCode == http.StatusInternalServerError && string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		key        string
		wantMethod string
		wantPath   string
		wantErr    bool
	}{
		{"/a", http.MethodGet, "/a", false},
		{"get:/a", http.MethodGet, "/a", false},
		{"post:/a", http.MethodPost, "/a", false},
		{"PUT:/a", http.MethodPut, "/a", false},
		{"patch:/a/{id}", http.MethodPatch, "/a/{id}", false},
		{"/a:b", http.MethodGet, "/a:b", false},
		{"trace:/a", "", "", true},
		{"post:a", "", "", true},
		{"a", "", "", true},
	}

	for _, tt := range tests {
		method, path, err := parseRoute(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRoute(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if method != tt.wantMethod || path != tt.wantPath {
			t.Errorf("parseRoute(%q) = %s %s, want %s %s", tt.key, method, path, tt.wantMethod, tt.wantPath)
		}
	}
}
