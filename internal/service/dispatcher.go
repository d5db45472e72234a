package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/connection"
	"github.com/rickgao/sockethub/internal/metrics"
)

// Sender delivers replies to client connections.
type Sender interface {
	Send(rec *connection.Record, payload any)
}

// Router mounts HTTP handlers. chi.Router satisfies it.
type Router interface {
	Method(method, pattern string, h http.Handler)
}

// ModelActivator creates the storage behind a service model.
type ModelActivator interface {
	ActivateModel(ctx context.Context, name string, schema map[string]any) error
}

// ErrorReporter receives handler failures for persistence.
type ErrorReporter func(kind string, details any)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRouter sets the router that service routes mount on.
func WithRouter(r Router) Option {
	return func(d *Dispatcher) {
		d.router = r
	}
}

// WithModelActivator sets the backend for service models.
func WithModelActivator(m ModelActivator) Option {
	return func(d *Dispatcher) {
		d.models = m
	}
}

// WithErrorReporter sets where handler failures are reported.
func WithErrorReporter(fn ErrorReporter) Option {
	return func(d *Dispatcher) {
		d.report = fn
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the collector counting handler failures.
func WithMetrics(c metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

type registered struct {
	svc    *Service
	owners []any
}

// Dispatcher binds services onto the bus and the router.
type Dispatcher struct {
	bus     *broadcast.Bus
	sender  Sender
	router  Router
	models  ModelActivator
	report  ErrorReporter
	logger  *slog.Logger
	metrics metrics.Collector

	mu       sync.Mutex
	services map[string]*registered
	order    []string
	bindings []Binding
}

// NewDispatcher creates a dispatcher subscribing on bus and replying via sender.
func NewDispatcher(bus *broadcast.Bus, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:      bus,
		sender:   sender,
		logger:   slog.Default(),
		metrics:  metrics.Noop(),
		services: make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Register validates svc and binds its model, tables and libraries, then
// runs the service and library Init hooks. On failure nothing stays bound
// except routes already mounted.
func (d *Dispatcher) Register(ctx context.Context, svc *Service) error {
	if err := d.validate(svc); err != nil {
		return err
	}

	d.mu.Lock()
	if _, exists := d.services[svc.Name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc.Name)
	}
	reg := &registered{svc: svc, owners: []any{svc}}
	for _, lib := range svc.Libraries {
		reg.owners = append(reg.owners, lib)
	}
	d.services[svc.Name] = reg
	d.order = append(d.order, svc.Name)
	d.mu.Unlock()

	if err := d.activate(ctx, svc); err != nil {
		d.Unregister(svc.Name)
		return fmt.Errorf("register service %s: %w", svc.Name, err)
	}

	d.logger.Info("service registered",
		"service", svc.Name,
		"libraries", len(svc.Libraries),
	)
	return nil
}

func (d *Dispatcher) validate(svc *Service) error {
	if svc.Name == "" {
		return ErrMissingName
	}
	for i, lib := range svc.Libraries {
		if lib == nil || lib.Name == "" {
			return fmt.Errorf("%w: %s library %d", ErrMissingLibraryName, svc.Name, i)
		}
	}
	if len(svc.Model) > 0 && d.models == nil {
		return fmt.Errorf("%w: %s", ErrNoModelActivator, svc.Name)
	}

	providers := []any{svc}
	for _, lib := range svc.Libraries {
		providers = append(providers, lib)
	}
	for _, p := range providers {
		rp, ok := p.(RouteProvider)
		if !ok {
			continue
		}
		routes := rp.RouteTable()
		if len(routes) > 0 && d.router == nil {
			return fmt.Errorf("%w: %s", ErrNoRouter, svc.Name)
		}
		for key := range routes {
			if _, _, err := parseRoute(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) activate(ctx context.Context, svc *Service) error {
	if len(svc.Model) > 0 {
		if err := d.models.ActivateModel(ctx, svc.Name, svc.ModelSchema()); err != nil {
			return fmt.Errorf("activate model: %w", err)
		}
		d.bind(Binding{Service: svc.Name, Kind: BindModel, Key: svc.Name})
	}

	d.activateProvider(svc.Name, "", svc, svc)
	for _, lib := range svc.Libraries {
		d.activateProvider(svc.Name, lib.Name, lib, lib)
	}

	if svc.Init != nil {
		if err := svc.Init(svc); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	for _, lib := range svc.Libraries {
		if lib.Init == nil {
			continue
		}
		if err := lib.Init(svc); err != nil {
			return fmt.Errorf("init library %s: %w", lib.Name, err)
		}
	}
	return nil
}

// activateProvider binds p's tables in the order actions, routes, events.
func (d *Dispatcher) activateProvider(svcName, libName string, p any, owner any) {
	if ap, ok := p.(ActionProvider); ok {
		d.activateActions(svcName, libName, ap.ActionTable(), owner)
	}
	if rp, ok := p.(RouteProvider); ok {
		d.activateRoutes(svcName, libName, rp.RouteTable())
	}
	if ep, ok := p.(EventProvider); ok {
		d.activateEvents(svcName, libName, ep.EventTable(), owner)
	}
}

func (d *Dispatcher) activateActions(svcName, libName string, actions map[string]ActionFunc, owner any) {
	if len(actions) == 0 {
		return
	}

	keys := make([]string, 0, len(actions))
	for key := range actions {
		if key != Wildcard {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	wildcard := actions[Wildcard]

	for _, key := range keys {
		d.bind(Binding{Service: svcName, Library: libName, Kind: BindAction, Key: key})
	}
	if wildcard != nil {
		d.bind(Binding{Service: svcName, Library: libName, Kind: BindAction, Key: Wildcard})
	}

	d.bus.On(broadcast.EventClientDataReceived, owner, func(args ...any) error {
		rec, ok := broadcast.Arg[*connection.Record](args, 0)
		if !ok || len(args) < 2 {
			return nil
		}
		payload := args[1]

		reply := func(result any) {
			d.sender.Send(rec, result)
		}

		if obj, ok := payload.(map[string]any); ok {
			for _, key := range keys {
				value, present := obj[key]
				if !present {
					continue
				}
				fn := actions[key]
				d.invoke(svcName, libName, BindAction, key, func() error {
					return fn(rec, value, reply, payload)
				})
			}
		}

		if wildcard != nil {
			d.invoke(svcName, libName, BindAction, Wildcard, func() error {
				return wildcard(rec, payload, reply, payload)
			})
		}
		return nil
	})
}

func (d *Dispatcher) activateRoutes(svcName, libName string, routes map[string]RouteFunc) {
	keys := make([]string, 0, len(routes))
	for key := range routes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		method, path, _ := parseRoute(key)
		fn := routes[key]

		d.router.Method(method, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &trackingWriter{ResponseWriter: w}
			send := func(data any) {
				writeBody(rw, data)
			}

			failed := d.invoke(svcName, libName, BindRoute, key, func() error {
				return fn(rw, r, send)
			})
			if failed && !rw.written {
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}))

		d.bind(Binding{Service: svcName, Library: libName, Kind: BindRoute, Key: key})
		d.logger.Debug("route mounted", "service", svcName, "method", method, "path", path)
	}
}

func (d *Dispatcher) activateEvents(svcName, libName string, events map[string]broadcast.Handler, owner any) {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d.bus.On(name, owner, events[name])
		d.bind(Binding{Service: svcName, Library: libName, Kind: BindEvent, Key: name})
	}
}

// invoke runs fn, isolating errors and panics. Reports whether fn failed.
func (d *Dispatcher) invoke(svcName, libName string, kind BindingKind, key string, fn func() error) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(svcName, libName, kind, key, fmt.Errorf("handler panic: %v", r))
			failed = true
		}
	}()

	if err := fn(); err != nil {
		d.fail(svcName, libName, kind, key, err)
		return true
	}
	return false
}

func (d *Dispatcher) fail(svcName, libName string, kind BindingKind, key string, err error) {
	d.logger.Error("service handler failed",
		"service", svcName,
		"library", libName,
		"kind", kind,
		"key", key,
		"error", err,
	)
	d.metrics.HandlerFailed(string(kind) + ":" + key)

	if d.report != nil {
		d.report("service", map[string]any{
			"service": svcName,
			"library": libName,
			"kind":    string(kind),
			"key":     key,
			"error":   err.Error(),
		})
	}
}

func (d *Dispatcher) bind(b Binding) {
	d.mu.Lock()
	d.bindings = append(d.bindings, b)
	d.mu.Unlock()
}

// Unregister removes every bus subscription of the service and its
// libraries. Mounted routes stay in place.
func (d *Dispatcher) Unregister(name string) error {
	d.mu.Lock()
	reg, ok := d.services[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	delete(d.services, name)
	d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == name })
	d.bindings = slices.DeleteFunc(d.bindings, func(b Binding) bool {
		return b.Service == name && b.Kind != BindRoute
	})
	d.mu.Unlock()

	removed := 0
	for _, owner := range reg.owners {
		removed += d.bus.OffOwner(owner)
	}

	d.logger.Info("service unregistered", "service", name, "subscriptions", removed)
	return nil
}

// Services returns registered service names in registration order.
func (d *Dispatcher) Services() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.order)
}

// Bindings lists every bound handler with its provenance.
func (d *Dispatcher) Bindings() []Binding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.bindings)
}
