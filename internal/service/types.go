package service

import (
	"errors"
	"net/http"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/connection"
)

// Errors
var (
	ErrMissingName        = errors.New("service must have a name")
	ErrMissingLibraryName = errors.New("library must have a name")
	ErrDuplicateService   = errors.New("service already registered")
	ErrUnknownService     = errors.New("service not registered")
	ErrNoModelActivator   = errors.New("service declares a model but no model activator is configured")
	ErrNoRouter           = errors.New("service declares routes but no router is configured")
	ErrBadRoute           = errors.New("invalid route key")
)

// Wildcard is the action key that fires for every payload.
const Wildcard = "*"

// ReplyFunc sends result back to the connection that sent the message.
type ReplyFunc func(result any)

// SendFunc writes data as the HTTP response body.
type SendFunc func(data any)

// ActionFunc handles one payload key. value is payload[key], or the whole
// payload for the wildcard.
type ActionFunc func(rec *connection.Record, value any, reply ReplyFunc, payload any) error

// RouteFunc handles one HTTP route.
type RouteFunc func(w http.ResponseWriter, r *http.Request, send SendFunc) error

// ActionProvider contributes an action table.
type ActionProvider interface {
	ActionTable() map[string]ActionFunc
}

// RouteProvider contributes a route table.
type RouteProvider interface {
	RouteTable() map[string]RouteFunc
}

// EventProvider contributes bus event handlers.
type EventProvider interface {
	EventTable() map[string]broadcast.Handler
}

// ModelProvider contributes a document model schema.
type ModelProvider interface {
	ModelSchema() map[string]any
}

// Service is one named unit of actions, routes and event handlers.
type Service struct {
	Name      string
	Model     map[string]any
	Actions   map[string]ActionFunc
	Routes    map[string]RouteFunc
	Events    map[string]broadcast.Handler
	Libraries []*Library

	// Init runs after every table is bound, before library Inits.
	Init func(s *Service) error
}

func (s *Service) ActionTable() map[string]ActionFunc { return s.Actions }
func (s *Service) RouteTable() map[string]RouteFunc { return s.Routes }
func (s *Service) EventTable() map[string]broadcast.Handler { return s.Events }
func (s *Service) ModelSchema() map[string]any { return s.Model }

// Library is a reusable bundle of tables mixed into a Service.
type Library struct {
	Name    string
	Actions map[string]ActionFunc
	Routes  map[string]RouteFunc
	Events  map[string]broadcast.Handler

	// Init runs with the owning service after the service's own Init.
	Init func(s *Service) error
}

func (l *Library) ActionTable() map[string]ActionFunc { return l.Actions }
func (l *Library) RouteTable() map[string]RouteFunc { return l.Routes }
func (l *Library) EventTable() map[string]broadcast.Handler { return l.Events }

// BindingKind names what a Binding binds.
type BindingKind string

const (
	BindModel  BindingKind = "model"
	BindAction BindingKind = "action"
	BindRoute  BindingKind = "route"
	BindEvent  BindingKind = "event"
)

// Binding records which service or library contributed a handler.
type Binding struct {
	Service string
	Library string // empty for the service's own tables
	Kind    BindingKind
	Key     string
}
