package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives the positional arguments passed to Call.
type Handler func(args ...any) error

// SubscriptionID identifies one subscription for later removal.
type SubscriptionID uint64

// ErrorHandler is told about every failed handler invocation.
type ErrorHandler func(event string, err error)

type subscription struct {
	id      SubscriptionID
	event   string
	owner   any
	handler Handler
}

// Bus is a named-event registry with owner-bound subscriptions.
type Bus struct {
	logger  *slog.Logger
	onError ErrorHandler

	mu      sync.RWMutex
	nextID  SubscriptionID
	byEvent map[string][]*subscription
	byOwner map[any]map[SubscriptionID]*subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithErrorHandler sets an additional sink for handler failures.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(b *Bus) {
		b.onError = fn
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		byEvent: make(map[string][]*subscription),
		byOwner: make(map[any]map[SubscriptionID]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// SetErrorHandler replaces the failure sink after construction.
func (b *Bus) SetErrorHandler(fn ErrorHandler) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// On subscribes h to event on behalf of owner. owner must be comparable;
// a nil owner is allowed but cannot be removed with OffOwner.
func (b *Bus) On(event string, owner any, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		event:   event,
		owner:   owner,
		handler: h,
	}
	b.byEvent[event] = append(b.byEvent[event], sub)

	if owner != nil {
		subs, ok := b.byOwner[owner]
		if !ok {
			subs = make(map[SubscriptionID]*subscription)
			b.byOwner[owner] = subs
		}
		subs[sub.id] = sub
	}

	return sub.id
}

// Off removes a single subscription. Reports whether it existed.
func (b *Bus) Off(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for event, subs := range b.byEvent {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.removeAt(event, i)
			if sub.owner != nil {
				b.unindex(sub)
			}
			return true
		}
	}
	return false
}

// OffOwner removes every subscription registered by owner, whatever the
// event name. Returns the number removed.
func (b *Bus) OffOwner(owner any) int {
	if owner == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.byOwner[owner]
	if !ok {
		return 0
	}
	delete(b.byOwner, owner)

	for event, list := range b.byEvent {
		kept := list[:0:0]
		for _, sub := range list {
			if _, gone := subs[sub.id]; !gone {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(b.byEvent, event)
		} else {
			b.byEvent[event] = kept
		}
	}

	return len(subs)
}

// Call synchronously invokes every handler subscribed to event with args.
// Handlers subscribed while the call is in flight are not invoked by it.
func (b *Bus) Call(event string, args ...any) {
	b.mu.RLock()
	subs := b.byEvent[event]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	onError := b.onError
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if err := invoke(sub.handler, args); err != nil {
			b.logger.Error("event handler failed",
				"event", event,
				"subscription", sub.id,
				"error", err,
			)
			if onError != nil {
				onError(event, err)
			}
		}
	}
}

// Subscribers returns the number of subscriptions for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byEvent[event])
}

func invoke(h Handler, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(args...)
}

// removeAt copies into a fresh slice so in-flight snapshots stay intact.
func (b *Bus) removeAt(event string, i int) {
	subs := b.byEvent[event]
	next := make([]*subscription, 0, len(subs)-1)
	next = append(next, subs[:i]...)
	next = append(next, subs[i+1:]...)
	if len(next) == 0 {
		delete(b.byEvent, event)
		return
	}
	b.byEvent[event] = next
}

func (b *Bus) unindex(sub *subscription) {
	subs := b.byOwner[sub.owner]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.byOwner, sub.owner)
	}
}

// Arg returns args[i] as T.
func Arg[T any](args []any, i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, false
	}
	v, ok := args[i].(T)
	return v, ok
}
