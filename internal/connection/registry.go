package connection

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rickgao/sockethub/internal/broadcast"
	"github.com/rickgao/sockethub/internal/config"
	"github.com/rickgao/sockethub/internal/metrics"
	"github.com/rickgao/sockethub/internal/session"
)

// Registry is the authoritative set of live client connections.
type Registry struct {
	bus     *broadcast.Bus
	cfg     config.WebSocketConfig
	logger  *slog.Logger
	metrics metrics.Collector

	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry broadcasting on bus.
func NewRegistry(bus *broadcast.Bus, cfg config.WebSocketConfig, logger *slog.Logger, m metrics.Collector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Noop()
	}

	return &Registry{
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		records: make(map[string]*Record),
	}
}

// Accept registers a new connection and broadcasts Connection Accepted.
func (r *Registry) Accept(t Transport, origin string, s *session.Session) *Record {
	rec := &Record{
		ID:         uuid.NewString(),
		Origin:     origin,
		Session:    s,
		AcceptedAt: time.Now(),
		transport:  t,
	}
	if r.cfg.MessageRate > 0 {
		rec.limiter = rate.NewLimiter(rate.Limit(r.cfg.MessageRate), max(r.cfg.MessageBurst, 1))
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()

	r.metrics.ConnectionAccepted()
	r.logger.Debug("connection accepted", "id", rec.ID, "origin", origin)

	r.bus.Call(broadcast.EventConnectionAccepted, rec)
	return rec
}

// OnMessage filters one inbound frame and broadcasts Client Data Received
// with the decoded payload. Rejected frames are dropped, never fatal.
func (r *Registry) OnMessage(rec *Record, f Frame) {
	if f.Type != FrameText {
		r.drop(rec, metrics.DropNonText)
		if r.cfg.LogUnknownFrames {
			r.logger.Debug("non-text frame", "id", rec.ID, "type", f.Type, "size", len(f.Data))
		}
		return
	}

	if tooLong(f.Data) {
		r.drop(rec, metrics.DropOversized)
		return
	}
	if !utf8.Valid(f.Data) {
		r.drop(rec, metrics.DropMalformed)
		return
	}

	if rec.limiter != nil && !rec.limiter.Allow() {
		r.drop(rec, metrics.DropRateLimit)
		return
	}

	if r.cfg.LogFrames {
		r.logger.Debug("frame received", "id", rec.ID, "data", string(f.Data))
	}

	var payload any
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		r.logger.Debug("malformed frame", "id", rec.ID, "error", err)
		r.drop(rec, metrics.DropMalformed)
		return
	}

	if isFalsy(payload) {
		r.drop(rec, metrics.DropEmpty)
		return
	}

	r.metrics.MessageReceived()
	r.bus.Call(broadcast.EventClientDataReceived, rec, payload)
}

func (r *Registry) drop(rec *Record, reason string) {
	r.metrics.FrameDropped(reason)
	r.logger.Debug("frame dropped", "id", rec.ID, "reason", reason)
}

// OnClose removes rec and then broadcasts Connection Closed. Closing an
// unknown or already closed record does nothing.
func (r *Registry) OnClose(rec *Record) {
	r.mu.Lock()
	_, ok := r.records[rec.ID]
	delete(r.records, rec.ID)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.ConnectionClosed()
	r.logger.Debug("connection closed", "id", rec.ID)

	r.bus.Call(broadcast.EventConnectionClosed, rec)
}

// Send writes payload as JSON to rec. Failures are logged and swallowed.
func (r *Registry) Send(rec *Record, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to encode reply", "id", rec.ID, "error", err)
		return
	}

	if err := rec.transport.SendText(string(data)); err != nil {
		r.logger.Debug("send failed", "id", rec.ID, "error", err)
	}
}

// ForEach calls fn for every live record over a snapshot, in no particular order.
func (r *Registry) ForEach(fn func(*Record)) {
	for _, rec := range r.snapshot() {
		fn(rec)
	}
}

// Get returns the live record with id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CloseAll closes every live transport. Records leave the registry through
// OnClose when their read loops end.
func (r *Registry) CloseAll() {
	for _, rec := range r.snapshot() {
		if err := rec.transport.Close(); err != nil {
			r.logger.Debug("close transport", "id", rec.ID, "error", err)
		}
	}
}

func (r *Registry) snapshot() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// tooLong reports whether data holds more than MaxMessageLength UTF-16
// code units. A UTF-8 sequence never encodes to more units than bytes, nor
// to fewer than a third as many.
func tooLong(data []byte) bool {
	if len(data) <= MaxMessageLength {
		return false
	}
	if len(data) > MaxMessageLength*3 {
		return true
	}

	n := 0
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		n += utf16.RuneLen(r)
		if n > MaxMessageLength {
			return true
		}
	}
	return false
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	default:
		return false
	}
}
