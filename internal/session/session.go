package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrNotFound         = errors.New("session not found")
	ErrExpired          = errors.New("session expired")
	ErrInvalidSignature = errors.New("invalid cookie signature")
)

// Session is the data stored for one browser session.
type Session struct {
	ID      string
	Data    map[string]any
	Expires time.Time // zero means no expiry
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.Expires.IsZero() && !now.Before(s.Expires)
}

// Store loads sessions by id.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Set stores s under s.ID, replacing any previous value.
func (m *MemoryStore) Set(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

// Get returns the live session for id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(m.now()) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, ErrExpired
	}
	return s, nil
}

// Delete removes id.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
