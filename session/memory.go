package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	ttl      time.Duration
	now      func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[Key]*Session),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key Key) (*Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.sessions[key]; ok && !s.Expired(now) {
		return s.Clone(), false, nil
	}
	s := New(key, now, m.ttl)
	m.sessions[key] = s
	return s.Clone(), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(m.now()) {
		delete(m.sessions, key)
		return s.Clone(), ErrExpired
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, next *Session) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[next.Key]
	if !ok || current.ID != next.ID || current.Version != next.Version {
		return nil, ErrConflict
	}
	stored := next.Clone()
	stored.Version++
	m.sessions[next.Key] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for key, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(m.sessions, key)
		}
	}
	return expired, nil
}

// Len is the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
