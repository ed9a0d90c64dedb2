package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict is returned by Store.Save when the stored version differs
	// from the one the caller read.
	ErrConflict = errors.New("session: version conflict")
)

// Store persists sessions with optimistic concurrency.
type Store interface {
	Load(ctx context.Context, id string) (Session, error)
	// Save writes s if the stored version equals s.Version (zero means the
	// session must not exist yet) and returns the stored copy with its new
	// Version.
	Save(ctx context.Context, s Session) (Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Session, error)
}

// MemoryStore is an in-process Store. The zero value is ready to use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions == nil {
		m.sessions = make(map[string]Session)
	}

	cur, ok := m.sessions[s.ID]
	switch {
	case !ok && s.Version != 0, ok && cur.Version != s.Version:
		return Session{}, ErrConflict
	}

	s = s.Clone()
	s.Version++
	m.sessions[s.ID] = s

	return s.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(a.ID, b.ID) })

	return out, nil
}
