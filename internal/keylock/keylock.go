// Package keylock provides per-key mutual exclusion with bounded waits. Each
// key gets its own lock so unrelated keys never contend; entries are dropped
// once no goroutine holds or waits on them.
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait bound.
var ErrTimeout = errors.New("keylock: timed out waiting for lock")

type entry struct {
	ch   chan struct{}
	refs int
}

// Map hands out one lock per key. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock acquires the lock for key, waiting at most timeout (zero means wait
// until ctx is done). It returns the unlock function on success.
func (m *Map) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	e := m.ref(key)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	case <-timer:
		m.unref(key, e)
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, nil
}

// TryLock acquires the lock for key only if it is free.
func (m *Map) TryLock(key string) (func(), bool) {
	e := m.ref(key)

	select {
	case e.ch <- struct{}{}:
	default:
		m.unref(key, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, true
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}

func (m *Map) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}

	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++

	return e
}

func (m *Map) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 && m.locks[key] == e {
		delete(m.locks, key)
	}
}
