package registry

import (
	"fmt"
	"sync"
)

// Lease pins a registration while it executes.
type Lease struct {
	// Entry is the registration as it was when the lease was taken.
	Entry Entry

	reg  *Registry
	rec  *record
	once sync.Once
}

// Acquire leases the named skill. Only live skills can be leased; health is
// not checked so callers decide whether degraded skills may run.
func (r *Registry) Acquire(id string) (*Lease, error) {
	for {
		rec, ok := r.lookup(id)
		if !ok {
			return nil, fmt.Errorf("registry: acquire %q: %w", id, ErrNotFound)
		}

		rec.mu.Lock()
		if !rec.removing {
			rec.leases++
			l := &Lease{Entry: rec.entry, reg: r, rec: rec}
			rec.mu.Unlock()
			return l, nil
		}
		rec.mu.Unlock()

		// A replacement may have been registered since the lookup.
		if cur, ok := r.lookup(id); !ok || cur == rec {
			return nil, fmt.Errorf("registry: acquire %q: %w", id, ErrNotFound)
		}
	}
}

// Release returns the lease. Deferred removals complete on the last release.
// Calling Release more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		rec := l.rec

		rec.mu.Lock()
		rec.leases--
		drained := rec.leases == 0 && rec.removing
		rec.mu.Unlock()

		if !drained {
			return
		}

		r := l.reg
		r.mu.Lock()
		if r.records[l.Entry.SkillID] == rec {
			delete(r.records, l.Entry.SkillID)
		}
		r.mu.Unlock()
	})
}

// Leases returns the number of outstanding leases for a skill.
func (r *Registry) Leases(id string) int {
	rec, ok := r.lookup(id)
	if !ok {
		return 0
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.leases
}
