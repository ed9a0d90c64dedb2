package orchestrator

import (
	"sync"
	"time"

	"github.com/builderjer/ovos-core/pkg/dispatch"
)

type dedupEntry struct {
	done     chan struct{}
	result   dispatch.Result
	finished bool
	expires  time.Time
}

// dedupCache remembers utterance ids that are in flight or recently
// finished. In-flight entries never expire.
type dedupCache struct {
	ttl  time.Duration
	size int
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*dedupEntry
}

func newDedupCache(ttl time.Duration, size int, now func() time.Time) *dedupCache {
	return &dedupCache{ttl: ttl, size: size, now: now, entries: make(map[string]*dedupEntry)}
}

// claim returns the entry for id and whether the caller created it.
func (c *dedupCache) claim(id string) (*dedupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && (!e.finished || c.now().Before(e.expires)) {
		return e, false
	}

	e := &dedupEntry{done: make(chan struct{})}
	c.entries[id] = e

	if c.size > 0 && len(c.entries) > c.size {
		c.pruneLocked()
	}

	return e, true
}

func (c *dedupCache) complete(e *dedupEntry, res dispatch.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.result = res
	e.finished = true
	e.expires = c.now().Add(c.ttl)
	close(e.done)
}

func (c *dedupCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
}

func (c *dedupCache) pruneLocked() {
	now := c.now()
	for id, e := range c.entries {
		if e.finished && !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}

	for c.size > 0 && len(c.entries) > c.size {
		var (
			oldestID string
			oldest   *dedupEntry
		)
		for id, e := range c.entries {
			if e.finished && (oldest == nil || e.expires.Before(oldest.expires)) {
				oldestID, oldest = id, e
			}
		}
		if oldest == nil {
			return
		}
		delete(c.entries, oldestID)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
