package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/skill"
)

// ErrNotFound is returned for operations on unknown skills.
var ErrNotFound = errors.New("registry: skill not found")

// Options configures a Registry.
type Options struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	// FailureThreshold consecutive failures degrade a skill. Zero disables.
	FailureThreshold int
	// RecoverAfter is how long a degraded persistent skill sits out before
	// Recover restores it. Zero disables.
	RecoverAfter time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Entry is a point-in-time copy of a registered skill.
type Entry struct {
	skill.Registration

	Health        skill.Health `json:"health"`
	HealthReason  string       `json:"health_reason,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Failures      int          `json:"failures"`
	DegradedAt    time.Time    `json:"degraded_at,omitzero"`
	// Seq orders registrations; later registrations have larger values.
	Seq uint64 `json:"seq"`
}

// Eligible reports whether the entry may be offered work.
func (e Entry) Eligible() bool { return e.Health == skill.Healthy }

// record is guarded by its own mutex; Registry.mu only guards membership.
// Lock order is Registry.mu before record.mu.
type record struct {
	mu       sync.Mutex
	entry    Entry
	leases   int
	removing bool
}

// Registry is a concurrency-safe directory of skills.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	records map[string]*record
	seq     uint64
}

// New creates an empty Registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		FailureThreshold:  3,
		RecoverAfter:      time.Minute,
		Now:               time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		opts:    opts,
		log:     opts.Logger.With("component", "registry"),
		records: make(map[string]*record),
	}
}

// LivenessWindow is how long a skill may go without a heartbeat.
func (r *Registry) LivenessWindow() time.Duration {
	if r.opts.HeartbeatInterval <= 0 || r.opts.MissedHeartbeats <= 0 {
		return 0
	}
	return r.opts.HeartbeatInterval * time.Duration(r.opts.MissedHeartbeats)
}

func (r *Registry) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

// live runs fn on the record of id under its lock. It reports false when the
// skill is unknown or being removed.
func (r *Registry) live(id string, fn func(rec *record)) bool {
	rec, ok := r.lookup(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removing {
		return false
	}
	fn(rec)
	return true
}

// Register adds a skill. Registering an id that is already live and healthy
// fails with dispatch.ErrDuplicateSkill. A previous registration that has gone
// stale, is degraded or is being removed is replaced; leases on it stay valid
// until released.
func (r *Registry) Register(reg skill.Registration) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}

	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.records[reg.SkillID]; ok {
		old.mu.Lock()
		replace := old.removing || old.entry.Health == skill.Degraded || r.stale(old, now)
		if replace {
			old.removing = true
		}
		old.mu.Unlock()

		if !replace {
			return fmt.Errorf("registry: register %q: %w", reg.SkillID, dispatch.ErrDuplicateSkill)
		}
	}

	r.seq++
	r.records[reg.SkillID] = &record{entry: Entry{
		Registration:  reg,
		Health:        skill.Healthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Seq:           r.seq,
	}}

	r.log.Info("skill registered", "skill_id", reg.SkillID, "converse", reg.ConverseCapable, "fallback", reg.IsFallback())

	return nil
}

// Unregister removes a skill. If the skill is leased the removal completes
// when the last lease is released; until then it is excluded from snapshots.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("registry: unregister %q: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removing {
		return fmt.Errorf("registry: unregister %q: %w", id, ErrNotFound)
	}

	r.removeLocked(id, rec)
	r.log.Info("skill unregistered", "skill_id", id, "deferred", rec.leases > 0)

	return nil
}

// removeLocked needs both r.mu and rec.mu.
func (r *Registry) removeLocked(id string, rec *record) {
	rec.removing = true
	if rec.leases == 0 && r.records[id] == rec {
		delete(r.records, id)
	}
}

// Heartbeat refreshes a skill's liveness and clears its failure count. A
// degraded skill that heartbeats is restored to healthy; disabled skills stay
// disabled.
func (r *Registry) Heartbeat(id string) error {
	now := r.opts.Now()

	ok := r.live(id, func(rec *record) {
		rec.entry.LastHeartbeat = now
		rec.entry.Failures = 0
		if rec.entry.Health == skill.Degraded {
			rec.entry.Health = skill.Healthy
			rec.entry.HealthReason = ""
			rec.entry.DegradedAt = time.Time{}
			r.log.Info("skill recovered", "skill_id", id)
		}
	})
	if !ok {
		return fmt.Errorf("registry: heartbeat %q: %w", id, ErrNotFound)
	}

	return nil
}

// EvictStale removes every non-persistent skill whose last heartbeat is older
// than the liveness window and returns their ids.
func (r *Registry) EvictStale() []string {
	if r.LivenessWindow() == 0 {
		return nil
	}

	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, rec := range r.records {
		rec.mu.Lock()
		if !rec.removing && r.stale(rec, now) {
			r.removeLocked(id, rec)
			evicted = append(evicted, id)
			r.log.Warn("skill evicted", "skill_id", id, "last_heartbeat", rec.entry.LastHeartbeat)
		}
		rec.mu.Unlock()
	}
	slices.Sort(evicted)

	return evicted
}

// stale needs rec.mu.
func (r *Registry) stale(rec *record, now time.Time) bool {
	w := r.LivenessWindow()
	if w == 0 || rec.entry.Persistent {
		return false
	}
	return now.Sub(rec.entry.LastHeartbeat) > w
}

// Snapshot returns the eligible skills in registration order. The slice is
// a copy; concurrent registrations do not affect it.
func (r *Registry) Snapshot() []Entry {
	now := r.opts.Now()

	return r.collect(func(rec *record) bool {
		return !r.stale(rec, now) && rec.entry.Eligible()
	})
}

// SnapshotAll returns every registered skill regardless of health.
func (r *Registry) SnapshotAll() []Entry {
	return r.collect(func(*record) bool { return true })
}

func (r *Registry) collect(keep func(rec *record) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.records))
	for _, rec := range r.records {
		rec.mu.Lock()
		if !rec.removing && keep(rec) {
			out = append(out, rec.entry)
		}
		rec.mu.Unlock()
	}
	sortBySeq(out)

	return out
}

func sortBySeq(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
}

// Get returns a copy of the named entry.
func (r *Registry) Get(id string) (Entry, bool) {
	var e Entry
	ok := r.live(id, func(rec *record) { e = rec.entry })
	return e, ok
}

// Len returns the number of registered skills, including degraded ones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		rec.mu.Lock()
		if !rec.removing {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}
