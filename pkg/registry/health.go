package registry

import (
	"slices"
	"time"

	"github.com/builderjer/ovos-core/pkg/skill"
)

// RecordSuccess clears the consecutive failure count.
func (r *Registry) RecordSuccess(id string) {
	r.live(id, func(rec *record) { rec.entry.Failures = 0 })
}

// RecordFailure counts a failed invocation and degrades the skill once the
// failure threshold is reached. It reports whether the skill became degraded.
func (r *Registry) RecordFailure(id string, cause error) bool {
	var degraded bool

	r.live(id, func(rec *record) {
		rec.entry.Failures++

		if r.opts.FailureThreshold <= 0 || rec.entry.Failures < r.opts.FailureThreshold || rec.entry.Health != skill.Healthy {
			return
		}

		reason := "repeated failures"
		if cause != nil {
			reason = cause.Error()
		}
		r.degradeLocked(id, rec, reason)
		degraded = true
	})

	return degraded
}

// MarkDegraded excludes a skill from dispatch until it heartbeats or
// registers again.
func (r *Registry) MarkDegraded(id, reason string) bool {
	var degraded bool

	r.live(id, func(rec *record) {
		if rec.entry.Health != skill.Healthy {
			return
		}
		r.degradeLocked(id, rec, reason)
		degraded = true
	})

	return degraded
}

func (r *Registry) degradeLocked(id string, rec *record, reason string) {
	rec.entry.Health = skill.Degraded
	rec.entry.HealthReason = reason
	rec.entry.DegradedAt = r.opts.Now()
	r.log.Warn("skill degraded", "skill_id", id, "reason", reason, "failures", rec.entry.Failures)
}

// Disable excludes a skill until Enable is called.
func (r *Registry) Disable(id string) error {
	return r.setHealth(id, skill.Disabled, "disabled")
}

// Enable restores a disabled or degraded skill.
func (r *Registry) Enable(id string) error {
	return r.setHealth(id, skill.Healthy, "")
}

func (r *Registry) setHealth(id string, h skill.Health, reason string) error {
	ok := r.live(id, func(rec *record) {
		rec.entry.Health = h
		rec.entry.HealthReason = reason
		rec.entry.Failures = 0
		rec.entry.DegradedAt = time.Time{}
	})
	if !ok {
		return ErrNotFound
	}

	return nil
}

// Recover restores persistent skills degraded for longer than RecoverAfter
// and returns their ids. Remote skills recover by heartbeating instead.
func (r *Registry) Recover() []string {
	if r.opts.RecoverAfter <= 0 {
		return nil
	}

	now := r.opts.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var recovered []string
	for id, rec := range r.records {
		rec.mu.Lock()
		e := &rec.entry
		if !rec.removing && e.Persistent && e.Health == skill.Degraded && now.Sub(e.DegradedAt) >= r.opts.RecoverAfter {
			e.Health = skill.Healthy
			e.HealthReason = ""
			e.Failures = 0
			e.DegradedAt = time.Time{}
			recovered = append(recovered, id)
			r.log.Info("skill recovered", "skill_id", id)
		}
		rec.mu.Unlock()
	}
	slices.Sort(recovered)

	return recovered
}
