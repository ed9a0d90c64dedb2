package session

import (
	"slices"
	"time"
)

// ContextEntry is a piece of conversational context. It expires after a
// number of turns, at a wall-clock time, or both; zero values disable the
// respective bound.
type ContextEntry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Origin      string    `json:"origin,omitempty"`
	ExpiresTurn int       `json:"expires_turn,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the entry is no longer valid at turn and now.
func (e ContextEntry) Expired(turn int, now time.Time) bool {
	if e.ExpiresTurn > 0 && turn > e.ExpiresTurn {
		return true
	}
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Session is the state of one conversation.
type Session struct {
	ID           string         `json:"id"`
	ActiveSkill  string         `json:"active_skill,omitempty"`
	ActiveSince  time.Time      `json:"active_since,omitzero"`
	Context      []ContextEntry `json:"context,omitempty"`
	Lang         string         `json:"lang,omitempty"`
	SiteID       string         `json:"site_id,omitempty"`
	Turn         int            `json:"turn"`
	Created      time.Time      `json:"created"`
	LastActivity time.Time      `json:"last_activity"`
	// Version is the store revision this copy was read at. Zero means the
	// session has never been stored.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	c := s
	c.Context = slices.Clone(s.Context)
	return c
}

// Activate makes skillID the active skill.
func (s *Session) Activate(skillID string, now time.Time) {
	s.ActiveSkill = skillID
	s.ActiveSince = now
}

// Deactivate clears the active skill.
func (s *Session) Deactivate() {
	s.ActiveSkill = ""
	s.ActiveSince = time.Time{}
}

// SetContext adds or replaces the entry with the same key.
func (s *Session) SetContext(e ContextEntry) {
	for i := range s.Context {
		if s.Context[i].Key == e.Key {
			s.Context[i] = e
			return
		}
	}
	s.Context = append(s.Context, e)
}

// RemoveContext deletes key and reports whether it existed.
func (s *Session) RemoveContext(key string) bool {
	n := len(s.Context)
	s.Context = slices.DeleteFunc(s.Context, func(e ContextEntry) bool { return e.Key == key })
	return len(s.Context) != n
}

// ClearContext removes every entry.
func (s *Session) ClearContext() { s.Context = nil }

// ContextMap returns the live entries as key/value pairs.
func (s Session) ContextMap() map[string]string {
	out := make(map[string]string, len(s.Context))
	for _, e := range s.Context {
		out[e.Key] = e.Value
	}
	return out
}

// Decay drops expired entries and returns their keys.
func (s *Session) Decay(now time.Time) []string {
	var removed []string
	s.Context = slices.DeleteFunc(s.Context, func(e ContextEntry) bool {
		if e.Expired(s.Turn, now) {
			removed = append(removed, e.Key)
			return true
		}
		return false
	})
	return removed
}
