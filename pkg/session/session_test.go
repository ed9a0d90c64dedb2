package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestContextEntryExpired(t *testing.T) {
	e := ContextEntry{Key: "k", ExpiresTurn: 3}
	assert.False(t, e.Expired(3, t0))
	assert.True(t, e.Expired(4, t0))

	e = ContextEntry{Key: "k", ExpiresAt: t0.Add(time.Minute)}
	assert.False(t, e.Expired(100, t0))
	assert.True(t, e.Expired(0, t0.Add(time.Minute)))

	assert.False(t, ContextEntry{Key: "k"}.Expired(1000, t0.Add(1000*time.Hour)))
}

func TestSetRemoveClearContext(t *testing.T) {
	var s Session

	s.SetContext(ContextEntry{Key: "topic", Value: "weather"})
	s.SetContext(ContextEntry{Key: "city", Value: "lisbon"})
	s.SetContext(ContextEntry{Key: "topic", Value: "time"})

	assert.Equal(t, map[string]string{"topic": "time", "city": "lisbon"}, s.ContextMap())
	assert.Len(t, s.Context, 2)

	assert.True(t, s.RemoveContext("city"))
	assert.False(t, s.RemoveContext("city"))

	s.ClearContext()
	assert.Empty(t, s.ContextMap())
}

func TestDecay(t *testing.T) {
	s := Session{Turn: 5}
	s.SetContext(ContextEntry{Key: "old", ExpiresTurn: 4})
	s.SetContext(ContextEntry{Key: "current", ExpiresTurn: 5})
	s.SetContext(ContextEntry{Key: "timed", ExpiresAt: t0})
	s.SetContext(ContextEntry{Key: "forever"})

	removed := s.Decay(t0)
	assert.ElementsMatch(t, []string{"old", "timed"}, removed)
	assert.Equal(t, map[string]string{"current": "", "forever": ""}, s.ContextMap())
}

func TestActivateDeactivate(t *testing.T) {
	var s Session
	s.Activate("timer", t0)
	assert.Equal(t, "timer", s.ActiveSkill)
	assert.Equal(t, t0, s.ActiveSince)

	s.Deactivate()
	assert.Empty(t, s.ActiveSkill)
	assert.True(t, s.ActiveSince.IsZero())
}

func TestCloneIsDeep(t *testing.T) {
	s := Session{ID: "a"}
	s.SetContext(ContextEntry{Key: "k", Value: "1"})

	c := s.Clone()
	c.Context[0].Value = "2"

	assert.Equal(t, "1", s.Context[0].Value)
}
