package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

func fixed(intent string, conf float64) skill.Skill {
	return skill.Funcs{ScoreFunc: func(context.Context, utterance.Utterance) (skill.Match, error) {
		return skill.Match{IntentID: intent, Confidence: conf, Kind: skill.KindRegex}, nil
	}}
}

func entry(id string, seq uint64, s skill.Skill) registry.Entry {
	return registry.Entry{
		Registration: skill.Registration{SkillID: id, Skill: s},
		Health:       skill.Healthy,
		Seq:          seq,
	}
}

func TestMatchRanksByConfidence(t *testing.T) {
	m := NewMatcher()
	entries := []registry.Entry{
		entry("low", 1, fixed("a", 0.6)),
		entry("high", 2, fixed("b", 0.9)),
		entry("none", 3, fixed("c", 0)),
		entry("below", 4, fixed("d", 0.3)),
	}

	cands, health := m.Match(context.Background(), utterance.New("x"), entries)
	assert.Empty(t, health)
	require.Len(t, cands, 2)
	assert.Equal(t, "high", cands[0].SkillID)
	assert.Equal(t, "b", cands[0].IntentID)
	assert.Equal(t, "low", cands[1].SkillID)
}

func TestMatchEmpty(t *testing.T) {
	cands, health := NewMatcher().Match(context.Background(), utterance.New("x"), nil)
	assert.Nil(t, cands)
	assert.Nil(t, health)
}

func TestMatchDefaultsIntentToSkill(t *testing.T) {
	cands, _ := NewMatcher().Match(context.Background(), utterance.New("x"),
		[]registry.Entry{entry("weather", 1, fixed("", 0.8))})
	require.Len(t, cands, 1)
	assert.Equal(t, "weather", cands[0].IntentID)
}

func TestTieBreakLexicalIsDeterministic(t *testing.T) {
	m := NewMatcher()
	entries := []registry.Entry{
		entry("zeta", 1, fixed("i", 0.8)),
		entry("alpha", 2, fixed("i", 0.8)),
		entry("mid", 3, fixed("i", 0.8)),
	}

	for range 20 {
		cands, _ := m.Match(context.Background(), utterance.New("x"), entries)
		require.Len(t, cands, 3)
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{cands[0].SkillID, cands[1].SkillID, cands[2].SkillID})
	}
}

func TestTieBreakPriorityFlag(t *testing.T) {
	prio := entry("zeta", 1, fixed("i", 0.8))
	prio.Priority = true

	cands, _ := NewMatcher().Match(context.Background(), utterance.New("x"),
		[]registry.Entry{entry("alpha", 2, fixed("i", 0.8)), prio})
	require.Len(t, cands, 2)
	assert.Equal(t, "zeta", cands[0].SkillID)
}

func TestTieBreakRecency(t *testing.T) {
	m := NewMatcher(func(o *Options) { o.TieBreak = TieBreakRecency })

	cands, _ := m.Match(context.Background(), utterance.New("x"), []registry.Entry{
		entry("alpha", 5, fixed("i", 0.8)),
		entry("zeta", 1, fixed("i", 0.8)),
	})
	require.Len(t, cands, 2)
	assert.Equal(t, "zeta", cands[0].SkillID, "the later registration loses the tie")
}

func TestSlowSkillExcluded(t *testing.T) {
	m := NewMatcher(func(o *Options) { o.ScoreTimeout = 30 * time.Millisecond })

	hang := skill.Funcs{ScoreFunc: func(context.Context, utterance.Utterance) (skill.Match, error) {
		time.Sleep(300 * time.Millisecond)
		return skill.Match{IntentID: "late", Confidence: 1}, nil
	}}

	start := time.Now()
	cands, health := m.Match(context.Background(), utterance.New("x"), []registry.Entry{
		entry("fast", 1, fixed("ok", 0.7)),
		entry("slow", 2, hang),
	})

	assert.Less(t, time.Since(start), 250*time.Millisecond, "round must not wait for the slow skill")
	require.Len(t, cands, 1)
	assert.Equal(t, "fast", cands[0].SkillID)
	require.Len(t, health, 1)
	assert.Equal(t, "slow", health[0].SkillID)
	assert.ErrorIs(t, health[0].Err, dispatch.ErrTimeout)
}

func TestFailingAndPanickingScorers(t *testing.T) {
	failing := skill.Funcs{ScoreFunc: func(context.Context, utterance.Utterance) (skill.Match, error) {
		return skill.Match{}, errors.New("bad")
	}}
	panicking := skill.Funcs{ScoreFunc: func(context.Context, utterance.Utterance) (skill.Match, error) {
		panic("oops")
	}}

	cands, health := NewMatcher().Match(context.Background(), utterance.New("x"), []registry.Entry{
		entry("failing", 1, failing),
		entry("panicking", 2, panicking),
		entry("ok", 3, fixed("i", 0.9)),
	})

	require.Len(t, cands, 1)
	assert.Equal(t, "ok", cands[0].SkillID)
	require.Len(t, health, 2)
	for _, h := range health {
		assert.ErrorIs(t, h.Err, dispatch.ErrHandler)
	}
}

func TestConfidenceClamped(t *testing.T) {
	cands, _ := NewMatcher().Match(context.Background(), utterance.New("x"),
		[]registry.Entry{entry("s", 1, fixed("i", 7))})
	require.Len(t, cands, 1)
	assert.InDelta(t, 1.0, cands[0].Confidence, 1e-9)
}

func TestBest(t *testing.T) {
	_, ok := Best(nil)
	assert.False(t, ok)

	c, ok := Best([]Candidate{{SkillID: "a"}})
	assert.True(t, ok)
	assert.Equal(t, "a", c.SkillID)
}
