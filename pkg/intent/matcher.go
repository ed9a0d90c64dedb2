package intent

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// TieBreak orders candidates with equal confidence.
type TieBreak string

const (
	// TieBreakLexical prefers priority skills, then ascending skill id, then
	// ascending intent id.
	TieBreakLexical TieBreak = "lexical"
	// TieBreakRecency prefers priority skills, then the earliest registered
	// skill.
	TieBreakRecency TieBreak = "recency"
)

// Valid reports whether t is a known tie-break policy.
func (t TieBreak) Valid() bool { return t == TieBreakLexical || t == TieBreakRecency }

// Candidate is a ranked claim by one skill.
type Candidate struct {
	SkillID     string            `json:"skill_id"`
	IntentID    string            `json:"intent_id"`
	Confidence  float64           `json:"confidence"`
	Slots       map[string]string `json:"slots,omitempty"`
	MatcherKind string            `json:"matcher_kind,omitempty"`
	Priority    bool              `json:"priority,omitempty"`
	Seq         uint64            `json:"-"`
}

// Match converts the candidate back into the skill's Match.
func (c Candidate) Match() skill.Match {
	return skill.Match{IntentID: c.IntentID, Confidence: c.Confidence, Slots: c.Slots, Kind: c.MatcherKind}
}

// HealthEvent reports a skill that failed to score.
type HealthEvent struct {
	SkillID  string
	Err      error
	Duration time.Duration
}

// Options configures a Matcher.
type Options struct {
	MinConfidence float64
	TieBreak      TieBreak
	ScoreTimeout  time.Duration
	Logger        *slog.Logger
}

// Matcher scores utterances against registered skills.
type Matcher struct {
	opts Options
	log  *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(optFns ...func(o *Options)) *Matcher {
	opts := Options{
		MinConfidence: 0.5,
		TieBreak:      TieBreakLexical,
		ScoreTimeout:  500 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if !opts.TieBreak.Valid() {
		opts.TieBreak = TieBreakLexical
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Matcher{opts: opts, log: opts.Logger.With("component", "intent")}
}

type scored struct {
	entry registry.Entry
	match skill.Match
	err   error
	took  time.Duration
}

// Match scores u against every entry and returns candidates best first.
// A skill that errors or misses the round deadline contributes no candidate
// and a HealthEvent instead.
func (m *Matcher) Match(ctx context.Context, u utterance.Utterance, entries []registry.Entry) ([]Candidate, []HealthEvent) {
	if len(entries) == 0 {
		return nil, nil
	}

	roundCtx := ctx
	if m.opts.ScoreTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, m.opts.ScoreTimeout)
		defer cancel()
	}

	results := make(chan scored, len(entries))
	start := time.Now()

	for _, e := range entries {
		go func() {
			res := scored{entry: e}
			defer func() {
				if r := recover(); r != nil {
					res.err = &dispatch.HandlerError{SkillID: e.SkillID, Op: skill.OpScore, Panic: true, Err: fmt.Errorf("%v", r)}
				}
				res.took = time.Since(start)
				results <- res
			}()

			res.match, res.err = e.Skill.Score(roundCtx, u)
			if res.err != nil {
				res.err = &dispatch.HandlerError{SkillID: e.SkillID, Op: skill.OpScore, Err: res.err}
			}
		}()
	}

	var (
		cands  []Candidate
		health []HealthEvent
		seen   = make(map[string]bool, len(entries))
	)

collect:
	for range entries {
		select {
		case res := <-results:
			seen[res.entry.SkillID] = true
			if res.err != nil {
				if roundCtx.Err() != nil {
					res.err = &dispatch.TimeoutError{SkillID: res.entry.SkillID, Op: skill.OpScore, After: m.opts.ScoreTimeout}
				}
				health = append(health, HealthEvent{SkillID: res.entry.SkillID, Err: res.err, Duration: res.took})
				continue
			}
			if c, ok := m.candidate(res); ok {
				cands = append(cands, c)
			}
		case <-roundCtx.Done():
			break collect
		}
	}

	for _, e := range entries {
		if !seen[e.SkillID] {
			health = append(health, HealthEvent{
				SkillID:  e.SkillID,
				Err:      &dispatch.TimeoutError{SkillID: e.SkillID, Op: skill.OpScore, After: m.opts.ScoreTimeout},
				Duration: time.Since(start),
			})
		}
	}

	for _, h := range health {
		m.log.WarnContext(ctx, "skill failed to score", "skill_id", h.SkillID, "error", h.Err)
	}

	Rank(cands, m.opts.TieBreak)

	return cands, health
}

func (m *Matcher) candidate(res scored) (Candidate, bool) {
	conf := res.match.Confidence
	if conf <= 0 || conf < m.opts.MinConfidence {
		return Candidate{}, false
	}
	if conf > 1 {
		conf = 1
	}

	intentID := res.match.IntentID
	if intentID == "" {
		intentID = res.entry.SkillID
	}

	return Candidate{
		SkillID:     res.entry.SkillID,
		IntentID:    intentID,
		Confidence:  conf,
		Slots:       res.match.Slots,
		MatcherKind: res.match.Kind,
		Priority:    res.entry.Priority,
		Seq:         res.entry.Seq,
	}, true
}

// Rank sorts candidates best first: higher confidence, then tb.
func Rank(cands []Candidate, tb TieBreak) {
	slices.SortStableFunc(cands, func(a, b Candidate) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if a.Priority != b.Priority {
			if a.Priority {
				return -1
			}
			return 1
		}
		if tb == TieBreakRecency {
			if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(a.SkillID, b.SkillID); c != 0 {
			return c
		}
		return cmp.Compare(a.IntentID, b.IntentID)
	})
}

// Best returns the top candidate, if any.
func Best(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	return cands[0], true
}
