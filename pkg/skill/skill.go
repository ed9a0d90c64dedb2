package skill

import (
	"context"
	"errors"
	"fmt"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Match kinds reported by scorers.
const (
	KindRegex    = "regex"
	KindFuzzy    = "fuzzy"
	KindExternal = "external"
	KindFallback = "fallback"
)

// Match is a skill's claim on an utterance. A zero Confidence means no claim.
type Match struct {
	IntentID   string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	Kind       string            `json:"kind,omitempty"`
}

// Context is the read-only view of session state handed to skills.
type Context struct {
	SessionID   string            `json:"session_id"`
	Lang        string            `json:"lang,omitempty"`
	SiteID      string            `json:"site_id,omitempty"`
	ActiveSkill string            `json:"active_skill,omitempty"`
	Turn        int               `json:"turn"`
	Values      map[string]string `json:"context,omitempty"`
}

// Response is what a skill returns from Handle or Converse. Handled reports
// whether the skill took the utterance; for Converse it means claimed.
type Response struct {
	Handled bool             `json:"handled"`
	Events  []dispatch.Event `json:"events,omitempty"`
	// Activate makes the skill the session's active skill even when it is not
	// converse capable. Release clears it.
	Activate bool `json:"activate,omitempty"`
	Release  bool `json:"release,omitempty"`
	// SetContext entries live for ContextTurns turns (zero uses the
	// orchestrator default).
	SetContext    map[string]string `json:"set_context,omitempty"`
	ContextTurns  int               `json:"context_turns,omitempty"`
	RemoveContext []string          `json:"remove_context,omitempty"`
}

// Skill is implemented by every dispatch target.
type Skill interface {
	Score(ctx context.Context, u utterance.Utterance) (Match, error)
	Handle(ctx context.Context, u utterance.Utterance, sc Context, m Match) (Response, error)
	Converse(ctx context.Context, u utterance.Utterance, sc Context) (Response, error)
}

// Health of a registered skill.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Disabled Health = "disabled"
)

// ErrInvalid is returned by Registration.Validate.
var ErrInvalid = errors.New("skill: invalid registration")

// Registration announces a skill to the registry.
type Registration struct {
	SkillID         string   `json:"skill_id"`
	Name            string   `json:"name,omitempty"`
	Intents         []string `json:"intents,omitempty"`
	ConverseCapable bool     `json:"converse,omitempty"`
	// FallbackPriority places the skill in the fallback chain; nil means the
	// skill is not a fallback handler. Lower runs first.
	FallbackPriority *int `json:"fallback_priority,omitempty"`
	// Priority wins ties among equally confident intent candidates.
	Priority bool `json:"priority,omitempty"`
	// Persistent skills live in-process and are exempt from heartbeat eviction.
	Persistent bool  `json:"-"`
	Skill      Skill `json:"-"`
}

// Validate checks the registration is usable.
func (r Registration) Validate() error {
	if r.SkillID == "" {
		return fmt.Errorf("%w: skill_id is required", ErrInvalid)
	}
	if r.Skill == nil {
		return fmt.Errorf("%w: %q has no skill implementation", ErrInvalid, r.SkillID)
	}
	return nil
}

// IsFallback reports whether the skill participates in the fallback chain.
func (r Registration) IsFallback() bool { return r.FallbackPriority != nil }

// FallbackAt returns a pointer to p for Registration.FallbackPriority.
func FallbackAt(p int) *int { return &p }
