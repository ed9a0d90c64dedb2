// Package fallback runs the ordered chain of last-resort handlers tried when
// no intent claims an utterance (or the claimant declines).
//
// Handlers run one at a time in ascending priority; the first to handle the
// utterance ends the chain. Priorities fall into three tiers: high (0-5),
// medium (6-90) and low (91 and up). A skill registered without an explicit
// priority runs at DefaultPriority; operator overrides take precedence over
// what the skill announced.
package fallback

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/sandbox"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// DefaultPriority is used for fallback skills that announce a negative priority.
const DefaultPriority = 101

// IntentID is the intent id passed to fallback handlers.
const IntentID = "fallback"

// Mode filters which skills may act as fallbacks.
type Mode string

const (
	ModeAcceptAll Mode = "accept_all"
	ModeBlacklist Mode = "blacklist"
	ModeWhitelist Mode = "whitelist"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAcceptAll || m == ModeBlacklist || m == ModeWhitelist
}

// Tier names a priority range.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// TierOf returns the tier for priority p.
func TierOf(p int) Tier {
	switch {
	case p <= 5:
		return TierHigh
	case p <= 90:
		return TierMedium
	default:
		return TierLow
	}
}

// Handler is one link of the chain.
type Handler struct {
	SkillID  string `json:"skill_id"`
	Priority int    `json:"priority"`
	Tier     Tier   `json:"tier"`
}

// Options configures a Chain.
type Options struct {
	Mode      Mode
	Blacklist []string
	Whitelist []string
	// Priorities overrides announced priorities by skill id.
	Priorities map[string]int
	Logger     *slog.Logger
}

// Result of running the chain.
type Result struct {
	Handled  bool
	SkillID  string
	Response skill.Response
	Entry    registry.Entry
	Attempts []dispatch.Attempt
	// Err is dispatch.ErrNoMatch when every handler declined, or the
	// infrastructure error that aborted the chain.
	Err error
}

// Chain orders and runs fallback handlers.
type Chain struct {
	sb   *sandbox.Sandbox
	opts Options
	log  *slog.Logger
}

// New creates a Chain that invokes handlers through sb.
func New(sb *sandbox.Sandbox, optFns ...func(o *Options)) *Chain {
	opts := Options{Mode: ModeAcceptAll}
	for _, fn := range optFns {
		fn(&opts)
	}
	if !opts.Mode.Valid() {
		opts.Mode = ModeAcceptAll
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Chain{sb: sb, opts: opts, log: opts.Logger.With("component", "fallback")}
}

// Allowed reports whether the mode permits skill id as a fallback.
func (c *Chain) Allowed(id string) bool {
	switch c.opts.Mode {
	case ModeBlacklist:
		return !slices.Contains(c.opts.Blacklist, id)
	case ModeWhitelist:
		return slices.Contains(c.opts.Whitelist, id)
	default:
		return true
	}
}

// Priority returns the effective priority for a fallback entry.
func (c *Chain) Priority(e registry.Entry) int {
	if p, ok := c.opts.Priorities[e.SkillID]; ok {
		return p
	}
	if e.FallbackPriority == nil || *e.FallbackPriority < 0 {
		return DefaultPriority
	}
	return *e.FallbackPriority
}

// Handlers returns the chain for entries in execution order. Equal priorities
// run in ascending skill id order.
func (c *Chain) Handlers(entries []registry.Entry) []Handler {
	var hs []Handler
	for _, e := range entries {
		if !e.IsFallback() || !e.Eligible() || !c.Allowed(e.SkillID) {
			continue
		}
		p := c.Priority(e)
		hs = append(hs, Handler{SkillID: e.SkillID, Priority: p, Tier: TierOf(p)})
	}

	slices.SortFunc(hs, func(a, b Handler) int {
		if d := cmp.Compare(a.Priority, b.Priority); d != 0 {
			return d
		}
		return cmp.Compare(a.SkillID, b.SkillID)
	})

	return hs
}

// Run tries handlers in order, skipping ids in exclude. A handler that
// errors or times out is skipped; a transport failure or pre-emption aborts
// the chain.
func (c *Chain) Run(ctx context.Context, u utterance.Utterance, sc skill.Context, entries []registry.Entry, exclude map[string]bool) Result {
	var res Result

	for _, h := range c.Handlers(entries) {
		if exclude[h.SkillID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Err = dispatch.ErrPreempted
			return res
		}

		out := c.sb.Invoke(ctx, sandbox.Call{
			SkillID:   h.SkillID,
			Op:        skill.OpHandle,
			Utterance: u,
			Context:   sc,
			Match:     skill.Match{IntentID: IntentID, Kind: skill.KindFallback},
		})
		res.Attempts = append(res.Attempts, out.Attempt(dispatch.MatchFallback))

		switch {
		case errors.Is(out.Err, dispatch.ErrTransport), errors.Is(out.Err, dispatch.ErrPreempted):
			res.Err = out.Err
			return res
		case out.Handled():
			res.Handled = true
			res.SkillID = h.SkillID
			res.Response = out.Response
			res.Entry = out.Entry
			c.log.DebugContext(ctx, "fallback handled", "skill_id", h.SkillID, "tier", h.Tier)
			return res
		}
	}

	res.Err = dispatch.ErrNoMatch
	return res
}
