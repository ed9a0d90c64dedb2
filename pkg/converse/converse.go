// Package converse gives a session's active skill first refusal on a new
// utterance before intent matching runs.
package converse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/sandbox"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// ErrNotEligible is returned when the named skill cannot converse: it is not
// registered, not healthy or not converse capable.
var ErrNotEligible = errors.New("converse: skill not eligible")

// Outcome of a converse offer.
type Outcome string

const (
	Claimed  Outcome = "claimed"
	Declined Outcome = "declined"
	// Failed covers timeouts, crashes and ineligible skills.
	Failed Outcome = "failed"
)

// Result of a converse offer.
type Result struct {
	Outcome  Outcome
	SkillID  string
	Response skill.Response
	Err      error
	Attempt  *dispatch.Attempt
}

// Dispatcher offers utterances to the active skill.
type Dispatcher struct {
	reg *registry.Registry
	sb  *sandbox.Sandbox
	log *slog.Logger
}

// New creates a Dispatcher.
func New(reg *registry.Registry, sb *sandbox.Sandbox, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{reg: reg, sb: sb, log: logger.With("component", "converse")}
}

// Offer gives sc.ActiveSkill the chance to claim u.
func (d *Dispatcher) Offer(ctx context.Context, u utterance.Utterance, sc skill.Context) Result {
	id := sc.ActiveSkill
	res := Result{SkillID: id}

	e, ok := d.reg.Get(id)
	if !ok || !e.Eligible() || !e.ConverseCapable {
		res.Outcome = Failed
		res.Err = fmt.Errorf("%w: %q", ErrNotEligible, id)
		return res
	}

	out := d.sb.Invoke(ctx, sandbox.Call{
		SkillID:   id,
		Op:        skill.OpConverse,
		Utterance: u,
		Context:   sc,
	})
	a := out.Attempt(dispatch.MatchConverse)
	res.Attempt = &a

	switch {
	case out.Err != nil:
		res.Outcome = Failed
		res.Err = out.Err
	case out.Response.Handled:
		res.Outcome = Claimed
		res.Response = out.Response
	default:
		res.Outcome = Declined
	}

	d.log.DebugContext(ctx, "converse offered", "skill_id", id, "outcome", res.Outcome, "error", res.Err)

	return res
}
