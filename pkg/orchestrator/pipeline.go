package orchestrator

import (
	"context"
	"errors"

	"github.com/builderjer/ovos-core/pkg/converse"
	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/dispatchctx"
	"github.com/builderjer/ovos-core/pkg/fallback"
	"github.com/builderjer/ovos-core/pkg/intent"
	"github.com/builderjer/ovos-core/pkg/sandbox"
	"github.com/builderjer/ovos-core/pkg/session"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// process runs one job on a worker slot and publishes its outcome.
func (o *Orchestrator) process(ctx context.Context, j *job) dispatch.Result {
	ctx = dispatchctx.WithSessionID(ctx, j.sid)
	ctx = dispatchctx.WithUtteranceID(ctx, j.u.ID)

	res := dispatch.Result{
		UtteranceID: j.u.ID,
		SessionID:   j.sid,
		State:       dispatch.StateReceived,
		Started:     o.opts.Now(),
	}

	select {
	case o.sem <- struct{}{}:
		res = o.traverse(ctx, j, res)
		<-o.sem
	case <-ctx.Done():
		res = preempted(res)
	}

	o.finish(ctx, j.u, &res)
	return res
}

func (o *Orchestrator) traverse(ctx context.Context, j *job, res dispatch.Result) dispatch.Result {
	lang := utterance.ResolveLang(j.u, o.opts.DefaultLang, o.opts.SecondaryLangs)
	u := j.u.InLang(lang)
	res.Lang = lang

	if j.stop {
		return o.stop(ctx, j.sid, res)
	}

	sess, _, err := o.deps.Sessions.Advance(ctx, j.sid, lang, u.SiteID)
	if err != nil {
		return fail(res, err)
	}
	sc := skillContext(sess)

	var declined string

	if sess.ActiveSkill != "" {
		res.State = dispatch.StateConverseOffered

		cr := o.deps.Converse.Offer(ctx, u, sc)
		if cr.Attempt != nil {
			res.Attempts = append(res.Attempts, *cr.Attempt)
		}

		switch cr.Outcome {
		case converse.Claimed:
			return o.complete(ctx, res, handled{
				skillID:  cr.SkillID,
				intentID: dispatch.MatchConverse,
				kind:     dispatch.MatchConverse,
				resp:     cr.Response,
				converse: true,
			})
		case converse.Failed:
			switch {
			case errors.Is(cr.Err, dispatch.ErrTransport):
				return fail(res, cr.Err)
			case errors.Is(cr.Err, dispatch.ErrPreempted):
				return preempted(res)
			}
			o.log.WarnContext(ctx, "active skill failed to converse", "skill_id", cr.SkillID, "error", cr.Err)
			o.release(ctx, j.sid, cr.SkillID)
			sc.ActiveSkill = ""
		case converse.Declined:
			declined = cr.SkillID
		}
	}

	res.State = dispatch.StateMatching

	entries := o.deps.Registry.Snapshot()
	cands, health := o.deps.Matcher.Match(ctx, u, entries)
	if ctx.Err() != nil {
		return preempted(res)
	}
	o.recordHealth(ctx, health)

	invoked := make(map[string]bool)

	if top, ok := intent.Best(cands); ok {
		res.State = dispatch.StateDispatching

		out := o.deps.Sandbox.Invoke(ctx, sandbox.Call{
			SkillID:   top.SkillID,
			Op:        skill.OpHandle,
			Utterance: u,
			Context:   sc,
			Match:     top.Match(),
		})
		invoked[top.SkillID] = true
		res.Attempts = append(res.Attempts, out.Attempt(dispatch.MatchIntent))

		switch {
		case errors.Is(out.Err, dispatch.ErrTransport):
			return fail(res, out.Err)
		case errors.Is(out.Err, dispatch.ErrPreempted):
			return preempted(res)
		case out.Handled():
			return o.complete(ctx, res, handled{
				skillID:  top.SkillID,
				intentID: top.IntentID,
				kind:     dispatch.MatchIntent,
				resp:     out.Response,
				converse: out.Entry.ConverseCapable,
			})
		}
	} else if declined != "" {
		o.release(ctx, j.sid, declined)
		sc.ActiveSkill = ""
	}

	res.State = dispatch.StateFallback

	fr := o.deps.Fallback.Run(ctx, u, sc, entries, invoked)
	res.Attempts = append(res.Attempts, fr.Attempts...)

	switch {
	case fr.Handled:
		return o.complete(ctx, res, handled{
			skillID:  fr.SkillID,
			intentID: fallback.IntentID,
			kind:     dispatch.MatchFallback,
			resp:     fr.Response,
			converse: fr.Entry.ConverseCapable,
		})
	case errors.Is(fr.Err, dispatch.ErrTransport):
		return fail(res, fr.Err)
	case errors.Is(fr.Err, dispatch.ErrPreempted):
		return preempted(res)
	}

	if declined != "" {
		o.release(ctx, j.sid, declined)
	}

	res.State = dispatch.StateCompleted
	res.Err = dispatch.ErrNoMatch
	res.Events = []dispatch.Event{{
		Topic:     dispatch.TopicNoMatch,
		SessionID: j.sid,
		Data:      map[string]any{"utterance": u.Text, "lang": lang},
	}}

	return res
}

type handled struct {
	skillID  string
	intentID string
	kind     string
	resp     skill.Response
	converse bool
}

// complete applies the handler's session effects and closes the dispatch.
func (o *Orchestrator) complete(ctx context.Context, res dispatch.Result, h handled) dispatch.Result {
	turns := h.resp.ContextTurns
	if turns <= 0 {
		turns = o.opts.ContextTurns
	}

	_, err := o.deps.Sessions.Update(context.WithoutCancel(ctx), res.SessionID, func(s *session.Session) error {
		switch {
		case h.resp.Release:
			if s.ActiveSkill == h.skillID {
				s.Deactivate()
			}
		case h.converse || h.resp.Activate:
			s.Activate(h.skillID, o.opts.Now())
		}

		for k, v := range h.resp.SetContext {
			e := session.ContextEntry{Key: k, Value: v, Origin: h.skillID}
			if turns > 0 {
				e.ExpiresTurn = s.Turn + turns
			}
			s.SetContext(e)
		}
		for _, k := range h.resp.RemoveContext {
			s.RemoveContext(k)
		}
		return nil
	})
	if err != nil {
		o.log.WarnContext(ctx, "session update after dispatch failed", "skill_id", h.skillID, "error", err)
	}

	res.State = dispatch.StateCompleted
	res.Handled = true
	res.SkillID = h.skillID
	res.IntentID = h.intentID
	res.MatchKind = h.kind

	for _, ev := range h.resp.Events {
		if ev.SessionID == "" {
			ev.SessionID = res.SessionID
		}
		res.Events = append(res.Events, ev)
	}

	return res
}

// stop clears the session's active skill and announces the stop.
func (o *Orchestrator) stop(ctx context.Context, sid string, res dispatch.Result) dispatch.Result {
	var prev string

	_, err := o.deps.Sessions.Update(context.WithoutCancel(ctx), sid, func(s *session.Session) error {
		s.Turn++
		prev = s.ActiveSkill
		s.Deactivate()
		return nil
	})
	if err != nil {
		return fail(res, err)
	}

	res.State = dispatch.StateCompleted
	res.Handled = true
	res.IntentID = "stop"
	res.MatchKind = dispatch.MatchStop
	res.Events = []dispatch.Event{{
		Topic:     dispatch.TopicStop,
		SessionID: sid,
		Data:      map[string]any{"active_skill": prev},
	}}

	return res
}

func (o *Orchestrator) release(ctx context.Context, sid, skillID string) {
	_, err := o.deps.Sessions.Update(context.WithoutCancel(ctx), sid, func(s *session.Session) error {
		if s.ActiveSkill == skillID {
			s.Deactivate()
		}
		return nil
	})
	if err != nil {
		o.log.WarnContext(ctx, "release active skill failed", "skill_id", skillID, "error", err)
	}
}

func (o *Orchestrator) recordHealth(ctx context.Context, events []intent.HealthEvent) {
	if ctx.Err() != nil {
		return
	}
	for _, h := range events {
		o.deps.Registry.RecordFailure(h.SkillID, h.Err)
		o.publishHealth(ctx, h.SkillID, skill.OpScore, h.Err)
	}
}

func skillContext(s session.Session) skill.Context {
	return skill.Context{
		SessionID:   s.ID,
		Lang:        s.Lang,
		SiteID:      s.SiteID,
		ActiveSkill: s.ActiveSkill,
		Turn:        s.Turn,
		Values:      s.ContextMap(),
	}
}

func fail(res dispatch.Result, err error) dispatch.Result {
	res.State = dispatch.StateFailed
	res.Handled = false
	res.Err = err
	res.Events = []dispatch.Event{{
		Topic:     dispatch.TopicError,
		SessionID: res.SessionID,
		Data: map[string]any{
			"utterance_id": res.UtteranceID,
			"error":        err.Error(),
			"kind":         dispatch.ErrorKind(err),
		},
	}}
	return res
}

func preempted(res dispatch.Result) dispatch.Result {
	res.State = dispatch.StateCompleted
	res.Handled = false
	res.Err = dispatch.ErrPreempted
	res.Events = nil
	return res
}
