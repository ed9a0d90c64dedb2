package orchestrator

import (
	"context"
	"maps"

	"github.com/builderjer/ovos-core/pkg/bus"
	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// finish stamps the result, publishes its events in order and then the
// telemetry record. A dispatch whose events cannot be delivered is failed.
func (o *Orchestrator) finish(ctx context.Context, u utterance.Utterance, res *dispatch.Result) {
	res.Finished = o.opts.Now()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PublishTimeout)
	defer cancel()

	for _, ev := range res.Events {
		if err := o.publishEvent(pctx, u, res, ev); err != nil {
			o.log.ErrorContext(ctx, "publish failed", "topic", ev.Topic, "error", err)
			if res.State != dispatch.StateFailed {
				*res = fail(*res, err)
				_ = o.publishEvent(pctx, u, res, res.Events[0])
			}
			break
		}
	}

	for _, a := range res.Attempts {
		if dispatch.IsSkillFault(a.Err) {
			o.publishHealth(pctx, a.SkillID, a.Stage, a.Err)
		}
	}

	telemetry := bus.NewMessage(dispatch.TopicTelemetry, res.Summary())
	o.stamp(&telemetry, u, res)
	if err := o.deps.Bus.Publish(pctx, telemetry); err != nil {
		o.log.DebugContext(ctx, "telemetry publish failed", "error", err)
	}

	attrs := []any{
		"session_id", res.SessionID,
		"utterance_id", res.UtteranceID,
		"state", res.State,
		"handled", res.Handled,
		"skill_id", res.SkillID,
		"match_kind", res.MatchKind,
		"duration", res.Duration(),
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
	}
	if res.State == dispatch.StateFailed {
		o.log.ErrorContext(ctx, "utterance dispatched", attrs...)
	} else {
		o.log.InfoContext(ctx, "utterance dispatched", attrs...)
	}
}

func (o *Orchestrator) publishEvent(ctx context.Context, u utterance.Utterance, res *dispatch.Result, ev dispatch.Event) error {
	msg := bus.NewMessage(ev.Topic, maps.Clone(ev.Data))
	o.stamp(&msg, u, res)
	if ev.SessionID != "" {
		msg.Context[bus.CtxSessionID] = ev.SessionID
	}
	return o.deps.Bus.Publish(ctx, msg)
}

func (o *Orchestrator) stamp(msg *bus.Message, u utterance.Utterance, res *dispatch.Result) {
	msg.Context[bus.CtxSource] = o.opts.Source
	msg.Context[bus.CtxSessionID] = res.SessionID
	msg.Context["utterance_id"] = res.UtteranceID
	if res.SkillID != "" {
		msg.Context[bus.CtxSkillID] = res.SkillID
	}
	if res.Lang != "" {
		msg.Context["lang"] = res.Lang
	}
	if u.SiteID != "" {
		msg.Context["site_id"] = u.SiteID
	}
	if u.Source != "" {
		msg.Context[bus.CtxDestination] = u.Source
	}
}

func (o *Orchestrator) publishHealth(ctx context.Context, skillID, op string, cause error) {
	data := map[string]any{
		"skill_id": skillID,
		"op":       op,
	}
	if cause != nil {
		data["error"] = cause.Error()
		data["error_kind"] = dispatch.ErrorKind(cause)
	}
	if e, ok := o.deps.Registry.Get(skillID); ok {
		data["health"] = string(e.Health)
		data["failures"] = e.Failures
	} else {
		data["health"] = "removed"
	}

	msg := bus.NewMessage(dispatch.TopicSkillHealth, data)
	msg.Context[bus.CtxSource] = o.opts.Source
	if err := o.deps.Bus.Publish(ctx, msg); err != nil {
		o.log.DebugContext(ctx, "health publish failed", "skill_id", skillID, "error", err)
	}
}

func entryPayload(e registry.Entry) map[string]any {
	data, err := bus.Encode(e)
	if err != nil {
		return map[string]any{"skill_id": e.SkillID}
	}
	return data
}
