package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/builderjer/ovos-core/pkg/bus"
	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/session"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

type handlerFunc func(ctx context.Context, msg bus.Message) error

func (o *Orchestrator) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		dispatch.TopicUtterance:       o.onUtterance,
		dispatch.TopicSkillRegister:   o.onRegister,
		dispatch.TopicSkillHeartbeat:  o.onHeartbeat,
		dispatch.TopicSkillUnregister: o.onUnregister,
		dispatch.TopicSessionEnd:      o.onSessionEnd,
		dispatch.TopicSkillActivate:   o.onActivate,
		dispatch.TopicSkillDeactivate: o.onDeactivate,
		dispatch.TopicContextAdd:      o.onContextAdd,
		dispatch.TopicContextRemove:   o.onContextRemove,
		dispatch.TopicContextClear:    o.onContextClear,
		dispatch.TopicIntentGet:       o.onIntentGet,
		dispatch.TopicSkillsGet:       o.onSkillsGet,
		dispatch.TopicActiveSkillsGet: o.onActiveSkillsGet,
	}
}

// Attach subscribes to the inbound topics and serves them until ctx is done.
// Each topic is consumed by its own goroutine so messages of one topic are
// handled in arrival order.
func (o *Orchestrator) Attach(ctx context.Context) error {
	type topicSub struct {
		sub *bus.Subscription
		fn  handlerFunc
	}

	var subs []topicSub
	for topic, fn := range o.handlers() {
		size := 64
		if topic == dispatch.TopicUtterance {
			size = 1024
		}
		sub, err := o.deps.Bus.Subscribe(topic, size)
		if err != nil {
			for _, s := range subs {
				o.deps.Bus.Unsubscribe(s.sub)
			}
			return fmt.Errorf("orchestrator: attach %q: %w", topic, err)
		}
		subs = append(subs, topicSub{sub, fn})
	}

	for _, s := range subs {
		go func() {
			defer o.deps.Bus.Unsubscribe(s.sub)

			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-s.sub.C:
					if !ok {
						return
					}
					if err := s.fn(ctx, msg); err != nil {
						o.log.WarnContext(ctx, "inbound message rejected", "topic", msg.Type, "error", err)
					}
				}
			}
		}()
	}

	o.log.InfoContext(ctx, "attached to bus", "topics", len(subs))

	return nil
}

func (o *Orchestrator) reply(ctx context.Context, msg bus.Message, data map[string]any) {
	r := msg.Response(data)
	r.Context[bus.CtxSource] = o.opts.Source
	if err := o.deps.Bus.Publish(ctx, r); err != nil {
		o.log.WarnContext(ctx, "reply failed", "topic", r.Type, "error", err)
	}
}

// explicitSessionID returns the session named by the message, if any.
func explicitSessionID(msg bus.Message) string {
	if id := msg.DataString("session_id"); id != "" {
		return id
	}
	if id := msg.ContextString(bus.CtxSessionID); id != "" {
		return id
	}
	if sess, ok := msg.Context["session"].(map[string]any); ok {
		if id, ok := sess["session_id"].(string); ok {
			return id
		}
	}
	return ""
}

// sessionID resolves the session a control message refers to.
func sessionID(msg bus.Message) string {
	if id := explicitSessionID(msg); id != "" {
		return id
	}
	if id := msg.ContextString("site_id"); id != "" {
		return id
	}
	return utterance.DefaultSessionID
}

// utteranceFromMessage accepts either a structured "utterance" object or the
// OVOS shape with an "utterances" list and routing in the context.
func utteranceFromMessage(msg bus.Message) (utterance.Utterance, error) {
	var u utterance.Utterance

	switch v := msg.Data["utterance"].(type) {
	case map[string]any:
		if err := bus.Decode(v, &u); err != nil {
			return u, err
		}
	case string:
		u.Text = v
	default:
		list, _ := msg.Data["utterances"].([]any)
		for i, item := range list {
			s, _ := item.(string)
			if i == 0 {
				u.Text = s
			} else if s != "" {
				u.Alternatives = append(u.Alternatives, s)
			}
		}
	}

	if u.ID == "" {
		u.ID = msg.DataString("utterance_id")
	}
	if u.ID == "" {
		u.ID = msg.ContextString("utterance_id")
	}
	if u.Lang == "" {
		u.Lang = msg.DataString("lang")
	}
	if u.Lang == "" {
		u.Lang = msg.ContextString("lang")
	}
	if u.SiteID == "" {
		u.SiteID = msg.ContextString("site_id")
	}
	if u.SessionID == "" {
		u.SessionID = explicitSessionID(msg)
	}
	if u.Source == "" {
		u.Source = msg.ContextString(bus.CtxSource)
	}
	for _, k := range []string{utterance.MetaSTTLang, utterance.MetaRequestLang, utterance.MetaDetectedLang} {
		if v := msg.ContextString(k); v != "" {
			if u.Metadata == nil {
				u.Metadata = make(map[string]string)
			}
			if _, set := u.Metadata[k]; !set {
				u.Metadata[k] = v
			}
		}
	}

	return u, u.Validate()
}

func (o *Orchestrator) onUtterance(ctx context.Context, msg bus.Message) error {
	u, err := utteranceFromMessage(msg)
	if err != nil {
		return err
	}
	_, err = o.Submit(ctx, u)
	return err
}

func (o *Orchestrator) onRegister(ctx context.Context, msg bus.Message) error {
	var reg skill.Registration
	if err := bus.Decode(msg.Data, &reg); err != nil {
		return err
	}
	reg.Skill = skill.NewBusSkill(reg.SkillID, o.deps.Bus)

	err := o.deps.Registry.Register(reg)

	data := map[string]any{"skill_id": reg.SkillID, "accepted": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	o.reply(ctx, msg, data)

	return err
}

func (o *Orchestrator) onHeartbeat(ctx context.Context, msg bus.Message) error {
	id := msg.DataString("skill_id")
	err := o.deps.Registry.Heartbeat(id)
	if errors.Is(err, registry.ErrNotFound) {
		req := bus.NewMessage(dispatch.TopicSkillReregister, map[string]any{"skill_id": id})
		req.Context[bus.CtxSource] = o.opts.Source
		return o.deps.Bus.Publish(ctx, req)
	}
	return err
}

func (o *Orchestrator) onUnregister(_ context.Context, msg bus.Message) error {
	return o.deps.Registry.Unregister(msg.DataString("skill_id"))
}

func (o *Orchestrator) onSessionEnd(ctx context.Context, msg bus.Message) error {
	err := o.EndSession(ctx, sessionID(msg))
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

// senderMay reports whether the message's sender may act on skillID. Skills
// may only change their own activation; messages without a sending skill are
// trusted.
func senderMay(msg bus.Message, skillID string) bool {
	sender := msg.ContextString(bus.CtxSkillID)
	return sender == "" || sender == skillID
}

func (o *Orchestrator) onActivate(ctx context.Context, msg bus.Message) error {
	id := msg.DataString("skill_id")
	if !senderMay(msg, id) {
		return fmt.Errorf("skill %q may not activate %q", msg.ContextString(bus.CtxSkillID), id)
	}
	if _, ok := o.deps.Registry.Get(id); !ok {
		return fmt.Errorf("activate %q: %w", id, registry.ErrNotFound)
	}

	_, err := o.deps.Sessions.Update(ctx, sessionID(msg), func(s *session.Session) error {
		s.Activate(id, o.opts.Now())
		return nil
	})
	return err
}

func (o *Orchestrator) onDeactivate(ctx context.Context, msg bus.Message) error {
	id := msg.DataString("skill_id")
	if !senderMay(msg, id) {
		return fmt.Errorf("skill %q may not deactivate %q", msg.ContextString(bus.CtxSkillID), id)
	}

	_, err := o.deps.Sessions.Update(ctx, sessionID(msg), func(s *session.Session) error {
		if s.ActiveSkill == id {
			s.Deactivate()
		}
		return nil
	})
	return err
}

type contextPayload struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Origin     string  `json:"origin"`
	TTLTurns   int     `json:"ttl_turns"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

func (o *Orchestrator) onContextAdd(ctx context.Context, msg bus.Message) error {
	var p contextPayload
	if err := bus.Decode(msg.Data, &p); err != nil {
		return err
	}
	if p.Key == "" {
		return errors.New("context.add: key is required")
	}
	if p.Origin == "" {
		p.Origin = msg.ContextString(bus.CtxSkillID)
	}

	_, err := o.deps.Sessions.Update(ctx, sessionID(msg), func(s *session.Session) error {
		e := session.ContextEntry{Key: p.Key, Value: p.Value, Origin: p.Origin}
		if p.TTLTurns > 0 {
			e.ExpiresTurn = s.Turn + p.TTLTurns
		}
		if p.TTLSeconds > 0 {
			e.ExpiresAt = o.opts.Now().Add(time.Duration(p.TTLSeconds * float64(time.Second)))
		}
		s.SetContext(e)
		return nil
	})
	return err
}

func (o *Orchestrator) onContextRemove(ctx context.Context, msg bus.Message) error {
	key := msg.DataString("key")
	_, err := o.deps.Sessions.Update(ctx, sessionID(msg), func(s *session.Session) error {
		s.RemoveContext(key)
		return nil
	})
	return err
}

func (o *Orchestrator) onContextClear(ctx context.Context, msg bus.Message) error {
	_, err := o.deps.Sessions.Update(ctx, sessionID(msg), func(s *session.Session) error {
		s.ClearContext()
		return nil
	})
	return err
}

func (o *Orchestrator) onIntentGet(ctx context.Context, msg bus.Message) error {
	u, err := utteranceFromMessage(msg)
	if err != nil {
		o.reply(ctx, msg, map[string]any{"intent": nil, "error": err.Error()})
		return err
	}

	var found any
	if c, ok := o.QueryIntent(ctx, u); ok {
		data, err := bus.Encode(c)
		if err != nil {
			return err
		}
		found = data
	}

	o.reply(ctx, msg, map[string]any{"utterance": u.Text, "intent": found})
	return nil
}

func (o *Orchestrator) onSkillsGet(ctx context.Context, msg bus.Message) error {
	entries := o.Skills()
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryPayload(e))
	}
	o.reply(ctx, msg, map[string]any{"skills": out})
	return nil
}

func (o *Orchestrator) onActiveSkillsGet(ctx context.Context, msg bus.Message) error {
	if id := msg.DataString("session_id"); id != "" {
		s, ok, err := o.Session(ctx, id)
		if err != nil {
			return err
		}
		var active []any
		if ok && s.ActiveSkill != "" {
			active = append(active, map[string]any{"skill_id": s.ActiveSkill, "since": s.ActiveSince})
		}
		o.reply(ctx, msg, map[string]any{"session_id": id, "skills": active})
		return nil
	}

	all, err := o.ActiveSkills(ctx)
	if err != nil {
		return err
	}
	sessions := make(map[string]any, len(all))
	for sid, skillID := range all {
		sessions[sid] = skillID
	}
	o.reply(ctx, msg, map[string]any{"sessions": sessions})
	return nil
}
