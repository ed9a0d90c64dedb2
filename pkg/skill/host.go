package skill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/builderjer/ovos-core/pkg/bus"
	"github.com/builderjer/ovos-core/pkg/dispatch"
)

// Host serves a Skill over the bus: it announces the registration, sends
// heartbeats and answers invocations on its own invoke topic.
type Host struct {
	Bus          bus.Bus
	Registration Registration
	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Run serves until ctx is done, then unregisters.
func (h *Host) Run(ctx context.Context) error {
	reg := h.Registration
	if reg.SkillID == "" || reg.Skill == nil {
		return fmt.Errorf("skill: host: %w", ErrInvalid)
	}

	log := h.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("skill_id", reg.SkillID)

	interval := h.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	invokes, err := h.Bus.Subscribe(dispatch.InvokeTopic(reg.SkillID), 64)
	if err != nil {
		return fmt.Errorf("skill: host: %w", err)
	}
	defer h.Bus.Unsubscribe(invokes)

	reregister, err := h.Bus.Subscribe(dispatch.TopicSkillReregister, 4)
	if err != nil {
		return fmt.Errorf("skill: host: %w", err)
	}
	defer h.Bus.Unsubscribe(reregister)

	if err := h.announce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.unregister(log)
			return nil
		case <-ticker.C:
			hb := bus.NewMessage(dispatch.TopicSkillHeartbeat, map[string]any{"skill_id": reg.SkillID})
			if err := h.Bus.Publish(ctx, hb); err != nil {
				log.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		case msg, ok := <-reregister.C:
			if !ok {
				return bus.ErrClosed
			}
			if msg.DataString("skill_id") == reg.SkillID {
				if err := h.announce(ctx); err != nil {
					log.WarnContext(ctx, "re-register failed", "error", err)
				}
			}
		case msg, ok := <-invokes.C:
			if !ok {
				return bus.ErrClosed
			}
			if msg.DataString("skill_id") != reg.SkillID {
				continue
			}
			go h.serve(ctx, log, msg)
		}
	}
}

func (h *Host) announce(ctx context.Context) error {
	data, err := bus.Encode(h.Registration)
	if err != nil {
		return fmt.Errorf("skill: host: %w", err)
	}
	return h.Bus.Publish(ctx, bus.NewMessage(dispatch.TopicSkillRegister, data))
}

func (h *Host) unregister(log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := bus.NewMessage(dispatch.TopicSkillUnregister, map[string]any{"skill_id": h.Registration.SkillID})
	if err := h.Bus.Publish(ctx, msg); err != nil {
		log.Warn("unregister failed", "error", err)
	}
}

func (h *Host) serve(ctx context.Context, log *slog.Logger, msg bus.Message) {
	var (
		req invokeRequest
		rep invokeReply
	)

	rep.SkillID = h.Registration.SkillID

	if err := bus.Decode(msg.Data, &req); err != nil {
		rep.Error = err.Error()
	} else {
		rep = h.invoke(ctx, req)
	}

	data, err := bus.Encode(rep)
	if err != nil {
		log.ErrorContext(ctx, "encode reply failed", "error", err)
		return
	}
	if err := h.Bus.Publish(ctx, msg.Response(data)); err != nil {
		log.WarnContext(ctx, "reply failed", "op", req.Op, "error", err)
	}
}

func (h *Host) invoke(ctx context.Context, req invokeRequest) (rep invokeReply) {
	rep.SkillID = h.Registration.SkillID

	defer func() {
		if r := recover(); r != nil {
			rep.Error = fmt.Sprintf("skill panicked: %v", r)
		}
	}()

	var sc Context
	if req.Session != nil {
		sc = *req.Session
	}

	var err error
	switch req.Op {
	case OpScore:
		rep.Match, err = h.Registration.Skill.Score(ctx, req.Utterance)
	case OpHandle:
		var m Match
		if req.Match != nil {
			m = *req.Match
		}
		rep.Response, err = h.Registration.Skill.Handle(ctx, req.Utterance, sc, m)
	case OpConverse:
		rep.Response, err = h.Registration.Skill.Converse(ctx, req.Utterance, sc)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}
