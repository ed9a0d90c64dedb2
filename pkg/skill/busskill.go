package skill

import (
	"context"
	"errors"
	"fmt"

	"github.com/builderjer/ovos-core/pkg/bus"
	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Operations carried in skill.invoke requests.
const (
	OpScore    = "score"
	OpHandle   = "handle"
	OpConverse = "converse"
)

type invokeRequest struct {
	SkillID   string              `json:"skill_id"`
	Op        string              `json:"op"`
	Utterance utterance.Utterance `json:"utterance"`
	Session   *Context            `json:"session,omitempty"`
	Match     *Match              `json:"match,omitempty"`
}

type invokeReply struct {
	SkillID  string   `json:"skill_id"`
	Match    Match    `json:"match"`
	Response Response `json:"response"`
	Error    string   `json:"error,omitempty"`
}

// BusSkill is the orchestrator-side proxy for a skill living behind the bus.
// Each call is a request on the skill's own invoke topic, answered on a reply
// topic private to the call; the caller's context bounds the wait.
type BusSkill struct {
	ID  string
	Bus bus.Bus
}

// NewBusSkill returns a proxy for the skill id on b.
func NewBusSkill(id string, b bus.Bus) *BusSkill {
	return &BusSkill{ID: id, Bus: b}
}

func (s *BusSkill) Score(ctx context.Context, u utterance.Utterance) (Match, error) {
	rep, err := s.call(ctx, invokeRequest{Op: OpScore, Utterance: u})
	if err != nil {
		return Match{}, err
	}
	return rep.Match, nil
}

func (s *BusSkill) Handle(ctx context.Context, u utterance.Utterance, sc Context, m Match) (Response, error) {
	rep, err := s.call(ctx, invokeRequest{Op: OpHandle, Utterance: u, Session: &sc, Match: &m})
	if err != nil {
		return Response{}, err
	}
	return rep.Response, nil
}

func (s *BusSkill) Converse(ctx context.Context, u utterance.Utterance, sc Context) (Response, error) {
	rep, err := s.call(ctx, invokeRequest{Op: OpConverse, Utterance: u, Session: &sc})
	if err != nil {
		return Response{}, err
	}
	return rep.Response, nil
}

func (s *BusSkill) call(ctx context.Context, req invokeRequest) (invokeReply, error) {
	req.SkillID = s.ID

	data, err := bus.Encode(req)
	if err != nil {
		return invokeReply{}, fmt.Errorf("skill: %s %s: %w", s.ID, req.Op, err)
	}

	msg := bus.NewMessage(dispatch.InvokeTopic(s.ID), data)
	msg.Context[bus.CtxSkillID] = s.ID
	msg.Context[bus.CtxDestination] = s.ID

	reply, err := bus.Request(ctx, s.Bus, msg, dispatch.ResponseTopic(dispatch.TopicSkillInvoke))
	if err != nil {
		return invokeReply{}, err
	}

	var rep invokeReply
	if err := bus.Decode(reply.Data, &rep); err != nil {
		return invokeReply{}, fmt.Errorf("skill: %s %s: %w", s.ID, req.Op, err)
	}
	if rep.Error != "" {
		return invokeReply{}, errors.New(rep.Error)
	}
	return rep, nil
}
