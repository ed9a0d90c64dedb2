package skill

import (
	"context"

	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Funcs adapts plain functions to the Skill interface. Nil functions score
// zero, decline to handle and decline to converse.
type Funcs struct {
	ScoreFunc    func(ctx context.Context, u utterance.Utterance) (Match, error)
	HandleFunc   func(ctx context.Context, u utterance.Utterance, sc Context, m Match) (Response, error)
	ConverseFunc func(ctx context.Context, u utterance.Utterance, sc Context) (Response, error)
}

func (f Funcs) Score(ctx context.Context, u utterance.Utterance) (Match, error) {
	if f.ScoreFunc == nil {
		return Match{}, nil
	}
	return f.ScoreFunc(ctx, u)
}

func (f Funcs) Handle(ctx context.Context, u utterance.Utterance, sc Context, m Match) (Response, error) {
	if f.HandleFunc == nil {
		return Response{}, nil
	}
	return f.HandleFunc(ctx, u, sc, m)
}

func (f Funcs) Converse(ctx context.Context, u utterance.Utterance, sc Context) (Response, error) {
	if f.ConverseFunc == nil {
		return Response{}, nil
	}
	return f.ConverseFunc(ctx, u, sc)
}
