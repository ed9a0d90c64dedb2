package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/skill"
)

// Runner executes one skill operation.
type Runner interface {
	Run(ctx context.Context) (skill.Response, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context) (skill.Response, error)

// Run calls the underlying function.
func (f RunnerFunc) Run(ctx context.Context) (skill.Response, error) {
	return f(ctx)
}

// Middleware wraps a Runner, returning a new Runner with added behaviour.
type Middleware func(next Runner) Runner

// Chain applies middlewares so that the first one is outermost.
func Chain(r Runner, mws ...Middleware) Runner {
	for i := len(mws) - 1; i >= 0; i-- {
		r = mws[i](r)
	}
	return r
}

// Recovery converts panics into *dispatch.HandlerError.
func Recovery(skillID, op string) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context) (resp skill.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &dispatch.HandlerError{SkillID: skillID, Op: op, Panic: true, Err: fmt.Errorf("%v", r)}
				}
			}()

			return next.Run(ctx)
		})
	}
}

// Isolate runs next on its own goroutine under a deadline of d. When the
// deadline passes the call is abandoned and a *dispatch.TimeoutError returned.
// When the caller's context is cancelled the call gets grace to wind down
// before being abandoned; finishing within grace yields dispatch.ErrPreempted,
// overrunning it is treated as a timeout.
func Isolate(skillID, op string, d, grace time.Duration) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context) (skill.Response, error) {
			runCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				resp skill.Response
				err  error
			}
			done := make(chan result, 1)

			go func() {
				resp, err := next.Run(runCtx)
				done <- result{resp, err}
			}()

			timeout := &dispatch.TimeoutError{SkillID: skillID, Op: op, After: d}

			select {
			case r := <-done:
				if r.err != nil && runCtx.Err() != nil && errors.Is(r.err, runCtx.Err()) {
					if errors.Is(ctx.Err(), context.Canceled) {
						return skill.Response{}, dispatch.ErrPreempted
					}
					return skill.Response{}, timeout
				}
				return r.resp, r.err
			case <-runCtx.Done():
			}

			if !errors.Is(ctx.Err(), context.Canceled) {
				return skill.Response{}, timeout
			}

			select {
			case <-done:
				return skill.Response{}, dispatch.ErrPreempted
			case <-time.After(grace):
				return skill.Response{}, timeout
			}
		})
	}
}

// Logger logs the start, duration and error of a skill operation.
func Logger(log *slog.Logger, skillID, op string) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context) (skill.Response, error) {
			log.DebugContext(ctx, "skill call started", "skill_id", skillID, "op", op)

			start := time.Now()

			resp, err := next.Run(ctx)

			duration := time.Since(start)

			if err != nil && !errors.Is(err, dispatch.ErrPreempted) {
				log.WarnContext(ctx, "skill call failed",
					"skill_id", skillID,
					"op", op,
					"duration", duration,
					"error", err,
				)
			} else {
				log.DebugContext(ctx, "skill call finished",
					"skill_id", skillID,
					"op", op,
					"duration", duration,
					"handled", resp.Handled,
				)
			}

			return resp, err
		})
	}
}
