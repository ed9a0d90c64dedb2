package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

func setup(t *testing.T, s skill.Skill) (*Sandbox, *registry.Registry) {
	t.Helper()

	reg := registry.New(func(o *registry.Options) { o.FailureThreshold = 2 })
	require.NoError(t, reg.Register(skill.Registration{SkillID: "s", Skill: s, ConverseCapable: true}))

	sb := New(reg, func(o *Options) {
		o.HandleTimeout = 50 * time.Millisecond
		o.ConverseTimeout = 30 * time.Millisecond
		o.CancelGrace = 30 * time.Millisecond
	})
	return sb, reg
}

func handleCall() Call {
	return Call{SkillID: "s", Op: skill.OpHandle, Utterance: utterance.New("x")}
}

func health(t *testing.T, reg *registry.Registry) skill.Health {
	t.Helper()
	e, ok := reg.Get("s")
	require.True(t, ok)
	return e.Health
}

func TestInvokeSuccess(t *testing.T) {
	sb, reg := setup(t, skill.Funcs{HandleFunc: func(_ context.Context, _ utterance.Utterance, sc skill.Context, m skill.Match) (skill.Response, error) {
		return skill.Response{Handled: true, Events: []dispatch.Event{dispatch.Speak(sc.SessionID, m.IntentID)}}, nil
	}})

	call := handleCall()
	call.Context.SessionID = "s1"
	call.Match.IntentID = "greet"

	out := sb.Invoke(context.Background(), call)
	require.NoError(t, out.Err)
	assert.True(t, out.Handled())
	assert.Equal(t, "greet", out.Response.Events[0].Data["utterance"])
	assert.Equal(t, "s", out.Entry.SkillID)
	assert.Equal(t, 0, reg.Leases("s"), "lease released")

	a := out.Attempt(dispatch.MatchIntent)
	assert.True(t, a.Handled)
	assert.Equal(t, "s", a.SkillID)
}

func TestInvokeConverseUsesConverse(t *testing.T) {
	sb, _ := setup(t, skill.Funcs{ConverseFunc: func(context.Context, utterance.Utterance, skill.Context) (skill.Response, error) {
		return skill.Response{Handled: true}, nil
	}})

	out := sb.Invoke(context.Background(), Call{SkillID: "s", Op: skill.OpConverse, Utterance: utterance.New("yes")})
	require.NoError(t, out.Err)
	assert.True(t, out.Handled())
}

func TestInvokeTimeoutAbandonsAndDegrades(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	sb, reg := setup(t, skill.Funcs{HandleFunc: func(context.Context, utterance.Utterance, skill.Context, skill.Match) (skill.Response, error) {
		<-release
		return skill.Response{Handled: true}, nil
	}})

	start := time.Now()
	out := sb.Invoke(context.Background(), handleCall())

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, out.Err, dispatch.ErrTimeout)

	var te *dispatch.TimeoutError
	require.ErrorAs(t, out.Err, &te)
	assert.Equal(t, "s", te.SkillID)
	assert.Equal(t, skill.Degraded, health(t, reg))
}

func TestInvokeCooperativeTimeout(t *testing.T) {
	sb, _ := setup(t, skill.Funcs{HandleFunc: func(ctx context.Context, _ utterance.Utterance, _ skill.Context, _ skill.Match) (skill.Response, error) {
		<-ctx.Done()
		return skill.Response{}, ctx.Err()
	}})

	out := sb.Invoke(context.Background(), handleCall())
	assert.ErrorIs(t, out.Err, dispatch.ErrTimeout)
}

func TestInvokePanicIsHandlerError(t *testing.T) {
	sb, reg := setup(t, skill.Funcs{HandleFunc: func(context.Context, utterance.Utterance, skill.Context, skill.Match) (skill.Response, error) {
		panic("nil pointer")
	}})

	out := sb.Invoke(context.Background(), handleCall())
	assert.ErrorIs(t, out.Err, dispatch.ErrHandler)

	var he *dispatch.HandlerError
	require.ErrorAs(t, out.Err, &he)
	assert.True(t, he.Panic)
	assert.Equal(t, skill.Healthy, health(t, reg), "below failure threshold")

	sb.Invoke(context.Background(), handleCall())
	assert.Equal(t, skill.Degraded, health(t, reg))
}

func TestInvokeErrorWrapped(t *testing.T) {
	cause := errors.New("api down")
	sb, _ := setup(t, skill.Funcs{HandleFunc: func(context.Context, utterance.Utterance, skill.Context, skill.Match) (skill.Response, error) {
		return skill.Response{}, cause
	}})

	out := sb.Invoke(context.Background(), handleCall())
	assert.ErrorIs(t, out.Err, dispatch.ErrHandler)
	assert.ErrorIs(t, out.Err, cause)
	assert.False(t, out.Handled())
}

func TestInvokeTransportErrorPassesThrough(t *testing.T) {
	sb, reg := setup(t, skill.Funcs{HandleFunc: func(context.Context, utterance.Utterance, skill.Context, skill.Match) (skill.Response, error) {
		return skill.Response{}, &dispatch.TransportError{Topic: "skill.invoke", Err: errors.New("closed")}
	}})

	out := sb.Invoke(context.Background(), handleCall())
	assert.ErrorIs(t, out.Err, dispatch.ErrTransport)
	assert.NotErrorIs(t, out.Err, dispatch.ErrHandler)

	e, _ := reg.Get("s")
	assert.Zero(t, e.Failures, "infrastructure faults are not charged to the skill")
}

func TestInvokePreempted(t *testing.T) {
	started := make(chan struct{})
	sb, reg := setup(t, skill.Funcs{HandleFunc: func(ctx context.Context, _ utterance.Utterance, _ skill.Context, _ skill.Match) (skill.Response, error) {
		close(started)
		<-ctx.Done()
		return skill.Response{}, ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := sb.Invoke(ctx, handleCall())
	assert.ErrorIs(t, out.Err, dispatch.ErrPreempted)
	assert.Equal(t, skill.Healthy, health(t, reg))
}

func TestInvokePreemptIgnoredBecomesTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	sb, reg := setup(t, skill.Funcs{HandleFunc: func(context.Context, utterance.Utterance, skill.Context, skill.Match) (skill.Response, error) {
		close(started)
		<-release
		return skill.Response{}, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := sb.Invoke(ctx, handleCall())
	assert.ErrorIs(t, out.Err, dispatch.ErrTimeout)
	assert.Equal(t, skill.Degraded, health(t, reg))
}

func TestInvokeUnknownSkill(t *testing.T) {
	sb, _ := setup(t, skill.Funcs{})

	out := sb.Invoke(context.Background(), Call{SkillID: "ghost", Op: skill.OpHandle})
	assert.ErrorIs(t, out.Err, registry.ErrNotFound)
}

func TestInvokeHoldsLeaseDuringExecution(t *testing.T) {
	inside := make(chan int, 1)
	var reg *registry.Registry

	sb, r := setup(t, skill.Funcs{HandleFunc: func(context.Context, utterance.Utterance, skill.Context, skill.Match) (skill.Response, error) {
		assert.NoError(t, reg.Unregister("s"))
		inside <- reg.Leases("s")
		return skill.Response{Handled: true}, nil
	}})
	reg = r

	out := sb.Invoke(context.Background(), handleCall())
	require.NoError(t, out.Err)
	assert.Equal(t, 1, <-inside)
	assert.Equal(t, 0, reg.Len())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Runner) Runner {
			return RunnerFunc(func(ctx context.Context) (skill.Response, error) {
				order = append(order, name)
				return next.Run(ctx)
			})
		}
	}

	r := Chain(RunnerFunc(func(context.Context) (skill.Response, error) {
		order = append(order, "core")
		return skill.Response{}, nil
	}), mw("a"), mw("b"))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "core"}, order)
}
