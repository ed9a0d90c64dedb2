package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/dispatchctx"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Options configures a Sandbox.
type Options struct {
	HandleTimeout   time.Duration
	ConverseTimeout time.Duration
	// CancelGrace is how long a pre-empted call may take to return.
	CancelGrace time.Duration
	Logger      *slog.Logger
}

// Call describes one invocation.
type Call struct {
	SkillID   string
	Op        string
	Utterance utterance.Utterance
	Context   skill.Context
	Match     skill.Match
	// Timeout overrides the per-op default when positive.
	Timeout time.Duration
}

// Outcome is the result of an invocation.
type Outcome struct {
	SkillID  string
	Op       string
	Response skill.Response
	Err      error
	Duration time.Duration
	// Entry is the registration the call ran against.
	Entry registry.Entry
}

// Handled reports whether the call succeeded and the skill took the utterance.
func (o Outcome) Handled() bool { return o.Err == nil && o.Response.Handled }

// Attempt converts the outcome for the dispatch result.
func (o Outcome) Attempt(stage string) dispatch.Attempt {
	return dispatch.Attempt{SkillID: o.SkillID, Stage: stage, Handled: o.Handled(), Err: o.Err, Duration: o.Duration}
}

// Sandbox invokes skills under a lease with isolation.
type Sandbox struct {
	reg  *registry.Registry
	opts Options
	log  *slog.Logger
}

// New creates a Sandbox backed by reg.
func New(reg *registry.Registry, optFns ...func(o *Options)) *Sandbox {
	opts := Options{
		HandleTimeout:   10 * time.Second,
		ConverseTimeout: 3 * time.Second,
		CancelGrace:     250 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Sandbox{reg: reg, opts: opts, log: opts.Logger.With("component", "sandbox")}
}

// Invoke leases the skill and runs the call. The lease is released when the
// call returns or is abandoned.
func (s *Sandbox) Invoke(ctx context.Context, call Call) Outcome {
	out := Outcome{SkillID: call.SkillID, Op: call.Op}

	lease, err := s.reg.Acquire(call.SkillID)
	if err != nil {
		out.Err = err
		return out
	}
	defer lease.Release()

	out.Entry = lease.Entry
	target := lease.Entry.Skill

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = s.opts.HandleTimeout
		if call.Op == skill.OpConverse {
			timeout = s.opts.ConverseTimeout
		}
	}

	ctx = dispatchctx.WithSkillID(ctx, call.SkillID)

	runner := Chain(RunnerFunc(func(ctx context.Context) (skill.Response, error) {
		if call.Op == skill.OpConverse {
			return target.Converse(ctx, call.Utterance, call.Context)
		}
		return target.Handle(ctx, call.Utterance, call.Context, call.Match)
	}),
		Logger(s.log, call.SkillID, call.Op),
		Isolate(call.SkillID, call.Op, timeout, s.opts.CancelGrace),
		Recovery(call.SkillID, call.Op),
	)

	start := time.Now()
	resp, err := runner.Run(ctx)
	out.Duration = time.Since(start)

	switch {
	case err == nil:
		s.reg.RecordSuccess(call.SkillID)
		out.Response = resp
	case errors.Is(err, dispatch.ErrPreempted), errors.Is(err, dispatch.ErrTransport):
		out.Err = err
	case errors.Is(err, dispatch.ErrTimeout):
		out.Err = err
		s.reg.MarkDegraded(call.SkillID, err.Error())
	default:
		var he *dispatch.HandlerError
		if !errors.As(err, &he) {
			err = &dispatch.HandlerError{SkillID: call.SkillID, Op: call.Op, Err: err}
		}
		out.Err = err
		s.reg.RecordFailure(call.SkillID, err)
	}

	return out
}
