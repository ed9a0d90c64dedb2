package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/builderjer/ovos-core/pkg/bus"
	"github.com/builderjer/ovos-core/pkg/converse"
	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/fallback"
	"github.com/builderjer/ovos-core/pkg/intent"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/sandbox"
	"github.com/builderjer/ovos-core/pkg/session"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// MetaSystem is the utterance metadata key carrying system commands.
const MetaSystem = "system"

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds dispatches running at once across all sessions.
	Workers int
	// QueueDepth bounds utterances waiting per session. Zero is unbounded.
	QueueDepth int
	// DedupTTL and DedupSize bound the cache of finished utterance ids.
	DedupTTL  time.Duration
	DedupSize int
	// StopWords are normalized utterances that pre-empt the session.
	StopWords      []string
	DefaultLang    string
	SecondaryLangs []string
	// ContextTurns is the lifetime of context set by skills that do not
	// specify one. Zero keeps it until removed.
	ContextTurns        int
	MaintenanceInterval time.Duration
	PublishTimeout      time.Duration
	// Source is stamped into the context of published messages.
	Source string
	// SessionEnded is called after a session is ended or expires.
	SessionEnded func(id string)
	Logger       *slog.Logger
	Now          func() time.Time
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Bus      bus.Bus
	Registry *registry.Registry
	Sessions *session.Manager
	Matcher  *intent.Matcher
	Converse *converse.Dispatcher
	Fallback *fallback.Chain
	Sandbox  *sandbox.Sandbox
}

func (d Deps) validate() error {
	var missing []string
	if d.Bus == nil {
		missing = append(missing, "bus")
	}
	if d.Registry == nil {
		missing = append(missing, "registry")
	}
	if d.Sessions == nil {
		missing = append(missing, "sessions")
	}
	if d.Matcher == nil {
		missing = append(missing, "matcher")
	}
	if d.Converse == nil {
		missing = append(missing, "converse")
	}
	if d.Fallback == nil {
		missing = append(missing, "fallback")
	}
	if d.Sandbox == nil {
		missing = append(missing, "sandbox")
	}
	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing dependencies %v", missing)
	}
	return nil
}

// Orchestrator dispatches utterances.
type Orchestrator struct {
	deps  Deps
	opts  Options
	log   *slog.Logger
	stops map[string]bool
	sem   chan struct{}
	dedup *dedupCache
	lanes *lanes
}

// New creates an Orchestrator.
func New(deps Deps, optFns ...func(o *Options)) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	opts := Options{
		Workers:             8,
		QueueDepth:          4,
		DedupTTL:            5 * time.Minute,
		DedupSize:           1024,
		StopWords:           []string{"stop", "cancel", "nevermind", "never mind"},
		DefaultLang:         "en-us",
		ContextTurns:        3,
		MaintenanceInterval: 5 * time.Second,
		PublishTimeout:      2 * time.Second,
		Source:              "ovos-core",
		Now:                 time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	stops := make(map[string]bool, len(opts.StopWords))
	for _, w := range opts.StopWords {
		stops[utterance.Normalize(w)] = true
	}

	o := &Orchestrator{
		deps:  deps,
		opts:  opts,
		log:   opts.Logger.With("component", "orchestrator"),
		stops: stops,
		sem:   make(chan struct{}, opts.Workers),
		dedup: newDedupCache(opts.DedupTTL, opts.DedupSize, opts.Now),
	}
	o.lanes = newLanes(o)

	return o, nil
}

// IsStop reports whether u asks to stop the session's current activity,
// either by a stop word or by "system": "stop" in its metadata.
func (o *Orchestrator) IsStop(u utterance.Utterance) bool {
	return u.Metadata[MetaSystem] == "stop" || o.stops[u.Normalized()]
}

// Submit queues u for dispatch and returns a channel that receives its
// result. Resubmitting an id that is in flight or recently finished does not
// dispatch again; the channel receives the original result.
func (o *Orchestrator) Submit(ctx context.Context, u utterance.Utterance) (<-chan dispatch.Result, error) {
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: submit: %w", err)
	}
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = o.opts.Now()
	}

	e, fresh := o.dedup.claim(u.ID)

	out := make(chan dispatch.Result, 1)
	go func() {
		<-e.done
		out <- e.result
	}()

	if !fresh {
		o.log.DebugContext(ctx, "duplicate utterance", "utterance_id", u.ID)
		return out, nil
	}

	o.lanes.enqueue(&job{
		ctx:   ctx,
		u:     u,
		sid:   u.EffectiveSessionID(),
		stop:  o.IsStop(u),
		entry: e,
	})

	return out, nil
}

// Dispatch submits u and waits for its result.
func (o *Orchestrator) Dispatch(ctx context.Context, u utterance.Utterance) (dispatch.Result, error) {
	ch, err := o.Submit(ctx, u)
	if err != nil {
		return dispatch.Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	}
}

// QueryIntent reports which intent would handle u without dispatching it.
func (o *Orchestrator) QueryIntent(ctx context.Context, u utterance.Utterance) (intent.Candidate, bool) {
	u = u.InLang(utterance.ResolveLang(u, o.opts.DefaultLang, o.opts.SecondaryLangs))
	cands, health := o.deps.Matcher.Match(ctx, u, o.deps.Registry.Snapshot())
	o.recordHealth(ctx, health)
	return intent.Best(cands)
}

// Skills returns every registered skill.
func (o *Orchestrator) Skills() []registry.Entry { return o.deps.Registry.SnapshotAll() }

// Sessions returns every stored session.
func (o *Orchestrator) Sessions(ctx context.Context) ([]session.Session, error) {
	return o.deps.Sessions.List(ctx)
}

// Session returns one session.
func (o *Orchestrator) Session(ctx context.Context, id string) (session.Session, bool, error) {
	return o.deps.Sessions.Get(ctx, id)
}

// EndSession discards a session's state.
func (o *Orchestrator) EndSession(ctx context.Context, id string) error {
	if err := o.deps.Sessions.End(ctx, id); err != nil {
		return err
	}
	o.ended(id)
	return nil
}

func (o *Orchestrator) ended(id string) {
	if o.opts.SessionEnded != nil {
		o.opts.SessionEnded(id)
	}
}

// ActiveSkills maps session ids to their active skill.
func (o *Orchestrator) ActiveSkills(ctx context.Context) (map[string]string, error) {
	all, err := o.deps.Sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, s := range all {
		if s.ActiveSkill != "" {
			out[s.ID] = s.ActiveSkill
		}
	}
	return out, nil
}

// Run performs periodic maintenance until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Maintain(ctx)
		}
	}
}

// Maintain evicts stale skills, restores cooled-down local skills, expires
// idle sessions and prunes the duplicate cache.
func (o *Orchestrator) Maintain(ctx context.Context) {
	for _, id := range o.deps.Registry.EvictStale() {
		o.publishHealth(ctx, id, "evicted", errors.New("missed heartbeats"))
	}
	for _, id := range o.deps.Registry.Recover() {
		o.log.InfoContext(ctx, "skill restored", "skill_id", id)
	}

	expired, err := o.deps.Sessions.ExpireIdle(ctx)
	if err != nil {
		o.log.WarnContext(ctx, "session expiry failed", "error", err)
	}
	for _, id := range expired {
		o.ended(id)
	}

	o.dedup.prune()
}
