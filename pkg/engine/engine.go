package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/builderjer/ovos-core/pkg/admin"
	"github.com/builderjer/ovos-core/pkg/bus"
	"github.com/builderjer/ovos-core/pkg/converse"
	"github.com/builderjer/ovos-core/pkg/fallback"
	"github.com/builderjer/ovos-core/pkg/intent"
	"github.com/builderjer/ovos-core/pkg/orchestrator"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/sandbox"
	"github.com/builderjer/ovos-core/pkg/session"
	"github.com/builderjer/ovos-core/pkg/session/natsstore"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/skill/mcpskill"
	"github.com/builderjer/ovos-core/pkg/skill/pattern"
	"github.com/builderjer/ovos-core/pkg/skill/persona"
)

// hubPath is where the embedded messagebus accepts connections, matching
// the OVOS default route.
const hubPath = "/core"

// Options configures an Engine beyond its Config.
type Options struct {
	Logger *slog.Logger
	// Bus replaces the configured transport. The engine does not close it.
	Bus bus.Bus
	// Completer replaces the configured persona provider.
	Completer persona.Completer
	Version   string
}

// Engine wires the orchestrator to its transport, stores and skills.
type Engine struct {
	cfg  Config
	opts Options
	log  *slog.Logger

	bus       bus.Bus
	ownsBus   bool
	hub       *bus.Hub
	hubServer *http.Server
	nc        *nats.Conn

	registry   *registry.Registry
	sessions   *session.Manager
	orch       *orchestrator.Orchestrator
	persona    *persona.Skill
	mcpClients []*mcpskill.Client
}

// New creates an Engine from cfg. It validates the config, connects the bus
// and session store, and registers the skills the process hosts itself.
func New(ctx context.Context, cfg Config, optFns ...func(o *Options)) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{Version: "dev"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{cfg: cfg, opts: opts, log: opts.Logger.With("component", "engine")}

	if err := e.connectBus(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}

	store, err := e.sessionStore(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	if err := e.build(store); err != nil {
		_ = e.Close()
		return nil, err
	}

	if err := e.registerSkills(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.log.InfoContext(ctx, "engine ready",
		"bus", cfg.Bus.Kind,
		"session_store", cfg.Sessions.Store,
		"skills", len(e.registry.Snapshot()),
	)

	return e, nil
}

func (e *Engine) connectBus(ctx context.Context) error {
	if e.opts.Bus != nil {
		e.bus = e.opts.Bus
		return nil
	}

	switch e.cfg.Bus.Kind {
	case BusWebsocket:
		url := e.cfg.Bus.URL
		if e.cfg.Bus.Listen != "" {
			addr, err := e.serveHub()
			if err != nil {
				return err
			}
			if url == "" {
				url = "ws://" + addr + hubPath
			}
		}

		wsOpts := bus.WSOptions{URL: url, Logger: e.opts.Logger}
		if e.cfg.Bus.Token != "" {
			wsOpts.Header = http.Header{"Authorization": []string{"Bearer " + e.cfg.Bus.Token}}
		}
		b, err := bus.DialWS(ctx, wsOpts)
		if err != nil {
			return fmt.Errorf("engine: bus: %w", err)
		}
		e.bus = b
	case BusNATS:
		natsOpts := []nats.Option{nats.Name("ovos-core")}
		if e.cfg.Bus.Token != "" {
			natsOpts = append(natsOpts, nats.Token(e.cfg.Bus.Token))
		}
		b, err := bus.ConnectNATS(e.cfg.Bus.URL, e.opts.Logger, natsOpts...)
		if err != nil {
			return fmt.Errorf("engine: bus: %w", err)
		}
		e.bus = b
	default:
		e.bus = bus.NewLocalBus()
	}

	e.ownsBus = true
	return nil
}

// serveHub starts the embedded messagebus and returns its address.
func (e *Engine) serveHub() (string, error) {
	ln, err := net.Listen("tcp", e.cfg.Bus.Listen)
	if err != nil {
		return "", fmt.Errorf("engine: bus: listen: %w", err)
	}

	e.hub = bus.NewHub(e.opts.Logger)
	mux := http.NewServeMux()
	mux.Handle(hubPath, e.hub)
	e.hubServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := e.hubServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("messagebus stopped", "error", err)
		}
	}()

	e.log.Info("messagebus listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

func (e *Engine) sessionStore(ctx context.Context) (session.Store, error) {
	if e.cfg.Sessions.Store != StoreNATS {
		return session.NewMemoryStore(), nil
	}

	nc, err := e.natsConn()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("engine: sessions: %w", err)
	}

	// The KV bucket outlives idle expiry so that expiry stays observable.
	ttl := 2 * e.cfg.Sessions.IdleTimeout
	store, err := natsstore.New(ctx, js, e.cfg.Sessions.Bucket, ttl)
	if err != nil {
		return nil, fmt.Errorf("engine: sessions: %w", err)
	}

	return store, nil
}

// natsConn shares the bus connection when the session store points at the
// same server.
func (e *Engine) natsConn() (*nats.Conn, error) {
	if nb, ok := e.bus.(*bus.NATSBus); ok && e.cfg.Sessions.NATSURL == e.cfg.Bus.URL {
		return nb.Conn(), nil
	}

	natsOpts := []nats.Option{nats.Name("ovos-core-sessions")}
	if e.cfg.Bus.Token != "" && e.cfg.Sessions.NATSURL == e.cfg.Bus.URL {
		natsOpts = append(natsOpts, nats.Token(e.cfg.Bus.Token))
	}
	nc, err := nats.Connect(e.cfg.Sessions.NATSURL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: sessions: connect nats: %w", err)
	}
	e.nc = nc

	return nc, nil
}

func (e *Engine) build(store session.Store) error {
	cfg := e.cfg
	logger := e.opts.Logger

	e.registry = registry.New(func(o *registry.Options) {
		setDuration(&o.HeartbeatInterval, cfg.Registry.HeartbeatInterval)
		setInt(&o.MissedHeartbeats, cfg.Registry.MissedHeartbeats)
		setInt(&o.FailureThreshold, cfg.Registry.FailureThreshold)
		setDuration(&o.RecoverAfter, cfg.Registry.RecoverAfter)
		o.Logger = logger
	})

	e.sessions = session.NewManager(store, func(o *session.Options) {
		setDuration(&o.IdleTimeout, cfg.Sessions.IdleTimeout)
		setDuration(&o.LockTimeout, cfg.Sessions.LockTimeout)
		setDuration(&o.ActiveSkillTimeout, cfg.Sessions.ActiveSkillTimeout)
		o.Logger = logger
	})

	sb := sandbox.New(e.registry, func(o *sandbox.Options) {
		setDuration(&o.HandleTimeout, cfg.Sandbox.HandleTimeout)
		setDuration(&o.ConverseTimeout, cfg.Converse.Timeout)
		setDuration(&o.CancelGrace, cfg.Sandbox.CancelGrace)
		o.Logger = logger
	})

	matcher := intent.NewMatcher(func(o *intent.Options) {
		if cfg.Intents.MinConfidence > 0 {
			o.MinConfidence = cfg.Intents.MinConfidence
		}
		o.TieBreak = intent.TieBreak(cfg.Intents.TieBreak)
		setDuration(&o.ScoreTimeout, cfg.Intents.ScoreTimeout)
		o.Logger = logger
	})

	chain := fallback.New(sb, func(o *fallback.Options) {
		o.Mode = fallback.Mode(cfg.Fallback.Mode)
		o.Whitelist = cfg.Fallback.Whitelist
		o.Blacklist = cfg.Fallback.Blacklist
		o.Priorities = cfg.Fallback.Priorities
		o.Logger = logger
	})

	orch, err := orchestrator.New(orchestrator.Deps{
		Bus:      e.bus,
		Registry: e.registry,
		Sessions: e.sessions,
		Matcher:  matcher,
		Converse: converse.New(e.registry, sb, logger),
		Fallback: chain,
		Sandbox:  sb,
	}, func(o *orchestrator.Options) {
		setInt(&o.Workers, cfg.Orchestrator.Workers)
		switch {
		case cfg.Orchestrator.QueueDepth < 0:
			o.QueueDepth = 0
		case cfg.Orchestrator.QueueDepth > 0:
			o.QueueDepth = cfg.Orchestrator.QueueDepth
		}
		setDuration(&o.DedupTTL, cfg.Orchestrator.DedupTTL)
		setInt(&o.DedupSize, cfg.Orchestrator.DedupSize)
		if len(cfg.Orchestrator.StopWords) > 0 {
			o.StopWords = cfg.Orchestrator.StopWords
		}
		setDuration(&o.MaintenanceInterval, cfg.Orchestrator.MaintenanceInterval)
		setInt(&o.ContextTurns, cfg.Sessions.ContextTurns)
		o.DefaultLang = cfg.Lang
		o.SecondaryLangs = cfg.SecondaryLangs
		o.SessionEnded = e.sessionEnded
		o.Logger = logger
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.orch = orch

	return nil
}

func (e *Engine) sessionEnded(id string) {
	if e.persona != nil {
		e.persona.Forget(id)
	}
}

func (e *Engine) registerSkills(ctx context.Context) error {
	if dir := e.cfg.Skills.ManifestDir; dir != "" {
		manifests, err := pattern.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("engine: skills: %w", err)
		}
		for _, m := range manifests {
			s, err := pattern.New(m)
			if err != nil {
				return fmt.Errorf("engine: skills: %w", err)
			}
			if err := e.register(s.Registration()); err != nil {
				return err
			}
		}
	}

	for _, mc := range e.cfg.Skills.MCP {
		client, err := dialMCP(ctx, mc)
		if err != nil {
			return fmt.Errorf("engine: mcp %q: %w", mc.Name, err)
		}
		e.mcpClients = append(e.mcpClients, client)

		reg, err := client.Registration(ctx)
		if err != nil {
			return fmt.Errorf("engine: mcp %q: describe: %w", mc.Name, err)
		}
		if err := e.register(reg); err != nil {
			return err
		}
	}

	pc := e.cfg.Skills.Persona
	completer := e.opts.Completer
	if completer == nil && pc.Provider != "" {
		completer = newCompleter(pc)
	}
	if completer != nil {
		e.persona = persona.New(completer, func(o *persona.Options) {
			setInt(&o.Priority, pc.Priority)
			setInt(&o.HistoryTurns, pc.HistoryTurns)
			if pc.System != "" {
				o.System = pc.System
			}
			o.FollowUp = pc.FollowUp
			o.Logger = e.opts.Logger
		})
		if err := e.register(e.persona.Registration()); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) register(reg skill.Registration) error {
	if err := e.registry.Register(reg); err != nil {
		return fmt.Errorf("engine: skills: %w", err)
	}
	return nil
}

func dialMCP(ctx context.Context, mc MCPConfig) (*mcpskill.Client, error) {
	switch {
	case mc.Command != "":
		return mcpskill.New(ctx, mc.Command, mc.Args...)
	case mc.Transport == "sse":
		return mcpskill.NewSSE(ctx, mc.URL)
	default:
		return mcpskill.NewStreamable(ctx, mc.URL)
	}
}

func newCompleter(pc PersonaConfig) persona.Completer {
	co := persona.ClientOptions{
		APIKey:     pc.APIKey,
		BaseURL:    pc.BaseURL,
		Model:      pc.Model,
		MaxTokens:  pc.MaxTokens,
		MaxRetries: -1,
	}
	if pc.Provider == ProviderAnthropic {
		return persona.NewAnthropic(co)
	}
	return persona.NewOpenAI(co)
}

// Orchestrator returns the dispatch pipeline.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Bus returns the messagebus the engine is attached to.
func (e *Engine) Bus() bus.Bus { return e.bus }

// Registry returns the skill registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Admin returns the admin API handler.
func (e *Engine) Admin() http.Handler {
	return admin.New(e.orch, func(o *admin.Options) {
		o.Version = e.opts.Version
		setDuration(&o.DispatchTimeout, e.cfg.Sandbox.HandleTimeout*3)
		o.Logger = e.opts.Logger
	})
}

// Run attaches the orchestrator to the bus and serves until ctx is done or
// the admin server fails.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.orch.Attach(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	adminErr := make(chan error, 1)
	if addr := e.cfg.Admin.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: e.Admin(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- fmt.Errorf("engine: admin: %w", err)
				cancel()
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
		e.log.InfoContext(ctx, "admin api listening", "addr", addr)
	}

	err := e.orch.Run(ctx)
	select {
	case aerr := <-adminErr:
		return aerr
	default:
		return err
	}
}

// Close releases MCP clients, the session store connection and the bus.
func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.mcpClients {
		errs = append(errs, c.Close())
	}
	e.mcpClients = nil

	if e.nc != nil {
		e.nc.Close()
		e.nc = nil
	}
	if e.bus != nil && e.ownsBus {
		errs = append(errs, e.bus.Close())
		e.ownsBus = false
	}
	if e.hub != nil {
		e.hub.Close()
	}
	if e.hubServer != nil {
		errs = append(errs, e.hubServer.Close())
	}

	return errors.Join(errs...)
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
