// Package admin serves an HTTP API for inspecting a running orchestrator and
// injecting utterances without a microphone.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/session"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Backend is the orchestrator surface the API exposes.
type Backend interface {
	Skills() []registry.Entry
	Sessions(ctx context.Context) ([]session.Session, error)
	Session(ctx context.Context, id string) (session.Session, bool, error)
	EndSession(ctx context.Context, id string) error
	Dispatch(ctx context.Context, u utterance.Utterance) (dispatch.Result, error)
}

// Options configures the API.
type Options struct {
	Version string
	// DispatchTimeout bounds a POST /utterances request.
	DispatchTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type api struct {
	backend Backend
	opts    Options
	log     *slog.Logger
	started time.Time
}

// utteranceRequest is the body of POST /utterances.
type utteranceRequest struct {
	Utterance    string            `json:"utterance" binding:"required"`
	Alternatives []string          `json:"alternatives"`
	Lang         string            `json:"lang"`
	SiteID       string            `json:"site_id"`
	SessionID    string            `json:"session_id"`
	Metadata     map[string]string `json:"metadata"`
}

// New returns the API router.
func New(b Backend, optFns ...func(o *Options)) *gin.Engine {
	opts := Options{
		Version:         "dev",
		DispatchTimeout: 30 * time.Second,
		Now:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	a := &api{
		backend: b,
		opts:    opts,
		log:     opts.Logger.With("component", "admin"),
		started: opts.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.requestLogger())

	r.GET("/health", a.health)
	r.GET("/skills", a.skills)
	r.GET("/sessions", a.sessions)
	r.GET("/sessions/:id", a.session)
	r.DELETE("/sessions/:id", a.endSession)
	r.POST("/utterances", a.inject)

	return r
}

func (a *api) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (a *api) health(c *gin.Context) {
	healthy := 0
	skills := a.backend.Skills()
	for _, e := range skills {
		if e.Eligible() {
			healthy++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         a.opts.Now().Sub(a.started).String(),
		"version":        a.opts.Version,
		"skills":         len(skills),
		"healthy_skills": healthy,
	})
}

func (a *api) skills(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"skills": a.backend.Skills()})
}

func (a *api) sessions(c *gin.Context) {
	all, err := a.backend.Sessions(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	if all == nil {
		all = []session.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": all})
}

func (a *api) session(c *gin.Context) {
	s, ok, err := a.backend.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *api) endSession(c *gin.Context) {
	if err := a.backend.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) inject(c *gin.Context) {
	var req utteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := []utterance.Option{
		utterance.WithLang(req.Lang),
		utterance.WithSite(req.SiteID),
		utterance.WithSession(req.SessionID),
		utterance.WithSource("admin"),
		utterance.WithAlternatives(req.Alternatives...),
	}
	for k, v := range req.Metadata {
		opts = append(opts, utterance.WithMetadata(k, v))
	}
	u := utterance.New(req.Utterance, opts...)
	if err := u.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The dispatch outlives a client that hangs up; its result is still
	// published on the bus.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), a.opts.DispatchTimeout)
	defer cancel()

	res, err := a.backend.Dispatch(ctx, u)
	if err != nil {
		a.fail(c, err)
		return
	}

	body := res.Summary()
	events := res.Events
	if events == nil {
		events = []dispatch.Event{}
	}
	body["events"] = events
	c.JSON(http.StatusOK, body)
}

func (a *api) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
