// Package persona provides a conversational fallback skill backed by a
// hosted language model. It answers what no other skill could and keeps a
// short per-session history so follow-ups read as one conversation.
package persona

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// DefaultPriority places the persona late in the low fallback tier.
const DefaultPriority = 95

// Options configures a Skill.
type Options struct {
	SkillID  string
	Name     string
	Priority int
	// System is the system prompt; {lang} is replaced by the utterance language.
	System string
	// HistoryTurns bounds the remembered exchanges per session.
	HistoryTurns int
	// FollowUp keeps the persona active after answering, so the next
	// utterance reaches it through converse first.
	FollowUp bool
	Logger   *slog.Logger
}

// Skill is a fallback skill answering with a Completer.
type Skill struct {
	completer Completer
	opts      Options
	log       *slog.Logger

	mu      sync.Mutex
	history map[string][]Turn
}

var _ skill.Skill = (*Skill)(nil)

// New creates a persona skill.
func New(c Completer, optFns ...func(o *Options)) *Skill {
	opts := Options{
		SkillID:      "persona",
		Name:         "Persona",
		Priority:     DefaultPriority,
		System:       "You are a helpful voice assistant. Answer in one or two short spoken sentences, in the language {lang}.",
		HistoryTurns: 4,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Skill{
		completer: c,
		opts:      opts,
		log:       opts.Logger.With("component", "persona", "skill_id", opts.SkillID),
		history:   make(map[string][]Turn),
	}
}

// Registration returns the registry entry for the skill.
func (s *Skill) Registration() skill.Registration {
	return skill.Registration{
		SkillID:          s.opts.SkillID,
		Name:             s.opts.Name,
		ConverseCapable:  s.opts.FollowUp,
		FallbackPriority: skill.FallbackAt(s.opts.Priority),
		Persistent:       true,
		Skill:            s,
	}
}

// Score never claims an intent; the persona only answers as a fallback.
func (s *Skill) Score(context.Context, utterance.Utterance) (skill.Match, error) {
	return skill.Match{}, nil
}

func (s *Skill) Handle(ctx context.Context, u utterance.Utterance, sc skill.Context, _ skill.Match) (skill.Response, error) {
	return s.answer(ctx, u, sc)
}

// Converse answers follow-ups while the persona is active. A stop word never
// reaches converse, so every utterance is claimed.
func (s *Skill) Converse(ctx context.Context, u utterance.Utterance, sc skill.Context) (skill.Response, error) {
	if !s.opts.FollowUp {
		return skill.Response{}, nil
	}
	return s.answer(ctx, u, sc)
}

// Forget drops the remembered conversation of a session.
func (s *Skill) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.history, sessionID)
	s.mu.Unlock()
}

func (s *Skill) answer(ctx context.Context, u utterance.Utterance, sc skill.Context) (skill.Response, error) {
	lang := sc.Lang
	if lang == "" {
		lang = u.Lang
	}

	turns := append(s.recall(sc.SessionID), Turn{Role: RoleUser, Text: u.Text})

	reply, err := s.completer.Complete(ctx, expand(s.opts.System, lang), turns)
	if err != nil {
		return skill.Response{}, err
	}

	s.remember(sc.SessionID, Turn{Role: RoleUser, Text: u.Text}, Turn{Role: RoleAssistant, Text: reply})
	s.log.DebugContext(ctx, "persona answered", "session_id", sc.SessionID, "turns", len(turns))

	return skill.Response{
		Handled:  true,
		Events:   []dispatch.Event{dispatch.Speak(sc.SessionID, reply)},
		Activate: s.opts.FollowUp,
	}, nil
}

func (s *Skill) recall(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Turn(nil), s.history[sessionID]...)
}

func (s *Skill) remember(sessionID string, turns ...Turn) {
	if s.opts.HistoryTurns <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[sessionID], turns...)
	if limit := 2 * s.opts.HistoryTurns; len(h) > limit {
		h = h[len(h)-limit:]
	}
	s.history[sessionID] = h
}

func expand(system, lang string) string {
	if lang == "" {
		lang = "en-us"
	}
	return strings.ReplaceAll(system, "{lang}", lang)
}
