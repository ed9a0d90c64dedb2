package dispatch

import (
	"maps"
	"time"
)

// State is a position in the per-utterance dispatch state machine.
type State string

const (
	StateReceived        State = "received"
	StateConverseOffered State = "converse_offered"
	StateMatching        State = "matching"
	StateFallback        State = "fallback"
	StateDispatching     State = "dispatching"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Terminal reports whether s ends a dispatch.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Match kinds recorded on a Result.
const (
	MatchConverse = "converse"
	MatchIntent   = "intent"
	MatchFallback = "fallback"
	MatchStop     = "stop"
)

// Event is an outbound message produced while dispatching. Events are held
// until the dispatch reaches a terminal state and published in order.
type Event struct {
	Topic     string         `json:"topic"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Speak builds a speak event.
func Speak(sessionID, text string) Event {
	return Event{Topic: TopicSpeak, SessionID: sessionID, Data: map[string]any{"utterance": text}}
}

// GUI builds a gui.show event.
func GUI(sessionID string, payload map[string]any) Event {
	return Event{Topic: TopicGUI, SessionID: sessionID, Data: maps.Clone(payload)}
}

// Attempt records one skill invocation made while dispatching.
type Attempt struct {
	SkillID  string        `json:"skill_id"`
	Stage    string        `json:"stage"`
	Handled  bool          `json:"handled"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of dispatching one utterance.
type Result struct {
	UtteranceID string
	SessionID   string
	State       State
	Handled     bool
	SkillID     string
	IntentID    string
	MatchKind   string
	Lang        string
	Err         error
	Events      []Event
	Attempts    []Attempt
	Started     time.Time
	Finished    time.Time
}

// Duration returns the wall time between start and finish.
func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Summary returns the telemetry payload for r.
func (r Result) Summary() map[string]any {
	attempts := make([]map[string]any, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		m := map[string]any{
			"skill_id":    a.SkillID,
			"stage":       a.Stage,
			"handled":     a.Handled,
			"duration_ms": a.Duration.Milliseconds(),
		}
		if a.Err != nil {
			m["error"] = a.Err.Error()
			m["error_kind"] = ErrorKind(a.Err)
		}
		attempts = append(attempts, m)
	}

	out := map[string]any{
		"utterance_id": r.UtteranceID,
		"session_id":   r.SessionID,
		"state":        string(r.State),
		"handled":      r.Handled,
		"skill_id":     r.SkillID,
		"intent_id":    r.IntentID,
		"match_kind":   r.MatchKind,
		"lang":         r.Lang,
		"attempts":     attempts,
		"duration_ms":  r.Duration().Milliseconds(),
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
		out["error_kind"] = ErrorKind(r.Err)
	}
	return out
}
