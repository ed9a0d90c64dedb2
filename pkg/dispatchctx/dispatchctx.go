// Package dispatchctx carries dispatch identity (session, utterance and skill)
// through context.Context so that handlers, the sandbox and log lines deep in
// the call stack can tag their output without threading extra parameters.
package dispatchctx

import "context"

type (
	sessionIDKey   struct{}
	utteranceIDKey struct{}
	skillIDKey     struct{}
)

// WithSessionID returns a new context carrying the session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session id or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey{}).(string)
	return v
}

// WithUtteranceID returns a new context carrying the utterance id.
func WithUtteranceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, utteranceIDKey{}, id)
}

// UtteranceIDFromContext returns the utterance id or "" if absent.
func UtteranceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(utteranceIDKey{}).(string)
	return v
}

// WithSkillID returns a new context carrying the skill currently invoked.
func WithSkillID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, skillIDKey{}, id)
}

// SkillIDFromContext returns the skill id or "" if absent.
func SkillIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(skillIDKey{}).(string)
	return v
}

// LogAttrs returns slog key/value pairs for every identifier present in ctx.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := SessionIDFromContext(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v := UtteranceIDFromContext(ctx); v != "" {
		attrs = append(attrs, "utterance_id", v)
	}
	if v := SkillIDFromContext(ctx); v != "" {
		attrs = append(attrs, "skill_id", v)
	}
	return attrs
}
