package bus

import (
	"fmt"
	"maps"

	"github.com/builderjer/ovos-core/pkg/dispatch"
)

// Context keys with transport-level meaning.
const (
	CtxRequestID   = "request_id"
	CtxSource      = "source"
	CtxDestination = "destination"
	CtxSessionID   = "session_id"
	CtxSkillID     = "skill_id"
	// CtxReplyTo names the topic a request expects its reply on.
	CtxReplyTo = "reply_to"
)

// Message is the unit carried by a Bus.
type Message struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context"`
}

// NewMessage builds a message with empty context.
func NewMessage(typ string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{Type: typ, Data: data, Context: map[string]any{}}
}

// Reply builds a message answering m. The context is copied with source and
// destination swapped.
func (m Message) Reply(typ string, data map[string]any) Message {
	out := m.Forward(typ, data)
	src, dst := m.Context[CtxSource], m.Context[CtxDestination]
	delete(out.Context, CtxSource)
	delete(out.Context, CtxDestination)
	if dst != nil {
		out.Context[CtxSource] = dst
	}
	if src != nil {
		out.Context[CtxDestination] = src
	}
	return out
}

// Response replies on the topic named by the request's reply_to, or on the
// conventional "<type>.response" topic when it has none.
func (m Message) Response(data map[string]any) Message {
	topic := m.ContextString(CtxReplyTo)
	if topic == "" {
		topic = dispatch.ResponseTopic(m.Type)
	}

	out := m.Reply(topic, data)
	delete(out.Context, CtxReplyTo)
	return out
}

// Forward builds a new message that keeps m's context unchanged.
func (m Message) Forward(typ string, data map[string]any) Message {
	out := NewMessage(typ, data)
	if m.Context != nil {
		out.Context = maps.Clone(m.Context)
	}
	return out
}

// RequestID returns the correlation id set by Request, if any.
func (m Message) RequestID() string { return m.ContextString(CtxRequestID) }

// ContextString returns a context value as a string.
func (m Message) ContextString(key string) string { return str(m.Context[key]) }

// DataString returns a data value as a string.
func (m Message) DataString(key string) string { return str(m.Data[key]) }

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
