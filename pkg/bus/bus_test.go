package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"speak", "speak", true},
		{"speak", "speak.response", false},
		{">", "anything.at.all", true},
		{"*", "speak", true},
		{"*", "skill.register", false},
		{"skill.*", "skill.register", true},
		{"skill.*", "skill.invoke.response", false},
		{"skill.>", "skill.invoke.response", true},
		{"skill.>", "skill", false},
		{"*.response", "intent.get.response", false},
		{"*.*.response", "intent.get.response", true},
		{"telemetry.*", "telemetry.dispatch_result", true},
		{"a.b.c", "a.b", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.topic), "%s ~ %s", tt.pattern, tt.topic)
	}
}

func TestMessageReplySwapsRouting(t *testing.T) {
	m := NewMessage("intent.get", map[string]any{"utterance": "hi"})
	m.Context[CtxSource] = "cli"
	m.Context[CtxDestination] = "core"
	m.Context[CtxSessionID] = "s1"

	r := m.Response(map[string]any{"intent": nil})

	assert.Equal(t, "intent.get.response", r.Type)
	assert.Equal(t, "core", r.ContextString(CtxSource))
	assert.Equal(t, "cli", r.ContextString(CtxDestination))
	assert.Equal(t, "s1", r.ContextString(CtxSessionID))

	// Original context untouched.
	assert.Equal(t, "cli", m.ContextString(CtxSource))
}

func TestMessageResponseUsesReplyTo(t *testing.T) {
	m := NewMessage("skill.invoke", nil)
	m.Context[CtxReplyTo] = "skill.invoke.response.abc"

	r := m.Response(map[string]any{"ok": true})

	assert.Equal(t, "skill.invoke.response.abc", r.Type)
	assert.Empty(t, r.ContextString(CtxReplyTo), "replies do not carry a reply topic")
}

func TestMessageForwardKeepsContext(t *testing.T) {
	m := NewMessage("a", nil)
	m.Context[CtxSource] = "x"

	f := m.Forward("b", map[string]any{"k": 1})
	assert.Equal(t, "x", f.ContextString(CtxSource))
	assert.Equal(t, "1", f.DataString("k"))
}

func TestEncodeDecode(t *testing.T) {
	type payload struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}

	data, err := Encode(payload{Name: "n", Items: []string{"a"}})
	assert.NoError(t, err)
	assert.Equal(t, "n", data["name"])

	var out payload
	assert.NoError(t, Decode(data, &out))
	assert.Equal(t, []string{"a"}, out.Items)
}

func TestUnmarshalRejectsMissingType(t *testing.T) {
	_, err := unmarshal([]byte(`{"data":{}}`))
	assert.Error(t, err)

	msg, err := unmarshal([]byte(`{"type":"speak"}`))
	assert.NoError(t, err)
	assert.NotNil(t, msg.Data)
	assert.NotNil(t, msg.Context)
}
