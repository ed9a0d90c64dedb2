package utterance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesID(t *testing.T) {
	a := New("hello")
	b := New("hello")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestNewOptions(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u := New("what time is it",
		WithID("u-1"),
		WithLang("en-us"),
		WithSite("kitchen"),
		WithSource("stt"),
		WithAlternatives("what time is in"),
		WithTimestamp(ts),
		WithMetadata("stt_lang", "en-us"),
	)

	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "en-us", u.Lang)
	assert.Equal(t, "kitchen", u.SiteID)
	assert.Equal(t, "stt", u.Source)
	assert.Equal(t, ts, u.Timestamp)
	assert.Equal(t, []string{"what time is it", "what time is in"}, u.Transcripts())
	assert.Equal(t, "en-us", u.Metadata["stt_lang"])
}

func TestEffectiveSessionID(t *testing.T) {
	assert.Equal(t, DefaultSessionID, New("x").EffectiveSessionID())
	assert.Equal(t, "kitchen", New("x", WithSite("kitchen")).EffectiveSessionID())
	assert.Equal(t, "s1", New("x", WithSite("kitchen"), WithSession("s1")).EffectiveSessionID())
}

func TestValidate(t *testing.T) {
	require.NoError(t, New("hi").Validate())
	assert.ErrorIs(t, New("   ").Validate(), ErrEmpty)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello, World!", "hello world"},
		{"  stop  ", "stop"},
		{"What's   the weather?", "what's the weather"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestCloneIsDeep(t *testing.T) {
	u := New("x", WithMetadata("a", "1"), WithAlternatives("y"))
	c := u.InLang("pt-pt")

	c.Metadata["a"] = "2"
	c.Alternatives[0] = "z"

	assert.Equal(t, "1", u.Metadata["a"])
	assert.Equal(t, "y", u.Alternatives[0])
	assert.Equal(t, "pt-pt", c.Lang)
	assert.Empty(t, u.Lang)
}
