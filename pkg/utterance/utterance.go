package utterance

import (
	"errors"
	"maps"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultSessionID is used when an utterance carries neither a session nor a site.
const DefaultSessionID = "default"

// ErrEmpty is returned by Validate for utterances without text.
var ErrEmpty = errors.New("utterance: empty text")

// Utterance is a single transcribed user request.
type Utterance struct {
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	Alternatives []string          `json:"alternatives,omitempty"`
	Lang         string            `json:"lang,omitempty"`
	SiteID       string            `json:"site_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       string            `json:"source,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Option configures an Utterance built by New.
type Option func(*Utterance)

// WithID overrides the generated id. Upstream producers that redeliver use
// this so duplicates can be recognized.
func WithID(id string) Option { return func(u *Utterance) { u.ID = id } }

// WithLang sets the language tag.
func WithLang(lang string) Option { return func(u *Utterance) { u.Lang = lang } }

// WithSite sets the originating device or site.
func WithSite(site string) Option { return func(u *Utterance) { u.SiteID = site } }

// WithSession sets an explicit session id.
func WithSession(id string) Option { return func(u *Utterance) { u.SessionID = id } }

// WithSource names the producer (stt service, cli, http).
func WithSource(src string) Option { return func(u *Utterance) { u.Source = src } }

// WithAlternatives appends lower-ranked transcriptions.
func WithAlternatives(alts ...string) Option {
	return func(u *Utterance) { u.Alternatives = append(u.Alternatives, alts...) }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option { return func(u *Utterance) { u.Timestamp = ts } }

// WithMetadata sets a single metadata key.
func WithMetadata(key, value string) Option {
	return func(u *Utterance) {
		if u.Metadata == nil {
			u.Metadata = make(map[string]string)
		}
		u.Metadata[key] = value
	}
}

// New builds an utterance with a fresh time-ordered id.
func New(text string, opts ...Option) Utterance {
	u := Utterance{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Text:      text,
		Timestamp: time.Now(),
	}
	for _, o := range opts {
		o(&u)
	}
	return u
}

// Validate reports whether the utterance can be dispatched.
func (u Utterance) Validate() error {
	if strings.TrimSpace(u.Text) == "" {
		return ErrEmpty
	}
	return nil
}

// EffectiveSessionID returns the session this utterance belongs to: the
// explicit session id, else the site id, else DefaultSessionID.
func (u Utterance) EffectiveSessionID() string {
	switch {
	case u.SessionID != "":
		return u.SessionID
	case u.SiteID != "":
		return u.SiteID
	default:
		return DefaultSessionID
	}
}

// Transcripts returns the primary text followed by the alternatives.
func (u Utterance) Transcripts() []string {
	out := make([]string, 0, 1+len(u.Alternatives))
	out = append(out, u.Text)
	out = append(out, u.Alternatives...)
	return out
}

// Normalized returns the lower-cased text with punctuation removed and
// whitespace collapsed.
func (u Utterance) Normalized() string {
	return Normalize(u.Text)
}

// InLang returns a copy of u with its language replaced.
func (u Utterance) InLang(lang string) Utterance {
	c := u.Clone()
	c.Lang = lang
	return c
}

// Clone returns a deep copy.
func (u Utterance) Clone() Utterance {
	c := u
	c.Alternatives = append([]string(nil), u.Alternatives...)
	if u.Metadata != nil {
		c.Metadata = maps.Clone(u.Metadata)
	}
	return c
}

// Normalize lower-cases s, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}

	return b.String()
}
