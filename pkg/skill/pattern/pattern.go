// Package pattern provides declarative skills loaded from YAML manifests.
// Intents are recognized by regular expressions, whose named groups become
// slots, or by fuzzy similarity to example phrases.
package pattern

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/fallback"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Manifest is the on-disk description of a pattern skill.
type Manifest struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Langs    []string `yaml:"langs"`
	Priority bool     `yaml:"priority"`
	// FallbackPriority registers the skill in the fallback chain, answering
	// with FallbackSpeak.
	FallbackPriority *int           `yaml:"fallback_priority"`
	FallbackSpeak    string         `yaml:"fallback_speak"`
	Intents          []Intent       `yaml:"intents"`
	Converse         []ConverseRule `yaml:"converse"`
}

// Intent is one recognizable request.
type Intent struct {
	ID       string   `yaml:"id"`
	Patterns []string `yaml:"patterns"`
	Examples []string `yaml:"examples"`
	// Speak is a response template; {name} is replaced by the slot of that name.
	Speak      string            `yaml:"speak"`
	SetContext map[string]string `yaml:"set_context"`
	// Activate keeps the skill active to receive follow-ups through Converse.
	Activate bool `yaml:"activate"`
}

// ConverseRule claims a follow-up utterance while the skill is active.
type ConverseRule struct {
	Patterns []string `yaml:"patterns"`
	Speak    string   `yaml:"speak"`
	Release  bool     `yaml:"release"`
}

// Load reads a single manifest. The skill id defaults to the file name
// without its extension.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return Manifest{}, fmt.Errorf("pattern: load %q: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("pattern: parse %q: %w", path, err)
	}
	if m.ID == "" {
		m.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return m, nil
}

// LoadDir reads every .yaml and .yml manifest in dir (non-recursive), sorted
// by file name.
func LoadDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pattern: load dir %q: %w", dir, err)
	}

	var out []Manifest
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		m, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	return out, nil
}

type compiledIntent struct {
	Intent
	patterns []*regexp.Regexp
	examples [][]string
}

type compiledRule struct {
	ConverseRule
	patterns []*regexp.Regexp
}

// Skill implements skill.Skill for a manifest.
type Skill struct {
	manifest Manifest
	intents  []compiledIntent
	converse []compiledRule
}

var _ skill.Skill = (*Skill)(nil)

// New compiles m.
func New(m Manifest) (*Skill, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("pattern: manifest without id")
	}

	s := &Skill{manifest: m}

	for _, in := range m.Intents {
		if in.ID == "" {
			return nil, fmt.Errorf("pattern: %s: intent without id", m.ID)
		}
		ci := compiledIntent{Intent: in}
		for _, p := range in.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("pattern: %s: intent %q: %w", m.ID, in.ID, err)
			}
			ci.patterns = append(ci.patterns, re)
		}
		for _, ex := range in.Examples {
			ci.examples = append(ci.examples, strings.Fields(utterance.Normalize(ex)))
		}
		s.intents = append(s.intents, ci)
	}

	for i, r := range m.Converse {
		cr := compiledRule{ConverseRule: r}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("pattern: %s: converse rule %d: %w", m.ID, i, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		s.converse = append(s.converse, cr)
	}

	return s, nil
}

// Registration returns the registry entry for the skill.
func (s *Skill) Registration() skill.Registration {
	ids := make([]string, 0, len(s.intents))
	for _, in := range s.intents {
		ids = append(ids, in.ID)
	}

	return skill.Registration{
		SkillID:          s.manifest.ID,
		Name:             s.manifest.Name,
		Intents:          ids,
		ConverseCapable:  len(s.converse) > 0,
		FallbackPriority: s.manifest.FallbackPriority,
		Priority:         s.manifest.Priority,
		Persistent:       true,
		Skill:            s,
	}
}

func (s *Skill) speaks(lang string) bool {
	return len(s.manifest.Langs) == 0 || lang == "" || slices.Contains(s.manifest.Langs, strings.ToLower(lang))
}

// Score returns the best intent for u. A regex hit scores 1; otherwise the
// best word-level similarity to an example is used.
func (s *Skill) Score(_ context.Context, u utterance.Utterance) (skill.Match, error) {
	if !s.speaks(u.Lang) {
		return skill.Match{}, nil
	}

	var best skill.Match
	for _, text := range u.Transcripts() {
		text = utterance.Normalize(text)
		words := strings.Fields(text)

		for _, in := range s.intents {
			for _, re := range in.patterns {
				if slots, ok := matchRegex(re, text); ok {
					return skill.Match{IntentID: in.ID, Confidence: 1, Slots: slots, Kind: skill.KindRegex}, nil
				}
			}
			for _, ex := range in.examples {
				if r := ratio(words, ex); r > best.Confidence {
					best = skill.Match{IntentID: in.ID, Confidence: r, Kind: skill.KindFuzzy}
				}
			}
		}
	}

	return best, nil
}

// Handle answers the matched intent, or the fallback request.
func (s *Skill) Handle(_ context.Context, _ utterance.Utterance, sc skill.Context, m skill.Match) (skill.Response, error) {
	if m.IntentID == fallback.IntentID {
		if s.manifest.FallbackSpeak == "" {
			return skill.Response{}, nil
		}
		return skill.Response{
			Handled: true,
			Events:  []dispatch.Event{dispatch.Speak(sc.SessionID, render(s.manifest.FallbackSpeak, m.Slots))},
		}, nil
	}

	i := slices.IndexFunc(s.intents, func(in compiledIntent) bool { return in.ID == m.IntentID })
	if i < 0 {
		return skill.Response{}, fmt.Errorf("pattern: %s: unknown intent %q", s.manifest.ID, m.IntentID)
	}
	in := s.intents[i]

	resp := skill.Response{
		Handled:    true,
		Activate:   in.Activate,
		SetContext: renderMap(in.SetContext, m.Slots),
	}
	if in.Speak != "" {
		resp.Events = append(resp.Events, dispatch.Speak(sc.SessionID, render(in.Speak, m.Slots)))
	}

	return resp, nil
}

// Converse claims u when a converse rule matches it.
func (s *Skill) Converse(_ context.Context, u utterance.Utterance, sc skill.Context) (skill.Response, error) {
	text := u.Normalized()

	for _, r := range s.converse {
		for _, re := range r.patterns {
			slots, ok := matchRegex(re, text)
			if !ok {
				continue
			}
			for k, v := range sc.Values {
				if _, set := slots[k]; !set {
					if slots == nil {
						slots = make(map[string]string)
					}
					slots[k] = v
				}
			}

			resp := skill.Response{Handled: true, Release: r.Release}
			if r.Speak != "" {
				resp.Events = []dispatch.Event{dispatch.Speak(sc.SessionID, render(r.Speak, slots))}
			}
			return resp, nil
		}
	}

	return skill.Response{}, nil
}

func matchRegex(re *regexp.Regexp, text string) (map[string]string, bool) {
	sub := re.FindStringSubmatch(text)
	if sub == nil {
		return nil, false
	}

	var slots map[string]string
	for i, name := range re.SubexpNames() {
		if name == "" || sub[i] == "" {
			continue
		}
		if slots == nil {
			slots = make(map[string]string)
		}
		slots[name] = sub[i]
	}

	return slots, true
}

func ratio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return difflib.NewMatcher(a, b).Ratio()
}

func render(tmpl string, slots map[string]string) string {
	if len(slots) == 0 {
		return tmpl
	}

	pairs := make([]string, 0, 2*len(slots))
	for k, v := range slots {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func renderMap(m, slots map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = render(v, slots)
	}
	return out
}
