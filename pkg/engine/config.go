package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/builderjer/ovos-core/pkg/fallback"
	"github.com/builderjer/ovos-core/pkg/intent"
	"github.com/builderjer/ovos-core/pkg/session/natsstore"
)

// Bus kinds.
const (
	BusLocal     = "local"
	BusWebsocket = "websocket"
	BusNATS      = "nats"
)

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Persona providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the top-level engine configuration.
type Config struct {
	Lang           string             `yaml:"lang"`
	SecondaryLangs []string           `yaml:"secondary_langs"`
	Bus            BusConfig          `yaml:"bus"`
	Sessions       SessionsConfig     `yaml:"sessions"`
	Registry       RegistryConfig     `yaml:"registry"`
	Intents        IntentsConfig      `yaml:"intents"`
	Converse       ConverseConfig     `yaml:"converse"`
	Fallback       FallbackConfig     `yaml:"fallback"`
	Sandbox        SandboxConfig      `yaml:"sandbox"`
	Orchestrator   OrchestratorConfig `yaml:"orchestrator"`
	Skills         SkillsConfig       `yaml:"skills"`
	Admin          AdminConfig        `yaml:"admin"`
	Log            LogConfig          `yaml:"log"`
}

// BusConfig selects the messagebus transport.
type BusConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// Token authenticates against the bus: a bearer token for websocket,
	// a NATS token otherwise.
	Token string `yaml:"token"` //nolint:gosec // configuration field, not a hardcoded secret
	// Listen serves an embedded websocket messagebus at this address. The
	// engine connects to it when URL is empty.
	Listen string `yaml:"listen"`
}

// SessionsConfig holds session storage and lifetime settings.
type SessionsConfig struct {
	Store string `yaml:"store"`
	// NATSURL defaults to bus.url when the bus is NATS.
	NATSURL            string        `yaml:"nats_url"`
	Bucket             string        `yaml:"bucket"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	ActiveSkillTimeout time.Duration `yaml:"active_skill_timeout"`
	// ContextTurns is the default lifetime of skill-set context.
	ContextTurns int `yaml:"context_turns"`
}

// RegistryConfig holds skill liveness settings.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	// RecoverAfter restores degraded in-process skills after a cool-down.
	RecoverAfter time.Duration `yaml:"recover_after"`
}

// IntentsConfig holds matcher settings.
type IntentsConfig struct {
	MinConfidence float64       `yaml:"min_confidence"`
	TieBreak      string        `yaml:"tie_break"`
	ScoreTimeout  time.Duration `yaml:"score_timeout"`
}

// ConverseConfig holds converse settings.
type ConverseConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// FallbackConfig filters and orders fallback handlers.
type FallbackConfig struct {
	Mode       string         `yaml:"mode"`
	Whitelist  []string       `yaml:"whitelist"`
	Blacklist  []string       `yaml:"blacklist"`
	Priorities map[string]int `yaml:"priorities"`
}

// SandboxConfig bounds skill execution.
type SandboxConfig struct {
	HandleTimeout time.Duration `yaml:"handle_timeout"`
	CancelGrace   time.Duration `yaml:"cancel_grace"`
}

// OrchestratorConfig holds dispatch settings.
type OrchestratorConfig struct {
	Workers int `yaml:"workers"`
	// QueueDepth bounds waiting utterances per session; -1 is unbounded.
	QueueDepth          int           `yaml:"queue_depth"`
	DedupTTL            time.Duration `yaml:"dedup_ttl"`
	DedupSize           int           `yaml:"dedup_size"`
	StopWords           []string      `yaml:"stop_words"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// SkillsConfig lists the skills the engine hosts itself.
type SkillsConfig struct {
	ManifestDir string        `yaml:"manifest_dir"`
	MCP         []MCPConfig   `yaml:"mcp"`
	Persona     PersonaConfig `yaml:"persona"`
}

// MCPConfig describes an MCP server hosting a skill. Either Command or URL
// is set.
type MCPConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
	// Transport is "sse" or "streamable" (default) for URL servers.
	Transport string `yaml:"transport"`
}

// PersonaConfig enables the language model fallback. An empty provider
// disables it.
type PersonaConfig struct {
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key"` //nolint:gosec // configuration field, not a hardcoded secret
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	MaxTokens    int64  `yaml:"max_tokens"`
	System       string `yaml:"system"`
	Priority     int    `yaml:"priority"`
	HistoryTurns int    `yaml:"history_turns"`
	FollowUp     bool   `yaml:"follow_up"`
}

// AdminConfig enables the HTTP admin API when Addr is set.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads a YAML, TOML or JSON file, chosen by extension, and
// returns a Config with defaults applied. Environment variables referenced as
// ${VAR} or $VAR are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("engine: load config: %w", err)
	}

	cfg, err := ParseConfig(filepath.Ext(path), os.ExpandEnv(string(data)))
	if err != nil {
		return Config{}, err
	}

	return cfg.WithDefaults(), nil
}

// ParseConfig decodes data in the format named by ext.
func ParseConfig(ext, data string) (Config, error) {
	var cfg Config

	switch strings.ToLower(ext) {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML.
		if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("engine: parse config: %w", err)
		}
	case ".toml":
		var raw map[string]any
		if _, err := toml.Decode(data, &raw); err != nil {
			return Config{}, fmt.Errorf("engine: parse config: %w", err)
		}
		b, err := yaml.Marshal(raw)
		if err != nil {
			return Config{}, fmt.Errorf("engine: parse config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("engine: parse config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("engine: parse config: unsupported format %q", ext)
	}

	return cfg, nil
}

// WithDefaults returns a copy of c with unset selectors filled in. Unset
// timeouts and limits keep the defaults of the component they configure.
func (c Config) WithDefaults() Config {
	if c.Lang == "" {
		c.Lang = "en-us"
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = BusLocal
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = StoreMemory
	}
	if c.Sessions.Bucket == "" {
		c.Sessions.Bucket = natsstore.DefaultBucket
	}
	if c.Sessions.NATSURL == "" && c.Bus.Kind == BusNATS {
		c.Sessions.NATSURL = c.Bus.URL
	}
	if c.Intents.TieBreak == "" {
		c.Intents.TieBreak = string(intent.TieBreakLexical)
	}
	if c.Fallback.Mode == "" {
		c.Fallback.Mode = string(fallback.ModeAcceptAll)
	}
	for i := range c.Skills.MCP {
		if c.Skills.MCP[i].URL != "" && c.Skills.MCP[i].Transport == "" {
			c.Skills.MCP[i].Transport = "streamable"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return c
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch c.Bus.Kind {
	case BusLocal:
	case BusWebsocket:
		if c.Bus.URL == "" && c.Bus.Listen == "" {
			return fmt.Errorf("engine: config: bus: websocket needs url or listen")
		}
	case BusNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("engine: config: bus: nats needs url")
		}
	default:
		return fmt.Errorf("engine: config: bus: unknown kind %q", c.Bus.Kind)
	}

	switch c.Sessions.Store {
	case StoreMemory:
	case StoreNATS:
		if c.Sessions.NATSURL == "" {
			return fmt.Errorf("engine: config: sessions: nats store needs nats_url")
		}
	default:
		return fmt.Errorf("engine: config: sessions: unknown store %q", c.Sessions.Store)
	}

	if c.Intents.MinConfidence < 0 || c.Intents.MinConfidence > 1 {
		return fmt.Errorf("engine: config: intents: min_confidence %v outside [0, 1]", c.Intents.MinConfidence)
	}
	if !intent.TieBreak(c.Intents.TieBreak).Valid() {
		return fmt.Errorf("engine: config: intents: unknown tie_break %q", c.Intents.TieBreak)
	}
	if !fallback.Mode(c.Fallback.Mode).Valid() {
		return fmt.Errorf("engine: config: fallback: unknown mode %q", c.Fallback.Mode)
	}
	if c.Orchestrator.QueueDepth < -1 {
		return fmt.Errorf("engine: config: orchestrator: queue_depth must be -1 or more")
	}

	mcpNames := make(map[string]struct{}, len(c.Skills.MCP))
	for _, m := range c.Skills.MCP {
		if m.Name == "" {
			return fmt.Errorf("engine: config: mcp server name is required")
		}
		if (m.Command == "") == (m.URL == "") {
			return fmt.Errorf("engine: config: mcp server %q: exactly one of command or url is required", m.Name)
		}
		if m.URL != "" && m.Transport != "sse" && m.Transport != "streamable" {
			return fmt.Errorf("engine: config: mcp server %q: unknown transport %q", m.Name, m.Transport)
		}
		if _, dup := mcpNames[m.Name]; dup {
			return fmt.Errorf("engine: config: duplicate mcp server name %q", m.Name)
		}
		mcpNames[m.Name] = struct{}{}
	}

	switch c.Skills.Persona.Provider {
	case "", ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("engine: config: persona: unknown provider %q", c.Skills.Persona.Provider)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("engine: config: log: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("engine: config: log: unknown format %q", c.Log.Format)
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return l, nil
}
