package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
lang: en-us
secondary_langs: [pt-pt]
bus:
  kind: websocket
  url: ws://127.0.0.1:8181/core
  token: ${OVOS_TEST_TOKEN}
sessions:
  idle_timeout: 5m
  context_turns: 2
intents:
  min_confidence: 0.6
  tie_break: recency
fallback:
  mode: whitelist
  whitelist: [fallback.unknown, persona]
  priorities:
    persona: 99
orchestrator:
  queue_depth: -1
  stop_words: [stop, halt]
skills:
  manifest_dir: /etc/ovos/skills
  mcp:
    - name: weather
      command: weather-skill
      args: ["--units", "metric"]
    - name: remote
      url: http://127.0.0.1:9000/mcp
  persona:
    provider: anthropic
    api_key: ${OVOS_TEST_KEY}
admin:
  addr: 127.0.0.1:8080
log:
  level: debug
  format: json
`

const sampleTOML = `
lang = "de-de"

[bus]
kind = "nats"
url = "nats://127.0.0.1:4222"

[sessions]
store = "nats"
idle_timeout = "90s"

[sandbox]
handle_timeout = "3s"

[[skills.mcp]]
name = "lights"
url = "http://127.0.0.1:9001/sse"
transport = "sse"
`

const sampleJSON = `{
  "lang": "fr-fr",
  "registry": {"heartbeat_interval": "15s", "missed_heartbeats": 4},
  "orchestrator": {"workers": 2, "dedup_ttl": "1m"}
}`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	t.Setenv("OVOS_TEST_TOKEN", "bus-secret")
	t.Setenv("OVOS_TEST_KEY", "sk-test")

	cfg, err := LoadConfig(writeConfig(t, "ovos.yaml", sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "en-us", cfg.Lang)
	assert.Equal(t, []string{"pt-pt"}, cfg.SecondaryLangs)
	assert.Equal(t, BusWebsocket, cfg.Bus.Kind)
	assert.Equal(t, "bus-secret", cfg.Bus.Token)
	assert.Equal(t, StoreMemory, cfg.Sessions.Store)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 2, cfg.Sessions.ContextTurns)
	assert.InDelta(t, 0.6, cfg.Intents.MinConfidence, 1e-9)
	assert.Equal(t, "recency", cfg.Intents.TieBreak)
	assert.Equal(t, "whitelist", cfg.Fallback.Mode)
	assert.Equal(t, map[string]int{"persona": 99}, cfg.Fallback.Priorities)
	assert.Equal(t, -1, cfg.Orchestrator.QueueDepth)
	assert.Equal(t, []string{"stop", "halt"}, cfg.Orchestrator.StopWords)

	require.Len(t, cfg.Skills.MCP, 2)
	assert.Equal(t, []string{"--units", "metric"}, cfg.Skills.MCP[0].Args)
	assert.Empty(t, cfg.Skills.MCP[0].Transport)
	assert.Equal(t, "streamable", cfg.Skills.MCP[1].Transport)
	assert.Equal(t, ProviderAnthropic, cfg.Skills.Persona.Provider)
	assert.Equal(t, "sk-test", cfg.Skills.Persona.APIKey)

	assert.Equal(t, "127.0.0.1:8080", cfg.Admin.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfigTOML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "ovos.toml", sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "de-de", cfg.Lang)
	assert.Equal(t, BusNATS, cfg.Bus.Kind)
	assert.Equal(t, StoreNATS, cfg.Sessions.Store)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Sessions.NATSURL)
	assert.Equal(t, 90*time.Second, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.HandleTimeout)
	require.Len(t, cfg.Skills.MCP, 1)
	assert.Equal(t, "sse", cfg.Skills.MCP[0].Transport)
}

func TestLoadConfigJSON(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "mycroft.json", sampleJSON))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "fr-fr", cfg.Lang)
	assert.Equal(t, 15*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Registry.MissedHeartbeats)
	assert.Equal(t, 2, cfg.Orchestrator.Workers)
	assert.Equal(t, time.Minute, cfg.Orchestrator.DedupTTL)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: load config")

	_, err = LoadConfig(writeConfig(t, "ovos.ini", "lang = en"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")

	_, err = LoadConfig(writeConfig(t, "bad.yaml", "bus: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: parse config")

	_, err = LoadConfig(writeConfig(t, "bad.toml", "lang = "))
	require.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, "en-us", cfg.Lang)
	assert.Equal(t, BusLocal, cfg.Bus.Kind)
	assert.Equal(t, StoreMemory, cfg.Sessions.Store)
	assert.Equal(t, "ovos_sessions", cfg.Sessions.Bucket)
	assert.Equal(t, "lexical", cfg.Intents.TieBreak)
	assert.Equal(t, "accept_all", cfg.Fallback.Mode)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"unknown bus", func(c *Config) { c.Bus.Kind = "mqtt" }, `unknown kind "mqtt"`},
		{"websocket without url", func(c *Config) { c.Bus.Kind = BusWebsocket }, "websocket needs url or listen"},
		{"nats without url", func(c *Config) { c.Bus.Kind = BusNATS }, "nats needs url"},
		{"unknown store", func(c *Config) { c.Sessions.Store = "redis" }, `unknown store "redis"`},
		{"nats store without url", func(c *Config) { c.Sessions.Store = StoreNATS }, "nats store needs nats_url"},
		{"confidence range", func(c *Config) { c.Intents.MinConfidence = 1.5 }, "min_confidence"},
		{"tie break", func(c *Config) { c.Intents.TieBreak = "random" }, `unknown tie_break "random"`},
		{"fallback mode", func(c *Config) { c.Fallback.Mode = "some" }, `unknown mode "some"`},
		{"queue depth", func(c *Config) { c.Orchestrator.QueueDepth = -2 }, "queue_depth"},
		{"mcp without name", func(c *Config) {
			c.Skills.MCP = []MCPConfig{{Command: "x"}}
		}, "mcp server name is required"},
		{"mcp without target", func(c *Config) {
			c.Skills.MCP = []MCPConfig{{Name: "a"}}
		}, "exactly one of command or url"},
		{"mcp both targets", func(c *Config) {
			c.Skills.MCP = []MCPConfig{{Name: "a", Command: "x", URL: "http://x", Transport: "sse"}}
		}, "exactly one of command or url"},
		{"mcp transport", func(c *Config) {
			c.Skills.MCP = []MCPConfig{{Name: "a", URL: "http://x", Transport: "grpc"}}
		}, `unknown transport "grpc"`},
		{"mcp duplicate", func(c *Config) {
			c.Skills.MCP = []MCPConfig{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}
		}, `duplicate mcp server name "a"`},
		{"persona provider", func(c *Config) { c.Skills.Persona.Provider = "llama" }, `unknown provider "llama"`},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, `unknown format "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}.WithDefaults()
			tt.modify(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "engine: config:")
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "session_id", "s1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"session_id":"s1"`)

	_, err = NewLogger(LogConfig{Level: "info", Format: "yaml"}, &buf)
	require.Error(t, err)
	_, err = NewLogger(LogConfig{Level: "chatty"}, &buf)
	require.Error(t, err)
}
