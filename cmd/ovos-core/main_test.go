package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderjer/ovos-core/pkg/engine"
)

func TestLoadDotEnvMissingIsIgnored(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OVOS_CORE_TEST_VAR=from-dotenv\n"), 0o600))
	t.Setenv("OVOS_CORE_TEST_VAR", "")
	require.NoError(t, os.Unsetenv("OVOS_CORE_TEST_VAR"))

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv("OVOS_CORE_TEST_VAR"))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, engine.BusLocal, cfg.Bus.Kind)
	assert.Equal(t, engine.StoreMemory, cfg.Sessions.Store)
}

func TestLoadConfigFindsDefaultFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ovos.toml"), []byte("lang = \"nl-nl\"\n"), 0o600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "nl-nl", cfg.Lang)
}

func TestRunSay(t *testing.T) {
	dir := t.TempDir()
	skills := filepath.Join(dir, "skills")
	require.NoError(t, os.Mkdir(skills, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(skills, "time.yaml"), []byte(`
intents:
  - id: now
    patterns: ['^what time is it$']
    speak: "It is tea time."
`), 0o600))
	cfgPath := filepath.Join(dir, "ovos.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("skills:\n  manifest_dir: "+skills+"\nlog:\n  level: error\n"), 0o600))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(cfgPath, "what time is it", &stdout, &stderr))
	assert.Equal(t, "It is tea time.\n", stdout.String())
}
