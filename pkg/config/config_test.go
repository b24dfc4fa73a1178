package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":7171"
recognizer:
  url: wss://asr.example.com/v1/stream
  language: de-DE
synthesizer:
  url: wss://tts.example.com/v1/speak
  voice: anna
agent:
  api_key: test-key
  model: gpt-4o-mini
tools:
  base_url: https://backend.internal/tools
switch:
  control_url: https://switch.internal/api
redis:
  addr: redis.internal:6379
  ttl: 15m
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7171", cfg.Listen)
	assert.Equal(t, "de-DE", cfg.Recognizer.Language)
	assert.Equal(t, "anna", cfg.Synthesizer.Voice)
	assert.Equal(t, 15*time.Minute, cfg.Redis.TTL)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, "en-US", cfg.Recognizer.Language)
	assert.Equal(t, "operators", cfg.Switch.OperatorQueue)
	assert.NotEmpty(t, cfg.Prompts.Greeting)
	assert.NotEmpty(t, cfg.Prompts.Apology)
}

func TestLoadConfig_EnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("RECOGNIZER_API_KEY", "asr-key")

	cfg, err := LoadConfig(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Agent.APIKey)
	assert.Equal(t, "asr-key", cfg.Recognizer.APIKey)
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "listen: [[["))
	require.Error(t, err)
}

func TestValidateMissingFields(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := LoadConfig(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.Recognizer.URL = "wss://asr"
	cfg.Synthesizer.URL = "wss://tts"
	cfg.Agent.APIKey = "k"
	cfg.Tools.BaseURL = "https://tools"
	assert.Error(t, cfg.Validate(), "switch control URL still missing")

	cfg.Switch.ControlURL = "https://switch"
	assert.NoError(t, cfg.Validate())
}
