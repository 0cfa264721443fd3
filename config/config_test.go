package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachoal/localllm/llm"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LOCALLLM_BACKEND", "LOCALLLM_MODEL", "LOCALLLM_OLLAMA_URL", "LOCALLLM_LMSTUDIO_URL",
		"LOCALLLM_LMSTUDIO_FAMILY", "LOCALLLM_KEEP_ALIVE", "LOCALLLM_TTL", "LOCALLLM_TIMEOUT",
		"LOCALLLM_EXTRACT_REASONING", "OLLAMA_URL", "LM_STUDIO_URL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManagerAt(filepath.Join(t.TempDir(), "localllm", "config.yaml"))
	require.NoError(t, err)
	return m
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	m := newManager(t)

	cfg, err := m.Config()
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.Equal(t, "http://localhost:1234", cfg.LMStudioURL)
	assert.Equal(t, "native", cfg.Family)
	assert.Equal(t, "5m", cfg.KeepAlive)
	assert.Equal(t, 600, cfg.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, "http://localhost:11434", cfg.BaseURL())

	assert.Equal(t, "ollama", m.GetDefaultBackend())
	assert.Empty(t, m.GetDefaultModel())
	_, err = os.Stat(m.Path())
	assert.True(t, os.IsNotExist(err), "reading must not create the file")
}

func TestEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOCALLLM_BACKEND", "lm-studio")
	t.Setenv("LOCALLLM_MODEL", "qwen3-8b")
	t.Setenv("LOCALLLM_TTL", "-1")
	t.Setenv("LOCALLLM_TIMEOUT", "30s")
	t.Setenv("LM_STUDIO_URL", "http://gpu-box:1234")
	m := newManager(t)

	cfg, err := m.Config()
	require.NoError(t, err)
	assert.Equal(t, "lm-studio", cfg.Backend)
	assert.Equal(t, "lmstudio", m.GetDefaultBackend())
	assert.Equal(t, "qwen3-8b", cfg.Model)
	assert.Equal(t, -1, cfg.TTL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "http://gpu-box:1234", cfg.BaseURL())
}

func TestPrefixedURLWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_URL", "http://legacy:11434")
	t.Setenv("LOCALLLM_OLLAMA_URL", "http://new:11434")
	m := newManager(t)

	cfg, err := m.Config()
	require.NoError(t, err)
	assert.Equal(t, "http://new:11434", cfg.OllamaURL)
}

func TestSetDefaultsPersists(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m, err := NewManagerAt(path)
	require.NoError(t, err)

	require.NoError(t, m.Save(map[string]any{KeyKeepAlive: "1h"}))
	require.NoError(t, m.SetDefaults("LM Studio", "gemma-3-4b"))
	assert.Equal(t, "lmstudio", m.GetDefaultBackend())
	assert.Equal(t, "gemma-3-4b", m.GetDefaultModel())

	reloaded, err := NewManagerAt(path)
	require.NoError(t, err)
	cfg, err := reloaded.Config()
	require.NoError(t, err)
	assert.Equal(t, "lmstudio", cfg.Backend)
	assert.Equal(t, "gemma-3-4b", cfg.Model)
	assert.Equal(t, "1h", cfg.KeepAlive, "earlier keys are kept")

	assert.Error(t, m.SetDefaults("llamacpp", "x"))
}

func TestEnvNotWrittenBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOCALLLM_OLLAMA_URL", "http://from-env:11434")
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManagerAt(path)
	require.NoError(t, err)
	require.NoError(t, m.SetDefaults("ollama", "m1"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "from-env")
	assert.Contains(t, string(raw), "m1")
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: lmstudio\nlmstudio_family: compatible\nttl: 0\nextract_reasoning: true\n"), 0644))

	m, err := NewManagerAt(path)
	require.NoError(t, err)
	cfg, err := m.Config()
	require.NoError(t, err)

	u := cfg.Unified(nil)
	assert.Equal(t, "lmstudio", u.Backend)
	assert.Equal(t, "compatible", u.Family)
	assert.Equal(t, "http://localhost:1234", u.BaseURL)
	require.NotNil(t, u.TTL)
	assert.Equal(t, 0, *u.TTL)
	assert.True(t, u.ExtractReasoning)
	assert.Equal(t, llm.KeepAlive("5m"), u.KeepAlive)
}

func TestValidate(t *testing.T) {
	valid := Config{Backend: "ollama", Family: "native", KeepAlive: "5m", TTL: 600}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "llamacpp" }},
		{"family", func(c *Config) { c.Family = "grpc" }},
		{"keep alive", func(c *Config) { c.KeepAlive = "later" }},
		{"ttl", func(c *Config) { c.TTL = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestBrokenFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [unclosed\n"), 0644))

	_, err := NewManagerAt(path)
	assert.Error(t, err)
}
