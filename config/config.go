package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/lmstudio"
	"github.com/nachoal/localllm/llm/unified"
)

// Keys understood in the config file and as LOCALLLM_<KEY> variables
const (
	KeyBackend          = "backend"
	KeyModel            = "model"
	KeyOllamaURL        = "ollama_url"
	KeyLMStudioURL      = "lmstudio_url"
	KeyFamily           = "lmstudio_family"
	KeyKeepAlive        = "keep_alive"
	KeyTTL              = "ttl"
	KeyTimeout          = "timeout"
	KeyExtractReasoning = "extract_reasoning"
)

const envPrefix = "LOCALLLM"

// Config represents the application configuration
type Config struct {
	Backend          string        `mapstructure:"backend"`
	Model            string        `mapstructure:"model"`
	OllamaURL        string        `mapstructure:"ollama_url"`
	LMStudioURL      string        `mapstructure:"lmstudio_url"`
	Family           string        `mapstructure:"lmstudio_family"`
	KeepAlive        string        `mapstructure:"keep_alive"`
	TTL              int           `mapstructure:"ttl"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ExtractReasoning bool          `mapstructure:"extract_reasoning"`
}

// Manager handles configuration loading and persistence.
// Precedence: explicit Set, environment, config file, defaults.
type Manager struct {
	configPath string
	v          *viper.Viper
}

// NewManager creates a config manager for ~/.localllm/config.yaml
func NewManager() (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewManagerAt(filepath.Join(homeDir, ".localllm", "config.yaml"))
}

// NewManagerAt creates a config manager backed by the file at path.
// A missing file is not an error.
func NewManagerAt(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Older tooling used these names.
	_ = v.BindEnv(KeyOllamaURL, envPrefix+"_OLLAMA_URL", "OLLAMA_URL")
	_ = v.BindEnv(KeyLMStudioURL, envPrefix+"_LMSTUDIO_URL", "LM_STUDIO_URL")

	m := &Manager{configPath: path, v: v}
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyBackend, unified.BackendOllama)
	v.SetDefault(KeyModel, "")
	v.SetDefault(KeyOllamaURL, "http://localhost:11434")
	v.SetDefault(KeyLMStudioURL, "http://localhost:1234")
	v.SetDefault(KeyFamily, string(lmstudio.FamilyNative))
	v.SetDefault(KeyKeepAlive, "5m")
	v.SetDefault(KeyTTL, 600)
	v.SetDefault(KeyTimeout, 2*time.Minute)
	v.SetDefault(KeyExtractReasoning, false)
}

// Path returns the config file location
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the configuration file, if present
func (m *Manager) Load() error {
	if _, err := os.Stat(m.configPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	m.v.SetConfigFile(m.configPath)
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Config returns the effective configuration
func (m *Manager) Config() (Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values the clients would reject later
func (c Config) Validate() error {
	if _, err := unified.NormalizeBackend(c.Backend); err != nil {
		return err
	}
	if _, err := lmstudio.ParseFamily(c.Family); err != nil {
		return err
	}
	if err := llm.KeepAlive(c.KeepAlive).Validate(); err != nil {
		return err
	}
	if c.TTL < -1 {
		return fmt.Errorf("ttl must be -1, 0 or positive, got %d", c.TTL)
	}
	return nil
}

// BaseURL returns the configured address of the selected backend
func (c Config) BaseURL() string {
	if b, _ := unified.NormalizeBackend(c.Backend); b == unified.BackendLMStudio {
		return c.LMStudioURL
	}
	return c.OllamaURL
}

// Unified converts the configuration into facade settings
func (c Config) Unified(logger *slog.Logger) unified.Config {
	ttl := c.TTL
	return unified.Config{
		Backend:          c.Backend,
		BaseURL:          c.BaseURL(),
		Model:            c.Model,
		Timeout:          c.Timeout,
		Family:           c.Family,
		KeepAlive:        llm.KeepAlive(c.KeepAlive),
		TTL:              &ttl,
		ExtractReasoning: c.ExtractReasoning,
		Logger:           logger,
	}
}

// Set overrides a value for this process only
func (m *Manager) Set(key string, value any) {
	m.v.Set(key, value)
}

// GetDefaultBackend returns the default backend
func (m *Manager) GetDefaultBackend() string {
	b, err := unified.NormalizeBackend(m.v.GetString(KeyBackend))
	if err != nil {
		return unified.BackendOllama
	}
	return b
}

// GetDefaultModel returns the default model
func (m *Manager) GetDefaultModel() string {
	return m.v.GetString(KeyModel)
}

// SetDefaults updates the default backend and model and saves them
func (m *Manager) SetDefaults(backend, model string) error {
	b, err := unified.NormalizeBackend(backend)
	if err != nil {
		return err
	}
	return m.Save(map[string]any{KeyBackend: b, KeyModel: model})
}

// Save writes values to the config file, keeping the keys already there.
// Environment overrides are never written back.
func (m *Manager) Save(values map[string]any) error {
	file := viper.New()
	if _, err := os.Stat(m.configPath); err == nil {
		file.SetConfigFile(m.configPath)
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}
	for k, v := range values {
		file.Set(k, v)
		m.v.Set(k, v)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := file.WriteConfigAs(m.configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
