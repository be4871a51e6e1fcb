// Package config loads pipeline configuration from YAML files and the
// environment, with hot-reload support.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces environment overrides, e.g. GROUNDING_LOGGING_LEVEL.
const EnvPrefix = "GROUNDING"

// Manager handles loading and hot-reloading configuration. Each Manager owns
// its own viper instance so embedding applications keep their globals.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config. An empty
// cfgFile falls back to grounding.yaml in the working directory or
// $HOME/.grounding.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	v := viper.New()

	// Defaults are leaf-keyed, so a file that overrides one key keeps the
	// rest and GROUNDING_* env vars bind per key.
	defaults := DefaultConfig()
	for name, eng := range defaults.Engines {
		prefix := "engines." + name + "."
		v.SetDefault(prefix+"type", eng.Type)
		v.SetDefault(prefix+"base_url", eng.BaseURL)
		v.SetDefault(prefix+"api_key", eng.APIKey)
		v.SetDefault(prefix+"model", eng.Model)
		v.SetDefault(prefix+"timeout", eng.Timeout)
		v.SetDefault(prefix+"requests_per_minute", eng.RequestsPerMinute)
		v.SetDefault(prefix+"max_retries", eng.MaxRetries)
		v.SetDefault(prefix+"max_tokens", eng.MaxTokens)
		v.SetDefault(prefix+"enabled", eng.Enabled)
	}
	v.SetDefault("passes.grounded.engine", defaults.Passes.Grounded.Engine)
	v.SetDefault("passes.grounded.prompt", defaults.Passes.Grounded.Prompt)
	v.SetDefault("passes.grounded.mode", defaults.Passes.Grounded.Mode)
	v.SetDefault("passes.describe.engine", defaults.Passes.Describe.Engine)
	v.SetDefault("passes.describe.prompt", defaults.Passes.Describe.Prompt)
	v.SetDefault("passes.describe.mode", defaults.Passes.Describe.Mode)
	v.SetDefault("reconcile.accept_threshold", defaults.Reconcile.AcceptThreshold)
	v.SetDefault("reconcile.max_candidate_len", defaults.Reconcile.MaxCandidateLen)
	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("grounding")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.grounding")
	}

	// A missing config file is fine: defaults plus environment carry a
	// full configuration.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cm.v = v
	return nil
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading. A rewrite that fails to parse or
// validate keeps the last good config.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Grounding pipeline configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
