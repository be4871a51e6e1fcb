package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/diagramkit/grounding/inference"
)

// Config holds pipeline configuration.
type Config struct {
	Engines   map[string]EngineCfg `mapstructure:"engines" yaml:"engines"`
	Passes    PassesCfg            `mapstructure:"passes" yaml:"passes"`
	Reconcile ReconcileCfg         `mapstructure:"reconcile" yaml:"reconcile"`
	Logging   LoggingCfg           `mapstructure:"logging" yaml:"logging"`
}

// EngineCfg configures one inference engine.
type EngineCfg struct {
	Type              string        `mapstructure:"type" yaml:"type"`       // "deepseek", "openai"
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	Model             string        `mapstructure:"model" yaml:"model"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
}

// PassesCfg selects the engine and prompt for each pipeline pass.
type PassesCfg struct {
	Grounded PassCfg `mapstructure:"grounded" yaml:"grounded"`
	Describe PassCfg `mapstructure:"describe" yaml:"describe"`
}

// PassCfg binds one pass to an engine, a catalog prompt and a sizing mode.
type PassCfg struct {
	Engine string `mapstructure:"engine" yaml:"engine"` // engine name from Engines
	Prompt string `mapstructure:"prompt" yaml:"prompt"` // catalog prompt token
	Mode   string `mapstructure:"mode" yaml:"mode"`     // sizing mode name, "" = engine default
}

// ReconcileCfg tunes label matching.
type ReconcileCfg struct {
	AcceptThreshold float64 `mapstructure:"accept_threshold" yaml:"accept_threshold"`
	MaxCandidateLen int     `mapstructure:"max_candidate_len" yaml:"max_candidate_len"`
}

// LoggingCfg configures structured logging.
type LoggingCfg struct {
	Level string `mapstructure:"level" yaml:"level"` // debug|info|warn|error
}

// SlogLevel maps the configured level to slog. Unknown values mean info.
func (l LoggingCfg) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns configuration with sensible defaults: a local OCR
// service for the grounded pass and an OpenAI vision model for the describe
// pass.
func DefaultConfig() *Config {
	return &Config{
		Engines: map[string]EngineCfg{
			"deepseek": {
				Type:              "deepseek",
				BaseURL:           "http://localhost:8000",
				RequestsPerMinute: 60,
				MaxRetries:        3,
				Enabled:           true,
			},
			"vision": {
				Type:              "openai",
				APIKey:            "${OPENAI_API_KEY}",
				Model:             "gpt-4o",
				RequestsPerMinute: 60,
				MaxTokens:         1024,
				Enabled:           true,
			},
		},
		Passes: PassesCfg{
			Grounded: PassCfg{
				Engine: "deepseek",
				Prompt: string(inference.PromptRussianLayout),
				Mode:   "gundam",
			},
			Describe: PassCfg{
				Engine: "vision",
				Prompt: string(inference.PromptDescribe),
			},
		},
		Reconcile: ReconcileCfg{
			AcceptThreshold: 0.6,
			MaxCandidateLen: 64,
		},
		Logging: LoggingCfg{
			Level: "info",
		},
	}
}

// Validate checks cross-references and value ranges. It is called on load so
// a broken file fails at startup instead of mid-run.
func (c *Config) Validate() error {
	if len(c.Engines) == 0 {
		return fmt.Errorf("config requires at least one engine")
	}
	for name, eng := range c.Engines {
		switch eng.Type {
		case "deepseek", "openai":
		default:
			return fmt.Errorf("engine %q has unknown type %q", name, eng.Type)
		}
		if eng.RequestsPerMinute < 0 {
			return fmt.Errorf("engine %q has negative requests_per_minute", name)
		}
	}

	if err := c.validatePass("passes.grounded", c.Passes.Grounded, true); err != nil {
		return err
	}
	if err := c.validatePass("passes.describe", c.Passes.Describe, false); err != nil {
		return err
	}

	if c.Reconcile.AcceptThreshold < 0 || c.Reconcile.AcceptThreshold > 1 {
		return fmt.Errorf("reconcile.accept_threshold %v out of range [0, 1]", c.Reconcile.AcceptThreshold)
	}
	if c.Reconcile.MaxCandidateLen < 0 {
		return fmt.Errorf("reconcile.max_candidate_len must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug|info|warn|error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validatePass(key string, pass PassCfg, needsGrounding bool) error {
	eng, ok := c.Engines[pass.Engine]
	if !ok {
		return fmt.Errorf("%s references unknown engine %q", key, pass.Engine)
	}
	if !eng.Enabled {
		return fmt.Errorf("%s references disabled engine %q", key, pass.Engine)
	}

	prompt := inference.PromptType(pass.Prompt)
	if err := prompt.Validate(); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if needsGrounding && !prompt.Grounded() {
		return fmt.Errorf("%s: prompt %q carries no coordinates, the pass would yield no regions", key, pass.Prompt)
	}

	if pass.Mode != "" {
		if _, err := inference.ModeByName(pass.Mode); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// GetEngine returns an engine config by name.
func (c *Config) GetEngine(name string) (EngineCfg, bool) {
	cfg, ok := c.Engines[name]
	return cfg, ok
}

// EnabledEngines returns all enabled engine configs.
func (c *Config) EnabledEngines() map[string]EngineCfg {
	result := make(map[string]EngineCfg)
	for name, cfg := range c.Engines {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// ToEngineConfigs converts the config to the registry's input format,
// resolving ${ENV_VAR} references in API keys.
func (c *Config) ToEngineConfigs() map[string]inference.EngineConfig {
	out := make(map[string]inference.EngineConfig, len(c.Engines))
	for name, eng := range c.Engines {
		out[name] = inference.EngineConfig{
			Type:              eng.Type,
			Enabled:           eng.Enabled,
			BaseURL:           eng.BaseURL,
			APIKey:            ResolveEnvVars(eng.APIKey),
			Model:             eng.Model,
			Timeout:           eng.Timeout,
			RequestsPerMinute: eng.RequestsPerMinute,
			MaxRetries:        eng.MaxRetries,
			MaxTokens:         eng.MaxTokens,
		}
	}
	return out
}
