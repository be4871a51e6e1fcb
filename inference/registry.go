package inference

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds named engines. It supports config-driven instantiation,
// hot-reload, and thread-safe access.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	logger  *slog.Logger
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds an engine under name, replacing any previous entry.
func (r *Registry) Register(name string, engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = engine
	if r.logger != nil {
		r.logger.Info("registered engine", "name", name)
	}
}

// Unregister removes an engine by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, name)
	if r.logger != nil {
		r.logger.Info("unregistered engine", "name", name)
	}
}

// Get returns an engine by name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine not found: %s", name)
	}
	return engine, nil
}

// Has checks if an engine is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[name]
	return ok
}

// Names returns all registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engines returns a copy of the registered engine map.
func (r *Registry) Engines() map[string]Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]Engine, len(r.engines))
	for name, engine := range r.engines {
		result[name] = engine
	}
	return result
}

// EngineConfig defines one engine to instantiate from config.
type EngineConfig struct {
	// Type selects the implementation: "deepseek" or "openai".
	Type    string
	Enabled bool

	BaseURL string
	// APIKey is required for "openai", optional for "deepseek".
	APIKey string
	Model  string

	Timeout           time.Duration
	RequestsPerMinute int
	MaxRetries        int
	MaxTokens         int
}

// enabled reports whether the config describes a usable engine. OpenAI
// backends cannot run keyless; the local OCR service can.
func (c EngineConfig) enabled() bool {
	if !c.Enabled {
		return false
	}
	if c.Type == "openai" && c.APIKey == "" {
		return false
	}
	return true
}

// NewRegistryFromConfig creates a registry with engines built from
// configuration. Disabled and keyless entries are skipped.
func NewRegistryFromConfig(cfgs map[string]EngineConfig, logger *slog.Logger) *Registry {
	r := NewRegistry()
	if logger != nil {
		r.logger = logger
	}

	for name, cfg := range cfgs {
		if !cfg.enabled() {
			continue
		}
		engine := createEngine(cfg, r.logger)
		if engine == nil {
			r.logger.Warn("unknown engine type, skipping", "name", name, "type", cfg.Type)
			continue
		}
		r.engines[name] = engine
	}
	return r
}

// Reload updates the registry from new configuration. Engines that are no
// longer configured are unregistered; engines with changed settings are
// recreated; unchanged engines keep their limiter state.
func (r *Registry) Reload(cfgs map[string]EngineConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)

	for name, cfg := range cfgs {
		if !cfg.enabled() {
			continue
		}
		want[name] = true

		existing, hasExisting := r.engines[name]
		if hasExisting && !needsUpdate(existing, cfg) {
			continue
		}
		engine := createEngine(cfg, r.logger)
		if engine == nil {
			if r.logger != nil {
				r.logger.Warn("unknown engine type, skipping", "name", name, "type", cfg.Type)
			}
			delete(want, name)
			continue
		}
		r.engines[name] = engine
		if r.logger != nil {
			if hasExisting {
				r.logger.Info("updated engine", "name", name, "type", cfg.Type)
			} else {
				r.logger.Info("registered engine", "name", name, "type", cfg.Type)
			}
		}
	}

	for name := range r.engines {
		if !want[name] {
			delete(r.engines, name)
			if r.logger != nil {
				r.logger.Info("unregistered engine", "name", name)
			}
		}
	}
}

// createEngine builds an engine from its config.
func createEngine(cfg EngineConfig, logger *slog.Logger) Engine {
	switch cfg.Type {
	case "deepseek":
		return NewDeepSeekClient(DeepSeekConfig{
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			Timeout:           cfg.Timeout,
			MaxRetries:        cfg.MaxRetries,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Logger:            logger,
		})
	case "openai":
		return NewVisionClient(VisionConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			Timeout:           cfg.Timeout,
			MaxRetries:        cfg.MaxRetries,
			MaxTokens:         cfg.MaxTokens,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Logger:            logger,
		})
	default:
		return nil
	}
}

// needsUpdate checks if an engine must be recreated for the new config.
func needsUpdate(engine Engine, cfg EngineConfig) bool {
	switch e := engine.(type) {
	case *DeepSeekClient:
		if cfg.Type != "deepseek" {
			return true
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DeepSeekBaseURL
		}
		return e.baseURL != baseURL ||
			e.apiKey != cfg.APIKey ||
			(cfg.MaxRetries > 0 && e.maxRetries != cfg.MaxRetries) ||
			e.requestsPerMinute != cfg.RequestsPerMinute
	case *VisionClient:
		if cfg.Type != "openai" {
			return true
		}
		return e.apiKey != cfg.APIKey ||
			(cfg.Model != "" && e.model != cfg.Model) ||
			e.baseURL != cfg.BaseURL ||
			(cfg.MaxTokens > 0 && e.maxTokens != cfg.MaxTokens) ||
			(cfg.MaxRetries > 0 && e.maxRetries != cfg.MaxRetries) ||
			e.requestsPerMinute != cfg.RequestsPerMinute
	default:
		return true
	}
}
