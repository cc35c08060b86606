// Package config defines the enumerated configuration surface and its
// validation. Unknown keys and out-of-range values are startup errors.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deepresearch/internal/logging"
)

// Recognised llm.provider values.
const (
	ProviderLocal            = "local"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderHybrid           = "hybrid"
)

// llmStages are the generation profiles the gateway recognises; per-stage
// routing overrides are validated against this set.
var llmStages = []string{"summarization", "research", "compression", "final_report"}

type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Search  SearchConfig  `mapstructure:"search"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Log     LogConfig     `mapstructure:"log"`
	Prompts PromptsConfig `mapstructure:"prompts"`
}

type LLMConfig struct {
	Provider         string            `mapstructure:"provider"`
	Endpoints        map[string]string `mapstructure:"endpoints"`
	Model            string            `mapstructure:"model"`
	APIKey           string            `mapstructure:"api_key"`
	PerStage         map[string]string `mapstructure:"per_stage"`
	RequestTimeoutMS int               `mapstructure:"request_timeout_ms"`
	StreamEnabled    bool              `mapstructure:"stream_enabled"`
}

type SearchConfig struct {
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

type EngineConfig struct {
	MaxIterations     int `mapstructure:"max_iterations"`
	SlotTimeoutMS     int `mapstructure:"slot_timeout_ms"`
	ContentTruncation int `mapstructure:"content_truncation"`
}

type StoreConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type PromptsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider: ProviderLocal,
			Endpoints: map[string]string{
				ProviderLocal:            "http://localhost:11434",
				ProviderOpenAICompatible: "http://localhost:8000/v1",
			},
			Model:            "gemma3:4b",
			PerStage:         map[string]string{},
			RequestTimeoutMS: 120000,
			StreamEnabled:    true,
		},
		Search: SearchConfig{
			MaxResults: 5,
		},
		Engine: EngineConfig{
			MaxIterations:     6,
			SlotTimeoutMS:     120000,
			ContentTruncation: 500,
		},
		Store: StoreConfig{
			URL: "file://~/.deepresearch/sessions",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		CORS: CORSConfig{
			Origins: []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks every enumerated option. It returns the first violation.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderLocal, ProviderOpenAICompatible, ProviderHybrid:
	default:
		return fmt.Errorf("llm.provider: unknown value %q (want local, openai-compatible or hybrid)", c.LLM.Provider)
	}

	if len(c.LLM.Endpoints) == 0 {
		return fmt.Errorf("llm.endpoints: at least one endpoint is required")
	}
	for name, endpoint := range c.LLM.Endpoints {
		if name != ProviderLocal && name != ProviderOpenAICompatible {
			return fmt.Errorf("llm.endpoints: unknown endpoint name %q", name)
		}
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return fmt.Errorf("llm.endpoints.%s: invalid URL %q", name, endpoint)
		}
	}
	if c.LLM.Provider != ProviderHybrid {
		if _, ok := c.LLM.Endpoints[c.LLM.Provider]; !ok {
			return fmt.Errorf("llm.endpoints: provider %q has no endpoint configured", c.LLM.Provider)
		}
	}

	for stage, provider := range c.LLM.PerStage {
		if !validStage(stage) {
			return fmt.Errorf("llm.per_stage: unknown stage %q (want one of %s)", stage, strings.Join(llmStages, ", "))
		}
		if _, ok := c.LLM.Endpoints[provider]; !ok {
			return fmt.Errorf("llm.per_stage.%s: provider %q has no endpoint configured", stage, provider)
		}
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model: required")
	}
	if c.LLM.RequestTimeoutMS <= 0 {
		return fmt.Errorf("llm.request_timeout_ms: must be positive")
	}

	if c.Search.MaxResults < 1 || c.Search.MaxResults > 10 {
		return fmt.Errorf("search.max_results: %d out of range [1,10]", c.Search.MaxResults)
	}

	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations: must be at least 1")
	}
	if c.Engine.SlotTimeoutMS <= 0 {
		return fmt.Errorf("engine.slot_timeout_ms: must be positive")
	}
	if c.Engine.ContentTruncation <= 0 {
		return fmt.Errorf("engine.content_truncation: must be positive")
	}

	if _, err := c.Store.Path(); err != nil {
		return fmt.Errorf("store.url: %w", err)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}

	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("cors.origins: at least one origin is required")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Prompts.Dir != "" {
		if info, err := os.Stat(c.Prompts.Dir); err != nil || !info.IsDir() {
			return fmt.Errorf("prompts.dir: %q is not a readable directory", c.Prompts.Dir)
		}
	}

	return nil
}

func validStage(stage string) bool {
	for _, s := range llmStages {
		if s == stage {
			return true
		}
	}
	return false
}

// RequestTimeout returns llm.request_timeout_ms as a duration.
func (c LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// SlotTimeout returns engine.slot_timeout_ms as a duration.
func (c EngineConfig) SlotTimeout() time.Duration {
	return time.Duration(c.SlotTimeoutMS) * time.Millisecond
}

// Path resolves store.url to a filesystem directory. Accepted forms are
// file:// URLs and plain paths; ~ expands to the home directory.
func (c StoreConfig) Path() (string, error) {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return "", fmt.Errorf("empty persistence target")
	}
	if strings.Contains(raw, "://") {
		if !strings.HasPrefix(raw, "file://") {
			return "", fmt.Errorf("unsupported scheme in %q (only file:// is recognised)", raw)
		}
		raw = strings.TrimPrefix(raw, "file://")
	}
	if raw == "~" || strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
	}
	if raw == "" {
		return "", fmt.Errorf("empty persistence target")
	}
	return raw, nil
}

// MaxIterationsFor applies the depth override to the configured cap.
func (c EngineConfig) MaxIterationsFor(depth string) int {
	switch depth {
	case "shallow":
		return minInt(3, c.MaxIterations)
	case "medium":
		return minInt(4, c.MaxIterations)
	default:
		return c.MaxIterations
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
