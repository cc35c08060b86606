package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g. DEEPRESEARCH_LLM_MODEL.
const envPrefix = "DEEPRESEARCH"

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it. path may be empty, in which case
// deepresearch.yaml is looked up in the working directory and is allowed to
// be absent. A present-but-broken file, an unknown key, or an invalid value
// all fail the load.
func Load(path string) (Config, error) {
	// .env is a developer convenience; a missing file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The Tavily key is conventionally set bare in the environment.
	_ = v.BindEnv("search.api_key", envPrefix+"_SEARCH_API_KEY", "TAVILY_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("deepresearch")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	// UnmarshalExact turns unknown file keys into startup errors.
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.endpoints", d.LLM.Endpoints)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.per_stage", d.LLM.PerStage)
	v.SetDefault("llm.request_timeout_ms", d.LLM.RequestTimeoutMS)
	v.SetDefault("llm.stream_enabled", d.LLM.StreamEnabled)
	v.SetDefault("search.api_key", d.Search.APIKey)
	v.SetDefault("search.max_results", d.Search.MaxResults)
	v.SetDefault("engine.max_iterations", d.Engine.MaxIterations)
	v.SetDefault("engine.slot_timeout_ms", d.Engine.SlotTimeoutMS)
	v.SetDefault("engine.content_truncation", d.Engine.ContentTruncation)
	v.SetDefault("store.url", d.Store.URL)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("cors.origins", d.CORS.Origins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("prompts.dir", d.Prompts.Dir)
}
