package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an engine configuration from the given YAML file
// path, then applies defaults to any option left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./conductor.yaml, ~/.conductor/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"conductor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conductor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no conductor config found (searched: %v)", candidates)
}

// applyDefaults fills unset options with the engine's runtime defaults, the
// same role loader.go has always played: callers write a minimal YAML file
// and get a fully-populated Config back.
func applyDefaults(cfg *Config) {
	if cfg.Branch.Main == "" {
		cfg.Branch.Main = "main"
	}
	if cfg.Branch.PipelinePrefix == "" {
		cfg.Branch.PipelinePrefix = "pipeline/"
	}
	if cfg.Branch.IntegrationPrefix == "" {
		cfg.Branch.IntegrationPrefix = "integration/"
	}

	if cfg.AutoCorrection.MaxAttempts == 0 {
		cfg.AutoCorrection.MaxAttempts = 3
	}
	if cfg.AutoCorrection.BackoffBaseMs == 0 {
		cfg.AutoCorrection.BackoffBaseMs = 1000
	}
	if cfg.AutoCorrection.BackoffFactor == 0 {
		cfg.AutoCorrection.BackoffFactor = 2
	}

	if cfg.Resilience.DLQ.Path == "" {
		cfg.Resilience.DLQ.Path = ".pipeline/dlq"
	}
	if cfg.Resilience.DLQ.MaxRetries == 0 {
		cfg.Resilience.DLQ.MaxRetries = 5
	}
	if cfg.Resilience.DLQ.BackoffFactor == 0 {
		cfg.Resilience.DLQ.BackoffFactor = 2
	}

	if cfg.Director.ScheduleIntervalMs == 0 {
		cfg.Director.ScheduleIntervalMs = 30_000
	}
	if cfg.Director.DefaultPriority == 0 {
		cfg.Director.DefaultPriority = 5
	}

	if cfg.Events.Path == "" {
		cfg.Events.Path = ".pipeline/events"
	}
	if envPath := os.Getenv("EVENTS_PATH"); envPath != "" {
		cfg.Events.Path = envPath
	}

	if cfg.DefaultProvider == "" && len(cfg.LLMProviders) == 1 {
		for name := range cfg.LLMProviders {
			cfg.DefaultProvider = name
		}
	}

	if cfg.HTTP.PipelineRunPerMinute == 0 {
		cfg.HTTP.PipelineRunPerMinute = 10
	}
	if cfg.HTTP.WebhookPerMinute == 0 {
		cfg.HTTP.WebhookPerMinute = 60
	}
}
