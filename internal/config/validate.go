package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedReactorActions = map[string]bool{
	"respawn_agent": true,
	"notify":        true,
	"escalate":      true,
	"auto_merge":    true,
}

// Validate checks a Config for structural and semantic errors, returning
// every issue found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	errs = append(errs, validateTiers(cfg)...)
	errs = append(errs, validateProviders(cfg)...)
	errs = append(errs, validateReactions(cfg)...)
	errs = append(errs, validateAdapters(cfg)...)

	if cfg.PipelineTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "pipeline_timeout_ms", Message: "must be >= 0 (0 disables)"})
	}

	return errs
}

func validateTiers(cfg *Config) []ValidationError {
	var errs []ValidationError
	agentNames := make(map[string]bool, len(cfg.Agents))
	for name := range cfg.Agents {
		agentNames[name] = true
	}

	for tierName, tier := range map[string]TierConfig{"small": cfg.Tiers.Small, "medium": cfg.Tiers.Medium, "large": cfg.Tiers.Large} {
		for _, agentName := range tier.Agents {
			if len(agentNames) > 0 && !agentNames[agentName] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("tiers.%s.agents", tierName),
					Message: fmt.Sprintf("references undefined agent %q", agentName),
				})
			}
		}
	}
	return errs
}

func validateProviders(cfg *Config) []ValidationError {
	var errs []ValidationError
	if cfg.DefaultProvider != "" {
		if _, ok := cfg.LLMProviders[cfg.DefaultProvider]; !ok {
			errs = append(errs, ValidationError{Field: "default_provider", Message: fmt.Sprintf("references undefined provider %q", cfg.DefaultProvider)})
		}
	}
	if cfg.FallbackProvider != "" {
		if _, ok := cfg.LLMProviders[cfg.FallbackProvider]; !ok {
			errs = append(errs, ValidationError{Field: "fallback_provider", Message: fmt.Sprintf("references undefined provider %q", cfg.FallbackProvider)})
		}
	}
	for name, provider := range cfg.LLMProviders {
		if provider.APIKeyEnv == "" && provider.BaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("llm_providers.%s", name),
				Message: "must set api_key_env or base_url",
			})
		}
	}
	for name, agentCfg := range cfg.Agents {
		if agentCfg.Provider != "" {
			if _, ok := cfg.LLMProviders[agentCfg.Provider]; !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("agents.%s.provider", name),
					Message: fmt.Sprintf("references undefined provider %q", agentCfg.Provider),
				})
			}
		}
	}
	return errs
}

func validateReactions(cfg *Config) []ValidationError {
	var errs []ValidationError
	for name, reactor := range map[string]ReactorConfig{
		"ci_failed":          cfg.Reactions.CIFailed,
		"changes_requested":  cfg.Reactions.ChangesRequested,
		"approved_and_green": cfg.Reactions.ApprovedAndGreen,
		"agent_stuck":        cfg.Reactions.AgentStuck,
	} {
		if reactor.Action == "" {
			continue
		}
		if !recognizedReactorActions[reactor.Action] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("reactions.%s.action", name),
				Message: fmt.Sprintf("unrecognized action %q", reactor.Action),
			})
		}
	}
	return errs
}

func validateAdapters(cfg *Config) []ValidationError {
	var errs []ValidationError
	for i, wh := range cfg.Adapters.Webhooks {
		if wh.URL == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("adapters.webhooks[%d].url", i),
				Message: "is required",
			})
		}
	}
	return errs
}
