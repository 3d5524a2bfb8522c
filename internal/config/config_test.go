package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validConfig = `
tiers:
  small:
    max_files: 3
    max_lines: 50
    agents: [tests]
  medium:
    max_files: 10
    max_lines: 300
    agents: [tests, style]
  large:
    agents: [tests, style, security]
branch:
  pipeline_prefix: "pipeline/"
  integration_prefix: "integration/"
  main: main
agents:
  tests:
    model: claude-sonnet
    provider: anthropic
    maxTurns: 4
  style:
    model: claude-sonnet
    provider: anthropic
    maxTurns: 4
  security:
    model: claude-opus
    provider: anthropic
    maxTurns: 6
  conflict:
    model: claude-opus
    provider: anthropic
    permissionMode: acceptEdits
    maxTurns: 3
auto_correction:
  max_attempts: 3
  backoff_base_ms: 1000
  backoff_factor: 2
pipeline_timeout_ms: 1800000
resilience:
  circuit_breaker:
    claude:
      failure_threshold: 5
      reset_timeout_ms: 30000
    github:
      failure_threshold: 3
      reset_timeout_ms: 60000
  dlq:
    enabled: true
    path: .pipeline/dlq
    max_retries: 5
    base_delay_ms: 1000
    backoff_factor: 2
director:
  auto_trigger_delay_ms: 5000
  default_priority: 5
  schedule_interval_ms: 30000
cleanup:
  keep_on_failure: false
  stale_branch_days: 14
adapters:
  webhooks:
    - url: https://example.com/hooks/conductor
      secret: shh
      events: [pipeline.completed]
      timeout_ms: 5000
  retry_interval_ms: 60000
llm_providers:
  anthropic:
    api_key_env: ANTHROPIC_API_KEY
default_provider: anthropic
webhook_secret: topsecret
events:
  path: .pipeline/events
reactions:
  ci_failed:
    action: respawn_agent
    max_retries: 2
    prompt: "fix the failing checks"
  changes_requested:
    action: respawn_agent
    max_retries: 2
  approved_and_green:
    action: auto_merge
  agent_stuck:
    action: notify
    after_min: 15
    message: "agent appears stuck"
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Tiers.Small.MaxFiles != 3 {
		t.Errorf("Tiers.Small.MaxFiles = %d, want 3", cfg.Tiers.Small.MaxFiles)
	}
	if len(cfg.Tiers.Large.Agents) != 3 {
		t.Errorf("Tiers.Large.Agents = %v, want 3 entries", cfg.Tiers.Large.Agents)
	}
	if cfg.Branch.Main != "main" {
		t.Errorf("Branch.Main = %q, want main", cfg.Branch.Main)
	}
	if cfg.Agents["conflict"].PermissionMode != "acceptEdits" {
		t.Errorf("Agents[conflict].PermissionMode = %q", cfg.Agents["conflict"].PermissionMode)
	}
	if cfg.Resilience.CircuitBreaker["claude"].FailureThreshold != 5 {
		t.Errorf("Resilience.CircuitBreaker[claude].FailureThreshold = %d, want 5", cfg.Resilience.CircuitBreaker["claude"].FailureThreshold)
	}
	if cfg.Reactions.ApprovedAndGreen.Action != "auto_merge" {
		t.Errorf("Reactions.ApprovedAndGreen.Action = %q, want auto_merge", cfg.Reactions.ApprovedAndGreen.Action)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider = %q, want anthropic", cfg.DefaultProvider)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `llm_providers:
  anthropic:
    api_key_env: ANTHROPIC_API_KEY
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Branch.Main != "main" {
		t.Errorf("Branch.Main default = %q, want main", cfg.Branch.Main)
	}
	if cfg.Branch.PipelinePrefix != "pipeline/" {
		t.Errorf("Branch.PipelinePrefix default = %q, want pipeline/", cfg.Branch.PipelinePrefix)
	}
	if cfg.AutoCorrection.MaxAttempts != 3 {
		t.Errorf("AutoCorrection.MaxAttempts default = %d, want 3", cfg.AutoCorrection.MaxAttempts)
	}
	if cfg.Resilience.DLQ.Path != ".pipeline/dlq" {
		t.Errorf("Resilience.DLQ.Path default = %q", cfg.Resilience.DLQ.Path)
	}
	if cfg.Events.Path != ".pipeline/events" {
		t.Errorf("Events.Path default = %q", cfg.Events.Path)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider single-provider default = %q, want anthropic", cfg.DefaultProvider)
	}
	if cfg.HTTP.PipelineRunPerMinute != 10 {
		t.Errorf("HTTP.PipelineRunPerMinute default = %d, want 10", cfg.HTTP.PipelineRunPerMinute)
	}
}

func TestLoadAppliesEventsPathEnvOverride(t *testing.T) {
	t.Setenv("EVENTS_PATH", "/tmp/custom-events")
	path := writeTestConfig(t, `events:
  path: .pipeline/events
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Events.Path != "/tmp/custom-events" {
		t.Errorf("Events.Path = %q, want env override", cfg.Events.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/conductor.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "tiers: [this is not a map")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidate_Valid(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidate_UndefinedTierAgent(t *testing.T) {
	cfg := &Config{
		Agents: map[string]AgentConfig{"tests": {Model: "claude"}},
		Tiers:  TiersConfig{Small: TierConfig{Agents: []string{"tests", "ghost"}}},
	}
	errs := Validate(cfg)
	if !hasField(errs, "tiers.small.agents") {
		t.Fatalf("Validate() = %v, want tiers.small.agents error", errs)
	}
}

func TestValidate_UndefinedDefaultProvider(t *testing.T) {
	cfg := &Config{DefaultProvider: "ghost", LLMProviders: map[string]ProviderConfig{"anthropic": {APIKeyEnv: "X"}}}
	errs := Validate(cfg)
	if !hasField(errs, "default_provider") {
		t.Fatalf("Validate() = %v, want default_provider error", errs)
	}
}

func TestValidate_ProviderMissingCredentials(t *testing.T) {
	cfg := &Config{LLMProviders: map[string]ProviderConfig{"anthropic": {}}}
	errs := Validate(cfg)
	if !hasField(errs, "llm_providers.anthropic") {
		t.Fatalf("Validate() = %v, want llm_providers.anthropic error", errs)
	}
}

func TestValidate_UnrecognizedReactorAction(t *testing.T) {
	cfg := &Config{Reactions: ReactionsConfig{CIFailed: ReactorConfig{Action: "explode"}}}
	errs := Validate(cfg)
	if !hasField(errs, "reactions.ci_failed.action") {
		t.Fatalf("Validate() = %v, want reactions.ci_failed.action error", errs)
	}
}

func TestValidate_WebhookAdapterMissingURL(t *testing.T) {
	cfg := &Config{Adapters: AdaptersConfig{Webhooks: []WebhookAdapterConfig{{}}}}
	errs := Validate(cfg)
	if !hasField(errs, "adapters.webhooks[0].url") {
		t.Fatalf("Validate() = %v, want adapters.webhooks[0].url error", errs)
	}
}

func TestValidate_NegativePipelineTimeout(t *testing.T) {
	cfg := &Config{PipelineTimeoutMs: -1}
	errs := Validate(cfg)
	if !hasField(errs, "pipeline_timeout_ms") {
		t.Fatalf("Validate() = %v, want pipeline_timeout_ms error", errs)
	}
}

func hasField(errs []ValidationError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}
