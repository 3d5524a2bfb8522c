package config

// Config is the root of the recognized option tree: tier thresholds, branch
// naming, agent roles, correction/timeout tuning, the resilience layer,
// director/cleanup scheduling, outbound adapters, LLM providers, and the
// reaction engine.
type Config struct {
	Tiers             TiersConfig               `yaml:"tiers"`
	Branch            BranchConfig              `yaml:"branch"`
	Agents            map[string]AgentConfig    `yaml:"agents"`
	AutoCorrection    AutoCorrectionConfig      `yaml:"auto_correction"`
	PipelineTimeoutMs int                       `yaml:"pipeline_timeout_ms"`
	Resilience        ResilienceConfig          `yaml:"resilience"`
	Director          DirectorConfig            `yaml:"director"`
	Cleanup           CleanupConfig             `yaml:"cleanup"`
	Adapters          AdaptersConfig            `yaml:"adapters"`
	LLMProviders      map[string]ProviderConfig `yaml:"llm_providers"`
	DefaultProvider   string                    `yaml:"default_provider"`
	FallbackProvider  string                    `yaml:"fallback_provider"`
	WebhookSecret     string                    `yaml:"webhook_secret"`
	Events            EventsConfig              `yaml:"events"`
	Reactions         ReactionsConfig           `yaml:"reactions"`
	HTTP              HTTPConfig                `yaml:"http"`
}

// TierConfig is one of tiers.{small,medium,large}.
type TierConfig struct {
	MaxFiles int      `yaml:"max_files"`
	MaxLines int      `yaml:"max_lines"`
	Agents   []string `yaml:"agents"`
}

// TiersConfig is the full tiers tree.
type TiersConfig struct {
	Small  TierConfig `yaml:"small"`
	Medium TierConfig `yaml:"medium"`
	Large  TierConfig `yaml:"large"`
}

// BranchConfig names the prefixes the integrator saga uses for pipeline and
// integration branches, and the repository's main branch.
type BranchConfig struct {
	PipelinePrefix    string `yaml:"pipeline_prefix"`
	IntegrationPrefix string `yaml:"integration_prefix"`
	Main              string `yaml:"main"`
}

// AgentConfig is one agents.<name> entry — a quality agent role or the
// integrator's conflict-resolution agent, keyed by name (e.g. "tests",
// "style", "security", "conflict"). Tier agents[] lists reference these
// names.
type AgentConfig struct {
	Model          string   `yaml:"model"`
	Provider       string   `yaml:"provider"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Tools          []string `yaml:"tools"`
	MaxTurns       int      `yaml:"maxTurns"`
	ContextDocs    []string `yaml:"context_docs"`
	PermissionMode string   `yaml:"permissionMode"`
}

// AutoCorrectionConfig is the auto_correction tree.
type AutoCorrectionConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BackoffBaseMs int     `yaml:"backoff_base_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// BreakerConfig is one resilience.circuit_breaker.<service> entry.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
}

// DLQConfig is the resilience.dlq tree.
type DLQConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path"`
	MaxRetries    int     `yaml:"max_retries"`
	BaseDelayMs   int     `yaml:"base_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// ResilienceConfig is the resilience tree.
type ResilienceConfig struct {
	CircuitBreaker map[string]BreakerConfig `yaml:"circuit_breaker"`
	DLQ            DLQConfig                `yaml:"dlq"`
}

// DirectorConfig is the director tree.
type DirectorConfig struct {
	AutoTriggerDelayMs int `yaml:"auto_trigger_delay_ms"`
	DefaultPriority    int `yaml:"default_priority"`
	ScheduleIntervalMs int `yaml:"schedule_interval_ms"`
}

// CleanupConfig is the cleanup tree.
type CleanupConfig struct {
	KeepOnFailure   bool `yaml:"keep_on_failure"`
	StaleBranchDays int  `yaml:"stale_branch_days"`
}

// WebhookAdapterConfig is one adapters.webhooks[] entry.
type WebhookAdapterConfig struct {
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	TimeoutMs int      `yaml:"timeout_ms"`
}

// AdaptersConfig is the adapters tree.
type AdaptersConfig struct {
	Webhooks        []WebhookAdapterConfig `yaml:"webhooks"`
	RetryIntervalMs int                    `yaml:"retry_interval_ms"`
}

// ProviderConfig is one llm_providers.<name> entry.
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// EventsConfig is the events tree.
type EventsConfig struct {
	Path string `yaml:"path"`
}

// ReactorConfig is one reactions.* entry.
type ReactorConfig struct {
	Action     string `yaml:"action"`
	MaxRetries int    `yaml:"max_retries"`
	Prompt     string `yaml:"prompt"`
	Message    string `yaml:"message"`
	AfterMin   int    `yaml:"after_min"`
}

// ReactionsConfig is the reactions tree: three feedback reactors plus the
// stuck-agent timer.
type ReactionsConfig struct {
	CIFailed         ReactorConfig `yaml:"ci_failed"`
	ChangesRequested ReactorConfig `yaml:"changes_requested"`
	ApprovedAndGreen ReactorConfig `yaml:"approved_and_green"`
	AgentStuck       ReactorConfig `yaml:"agent_stuck"`
}

// HTTPConfig tunes the HTTP surface's per-route rate limits and CORS
// origins. Not named explicitly in the recognized option tree; carried as
// an ambient concern of any complete HTTP surface in the teacher's idiom.
type HTTPConfig struct {
	PipelineRunPerMinute int      `yaml:"pipeline_run_per_minute"`
	WebhookPerMinute     int      `yaml:"webhook_per_minute"`
	CORSOrigins          []string `yaml:"cors_origins"`
}
