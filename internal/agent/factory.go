package agent

import "fmt"

// Endpoint is what a resolved provider looks like to the chat loop: where
// to send requests and which model id to ask for.
type Endpoint struct {
	BaseURL  string
	APIKey   string
	ModelID  string
	Provider string
}

// ProviderConfig is one entry of the recognized llm_providers config tree.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// ModelFactory resolves a provider name (plus the role's requested model)
// to a concrete Endpoint, falling back to a configured fallback provider
// when the primary is unknown.
type ModelFactory struct {
	providers       map[string]ProviderConfig
	defaultProvider string
	fallback        string
}

// NewModelFactory builds a factory over the configured providers.
func NewModelFactory(providers map[string]ProviderConfig, defaultProvider, fallback string) *ModelFactory {
	return &ModelFactory{providers: providers, defaultProvider: defaultProvider, fallback: fallback}
}

// Resolve returns the Endpoint for a role. An empty provider uses the
// configured default; an unknown provider falls back once before failing.
func (f *ModelFactory) Resolve(role Role) (Endpoint, error) {
	provider := role.Provider
	if provider == "" {
		provider = f.defaultProvider
	}

	cfg, ok := f.providers[provider]
	if !ok {
		if f.fallback == "" || f.fallback == provider {
			return Endpoint{}, fmt.Errorf("agent: unknown provider %q and no fallback configured", provider)
		}
		fallbackCfg, fallbackOK := f.providers[f.fallback]
		if !fallbackOK {
			return Endpoint{}, fmt.Errorf("agent: unknown provider %q, fallback %q also unconfigured", provider, f.fallback)
		}
		return Endpoint{BaseURL: fallbackCfg.BaseURL, APIKey: fallbackCfg.APIKey, ModelID: role.Model, Provider: f.fallback}, nil
	}

	return Endpoint{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, ModelID: role.Model, Provider: provider}, nil
}
