package config

import "time"

// ProvidersConfig configures the external provider clients.
type ProvidersConfig struct {
	Maps      MapsProviderConfig    `yaml:"maps"`
	TextLLM   TextLLMProviderConfig `yaml:"text_llm"`
	VisionLLM VisionLLMConfig       `yaml:"vision_llm"`

	// CostTablePath points at the per-provider unit price file. Empty means
	// compiled-in prices.
	CostTablePath string `yaml:"cost_table"`
}

// MapsProviderConfig configures the places text-search/details adapter.
type MapsProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// TextLLMProviderConfig configures the primary text model plus the
// OpenAI-compatible fallback.
type TextLLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`

	FallbackAPIKey  string `yaml:"fallback_api_key"`
	FallbackBaseURL string `yaml:"fallback_base_url"`
	FallbackModel   string `yaml:"fallback_model"`
}

// VisionLLMConfig configures the screenshot-analysis model.
type VisionLLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// DefaultProvidersConfig returns provider defaults.
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Maps: MapsProviderConfig{
			BaseURL: "https://maps.googleapis.com/maps/api/place",
			Timeout: "10s",
		},
		TextLLM: TextLLMProviderConfig{
			Model:           "gemini-2.0-flash",
			Timeout:         "30s",
			FallbackBaseURL: "https://api.openai.com/v1",
			FallbackModel:   "gpt-4o-mini",
		},
		VisionLLM: VisionLLMConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "60s",
		},
	}
}

// CallTimeout returns the per-call budget for maps requests.
func (c MapsProviderConfig) CallTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 10*time.Second)
}

// CallTimeout returns the per-call budget for text completions.
func (c TextLLMProviderConfig) CallTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 30*time.Second)
}

// CallTimeout returns the per-call budget for vision analysis.
func (c VisionLLMConfig) CallTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 60*time.Second)
}

// MapsTimeout returns the maps call budget.
func (c *Config) MapsTimeout() time.Duration {
	return c.Providers.Maps.CallTimeout()
}

// TextLLMTimeout returns the text completion budget.
func (c *Config) TextLLMTimeout() time.Duration {
	return c.Providers.TextLLM.CallTimeout()
}

// VisionLLMTimeout returns the vision analysis budget.
func (c *Config) VisionLLMTimeout() time.Duration {
	return c.Providers.VisionLLM.CallTimeout()
}
