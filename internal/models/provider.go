package models

import "time"

// ProviderName identifies a generation backend.
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAzure     ProviderName = "azure"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderBedrock   ProviderName = "bedrock"
	ProviderDeepSeek  ProviderName = "deepseek"
	ProviderOllama    ProviderName = "ollama"
)

// ProviderNames lists every supported backend.
var ProviderNames = []ProviderName{
	ProviderOpenAI, ProviderAzure, ProviderAnthropic, ProviderBedrock, ProviderDeepSeek, ProviderOllama,
}

// Valid reports whether n is a supported backend.
func (n ProviderName) Valid() bool {
	for _, p := range ProviderNames {
		if p == n {
			return true
		}
	}
	return false
}

// Credential keys understood by the backends.
const (
	CredAPIKey     = "api_key"
	CredEndpoint   = "endpoint"
	CredAPIVersion = "api_version"
	CredRegion     = "region"
	CredDeployment = "deployment"
)

// ProviderConfig is one provider/model entry written by the admin boundary.
// Credentials are opaque and must never be logged or returned.
type ProviderConfig struct {
	Provider       ProviderName      `json:"provider"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	ModelName      string            `json:"model_name"`
	IsActive       bool              `json:"is_active"`
	IsDefaultModel bool              `json:"is_default_model"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Redacted returns a copy without credentials.
func (c ProviderConfig) Redacted() ProviderConfig {
	c.Credentials = nil
	return c
}
