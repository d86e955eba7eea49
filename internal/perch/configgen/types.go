// Package configgen derives the configuration document written into a
// runtime container from subscription tier and user choices, and merges it
// non-destructively with whatever the container wrote during first boot.
package configgen

import "encoding/json"

// Choices are the user-requested configuration options. This is the
// user-facing shape; the materialized document additionally carries secrets
// (pooled API key, gateway token) that never appear here verbatim.
type Choices struct {
	// Model is the requested model, optionally namespaced by provider
	// ("anthropic/claude-sonnet-4"). Empty means the tier default.
	Model string `json:"model,omitempty"`
	// Provider overrides provider inference from the model namespace.
	Provider string `json:"provider,omitempty"`
	// APIKey is the tenant-supplied provider key. Ignored for free-tier
	// tenants, which always run on the operator pool.
	APIKey string `json:"apiKey,omitempty"`
	// Channels holds per-channel credentials and policy overrides. A channel
	// block is materialized only when its credential is present.
	Channels map[string]ChannelChoice `json:"channels,omitempty"`
}

// ChannelChoice is a single channel's user-supplied settings. Credential
// field usage depends on the channel: telegram and discord use BotToken,
// whatsapp uses BridgeURL.
type ChannelChoice struct {
	BotToken    string `json:"botToken,omitempty"`
	BridgeURL   string `json:"bridgeUrl,omitempty"`
	DMPolicy    string `json:"dmPolicy,omitempty"`
	GroupPolicy string `json:"groupPolicy,omitempty"`
}

// Document is the materialized configuration written to the runtime's data
// volume. Known sections are typed; the channel section stays a map keyed by
// channel name because channels come and go per deployment.
type Document struct {
	Models   *ModelsSection          `json:"models,omitempty"`
	Agents   *AgentsSection          `json:"agents,omitempty"`
	Channels map[string]ChannelBlock `json:"channels,omitempty"`
	Gateway  *GatewaySection         `json:"gateway,omitempty"`
}

// ModelsSection configures provider credentials.
type ModelsSection struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig is a single provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	API     string `json:"api,omitempty"`
}

// AgentsSection configures agent defaults inside the runtime.
type AgentsSection struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults holds the primary model and concurrency ceiling.
type AgentDefaults struct {
	Model         ModelRef `json:"model"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
}

// ModelRef names the primary model without a provider namespace.
type ModelRef struct {
	Primary string `json:"primary"`
}

// ChannelBlock is a materialized channel section.
type ChannelBlock struct {
	Enabled     bool   `json:"enabled"`
	BotToken    string `json:"botToken,omitempty"`
	BridgeURL   string `json:"bridgeUrl,omitempty"`
	DMPolicy    string `json:"dmPolicy,omitempty"`
	GroupPolicy string `json:"groupPolicy,omitempty"`
}

// GatewaySection embeds the per-instance auth token so the runtime's socket
// server enforces it, and the address the gateway binds inside the container.
type GatewaySection struct {
	Auth GatewayAuth `json:"auth"`
	Bind string      `json:"bind,omitempty"`
}

// GatewayAuth carries the gateway bearer token.
type GatewayAuth struct {
	Token string `json:"token"`
}

// ToMap converts a Document to the generic map form used by Merge.
func (d *Document) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
