package configgen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/perch-run/perch/internal/perch/tiers"
)

// ErrAPIKeyRequired is returned when a paid-tier tenant requests a specific
// model without supplying a provider key.
var ErrAPIKeyRequired = errors.New("configgen: an API key is required for the requested model")

// Pool holds the operator-supplied credentials substituted for free-tier
// tenants (and paid tenants running on the tier-default model).
type Pool struct {
	Provider string
	Model    string
	APIKey   string
}

// Params carries the non-user inputs to materialization.
type Params struct {
	// GatewayToken is the instance's socket auth secret, in the clear.
	GatewayToken string
	// GatewayBind is the address the gateway binds inside the container.
	GatewayBind string
	// Pool is the operator free-tier pool.
	Pool Pool
	// Limits are the tier's resource ceilings.
	Limits tiers.Limits
}

// Materialize derives the configuration document for a fresh or updated
// runtime from tier and user choices. It is a pure function; writing the
// document into a container is the lifecycle manager's job.
//
// Free tier always runs on the operator pool: the pooled key and designated
// model are substituted and any tenant-supplied key is ignored, bounding
// operator cost. Paid tiers bring their own key for any non-default model;
// the provider is inferred from the model's namespace prefix when not
// explicit.
func Materialize(tier tiers.Tier, choices Choices, p Params) (*Document, error) {
	provider, model, apiKey, err := resolveModel(tier, choices, p.Pool)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Models: &ModelsSection{
			Providers: map[string]ProviderConfig{
				provider: {APIKey: apiKey},
			},
		},
		Agents: &AgentsSection{
			Defaults: AgentDefaults{
				Model:         ModelRef{Primary: model},
				MaxConcurrent: p.Limits.MaxConcurrent,
			},
		},
		Gateway: &GatewaySection{
			Auth: GatewayAuth{Token: p.GatewayToken},
			Bind: p.GatewayBind,
		},
	}

	for name, ch := range choices.Channels {
		block, ok := materializeChannel(name, ch)
		if !ok {
			continue
		}
		if doc.Channels == nil {
			doc.Channels = make(map[string]ChannelBlock)
		}
		doc.Channels[name] = block
	}

	return doc, nil
}

func resolveModel(tier tiers.Tier, choices Choices, pool Pool) (provider, model, apiKey string, err error) {
	// Free tier, and paid tenants who did not pick a model, run on the pool.
	if tier == tiers.TierFree || choices.Model == "" {
		return pool.Provider, pool.Model, pool.APIKey, nil
	}

	provider, model = ResolveProvider(choices.Model, choices.Provider)
	if choices.APIKey == "" {
		return "", "", "", fmt.Errorf("%w (model %q)", ErrAPIKeyRequired, choices.Model)
	}
	return provider, model, choices.APIKey, nil
}

// ResolveProvider infers the provider from the model string's namespace
// prefix and strips a matching prefix from the model:
//
//	anthropic/...        → anthropic
//	openai/... or gpt-*  → openai
//	openrouter/... or anything else → openrouter
//
// An explicit provider wins over inference but still strips its own prefix.
func ResolveProvider(model, explicit string) (provider, stripped string) {
	switch {
	case explicit != "":
		provider = explicit
	case strings.HasPrefix(model, "anthropic/"):
		provider = "anthropic"
	case strings.HasPrefix(model, "openai/") || strings.HasPrefix(model, "gpt-"):
		provider = "openai"
	default:
		provider = "openrouter"
	}
	stripped = strings.TrimPrefix(model, provider+"/")
	return provider, stripped
}

// materializeChannel builds a channel block from user choices. A block is
// produced only when the channel's credential is present; policy fields are
// carried only when explicitly supplied, so that Merge preserves whatever the
// container already has and ApplyPolicyDefaults fills the remaining gaps.
func materializeChannel(name string, ch ChannelChoice) (ChannelBlock, bool) {
	block := ChannelBlock{
		Enabled:     true,
		DMPolicy:    ch.DMPolicy,
		GroupPolicy: ch.GroupPolicy,
	}
	switch name {
	case "whatsapp":
		if ch.BridgeURL == "" {
			return ChannelBlock{}, false
		}
		block.BridgeURL = ch.BridgeURL
	default: // telegram, discord, and any bot-token channel
		if ch.BotToken == "" {
			return ChannelBlock{}, false
		}
		block.BotToken = ch.BotToken
	}
	return block, true
}

// ApplyPolicyDefaults fills absent channel policy fields in a merged document
// with safe defaults: pairing-required DMs everywhere, allowlist-only groups
// for telegram, groups disabled for discord. Policies already present —
// whether from the container's own onboarding or an earlier apply — are left
// untouched.
func ApplyPolicyDefaults(doc map[string]any) {
	channels, ok := doc["channels"].(map[string]any)
	if !ok {
		return
	}
	for name, raw := range channels {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := block["dmPolicy"]; !ok {
			block["dmPolicy"] = "pairing"
		}
		if _, ok := block["groupPolicy"]; !ok {
			switch name {
			case "discord":
				block["groupPolicy"] = "disabled"
			default:
				block["groupPolicy"] = "allowlist"
			}
		}
		channels[name] = block
	}
}
