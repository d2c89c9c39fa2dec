package providers

import (
	"fmt"

	"github.com/agenticwork/activitycore/pkg/config"
)

// NewTransport builds the transport for one configured provider.
func NewTransport(cfg config.ProviderConfig) (Transport, error) {
	switch Family(cfg.Family) {
	case FamilyAnthropic:
		return NewAnthropicTransport(cfg)
	case FamilyOpenAI:
		return NewOpenAITransport(cfg)
	case FamilyGemini:
		return NewGeminiTransport(cfg)
	case FamilyDeepSeek:
		return NewDeepSeekTransport(cfg)
	case FamilyBedrock:
		return NewBedrockTransport(cfg)
	default:
		return nil, fmt.Errorf("unknown provider family: %s", cfg.Family)
	}
}

// BuildRegistry constructs transports for every configured provider.
func BuildRegistry(cfgs map[string]config.ProviderConfig) (*Registry, error) {
	reg := NewRegistry()
	for id, cfg := range cfgs {
		transport, err := NewTransport(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		if err := reg.Register(id, transport); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
