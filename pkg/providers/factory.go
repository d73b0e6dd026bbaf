package providers

import (
	"fmt"

	"github.com/uaserver/uabot/pkg/config"
)

// CreateProvider builds the HTTP-backed providers. The bridge provider is
// owned by the gateway session because it shares the reply queue.
func CreateProvider(cfg config.ProviderConfig) (LLMProvider, error) {
	switch cfg.Kind {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case config.ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %q", cfg.Kind)
	}
}
