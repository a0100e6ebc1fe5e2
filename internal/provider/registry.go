package provider

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/straja-ai/triage/internal/config"
)

// BuildRegistry constructs all configured providers, keyed by name.
func BuildRegistry(cfg *config.Config) (map[string]Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no providers configured")
	}

	reg := make(map[string]Provider, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		switch strings.ToLower(pcfg.Type) {
		case "openai":
			apiKey := strings.TrimSpace(pcfg.APIKey)
			if pcfg.APIKeyEnv != "" {
				if v := strings.TrimSpace(os.Getenv(pcfg.APIKeyEnv)); v != "" {
					apiKey = v
				}
			}
			if apiKey == "" {
				return nil, fmt.Errorf("provider %q: environment variable %s is empty", name, pcfg.APIKeyEnv)
			}
			reg[name] = NewOpenAI(pcfg.BaseURL, apiKey)
		case "fake":
			reg[name] = NewFake(pcfg.FakeResponse)
		default:
			return nil, fmt.Errorf("provider %q: unsupported type %q", name, pcfg.Type)
		}
	}
	return reg, nil
}
