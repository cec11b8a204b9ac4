package provider

import (
	"fmt"
	"net/http"
	"time"
)

const (
	APIOpenAI    = "openai-completions"
	APIAnthropic = "anthropic-messages"
)

// ProviderConfig is one configured model endpoint. The config package
// converts its YAML form into this.
type ProviderConfig struct {
	ID      string
	BaseURL string
	APIKey  string
	API     string
	Models  []ModelInfo
	// Timeout bounds one completion call; zero keeps the client default.
	Timeout time.Duration
}

// FromConfig builds the client for cfg.API: "openai-completions" (the
// default; OpenAI and compatible servers such as Ollama or vLLM) or
// "anthropic-messages".
func FromConfig(cfg ProviderConfig) (Provider, error) {
	var opts []Option
	if cfg.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	switch cfg.API {
	case APIOpenAI, "":
		return NewOpenAIProvider(cfg.ID, cfg.BaseURL, cfg.APIKey, cfg.Models, opts...), nil
	case APIAnthropic:
		return NewAnthropicProvider(cfg.ID, cfg.BaseURL, cfg.APIKey, cfg.Models, opts...), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown api %q (want %s or %s)", cfg.ID, cfg.API, APIOpenAI, APIAnthropic)
	}
}
