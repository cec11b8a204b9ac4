package provider

import (
	"strings"
	"testing"
	"time"
)

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		want    string
		wantErr string
	}{
		{"openai", ProviderConfig{ID: "openai", APIKey: "sk", API: APIOpenAI}, "*provider.OpenAIProvider", ""},
		{"anthropic", ProviderConfig{ID: "anthropic", APIKey: "sk-ant", API: APIAnthropic}, "*provider.AnthropicProvider", ""},
		{"default is openai", ProviderConfig{ID: "ollama", BaseURL: "http://localhost:11434/v1"}, "*provider.OpenAIProvider", ""},
		{"unknown api", ProviderConfig{ID: "gemini", API: "google-gemini"}, "", "unknown api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromConfig(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.ID() != tt.cfg.ID {
				t.Errorf("id = %q", p.ID())
			}
			switch p.(type) {
			case *OpenAIProvider:
				if tt.want != "*provider.OpenAIProvider" {
					t.Errorf("got %T, want %s", p, tt.want)
				}
			case *AnthropicProvider:
				if tt.want != "*provider.AnthropicProvider" {
					t.Errorf("got %T, want %s", p, tt.want)
				}
			}
		})
	}
}

func TestFromConfigTimeoutAndModels(t *testing.T) {
	p, err := FromConfig(ProviderConfig{
		ID:      "openai",
		API:     APIOpenAI,
		Timeout: 15 * time.Second,
		Models:  []ModelInfo{{ID: "gpt-4o", ProviderID: "openai"}, {ID: "gpt-4o-mini", ProviderID: "openai"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	oai := p.(*OpenAIProvider)
	if oai.client.Timeout != 15*time.Second {
		t.Errorf("timeout = %v", oai.client.Timeout)
	}
	if len(p.Models()) != 2 {
		t.Errorf("models = %d", len(p.Models()))
	}

	a, _ := FromConfig(ProviderConfig{ID: "anthropic", API: APIAnthropic, Timeout: time.Minute})
	if a.(*AnthropicProvider).client.Timeout != time.Minute {
		t.Errorf("anthropic timeout = %v", a.(*AnthropicProvider).client.Timeout)
	}
}
