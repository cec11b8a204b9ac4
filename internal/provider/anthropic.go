package provider

import (
	"context"
	"fmt"
	"strings"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicMessagesPath   = "/v1/messages"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	endpoint
}

func NewAnthropicProvider(id, baseURL, apiKey string, models []ModelInfo, opts ...Option) *AnthropicProvider {
	p := &AnthropicProvider{endpoint: newEndpoint(id, baseURL, anthropicDefaultBaseURL, models, opts)}
	p.header.Set("x-api-key", apiKey)
	p.header.Set("anthropic-version", anthropicAPIVersion)
	return p
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// Content is a string, or []anthPart on a user turn with images.
type anthMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthPart struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthImageSource `json:"source,omitempty"`
}

type anthImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type anthResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Content []anthPart `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var reply anthResponse
	if err := p.post(ctx, anthropicMessagesPath, toAnthRequest(req), &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s: %s: %s", p.id, reply.Error.Type, reply.Error.Message)
	}
	var text []string
	for _, b := range reply.Content {
		if b.Type == "text" {
			text = append(text, b.Text)
		}
	}
	return &CompletionResponse{
		ID:      reply.ID,
		Model:   reply.Model,
		Content: strings.Join(text, "\n\n"),
		Usage:   Usage{InputTokens: reply.Usage.InputTokens, OutputTokens: reply.Usage.OutputTokens},
	}, nil
}

// toAnthRequest lifts system turns into the top-level system field. Images
// go before the text of their turn.
func toAnthRequest(req *CompletionRequest) anthRequest {
	out := anthRequest{
		Model:       req.Model,
		Messages:    make([]anthMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultOutputCap
	}
	var system []string
	for _, m := range req.Messages {
		switch {
		case m.Role == RoleSystem:
			system = append(system, m.Content)
		case m.Role == RoleUser && len(m.Images) > 0:
			parts := make([]anthPart, 0, len(m.Images)+1)
			for _, u := range m.Images {
				parts = append(parts, anthPart{Type: "image", Source: &anthImageSource{Type: "url", URL: u}})
			}
			parts = append(parts, anthPart{Type: "text", Text: m.Content})
			out.Messages = append(out.Messages, anthMessage{Role: string(m.Role), Content: parts})
		default:
			out.Messages = append(out.Messages, anthMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")
	return out
}
