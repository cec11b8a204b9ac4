package provider

import (
	"context"
	"fmt"
)

const (
	openAIDefaultBaseURL  = "https://api.openai.com/v1"
	openAICompletionsPath = "/chat/completions"
)

// OpenAIProvider speaks the chat completions API of OpenAI and the servers
// that copy it (Ollama, vLLM, Groq, OVH AI endpoints).
type OpenAIProvider struct {
	endpoint
}

func NewOpenAIProvider(id, baseURL, apiKey string, models []ModelInfo, opts ...Option) *OpenAIProvider {
	p := &OpenAIProvider{endpoint: newEndpoint(id, baseURL, openAIDefaultBaseURL, models, opts)}
	if apiKey != "" {
		p.header.Set("Authorization", "Bearer "+apiKey)
	}
	return p
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

// Content is a string, or []oaiPart on a user turn with images.
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var reply oaiResponse
	if err := p.post(ctx, openAICompletionsPath, toOAIRequest(req), &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s: %s: %s", p.id, reply.Error.Type, reply.Error.Message)
	}
	out := &CompletionResponse{
		ID:    reply.ID,
		Model: reply.Model,
		Usage: Usage{InputTokens: reply.Usage.PromptTokens, OutputTokens: reply.Usage.CompletionTokens},
	}
	if len(reply.Choices) > 0 {
		out.Content = reply.Choices[0].Message.Content
	}
	return out, nil
}

func toOAIRequest(req *CompletionRequest) oaiRequest {
	out := oaiRequest{
		Model:       req.Model,
		Messages:    make([]oaiMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		if m.Role != RoleUser || len(m.Images) == 0 {
			out.Messages = append(out.Messages, oaiMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := []oaiPart{{Type: "text", Text: m.Content}}
		for _, u := range m.Images {
			parts = append(parts, oaiPart{Type: "image_url", ImageURL: &oaiImageURL{URL: u}})
		}
		out.Messages = append(out.Messages, oaiMessage{Role: string(m.Role), Content: parts})
	}
	return out
}
