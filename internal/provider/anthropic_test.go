package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestAnthropicComplete(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		var req anthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		if req.System != "You plan.\n\nRules: never delete." {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.MaxTokens != defaultOutputCap {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
	}, http.StatusOK, `{"id":"msg_01","model":"claude-sonnet-4",
		"content":[{"type":"text","text":"First part."},{"type":"tool_use"},{"type":"text","text":"Second part."}],
		"usage":{"input_tokens":15,"output_tokens":8}}`)

	resp, err := NewAnthropicProvider("anthropic", srv.URL, "sk-ant-test", nil).Complete(context.Background(), &CompletionRequest{
		Model: "claude-sonnet-4",
		Messages: []Message{
			{Role: RoleSystem, Content: "You plan."},
			{Role: RoleSystem, Content: "Rules: never delete."},
			{Role: RoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "msg_01" || resp.Content != "First part.\n\nSecond part." {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.Total() != 23 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicMaxTokensAndTemperature(t *testing.T) {
	temp := 0.0
	srv := serveJSON(t, func(r *http.Request) {
		var req anthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		if req.MaxTokens != 1024 || req.Temperature == nil || *req.Temperature != 0 {
			t.Errorf("req = %+v", req)
		}
	}, http.StatusOK, `{"content":[{"type":"text","text":"ok"}]}`)

	_, err := NewAnthropicProvider("anthropic", srv.URL, "key", nil).Complete(context.Background(), &CompletionRequest{
		Model:       "claude-haiku-3",
		MaxTokens:   1024,
		Temperature: &temp,
		Messages:    []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAnthropicImageBlocks(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) {
		var raw struct {
			Messages []struct {
				Content []anthPart `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil || len(raw.Messages) != 1 {
			t.Errorf("decode: %v", err)
			return
		}
		blocks := raw.Messages[0].Content
		if len(blocks) != 2 {
			t.Errorf("blocks = %+v", blocks)
			return
		}
		if blocks[0].Type != "image" || blocks[0].Source == nil || blocks[0].Source.URL != "https://cdn.example.com/a.png" {
			t.Errorf("blocks[0] = %+v", blocks[0])
		}
		if blocks[1].Type != "text" || blocks[1].Text != "What is this?" {
			t.Errorf("blocks[1] = %+v", blocks[1])
		}
	}, http.StatusOK, `{"content":[{"type":"text","text":"a shoe"}]}`)

	resp, err := NewAnthropicProvider("anthropic", srv.URL, "key", nil).Complete(context.Background(), &CompletionRequest{
		Model:    "claude-sonnet-4",
		Messages: []Message{{Role: RoleUser, Content: "What is this?", Images: []string{"https://cdn.example.com/a.png"}}},
	})
	if err != nil || resp.Content != "a shoe" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
}

func TestAnthropicErrors(t *testing.T) {
	srv := serveJSON(t, nil, http.StatusUnauthorized, `{"error":{"type":"authentication_error","message":"invalid api key"}}`)
	_, err := NewAnthropicProvider("anthropic", srv.URL, "bad", nil).Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}

	srv = serveJSON(t, nil, http.StatusOK, `{"error":{"type":"invalid_request_error","message":"model not found"}}`)
	_, err = NewAnthropicProvider("anthropic", srv.URL, "key", nil).Complete(context.Background(), &CompletionRequest{
		Model:    "nonexistent",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatalf("err = %v", err)
	}
}
