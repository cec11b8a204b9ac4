package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storetalon/storetalon/internal/version"
)

const (
	defaultTimeout   = 120 * time.Second
	maxReplyBytes    = 8 << 20
	defaultOutputCap = 4096
)

// endpoint is the HTTP plumbing shared by the API clients.
type endpoint struct {
	id      string
	baseURL string
	models  []ModelInfo
	client  *http.Client
	header  http.Header
}

// Option configures a provider client.
type Option func(*endpoint)

// WithHTTPClient replaces the default client (120s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *endpoint) { e.client = c }
}

func newEndpoint(id, baseURL, fallbackURL string, models []ModelInfo, opts []Option) endpoint {
	if baseURL == "" {
		baseURL = fallbackURL
	}
	e := endpoint{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		client:  &http.Client{Timeout: defaultTimeout},
		header:  http.Header{},
	}
	e.header.Set("Content-Type", "application/json")
	e.header.Set("User-Agent", version.Get().UserAgent())
	for _, o := range opts {
		o(&e)
	}
	return e
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Models() []ModelInfo { return e.models }

func (e *endpoint) SupportsFeature(f Feature) bool {
	for _, m := range e.models {
		if m.SupportsFeature(f) {
			return true
		}
	}
	return false
}

// post sends in as JSON to path and decodes a 200 reply into out. Any other
// status becomes an *APIError carrying the reply body.
func (e *endpoint) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", e.id, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", e.id, err)
	}
	req.Header = e.header.Clone()

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", e.id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("%s: read reply: %w", e.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: e.id, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode reply: %w", e.id, err)
	}
	return nil
}
