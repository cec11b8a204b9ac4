package requestpkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/storetalon/storetalon/internal/orchestrator"
	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/version"
)

const maxResponseBytes = 4 << 20

// Package defines one agent action backed by a single HTTP request. URL,
// body and header values are templates over {{env.X}} and {{params.Y}}.
type Package struct {
	Action      string            `yaml:"action"`       // action name, e.g. update_product
	Description string            `yaml:"description"`  // for capability
	Method      string            `yaml:"method"`       // GET, POST, etc.
	URL         string            `yaml:"url"`          // template: {{env.SHOP_API}}/products/{{params.productId}}
	Body        string            `yaml:"body"`         // optional JSON/body template
	Headers     map[string]string `yaml:"headers"`      // optional, values are templates
	RequiredEnv []string          `yaml:"required_env"` // e.g. ["SHOP_API", "SHOP_TOKEN"]
	Parameters  []ParamDefinition `yaml:"parameters"`   // for capability; name, description, required
}

// ParamDefinition describes one parameter (for capability and docs).
type ParamDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Set groups the request packages of one agent.
type Set struct {
	Agent       plan.Agent `yaml:"agent"` // e.g. product
	Description string     `yaml:"description"`
	Packages    []Package  `yaml:"packages"`
}

var (
	envRe    = regexp.MustCompile(`\{\{env\.(\w+)\}\}`)
	paramsRe = regexp.MustCompile(`\{\{params\.(\w+)\}\}`)
)

// Substitute replaces {{env.X}} and {{params.Y}} in s. Missing env vars are
// empty; missing params are left as literal. String params are inserted as
// is, anything else as JSON, so a list can be dropped into a body template.
func Substitute(s string, params map[string]any) string {
	s = envRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
	s = paramsRe.ReplaceAllStringFunc(s, func(match string) string {
		name := paramsRe.FindStringSubmatch(match)[1]
		v, ok := params[name]
		if !ok {
			return match
		}
		if str, ok := v.(string); ok {
			return str
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	})
	return s
}

// Provider runs request packages for a single agent.
type Provider struct {
	agent    plan.Agent
	packages map[string]Package
	client   *http.Client
}

func NewProvider(agent plan.Agent, packages []Package) *Provider {
	pm := make(map[string]Package)
	for _, p := range packages {
		pm[p.Action] = p
	}
	return &Provider{
		agent:    agent,
		packages: pm,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute sends the request for action. A JSON object reply becomes the
// step data; a JSON array is returned under "items" and any other body
// under "body".
func (p *Provider) Execute(ctx context.Context, action string, params map[string]any) plan.StepResult {
	pkg, ok := p.packages[action]
	if !ok {
		return plan.Failuref("action %q not found in request package %q", action, p.agent)
	}

	for _, name := range pkg.RequiredEnv {
		if os.Getenv(name) == "" {
			return plan.Failuref("required env %q is not set", name)
		}
	}

	url := Substitute(pkg.URL, params)
	if url == "" {
		return plan.Failuref("URL is empty after substitution")
	}

	var body io.Reader
	if pkg.Body != "" {
		body = strings.NewReader(Substitute(pkg.Body, params))
	}
	method := strings.ToUpper(pkg.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return plan.Failuref("build request: %v", err)
	}
	req.Header.Set("User-Agent", version.Get().UserAgent())
	for k, v := range pkg.Headers {
		req.Header.Set(k, Substitute(v, params))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return plan.Failuref("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return plan.Failuref("read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return plan.Failuref("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return plan.StepResult{Success: true, Data: decodeData(raw)}
}

func decodeData(raw []byte) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"body": string(raw)}
	}
	switch x := v.(type) {
	case map[string]any:
		return x
	case []any:
		return map[string]any{"items": x}
	default:
		return map[string]any{"value": x}
	}
}

// ToCapability converts the package set into a capability for registration.
func ToCapability(set Set) orchestrator.Capability {
	actions := make([]orchestrator.Action, 0, len(set.Packages))
	for _, p := range set.Packages {
		params := make([]orchestrator.Parameter, 0, len(p.Parameters))
		for _, q := range p.Parameters {
			params = append(params, orchestrator.Parameter{
				Name:        q.Name,
				Description: q.Description,
				Required:    q.Required,
			})
		}
		actions = append(actions, orchestrator.Action{
			Name:        p.Action,
			Description: p.Description,
			Parameters:  params,
		})
	}
	return orchestrator.Capability{
		Agent:       set.Agent,
		Description: set.Description,
		Actions:     actions,
	}
}
