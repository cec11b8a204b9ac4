package failover

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/storetalon/storetalon/internal/provider"
)

type CompleteFunc func(ctx context.Context, p provider.Provider, req *provider.CompletionRequest) (*provider.CompletionResponse, error)

// Controller runs a completion against a primary model and falls back to
// the configured alternatives on retryable errors.
type Controller struct {
	registry  *provider.Registry
	cooldowns *Cooldowns
	fallbacks []provider.ModelRef
	now       func() time.Time
}

func NewController(registry *provider.Registry, cooldowns *Cooldowns, fallbacks []provider.ModelRef) *Controller {
	if cooldowns == nil {
		cooldowns = NewCooldowns(DefaultCooldownConfig())
	}
	return &Controller{
		registry:  registry,
		cooldowns: cooldowns,
		fallbacks: fallbacks,
		now:       time.Now,
	}
}

// Execute tries model, then each fallback once. Non-retryable errors stop
// immediately; models in cooldown are skipped.
func (c *Controller) Execute(ctx context.Context, model provider.ModelRef, req *provider.CompletionRequest, fn CompleteFunc) (*provider.CompletionResponse, error) {
	if fn == nil {
		fn = func(ctx context.Context, p provider.Provider, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
			return p.Complete(ctx, req)
		}
	}
	models := append([]provider.ModelRef{model}, c.fallbacks...)
	attempted := make([]string, 0, len(models))
	var lastErr error

	for _, m := range models {
		if containsRef(attempted, m.String()) {
			continue
		}
		attempted = append(attempted, m.String())

		if c.cooldowns.Active(m.String(), c.now()) {
			continue
		}
		p, err := c.registry.GetForModel(m)
		if err != nil {
			lastErr = err
			continue
		}

		attempt := *req
		attempt.Model = m.Model()
		resp, err := fn(ctx, p, &attempt)
		if err == nil {
			c.cooldowns.Reset(m.String())
			return resp, nil
		}
		lastErr = err

		if IsRateLimitError(err) || IsAuthError(err) {
			c.cooldowns.Put(m.String(), c.now())
		}
		if !IsRetryable(err) && !IsAuthError(err) {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		log.Printf("failover: %s failed, trying next model: %v", m, err)
	}

	return nil, &AllExhaustedError{Attempted: attempted, Last: lastErr}
}

func containsRef(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}
