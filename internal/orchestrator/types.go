package orchestrator

import (
	"context"

	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/progress"
)

type Parameter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

type Action struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Parameters  []Parameter `yaml:"parameters,omitempty"`
}

// Capability describes what an agent can do. The planner prompt is built from it.
type Capability struct {
	Agent       plan.Agent `yaml:"agent"`
	Description string     `yaml:"description"`
	Actions     []Action   `yaml:"actions"`
}

// Provider executes actions for one agent. Failures are reported through
// StepResult, not by panicking; a panic is still caught by the Guard.
type Provider interface {
	Execute(ctx context.Context, action string, params map[string]any) plan.StepResult
}

// ProgressFunc receives bulk sub-progress for the call it was passed to.
type ProgressFunc func(progress.BulkProgress)

// ProgressProvider is implemented by providers that report sub-progress
// while working through many items. report is only valid for the duration
// of the call.
type ProgressProvider interface {
	Provider
	ExecuteWithProgress(ctx context.Context, action string, params map[string]any, report ProgressFunc) plan.StepResult
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, action string, params map[string]any) plan.StepResult

func (f ProviderFunc) Execute(ctx context.Context, action string, params map[string]any) plan.StepResult {
	return f(ctx, action, params)
}
