package plan

import (
	"fmt"
	"time"
)

type Agent string

const (
	AgentProduct   Agent = "product"
	AgentImage     Agent = "image"
	AgentMarketing Agent = "marketing"
	AgentAnalytics Agent = "analytics"
	AgentUI        Agent = "ui"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type PlanStatus string

const (
	PlanPending              PlanStatus = "pending"
	PlanAwaitingConfirmation PlanStatus = "awaiting_confirmation"
	PlanRunning              PlanStatus = "running"
	PlanCompleted            PlanStatus = "completed"
	PlanPartiallyCompleted   PlanStatus = "partially_completed"
	PlanFailed               PlanStatus = "failed"
)

// Step is one unit of delegated work. Status and Result are written only by
// the executor goroutine that dispatches the step.
type Step struct {
	ID        string      `json:"id" yaml:"id"`
	Agent     Agent       `json:"agent" yaml:"agent"`
	Action    string      `json:"action" yaml:"action"`
	Params    Params      `json:"params" yaml:"-"`
	DependsOn []string    `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	Status    StepStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	Result    *StepResult `json:"result,omitempty" yaml:"-"`
}

type Plan struct {
	ID      string     `json:"id"`
	Request string     `json:"request"`
	Steps   []*Step    `json:"steps"`
	Status  PlanStatus `json:"status"`
}

// UICommand is an opaque instruction for the client UI (navigate, refresh, open modal...).
type UICommand map[string]any

type StepResult struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	TokensUsed int            `json:"tokensUsed,omitempty"`
	UICommands []UICommand    `json:"uiCommands,omitempty"`
}

// Failuref is shorthand for a failed StepResult.
func Failuref(format string, args ...any) StepResult {
	return StepResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// TaskRecord is the per-step outcome returned to the caller after execution.
type TaskRecord struct {
	ID         string         `json:"id"`
	Agent      Agent          `json:"agent"`
	Action     string         `json:"action"`
	Status     StepStatus     `json:"status"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	TokensUsed int            `json:"tokensUsed,omitempty"`
	Unresolved []Unresolved   `json:"unresolved,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	Duration   time.Duration  `json:"duration"`
}

type ConfirmationKind string

const (
	ConfirmDestructive ConfirmationKind = "destructive"
	ConfirmCost        ConfirmationKind = "cost"
)

// ConfirmationRequest is returned instead of executing a plan that needs
// explicit approval.
type ConfirmationRequest struct {
	ID            string           `json:"id"`
	StepID        string           `json:"stepId"`
	Action        string           `json:"action"`
	Kind          ConfirmationKind `json:"kind"`
	Description   string           `json:"description"`
	Impact        string           `json:"impact"`
	AffectedItems int              `json:"affectedItems,omitempty"`
	EstimatedCost float64          `json:"estimatedCost,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
