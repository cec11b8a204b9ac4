package plan

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// New creates a pending plan for request. Steps without a status are marked pending.
func New(request string, steps []*Step) *Plan {
	for _, s := range steps {
		if s.Status == "" {
			s.Status = StepPending
		}
	}
	return &Plan{
		ID:      "plan_" + uuid.New().String(),
		Request: request,
		Steps:   steps,
		Status:  PlanPending,
	}
}

// Decode parses a plan document: either {"request": ..., "steps": [...]} or a bare step array.
func Decode(data []byte) (*Plan, error) {
	var doc struct {
		ID      string  `json:"id"`
		Request string  `json:"request"`
		Steps   []*Step `json:"steps"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		var steps []*Step
		if err2 := json.Unmarshal(data, &steps); err2 != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		doc.Steps = steps
	}
	for i, s := range doc.Steps {
		if s == nil {
			return nil, fmt.Errorf("decode plan: step %d is null", i)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("decode plan: step %d has no id", i)
		}
	}
	p := New(doc.Request, doc.Steps)
	if doc.ID != "" {
		p.ID = doc.ID
	}
	return p, nil
}

// Summary counts completed and failed steps.
func (p *Plan) Summary() (completed, failed int) {
	for _, s := range p.Steps {
		switch s.Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		}
	}
	return completed, failed
}

// Finish derives the overall status from the step statuses.
func (p *Plan) Finish() {
	completed, failed := p.Summary()
	switch {
	case failed == 0:
		p.Status = PlanCompleted
	case completed == 0:
		p.Status = PlanFailed
	default:
		p.Status = PlanPartiallyCompleted
	}
}
