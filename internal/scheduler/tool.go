package scheduler

import (
	"context"

	"github.com/storetalon/storetalon/internal/orchestrator"
	"github.com/storetalon/storetalon/internal/plan"
)

const AgentName plan.Agent = "scheduler"

// Tool exposes the scheduler as an agent so the planner can manage
// recurring requests.
type Tool struct {
	sched *Scheduler
}

func NewTool(sched *Scheduler) *Tool {
	return &Tool{sched: sched}
}

func (t *Tool) Capability() orchestrator.Capability {
	return orchestrator.Capability{
		Agent:       AgentName,
		Description: "Manage recurring requests. A job re-runs a merchant request on a cron schedule; jobs never approve destructive actions.",
		Actions: []orchestrator.Action{
			{
				Name:        "create_job",
				Description: "Create a recurring request.",
				Parameters: []orchestrator.Parameter{
					{Name: "name", Description: "Unique job name (slug)", Required: true},
					{Name: "schedule", Description: "Cron spec (\"0 9 * * 1\") or descriptor (\"@daily\", \"@every 6h\")", Required: true},
					{Name: "request", Description: "The request to run, phrased as the merchant would", Required: true},
				},
			},
			{
				Name:        "list_jobs",
				Description: "List all recurring requests with their schedule and status",
			},
			{
				Name:        "delete_job",
				Description: "Delete a recurring request. Config-defined jobs cannot be deleted.",
				Parameters: []orchestrator.Parameter{
					{Name: "name", Description: "Job name to delete", Required: true},
				},
			},
			{
				Name:        "pause_job",
				Description: "Pause a recurring request",
				Parameters: []orchestrator.Parameter{
					{Name: "name", Description: "Job name to pause", Required: true},
				},
			},
			{
				Name:        "resume_job",
				Description: "Resume a paused recurring request",
				Parameters: []orchestrator.Parameter{
					{Name: "name", Description: "Job name to resume", Required: true},
				},
			},
		},
	}
}

// ConfirmationRules asks for approval before jobs are created or deleted.
func ConfirmationRules() orchestrator.ConfirmationPolicy {
	return orchestrator.ConfirmationPolicy{
		Actions: map[string]orchestrator.ActionRule{
			"create_job": {
				Description: "Create a recurring request",
				Impact:      "The request will run automatically on its schedule until deleted.",
			},
			"delete_job": {
				Description: "Delete a recurring request",
				Impact:      "The request will no longer run automatically.",
			},
		},
	}
}

func (t *Tool) Execute(_ context.Context, action string, params map[string]any) plan.StepResult {
	switch action {
	case "create_job":
		return t.createJob(params)
	case "list_jobs":
		return t.listJobs()
	case "delete_job":
		return t.byName(params, t.sched.RemoveJob, "deleted")
	case "pause_job":
		return t.byName(params, t.sched.PauseJob, "paused")
	case "resume_job":
		return t.byName(params, t.sched.ResumeJob, "resumed")
	default:
		return plan.Failuref("unknown scheduler action: %s", action)
	}
}

func (t *Tool) createJob(params map[string]any) plan.StepResult {
	name, _ := params["name"].(string)
	schedule, _ := params["schedule"].(string)
	request, _ := params["request"].(string)
	if name == "" || schedule == "" || request == "" {
		return plan.Failuref("name, schedule, and request are required")
	}

	job := Job{Name: name, Schedule: schedule, Request: request}
	if ctx, ok := params["context"].(map[string]any); ok {
		job.Context = ctx
	}
	if err := t.sched.AddJob(job); err != nil {
		return plan.Failuref("%v", err)
	}
	return plan.StepResult{
		Success: true,
		Data:    map[string]any{"name": name, "schedule": schedule, "request": request},
	}
}

func (t *Tool) listJobs() plan.StepResult {
	jobs := t.sched.ListJobs()
	items := make([]any, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, map[string]any{
			"name":     j.Name,
			"schedule": j.Schedule,
			"request":  j.Request,
			"paused":   j.Paused,
			"source":   j.Source,
		})
	}
	return plan.StepResult{Success: true, Data: map[string]any{"jobs": items, "count": len(items)}}
}

func (t *Tool) byName(params map[string]any, fn func(string) error, verb string) plan.StepResult {
	name, _ := params["name"].(string)
	if name == "" {
		return plan.Failuref("name is required")
	}
	if err := fn(name); err != nil {
		return plan.Failuref("%v", err)
	}
	return plan.StepResult{Success: true, Data: map[string]any{"name": name, "status": verb}}
}

var _ orchestrator.Provider = (*Tool)(nil)
