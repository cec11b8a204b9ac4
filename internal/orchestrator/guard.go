package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/storetalon/storetalon/internal/plan"
)

const (
	DefaultMaxErrorBytes  = 4 * 1024
	DefaultMaxOutputBytes = 16 * 1024
	DefaultStepTimeout    = 2 * time.Minute
)

var defaultForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[/?step_output[^\]]*\]`),
	regexp.MustCompile(`\[tool_call\]`),
	regexp.MustCompile(`<tool_call>`),
	regexp.MustCompile(`<function_call>`),
	regexp.MustCompile(`"type"\s*:\s*"function"`),
	regexp.MustCompile(`"tool_calls"\s*:\s*\[`),
}

// Guard wraps every provider call: it bounds the call with a timeout and
// converts panics into step failures. It also cleans provider text before a
// model reads it.
type Guard struct {
	MaxErrorBytes     int
	MaxOutputBytes    int
	Timeout           time.Duration
	ForbiddenPatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxErrorBytes:     DefaultMaxErrorBytes,
		MaxOutputBytes:    DefaultMaxOutputBytes,
		Timeout:           DefaultStepTimeout,
		ForbiddenPatterns: defaultForbiddenPatterns,
	}
}

// Dispatch runs one provider call. A call that outlives the timeout is
// reported as a failed step; its goroutine is left to finish on its own and
// its result is discarded.
func (g *Guard) Dispatch(ctx context.Context, p Provider, action string, params map[string]any, report ProgressFunc) plan.StepResult {
	return g.dispatch(ctx, p, action, params, report, nil)
}

// dispatch is Dispatch with a hook run when the provider call itself
// returns, which can be after the guard has given up on it.
func (g *Guard) dispatch(ctx context.Context, p Provider, action string, params map[string]any, report ProgressFunc, returned func()) plan.StepResult {
	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	done := make(chan plan.StepResult, 1)
	go func() {
		if returned != nil {
			defer returned()
		}
		defer func() {
			if r := recover(); r != nil {
				done <- plan.Failuref("provider panicked: %v", r)
			}
		}()
		if pp, ok := p.(ProgressProvider); ok && report != nil {
			done <- pp.ExecuteWithProgress(callCtx, action, params, report)
			return
		}
		done <- p.Execute(callCtx, action, params)
	}()

	select {
	case result := <-done:
		return g.Sanitize(result)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return plan.Failuref("%s cancelled: %v", action, ctx.Err())
		}
		return plan.Failuref("%s timed out after %s", action, g.Timeout)
	}
}

func (g *Guard) Sanitize(result plan.StepResult) plan.StepResult {
	if !result.Success && result.Error == "" {
		result.Error = "provider reported failure without an error message"
	}
	if g.MaxErrorBytes > 0 && len(result.Error) > g.MaxErrorBytes {
		result.Error = result.Error[:g.MaxErrorBytes] + " [truncated]"
	}
	return result
}

// WrapContent is how a step outcome is shown to a model. The body is masked
// so provider output cannot forge block markers or tool calls.
func (g *Guard) WrapContent(task plan.TaskRecord) string {
	if task.Error != "" {
		return fmt.Sprintf("[step_output id=%s action=%s.%s]\nerror: %s\n[/step_output]",
			task.ID, task.Agent, task.Action, g.mask(task.Error, g.MaxErrorBytes))
	}
	body, err := json.Marshal(task.Output)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", task.Output))
	}
	return fmt.Sprintf("[step_output id=%s action=%s.%s]\n%s\n[/step_output]",
		task.ID, task.Agent, task.Action, g.mask(string(body), g.MaxOutputBytes))
}

func (g *Guard) mask(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		s = s[:limit] + "\n[truncated: output exceeded size limit]"
	}
	for _, pat := range g.ForbiddenPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	return s
}
