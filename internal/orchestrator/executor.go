package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/storetalon/storetalon/internal/metrics"
	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/progress"
)

const DefaultMaxParallel = 3

type ExecuteInput struct {
	// UploadedImages are the request's canonical image URLs; they replace
	// planner placeholders in image-related steps.
	UploadedImages []string
	// Context is the ambient page/request context read by $context: references.
	Context map[string]any
	Sink    progress.Sink
}

type ExecuteResult struct {
	Tasks      []plan.TaskRecord
	TokensUsed int
	UICommands []plan.UICommand
	// Unresolved counts references passed to providers as literal tokens.
	Unresolved int
}

type Executor struct {
	registry    *Registry
	guard       *Guard
	maxParallel int
	metrics     *metrics.Executor
}

type ExecutorOption func(*Executor)

// WithMaxParallel bounds the number of provider calls in flight at once.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

func WithGuard(g *Guard) ExecutorOption {
	return func(e *Executor) { e.guard = g }
}

func WithMetrics(m *metrics.Executor) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		guard:       NewGuard(),
		maxParallel: DefaultMaxParallel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// run is the per-plan state shared by the goroutines of one batch. Nothing
// in it is written while a batch is in flight except through emit, which is
// serialized.
type run struct {
	plan     *plan.Plan
	index    map[string]int
	uploaded []string
	context  map[string]any
	emit     func(progress.Event)
	// slots counts provider calls that have not returned yet, including
	// calls the guard abandoned after a timeout.
	slots *semaphore.Weighted
}

type stepOutcome struct {
	input      map[string]any
	result     plan.StepResult
	unresolved []plan.Unresolved
	started    time.Time
	duration   time.Duration
}

// Execute runs p level by level. Levels run strictly in sequence; inside a
// level steps are dispatched in sub-batches of at most maxParallel, and each
// sub-batch is fully awaited before the next starts. A failed step is
// recorded and never aborts the plan. The only error returned is a plan
// whose dependencies cannot be levelized, in which case nothing runs.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, in ExecuteInput) (*ExecuteResult, error) {
	levels, err := plan.Levelize(p.Steps)
	if err != nil {
		p.Status = plan.PlanFailed
		e.metrics.PlanFinished("rejected")
		return nil, fmt.Errorf("plan %s: %w", p.ID, err)
	}

	sink := progress.Serialized(in.Sink)
	r := &run{
		plan:     p,
		index:    make(map[string]int, len(p.Steps)),
		uploaded: in.UploadedImages,
		context:  in.Context,
		slots:    semaphore.NewWeighted(int64(e.maxParallel)),
		emit: func(ev progress.Event) {
			ev.PlanID = p.ID
			ev.Total = len(p.Steps)
			sink.Emit(ev)
		},
	}
	for i, s := range p.Steps {
		r.index[s.ID] = i + 1
	}

	p.Status = plan.PlanRunning
	prior := make(map[string]map[string]any, len(p.Steps))
	result := &ExecuteResult{Tasks: make([]plan.TaskRecord, 0, len(p.Steps))}

	for _, level := range levels {
		for start := 0; start < len(level); start += e.maxParallel {
			batch := level[start:min(start+e.maxParallel, len(level))]
			outcomes := make([]stepOutcome, len(batch))

			var g errgroup.Group
			for i, s := range batch {
				g.Go(func() error {
					outcomes[i] = e.runStep(ctx, r, s, prior)
					return nil
				})
			}
			_ = g.Wait()

			for i, s := range batch {
				e.record(result, prior, s, outcomes[i])
			}
		}
	}

	p.Finish()
	e.metrics.PlanFinished(string(p.Status))
	return result, nil
}

// runStep resolves, dispatches and reports a single step. It only reads
// prior; the executor goroutine writes it after the batch settles.
func (e *Executor) runStep(ctx context.Context, r *run, s *plan.Step, prior map[string]map[string]any) stepOutcome {
	s.Status = plan.StepRunning
	idx := r.index[s.ID]

	res := plan.Resolve(s.Params, prior, r.context, r.uploaded...)
	params, overridden := plan.OverrideImages(s.Action, res.Params, r.uploaded)
	if len(res.Unresolved) > 0 {
		log.Printf("executor: step %s: %d unresolved reference(s), first %s (%s)",
			s.ID, len(res.Unresolved), res.Unresolved[0].Token, res.Unresolved[0].Reason)
		e.metrics.UnresolvedReferences(string(s.Agent), len(res.Unresolved))
	}
	if len(overridden) > 0 {
		log.Printf("executor: step %s: replaced %v with uploaded images", s.ID, overridden)
	}

	r.emit(progress.Event{
		Kind:      progress.KindExecuting,
		StepID:    s.ID,
		StepIndex: idx,
		Agent:     s.Agent,
		Action:    s.Action,
		Status:    plan.StepRunning,
		Message:   fmt.Sprintf("Running %s.%s", s.Agent, s.Action),
	})

	out := stepOutcome{input: params, unresolved: res.Unresolved, started: time.Now()}
	provider, ok := e.registry.Provider(s.Agent)
	if !ok {
		out.result = plan.Failuref("no provider registered for agent %q", s.Agent)
	} else if err := e.acquireSlot(ctx, r); err != nil {
		out.result = plan.Failuref("%v", err)
	} else {
		finish := e.metrics.StepStarted(string(s.Agent))
		hook := newProgressHook(r, s, idx)
		out.result = e.guard.dispatch(ctx, provider, s.Action, params, hook.report, func() { r.slots.Release(1) })
		hook.close()
		finish(string(statusOf(out.result)))
	}
	out.duration = time.Since(out.started)

	result := out.result
	s.Result = &result
	s.Status = statusOf(result)

	msg := fmt.Sprintf("Completed %s.%s", s.Agent, s.Action)
	if !result.Success {
		msg = fmt.Sprintf("Failed %s.%s: %s", s.Agent, s.Action, result.Error)
		log.Printf("executor: step %s (%s.%s) failed: %s", s.ID, s.Agent, s.Action, result.Error)
	}
	r.emit(progress.Event{
		Kind:      progress.KindExecuting,
		StepID:    s.ID,
		StepIndex: idx,
		Agent:     s.Agent,
		Action:    s.Action,
		Status:    s.Status,
		Message:   msg,
	})
	for _, cmd := range result.UICommands {
		r.emit(progress.Event{
			Kind:      progress.KindExecuting,
			StepID:    s.ID,
			StepIndex: idx,
			Agent:     s.Agent,
			Action:    s.Action,
			Status:    s.Status,
			UICommand: cmd,
		})
	}
	return out
}

// acquireSlot waits for a provider call slot. A slot stays taken until the
// provider returns, so a call that ignored its timeout still counts against
// maxParallel. Waiting is bounded by the step timeout.
func (e *Executor) acquireSlot(ctx context.Context, r *run) error {
	waitCtx := ctx
	if e.guard.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.guard.Timeout)
		defer cancel()
	}
	if err := r.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("no provider slot freed up within %s", e.guard.Timeout)
	}
	return nil
}

func (e *Executor) record(result *ExecuteResult, prior map[string]map[string]any, s *plan.Step, out stepOutcome) {
	if out.result.Success {
		data := out.result.Data
		if data == nil {
			data = map[string]any{}
		}
		prior[s.ID] = data
	}
	result.TokensUsed += out.result.TokensUsed
	result.UICommands = append(result.UICommands, out.result.UICommands...)
	result.Unresolved += len(out.unresolved)
	result.Tasks = append(result.Tasks, plan.TaskRecord{
		ID:         s.ID,
		Agent:      s.Agent,
		Action:     s.Action,
		Status:     s.Status,
		Input:      out.input,
		Output:     out.result.Data,
		Error:      out.result.Error,
		TokensUsed: out.result.TokensUsed,
		Unresolved: out.unresolved,
		StartedAt:  out.started,
		Duration:   out.duration,
	})
}

func statusOf(r plan.StepResult) plan.StepStatus {
	if r.Success {
		return plan.StepCompleted
	}
	return plan.StepFailed
}

// progressHook relays bulk sub-progress for one provider call and drops
// anything reported after the call has returned or timed out.
type progressHook struct {
	mu     sync.Mutex
	closed bool
	r      *run
	step   *plan.Step
	idx    int
}

func newProgressHook(r *run, s *plan.Step, idx int) *progressHook {
	return &progressHook{r: r, step: s, idx: idx}
}

func (h *progressHook) report(bp progress.BulkProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.r.emit(progress.Event{
		Kind:      progress.KindExecuting,
		StepID:    h.step.ID,
		StepIndex: h.idx,
		Agent:     h.step.Agent,
		Action:    h.step.Action,
		Status:    plan.StepRunning,
		Message:   bp.Message,
		Bulk:      &bp,
	})
}

func (h *progressHook) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}
