package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/storetalon/storetalon/internal/metrics"
	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/progress"
	"github.com/storetalon/storetalon/internal/provider"
	"github.com/storetalon/storetalon/internal/state"
)

const (
	DefaultHistoryTurns = 10
	DefaultPendingTTL   = 30 * time.Minute
)

var (
	ErrNoPlan               = errors.New("no plan to execute")
	ErrConfirmationNotFound = errors.New("confirmation not found or expired")
)

type PlanRequest struct {
	Text    string
	Context map[string]any
	History []provider.Message
	Images  []string
}

type PlanResponse struct {
	// Message is the planner's reply to the merchant. When Plan is nil it is
	// the whole answer.
	Message    string
	Plan       *plan.Plan
	TokensUsed int
}

// Planner turns a merchant request into a plan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)
}

type SynthesisRequest struct {
	Request string
	Plan    *plan.Plan
	// Outputs are the step outcomes already wrapped by the guard.
	Outputs []string
}

// Synthesizer writes the final reply once a plan has run.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (message string, tokens int, err error)
}

type SessionStore interface {
	Get(id string) (*state.Session, error)
	Create(id string) *state.Session
	AddTurn(id string, turn state.Turn) error
}

type RunRecorder interface {
	Record(ctx context.Context, rec state.RunRecord) (string, error)
}

type Request struct {
	SessionID string
	Text      string
	Context   map[string]any
	Images    []string
}

type Response struct {
	Message      string                    `json:"message"`
	Plan         *plan.Plan                `json:"plan,omitempty"`
	Confirmation *plan.ConfirmationRequest `json:"confirmation,omitempty"`
	Tasks        []plan.TaskRecord         `json:"tasks,omitempty"`
	TokensUsed   int                       `json:"tokensUsed"`
	UICommands   []plan.UICommand          `json:"uiCommands,omitempty"`
	Completed    int                       `json:"completed"`
	Failed       int                       `json:"failed"`
	Unresolved   int                       `json:"unresolved,omitempty"`
	RunID        string                    `json:"runId,omitempty"`
}

type pendingPlan struct {
	req          Request
	plan         *plan.Plan
	confirmation *plan.ConfirmationRequest
	tokens       int
	created      time.Time
}

// Orchestrator runs one merchant request end to end: plan, gate, execute,
// summarize. Plans held for confirmation wait in memory until approved,
// rejected or expired.
type Orchestrator struct {
	planner      Planner
	executor     *Executor
	sessions     SessionStore
	gate         *ConfirmationGate
	runs         RunRecorder
	memory       *state.MemoryStore
	synth        Synthesizer
	guard        *Guard
	metrics      *metrics.Executor
	historyTurns int
	pendingTTL   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingPlan
}

type Option func(*Orchestrator)

func WithConfirmationGate(g *ConfirmationGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

func WithRunRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.runs = r }
}

func WithMemory(m *state.MemoryStore) Option {
	return func(o *Orchestrator) { o.memory = m }
}

func WithSynthesizer(s Synthesizer) Option {
	return func(o *Orchestrator) { o.synth = s }
}

func WithOrchestratorMetrics(m *metrics.Executor) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithHistoryTurns(n int) Option {
	return func(o *Orchestrator) { o.historyTurns = n }
}

func WithPendingTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.pendingTTL = d }
}

func New(planner Planner, executor *Executor, sessions SessionStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:      planner,
		executor:     executor,
		sessions:     sessions,
		gate:         NewConfirmationGate(DefaultConfirmationPolicy()),
		guard:        executor.guard,
		historyTurns: DefaultHistoryTurns,
		pendingTTL:   DefaultPendingTTL,
		now:          time.Now,
		pending:      make(map[string]*pendingPlan),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle plans and, unless the plan needs confirmation, executes req.
// Step failures are reported in the response; only planning errors and
// unexecutable plans are returned as errors.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink progress.Sink) (*Response, error) {
	sink = progress.Serialized(sink)
	sess, err := o.sessions.Get(req.SessionID)
	if err != nil {
		sess = o.sessions.Create(req.SessionID)
	}

	sink.Emit(progress.Event{Kind: progress.KindPlanning, Message: "Planning"})
	planned, err := o.planner.Plan(ctx, PlanRequest{
		Text:    req.Text,
		Context: req.Context,
		History: sess.History(o.historyTurns),
		Images:  req.Images,
	})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	o.addTurn(req.SessionID, state.Turn{Role: provider.RoleUser, Content: req.Text})

	if planned.Plan == nil || len(planned.Plan.Steps) == 0 {
		o.addTurn(req.SessionID, state.Turn{Role: provider.RoleAssistant, Content: planned.Message})
		sink.Emit(progress.Event{Kind: progress.KindComplete, Message: planned.Message})
		return &Response{Message: planned.Message, TokensUsed: planned.TokensUsed}, nil
	}

	return o.submit(ctx, req, planned.Plan, planned.Message, planned.TokensUsed, sink)
}

// ExecutePlan runs a ready-made plan for req, bypassing the planner. The
// confirmation gate still applies.
func (o *Orchestrator) ExecutePlan(ctx context.Context, req Request, p *plan.Plan, sink progress.Sink) (*Response, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, ErrNoPlan
	}
	sink = progress.Serialized(sink)
	if _, err := o.sessions.Get(req.SessionID); err != nil {
		o.sessions.Create(req.SessionID)
	}
	if req.Text == "" {
		req.Text = p.Request
	}
	o.addTurn(req.SessionID, state.Turn{Role: provider.RoleUser, Content: req.Text})
	return o.submit(ctx, req, p, "", 0, sink)
}

const unrunnablePlanMessage = "I couldn't run that plan because its steps depend on each other in a loop or on steps that don't exist."

func (o *Orchestrator) submit(ctx context.Context, req Request, p *plan.Plan, plannerMsg string, tokens int, sink progress.Sink) (*Response, error) {
	if p.Request == "" {
		p.Request = req.Text
	}

	// A plan that can never run is refused before anyone is asked to
	// confirm it.
	if _, err := plan.Levelize(p.Steps); err != nil {
		p.Status = plan.PlanFailed
		o.metrics.PlanFinished("rejected")
		o.addTurn(req.SessionID, state.Turn{Role: provider.RoleAssistant, Content: unrunnablePlanMessage, PlanID: p.ID})
		return nil, fmt.Errorf("plan %s: %w", p.ID, err)
	}

	if conf := o.gate.Check(p); conf != nil {
		p.Status = plan.PlanAwaitingConfirmation
		o.mu.Lock()
		o.expireLocked()
		o.pending[conf.ID] = &pendingPlan{req: req, plan: p, confirmation: conf, tokens: tokens, created: o.now()}
		o.mu.Unlock()
		o.metrics.PlanGated(string(conf.Kind))
		log.Printf("orchestrator: plan %s held for confirmation %s (%s %s)", p.ID, conf.ID, conf.Kind, conf.Action)

		msg := confirmationMessage(plannerMsg, conf)
		o.addTurn(req.SessionID, state.Turn{Role: provider.RoleAssistant, Content: msg, PlanID: p.ID})
		sink.Emit(progress.Event{PlanID: p.ID, Kind: progress.KindComplete, Message: msg})
		return &Response{Message: msg, Plan: p, Confirmation: conf, TokensUsed: tokens}, nil
	}

	return o.run(ctx, req, p, plannerMsg, tokens, sink)
}

// Approve executes a plan held for confirmation. Each confirmation can be
// used once.
func (o *Orchestrator) Approve(ctx context.Context, confirmationID string, sink progress.Sink) (*Response, error) {
	pp, err := o.take(confirmationID)
	if err != nil {
		return nil, err
	}
	log.Printf("orchestrator: plan %s approved (%s)", pp.plan.ID, pp.confirmation.Action)
	pp.plan.Status = plan.PlanPending
	return o.run(ctx, pp.req, pp.plan, "", pp.tokens, progress.Serialized(sink))
}

// Reject drops a plan held for confirmation without running it.
func (o *Orchestrator) Reject(confirmationID string) error {
	pp, err := o.take(confirmationID)
	if err != nil {
		return err
	}
	o.addTurn(pp.req.SessionID, state.Turn{
		Role:    provider.RoleAssistant,
		Content: fmt.Sprintf("Cancelled: %s.", pp.confirmation.Description),
		PlanID:  pp.plan.ID,
	})
	return nil
}

// Pending returns the confirmations still waiting for an answer.
func (o *Orchestrator) Pending() []plan.ConfirmationRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()
	out := make([]plan.ConfirmationRequest, 0, len(o.pending))
	for _, pp := range o.pending {
		out = append(out, *pp.confirmation)
	}
	return out
}

func (o *Orchestrator) take(id string) (*pendingPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()
	pp, ok := o.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationNotFound, id)
	}
	delete(o.pending, id)
	return pp, nil
}

func (o *Orchestrator) expireLocked() {
	if o.pendingTTL <= 0 {
		return
	}
	cutoff := o.now().Add(-o.pendingTTL)
	for id, pp := range o.pending {
		if pp.created.Before(cutoff) {
			delete(o.pending, id)
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, p *plan.Plan, plannerMsg string, tokens int, sink progress.Sink) (*Response, error) {
	res, err := o.executor.Execute(ctx, p, ExecuteInput{
		UploadedImages: req.Images,
		Context:        req.Context,
		Sink:           sink,
	})
	if err != nil {
		o.addTurn(req.SessionID, state.Turn{Role: provider.RoleAssistant, Content: unrunnablePlanMessage, PlanID: p.ID})
		return nil, err
	}

	sink.Emit(progress.Event{PlanID: p.ID, Kind: progress.KindSynthesizing, Message: "Summarizing results"})
	msg, synthTokens := o.synthesize(ctx, p, res, plannerMsg)

	completed, failed := p.Summary()
	resp := &Response{
		Message:    msg,
		Plan:       p,
		Tasks:      res.Tasks,
		TokensUsed: tokens + res.TokensUsed + synthTokens,
		UICommands: res.UICommands,
		Completed:  completed,
		Failed:     failed,
		Unresolved: res.Unresolved,
	}

	o.addTurn(req.SessionID, state.Turn{Role: provider.RoleAssistant, Content: msg, PlanID: p.ID})
	if o.runs != nil {
		runID, err := o.runs.Record(ctx, state.RunRecord{
			SessionID:  req.SessionID,
			PlanID:     p.ID,
			Request:    p.Request,
			Status:     p.Status,
			Completed:  completed,
			Failed:     failed,
			TokensUsed: resp.TokensUsed,
			Unresolved: res.Unresolved,
			Tasks:      res.Tasks,
		})
		if err != nil {
			log.Printf("orchestrator: recording run for plan %s: %v", p.ID, err)
		}
		resp.RunID = runID
	}
	if o.memory != nil {
		o.memory.RememberPlan(p)
	}

	sink.Emit(progress.Event{PlanID: p.ID, Kind: progress.KindComplete, Message: msg, Total: len(p.Steps)})
	return resp, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, p *plan.Plan, res *ExecuteResult, plannerMsg string) (string, int) {
	if o.synth != nil {
		outputs := make([]string, len(res.Tasks))
		for i, t := range res.Tasks {
			outputs[i] = o.guard.WrapContent(t)
		}
		msg, tokens, err := o.synth.Synthesize(ctx, SynthesisRequest{Request: p.Request, Plan: p, Outputs: outputs})
		if err == nil && strings.TrimSpace(msg) != "" {
			return msg, tokens
		}
		if err != nil {
			log.Printf("orchestrator: synthesis for plan %s failed, using summary: %v", p.ID, err)
		}
	}
	return Summarize(plannerMsg, p, res.Tasks), 0
}

// Summarize builds a plain reply from the task records.
func Summarize(lead string, p *plan.Plan, tasks []plan.TaskRecord) string {
	completed, failed := p.Summary()
	var sb strings.Builder
	if lead = strings.TrimSpace(lead); lead != "" {
		sb.WriteString(lead)
		sb.WriteString("\n\n")
	}
	switch p.Status {
	case plan.PlanCompleted:
		fmt.Fprintf(&sb, "Done: all %d steps completed.", completed)
	case plan.PlanPartiallyCompleted:
		fmt.Fprintf(&sb, "Completed %d of %d steps; %d failed.", completed, len(p.Steps), failed)
	default:
		fmt.Fprintf(&sb, "None of the %d steps completed.", len(p.Steps))
	}
	for _, t := range tasks {
		if t.Status == plan.StepFailed {
			fmt.Fprintf(&sb, "\n- %s.%s failed: %s", t.Agent, t.Action, t.Error)
		}
	}
	return sb.String()
}

func confirmationMessage(lead string, conf *plan.ConfirmationRequest) string {
	var sb strings.Builder
	if lead = strings.TrimSpace(lead); lead != "" {
		sb.WriteString(lead)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Please confirm: %s.", conf.Description)
	if conf.AffectedItems > 0 && conf.Kind == plan.ConfirmDestructive {
		fmt.Fprintf(&sb, " This affects %d items.", conf.AffectedItems)
	}
	if conf.Impact != "" {
		sb.WriteString(" ")
		sb.WriteString(conf.Impact)
	}
	return sb.String()
}

func (o *Orchestrator) addTurn(sessionID string, turn state.Turn) {
	if err := o.sessions.AddTurn(sessionID, turn); err != nil {
		log.Printf("orchestrator: session %s: %v", sessionID, err)
	}
}
