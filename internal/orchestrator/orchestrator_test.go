package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/progress"
	"github.com/storetalon/storetalon/internal/provider"
	"github.com/storetalon/storetalon/internal/state"
)

type fakePlanner struct {
	resp    *PlanResponse
	err     error
	lastReq PlanRequest
	calls   int
}

func (f *fakePlanner) Plan(_ context.Context, req PlanRequest) (*PlanResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeSynth struct {
	msg     string
	err     error
	lastReq SynthesisRequest
}

func (f *fakeSynth) Synthesize(_ context.Context, req SynthesisRequest) (string, int, error) {
	f.lastReq = req
	return f.msg, 7, f.err
}

type countingProvider struct {
	calls int32
}

func (c *countingProvider) Execute(_ context.Context, action string, _ map[string]any) plan.StepResult {
	atomic.AddInt32(&c.calls, 1)
	if action == "fail" {
		return plan.Failuref("boom")
	}
	return plan.StepResult{Success: true, Data: map[string]any{"action": action}, TokensUsed: 5}
}

type testRig struct {
	orch     *Orchestrator
	planner  *fakePlanner
	provider *countingProvider
	sessions *state.SessionStore
	runs     *state.RunLog
	memory   *state.MemoryStore
}

func newRig(t *testing.T, resp *PlanResponse, opts ...Option) *testRig {
	t.Helper()
	cp := &countingProvider{}
	reg := NewRegistry()
	for _, a := range []plan.Agent{plan.AgentProduct, plan.AgentImage, plan.AgentMarketing} {
		if err := reg.Register(Capability{Agent: a}, cp); err != nil {
			t.Fatal(err)
		}
	}
	rig := &testRig{
		planner:  &fakePlanner{resp: resp},
		provider: cp,
		sessions: state.NewSessionStore(""),
		runs:     state.NewRunLog(),
		memory:   state.NewMemoryStore(""),
	}
	opts = append([]Option{WithRunRecorder(rig.runs), WithMemory(rig.memory)}, opts...)
	rig.orch = New(rig.planner, NewExecutor(reg), rig.sessions, opts...)
	return rig
}

func twoStepPlan() *plan.Plan {
	return plan.New("refresh the catalog", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentProduct, Action: "list_products"},
		{ID: "step_2", Agent: plan.AgentMarketing, Action: "create_banner",
			Params: plan.ParamsFromMap(map[string]any{"source": "$step:step_1.action"}), DependsOn: []string{"step_1"}},
	})
}

func TestHandleWithoutPlan(t *testing.T) {
	rig := newRig(t, &PlanResponse{Message: "Your store has 12 products.", TokensUsed: 30})

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "how many products?"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message != "Your store has 12 products." || resp.TokensUsed != 30 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Plan != nil || atomic.LoadInt32(&rig.provider.calls) != 0 {
		t.Error("nothing should run without a plan")
	}
	sess, err := rig.sessions.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Turns) != 2 || sess.Turns[0].Role != provider.RoleUser || sess.Turns[1].Role != provider.RoleAssistant {
		t.Errorf("turns = %+v", sess.Turns)
	}
}

func TestHandleExecutesPlan(t *testing.T) {
	p := twoStepPlan()
	rig := newRig(t, &PlanResponse{Message: "On it.", Plan: p, TokensUsed: 100})
	rec := progress.NewRecorder()

	resp, err := rig.orch.Handle(context.Background(), Request{
		SessionID: "s1",
		Text:      "refresh the catalog",
		Context:   map[string]any{"page": "products"},
		Images:    []string{"https://uploads.example.com/a.jpg"},
	}, rec)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Completed != 2 || resp.Failed != 0 || len(resp.Tasks) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.TokensUsed != 110 {
		t.Errorf("tokens = %d, want planner 100 + steps 10", resp.TokensUsed)
	}
	if !strings.HasPrefix(resp.Message, "On it.") || !strings.Contains(resp.Message, "all 2 steps completed") {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.RunID == "" {
		t.Error("run should be recorded")
	}
	if rig.planner.lastReq.Images[0] != "https://uploads.example.com/a.jpg" || rig.planner.lastReq.Context["page"] != "products" {
		t.Errorf("planner request = %+v", rig.planner.lastReq)
	}

	runs, _ := rig.runs.List(context.Background(), "s1", 0)
	if len(runs) != 1 || runs[0].PlanID != p.ID || runs[0].Status != plan.PlanCompleted {
		t.Errorf("runs = %+v", runs)
	}
	if len(rig.memory.SearchByTag(state.TagWorkflow)) != 1 {
		t.Error("completed multi-step plan should be remembered")
	}

	events := rec.Events()
	if events[0].Kind != progress.KindPlanning || events[len(events)-1].Kind != progress.KindComplete {
		t.Errorf("first/last event = %s/%s", events[0].Kind, events[len(events)-1].Kind)
	}
	var synth bool
	for _, ev := range events {
		if ev.Kind == progress.KindSynthesizing {
			synth = true
		}
	}
	if !synth {
		t.Error("missing synthesizing event")
	}
}

func TestHandlePassesHistory(t *testing.T) {
	rig := newRig(t, &PlanResponse{Message: "ok"})
	ctx := context.Background()
	if _, err := rig.orch.Handle(ctx, Request{SessionID: "s1", Text: "first"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.orch.Handle(ctx, Request{SessionID: "s1", Text: "second"}, nil); err != nil {
		t.Fatal(err)
	}
	hist := rig.planner.lastReq.History
	if len(hist) != 2 || hist[0].Content != "first" {
		t.Errorf("history = %+v", hist)
	}
}

func TestHandlePlannerError(t *testing.T) {
	rig := newRig(t, nil)
	rig.planner.err = errors.New("model unavailable")

	if _, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "x"}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandleGatesDestructivePlan(t *testing.T) {
	p := plan.New("delete old stock", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentProduct, Action: "delete_products_bulk",
			Params: plan.ParamsFromMap(map[string]any{"productIds": []any{"1", "2", "3", "4", "5"}})},
	})
	rig := newRig(t, &PlanResponse{Plan: p})

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "delete old stock"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Confirmation == nil {
		t.Fatal("expected confirmation request")
	}
	if resp.Confirmation.AffectedItems != 5 || resp.Confirmation.Kind != plan.ConfirmDestructive {
		t.Errorf("confirmation = %+v", resp.Confirmation)
	}
	if !strings.Contains(resp.Message, "This affects 5 items.") {
		t.Errorf("message = %q", resp.Message)
	}
	if p.Status != plan.PlanAwaitingConfirmation {
		t.Errorf("status = %s", p.Status)
	}
	if atomic.LoadInt32(&rig.provider.calls) != 0 {
		t.Fatal("gated plan must not run")
	}
	if len(rig.orch.Pending()) != 1 {
		t.Error("plan should be pending")
	}

	approved, err := rig.orch.Approve(context.Background(), resp.Confirmation.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Completed != 1 || atomic.LoadInt32(&rig.provider.calls) != 1 {
		t.Errorf("approved = %+v", approved)
	}
	if _, err := rig.orch.Approve(context.Background(), resp.Confirmation.ID, nil); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("second approve err = %v", err)
	}
	if atomic.LoadInt32(&rig.provider.calls) != 1 {
		t.Error("confirmation must only run once")
	}
}

func TestRejectDropsPlan(t *testing.T) {
	p := plan.New("remove product", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentProduct, Action: "delete_product"},
	})
	rig := newRig(t, &PlanResponse{Plan: p})

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "remove product"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.orch.Reject(resp.Confirmation.ID); err != nil {
		t.Fatal(err)
	}
	if err := rig.orch.Reject(resp.Confirmation.ID); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("err = %v", err)
	}
	if atomic.LoadInt32(&rig.provider.calls) != 0 {
		t.Error("rejected plan ran")
	}
	sess, _ := rig.sessions.Get("s1")
	last := sess.Turns[len(sess.Turns)-1]
	if !strings.HasPrefix(last.Content, "Cancelled:") {
		t.Errorf("last turn = %q", last.Content)
	}
}

func TestPendingConfirmationExpires(t *testing.T) {
	p := plan.New("remove product", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentProduct, Action: "delete_product"},
	})
	rig := newRig(t, &PlanResponse{Plan: p}, WithPendingTTL(time.Minute))
	now := time.Now()
	rig.orch.now = func() time.Time { return now }

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "remove"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)

	if _, err := rig.orch.Approve(context.Background(), resp.Confirmation.ID, nil); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("err = %v, want expired", err)
	}
	if len(rig.orch.Pending()) != 0 {
		t.Error("expired confirmation still pending")
	}
}

func TestHandleCostGate(t *testing.T) {
	p := plan.New("make images", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentImage, Action: "generate_images",
			Params: plan.ParamsFromMap(map[string]any{"count": float64(10)})},
	})
	rig := newRig(t, &PlanResponse{Plan: p})

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "make images"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Confirmation == nil || resp.Confirmation.Kind != plan.ConfirmCost {
		t.Fatalf("confirmation = %+v", resp.Confirmation)
	}
	if strings.Contains(resp.Message, "This affects") {
		t.Errorf("cost confirmation should not list affected items: %q", resp.Message)
	}
}

func TestHandleCyclicPlan(t *testing.T) {
	p := plan.New("loop", []*plan.Step{
		{ID: "a", Agent: plan.AgentProduct, Action: "x", DependsOn: []string{"b"}},
		{ID: "b", Agent: plan.AgentProduct, Action: "y", DependsOn: []string{"a"}},
	})
	rig := newRig(t, &PlanResponse{Plan: p})

	_, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "loop"}, nil)
	if !errors.Is(err, plan.ErrUnresolvableDependencies) {
		t.Fatalf("err = %v", err)
	}
	if atomic.LoadInt32(&rig.provider.calls) != 0 {
		t.Error("cyclic plan dispatched steps")
	}
	runs, _ := rig.runs.List(context.Background(), "s1", 0)
	if len(runs) != 0 {
		t.Error("rejected plan should not be recorded as a run")
	}
}

func TestHandleCyclicDestructivePlanIsNotGated(t *testing.T) {
	p := plan.New("delete in a loop", []*plan.Step{
		{ID: "a", Agent: plan.AgentProduct, Action: "delete_product", DependsOn: []string{"b"},
			Params: plan.ParamsFromMap(map[string]any{"productId": "1"})},
		{ID: "b", Agent: plan.AgentProduct, Action: "update_product", DependsOn: []string{"a"}},
	})
	rig := newRig(t, &PlanResponse{Plan: p})

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "delete in a loop"}, nil)
	if !errors.Is(err, plan.ErrUnresolvableDependencies) {
		t.Fatalf("err = %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want none", resp)
	}
	if n := len(rig.orch.Pending()); n != 0 {
		t.Errorf("pending confirmations = %d, want 0", n)
	}
	if p.Status != plan.PlanFailed {
		t.Errorf("status = %s", p.Status)
	}
	if atomic.LoadInt32(&rig.provider.calls) != 0 {
		t.Error("cyclic plan dispatched steps")
	}
}

func TestExecutePlanDirect(t *testing.T) {
	rig := newRig(t, nil)

	if _, err := rig.orch.ExecutePlan(context.Background(), Request{SessionID: "s1"}, nil, nil); !errors.Is(err, ErrNoPlan) {
		t.Errorf("nil plan err = %v", err)
	}
	if _, err := rig.orch.ExecutePlan(context.Background(), Request{SessionID: "s1"}, plan.New("x", nil), nil); !errors.Is(err, ErrNoPlan) {
		t.Errorf("empty plan err = %v", err)
	}

	p := twoStepPlan()
	resp, err := rig.orch.ExecutePlan(context.Background(), Request{SessionID: "s1"}, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Completed != 2 {
		t.Errorf("completed = %d", resp.Completed)
	}
	if rig.planner.calls != 0 {
		t.Error("planner should be bypassed")
	}
	sess, _ := rig.sessions.Get("s1")
	if sess.Turns[0].Content != "refresh the catalog" {
		t.Errorf("user turn = %q, want plan request", sess.Turns[0].Content)
	}
}

func TestSynthesizerOutputsAreWrapped(t *testing.T) {
	synth := &fakeSynth{msg: "Both steps went through."}
	rig := newRig(t, &PlanResponse{Plan: twoStepPlan()}, WithSynthesizer(synth))

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "go"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message != "Both steps went through." {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.TokensUsed != 17 {
		t.Errorf("tokens = %d, want steps 10 + synthesis 7", resp.TokensUsed)
	}
	if len(synth.lastReq.Outputs) != 2 || !strings.HasPrefix(synth.lastReq.Outputs[0], "[step_output id=step_1") {
		t.Errorf("outputs = %v", synth.lastReq.Outputs)
	}
}

func TestSynthesizerFailureFallsBackToSummary(t *testing.T) {
	synth := &fakeSynth{err: errors.New("rate limited")}
	p := plan.New("mixed", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentProduct, Action: "list_products"},
		{ID: "step_2", Agent: plan.AgentProduct, Action: "fail"},
	})
	rig := newRig(t, &PlanResponse{Plan: p}, WithSynthesizer(synth))

	resp, err := rig.orch.Handle(context.Background(), Request{SessionID: "s1", Text: "mixed"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "Completed 1 of 2 steps; 1 failed.\n- product.fail failed: boom"
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
	if len(rig.memory.List()) != 0 {
		t.Error("partially completed plan should not be remembered")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		statuses []plan.StepStatus
		want     string
	}{
		{"all completed", []plan.StepStatus{plan.StepCompleted, plan.StepCompleted}, "Done: all 2 steps completed."},
		{"none completed", []plan.StepStatus{plan.StepFailed}, "None of the 1 steps completed."},
		{"partial", []plan.StepStatus{plan.StepCompleted, plan.StepFailed, plan.StepCompleted}, "Completed 2 of 3 steps; 1 failed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var steps []*plan.Step
			for _, st := range tt.statuses {
				steps = append(steps, &plan.Step{ID: string(st), Status: st})
			}
			p := &plan.Plan{Steps: steps}
			p.Finish()
			if got := Summarize("", p, nil); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
