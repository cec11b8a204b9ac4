package orchestrator

import (
	"math"
	"testing"

	"github.com/storetalon/storetalon/internal/plan"
)

func gatedPlan(action string, params map[string]any) *plan.Plan {
	return plan.New("test", []*plan.Step{
		{ID: "step_1", Agent: plan.AgentProduct, Action: "get_product"},
		{ID: "step_2", Agent: plan.AgentProduct, Action: action, Params: plan.ParamsFromMap(params)},
	})
}

func TestConfirmationGateDefaults(t *testing.T) {
	gate := NewConfirmationGate(DefaultConfirmationPolicy())

	tests := []struct {
		name     string
		action   string
		params   map[string]any
		gated    bool
		kind     plan.ConfirmationKind
		affected int
	}{
		{"delete product", "delete_product", map[string]any{"productId": "p1"}, true, plan.ConfirmDestructive, 0},
		{"bulk delete counts ids", "delete_products_bulk", map[string]any{"productIds": []any{"a", "b", "c"}}, true, plan.ConfirmDestructive, 3},
		{"bulk price update", "update_prices_bulk", map[string]any{"ids": []string{"a", "b"}}, true, plan.ConfirmDestructive, 2},
		{"notification", "send_customer_notification", nil, true, plan.ConfirmDestructive, 0},
		{"small image batch", "generate_images", map[string]any{"count": float64(4)}, false, "", 0},
		{"large image batch", "generate_images", map[string]any{"count": float64(5)}, true, plan.ConfirmCost, 5},
		{"count as string", "generate_images", map[string]any{"count": "8"}, true, plan.ConfirmCost, 8},
		{"count from reference", "generate_images", map[string]any{"count": "$step:step_1.total"}, false, "", 0},
		{"harmless", "update_product", map[string]any{"title": "New"}, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := gate.Check(gatedPlan(tt.action, tt.params))
			if (req != nil) != tt.gated {
				t.Fatalf("gated = %v, want %v", req != nil, tt.gated)
			}
			if req == nil {
				return
			}
			if req.Kind != tt.kind || req.AffectedItems != tt.affected {
				t.Errorf("req = %+v", req)
			}
			if req.StepID != "step_2" || req.Action != tt.action || req.ID == "" {
				t.Errorf("req = %+v", req)
			}
		})
	}
}

func TestConfirmationGateCost(t *testing.T) {
	gate := NewConfirmationGate(DefaultConfirmationPolicy())
	req := gate.Check(gatedPlan("generate_images", map[string]any{"count": float64(5)}))
	if req == nil {
		t.Fatal("expected confirmation")
	}
	if math.Abs(req.EstimatedCost-0.20) > 1e-9 {
		t.Errorf("cost = %v, want 0.20", req.EstimatedCost)
	}
	if req.Impact != "Image generation is billed per image. Estimated cost: $0.20." {
		t.Errorf("impact = %q", req.Impact)
	}
}

func TestConfirmationGateNilAndEmpty(t *testing.T) {
	gate := NewConfirmationGate(DefaultConfirmationPolicy())
	if gate.Check(nil) != nil {
		t.Error("nil plan should not be gated")
	}
	if gate.Check(plan.New("x", nil)) != nil {
		t.Error("empty plan should not be gated")
	}
}

func TestConfirmationGateIDsUnique(t *testing.T) {
	gate := NewConfirmationGate(DefaultConfirmationPolicy())
	a := gate.Check(gatedPlan("delete_product", nil))
	b := gate.Check(gatedPlan("delete_product", nil))
	if a.ID == b.ID {
		t.Error("confirmation ids should differ")
	}
}

func TestConfirmationPolicyMerge(t *testing.T) {
	custom := ConfirmationPolicy{
		Actions: map[string]ActionRule{
			"archive_collection": {Description: "Archive a collection", Impact: "It disappears from the storefront."},
			"delete_product":     {Description: "Remove a product", Impact: "Gone for good."},
		},
		CostRules: []CostRule{
			{Action: "generate_images", Param: "count", Threshold: 10, UnitCost: 0.02, Description: "Generate images"},
			{Action: "generate_video", Param: "seconds", Threshold: 30, UnitCost: 0.1, Description: "Generate video"},
		},
	}
	merged := DefaultConfirmationPolicy().Merge(custom)

	if merged.Actions["delete_product"].Impact != "Gone for good." {
		t.Error("override not applied")
	}
	if _, ok := merged.Actions["delete_products_bulk"]; !ok {
		t.Error("default rule lost")
	}
	if len(merged.CostRules) != 2 {
		t.Fatalf("cost rules = %+v", merged.CostRules)
	}

	gate := NewConfirmationGate(merged)
	if gate.Check(gatedPlan("generate_images", map[string]any{"count": float64(8)})) != nil {
		t.Error("raised threshold should let 8 images through")
	}
	if gate.Check(gatedPlan("archive_collection", nil)) == nil {
		t.Error("custom action rule not applied")
	}
	if base := DefaultConfirmationPolicy(); base.CostRules[0].Threshold != 4 {
		t.Error("merge must not modify the receiver")
	}
}
