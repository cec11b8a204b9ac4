package orchestrator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/google/uuid"
	"github.com/storetalon/storetalon/internal/plan"
)

type ActionRule struct {
	Description string `yaml:"description"`
	Impact      string `yaml:"impact"`
}

// CostRule asks for confirmation when a numeric parameter of an action
// exceeds Threshold. The estimated cost is the parameter times UnitCost.
type CostRule struct {
	Action      string  `yaml:"action"`
	Param       string  `yaml:"param"`
	Threshold   float64 `yaml:"threshold"`
	UnitCost    float64 `yaml:"unit_cost"`
	Description string  `yaml:"description"`
	Impact      string  `yaml:"impact"`
}

type ConfirmationPolicy struct {
	Actions   map[string]ActionRule `yaml:"actions"`
	CostRules []CostRule            `yaml:"cost_rules"`
}

func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{
		Actions: map[string]ActionRule{
			"delete_product": {
				Description: "Delete a product",
				Impact:      "The product and all of its variants will be permanently removed from your store.",
			},
			"delete_products_bulk": {
				Description: "Delete multiple products",
				Impact:      "These products will be permanently removed and cannot be recovered.",
			},
			"update_prices_bulk": {
				Description: "Update prices for multiple products",
				Impact:      "New prices take effect immediately on your live storefront.",
			},
			"publish_campaign": {
				Description: "Publish a marketing campaign",
				Impact:      "The campaign goes live and becomes visible to customers.",
			},
			"send_customer_notification": {
				Description: "Send a notification to customers",
				Impact:      "Customers receive this message immediately and it cannot be recalled.",
			},
			"publish_products_bulk": {
				Description: "Publish multiple products",
				Impact:      "These products become visible on your live storefront.",
			},
		},
		CostRules: []CostRule{
			{
				Action:      "generate_images",
				Param:       "count",
				Threshold:   4,
				UnitCost:    0.04,
				Description: "Generate a large batch of images",
				Impact:      "Image generation is billed per image.",
			},
		},
	}
}

// Merge overlays o on p: action rules are added or replaced by name, cost
// rules by action.
func (p ConfirmationPolicy) Merge(o ConfirmationPolicy) ConfirmationPolicy {
	out := ConfirmationPolicy{Actions: make(map[string]ActionRule, len(p.Actions)+len(o.Actions))}
	for k, v := range p.Actions {
		out.Actions[k] = v
	}
	for k, v := range o.Actions {
		out.Actions[k] = v
	}

	replaced := make(map[string]bool, len(o.CostRules))
	for _, r := range o.CostRules {
		replaced[r.Action] = true
	}
	for _, r := range p.CostRules {
		if !replaced[r.Action] {
			out.CostRules = append(out.CostRules, r)
		}
	}
	out.CostRules = append(out.CostRules, o.CostRules...)
	return out
}

// ConfirmationGate decides, before anything runs, whether a plan must be
// held for explicit user approval. A plan is either fully gated or free to run.
type ConfirmationGate struct {
	policy ConfirmationPolicy
	newID  func() string
}

func NewConfirmationGate(policy ConfirmationPolicy) *ConfirmationGate {
	return &ConfirmationGate{
		policy: policy,
		newID:  func() string { return "confirm_" + uuid.New().String() },
	}
}

// Check returns a request for the first step that trips a rule, or nil.
func (g *ConfirmationGate) Check(p *plan.Plan) *plan.ConfirmationRequest {
	if p == nil {
		return nil
	}
	for _, s := range p.Steps {
		params := s.Params.Raw()

		if rule, ok := g.policy.Actions[s.Action]; ok {
			req := &plan.ConfirmationRequest{
				ID:          g.newID(),
				StepID:      s.ID,
				Action:      s.Action,
				Kind:        plan.ConfirmDestructive,
				Description: rule.Description,
				Impact:      rule.Impact,
			}
			for _, key := range []string{"productIds", "ids"} {
				if n, ok := listLen(params[key]); ok {
					req.AffectedItems = n
					break
				}
			}
			return req
		}

		for _, rule := range g.policy.CostRules {
			if rule.Action != s.Action {
				continue
			}
			n, ok := number(params[rule.Param])
			if !ok || n <= rule.Threshold {
				continue
			}
			cost := n * rule.UnitCost
			return &plan.ConfirmationRequest{
				ID:            g.newID(),
				StepID:        s.ID,
				Action:        s.Action,
				Kind:          plan.ConfirmCost,
				Description:   fmt.Sprintf("%s (%d)", rule.Description, int(n)),
				Impact:        fmt.Sprintf("%s Estimated cost: $%.2f.", rule.Impact, cost),
				AffectedItems: int(n),
				EstimatedCost: cost,
			}
		}
	}
	return nil
}

func listLen(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return 0, false
	}
	return rv.Len(), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
