package planner

import (
	"strings"
	"testing"
)

func TestDefaultRulesContainSafetyRule(t *testing.T) {
	prompt := NewRules(nil).BuildPromptSection()
	if !strings.Contains(prompt, "CRITICAL SAFETY RULE") {
		t.Error("rules should contain the safety rule")
	}
	if !strings.HasPrefix(prompt, "## PLANNING RULES\n") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestCustomRulesAppended(t *testing.T) {
	rc := NewRules([]string{"Never discount below 10%", "   ", "Prices are in EUR"})

	rules := rc.Rules()
	if len(rules) != len(defaultRules)+2 {
		t.Fatalf("rules = %d, want %d", len(rules), len(defaultRules)+2)
	}
	prompt := rc.BuildPromptSection()
	if !strings.Contains(prompt, "- [store policy] Never discount below 10%") {
		t.Error("custom rule should be marked as store policy")
	}
	if strings.Count(prompt, "[store policy]") != 2 {
		t.Error("blank custom rules should be dropped")
	}
}

func TestNewRulesDoesNotShareDefaults(t *testing.T) {
	a := NewRules([]string{"one"})
	_ = NewRules([]string{"two"})
	if a.Rules()[len(a.Rules())-1] != "one" {
		t.Error("rule sets must not share backing storage")
	}
}
