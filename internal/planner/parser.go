package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storetalon/storetalon/internal/plan"
)

// document is the shape the model is asked to answer with.
type document struct {
	Response string       `json:"response"`
	Steps    []*plan.Step `json:"steps"`
}

// Parse reads a planner reply. A reply without a JSON object is a plain
// answer: its text becomes the message and no steps are returned. Steps
// missing an id are numbered step_N by position.
func Parse(reply string) (message string, steps []*plan.Step, err error) {
	body, ok := extractObject(stripFences(reply))
	if !ok {
		return strings.TrimSpace(reply), nil, nil
	}

	var doc document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "", nil, fmt.Errorf("parse plan: %w", err)
	}
	for i, s := range doc.Steps {
		if s == nil {
			return "", nil, fmt.Errorf("parse plan: step %d is null", i)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", i+1)
		}
		if s.Agent == "" || s.Action == "" {
			return "", nil, fmt.Errorf("parse plan: step %s needs agent and action", s.ID)
		}
		s.Status = plan.StepPending
		s.Result = nil
	}
	return strings.TrimSpace(doc.Response), doc.Steps, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced {...} in s, skipping braces that
// appear inside JSON strings.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
