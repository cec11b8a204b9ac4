package plan

import (
	"encoding/json"
	"strings"
)

const (
	stepRefPrefix    = "$step:"
	contextRefPrefix = "$context:"
	uploadedToken    = "$uploaded"
)

type ValueKind int

const (
	KindLiteral ValueKind = iota
	KindStepRef
	KindContextRef
	KindList
	KindUploaded
)

func (k ValueKind) String() string {
	switch k {
	case KindStepRef:
		return "step_ref"
	case KindContextRef:
		return "context_ref"
	case KindList:
		return "list"
	case KindUploaded:
		return "uploaded"
	default:
		return "literal"
	}
}

// Value is a step parameter: a literal, a reference to a prior step's output,
// a reference into the request context, the images uploaded with the
// request, or a list whose elements may be any of those. References are
// recognized once when the value is built.
type Value struct {
	kind    ValueKind
	literal any
	stepID  string
	path    []string
	items   []Value
	token   string
}

func Literal(v any) Value {
	return Value{kind: KindLiteral, literal: v}
}

// StepRef refers to path inside the output of step stepID.
func StepRef(stepID string, path ...string) Value {
	return Value{
		kind:   KindStepRef,
		stepID: stepID,
		path:   path,
		token:  stepRefPrefix + stepID + "." + strings.Join(path, "."),
	}
}

// ContextRef refers to path inside the ambient request context.
func ContextRef(path ...string) Value {
	return Value{
		kind:  KindContextRef,
		path:  path,
		token: contextRefPrefix + strings.Join(path, "."),
	}
}

// Uploaded stands for the image URLs uploaded with the request. It resolves
// to the whole list; as a list element the URLs are spliced in place.
func Uploaded() Value {
	return Value{kind: KindUploaded, token: uploadedToken}
}

func List(items ...Value) Value {
	return Value{kind: KindList, items: items}
}

// ParseValue classifies a decoded parameter value. Strings carrying the
// $step: or $context: prefix, and the bare $uploaded token, become references; arrays become lists whose
// elements are classified one level deep. Malformed tokens stay literal.
func ParseValue(v any) Value {
	switch x := v.(type) {
	case string:
		return parseToken(x)
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			if s, ok := e.(string); ok {
				items[i] = parseToken(s)
			} else {
				items[i] = Literal(e)
			}
		}
		return Value{kind: KindList, items: items, literal: x}
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = parseToken(s)
		}
		return Value{kind: KindList, items: items, literal: x}
	default:
		return Literal(v)
	}
}

func parseToken(s string) Value {
	switch {
	case s == uploadedToken:
		return Uploaded()
	case strings.HasPrefix(s, stepRefPrefix):
		rest := s[len(stepRefPrefix):]
		id, path, ok := strings.Cut(rest, ".")
		if !ok || id == "" || path == "" {
			return Literal(s)
		}
		v := StepRef(id, strings.Split(path, ".")...)
		v.token = s
		return v
	case strings.HasPrefix(s, contextRefPrefix):
		path := s[len(contextRefPrefix):]
		if path == "" {
			return Literal(s)
		}
		v := ContextRef(strings.Split(path, ".")...)
		v.token = s
		return v
	default:
		return Literal(s)
	}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) StepID() string { return v.stepID }

func (v Value) Path() []string {
	return append([]string(nil), v.path...)
}

func (v Value) Items() []Value { return v.items }

// IsReference reports whether v, or any element of a list v, is a reference.
func (v Value) IsReference() bool {
	switch v.kind {
	case KindStepRef, KindContextRef, KindUploaded:
		return true
	case KindList:
		for _, it := range v.items {
			if it.IsReference() {
				return true
			}
		}
	}
	return false
}

// Raw returns the value as the planner wrote it: the literal itself, or the
// reference token string.
func (v Value) Raw() any {
	switch v.kind {
	case KindStepRef, KindContextRef, KindUploaded:
		return v.token
	case KindList:
		if v.literal != nil {
			return v.literal
		}
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Raw()
		}
		return out
	default:
		return v.literal
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Raw())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ParseValue(raw)
	return nil
}
