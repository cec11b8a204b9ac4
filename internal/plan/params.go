package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Params is an ordered mapping from parameter name to Value. JSON decoding
// keeps the order in which the planner wrote the keys.
type Params struct {
	names  []string
	values map[string]Value
}

// ParamsFromMap builds Params from plain values, classifying reference
// tokens. Keys are sorted since map order carries no meaning.
func ParamsFromMap(m map[string]any) Params {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	var p Params
	for _, k := range names {
		p.Set(k, ParseValue(m[k]))
	}
	return p
}

func (p *Params) Set(name string, v Value) {
	if p.values == nil {
		p.values = make(map[string]Value)
	}
	if _, exists := p.values[name]; !exists {
		p.names = append(p.names, name)
	}
	p.values[name] = v
}

func (p Params) Get(name string) (Value, bool) {
	v, ok := p.values[name]
	return v, ok
}

func (p Params) Names() []string {
	return append([]string(nil), p.names...)
}

func (p Params) Len() int { return len(p.names) }

// Raw returns the parameters as written, with reference tokens left as strings.
func (p Params) Raw() map[string]any {
	out := make(map[string]any, len(p.names))
	for _, name := range p.names {
		out[name] = p.values[name].Raw()
	}
	return out
}

func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.values[name])
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	*p = Params{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("params: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("params: expected key, got %v", tok)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("param %q: %w", name, err)
		}
		p.Set(name, ParseValue(raw))
	}
	_, err = dec.Token()
	return err
}
