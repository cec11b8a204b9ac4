package plan

import (
	"reflect"
	"strconv"
)

const imagesParam = "images"

const (
	ReasonStepNotCompleted = "referenced step has no completed result"
	ReasonPathNotFound     = "path not found"
	ReasonNoUploads        = "no images were uploaded with the request"
)

// Unresolved records a reference that was left as its literal token.
type Unresolved struct {
	Param  string `json:"param"`
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type Resolution struct {
	Params     map[string]any
	Unresolved []Unresolved
}

// Resolve substitutes references in params. prior maps step id to the data
// of each successfully completed step; ctx is the ambient request context;
// uploaded are the image URLs sent with the request. A reference that cannot
// be resolved keeps its token and is listed in Resolution.Unresolved.
// Maps and slices in the result are copies, so a provider may modify its
// params without touching prior, ctx or the plan.
func Resolve(params Params, prior map[string]map[string]any, ctx map[string]any, uploaded ...string) Resolution {
	r := &resolver{prior: prior, ctx: ctx, uploaded: uploaded}
	out := make(map[string]any, params.Len())
	for _, name := range params.names {
		v := r.value(name, params.values[name])
		if name == imagesParam {
			v = unwrapImageRecords(v)
		}
		out[name] = v
	}
	return Resolution{Params: out, Unresolved: r.unresolved}
}

type resolver struct {
	prior      map[string]map[string]any
	ctx        map[string]any
	uploaded   []string
	unresolved []Unresolved
}

func (r *resolver) value(param string, v Value) any {
	switch v.kind {
	case KindStepRef:
		data, ok := r.prior[v.stepID]
		if !ok {
			r.miss(param, v, ReasonStepNotCompleted)
			return v.token
		}
		got, ok := Lookup(data, v.path)
		if !ok {
			r.miss(param, v, ReasonPathNotFound)
			return v.token
		}
		return clone(got)
	case KindContextRef:
		got, ok := Lookup(r.ctx, v.path)
		if !ok {
			r.miss(param, v, ReasonPathNotFound)
			return v.token
		}
		return clone(got)
	case KindUploaded:
		if len(r.uploaded) == 0 {
			r.miss(param, v, ReasonNoUploads)
			return v.token
		}
		return append([]string(nil), r.uploaded...)
	case KindList:
		if !v.IsReference() {
			return clone(v.Raw())
		}
		out := make([]any, 0, len(v.items))
		for _, it := range v.items {
			if it.kind == KindUploaded && len(r.uploaded) > 0 {
				for _, u := range r.uploaded {
					out = append(out, u)
				}
				continue
			}
			out = append(out, r.value(param, it))
		}
		return out
	default:
		return clone(v.literal)
	}
}

func (r *resolver) miss(param string, v Value, reason string) {
	r.unresolved = append(r.unresolved, Unresolved{Param: param, Token: v.token, Reason: reason})
}

// clone copies the map and slice shapes decoded JSON produces. Other values,
// typed structs included, are returned as is.
func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = clone(e)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = clone(e)
		}
		return out
	case []string:
		if x == nil {
			return x
		}
		return append([]string(nil), x...)
	case []map[string]any:
		if x == nil {
			return x
		}
		out := make([]map[string]any, len(x))
		for i, m := range x {
			out[i], _ = clone(m).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// Lookup walks a dot path through nested maps and slices. Numeric segments
// index into slices.
func Lookup(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			v, ok := lookupReflect(cur, seg)
			if !ok {
				return nil, false
			}
			cur = v
		}
	}
	return cur, true
}

func lookupReflect(cur any, seg string) (any, bool) {
	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	default:
		return nil, false
	}
}

// unwrapImageRecords flattens generated-image records ({url: ...} or
// {generatedUrl: ...}) to their URL so consumers of "images" get a URL list.
func unwrapImageRecords(v any) any {
	items, ok := toSlice(v)
	if !ok {
		return v
	}
	changed := false
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
		if u, ok := imageRecordURL(it); ok {
			out[i] = u
			changed = true
		}
	}
	if !changed {
		return v
	}
	return out
}

func imageRecordURL(v any) (string, bool) {
	if _, isString := v.(string); isString || v == nil {
		return "", false
	}
	for _, key := range []string{"url", "generatedUrl"} {
		got, ok := lookupField(v, key)
		if !ok {
			continue
		}
		if s, ok := got.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func lookupField(v any, key string) (any, bool) {
	if m, ok := v.(map[string]any); ok {
		got, ok := m[key]
		return got, ok
	}
	return lookupReflect(v, key)
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
