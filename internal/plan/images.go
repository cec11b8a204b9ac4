package plan

import (
	"regexp"
	"strings"
)

var imageActionHints = []string{
	"image", "analyze", "generate", "process", "background", "lifestyle", "bulk", "social",
}

var imageURLParams = []string{"imageUrls", "sourceImages"}

var urlScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// IsImageAction reports whether an action name suggests it consumes images.
func IsImageAction(action string) bool {
	a := strings.ToLower(action)
	for _, hint := range imageActionHints {
		if strings.Contains(a, hint) {
			return true
		}
	}
	return false
}

// OverrideImages forces the request's uploaded image URLs into the image
// parameters of image-related actions, so placeholder values from the
// planner never reach a provider. A parameter that already holds a list of
// fully-qualified URLs is kept. When neither imageUrls nor sourceImages is
// present, imageUrls is set. It returns a new map and the overridden names;
// params is returned unchanged when nothing applies.
func OverrideImages(action string, params map[string]any, uploaded []string) (map[string]any, []string) {
	if len(uploaded) == 0 || !IsImageAction(action) {
		return params, nil
	}

	var overridden []string
	present := false
	for _, name := range imageURLParams {
		v, ok := params[name]
		if !ok {
			continue
		}
		present = true
		if !qualifiedURLs(v) {
			overridden = append(overridden, name)
		}
	}
	if !present {
		overridden = append(overridden, imageURLParams[0])
	}
	if len(overridden) == 0 {
		return params, nil
	}

	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	for _, name := range overridden {
		out[name] = append([]string(nil), uploaded...)
	}
	return out, overridden
}

func qualifiedURLs(v any) bool {
	items, ok := toSlice(v)
	if !ok || len(items) == 0 {
		return false
	}
	for _, it := range items {
		s, ok := it.(string)
		if !ok || !urlScheme.MatchString(s) {
			return false
		}
	}
	return true
}
