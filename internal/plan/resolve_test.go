package plan

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestResolveLiteralParamsUnchanged(t *testing.T) {
	in := map[string]any{
		"title":  "Summer sale",
		"count":  float64(3),
		"draft":  true,
		"tags":   []any{"a", "b"},
		"names":  []string{"x", "y"},
		"nested": map[string]any{"k": "v"},
	}
	res := Resolve(ParamsFromMap(in), nil, nil)
	if !reflect.DeepEqual(res.Params, in) {
		t.Errorf("Params = %#v, want %#v", res.Params, in)
	}
	if len(res.Unresolved) != 0 {
		t.Errorf("Unresolved = %v, want none", res.Unresolved)
	}

	again := Resolve(ParamsFromMap(res.Params), nil, nil)
	if !reflect.DeepEqual(again.Params, in) {
		t.Errorf("second resolve = %#v", again.Params)
	}
}

func TestResolveStepReferenceIntoArray(t *testing.T) {
	params := ParamsFromMap(map[string]any{"image": "$step:step_1.images.0.url"})
	prior := map[string]map[string]any{
		"step_1": {"images": []any{map[string]any{"url": "http://x/a.png"}}},
	}
	res := Resolve(params, prior, nil)
	if got := res.Params["image"]; got != "http://x/a.png" {
		t.Errorf("image = %#v, want http://x/a.png", got)
	}
}

func TestResolveStepReferenceTypedOutput(t *testing.T) {
	params := ParamsFromMap(map[string]any{"id": "$step:create.products.1.id"})
	prior := map[string]map[string]any{
		"create": {"products": []map[string]any{{"id": "p1"}, {"id": "p2"}}},
	}
	res := Resolve(params, prior, nil)
	if got := res.Params["id"]; got != "p2" {
		t.Errorf("id = %#v, want p2", got)
	}
}

func TestResolveUnknownStepKeepsToken(t *testing.T) {
	params := ParamsFromMap(map[string]any{"foo": "$step:step_9.foo"})
	res := Resolve(params, map[string]map[string]any{}, nil)
	if got := res.Params["foo"]; got != "$step:step_9.foo" {
		t.Errorf("foo = %#v", got)
	}
	want := []Unresolved{{Param: "foo", Token: "$step:step_9.foo", Reason: ReasonStepNotCompleted}}
	if !reflect.DeepEqual(res.Unresolved, want) {
		t.Errorf("Unresolved = %#v", res.Unresolved)
	}
}

func TestResolveMissingPathKeepsToken(t *testing.T) {
	params := ParamsFromMap(map[string]any{"foo": "$step:a.missing.field"})
	prior := map[string]map[string]any{"a": {"present": 1}}
	res := Resolve(params, prior, nil)
	if got := res.Params["foo"]; got != "$step:a.missing.field" {
		t.Errorf("foo = %#v", got)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Reason != ReasonPathNotFound {
		t.Errorf("Unresolved = %#v", res.Unresolved)
	}
}

func TestResolveContextReference(t *testing.T) {
	params := ParamsFromMap(map[string]any{
		"productId": "$context:page.product.id",
		"missing":   "$context:page.nothing",
	})
	ctx := map[string]any{"page": map[string]any{"product": map[string]any{"id": "prod_42"}}}
	res := Resolve(params, nil, ctx)
	if got := res.Params["productId"]; got != "prod_42" {
		t.Errorf("productId = %#v", got)
	}
	if got := res.Params["missing"]; got != "$context:page.nothing" {
		t.Errorf("missing = %#v", got)
	}
	if len(res.Unresolved) != 1 {
		t.Errorf("Unresolved = %#v", res.Unresolved)
	}
}

func TestResolveListElements(t *testing.T) {
	params := ParamsFromMap(map[string]any{
		"productIds": []any{"$step:a.id", "literal", "$step:b.id", []any{"$step:a.id"}},
	})
	prior := map[string]map[string]any{"a": {"id": "p1"}}
	res := Resolve(params, prior, nil)
	want := []any{"p1", "literal", "$step:b.id", []any{"$step:a.id"}}
	if !reflect.DeepEqual(res.Params["productIds"], want) {
		t.Errorf("productIds = %#v, want %#v", res.Params["productIds"], want)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Token != "$step:b.id" {
		t.Errorf("Unresolved = %#v", res.Unresolved)
	}
}

func TestResolveImagesUnwrapsRecords(t *testing.T) {
	params := ParamsFromMap(map[string]any{
		"images": "$step:gen.images",
		"other":  "$step:gen.images",
	})
	prior := map[string]map[string]any{
		"gen": {"images": []any{
			map[string]any{"url": "http://x/1.png", "prompt": "p"},
			map[string]any{"generatedUrl": "http://x/2.png"},
			"http://x/3.png",
		}},
	}
	res := Resolve(params, prior, nil)
	want := []any{"http://x/1.png", "http://x/2.png", "http://x/3.png"}
	if !reflect.DeepEqual(res.Params["images"], want) {
		t.Errorf("images = %#v, want %#v", res.Params["images"], want)
	}
	if _, ok := res.Params["other"].([]any)[0].(map[string]any); !ok {
		t.Errorf("non-images key should keep records, got %#v", res.Params["other"])
	}
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	params := ParamsFromMap(map[string]any{"x": "$step:a.v"})
	prior := map[string]map[string]any{"a": {"v": "resolved"}}
	_ = Resolve(params, prior, nil)
	v, _ := params.Get("x")
	if v.Kind() != KindStepRef || v.Raw() != "$step:a.v" {
		t.Errorf("params mutated: %v %#v", v.Kind(), v.Raw())
	}
}

func TestResolveUploadedImages(t *testing.T) {
	uploads := []string{"https://cdn.example.com/u/1.png", "https://cdn.example.com/u/2.png"}
	params := ParamsFromMap(map[string]any{
		"imageUrls": "$uploaded",
		"images":    []any{"https://cdn.example.com/logo.png", "$uploaded"},
	})

	res := Resolve(params, nil, nil, uploads...)
	if got, ok := res.Params["imageUrls"].([]string); !ok || !reflect.DeepEqual(got, uploads) {
		t.Errorf("imageUrls = %#v", res.Params["imageUrls"])
	}
	want := []any{"https://cdn.example.com/logo.png", uploads[0], uploads[1]}
	if !reflect.DeepEqual(res.Params["images"], want) {
		t.Errorf("images = %#v, want %#v", res.Params["images"], want)
	}
	if len(res.Unresolved) != 0 {
		t.Errorf("Unresolved = %#v", res.Unresolved)
	}

	res.Params["imageUrls"].([]string)[0] = "changed"
	if uploads[0] == "changed" {
		t.Error("resolved uploads share the caller's slice")
	}

	none := Resolve(params, nil, nil)
	if none.Params["imageUrls"] != "$uploaded" {
		t.Errorf("imageUrls without uploads = %#v", none.Params["imageUrls"])
	}
	if len(none.Unresolved) != 2 || none.Unresolved[0].Reason != ReasonNoUploads {
		t.Errorf("Unresolved = %#v", none.Unresolved)
	}
}

func TestResolveCopiesContainers(t *testing.T) {
	params := ParamsFromMap(map[string]any{
		"product": "$step:a.product",
		"filters": "$context:filters",
		"tags":    []any{"new", "sale"},
		"options": map[string]any{"sizes": []string{"S", "M"}},
	})
	prior := map[string]map[string]any{
		"a": {"product": map[string]any{"id": "p1", "variants": []any{"v1"}}},
	}
	ctx := map[string]any{"filters": map[string]any{"status": "active"}}

	res := Resolve(params, prior, ctx)
	res.Params["product"].(map[string]any)["id"] = "changed"
	res.Params["product"].(map[string]any)["variants"].([]any)[0] = "changed"
	res.Params["filters"].(map[string]any)["status"] = "changed"
	res.Params["tags"].([]any)[0] = "changed"
	res.Params["options"].(map[string]any)["sizes"].([]string)[0] = "changed"

	product := prior["a"]["product"].(map[string]any)
	if product["id"] != "p1" || product["variants"].([]any)[0] != "v1" {
		t.Errorf("prior modified: %#v", product)
	}
	if ctx["filters"].(map[string]any)["status"] != "active" {
		t.Errorf("context modified: %#v", ctx)
	}
	again := Resolve(params, prior, ctx)
	if again.Params["tags"].([]any)[0] != "new" {
		t.Errorf("list literal modified: %#v", again.Params["tags"])
	}
	if again.Params["options"].(map[string]any)["sizes"].([]string)[0] != "S" {
		t.Errorf("map literal modified: %#v", again.Params["options"])
	}
}

func TestParseValueMalformedTokensStayLiteral(t *testing.T) {
	for _, s := range []string{"$step:", "$step:noPath", "$step:.path", "$context:", "$uploaded.0", "plain"} {
		if k := ParseValue(s).Kind(); k != KindLiteral {
			t.Errorf("ParseValue(%q).Kind() = %v, want literal", s, k)
		}
	}
	v := ParseValue("$step:step_1.images.0.url")
	if v.Kind() != KindStepRef || v.StepID() != "step_1" {
		t.Fatalf("got %v %q", v.Kind(), v.StepID())
	}
	if !reflect.DeepEqual(v.Path(), []string{"images", "0", "url"}) {
		t.Errorf("Path = %v", v.Path())
	}
}

func TestParamsJSONKeepsOrder(t *testing.T) {
	src := `{"zeta":1,"alpha":"$step:a.b","mid":["$context:x",2]}`
	var p Params
	if err := json.Unmarshal([]byte(src), &p); err != nil {
		t.Fatal(err)
	}
	if got := p.Names(); !reflect.DeepEqual(got, []string{"zeta", "alpha", "mid"}) {
		t.Errorf("Names = %v", got)
	}
	if v, _ := p.Get("alpha"); v.Kind() != KindStepRef {
		t.Errorf("alpha kind = %v", v.Kind())
	}
	if v, _ := p.Get("mid"); v.Kind() != KindList || !v.IsReference() {
		t.Errorf("mid = %v", v.Kind())
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != src {
		t.Errorf("Marshal = %s, want %s", out, src)
	}
}

func TestOverrideImagesReplacesPlaceholder(t *testing.T) {
	params := map[string]any{"imageUrls": []any{"PLACEHOLDER"}, "style": "studio"}
	got, names := OverrideImages("generate_showcase", params, []string{"http://real/1.png"})
	if !reflect.DeepEqual(got["imageUrls"], []string{"http://real/1.png"}) {
		t.Errorf("imageUrls = %#v", got["imageUrls"])
	}
	if !reflect.DeepEqual(names, []string{"imageUrls"}) {
		t.Errorf("overridden = %v", names)
	}
	if _, ok := params["imageUrls"].([]any); !ok {
		t.Error("input map was mutated")
	}
}

func TestOverrideImagesKeepsQualifiedURLs(t *testing.T) {
	params := map[string]any{"sourceImages": []any{"https://cdn/a.png", "s3://bucket/b.png"}}
	got, names := OverrideImages("remove_background", params, []string{"http://real/1.png"})
	if names != nil {
		t.Errorf("overridden = %v, want none", names)
	}
	if !reflect.DeepEqual(got, params) {
		t.Errorf("params changed: %#v", got)
	}
}

func TestOverrideImagesSetsMissingParam(t *testing.T) {
	got, _ := OverrideImages("analyze_product_photo", map[string]any{}, []string{"http://real/1.png"})
	if !reflect.DeepEqual(got["imageUrls"], []string{"http://real/1.png"}) {
		t.Errorf("imageUrls = %#v", got["imageUrls"])
	}
}

func TestOverrideImagesIgnoresUnrelatedActions(t *testing.T) {
	params := map[string]any{"imageUrls": []any{"PLACEHOLDER"}}
	got, names := OverrideImages("update_price", params, []string{"http://real/1.png"})
	if names != nil || !reflect.DeepEqual(got, params) {
		t.Errorf("unrelated action overridden: %#v", got)
	}
	got, names = OverrideImages("generate_showcase", params, nil)
	if names != nil || !reflect.DeepEqual(got, params) {
		t.Errorf("no uploads but overridden: %#v", got)
	}
}
