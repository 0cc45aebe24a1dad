package registry

import (
	"strings"
	"testing"
)

func TestParseAndMatch(t *testing.T) {
	tmpl, err := ParseTemplate("/repos/:owner/:repo/contents/*path")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.StaticCount() != 2 || !tmpl.HasWildcard() {
		t.Errorf("statics=%d wildcard=%v", tmpl.StaticCount(), tmpl.HasWildcard())
	}

	params, ok := tmpl.Match(strings.Split("repos/acme/widgets/contents/src/main.go", "/"))
	if !ok {
		t.Fatal("expected match")
	}
	if params["owner"] != "acme" || params["repo"] != "widgets" || params["path"] != "src/main.go" {
		t.Errorf("params = %v", params)
	}

	if _, ok := tmpl.Match(strings.Split("repos/acme/widgets/issues/1", "/")); ok {
		t.Error("static segment mismatch should not match")
	}
	if _, ok := tmpl.Match(strings.Split("repos/acme/widgets/contents", "/")); ok {
		t.Error("wildcard needs at least one part")
	}
}

func TestMatchExactLength(t *testing.T) {
	tmpl, _ := ParseTemplate("/users/:id")
	if _, ok := tmpl.Match([]string{"users", "42"}); !ok {
		t.Error("expected match")
	}
	if _, ok := tmpl.Match([]string{"users", "42", "extra"}); ok {
		t.Error("extra segments should not match without wildcard")
	}
	if _, ok := tmpl.Match([]string{"users"}); ok {
		t.Error("missing segment should not match")
	}
}

func TestExpand(t *testing.T) {
	tmpl, _ := ParseTemplate("/v2/:bucket/objects/*key")
	got := tmpl.Expand(map[string]string{"bucket": "photos", "key": "2024/a.jpg"})
	if got != "/v2/photos/objects/2024/a.jpg" {
		t.Errorf("expand = %q", got)
	}

	root, _ := ParseTemplate("/")
	if root.Expand(nil) != "/" {
		t.Error("root template should expand to /")
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"no-leading-slash",
		"/a/*rest/b", // wildcard not final
		"/a/:",       // unnamed param
		"/a/*",       // unnamed wildcard
		"/a//b",      // empty segment
		"/a/:x/b/:x", // duplicate placeholder
	}
	for _, p := range bad {
		if _, err := ParseTemplate(p); err == nil {
			t.Errorf("%q should not parse", p)
		}
	}
}

func TestParamNames(t *testing.T) {
	tmpl, _ := ParseTemplate("/x/:a/y/*b")
	names := tmpl.ParamNames()
	if !names["a"] || !names["b"] || len(names) != 2 {
		t.Errorf("names = %v", names)
	}
}
