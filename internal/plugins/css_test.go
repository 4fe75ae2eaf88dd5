package plugins

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/esm-dev/devserver/internal/graph"
)

func TestCSSModule(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/style.css":  "@import './base.css';\nbody { background: url(./img/bg.png) }",
		"src/base.css":   "html { margin: 0 }",
		"src/img/bg.png": "",
	})

	mod, code := s.mustTransform("/src/style.css")
	for _, want := range []string{"__hmr_updateStyle(", "/src/img/bg.png", "margin: 0", `__hmr_createHotContext("/src/style.css")`} {
		if !strings.Contains(code, want) {
			t.Errorf("missing %q in\n%s", want, code)
		}
	}
	if mod.SelfAccepting() != graph.SelfAcceptingYes {
		t.Fatal("css modules accept their own updates")
	}

	base := filepath.Join(s.root, "src", "base.css")
	mods := s.g.GetModulesByFile(base)
	if len(mods) != 1 || mods[0].URL != "/@fs"+filepath.ToSlash(base) {
		t.Fatalf("unexpected modules of the imported stylesheet %v", mods)
	}
	if !mod.Imports(mods[0]) {
		t.Fatal("the stylesheet should depend on its @import")
	}
}

func TestDirectCSS(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/style.css": "@import './base.css';\nbody { color: red }",
		"src/base.css":  "html { margin: 0 }",
	})
	mod, code := s.mustTransform("/src/style.css?direct")
	if strings.Contains(code, "import") || !strings.Contains(code, "color: red") {
		t.Fatalf("direct css should stay a stylesheet:\n%s", code)
	}
	if mod.Type != graph.ModuleTypeCSS || mod.SelfAccepting() != graph.SelfAcceptingYes {
		t.Fatalf("unexpected module %s type=%s", mod, mod.Type)
	}
	if len(mod.ImportedModules()) != 1 {
		t.Fatal("the stylesheet should depend on its @import")
	}
}

func TestCSSAssetURL(t *testing.T) {
	root := filepath.FromSlash("/app")
	for _, tc := range []struct {
		ref  string
		dir  string
		want string
	}{
		{"./a.png", "/app/src", "/src/a.png"},
		{"../fonts/f.woff2?v=2", "/app/src/css", "/src/fonts/f.woff2?v=2"},
		{"/public/a.png", "/app/src", "/public/a.png"},
		{"data:image/png;base64,AAA", "/app/src", "data:image/png;base64,AAA"},
		{"#filter", "/app/src", "#filter"},
		{"./a.png", "/other", "/@fs/other/a.png"},
	} {
		if got := cssAssetURL(root, tc.ref, filepath.FromSlash(tc.dir)); got != tc.want {
			t.Errorf("%s from %s: got %q, want %q", tc.ref, tc.dir, got, tc.want)
		}
	}
}
