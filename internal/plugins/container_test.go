package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/htmlscript"
	"github.com/esm-dev/devserver/internal/optimizer"
	"github.com/esm-dev/devserver/internal/transform"
)

type fakePruner struct {
	mu     sync.Mutex
	pruned []string
}

func (p *fakePruner) HandlePrunedModules(mods []*graph.ModuleNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mod := range mods {
		p.pruned = append(p.pruned, mod.URL)
	}
}

// fakeOptimizer pre-bundles every bare import to `<root>/.deps/<id>.js`.
type fakeOptimizer struct {
	depsDir string
	interop map[string]bool
}

func (o *fakeOptimizer) ShouldOptimize(id string) bool { return true }

func (o *fakeOptimizer) RegisterMissingImport(id string, resolved string) optimizer.DepInfo {
	return optimizer.DepInfo{ID: id, Src: resolved, File: filepath.Join(o.depsDir, id+".js"), BrowserHash: "abc123"}
}

func (o *fakeOptimizer) IsOptimizedDepFile(file string) bool {
	return strings.HasPrefix(file, o.depsDir+string(filepath.Separator))
}

func (o *fakeOptimizer) NeedsInterop(file string) bool {
	return o.interop[strings.TrimSuffix(filepath.Base(file), ".js")]
}

func (o *fakeOptimizer) LoadDep(ctx context.Context, file string, browserHash string) ([]byte, error) {
	if browserHash != "abc123" {
		return nil, optimizer.ErrOutdatedDep
	}
	return os.ReadFile(file)
}

type testServer struct {
	t      *testing.T
	root   string
	c      *Container
	g      *graph.ModuleGraph
	pruner *fakePruner
	opt    *fakeOptimizer
}

func newTestServer(t *testing.T, files map[string]string) *testServer {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		writeFile(t, filepath.Join(root, filepath.FromSlash(name)), content)
	}
	resolver, err := NewResolver(root, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	opt := &fakeOptimizer{depsDir: filepath.Join(root, ".deps"), interop: map[string]bool{}}
	c := New(Options{
		Root:      root,
		Resolver:  resolver,
		Optimizer: opt,
		Define:    map[string]string{"__APP_VERSION__": `"1.0.0"`},
	})
	g := graph.New(c)
	pruner := &fakePruner{}
	c.ConfigureServer(g, pruner)
	return &testServer{t: t, root: root, c: c, g: g, pruner: pruner, opt: opt}
}

func writeFile(t *testing.T, file string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// transform loads the url through the container and runs the transform hooks.
func (s *testServer) transform(url string) (*graph.ModuleNode, *transform.SourceDescription, error) {
	s.t.Helper()
	ctx := context.Background()
	mod, err := s.g.EnsureEntryFromURL(ctx, url, false)
	if err != nil {
		s.t.Fatal(err)
	}
	src, err := s.c.Load(ctx, mod.ID)
	if err != nil {
		return mod, nil, err
	}
	if src == nil {
		data, err := os.ReadFile(mod.File)
		if err != nil {
			s.t.Fatal(err)
		}
		src = &transform.SourceDescription{Code: string(data)}
	}
	out, err := s.c.Transform(ctx, mod, src)
	return mod, out, err
}

func (s *testServer) mustTransform(url string) (*graph.ModuleNode, string) {
	s.t.Helper()
	mod, out, err := s.transform(url)
	if err != nil {
		s.t.Fatalf("transform %s: %v", url, err)
	}
	return mod, out.Code
}

func (s *testServer) module(url string) *graph.ModuleNode {
	s.t.Helper()
	mod, err := s.g.GetModuleByURL(context.Background(), url)
	if err != nil || mod == nil {
		s.t.Fatalf("module %s not found: %v", url, err)
	}
	return mod
}

func TestPluginErrorsNameThePlugin(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/broken.ts": "export const = 1",
	})
	_, _, err := s.transform("/src/broken.ts")
	if err == nil {
		t.Fatal("expected a syntax error")
	}
	payload := transform.AsPayload(err)
	if payload.Err.Plugin != "esbuild" {
		t.Fatalf("unexpected plugin %q", payload.Err.Plugin)
	}
	if payload.Err.Loc == nil || payload.Err.Loc.Line != 1 {
		t.Fatalf("expected the location of the error, got %+v", payload.Err.Loc)
	}
}

func TestHTMLProxy(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"index.html": `<html><body>
<script type="module" src="/src/app.js"></script>
<script type="module">import { a } from "/src/a.js"; console.log(a)</script>
<script type="module" lang="ts">const n: number = 1; console.log(n)</script>
</body></html>`,
		"src/a.js":   "export const a = 1",
		"src/app.js": "",
	})

	_, code := s.mustTransform("/index.html?html-proxy&index=0.js")
	if !strings.Contains(code, `from "/src/a.js"`) {
		t.Fatalf("inline script imports are not rewritten:\n%s", code)
	}
	if !s.module("/index.html?html-proxy&index=0.js").Imports(s.module("/src/a.js")) {
		t.Fatal("inline script should import /src/a.js")
	}

	_, code = s.mustTransform("/index.html?html-proxy&index=1.ts")
	if strings.Contains(code, ": number") {
		t.Fatalf("typescript inline script is not compiled:\n%s", code)
	}

	_, _, err := s.transform("/index.html?html-proxy&index=2.js")
	if transform.ErrorCode(err) != transform.ErrCodeLoadURL {
		t.Fatalf("expected %s, got %v", transform.ErrCodeLoadURL, err)
	}
}

func TestJSONAndAssets(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/data.json": `{"name":"app","count":2}`,
		"src/logo.svg":  `<svg></svg>`,
	})

	_, code := s.mustTransform("/src/data.json")
	if !strings.Contains(code, "export default") || !strings.Contains(code, "name") {
		t.Fatalf("unexpected json module:\n%s", code)
	}

	src, err := s.c.Load(context.Background(), filepath.Join(s.root, "src", "logo.svg"))
	if err != nil {
		t.Fatal(err)
	}
	if src == nil || src.Code != `export default "/src/logo.svg"` {
		t.Fatalf("unexpected asset module %+v", src)
	}
}

func TestHTMLProxyURL(t *testing.T) {
	for _, tc := range []struct {
		lang string
		want string
	}{
		{"", "/index.html?html-proxy&index=3.js"},
		{"ts", "/index.html?html-proxy&index=3.ts"},
		{"tsx", "/index.html?html-proxy&index=3.tsx"},
	} {
		got := HTMLProxyURL("/index.html", htmlscript.Script{Content: "1", Index: 3, Lang: tc.lang})
		if got != tc.want {
			t.Errorf("lang %q: got %q, want %q", tc.lang, got, tc.want)
		}
	}
}
