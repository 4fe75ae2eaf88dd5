package hmr

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"testing"

	"github.com/esm-dev/devserver/internal/graph"
)

type testResolver struct{}

func (testResolver) ResolveID(ctx context.Context, id string, importer string) (*graph.ResolvedID, error) {
	return &graph.ResolvedID{ID: path.Join("/project", graph.CleanURL(id))}, nil
}

type recorder struct {
	mu       sync.Mutex
	payloads []Payload
}

func (r *recorder) Send(p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recorder) only(t *testing.T) Payload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) != 1 {
		t.Fatalf("expected exactly one payload, got %d: %v", len(r.payloads), r.payloads)
	}
	return r.payloads[0]
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	graph  *graph.ModuleGraph
	ws     *recorder
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	g := graph.New(testResolver{})
	ws := &recorder{}
	engine := NewEngine(Options{Root: "/project", Graph: g, Broadcaster: ws, ConfigFiles: []string{"/project/devserver.json"}})
	engine.now = func() int64 { return 1700000000000 }
	return &fixture{t: t, ctx: context.Background(), graph: g, ws: ws, engine: engine}
}

// module registers an analyzed module.
func (f *fixture) module(url string, info graph.ModuleInfo) *graph.ModuleNode {
	f.t.Helper()
	mod, err := f.graph.EnsureEntryFromURL(f.ctx, url, true)
	if err != nil {
		f.t.Fatal(err)
	}
	if _, err := f.graph.UpdateModuleInfo(f.ctx, mod, info); err != nil {
		f.t.Fatal(err)
	}
	return mod
}

func imports(urls ...string) graph.ModuleInfo {
	return graph.ModuleInfo{ImportedURLs: urls}
}

func TestSelfAcceptingBoundary(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", imports("/src/comp.js"))
	comp := f.module("/src/comp.js", graph.ModuleInfo{SelfAccepting: true})

	f.engine.HandleFileChange(comp.File)

	p, ok := f.ws.only(t).(UpdatePayload)
	if !ok {
		t.Fatalf("expected an update payload, got %#v", f.ws.payloads[0])
	}
	if len(p.Updates) != 1 {
		t.Fatalf("expected 1 update, got %v", p.Updates)
	}
	u := p.Updates[0]
	if u.Type != "js-update" || u.Path != "/src/comp.js" || u.AcceptedPath != "/src/comp.js" || u.Timestamp != 1700000000000 {
		t.Fatalf("unexpected update %+v", u)
	}
	if comp.LastHMRTimestamp() != 1700000000000 {
		t.Fatal("changed module should be stamped")
	}
}

func TestAcceptedDepBoundary(t *testing.T) {
	f := newFixture(t)
	main := f.module("/src/main.js", graph.ModuleInfo{
		ImportedURLs: []string{"/src/dep.js"},
		AcceptedURLs: []string{"/src/dep.js"},
	})
	dep := f.module("/src/dep.js", graph.ModuleInfo{})
	f.graph.SetTransformResult(main, &graph.TransformResult{Code: "main"}, 1)

	f.engine.HandleFileChange(dep.File)

	p := f.ws.only(t).(UpdatePayload)
	if len(p.Updates) != 1 || p.Updates[0].Path != "/src/main.js" || p.Updates[0].AcceptedPath != "/src/dep.js" {
		t.Fatalf("unexpected updates %+v", p.Updates)
	}
	if main.TransformResult() == nil {
		t.Fatal("accepting importer should not be invalidated")
	}
}

func TestDeadEndTurnsBatchIntoSingleReload(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", imports("/src/comp.js"))
	comp := f.module("/src/comp.js", graph.ModuleInfo{SelfAccepting: true})
	orphan := f.module("/src/orphan.js", graph.ModuleInfo{})

	f.engine.UpdateModules("src/x.js", []*graph.ModuleNode{comp, orphan}, 1700000000000)

	if _, ok := f.ws.only(t).(ReloadPayload); !ok {
		t.Fatalf("expected a single reload, got %#v", f.ws.payloads)
	}
	if orphan.LastHMRTimestamp() != 1700000000000 || comp.LastHMRTimestamp() != 1700000000000 {
		t.Fatal("every module of the batch should be invalidated")
	}
}

func TestCircularImportReloads(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", imports("/src/a.js"))
	f.module("/src/a.js", imports("/src/b.js"))
	b := f.module("/src/b.js", imports("/src/a.js"))

	f.engine.HandleFileChange(b.File)

	if _, ok := f.ws.only(t).(ReloadPayload); !ok {
		t.Fatalf("expected a reload, got %#v", f.ws.payloads)
	}
}

func TestDiamondIsNotACycle(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", graph.ModuleInfo{ImportedURLs: []string{"/src/left.js", "/src/right.js"}, SelfAccepting: true})
	f.module("/src/left.js", imports("/src/shared.js"))
	f.module("/src/right.js", imports("/src/shared.js"))
	shared := f.module("/src/shared.js", graph.ModuleInfo{})

	f.engine.HandleFileChange(shared.File)

	p, ok := f.ws.only(t).(UpdatePayload)
	if !ok {
		t.Fatalf("expected an update, got %#v", f.ws.payloads)
	}
	if len(p.Updates) != 1 || p.Updates[0].Path != "/src/main.js" {
		t.Fatalf("unexpected updates %+v", p.Updates)
	}
}

func TestNotAnalyzedModuleReloads(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", imports("/src/lazy.js"))
	lazy, _ := f.graph.GetModuleByURL(f.ctx, "/src/lazy.js")

	f.engine.HandleFileChange(lazy.File)

	if _, ok := f.ws.only(t).(ReloadPayload); !ok {
		t.Fatalf("expected a reload, got %#v", f.ws.payloads)
	}
}

func TestPartiallyAcceptedExports(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", graph.ModuleInfo{
		ImportedURLs: []string{"/src/store.js"},
		ImportedBindings: map[string]map[string]struct{}{
			"/project/src/store.js": {"count": {}},
		},
	})
	store := f.module("/src/store.js", graph.ModuleInfo{AcceptedExports: map[string]struct{}{"count": {}}})

	f.engine.HandleFileChange(store.File)

	p, ok := f.ws.only(t).(UpdatePayload)
	if !ok {
		t.Fatalf("expected an update, got %#v", f.ws.payloads)
	}
	if len(p.Updates) != 1 || p.Updates[0].Path != "/src/store.js" {
		t.Fatalf("unexpected updates %+v", p.Updates)
	}
}

func TestCSSOnlyImportersIsDeadEnd(t *testing.T) {
	f := newFixture(t)
	f.module("/src/style.css", graph.ModuleInfo{ImportedURLs: []string{"/tailwind.config.js"}, SelfAccepting: true})
	config := f.module("/tailwind.config.js", graph.ModuleInfo{})

	f.engine.HandleFileChange(config.File)

	if _, ok := f.ws.only(t).(ReloadPayload); !ok {
		t.Fatalf("expected a reload, got %#v", f.ws.payloads)
	}
}

func TestHookReplacesAffectedModules(t *testing.T) {
	f := newFixture(t)
	f.module("/src/main.js", imports("/src/app.vue", "/src/style.js"))
	app := f.module("/src/app.vue", graph.ModuleInfo{})
	style := f.module("/src/style.js", graph.ModuleInfo{SelfAccepting: true})

	f.engine.AddHook(func(ctx *HotUpdateContext) ([]*graph.ModuleNode, bool) {
		if ctx.File != app.File {
			return nil, false
		}
		return []*graph.ModuleNode{style}, true
	})
	f.engine.HandleFileChange(app.File)

	p, ok := f.ws.only(t).(UpdatePayload)
	if !ok || len(p.Updates) != 1 || p.Updates[0].Path != "/src/style.js" {
		t.Fatalf("expected the update of the module returned by the hook, got %#v", f.ws.payloads)
	}
}

func TestConfigAndHTMLChanges(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleFileChange("/project/devserver.json")
	if p, ok := f.ws.only(t).(ReloadPayload); !ok || p.Path != "*" {
		t.Fatalf("expected a reload of every page, got %#v", f.ws.payloads)
	}

	f = newFixture(t)
	f.engine.HandleFileChange("/project/about/index.html")
	if p, ok := f.ws.only(t).(ReloadPayload); !ok || p.Path != "/about/index.html" {
		t.Fatalf("expected a reload of the page, got %#v", f.ws.payloads)
	}
}

func TestPruneAndProtocol(t *testing.T) {
	f := newFixture(t)
	main := f.module("/src/main.js", imports("/src/old.js"))
	f.module("/src/old.js", graph.ModuleInfo{})

	pruned, err := f.graph.UpdateModuleInfo(f.ctx, main, graph.ModuleInfo{})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.HandlePrunedModules(pruned)

	p := f.ws.only(t)
	data, err := Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["type"] != "prune" {
		t.Fatalf("unexpected payload %s", data)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if pp, ok := decoded.(PrunePayload); !ok || len(pp.Paths) != 1 || pp.Paths[0] != "/src/old.js" {
		t.Fatalf("unexpected decoded payload %#v", decoded)
	}

	data, _ = Marshal(ConnectedPayload{})
	if string(data) != `{"type":"connected"}` {
		t.Fatalf("unexpected connected payload %s", data)
	}
}
