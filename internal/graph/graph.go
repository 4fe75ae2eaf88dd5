package graph

import (
	"context"
	"path"
	"sort"
	"sync"
)

// ResolvedID is the outcome of resolving a module specifier.
type ResolvedID struct {
	ID       string
	External bool
	Meta     map[string]any
}

// Resolver resolves a specifier imported by the importer to a module id.
// It returns nil if nothing claims the specifier.
type Resolver interface {
	ResolveID(ctx context.Context, id string, importer string) (*ResolvedID, error)
}

// ModuleInfo is the analysis of a transformed module, applied by UpdateModuleInfo.
type ModuleInfo struct {
	// ImportedURLs are the served urls of the static and dynamic imports.
	ImportedURLs []string
	// ImportedNodes are extra dependencies already present in the graph, e.g. file-only entries.
	ImportedNodes []*ModuleNode
	// ImportedBindings maps an imported module id to the binding names used by the importer.
	ImportedBindings map[string]map[string]struct{}
	// AcceptedURLs are the deps passed to `import.meta.hot.accept`.
	AcceptedURLs []string
	// AcceptedExports are the names passed to `import.meta.hot.acceptExports`, nil if not used.
	AcceptedExports map[string]struct{}
	SelfAccepting   bool
}

// ModuleGraph tracks every module served to the browser, indexed by url, id and file.
type ModuleGraph struct {
	mu            sync.RWMutex
	resolver      Resolver
	urlToModule   map[string]*ModuleNode
	idToModule    map[string]*ModuleNode
	fileToModules map[string]map[*ModuleNode]struct{}
}

// New creates a module graph using the resolver to map urls to ids.
func New(resolver Resolver) *ModuleGraph {
	return &ModuleGraph{
		resolver:      resolver,
		urlToModule:   map[string]*ModuleNode{},
		idToModule:    map[string]*ModuleNode{},
		fileToModules: map[string]map[*ModuleNode]struct{}{},
	}
}

// ResolveURL canonicalizes the raw url and resolves it to a module id.
// The url gains the extension of the resolved id if it has none, so that
// `/src/main` and `/src/main.ts` map to the same node.
func (g *ModuleGraph) ResolveURL(ctx context.Context, rawURL string) (url string, resolved *ResolvedID, err error) {
	url = RemoveImportQuery(RemoveTimestampQuery(rawURL))
	if g.resolver != nil {
		resolved, err = g.resolver.ResolveID(ctx, url, "")
		if err != nil {
			return
		}
	}
	if resolved == nil {
		resolved = &ResolvedID{ID: url}
	}
	ext := path.Ext(CleanURL(resolved.ID))
	pathname, query := SplitQuery(url)
	// `/src/a.js` resolved to `a.ts` keeps its url
	if ext != "" && path.Ext(pathname) == "" {
		url = pathname + ext + query
	}
	return
}

// GetModuleByURL returns the module of the raw url, or nil if it is not in the graph.
func (g *ModuleGraph) GetModuleByURL(ctx context.Context, rawURL string) (*ModuleNode, error) {
	g.mu.RLock()
	mod, ok := g.urlToModule[RemoveImportQuery(RemoveTimestampQuery(rawURL))]
	g.mu.RUnlock()
	if ok {
		return mod, nil
	}
	url, _, err := g.ResolveURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.urlToModule[url], nil
}

// GetModuleByID returns the module of the resolved id.
func (g *ModuleGraph) GetModuleByID(id string) *ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idToModule[RemoveTimestampQuery(id)]
}

// GetModulesByFile returns all modules backed by the file, sorted by url.
func (g *ModuleGraph) GetModulesByFile(file string) []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	mods, ok := g.fileToModules[file]
	if !ok {
		return nil
	}
	return sortModules(keys(mods))
}

// Modules returns every module of the graph sorted by url.
func (g *ModuleGraph) Modules() []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[*ModuleNode]struct{}, len(g.urlToModule))
	for _, mod := range g.urlToModule {
		seen[mod] = struct{}{}
	}
	return sortModules(keys(seen))
}

// EnsureEntryFromURL returns the module of the raw url, creating it if needed.
// A new node starts as not self-accepting if setIsSelfAccepting is true, otherwise
// it stays unanalyzed until its first transform. An existing node keeps its state.
func (g *ModuleGraph) EnsureEntryFromURL(ctx context.Context, rawURL string, setIsSelfAccepting bool) (*ModuleNode, error) {
	url, resolved, err := g.ResolveURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if mod, ok := g.urlToModule[url]; ok {
		return mod, nil
	}
	// another url resolving to the same id shares the node
	if mod, ok := g.idToModule[resolved.ID]; ok {
		g.urlToModule[url] = mod
		return mod, nil
	}
	mod := newModuleNode(g, url, setIsSelfAccepting)
	mod.ID = resolved.ID
	mod.File = CleanURL(resolved.ID)
	mod.meta = resolved.Meta
	g.urlToModule[url] = mod
	g.idToModule[mod.ID] = mod
	g.addFileModule(mod.File, mod)
	return mod, nil
}

// CreateFileOnlyEntry returns a node for the file that is a dependency of another module
// but is never served by itself, e.g. a stylesheet pulled in by `@import`.
func (g *ModuleGraph) CreateFileOnlyEntry(file string) *ModuleNode {
	file = NormalizePath(file)
	url := "/@fs" + file

	g.mu.Lock()
	defer g.mu.Unlock()

	for mod := range g.fileToModules[file] {
		if mod.URL == url {
			return mod
		}
	}
	mod := newModuleNode(g, url, true)
	mod.File = file
	g.addFileModule(file, mod)
	return mod
}

func (g *ModuleGraph) addFileModule(file string, mod *ModuleNode) {
	mods, ok := g.fileToModules[file]
	if !ok {
		mods = map[*ModuleNode]struct{}{}
		g.fileToModules[file] = mods
	}
	mods[mod] = struct{}{}
}

// UpdateModuleInfo replaces the dependency edges and the HMR acceptance state of the module.
// It returns the previously imported modules that lost their last importer.
func (g *ModuleGraph) UpdateModuleInfo(ctx context.Context, mod *ModuleNode, info ModuleInfo) (noLongerImported []*ModuleNode, err error) {
	nextImports := make(map[*ModuleNode]struct{}, len(info.ImportedURLs)+len(info.ImportedNodes))
	for _, url := range info.ImportedURLs {
		dep, err := g.EnsureEntryFromURL(ctx, url, CanSkipImportAnalysis(url))
		if err != nil {
			return nil, err
		}
		nextImports[dep] = struct{}{}
	}
	for _, dep := range info.ImportedNodes {
		nextImports[dep] = struct{}{}
	}
	acceptedDeps := make(map[*ModuleNode]struct{}, len(info.AcceptedURLs))
	for _, url := range info.AcceptedURLs {
		dep, err := g.EnsureEntryFromURL(ctx, url, CanSkipImportAnalysis(url))
		if err != nil {
			return nil, err
		}
		acceptedDeps[dep] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if info.SelfAccepting {
		mod.selfAccepting = SelfAcceptingYes
	} else {
		mod.selfAccepting = SelfAcceptingNo
	}
	prevImports := mod.importedModules
	for dep := range nextImports {
		dep.importers[mod] = struct{}{}
	}
	for dep := range prevImports {
		if _, ok := nextImports[dep]; ok {
			continue
		}
		delete(dep.importers, mod)
		if len(dep.importers) == 0 {
			noLongerImported = append(noLongerImported, dep)
		}
	}
	mod.importedModules = nextImports
	mod.acceptedHMRDeps = acceptedDeps
	mod.acceptedHMRExports = info.AcceptedExports
	mod.importedBindings = info.ImportedBindings
	return sortModules(noLongerImported), nil
}

// SetTransformResult caches the result unless the module was invalidated after
// the transform started at the given timestamp. It reports whether the result was stored.
func (g *ModuleGraph) SetTransformResult(mod *ModuleNode, result *TransformResult, startedAt int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if startedAt <= mod.lastInvalidationTimestamp {
		return false
	}
	mod.transformResult = result
	return true
}

// SetLastHMRTimestamp stamps the module as hot-updated at the timestamp.
func (g *ModuleGraph) SetLastHMRTimestamp(mod *ModuleNode, timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mod.lastHMRTimestamp = timestamp
}

// OnFileChange invalidates every module backed by the file.
func (g *ModuleGraph) OnFileChange(file string, timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := map[*ModuleNode]struct{}{}
	for mod := range g.fileToModules[file] {
		g.invalidateModule(mod, seen, timestamp, false)
	}
}

// InvalidateModule drops the cached transform result of the module and, recursively,
// of every importer that does not accept hot updates of it. HMR invalidations stamp the
// last HMR timestamp, plain ones stamp the last invalidation timestamp.
func (g *ModuleGraph) InvalidateModule(mod *ModuleNode, seen map[*ModuleNode]struct{}, timestamp int64, isHMR bool) {
	if seen == nil {
		seen = map[*ModuleNode]struct{}{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateModule(mod, seen, timestamp, isHMR)
}

func (g *ModuleGraph) invalidateModule(mod *ModuleNode, seen map[*ModuleNode]struct{}, timestamp int64, isHMR bool) {
	if _, ok := seen[mod]; ok {
		return
	}
	seen[mod] = struct{}{}
	if isHMR {
		mod.lastHMRTimestamp = timestamp
	} else {
		mod.lastInvalidationTimestamp = timestamp
	}
	mod.transformResult = nil
	for importer := range mod.importers {
		if _, ok := importer.acceptedHMRDeps[mod]; !ok {
			g.invalidateModule(importer, seen, timestamp, isHMR)
		}
	}
}

// InvalidateAll drops every cached transform result.
func (g *ModuleGraph) InvalidateAll(timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := map[*ModuleNode]struct{}{}
	for _, mod := range g.idToModule {
		g.invalidateModule(mod, seen, timestamp, false)
	}
}

func sortModules(mods []*ModuleNode) []*ModuleNode {
	sort.Slice(mods, func(i, j int) bool {
		return mods[i].URL < mods[j].URL
	})
	return mods
}
