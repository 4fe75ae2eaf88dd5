package graph

// ModuleType is the kind of update a module produces when it is hot-updated.
type ModuleType string

const (
	ModuleTypeJS  ModuleType = "js"
	ModuleTypeCSS ModuleType = "css"
)

// SelfAccepting records whether a module calls `import.meta.hot.accept()` on itself.
// The zero value means the module has never been analyzed.
type SelfAccepting int8

const (
	SelfAcceptingUnknown SelfAccepting = iota
	SelfAcceptingNo
	SelfAcceptingYes
)

// TransformResult is the cached output of the transform pipeline.
type TransformResult struct {
	Code string
	Map  string
	Etag string
}

// ModuleNode is a single served module in the graph.
// URL, ID, File and Type are fixed at creation, every other field is guarded
// by the lock of the owning graph and must be read through its accessors.
type ModuleNode struct {
	URL  string
	ID   string
	File string
	Type ModuleType

	g                         *ModuleGraph
	meta                      map[string]any
	importers                 map[*ModuleNode]struct{}
	importedModules           map[*ModuleNode]struct{}
	acceptedHMRDeps           map[*ModuleNode]struct{}
	acceptedHMRExports        map[string]struct{}
	importedBindings          map[string]map[string]struct{}
	selfAccepting             SelfAccepting
	transformResult           *TransformResult
	lastHMRTimestamp          int64
	lastInvalidationTimestamp int64
}

func newModuleNode(g *ModuleGraph, url string, setIsSelfAccepting bool) *ModuleNode {
	mod := &ModuleNode{
		URL:             url,
		Type:            ModuleTypeJS,
		g:               g,
		importers:       map[*ModuleNode]struct{}{},
		importedModules: map[*ModuleNode]struct{}{},
		acceptedHMRDeps: map[*ModuleNode]struct{}{},
	}
	if IsDirectCSSRequest(url) {
		mod.Type = ModuleTypeCSS
	}
	if setIsSelfAccepting {
		mod.selfAccepting = SelfAcceptingNo
	}
	return mod
}

func (mod *ModuleNode) String() string {
	return mod.URL
}

// Importers returns the modules importing this module.
func (mod *ModuleNode) Importers() []*ModuleNode {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return sortModules(keys(mod.importers))
}

// ImportedModules returns the modules this module imports.
func (mod *ModuleNode) ImportedModules() []*ModuleNode {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return sortModules(keys(mod.importedModules))
}

// HasImporter reports whether the importer imports this module.
func (mod *ModuleNode) HasImporter(importer *ModuleNode) bool {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	_, ok := mod.importers[importer]
	return ok
}

// Imports reports whether this module imports dep.
func (mod *ModuleNode) Imports(dep *ModuleNode) bool {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	_, ok := mod.importedModules[dep]
	return ok
}

// AcceptsDep reports whether this module accepts hot updates of dep.
func (mod *ModuleNode) AcceptsDep(dep *ModuleNode) bool {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	_, ok := mod.acceptedHMRDeps[dep]
	return ok
}

// AcceptedHMRDeps returns the modules this module accepts hot updates for.
func (mod *ModuleNode) AcceptedHMRDeps() []*ModuleNode {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return sortModules(keys(mod.acceptedHMRDeps))
}

// AcceptedHMRExports returns the export names accepted by `import.meta.hot.acceptExports`,
// nil means the module does not use partial acceptance.
func (mod *ModuleNode) AcceptedHMRExports() map[string]struct{} {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	if mod.acceptedHMRExports == nil {
		return nil
	}
	exports := make(map[string]struct{}, len(mod.acceptedHMRExports))
	for name := range mod.acceptedHMRExports {
		exports[name] = struct{}{}
	}
	return exports
}

// ImportedBindingsFrom returns the binding names this module imports from the module id.
func (mod *ModuleNode) ImportedBindingsFrom(id string) (bindings []string, ok bool) {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	if mod.importedBindings == nil {
		return nil, false
	}
	set, ok := mod.importedBindings[id]
	if !ok {
		return nil, false
	}
	return keys(set), true
}

// SelfAccepting returns the self-accepting state of the module.
func (mod *ModuleNode) SelfAccepting() SelfAccepting {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return mod.selfAccepting
}

// Meta returns the metadata attached by the resolver.
func (mod *ModuleNode) Meta() map[string]any {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return mod.meta
}

// TransformResult returns the cached transform result, nil if the module is stale.
func (mod *ModuleNode) TransformResult() *TransformResult {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return mod.transformResult
}

// LastHMRTimestamp returns the time of the last hot update of the module in milliseconds.
func (mod *ModuleNode) LastHMRTimestamp() int64 {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return mod.lastHMRTimestamp
}

// LastInvalidationTimestamp returns the time of the last plain invalidation in milliseconds.
func (mod *ModuleNode) LastInvalidationTimestamp() int64 {
	mod.g.mu.RLock()
	defer mod.g.mu.RUnlock()
	return mod.lastInvalidationTimestamp
}

func keys[K comparable, V any](m map[K]V) []K {
	list := make([]K, 0, len(m))
	for k := range m {
		list = append(list, k)
	}
	return list
}
