package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/hmr"
	"github.com/esm-dev/devserver/internal/transform"
	"github.com/evanw/esbuild/pkg/api"
)

// hmrClientPath serves the browser runtime of the hot module replacement.
const hmrClientPath = "/@hmr"

var (
	regexpStaticImport     = regexp.MustCompile(`(?m)^[ \t]*(import|export)\s*([\w$\s{},*]*?)\s*from\s*"([^"\n]+)";?`)
	regexpSideEffectImport = regexp.MustCompile(`(?m)^[ \t]*import\s*"([^"\n]+)";?`)
	regexpDynamicImport    = regexp.MustCompile(`\bimport\(\s*"([^"\n]+)"\s*\)`)
	regexpHotUsage         = regexp.MustCompile(`\bimport\.meta\.hot\b`)
)

// importRecord is an import of the analyzed module, keyed by its rewritten url.
type importRecord struct {
	id  string
	dep bool
}

type importName struct {
	imported string
	local    string
}

type analysisMetafile struct {
	Outputs map[string]struct {
		Exports []string `json:"exports"`
	} `json:"outputs"`
}

// importAnalysisPlugin rewrites the imports of javascript modules to urls the
// browser can request, then records them in the module graph along with the
// `import.meta.hot` acceptance of the module.
func importAnalysisPlugin(c *Container, define map[string]string) Plugin {
	return Plugin{
		Name: "import-analysis",
		Transform: func(ctx context.Context, tc *TransformContext) error {
			g := c.server.graph
			if g == nil {
				return nil
			}
			mod := tc.Module
			if graph.IsDirectCSSRequest(mod.URL) {
				_, err := g.UpdateModuleInfo(ctx, mod, graph.ModuleInfo{
					ImportedNodes: fileOnlyEntries(g, tc.WatchFiles),
					SelfAccepting: true,
				})
				return err
			}
			if graph.CanSkipImportAnalysis(mod.URL) || (c.optimizer != nil && c.optimizer.IsOptimizedDepFile(mod.File)) {
				return nil
			}
			return c.analyzeImports(ctx, tc, define)
		},
	}
}

func (c *Container) analyzeImports(ctx context.Context, tc *TransformContext, define map[string]string) error {
	mod := tc.Module
	g := c.server.graph

	var (
		mu            sync.Mutex
		records       = map[string]importRecord{}
		unresolved    bool
		importerLabel = mod.File
	)
	if rel, err := filepath.Rel(c.root, mod.File); err == nil && !strings.HasPrefix(rel, "..") {
		importerLabel = filepath.ToSlash(rel)
	}

	defines := map[string]string{
		"import.meta.env.DEV":  "true",
		"import.meta.env.PROD": "false",
		"import.meta.env.MODE": `"development"`,
	}
	for k, v := range define {
		defines[k] = v
	}

	ret := api.Build(api.BuildOptions{
		AbsWorkingDir: c.root,
		Stdin: &api.StdinOptions{
			Contents:   withInputSourceMap(tc.Code, tc.Map),
			ResolveDir: filepath.Dir(mod.File),
			Sourcefile: mod.File,
			Loader:     api.LoaderJS,
		},
		Outfile:     filepath.Join(filepath.Dir(mod.File), "__analysis__.js"),
		Bundle:      true,
		TreeShaking: api.TreeShakingFalse,
		Format:      api.FormatESModule,
		Platform:    api.PlatformBrowser,
		Target:      api.ESNext,
		Define:      defines,
		Sourcemap:   api.SourceMapExternal,
		Charset:     api.CharsetUTF8,
		Metafile:    true,
		Write:       false,
		LogLevel:    api.LogLevelSilent,
		Plugins: []api.Plugin{{
			Name: "import-urls",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind == api.ResolveEntryPoint {
						return api.OnResolveResult{}, nil
					}
					spec := args.Path
					if spec == hmrClientPath || strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://") || strings.HasPrefix(spec, "data:") {
						return api.OnResolveResult{Path: spec, External: true, Namespace: "url"}, nil
					}
					url, rec, err := c.normalizeImport(ctx, spec, mod.ID, true)
					if err != nil {
						return api.OnResolveResult{}, err
					}
					if rec == nil {
						mu.Lock()
						unresolved = true
						mu.Unlock()
						return api.OnResolveResult{}, fmt.Errorf("Failed to resolve import %q from %q. Does the file exist?", spec, importerLabel)
					}
					mu.Lock()
					records[url] = *rec
					mu.Unlock()
					return api.OnResolveResult{Path: url, External: true, Namespace: "url"}, nil
				})
			},
		}},
	})
	if len(ret.Errors) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		terr := esbuildError(ret.Errors[0])
		if unresolved {
			terr.Code = transform.ErrCodeResolve
		}
		return terr
	}

	var code, sourceMap string
	for _, file := range ret.OutputFiles {
		switch {
		case strings.HasSuffix(file.Path, ".js.map"):
			sourceMap = string(file.Contents)
		case strings.HasSuffix(file.Path, ".js"):
			code = string(file.Contents)
		}
	}
	code = regexpSourceMappingURL.ReplaceAllString(code, "\n")

	code, importedURLs, bindings := c.rewriteImports(code, records)

	calls, err := hmr.ScanAcceptCalls(code)
	if err != nil {
		terr := &transform.Error{Message: err.Error(), ID: mod.ID}
		if lexErr, ok := err.(*hmr.LexError); ok {
			line, column := hmr.Position(code, lexErr.Pos)
			terr.Loc = &transform.Loc{File: mod.File, Line: line, Column: column}
			terr.Frame = hmr.CodeFrame(code, lexErr.Pos)
		}
		return terr
	}
	var acceptedURLs []string
	for i := len(calls.Deps) - 1; i >= 0; i-- {
		dep := calls.Deps[i]
		url, rec, err := c.normalizeImport(ctx, dep.URL, mod.ID, false)
		if err != nil {
			return err
		}
		if rec == nil {
			return &transform.Error{
				Code:    transform.ErrCodeResolve,
				ID:      mod.ID,
				Message: fmt.Sprintf("Failed to resolve accepted dependency %q from %q.", dep.URL, importerLabel),
			}
		}
		code = code[:dep.Start] + strconv.Quote(url) + code[dep.End:]
		acceptedURLs = append(acceptedURLs, url)
	}

	selfAccepting := calls.SelfAccepting
	var acceptedExports map[string]struct{}
	if calls.PartiallyAccept {
		acceptedExports = calls.Exports
		if !selfAccepting {
			var meta analysisMetafile
			if err := json.Unmarshal([]byte(ret.Metafile), &meta); err == nil {
				for path, out := range meta.Outputs {
					if !strings.HasSuffix(path, ".js") {
						continue
					}
					// a module without exports accepts all of them
					all := true
					for _, name := range out.Exports {
						if _, ok := acceptedExports[name]; !ok {
							all = false
							break
						}
					}
					selfAccepting = all
				}
			}
		}
	}

	hasHot := regexpHotUsage.MatchString(code)
	if hasHot {
		urlJSON, _ := json.Marshal(mod.URL)
		code = "import { createHotContext as __hmr_createHotContext } from \"" + hmrClientPath + "\";" +
			"import.meta.hot = __hmr_createHotContext(" + string(urlJSON) + ");" + code
	}

	pruned, err := g.UpdateModuleInfo(ctx, mod, graph.ModuleInfo{
		ImportedURLs:     importedURLs,
		ImportedNodes:    fileOnlyEntries(g, tc.WatchFiles),
		ImportedBindings: bindings,
		AcceptedURLs:     acceptedURLs,
		AcceptedExports:  acceptedExports,
		SelfAccepting:    selfAccepting,
	})
	if err != nil {
		return err
	}
	if hasHot && len(pruned) > 0 && c.server.pruner != nil {
		c.log.Debugf("[import-analysis] %s no longer imports %d modules", mod.URL, len(pruned))
		c.server.pruner.HandlePrunedModules(pruned)
	}

	tc.Code = code
	tc.Map = sourceMap
	return nil
}

// normalizeImport resolves the specifier imported by the module to the url the
// browser requests. It returns a nil record if nothing resolves the specifier.
func (c *Container) normalizeImport(ctx context.Context, spec string, importer string, withTimestamp bool) (string, *importRecord, error) {
	resolved, err := c.ResolveID(ctx, spec, importer)
	if err != nil || resolved == nil {
		return "", nil, err
	}
	if resolved.External {
		return resolved.ID, &importRecord{id: resolved.ID}, nil
	}
	file, query := graph.SplitQuery(resolved.ID)
	rec := &importRecord{id: resolved.ID, dep: c.optimizer != nil && c.optimizer.IsOptimizedDepFile(file)}
	url := fileURL(c.root, file) + query
	if graph.IsExplicitImportRequired(url) {
		url = graph.InjectQuery(url, "import")
	}
	if withTimestamp && !rec.dep && c.server.graph != nil {
		if dep := c.server.graph.GetModuleByID(resolved.ID); dep != nil && dep.LastHMRTimestamp() > 0 {
			url = graph.InjectQuery(url, "t="+strconv.FormatInt(dep.LastHMRTimestamp(), 10))
		}
	}
	return url, rec, nil
}

// rewriteImports collects the imported urls and bindings of the code and rewrites
// the imports of pre-bundled commonjs dependencies to read their default export.
// Every rewrite stays on the lines of the statement it replaces.
func (c *Container) rewriteImports(code string, records map[string]importRecord) (string, []string, map[string]map[string]struct{}) {
	var (
		importedURLs []string
		seen         = map[string]bool{}
		bindings     = map[string]map[string]struct{}{}
	)
	addURL := func(url string) (importRecord, bool) {
		rec, ok := records[url]
		if !ok {
			return rec, false
		}
		if !seen[url] {
			seen[url] = true
			importedURLs = append(importedURLs, url)
		}
		if _, ok := bindings[rec.id]; !ok {
			bindings[rec.id] = map[string]struct{}{}
		}
		return rec, true
	}
	interop := func(rec importRecord) bool {
		return rec.dep && c.optimizer != nil && c.optimizer.NeedsInterop(graph.CleanURL(rec.id))
	}

	type edit struct {
		start, end int
		text       string
	}
	var edits []edit

	for i, loc := range regexpStaticImport.FindAllStringSubmatchIndex(code, -1) {
		kind, clause, url := code[loc[2]:loc[3]], code[loc[4]:loc[5]], code[loc[6]:loc[7]]
		rec, ok := addURL(url)
		if !ok {
			continue
		}
		def, ns, named := parseImportClause(clause)
		set := bindings[rec.id]
		if def != "" {
			set["default"] = struct{}{}
		}
		if ns != "" {
			set["*"] = struct{}{}
		}
		for _, n := range named {
			set[n.imported] = struct{}{}
		}
		if kind == "import" && interop(rec) {
			stmt := code[loc[2]:loc[1]]
			text := interopImport(i, url, def, ns, named) + strings.Repeat("\n", strings.Count(stmt, "\n"))
			edits = append(edits, edit{loc[2], loc[1], text})
		}
	}
	for _, m := range regexpSideEffectImport.FindAllStringSubmatch(code, -1) {
		addURL(m[1])
	}
	for _, loc := range regexpDynamicImport.FindAllStringSubmatchIndex(code, -1) {
		url := code[loc[2]:loc[3]]
		rec, ok := addURL(url)
		if !ok {
			continue
		}
		bindings[rec.id]["*"] = struct{}{}
		if interop(rec) {
			edits = append(edits, edit{loc[1], loc[1], ".then((m) => m.default && m.default.__esModule ? m.default : ({ ...m.default, default: m.default }))"})
		}
	}

	if len(edits) == 0 {
		return code, importedURLs, bindings
	}
	// edits never overlap, apply them back to front
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	for _, e := range edits {
		code = code[:e.start] + e.text + code[e.end:]
	}
	return code, importedURLs, bindings
}

// parseImportClause splits `def, { a as b }` or `* as ns` into its bindings.
// A bare `*` (from `export *`) is returned as the namespace.
func parseImportClause(clause string) (def string, ns string, named []importName) {
	clause = strings.TrimSpace(clause)
	if i := strings.IndexByte(clause, '{'); i >= 0 {
		j := strings.LastIndexByte(clause, '}')
		if j < i {
			j = len(clause)
		}
		for _, item := range strings.Split(clause[i+1:j], ",") {
			fields := strings.Fields(item)
			switch {
			case len(fields) == 1:
				named = append(named, importName{imported: fields[0], local: fields[0]})
			case len(fields) == 3 && fields[1] == "as":
				named = append(named, importName{imported: fields[0], local: fields[2]})
			}
		}
		clause = clause[:i]
	}
	for _, part := range strings.Split(clause, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "*"):
			ns = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part[1:]), "as"))
			if ns == "" {
				ns = "*"
			}
		default:
			def = part
		}
	}
	return
}

func interopImport(index int, url string, def string, ns string, named []importName) string {
	local := "__cjsImport" + strconv.Itoa(index)
	defaultExpr := local + ".__esModule ? " + local + ".default : " + local
	var b strings.Builder
	fmt.Fprintf(&b, "import %s from %s;", local, strconv.Quote(url))
	if def != "" {
		fmt.Fprintf(&b, " const %s = %s;", def, defaultExpr)
	}
	if ns != "" && ns != "*" {
		fmt.Fprintf(&b, " const %s = %s;", ns, local)
	}
	for _, n := range named {
		if n.imported == "default" {
			fmt.Fprintf(&b, " const %s = %s;", n.local, defaultExpr)
		} else {
			fmt.Fprintf(&b, " const %s = %s[%s];", n.local, local, strconv.Quote(n.imported))
		}
	}
	return b.String()
}

func fileOnlyEntries(g *graph.ModuleGraph, files []string) []*graph.ModuleNode {
	if len(files) == 0 {
		return nil
	}
	nodes := make([]*graph.ModuleNode, 0, len(files))
	for _, file := range files {
		nodes = append(nodes, g.CreateFileOnlyEntry(file))
	}
	return nodes
}
