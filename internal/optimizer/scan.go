package optimizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/esm-dev/devserver/internal/htmlscript"
	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/errgroup"
)

// DepResolver resolves a bare import to the absolute path of its entry file.
type DepResolver func(id string, importer string) (string, bool)

var (
	regexpBareImport = regexp.MustCompile(`^[\w@][^:]`)
	regexpScanSkip   = regexp.MustCompile(`^(https?:|data:|/@)`)
	regexpAsset      = regexp.MustCompile(regexpExternalAsset)
)

// scanResult lists the bare imports found by crawling the entries.
type scanResult struct {
	// deps maps a dependency id to its resolved entry file.
	deps map[string]string
	// missing maps an unresolvable import to the file importing it.
	missing map[string]string
}

// globEntries expands the entry patterns relative to the root, skipping
// node_modules and the cache dir.
func globEntries(root string, cacheDir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"**/*.html"}
	}
	fsys := os.DirFS(root)
	seen := map[string]struct{}{}
	entries := []string{}
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, strings.TrimPrefix(pattern, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid entry pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			if strings.HasPrefix(match, "node_modules/") || strings.Contains(match, "/node_modules/") {
				continue
			}
			filename := filepath.Join(root, filepath.FromSlash(match))
			if cacheDir != "" && strings.HasPrefix(filename, cacheDir+string(os.PathSeparator)) {
				continue
			}
			if _, ok := seen[filename]; !ok {
				seen[filename] = struct{}{}
				entries = append(entries, filename)
			}
		}
	}
	sort.Strings(entries)
	return entries, nil
}

// scanImports crawls the entries with esbuild and collects the bare imports.
// Nothing is written, the build only walks the import graph of the project sources.
func scanImports(ctx context.Context, opts *Options, entries []string) (*scanResult, error) {
	result := &scanResult{deps: map[string]string{}, missing: map[string]string{}}
	var mu sync.Mutex

	exclude := make(map[string]struct{}, len(opts.Exclude))
	for _, id := range opts.Exclude {
		exclude[id] = struct{}{}
	}

	plugin := api.Plugin{
		Name: "dep-scan",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `\.html$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				filename := args.Path
				if !filepath.IsAbs(filename) {
					filename = filepath.Join(args.ResolveDir, filename)
				}
				return api.OnResolveResult{Path: filename, Namespace: "html"}, nil
			})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: "html"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				f, err := os.Open(args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				defer f.Close()
				scripts, err := htmlscript.ModuleScripts(f)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				var js strings.Builder
				for _, script := range scripts {
					if script.IsInline() {
						js.WriteString(script.Content)
						js.WriteByte('\n')
					} else {
						js.WriteString("import " + strconv.Quote(script.Src) + ";\n")
					}
				}
				contents := js.String()
				return api.OnLoadResult{
					Contents:   &contents,
					Loader:     api.LoaderTS,
					ResolveDir: filepath.Dir(args.Path),
				}, nil
			})
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveEntryPoint {
					return api.OnResolveResult{}, nil
				}
				if regexpScanSkip.MatchString(args.Path) || regexpAsset.MatchString(args.Path) {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				}
				// root absolute imports like `/src/main.ts`
				if strings.HasPrefix(args.Path, "/") {
					if _, err := os.Stat(args.Path); err != nil {
						return api.OnResolveResult{Path: filepath.Join(opts.Root, filepath.FromSlash(args.Path))}, nil
					}
					return api.OnResolveResult{}, nil
				}
				if !regexpBareImport.MatchString(args.Path) {
					return api.OnResolveResult{}, nil
				}
				id := args.Path
				if _, ok := exclude[id]; ok {
					return api.OnResolveResult{Path: id, External: true}, nil
				}
				resolved, ok := opts.ResolveDep(id, args.Importer)
				mu.Lock()
				defer mu.Unlock()
				if !ok {
					if _, ok := result.missing[id]; !ok {
						result.missing[id] = args.Importer
					}
					return api.OnResolveResult{Path: id, External: true}, nil
				}
				if isInNodeModules(resolved) {
					result.deps[id] = resolved
					return api.OnResolveResult{Path: id, External: true}, nil
				}
				// linked packages are crawled like the project sources
				return api.OnResolveResult{Path: resolved}, nil
			})
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ret := api.Build(api.BuildOptions{
				AbsWorkingDir: opts.Root,
				EntryPoints:   []string{entry},
				Bundle:        true,
				Write:         false,
				Format:        api.FormatESModule,
				Platform:      api.PlatformBrowser,
				LogLevel:      api.LogLevelSilent,
				Loader: map[string]api.Loader{
					".js": api.LoaderJSX,
				},
				Plugins: []api.Plugin{plugin},
			})
			if len(ret.Errors) > 0 {
				msg := ret.Errors[0].Text
				if loc := ret.Errors[0].Location; loc != nil {
					msg = fmt.Sprintf("%s (%s:%d:%d)", msg, loc.File, loc.Line, loc.Column)
				}
				return fmt.Errorf("failed to scan %s: %s", entry, msg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func isInNodeModules(filename string) bool {
	return strings.Contains(filepath.ToSlash(filename), "/node_modules/")
}
