package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/npm"
	logx "github.com/ije/gox/log"
	"github.com/ije/gox/utils"
)

// DefaultExtensions are probed when an import omits the file extension.
var DefaultExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".json", ".css"}

// Resolver maps import specifiers to files of the project and of node_modules.
type Resolver struct {
	root       string
	extensions []string
	optimizer  Optimizer
	cache      *ristretto.Cache
	pkgLock    utils.KeyedMutex
	log        *logx.Logger
}

// NewResolver creates a resolver for the project root.
func NewResolver(root string, extensions []string, logger *logx.Logger) (*Resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Resolver{root: root, extensions: extensions, cache: cache, log: logger}, nil
}

// ClearCache drops every cached resolution.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
	r.cache.Wait()
}

// ResolveDep resolves a bare import to the entry file of its package.
func (r *Resolver) ResolveDep(id string, importer string) (string, bool) {
	file, err := r.resolveBare(id, importer)
	if err != nil {
		r.log.Debugf("[resolve] %s: %v", id, err)
		return "", false
	}
	return file, file != ""
}

func (r *Resolver) plugin() Plugin {
	return Plugin{Name: "resolve", ResolveID: r.resolveID}
}

func (r *Resolver) resolveID(ctx context.Context, id string, importer string) (*graph.ResolvedID, error) {
	switch {
	case id == hmrClientPath:
		return nil, nil
	case strings.HasPrefix(id, "http://"), strings.HasPrefix(id, "https://"), strings.HasPrefix(id, "data:"):
		return &graph.ResolvedID{ID: id, External: true}, nil
	case strings.HasPrefix(id, "/@fs/"):
		pathname, query := graph.SplitQuery(id)
		if file := r.probe(filepath.FromSlash(strings.TrimPrefix(pathname, "/@fs"))); file != "" {
			return &graph.ResolvedID{ID: file + query}, nil
		}
		return nil, nil
	case strings.HasPrefix(id, "/"):
		pathname, query := graph.SplitQuery(id)
		file := filepath.Join(r.root, filepath.FromSlash(pathname))
		// pre-bundles may not be written yet
		if r.optimizer != nil && r.optimizer.IsOptimizedDepFile(file) {
			return &graph.ResolvedID{ID: file + query}, nil
		}
		if found := r.probe(file); found != "" {
			return &graph.ResolvedID{ID: found + query}, nil
		}
		return nil, nil
	case strings.HasPrefix(id, "./"), strings.HasPrefix(id, "../"), id == ".", id == "..":
		pathname, query := graph.SplitQuery(id)
		if found := r.probe(filepath.Join(r.importerDir(importer), filepath.FromSlash(pathname))); found != "" {
			return &graph.ResolvedID{ID: found + query}, nil
		}
		return nil, nil
	}

	pkgName, _ := npm.SplitPackagePath(id)
	if !npm.ValidatePackageName(pkgName) {
		return nil, nil
	}
	file, err := r.resolveBare(id, importer)
	if err != nil || file == "" {
		return nil, err
	}
	if r.optimizer != nil && r.optimizer.ShouldOptimize(id) && isInNodeModules(file) && graph.IsJSRequest(file) {
		info := r.optimizer.RegisterMissingImport(id, file)
		return &graph.ResolvedID{ID: info.File + "?v=" + info.BrowserHash}, nil
	}
	return &graph.ResolvedID{ID: file}, nil
}

func (r *Resolver) importerDir(importer string) string {
	if importer == "" {
		return r.root
	}
	return filepath.Dir(graph.CleanURL(importer))
}

// resolveBare finds the package of the bare import in the closest node_modules.
func (r *Resolver) resolveBare(id string, importer string) (string, error) {
	dir := r.importerDir(importer)
	key := dir + "\x00" + id
	if v, ok := r.cache.Get(key); ok {
		return v.(string), nil
	}

	pkgName, subPath := npm.SplitPackagePath(id)
	for {
		pkgDir := filepath.Join(dir, "node_modules", filepath.FromSlash(pkgName))
		if fi, err := os.Stat(pkgDir); err == nil && fi.IsDir() {
			pkg, err := r.readPackage(pkgDir)
			if err != nil && !os.IsNotExist(err) {
				return "", err
			}
			var entry string
			if pkg != nil {
				var ok bool
				entry, ok = pkg.ResolveEntry(subPath, npm.BrowserConditions)
				if !ok {
					return "", fmt.Errorf("missing \"./%s\" specifier in %q package", subPath, pkgName)
				}
			} else {
				entry = subPath
			}
			file := r.probe(filepath.Join(pkgDir, filepath.FromSlash(entry)))
			if file == "" {
				return "", fmt.Errorf("could not find the entry %q of %q", entry, pkgName)
			}
			r.cache.Set(key, file, 1)
			return file, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (r *Resolver) readPackage(dir string) (*npm.PackageJSON, error) {
	key := "pkg:" + dir
	if v, ok := r.cache.Get(key); ok {
		return v.(*npm.PackageJSON), nil
	}
	unlock := r.pkgLock.Lock(dir)
	defer unlock()
	if v, ok := r.cache.Get(key); ok {
		return v.(*npm.PackageJSON), nil
	}
	pkg, err := npm.ReadPackageJSON(dir)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, pkg, 1)
	r.cache.Wait()
	return pkg, nil
}

// probe returns the file the path refers to, trying the known extensions and
// directory indexes, or an empty string.
func (r *Resolver) probe(file string) string {
	if fi, err := os.Stat(file); err == nil {
		if !fi.IsDir() {
			return file
		}
		if pkg, err := r.readPackage(file); err == nil {
			if entry, ok := pkg.ResolveEntry("", npm.BrowserConditions); ok {
				if found := r.probeFile(filepath.Join(file, filepath.FromSlash(entry))); found != "" {
					return found
				}
			}
		}
		return r.probeFile(filepath.Join(file, "index"))
	}
	return r.probeFile(file)
}

func (r *Resolver) probeFile(file string) string {
	if fi, err := os.Stat(file); err == nil && !fi.IsDir() {
		return file
	}
	for _, ext := range r.extensions {
		if fi, err := os.Stat(file + ext); err == nil && !fi.IsDir() {
			return file + ext
		}
	}
	// `./a.js` may refer to `./a.ts`
	ext := filepath.Ext(file)
	var candidates []string
	switch ext {
	case ".js":
		candidates = []string{".ts", ".tsx"}
	case ".jsx":
		candidates = []string{".tsx"}
	case ".mjs":
		candidates = []string{".mts"}
	}
	for _, c := range candidates {
		alt := strings.TrimSuffix(file, ext) + c
		if fi, err := os.Stat(alt); err == nil && !fi.IsDir() {
			return alt
		}
	}
	return ""
}

func isInNodeModules(file string) bool {
	return strings.Contains(filepath.ToSlash(file), "/node_modules/")
}
