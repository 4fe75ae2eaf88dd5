package npm

import (
	"path"
	"strings"

	"github.com/ije/gox/utils"
	"github.com/ije/gox/valid"
)

var Naming = valid.Validator{valid.Range{'a', 'z'}, valid.Range{'A', 'Z'}, valid.Range{'0', '9'}, valid.Eq('_'), valid.Eq('.'), valid.Eq('-'), valid.Eq('+'), valid.Eq('$'), valid.Eq('!')}

// BrowserConditions are the export conditions matched for browser modules, in priority order.
var BrowserConditions = []string{"browser", "import", "module", "development", "default"}

// ValidatePackageName validates the package name.
// based on https://github.com/npm/validate-npm-package-name
func ValidatePackageName(pkgName string) bool {
	if l := len(pkgName); l == 0 || l > 214 {
		return false
	}
	if strings.HasPrefix(pkgName, "@") {
		scope, name := utils.SplitByFirstByte(pkgName, '/')
		return Naming.Match(scope[1:]) && Naming.Match(name)
	}
	return Naming.Match(pkgName)
}

// SplitPackagePath splits a bare import into the package name and the subpath,
// e.g. "@vue/shared/dist/x.js" -> ("@vue/shared", "dist/x.js").
func SplitPackagePath(id string) (pkgName string, subPath string) {
	segments := strings.Split(id, "/")
	n := 1
	if strings.HasPrefix(id, "@") && len(segments) > 1 {
		n = 2
	}
	if len(segments) < n {
		return id, ""
	}
	return strings.Join(segments[:n], "/"), strings.Join(segments[n:], "/")
}

// ResolveEntry returns the file of the package that a browser import of the
// subpath maps to, relative to the package dir.
func (p *PackageJSON) ResolveEntry(subPath string, conditions []string) (string, bool) {
	if p.Exports.Len() > 0 {
		return p.resolveExports(subPath, conditions)
	}
	if subPath != "" {
		if remap, ok := p.Browser["./"+subPath]; ok {
			return remap, remap != ""
		}
		return "./" + subPath, true
	}
	if remap, ok := p.Browser["."]; ok && remap != "" {
		return remap, true
	}
	for _, entry := range []string{p.Module, p.Main} {
		if entry == "" {
			continue
		}
		if remap, ok := p.Browser[normalizeRelPath(entry)]; ok && remap != "" {
			return remap, true
		}
		return entry, true
	}
	return "./index.js", true
}

func (p *PackageJSON) resolveExports(subPath string, conditions []string) (string, bool) {
	key := "."
	if subPath != "" {
		key = "./" + subPath
	}
	// `exports: {"import": "./x.mjs", ...}` is the "." entry
	if !strings.HasPrefix(p.Exports.Keys()[0], ".") {
		if key != "." {
			return "", false
		}
		return matchConditions(p.Exports, conditions, "")
	}
	if v, ok := p.Exports.Get(key); ok {
		return resolveTarget(v, conditions, "")
	}
	// the longest matching wildcard wins
	best := ""
	bestValue := any(nil)
	star := ""
	for _, k := range p.Exports.Keys() {
		prefix, suffix, ok := strings.Cut(k, "*")
		if !ok || !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) || len(key) < len(prefix)+len(suffix) {
			continue
		}
		if len(prefix) > len(best) {
			best = prefix
			bestValue, _ = p.Exports.Get(k)
			star = key[len(prefix) : len(key)-len(suffix)]
		}
	}
	if bestValue == nil {
		return "", false
	}
	return resolveTarget(bestValue, conditions, star)
}

func resolveTarget(v any, conditions []string, star string) (string, bool) {
	switch v := v.(type) {
	case string:
		return strings.ReplaceAll(v, "*", star), true
	case JSONObject:
		return matchConditions(v, conditions, star)
	case []any:
		for _, item := range v {
			if s, ok := resolveTarget(item, conditions, star); ok {
				return s, true
			}
		}
	}
	return "", false
}

func matchConditions(obj JSONObject, conditions []string, star string) (string, bool) {
	// object key order decides the priority, conditions only filter
	for _, key := range obj.Keys() {
		for _, c := range conditions {
			if key == c {
				v, _ := obj.Get(key)
				if s, ok := resolveTarget(v, conditions, star); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

func normalizeRelPath(s string) string {
	if strings.HasPrefix(s, "./") {
		return s
	}
	return "./" + path.Clean(s)
}
