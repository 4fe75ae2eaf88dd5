package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/ije/esbuild-internal/xxhash"
)

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"es2023": api.ES2023,
	"es2024": api.ES2024,
	"esnext": api.ESNext,
}

// lockfiles change the config fingerprint when dependencies are installed.
var lockfiles = []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "bun.lock", "bun.lockb"}

// ResolvedConfig is the configuration with every path absolute and every
// default applied. It is never mutated after Resolve.
type ResolvedConfig struct {
	Root            string
	Base            string
	Host            string
	Port            int
	Open            bool
	CacheDir        string
	LogLevel        string
	LogDir          string
	HMR             bool
	Target          api.Target
	TargetName      string
	JSXImportSource string
	Define          map[string]string
	ConfigFile      string

	FS           ResolvedFS
	OptimizeDeps ResolvedOptimizeDeps
	WatchIgnored []string
}

// ResolvedFS restricts file serving.
type ResolvedFS struct {
	Strict bool
	// Allow holds absolute dirs or globs.
	Allow []string
	Deny  []string
}

// ResolvedOptimizeDeps configures the dependency optimizer.
type ResolvedOptimizeDeps struct {
	Entries  []string
	Include  []string
	Exclude  []string
	Force    bool
	Disabled bool
	Debounce time.Duration
}

// Resolve builds the resolved configuration.
func Resolve(cfg *Config) (*ResolvedConfig, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", cfg.Root)
	}

	targetName := strings.ToLower(cfg.Target)
	if targetName == "" {
		targetName = "es2020"
	}
	target, ok := targets[targetName]
	if !ok {
		return nil, fmt.Errorf("invalid target %q", cfg.Target)
	}

	port := cfg.Port
	if port <= 0 {
		port = 5173
	}
	if port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "node_modules/.devserver"
	}
	cacheDir = absPath(root, cacheDir)

	logDir := cfg.LogDir
	if logDir != "" {
		logDir = absPath(root, logDir)
	}

	allow := []string{root}
	for _, p := range cfg.FS.Allow {
		allow = append(allow, absPath(root, p))
	}
	allow = append(allow, cacheDir)

	for _, patterns := range [][]string{cfg.FS.Deny, cfg.OptimizeDeps.Entries, cfg.Watch.Ignored} {
		for _, pattern := range patterns {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid glob pattern %q", pattern)
			}
		}
	}

	ignored := append([]string{"**/.git/**", "**/node_modules/**"}, cfg.Watch.Ignored...)

	debounce := time.Duration(cfg.OptimizeDeps.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	return &ResolvedConfig{
		Root:            root,
		Base:            normalizeBase(cfg.Base),
		Host:            cfg.Host,
		Port:            port,
		Open:            cfg.Open,
		CacheDir:        cacheDir,
		LogLevel:        cfg.LogLevel,
		LogDir:          logDir,
		HMR:             cfg.HMR,
		Target:          target,
		TargetName:      targetName,
		JSXImportSource: cfg.JSXImportSource,
		Define:          flattenDefine("", cfg.Define, map[string]string{}),
		ConfigFile:      cfg.ConfigFile,
		FS: ResolvedFS{
			Strict: cfg.FS.Strict,
			Allow:  allow,
			Deny:   append([]string{}, cfg.FS.Deny...),
		},
		OptimizeDeps: ResolvedOptimizeDeps{
			Entries:  append([]string{}, cfg.OptimizeDeps.Entries...),
			Include:  append([]string{}, cfg.OptimizeDeps.Include...),
			Exclude:  append([]string{}, cfg.OptimizeDeps.Exclude...),
			Force:    cfg.OptimizeDeps.Force,
			Disabled: cfg.OptimizeDeps.Disabled,
			Debounce: debounce,
		},
		WatchIgnored: ignored,
	}, nil
}

// Fingerprint hashes the lockfiles of the project with the options affecting
// the pre-bundled dependencies. A cache built under another fingerprint is stale.
func (c *ResolvedConfig) Fingerprint() string {
	xx := xxhash.New()
	for _, name := range lockfiles {
		if data, err := os.ReadFile(filepath.Join(c.Root, name)); err == nil {
			xx.Write([]byte(name))
			xx.Write(data)
		}
	}
	data, _ := json.Marshal(map[string]any{
		"entries":         c.OptimizeDeps.Entries,
		"include":         c.OptimizeDeps.Include,
		"exclude":         c.OptimizeDeps.Exclude,
		"define":          c.Define,
		"target":          c.TargetName,
		"jsxImportSource": c.JSXImportSource,
	})
	xx.Write(data)
	return fmt.Sprintf("%016x", xx.Sum64())[:8]
}

// ConfigFiles returns the files whose change requires a full page reload.
func (c *ResolvedConfig) ConfigFiles() []string {
	files := []string{}
	if c.ConfigFile != "" {
		if abs, err := filepath.Abs(c.ConfigFile); err == nil {
			files = append(files, abs)
		}
	}
	for _, name := range []string{".env", ".env.local", ".env.development", ".env.development.local"} {
		files = append(files, filepath.Join(c.Root, name))
	}
	return files
}

// IsFileServingAllowed reports whether the file may be served to the browser.
func (c *ResolvedConfig) IsFileServingAllowed(file string) bool {
	file = filepath.Clean(file)
	name := filepath.Base(file)
	for _, pattern := range c.FS.Deny {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return false
		}
		if rel, err := filepath.Rel(c.Root, file); err == nil && !strings.HasPrefix(rel, "..") {
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
				return false
			}
		}
	}
	if !c.FS.Strict {
		return true
	}
	for _, allowed := range c.FS.Allow {
		if file == allowed || strings.HasPrefix(file, allowed+string(filepath.Separator)) {
			return true
		}
		if ok, _ := doublestar.PathMatch(allowed, file); ok {
			return true
		}
	}
	return false
}

// IsWatchIgnored reports whether changes of the file are ignored.
func (c *ResolvedConfig) IsWatchIgnored(file string) bool {
	if file == c.CacheDir || strings.HasPrefix(file, c.CacheDir+string(filepath.Separator)) {
		return true
	}
	rel, err := filepath.Rel(c.Root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range c.WatchIgnored {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// `**/node_modules/**` also ignores the node_modules dir itself
		if ok, _ := doublestar.Match(pattern, rel+"/"); ok {
			return true
		}
	}
	return false
}

// URL returns the address the server listens on.
func (c *ResolvedConfig) URL() string {
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d%s", host, c.Port, c.Base)
}

func absPath(root string, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

func normalizeBase(base string) string {
	base = strings.Trim(base, "/")
	if base == "" {
		return "/"
	}
	return "/" + base + "/"
}

// flattenDefine joins the nested maps of define back into dotted keys, values
// that are not strings are written as json.
func flattenDefine(prefix string, define map[string]any, out map[string]string) map[string]string {
	keys := make([]string, 0, len(define))
	for key := range define {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		switch v := define[key].(type) {
		case map[string]any:
			flattenDefine(name, v, out)
		case string:
			out[name] = v
		default:
			data, _ := json.Marshal(v)
			out[name] = string(data)
		}
	}
	return out
}
