// Package config loads the dev server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFiles are looked up in the working directory, the first one found is loaded.
var ConfigFiles = []string{"devserver.json", "devserver.toml"}

// Config is the user facing configuration.
type Config struct {
	Root            string             `koanf:"root"`
	Base            string             `koanf:"base"`
	Host            string             `koanf:"host"`
	Port            int                `koanf:"port"`
	Open            bool               `koanf:"open"`
	CacheDir        string             `koanf:"cacheDir"`
	LogLevel        string             `koanf:"logLevel"`
	LogDir          string             `koanf:"logDir"`
	HMR             bool               `koanf:"hmr"`
	Target          string             `koanf:"target"`
	JSXImportSource string             `koanf:"jsxImportSource"`
	Define          map[string]any     `koanf:"define"`
	FS              FSConfig           `koanf:"fs"`
	OptimizeDeps    OptimizeDepsConfig `koanf:"optimizeDeps"`
	Watch           WatchConfig        `koanf:"watch"`

	// ConfigFile is the config file that was loaded, if any.
	ConfigFile string `koanf:"-"`
}

// FSConfig restricts the files served outside of the project root.
type FSConfig struct {
	Strict bool     `koanf:"strict"`
	Allow  []string `koanf:"allow"`
	Deny   []string `koanf:"deny"`
}

// OptimizeDepsConfig configures the dependency pre-bundling.
type OptimizeDepsConfig struct {
	Entries    []string `koanf:"entries"`
	Include    []string `koanf:"include"`
	Exclude    []string `koanf:"exclude"`
	Force      bool     `koanf:"force"`
	Disabled   bool     `koanf:"disabled"`
	DebounceMs int      `koanf:"debounceMs"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	Ignored []string `koanf:"ignored"`
}

var defaults = map[string]any{
	"root":                    ".",
	"base":                    "/",
	"host":                    "localhost",
	"port":                    5173,
	"open":                    false,
	"cacheDir":                "node_modules/.devserver",
	"logLevel":                "info",
	"logDir":                  "",
	"hmr":                     true,
	"target":                  "es2020",
	"jsxImportSource":         "",
	"fs.strict":               true,
	"fs.allow":                []string{},
	"fs.deny":                 []string{".env", ".env.*", "*.{crt,pem}"},
	"optimizeDeps.entries":    []string{"**/*.html"},
	"optimizeDeps.include":    []string{},
	"optimizeDeps.exclude":    []string{},
	"optimizeDeps.force":      false,
	"optimizeDeps.disabled":   false,
	"optimizeDeps.debounceMs": 100,
	"watch.ignored":           []string{},
}

// flagKeys maps command flags to config keys.
var flagKeys = map[string]string{
	"cache-dir": "cacheDir",
	"log-level": "logLevel",
	"log-dir":   "logDir",
	"force":     "optimizeDeps.force",
	"strict":    "fs.strict",
	"jsx":       "jsxImportSource",
}

// Load loads the configuration from defaults, the config file, environment
// variables and flags, the later overriding the former.
func Load(f *pflag.FlagSet) (*Config, error) {
	return LoadFrom(".", f)
}

// LoadFrom is like Load with the config file looked up in dir.
func LoadFrom(dir string, f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(makeMapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configFile := ""
	for _, name := range ConfigFiles {
		filename := filepath.Join(dir, name)
		if _, err := os.Stat(filename); err != nil {
			continue
		}
		var parser koanf.Parser = json.Parser()
		if strings.HasSuffix(name, ".toml") {
			parser = toml.Parser()
		}
		if err := k.Load(file.Provider(filename), parser); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		configFile = filename
		break
	}

	// DEVSERVER_OPTIMIZEDEPS_FORCE=1 sets optimizeDeps.force
	envKeys := map[string]string{}
	for key := range defaults {
		envKeys[strings.ToLower(strings.ReplaceAll(key, ".", ""))] = key
	}
	if err := k.Load(env.Provider("DEVSERVER_", ".", func(s string) string {
		name := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, "DEVSERVER_"), "_", ""))
		return envKeys[name]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, func(flag *pflag.Flag) (string, any) {
			key := flag.Name
			if mapped, ok := flagKeys[key]; ok {
				key = mapped
			}
			return key, posflag.FlagVal(f, flag)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFile = configFile
	if cfg.Define == nil {
		cfg.Define = map[string]any{}
	}
	return &cfg, nil
}

type mapProvider struct {
	m map[string]any
}

func makeMapProvider(m map[string]any) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]any, error) {
	return unflatten(p.m), nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("not implemented")
}

// unflatten turns dotted keys into nested maps so they merge with the config file.
func unflatten(m map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range m {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out
}
