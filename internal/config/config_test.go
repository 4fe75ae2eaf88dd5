package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 5173 || cfg.Base != "/" || !cfg.HMR || !cfg.FS.Strict {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.OptimizeDeps.Entries) != 1 || cfg.OptimizeDeps.Entries[0] != "**/*.html" {
		t.Fatalf("unexpected entries %v", cfg.OptimizeDeps.Entries)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("unexpected config file %q", cfg.ConfigFile)
	}
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "devserver.json"), []byte(`{
  "port": 3000,
  "host": "0.0.0.0",
  "optimizeDeps": {"include": ["react"], "debounceMs": 50},
  "define": {"process.env.NODE_ENV": "\"development\"", "__DEBUG__": true}
}`), 0644)
	t.Setenv("DEVSERVER_PORT", "4000")
	t.Setenv("DEVSERVER_OPTIMIZEDEPS_FORCE", "true")

	f := pflag.NewFlagSet("dev", pflag.ContinueOnError)
	f.String("host", "localhost", "")
	f.String("log-level", "info", "")
	f.Bool("open", false, "")
	if err := f.Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir, f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 4000 {
		t.Errorf("env should override the file, got port %d", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("unchanged flags should not override the file, got host %q", cfg.Host)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("flags should override, got log level %q", cfg.LogLevel)
	}
	if !cfg.OptimizeDeps.Force || cfg.OptimizeDeps.DebounceMs != 50 {
		t.Errorf("unexpected optimizeDeps %+v", cfg.OptimizeDeps)
	}
	if len(cfg.OptimizeDeps.Include) != 1 || cfg.OptimizeDeps.Include[0] != "react" {
		t.Errorf("unexpected include %v", cfg.OptimizeDeps.Include)
	}
	if cfg.ConfigFile != filepath.Join(dir, "devserver.json") {
		t.Errorf("unexpected config file %q", cfg.ConfigFile)
	}

	cfg.Root = dir
	resolved, err := Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Define["process.env.NODE_ENV"] != `"development"` || resolved.Define["__DEBUG__"] != "true" {
		t.Errorf("unexpected define %v", resolved.Define)
	}
	if resolved.OptimizeDeps.Debounce != 50*time.Millisecond {
		t.Errorf("unexpected debounce %v", resolved.OptimizeDeps.Debounce)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "devserver.toml"), []byte("port = 8080\ntarget = \"esnext\"\n\n[fs]\nstrict = false\n"), 0644)
	cfg, err := LoadFrom(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.Target != "esnext" || cfg.FS.Strict {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func newResolved(t *testing.T, mutate func(cfg *Config)) *ResolvedConfig {
	t.Helper()
	cfg, err := LoadFrom(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Root = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	resolved, err := Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestResolve(t *testing.T) {
	c := newResolved(t, func(cfg *Config) {
		cfg.Base = "app"
		cfg.Target = "ES2022"
	})
	if c.Base != "/app/" {
		t.Errorf("unexpected base %q", c.Base)
	}
	if c.Target != api.ES2022 {
		t.Errorf("unexpected target %v", c.Target)
	}
	if c.CacheDir != filepath.Join(c.Root, "node_modules", ".devserver") {
		t.Errorf("unexpected cache dir %q", c.CacheDir)
	}
	if c.URL() != "http://localhost:5173/app/" {
		t.Errorf("unexpected url %q", c.URL())
	}

	for _, mutate := range []func(cfg *Config){
		func(cfg *Config) { cfg.Target = "es3" },
		func(cfg *Config) { cfg.Port = 70000 },
		func(cfg *Config) { cfg.Root = filepath.Join(cfg.Root, "missing") },
		func(cfg *Config) { cfg.FS.Deny = []string{"[a"} },
	} {
		cfg, _ := LoadFrom(t.TempDir(), nil)
		cfg.Root = t.TempDir()
		mutate(cfg)
		if _, err := Resolve(cfg); err == nil {
			t.Errorf("expected an error for %+v", cfg)
		}
	}
}

func TestFileServing(t *testing.T) {
	shared := t.TempDir()
	c := newResolved(t, func(cfg *Config) {
		cfg.FS.Allow = []string{shared, "/opt/**/*.svg"}
	})
	for _, tc := range []struct {
		file string
		want bool
	}{
		{filepath.Join(c.Root, "src", "main.ts"), true},
		{filepath.Join(c.Root, ".env"), false},
		{filepath.Join(c.Root, ".env.local"), false},
		{filepath.Join(c.Root, "certs", "server.pem"), false},
		{filepath.Join(shared, "lib.js"), true},
		{"/opt/icons/a.svg", true},
		{"/opt/icons/a.js", false},
		{"/etc/passwd", false},
	} {
		if got := c.IsFileServingAllowed(tc.file); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.file, got, tc.want)
		}
	}

	loose := newResolved(t, func(cfg *Config) { cfg.FS.Strict = false })
	if !loose.IsFileServingAllowed("/etc/passwd") || loose.IsFileServingAllowed("/tmp/.env") {
		t.Error("non strict mode only applies the deny list")
	}
}

func TestWatchIgnored(t *testing.T) {
	c := newResolved(t, func(cfg *Config) { cfg.Watch.Ignored = []string{"**/*.log"} })
	for _, tc := range []struct {
		file string
		want bool
	}{
		{filepath.Join(c.Root, "src", "main.ts"), false},
		{filepath.Join(c.Root, "node_modules", "react", "index.js"), true},
		{filepath.Join(c.Root, "node_modules"), true},
		{filepath.Join(c.Root, ".git", "HEAD"), true},
		{filepath.Join(c.Root, "debug.log"), true},
		{filepath.Join(c.CacheDir, "deps", "react.js"), true},
	} {
		if got := c.IsWatchIgnored(tc.file); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.file, got, tc.want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	c := newResolved(t, nil)
	before := c.Fingerprint()
	if before != c.Fingerprint() {
		t.Fatal("fingerprint is not stable")
	}
	os.WriteFile(filepath.Join(c.Root, "package-lock.json"), []byte(`{"lockfileVersion":3}`), 0644)
	afterLock := c.Fingerprint()
	if afterLock == before {
		t.Fatal("lockfile changes should change the fingerprint")
	}
	c2 := *c
	c2.OptimizeDeps.Include = []string{"react"}
	if c2.Fingerprint() == afterLock {
		t.Fatal("optimizer options should change the fingerprint")
	}
	c3 := *c
	c3.Port = 9999
	if c3.Fingerprint() != afterLock {
		t.Fatal("the port does not affect the pre-bundles")
	}
}
