package optimizer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/esm-dev/devserver/internal/npm"
	"github.com/esm-dev/devserver/internal/storage"
	"github.com/evanw/esbuild/pkg/api"
	logx "github.com/ije/gox/log"
	"github.com/ije/gox/term"
)

var (
	// ErrOutdatedDep is returned when a request refers to a pre-bundle that was replaced.
	ErrOutdatedDep = errors.New("outdated optimized dep")
	// ErrProcessing is returned when the pre-bundle run a request waited for failed.
	ErrProcessing = errors.New("optimize deps processing error")
	errClosed     = errors.New("optimizer closed")
)

// Options configures the dependency optimizer.
type Options struct {
	Root string
	// CacheDir holds the `deps` dir and the scratch dirs of pending runs.
	CacheDir string
	// ConfigHash invalidates the whole cache when it changes.
	ConfigHash string
	// Fingerprint, when set, recomputes the config hash on every run so that
	// lockfile changes made during the session are detected.
	Fingerprint func() string
	Entries    []string
	Include    []string
	Exclude    []string
	Force      bool
	Debounce   time.Duration
	Define     map[string]string
	Target     api.Target
	ResolveDep DepResolver
	Bundler    Bundler
	Logger     *logx.Logger
	// OnReload is called after a committed run invalidated the pre-bundles served so far.
	OnReload func()
}

type runState int

const (
	stateIdle runState = iota
	stateScheduled
	stateRunning
	stateRunningWithRerun
)

// Optimizer discovers bare imports, pre-bundles them and publishes the results
// as immutable metadata snapshots.
type Optimizer struct {
	opts    Options
	fs      storage.Storage
	log     *logx.Logger
	depsDir string
	exclude map[string]struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu                sync.Mutex
	metadata          *DepMetadata
	state             runState
	timer             *time.Timer
	timerGen          int
	firstRunCalled    bool
	newDepsDiscovered bool
	processing        *Processing
	processingQueue   []*Processing
	lastErr           error
	closed            bool
	idle              *sync.Cond
}

// New creates an optimizer. The committed cache is reused unless the config hash
// changed or a rebuild is forced.
func New(opts Options) (*Optimizer, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = &logx.Logger{}
	}
	if opts.Target == 0 {
		opts.Target = api.ES2020
	}
	if opts.ResolveDep == nil {
		opts.ResolveDep = func(string, string) (string, bool) { return "", false }
	}
	if opts.Bundler == nil {
		opts.Bundler = &esbuildBundler{root: opts.Root, define: opts.Define, target: opts.Target}
	}
	fs, err := storage.New(&storage.StorageOptions{Type: "fs", Endpoint: opts.CacheDir})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Optimizer{
		opts:       opts,
		fs:         fs,
		log:        opts.Logger,
		depsDir:    filepath.Join(fs.Root(), depsDirname),
		exclude:    map[string]struct{}{},
		ctx:        ctx,
		cancel:     cancel,
		processing: newProcessing(),
	}
	o.idle = sync.NewCond(&o.mu)
	for _, id := range opts.Exclude {
		o.exclude[id] = struct{}{}
	}

	if !opts.Force {
		cached, err := loadCachedMetadata(o.depsDir, o.configHash())
		if err == nil {
			o.metadata = cached
			o.firstRunCalled = true
			o.log.Debugf("[optimizer] using cached dependencies (%d)", len(cached.Resolved))
		} else if !os.IsNotExist(err) {
			o.log.Debugf("[optimizer] cache ignored: %v", err)
		}
	}
	if o.metadata == nil {
		o.metadata = newDepMetadata(o.configHash(), timestampSalt(time.Now().UnixMilli()))
		if _, err := fs.DeleteAll(depsDirname); err != nil && !os.IsNotExist(err) {
			o.log.Debugf("[optimizer] could not clear the deps dir: %v", err)
		}
	}
	return o, nil
}

// Start crawls the entries in the background and runs the first pre-bundle.
// It does nothing when a valid cache was loaded.
func (o *Optimizer) Start() {
	o.mu.Lock()
	cached := o.firstRunCalled
	if !cached {
		o.state = stateRunning
	}
	o.mu.Unlock()
	if cached {
		return
	}
	go func() {
		o.discover(o.ctx)
		o.run()
	}()
}

// Optimize crawls the entries and pre-bundles the dependencies synchronously.
func (o *Optimizer) Optimize(ctx context.Context) (*DepMetadata, error) {
	o.mu.Lock()
	for o.state != stateIdle {
		o.idle.Wait()
	}
	o.state = stateRunning
	o.mu.Unlock()

	o.discover(ctx)
	o.run()

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.state != stateIdle {
		o.idle.Wait()
	}
	return o.metadata, o.lastErr
}

func (o *Optimizer) discover(ctx context.Context) {
	start := time.Now()
	entries, err := globEntries(o.opts.Root, o.fs.Root(), o.opts.Entries)
	if err != nil {
		o.log.Error(err)
		return
	}
	result := &scanResult{deps: map[string]string{}, missing: map[string]string{}}
	if len(entries) > 0 {
		result, err = scanImports(ctx, &o.opts, entries)
		if err != nil {
			o.log.Errorf("failed to scan dependencies: %v", err)
			result = &scanResult{deps: map[string]string{}, missing: map[string]string{}}
		}
	}
	for _, id := range o.opts.Include {
		if resolved, ok := o.opts.ResolveDep(id, filepath.Join(o.opts.Root, "index.html")); ok {
			result.deps[id] = resolved
		} else {
			o.log.Warnf("could not resolve %s listed in optimizeDeps.include", id)
		}
	}
	for id, importer := range result.missing {
		o.log.Warnf("could not resolve %s imported by %s", term.Yellow(id), importer)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(result.deps))
	for id := range result.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if o.metadata.depInfoFromID(id) == nil {
			o.addMissingDep(id, result.deps[id])
		}
	}
	o.log.Debugf("[optimizer] scanned %d entries in %v, found %d deps", len(entries), time.Since(start), len(ids))
}

func (o *Optimizer) configHash() string {
	if o.opts.Fingerprint != nil {
		return o.opts.Fingerprint()
	}
	return o.opts.ConfigHash
}

// ShouldOptimize reports whether the bare import is pre-bundled.
func (o *Optimizer) ShouldOptimize(id string) bool {
	_, excluded := o.exclude[id]
	return !excluded
}

// DepsDir returns the absolute path of the committed deps dir.
func (o *Optimizer) DepsDir() string {
	return o.depsDir
}

// IsOptimizedDepFile reports whether the file is inside the deps cache.
func (o *Optimizer) IsOptimizedDepFile(file string) bool {
	return strings.HasPrefix(file, o.depsDir+string(os.PathSeparator))
}

// Metadata returns the currently published metadata. Its Discovered map must not be
// read without holding the optimizer, use DepInfoFromFile or DepInfoFromID instead.
func (o *Optimizer) Metadata() *DepMetadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metadata
}

// DepInfoFromFile returns a copy of the dependency info backing the file.
func (o *Optimizer) DepInfoFromFile(file string) (DepInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info := o.metadata.depInfoFromFile(file); info != nil {
		return *info, true
	}
	return DepInfo{}, false
}

// DepInfoFromID returns a copy of the dependency info of the id.
func (o *Optimizer) DepInfoFromID(id string) (DepInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info := o.metadata.depInfoFromID(id); info != nil {
		return *info, true
	}
	return DepInfo{}, false
}

// RegisterMissingImport records a bare import found while serving a module and returns
// the info of its future pre-bundle. The file path and browser hash are known before
// the bundle exists, requests for it wait on its Processing.
func (o *Optimizer) RegisterMissingImport(id string, resolved string) DepInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info := o.metadata.depInfoFromID(id); info != nil {
		return *info
	}
	info := o.addMissingDep(id, resolved)
	// the first run picks up everything found until then
	if o.firstRunCalled {
		o.scheduleLocked()
	}
	return *info
}

func (o *Optimizer) addMissingDep(id string, resolved string) *DepInfo {
	m := o.metadata
	o.newDepsDiscovered = true
	info := &DepInfo{
		ID:          id,
		File:        filepath.Join(o.depsDir, flattenID(id)+".js"),
		Src:         resolved,
		Version:     readPackageVersion(resolved),
		BrowserHash: getDiscoveredBrowserHash(m.Hash, depsFromDepInfo(m.Resolved), depsFromDepInfo(m.Discovered)),
		Processing:  o.processing,
	}
	m.Discovered[id] = info
	return info
}

// NeedsInterop reports whether imports of the pre-bundled file must be rewritten.
// For a dependency still waiting for its bundle the answer comes from the export
// surface of its source, and a later bundle disagreeing with it forces a reload.
func (o *Optimizer) NeedsInterop(file string) bool {
	o.mu.Lock()
	info := o.metadata.depInfoFromFile(file)
	if info == nil || info.Src == "" {
		o.mu.Unlock()
		return false
	}
	if info.NeedRewriteImport != nil {
		v := *info.NeedRewriteImport
		o.mu.Unlock()
		return v
	}
	src := info.Src
	o.mu.Unlock()

	exports, err := extractExportsData(src)
	if err != nil {
		exports = &ExportsData{}
	}
	v := needsInterop(exports, nil, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	if info.NeedRewriteImport == nil {
		info.exports = exports
		info.NeedRewriteImport = boolPtr(v)
	}
	return *info.NeedRewriteImport
}

// LoadDep returns the content of a pre-bundled file once its processing completed.
// A browser hash that no longer matches, or a file replaced by a later run, yields ErrOutdatedDep.
func (o *Optimizer) LoadDep(ctx context.Context, file string, browserHash string) ([]byte, error) {
	o.mu.Lock()
	m := o.metadata
	var info DepInfo
	found := false
	if p := m.depInfoFromFile(file); p != nil {
		info, found = *p, true
	}
	o.mu.Unlock()

	if found {
		if browserHash != "" && info.BrowserHash != browserHash {
			return nil, ErrOutdatedDep
		}
		if info.Processing != nil {
			if err := info.Processing.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrProcessing
			}
		}
		o.mu.Lock()
		if o.metadata != m {
			current := o.metadata.depInfoFromFile(file)
			if current == nil || current.BrowserHash != info.BrowserHash {
				o.mu.Unlock()
				return nil, ErrOutdatedDep
			}
		}
		o.mu.Unlock()
	}

	key, err := filepath.Rel(o.fs.Root(), file)
	if err != nil || strings.HasPrefix(key, "..") {
		return nil, ErrOutdatedDep
	}
	r, _, err := o.fs.Get(filepath.ToSlash(key))
	if err != nil {
		// a chunk of a previous run
		return nil, ErrOutdatedDep
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (o *Optimizer) scheduleLocked() {
	if !o.newDepsDiscovered || o.closed {
		return
	}
	switch o.state {
	case stateIdle, stateScheduled:
		if o.timer != nil {
			o.timer.Stop()
		}
		o.timerGen++
		gen := o.timerGen
		o.state = stateScheduled
		o.timer = time.AfterFunc(o.opts.Debounce, func() {
			o.mu.Lock()
			if gen != o.timerGen || o.state != stateScheduled {
				o.mu.Unlock()
				return
			}
			o.state = stateRunning
			o.mu.Unlock()
			o.run()
		})
	case stateRunning:
		o.state = stateRunningWithRerun
	}
}

// run pre-bundles every known dependency. The caller must have set the state to running.
func (o *Optimizer) run() {
	o.mu.Lock()
	if o.closed {
		o.finishLocked()
		o.mu.Unlock()
		return
	}
	isRerun := o.firstRunCalled
	o.firstRunCalled = true
	if o.timer != nil {
		o.timer.Stop()
	}

	// snapshot: optimized infos are cloned, discovered ones lose their processing
	knownDeps := make(map[string]*DepInfo, len(o.metadata.Resolved)+len(o.metadata.Discovered))
	for id, info := range o.metadata.Resolved {
		knownDeps[id] = info.clone()
	}
	for id, info := range o.metadata.Discovered {
		c := info.clone()
		c.Processing = nil
		knownDeps[id] = c
	}
	o.newDepsDiscovered = false
	o.processingQueue = append(o.processingQueue, o.processing)
	o.processing = newProcessing()
	o.mu.Unlock()

	start := time.Now()
	result, err := runOptimizeDeps(o.ctx, &o.opts, o.fs, o.configHash(), knownDeps)

	o.mu.Lock()
	reload := false
	defer func() {
		o.finishLocked()
		o.mu.Unlock()
		if reload && o.opts.OnReload != nil {
			o.opts.OnReload()
		}
	}()

	if o.closed {
		if result != nil {
			result.cancel()
		}
		o.resolveQueueLocked(errClosed)
		return
	}
	if err != nil {
		o.lastErr = err
		o.log.Error(term.Red("error while updating dependencies: ") + err.Error())
		o.resolveQueueLocked(err)
		// let the server rediscover the dependencies
		o.metadata.Discovered = map[string]*DepInfo{}
		return
	}

	// discoveries made while bundling are not part of this result
	if o.newDepsDiscovered {
		result.cancel()
		o.log.Debugf("[optimizer] new dependencies found while bundling, discarding the run")
		o.state = stateRunningWithRerun
		return
	}

	old := o.metadata
	newData := result.metadata
	mismatches := findInteropMismatches(old.Discovered, newData.Resolved)
	needsReload := len(mismatches) > 0 || old.Hash != newData.Hash
	for id, info := range old.Resolved {
		next, ok := newData.Resolved[id]
		if !ok || next.FileHash != info.FileHash {
			needsReload = true
			if ok {
				logVersionChange(o.log, id, info.Version, next.Version)
			}
		}
	}

	for id, info := range old.Discovered {
		if _, ok := newData.Resolved[id]; !ok {
			newData.Discovered[id] = info
		}
	}
	if needsReload {
		// urls of the previous run may be cached as immutable by the browser
		newData.BrowserHash = getOptimizedBrowserHash(newData.Hash, depsFromDepInfo(newData.Resolved), timestampSalt(time.Now().UnixMilli()))
		for _, info := range newData.Resolved {
			info.BrowserHash = newData.BrowserHash
		}
		for _, info := range newData.Chunks {
			info.BrowserHash = newData.BrowserHash
		}
	} else {
		// keep the urls already handed to the browser valid
		newData.BrowserHash = old.BrowserHash
		for _, info := range newData.Chunks {
			info.BrowserHash = old.BrowserHash
		}
		for id, info := range newData.Resolved {
			if prev := old.depInfoFromID(id); prev != nil && prev.BrowserHash != "" {
				info.BrowserHash = prev.BrowserHash
			}
		}
	}

	if err := result.commit(newData); err != nil {
		result.cancel()
		o.lastErr = err
		o.log.Error(term.Red("could not commit optimized dependencies: ") + err.Error())
		o.resolveQueueLocked(err)
		return
	}
	o.lastErr = nil

	newDeps := []string{}
	for id, info := range newData.Resolved {
		if discovered, ok := old.Discovered[id]; ok {
			discovered.BrowserHash = info.BrowserHash
			discovered.FileHash = info.FileHash
			discovered.NeedRewriteImport = info.NeedRewriteImport
			discovered.Processing = nil
		}
		if _, ok := old.Resolved[id]; !ok {
			newDeps = append(newDeps, id)
		}
	}
	sort.Strings(newDeps)
	o.metadata = newData
	o.resolveQueueLocked(nil)

	if len(newDeps) > 0 {
		if isRerun {
			o.log.Info(term.Green("new dependencies optimized: ") + term.Dim(strings.Join(newDeps, ", ")))
		} else {
			o.log.Info(term.Green("dependencies optimized: ") + term.Dim(strings.Join(newDeps, ", ")))
		}
	}
	o.log.Debugf("[optimizer] %d deps bundled in %v", len(newData.Resolved), time.Since(start))

	if needsReload && isRerun {
		o.log.Info(term.Green("optimized dependencies changed. reloading"))
		if len(mismatches) > 0 {
			o.log.Warnf("mixed ESM and CJS detected in %s", term.Yellow(strings.Join(mismatches, ", ")))
		}
		reload = true
	}
}

// finishLocked moves the state machine out of a run, starting the queued rerun if any.
func (o *Optimizer) finishLocked() {
	if o.state == stateRunningWithRerun && !o.closed {
		o.state = stateRunning
		go o.run()
		return
	}
	o.state = stateIdle
	o.idle.Broadcast()
}

func (o *Optimizer) resolveQueueLocked(err error) {
	for _, p := range o.processingQueue {
		p.resolve(err)
	}
	o.processingQueue = nil
}

// Close stops pending runs and releases the requests waiting on them.
func (o *Optimizer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timerGen++
	if o.state == stateScheduled {
		o.state = stateIdle
		o.idle.Broadcast()
	}
	o.cancel()
	o.resolveQueueLocked(errClosed)
	o.processing.resolve(errClosed)
}

func findInteropMismatches(discovered map[string]*DepInfo, resolved map[string]*DepInfo) []string {
	mismatches := []string{}
	for id, info := range discovered {
		if info.NeedRewriteImport == nil {
			continue
		}
		if next, ok := resolved[id]; ok && next.NeedRewriteImport != nil && *next.NeedRewriteImport != *info.NeedRewriteImport {
			mismatches = append(mismatches, id)
		}
	}
	sort.Strings(mismatches)
	return mismatches
}

// readPackageVersion returns the version of the package containing the file.
func readPackageVersion(filename string) string {
	dir := filepath.Dir(filename)
	for isInNodeModules(dir + "/") {
		if pkg, err := npm.ReadPackageJSON(dir); err == nil && pkg.Version != "" {
			return pkg.Version
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func logVersionChange(log *logx.Logger, id string, from string, to string) {
	prev, err1 := semver.NewVersion(from)
	next, err2 := semver.NewVersion(to)
	if err1 != nil || err2 != nil || prev.Equal(next) {
		log.Debugf("[optimizer] %s changed on disk", id)
		return
	}
	if next.GreaterThan(prev) {
		log.Infof("%s upgraded %s -> %s", id, from, to)
	} else {
		log.Infof("%s downgraded %s -> %s", id, from, to)
	}
}
