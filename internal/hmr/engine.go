package hmr

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/esm-dev/devserver/internal/graph"
	logx "github.com/ije/gox/log"
	"github.com/ije/gox/term"
)

// Broadcaster delivers payloads to every connected client.
type Broadcaster interface {
	Send(p Payload)
}

// HotUpdateContext is passed to hot update hooks before the default propagation runs.
type HotUpdateContext struct {
	File      string
	Timestamp int64
	Modules   []*graph.ModuleNode
}

// Read returns the current content of the changed file.
func (ctx *HotUpdateContext) Read() ([]byte, error) {
	return os.ReadFile(ctx.File)
}

// HotUpdateHook may narrow or replace the modules affected by a change.
// Returning ok=false keeps the modules unchanged.
type HotUpdateHook func(ctx *HotUpdateContext) (mods []*graph.ModuleNode, ok bool)

// Options configures an Engine.
type Options struct {
	Root string
	// ConfigFiles are files whose change requires a full reload of every page.
	ConfigFiles []string
	Graph       *graph.ModuleGraph
	Broadcaster Broadcaster
	Hooks       []HotUpdateHook
	Logger      *logx.Logger
}

// Engine turns file changes into update, reload and prune payloads.
type Engine struct {
	root        string
	configFiles map[string]struct{}
	graph       *graph.ModuleGraph
	ws          Broadcaster
	hooks       []HotUpdateHook
	log         *logx.Logger
	now         func() int64
}

// NewEngine creates a HMR engine.
func NewEngine(opts Options) *Engine {
	configFiles := make(map[string]struct{}, len(opts.ConfigFiles))
	for _, file := range opts.ConfigFiles {
		configFiles[filepath.Clean(file)] = struct{}{}
	}
	log := opts.Logger
	if log == nil {
		log = &logx.Logger{}
	}
	return &Engine{
		root:        opts.Root,
		configFiles: configFiles,
		graph:       opts.Graph,
		ws:          opts.Broadcaster,
		hooks:       opts.Hooks,
		log:         log,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// AddHook registers a hot update hook.
func (e *Engine) AddHook(hook HotUpdateHook) {
	e.hooks = append(e.hooks, hook)
}

func (e *Engine) shortName(file string) string {
	if rel, err := filepath.Rel(e.root, file); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return file
}

// HandleFileChange reacts to the content change of the file.
func (e *Engine) HandleFileChange(file string) {
	file = filepath.Clean(file)
	shortFile := e.shortName(file)
	timestamp := e.now()

	if _, ok := e.configFiles[file]; ok {
		e.log.Warnf("%s changed, restart the server to apply the new configuration", shortFile)
		e.log.Info(term.Green("page reload ") + term.Dim(shortFile))
		e.ws.Send(ReloadPayload{Path: "*"})
		return
	}

	mods := e.graph.GetModulesByFile(file)
	e.graph.OnFileChange(file, timestamp)

	hctx := &HotUpdateContext{File: file, Timestamp: timestamp, Modules: mods}
	for _, hook := range e.hooks {
		if filtered, ok := hook(hctx); ok {
			hctx.Modules = filtered
		}
	}
	mods = hctx.Modules

	if len(mods) == 0 {
		if strings.HasSuffix(file, ".html") {
			e.log.Info(term.Green("page reload ") + term.Dim(shortFile))
			e.ws.Send(ReloadPayload{Path: "/" + filepath.ToSlash(strings.TrimPrefix(shortFile, "/"))})
			return
		}
		e.log.Debugf("[hmr] no modules matched %s", shortFile)
		return
	}

	e.UpdateModules(shortFile, mods, timestamp)
}

// HandleFileAdd reacts to a new file. A module that failed to load because the
// file was missing is retried by a full reload.
func (e *Engine) HandleFileAdd(file string) {
	mods := e.graph.GetModulesByFile(filepath.Clean(file))
	if len(mods) > 0 {
		e.UpdateModules(e.shortName(file), mods, e.now())
	}
}

// HandleFileUnlink reacts to a removed file.
func (e *Engine) HandleFileUnlink(file string) {
	file = filepath.Clean(file)
	mods := e.graph.GetModulesByFile(file)
	if len(mods) == 0 {
		return
	}
	timestamp := e.now()
	e.graph.OnFileChange(file, timestamp)
	e.UpdateModules(e.shortName(file), mods, timestamp)
}

// UpdateModules invalidates the modules and sends a single update or reload for the batch.
// A dead end in any module turns the whole batch into one full reload.
func (e *Engine) UpdateModules(file string, mods []*graph.ModuleNode, timestamp int64) {
	var updates []Update
	invalidated := map[*graph.ModuleNode]struct{}{}
	var reload *deadEnd

	for _, mod := range mods {
		e.graph.InvalidateModule(mod, invalidated, timestamp, true)
		if reload != nil {
			continue
		}
		boundaries, de := propagateUpdate(mod)
		if de != nil {
			reload = de
			continue
		}
		for _, b := range boundaries {
			updates = append(updates, Update{
				Type:         string(b.Boundary.Type) + "-update",
				Path:         b.Boundary.URL,
				AcceptedPath: b.AcceptedVia.URL,
				Timestamp:    timestamp,
			})
		}
	}

	if reload != nil {
		e.log.Info(term.Green("page reload ") + term.Dim(file))
		e.log.Debugf("[hmr] %s: %s", reload.reason, reload.mod.URL)
		e.ws.Send(ReloadPayload{})
		return
	}
	if len(updates) == 0 {
		e.log.Debugf("[hmr] no update happened for %s", file)
		return
	}

	paths := make([]string, len(updates))
	for i, u := range updates {
		paths[i] = u.Path
	}
	e.log.Info(term.Green("hmr update ") + term.Dim(strings.Join(paths, ", ")))
	e.ws.Send(UpdatePayload{Updates: updates})
}

// HandlePrunedModules tells the clients to dispose modules that lost their last importer.
func (e *Engine) HandlePrunedModules(mods []*graph.ModuleNode) {
	if len(mods) == 0 {
		return
	}
	t := e.now()
	paths := make([]string, len(mods))
	for i, mod := range mods {
		e.graph.SetLastHMRTimestamp(mod, t)
		paths[i] = mod.URL
		e.log.Debugf("[hmr] dispose %s", mod.URL)
	}
	e.ws.Send(PrunePayload{Paths: paths})
}

// HandleInvalidate propagates an update to the importers of a module that rejected
// its own hot update in the browser.
func (e *Engine) HandleInvalidate(ctx context.Context, path string, message string) {
	mod, err := e.graph.GetModuleByURL(ctx, path)
	if err != nil || mod == nil {
		return
	}
	if message != "" {
		e.log.Infof("hmr invalidate %s %s", term.Dim(path), message)
	} else {
		e.log.Infof("hmr invalidate %s", term.Dim(path))
	}
	timestamp := mod.LastHMRTimestamp()
	if timestamp == 0 {
		timestamp = e.now()
	}
	importers := mod.Importers()
	if len(importers) == 0 {
		e.ws.Send(ReloadPayload{})
		return
	}
	e.UpdateModules(mod.File, importers, timestamp)
}

// FullReload invalidates the graph and reloads every page.
func (e *Engine) FullReload() {
	e.graph.InvalidateAll(e.now())
	e.ws.Send(ReloadPayload{})
}
