// Package plugins implements the resolve, load and transform hooks used to serve
// project modules to the browser.
package plugins

import (
	"context"
	"errors"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/transform"
	"github.com/evanw/esbuild/pkg/api"
	logx "github.com/ije/gox/log"
)

// Plugin hooks into the module pipeline. Every hook is optional.
type Plugin struct {
	Name string
	// ResolveID returns nil to let the next plugin resolve the id.
	ResolveID func(ctx context.Context, id string, importer string) (*graph.ResolvedID, error)
	// Load returns nil to let the next plugin load the id.
	Load func(ctx context.Context, id string) (*transform.SourceDescription, error)
	// Transform updates the code of the context in place.
	Transform func(ctx context.Context, tc *TransformContext) error
}

// TransformContext is the state of a module going through the transform hooks.
type TransformContext struct {
	Module *graph.ModuleNode
	Code   string
	Map    string
	// WatchFiles are files the module depends on without importing them, e.g. `@import`ed stylesheets.
	WatchFiles []string
}

// Pruner disposes modules that lost their last importer in the browser.
type Pruner interface {
	HandlePrunedModules(mods []*graph.ModuleNode)
}

// Options configures the plugins of a container.
type Options struct {
	Root     string
	Resolver *Resolver
	// Optimizer is nil when dependencies are served without pre-bundling.
	Optimizer       Optimizer
	Define          map[string]string
	Target          api.Target
	JSXImportSource string
	Logger          *logx.Logger
}

// Container runs the plugins in order.
type Container struct {
	root      string
	plugins   []Plugin
	resolver  *Resolver
	optimizer Optimizer
	server    *serverRef
	log       *logx.Logger
}

// New creates the plugin container serving the project.
func New(opts Options) *Container {
	if opts.Logger == nil {
		opts.Logger = &logx.Logger{}
	}
	if opts.Target == 0 {
		opts.Target = api.ES2020
	}
	c := &Container{
		root:      opts.Root,
		resolver:  opts.Resolver,
		optimizer: opts.Optimizer,
		server:    &serverRef{},
		log:       opts.Logger,
	}
	c.plugins = append(c.plugins, htmlProxyPlugin(opts.Root))
	if opts.Resolver != nil {
		opts.Resolver.optimizer = opts.Optimizer
		c.plugins = append(c.plugins, opts.Resolver.plugin())
	}
	if opts.Optimizer != nil {
		onOutdated := func() {}
		if opts.Resolver != nil {
			onOutdated = opts.Resolver.ClearCache
		}
		c.plugins = append(c.plugins, optimizedDepsPlugin(opts.Optimizer, onOutdated))
	}
	c.plugins = append(c.plugins,
		assetPlugin(opts.Root),
		esbuildPlugin(opts.Target, opts.JSXImportSource),
		cssPlugin(opts.Root),
		jsonPlugin(),
		importAnalysisPlugin(c, opts.Define),
	)
	return c
}

// serverRef is filled once the dev server created the graph and the hmr engine.
type serverRef struct {
	graph  *graph.ModuleGraph
	pruner Pruner
}

// ResolveID implements graph.Resolver.
func (c *Container) ResolveID(ctx context.Context, id string, importer string) (*graph.ResolvedID, error) {
	for _, p := range c.plugins {
		if p.ResolveID == nil {
			continue
		}
		resolved, err := p.ResolveID(ctx, id, importer)
		if err != nil {
			return nil, wrapPluginError(p.Name, importer, err)
		}
		if resolved != nil {
			return resolved, nil
		}
	}
	return nil, nil
}

// Load returns the source of the id, or nil if no plugin loads it.
func (c *Container) Load(ctx context.Context, id string) (*transform.SourceDescription, error) {
	for _, p := range c.plugins {
		if p.Load == nil {
			continue
		}
		src, err := p.Load(ctx, id)
		if err != nil {
			return nil, wrapPluginError(p.Name, id, err)
		}
		if src != nil {
			return src, nil
		}
	}
	return nil, nil
}

// Transform runs every transform hook over the source.
func (c *Container) Transform(ctx context.Context, mod *graph.ModuleNode, src *transform.SourceDescription) (*transform.SourceDescription, error) {
	tc := &TransformContext{Module: mod, Code: src.Code, Map: src.Map}
	for _, p := range c.plugins {
		if p.Transform == nil {
			continue
		}
		if err := p.Transform(ctx, tc); err != nil {
			return nil, wrapPluginError(p.Name, mod.ID, err)
		}
	}
	return &transform.SourceDescription{Code: tc.Code, Map: tc.Map}, nil
}

// Resolver returns the file resolver of the container.
func (c *Container) Resolver() *Resolver {
	return c.resolver
}

// ConfigureServer gives the plugins access to the module graph and the hmr engine.
func (c *Container) ConfigureServer(g *graph.ModuleGraph, pruner Pruner) {
	c.server.graph = g
	c.server.pruner = pruner
}

func wrapPluginError(plugin string, id string, err error) error {
	var terr *transform.Error
	if errors.As(err, &terr) {
		if terr.Plugin == "" {
			e := *terr
			e.Plugin = plugin
			if e.ID == "" {
				e.ID = id
			}
			return &e
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &transform.Error{Plugin: plugin, ID: id, Message: err.Error(), Err: err}
}
