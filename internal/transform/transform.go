// Package transform serves modules through the resolve, load and transform pipeline,
// deduplicating concurrent requests for the same url.
package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/ije/esbuild-internal/xxhash"
	logx "github.com/ije/gox/log"
)

// SourceDescription is code with an optional source map.
type SourceDescription struct {
	Code string
	Map  string
}

// PluginContainer runs the plugin hooks of the pipeline.
type PluginContainer interface {
	graph.Resolver
	// Load returns nil if no plugin claims the id.
	Load(ctx context.Context, id string) (*SourceDescription, error)
	// Transform chains the source map of src with the maps produced by the plugins.
	Transform(ctx context.Context, mod *graph.ModuleNode, src *SourceDescription) (*SourceDescription, error)
}

// Options configures a Coordinator.
type Options struct {
	Graph   *graph.ModuleGraph
	Plugins PluginContainer
	// AllowFS reports whether a file may be read from disk when no plugin loads it.
	AllowFS func(file string) bool
	Logger  *logx.Logger
}

// Coordinator runs transform requests.
type Coordinator struct {
	graph   *graph.ModuleGraph
	plugins PluginContainer
	allowFS func(string) bool
	log     *logx.Logger
	now     func() int64

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	timestamp int64
	done      chan struct{}
	result    *graph.TransformResult
	err       error
	aborted   bool
}

// NewCoordinator creates a transform request coordinator.
func NewCoordinator(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = &logx.Logger{}
	}
	allowFS := opts.AllowFS
	if allowFS == nil {
		allowFS = func(string) bool { return true }
	}
	return &Coordinator{
		graph:   opts.Graph,
		plugins: opts.Plugins,
		allowFS: allowFS,
		log:     log,
		now:     func() int64 { return time.Now().UnixMilli() },
		pending: map[string]*pendingRequest{},
	}
}

// Request transforms the module of the url. Concurrent requests for the same url share
// one pipeline run unless the module was invalidated after that run started.
func (c *Coordinator) Request(ctx context.Context, url string, html bool) (*graph.TransformResult, error) {
	url = graph.RemoveTimestampQuery(url)
	key := url
	if html {
		key = "html:" + url
	}
	timestamp := c.now()

	c.mu.Lock()
	if req, ok := c.pending[key]; ok {
		mod, _ := c.graph.GetModuleByURL(ctx, url)
		if mod == nil || req.timestamp > mod.LastInvalidationTimestamp() {
			c.mu.Unlock()
			return req.wait(ctx)
		}
		// the module changed after the pending run started, its result is stale
		req.aborted = true
		delete(c.pending, key)
	}
	req := &pendingRequest{timestamp: timestamp, done: make(chan struct{})}
	c.pending[key] = req
	c.mu.Unlock()

	go func() {
		result, err := c.doTransform(context.WithoutCancel(ctx), url, timestamp)
		c.mu.Lock()
		if c.pending[key] == req {
			delete(c.pending, key)
		}
		aborted := req.aborted
		c.mu.Unlock()
		if aborted {
			c.log.Debugf("[transform] discarded stale result of %s", url)
		}
		req.result, req.err = result, err
		close(req.done)
	}()
	return req.wait(ctx)
}

func (r *pendingRequest) wait(ctx context.Context) (*graph.TransformResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) doTransform(ctx context.Context, url string, timestamp int64) (*graph.TransformResult, error) {
	mod, err := c.graph.GetModuleByURL(ctx, url)
	if err != nil {
		return nil, resolveError(url, err)
	}
	if mod != nil {
		if cached := mod.TransformResult(); cached != nil {
			return cached, nil
		}
	}

	id := url
	if mod != nil {
		id = mod.ID
	} else {
		resolved, err := c.plugins.ResolveID(ctx, url, "")
		if err != nil {
			return nil, resolveError(url, err)
		}
		if resolved != nil {
			id = resolved.ID
		}
	}
	return c.loadAndTransform(ctx, id, url, mod, timestamp)
}

func (c *Coordinator) loadAndTransform(ctx context.Context, id string, url string, mod *graph.ModuleNode, timestamp int64) (*graph.TransformResult, error) {
	start := time.Now()
	src, err := c.plugins.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		src, err = c.loadFile(id, url)
		if err != nil {
			return nil, err
		}
	}
	c.log.Debugf("[transform] load %s in %v", url, time.Since(start))

	if mod == nil {
		mod, err = c.graph.EnsureEntryFromURL(ctx, url, false)
		if err != nil {
			return nil, resolveError(url, err)
		}
	}

	start = time.Now()
	out, err := c.plugins.Transform(ctx, mod, src)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("[transform] transform %s in %v", url, time.Since(start))

	result := &graph.TransformResult{
		Code: out.Code,
		Map:  out.Map,
		Etag: WeakEtag(out.Code),
	}
	if !c.graph.SetTransformResult(mod, result, timestamp) {
		c.log.Debugf("[transform] %s was invalidated while transforming", url)
	}
	return result, nil
}

// loadFile reads the file behind the id directly, within the fs allowlist.
func (c *Coordinator) loadFile(id string, url string) (*SourceDescription, error) {
	file := graph.CleanURL(id)
	if !filepath.IsAbs(file) {
		return nil, &Error{Code: ErrCodeLoadURL, ID: id, Message: fmt.Sprintf("Failed to load url %s (resolved id: %s). Does the file exist?", url, id)}
	}
	fi, statErr := os.Stat(file)
	if statErr != nil || fi.IsDir() {
		return nil, &Error{Code: ErrCodeLoadURL, ID: id, Message: fmt.Sprintf("Failed to load url %s (resolved id: %s). Does the file exist?", url, id), Err: statErr}
	}
	if !c.allowFS(file) {
		return nil, &Error{Code: ErrCodeFSDenied, ID: id, Message: fmt.Sprintf("The request url %q is outside of the allowed list", file)}
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &Error{Code: ErrCodeLoadURL, ID: id, Message: err.Error(), Err: err}
	}
	return &SourceDescription{Code: string(data)}, nil
}

func resolveError(url string, err error) error {
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	return &Error{Code: ErrCodeResolve, ID: url, Message: err.Error(), Err: err}
}

// WeakEtag returns a weak etag of the content.
func WeakEtag(content string) string {
	xx := xxhash.New()
	xx.Write([]byte(content))
	return fmt.Sprintf(`W/"%x-%x"`, len(content), xx.Sum64())
}
