// Package web is the http dev server: it serves html pages with the hmr client
// injected, project modules through the transform pipeline and static files,
// and pushes hmr payloads to the browser over a websocket.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/esm-dev/devserver/internal/config"
	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/hmr"
	"github.com/esm-dev/devserver/internal/optimizer"
	"github.com/esm-dev/devserver/internal/plugins"
	"github.com/esm-dev/devserver/internal/transform"
	logx "github.com/ije/gox/log"
)

//go:embed internal
var efs embed.FS

// Server wires the module graph, the plugins, the dependency optimizer and the
// hmr engine behind a http handler.
type Server struct {
	config    *config.ResolvedConfig
	log       *logx.Logger
	resolver  *plugins.Resolver
	optimizer *optimizer.Optimizer
	plugins   *plugins.Container
	graph     *graph.ModuleGraph
	hmr       *hmr.Engine
	transform *transform.Coordinator
	hub       *Hub
	watcher   *FileWatcher
	// depsURL is the url prefix of the pre-bundled dependencies
	depsURL string

	closeOnce sync.Once
}

// New creates a dev server of the resolved config.
func New(cfg *config.ResolvedConfig, logger *logx.Logger) (*Server, error) {
	if logger == nil {
		logger = &logx.Logger{}
	}
	s := &Server{
		config: cfg,
		log:    logger,
		hub:    NewHub(logger),
	}

	resolver, err := plugins.NewResolver(cfg.Root, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}
	s.resolver = resolver

	pluginOpts := plugins.Options{
		Root:            cfg.Root,
		Resolver:        resolver,
		Define:          cfg.Define,
		Target:          cfg.Target,
		JSXImportSource: cfg.JSXImportSource,
		Logger:          logger,
	}
	if !cfg.OptimizeDeps.Disabled {
		opt, err := NewOptimizer(cfg, resolver, logger, s.fullReload)
		if err != nil {
			return nil, err
		}
		s.optimizer = opt
		s.depsURL = fileURL(cfg.Root, opt.DepsDir()) + "/"
		pluginOpts.Optimizer = opt
	}

	s.plugins = plugins.New(pluginOpts)
	s.graph = graph.New(s.plugins)
	s.hmr = hmr.NewEngine(hmr.Options{
		Root:        cfg.Root,
		ConfigFiles: cfg.ConfigFiles(),
		Graph:       s.graph,
		Broadcaster: s.hub,
		Logger:      logger,
	})
	s.plugins.ConfigureServer(s.graph, s.hmr)
	s.transform = transform.NewCoordinator(transform.Options{
		Graph:   s.graph,
		Plugins: s.plugins,
		AllowFS: cfg.IsFileServingAllowed,
		Logger:  logger,
	})

	s.hub.On(InvalidateEvent, func(data json.RawMessage) {
		var msg struct {
			Path    string `json:"path"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Path == "" {
			return
		}
		s.hmr.HandleInvalidate(context.Background(), msg.Path, msg.Message)
	})
	return s, nil
}

// NewOptimizer creates the dependency optimizer of the config.
func NewOptimizer(cfg *config.ResolvedConfig, resolver *plugins.Resolver, logger *logx.Logger, onReload func()) (*optimizer.Optimizer, error) {
	opt, err := optimizer.New(optimizer.Options{
		Root:        cfg.Root,
		CacheDir:    cfg.CacheDir,
		Fingerprint: cfg.Fingerprint,
		Entries:     cfg.OptimizeDeps.Entries,
		Include:     cfg.OptimizeDeps.Include,
		Exclude:     cfg.OptimizeDeps.Exclude,
		Force:       cfg.OptimizeDeps.Force,
		Debounce:    cfg.OptimizeDeps.Debounce,
		Define:      cfg.Define,
		Target:      cfg.Target,
		ResolveDep:  resolver.ResolveDep,
		Logger:      logger,
		OnReload:    onReload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dependency optimizer: %w", err)
	}
	return opt, nil
}

// fullReload runs after the optimizer replaced pre-bundles already served.
func (s *Server) fullReload() {
	s.resolver.ClearCache()
	if s.hmr != nil {
		s.hmr.FullReload()
	}
}

// Graph returns the module graph of the server.
func (s *Server) Graph() *graph.ModuleGraph {
	return s.graph
}

// HMR returns the hmr engine of the server.
func (s *Server) HMR() *hmr.Engine {
	return s.hmr
}

// Start starts the optimizer and the file watcher.
func (s *Server) Start(ctx context.Context) error {
	if s.optimizer != nil {
		s.optimizer.Start()
	}
	watcher, err := NewFileWatcher(s.config.Root, s.config.IsWatchIgnored, 20*time.Millisecond, s.onFileEvent, s.log)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	return nil
}

func (s *Server) onFileEvent(file string, event FileEvent) {
	switch event {
	case FileAdded:
		s.resolver.ClearCache()
		s.hmr.HandleFileAdd(file)
	case FileRemoved:
		s.resolver.ClearCache()
		s.hmr.HandleFileUnlink(file)
	default:
		s.hmr.HandleFileChange(file)
	}
}

// ListenAndServe serves on the configured address until ctx is done. The ready
// callback is called with the address once the server is listening.
func (s *Server) ListenAndServe(ctx context.Context, ready func(addr string)) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		ln.Close()
		return err
	}
	defer s.Close()

	srv := &http.Server{Handler: s}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.hub.Close()
		srv.Shutdown(shutdownCtx)
	}()
	if ready != nil {
		ready(ln.Addr().String())
	}
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the optimizer, the watcher and disconnects the hmr clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Close()
		}
		if s.optimizer != nil {
			s.optimizer.Close()
		}
		s.hub.Close()
	})
}
