package plugins

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/optimizer"
	"github.com/esm-dev/devserver/internal/transform"
)

// Optimizer is the dependency pre-bundler as seen by the plugins.
type Optimizer interface {
	ShouldOptimize(id string) bool
	RegisterMissingImport(id string, resolved string) optimizer.DepInfo
	IsOptimizedDepFile(file string) bool
	NeedsInterop(file string) bool
	LoadDep(ctx context.Context, file string, browserHash string) ([]byte, error)
}

// optimizedDepsPlugin loads pre-bundled dependencies, waiting for the pre-bundle
// run that produces them.
func optimizedDepsPlugin(opt Optimizer, onOutdated func()) Plugin {
	return Plugin{
		Name: "optimized-deps",
		Load: func(ctx context.Context, id string) (*transform.SourceDescription, error) {
			file, query := graph.SplitQuery(id)
			if !opt.IsOptimizedDepFile(file) {
				return nil, nil
			}
			q, _ := url.ParseQuery(strings.TrimPrefix(query, "?"))
			data, err := opt.LoadDep(ctx, file, q.Get("v"))
			if err != nil {
				switch {
				case errors.Is(err, optimizer.ErrOutdatedDep):
					// the next request must resolve the bare imports again
					if onOutdated != nil {
						onOutdated()
					}
					return nil, &transform.Error{
						Code:    transform.ErrCodeOutdatedOptimizedDep,
						ID:      id,
						Message: "There is a new version of the pre-bundle for " + file + ", a page reload is going to ask for it.",
						Err:     err,
					}
				case errors.Is(err, optimizer.ErrProcessing):
					return nil, &transform.Error{
						Code:    transform.ErrCodeOptimizeDepsProcessing,
						ID:      id,
						Message: "Something unexpected happened while optimizing " + file + ". The current page should have reloaded by now.",
						Err:     err,
					}
				}
				return nil, err
			}
			return &transform.SourceDescription{Code: string(data)}, nil
		},
	}
}
