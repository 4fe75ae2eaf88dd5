package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/htmlscript"
	"github.com/esm-dev/devserver/internal/mime"
	"github.com/esm-dev/devserver/internal/transform"
	"github.com/evanw/esbuild/pkg/api"
)

// jsonPlugin turns json files into modules with a default export and named
// exports for the top level keys.
func jsonPlugin() Plugin {
	return Plugin{
		Name: "json",
		Transform: func(ctx context.Context, tc *TransformContext) error {
			if filepath.Ext(tc.Module.File) != ".json" {
				return nil
			}
			ret := api.Transform(tc.Code, api.TransformOptions{
				Loader:     api.LoaderJSON,
				Format:     api.FormatESModule,
				Sourcefile: tc.Module.File,
				LogLevel:   api.LogLevelSilent,
			})
			if len(ret.Errors) > 0 {
				return esbuildError(ret.Errors[0])
			}
			tc.Code = string(ret.Code)
			tc.Map = ""
			return nil
		},
	}
}

// assetPlugin serves non-module files imported from javascript as their url.
func assetPlugin(root string) Plugin {
	return Plugin{
		Name: "asset",
		Load: func(ctx context.Context, id string) (*transform.SourceDescription, error) {
			file := graph.CleanURL(id)
			if graph.IsHTMLProxy(id) || !mime.IsAsset(file) || !filepath.IsAbs(file) {
				return nil, nil
			}
			if _, err := os.Stat(file); err != nil {
				return nil, nil
			}
			urlJSON, _ := json.Marshal(fileURL(root, file))
			return &transform.SourceDescription{Code: "export default " + string(urlJSON)}, nil
		},
	}
}

// htmlProxyPlugin serves the inline module scripts of html files, numbered in
// document order: `/index.html?html-proxy&index=0.js`.
func htmlProxyPlugin(root string) Plugin {
	return Plugin{
		Name: "html-proxy",
		ResolveID: func(ctx context.Context, id string, importer string) (*graph.ResolvedID, error) {
			if !graph.IsHTMLProxy(id) {
				return nil, nil
			}
			pathname, query := graph.SplitQuery(id)
			if strings.HasPrefix(pathname, "/@fs/") {
				return &graph.ResolvedID{ID: strings.TrimPrefix(pathname, "/@fs") + query}, nil
			}
			return &graph.ResolvedID{ID: filepath.Join(root, filepath.FromSlash(pathname)) + query}, nil
		},
		Load: func(ctx context.Context, id string) (*transform.SourceDescription, error) {
			if !graph.IsHTMLProxy(id) {
				return nil, nil
			}
			file, query := graph.SplitQuery(id)
			q, _ := url.ParseQuery(strings.TrimPrefix(query, "?"))
			index, err := strconv.Atoi(strings.TrimSuffix(q.Get("index"), filepath.Ext(q.Get("index"))))
			if err != nil {
				return nil, fmt.Errorf("invalid html proxy index in %s", id)
			}
			f, err := os.Open(file)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			scripts, err := htmlscript.ModuleScripts(f)
			if err != nil {
				return nil, err
			}
			for _, script := range scripts {
				if script.IsInline() && script.Index == index {
					return &transform.SourceDescription{Code: script.Content}, nil
				}
			}
			return nil, &transform.Error{Code: transform.ErrCodeLoadURL, ID: id, Message: fmt.Sprintf("No inline module script #%d in %s", index, file)}
		},
	}
}

// HTMLProxyURL returns the url serving the inline script of the html page.
func HTMLProxyURL(pageURL string, script htmlscript.Script) string {
	ext := ".js"
	switch script.Lang {
	case "ts", "tsx", "jsx":
		ext = "." + script.Lang
	}
	return pageURL + "?html-proxy&index=" + strconv.Itoa(script.Index) + ext
}
