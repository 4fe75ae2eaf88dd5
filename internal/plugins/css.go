package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/evanw/esbuild/pkg/api"
)

type cssMetafile struct {
	Inputs map[string]json.RawMessage `json:"inputs"`
}

// cssPlugin inlines `@import`s, rewrites `url()`s to served paths and, unless the
// stylesheet is requested by a link tag, wraps it into a self-accepting module.
func cssPlugin(root string) Plugin {
	return Plugin{
		Name: "css",
		Transform: func(ctx context.Context, tc *TransformContext) error {
			mod := tc.Module
			if !graph.IsCSSRequest(mod.URL) || filepath.Ext(mod.File) != ".css" {
				return nil
			}
			ret := api.Build(api.BuildOptions{
				AbsWorkingDir: root,
				Stdin: &api.StdinOptions{
					Contents:   tc.Code,
					ResolveDir: filepath.Dir(mod.File),
					Sourcefile: mod.File,
					Loader:     api.LoaderCSS,
				},
				Outfile:  filepath.Join(root, "__css__.css"),
				Bundle:   true,
				Write:    false,
				Metafile: true,
				LogLevel: api.LogLevelSilent,
				Plugins: []api.Plugin{{
					Name: "css-urls",
					Setup: func(build api.PluginBuild) {
						build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
							if args.Kind != api.ResolveCSSURLToken {
								return api.OnResolveResult{}, nil
							}
							return api.OnResolveResult{Path: cssAssetURL(root, args.Path, args.ResolveDir), External: true}, nil
						})
					},
				}},
			})
			if len(ret.Errors) > 0 {
				return esbuildError(ret.Errors[0])
			}
			css := ""
			for _, file := range ret.OutputFiles {
				if strings.HasSuffix(file.Path, ".css") {
					css = string(file.Contents)
				}
			}

			var meta cssMetafile
			if err := json.Unmarshal([]byte(ret.Metafile), &meta); err == nil {
				for input := range meta.Inputs {
					if input == "<stdin>" {
						continue
					}
					file := input
					if !filepath.IsAbs(file) {
						file = filepath.Join(root, filepath.FromSlash(input))
					}
					if file != mod.File {
						tc.WatchFiles = append(tc.WatchFiles, file)
					}
				}
				sort.Strings(tc.WatchFiles)
			}

			tc.Map = ""
			if graph.IsDirectCSSRequest(mod.URL) {
				tc.Code = css
				return nil
			}
			cssJSON, _ := json.Marshal(css)
			idJSON, _ := json.Marshal(mod.ID)
			tc.Code = fmt.Sprintf(`import { updateStyle as __hmr_updateStyle, removeStyle as __hmr_removeStyle } from %q;
const __hmr_id = %s;
const __css = %s;
__hmr_updateStyle(__hmr_id, __css);
import.meta.hot.accept();
import.meta.hot.prune(() => __hmr_removeStyle(__hmr_id));
export default __css;
`, hmrClientPath, idJSON, cssJSON)
			return nil
		},
	}
}

// cssAssetURL turns a `url()` reference into a path served from the root, so it
// keeps working once the stylesheet is injected by a module.
func cssAssetURL(root string, ref string, resolveDir string) string {
	if strings.HasPrefix(ref, "/") || strings.Contains(ref, ":") || strings.HasPrefix(ref, "#") {
		return ref
	}
	pathname, query := graph.SplitQuery(ref)
	return fileURL(root, filepath.Join(resolveDir, filepath.FromSlash(pathname))) + query
}

// fileURL returns the url serving the file.
func fileURL(root string, file string) string {
	if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
		return "/" + filepath.ToSlash(rel)
	}
	if filepath.IsAbs(file) {
		return "/@fs" + filepath.ToSlash(file)
	}
	return file
}
