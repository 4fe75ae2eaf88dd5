package plugins

import (
	"context"
	"encoding/base64"
	"path"
	"regexp"
	"strings"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/transform"
	"github.com/evanw/esbuild/pkg/api"
)

var regexpSourceMappingURL = regexp.MustCompile(`\n//# sourceMappingURL=\S+\s*$`)

// esbuildPlugin compiles typescript and jsx modules.
func esbuildPlugin(target api.Target, jsxImportSource string) Plugin {
	return Plugin{
		Name: "esbuild",
		Transform: func(ctx context.Context, tc *TransformContext) error {
			var loader api.Loader
			switch moduleExt(tc.Module) {
			case ".ts", ".mts", ".cts":
				loader = api.LoaderTS
			case ".tsx":
				loader = api.LoaderTSX
			case ".jsx":
				loader = api.LoaderJSX
			default:
				return nil
			}
			opts := api.TransformOptions{
				Loader:     loader,
				Sourcefile: tc.Module.File,
				Sourcemap:  api.SourceMapExternal,
				Format:     api.FormatESModule,
				Target:     target,
				Charset:    api.CharsetUTF8,
				LogLevel:   api.LogLevelSilent,
			}
			if jsxImportSource != "" {
				opts.JSX = api.JSXAutomatic
				opts.JSXDev = true
				opts.JSXImportSource = jsxImportSource
			}
			ret := api.Transform(withInputSourceMap(tc.Code, tc.Map), opts)
			if len(ret.Errors) > 0 {
				return esbuildError(ret.Errors[0])
			}
			tc.Code = string(ret.Code)
			tc.Map = string(ret.Map)
			return nil
		},
	}
}

// moduleExt returns the extension deciding how the module is compiled. Inline html
// scripts carry it in their proxy url.
func moduleExt(mod *graph.ModuleNode) string {
	if graph.IsHTMLProxy(mod.URL) {
		return path.Ext(mod.URL)
	}
	return path.Ext(mod.File)
}

// withInputSourceMap appends the map as an inline comment, esbuild chains it with its own output map.
func withInputSourceMap(code string, sourceMap string) string {
	if sourceMap == "" {
		return code
	}
	code = regexpSourceMappingURL.ReplaceAllString(code, "")
	return code + "\n//# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(sourceMap))
}

func esbuildError(msg api.Message) *transform.Error {
	err := &transform.Error{Message: msg.Text}
	if loc := msg.Location; loc != nil {
		err.Loc = &transform.Loc{File: loc.File, Line: loc.Line, Column: loc.Column}
		if loc.LineText != "" {
			err.Frame = loc.LineText + "\n" + strings.Repeat(" ", loc.Column) + "^"
		}
	}
	return err
}
