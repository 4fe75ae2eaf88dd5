package optimizer

import (
	"errors"
	"os"
	"path"
	"sort"

	"github.com/ije/esbuild-internal/config"
	"github.com/ije/esbuild-internal/js_ast"
	"github.com/ije/esbuild-internal/js_parser"
	"github.com/ije/esbuild-internal/logger"
)

// ExportsData is the static export surface of a dependency entry.
type ExportsData struct {
	HasModuleSyntax bool
	Exports         []string
}

// extractExportsData parses the entry of a dependency without bundling it.
func extractExportsData(filename string) (*ExportsData, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return parseExportsData(filename, string(data))
}

func parseExportsData(filename string, code string) (*ExportsData, error) {
	log := logger.NewDeferLog(logger.DeferLogNoVerboseOrDebug, nil)
	ext := path.Ext(filename)
	parserOpts := js_parser.OptionsFromConfig(&config.Options{
		JSX: config.JSXOptions{
			Parse: ext == ".jsx" || ext == ".tsx",
		},
		TS: config.TSOptions{
			Parse: ext == ".ts" || ext == ".tsx" || ext == ".mts",
		},
	})
	ast, pass := js_parser.Parse(log, logger.Source{
		Index:          0,
		KeyPath:        logger.Path{Text: filename},
		IdentifierName: "dep",
		Contents:       code,
	}, parserOpts)
	if !pass {
		return nil, errors.New("invalid syntax, require javascript/typescript")
	}
	exports := make([]string, 0, len(ast.NamedExports))
	for name := range ast.NamedExports {
		exports = append(exports, name)
	}
	sort.Strings(exports)
	return &ExportsData{
		HasModuleSyntax: ast.ExportsKind == js_ast.ExportsESM || ast.ExportsKind == js_ast.ExportsESMWithDynamicFallback,
		Exports:         exports,
	}, nil
}

// needsInterop reports whether importers must rewrite named imports of the dependency
// into a default import plus property reads. It is true for modules without any ESM
// surface, and for bundles that collapsed to a single default export while the source
// exposed named exports.
func needsInterop(data *ExportsData, outputExports []string, outputKnown bool) bool {
	if data == nil || !data.HasModuleSyntax {
		return true
	}
	if outputKnown {
		if isSingleDefaultExport(outputExports) && !isSingleDefaultExport(data.Exports) {
			return true
		}
	}
	return false
}

func isSingleDefaultExport(exports []string) bool {
	return len(exports) == 1 && exports[0] == "default"
}
