package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/esm-dev/devserver/internal/storage"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/ije/esbuild-internal/xxhash"
	"github.com/ije/gox/crypto/rand"
	"golang.org/x/sync/errgroup"
)

const (
	manifestFilename = "_manifest.json"
	depsDirname      = "deps"
)

// BundleEntry is the output of a dependency entry point.
type BundleEntry struct {
	// File is relative to the output dir.
	File    string
	Imports []string
	Exports []string
}

// BundleOutput is the result of a pre-bundle run.
type BundleOutput struct {
	// Files maps paths relative to the output dir to their contents.
	Files   map[string][]byte
	Entries map[string]BundleEntry
	// Chunks are shared files emitted by code splitting, relative to the output dir.
	Chunks []string
}

// Bundler bundles the dependencies into browser ready ES modules.
type Bundler interface {
	Bundle(ctx context.Context, deps map[string]*DepInfo, outDir string) (*BundleOutput, error)
}

// optimizeResult is a finished but uncommitted pre-bundle run.
type optimizeResult struct {
	metadata *DepMetadata
	commit   func(*DepMetadata) error
	cancel   func()
}

// runOptimizeDeps bundles the deps into a scratch dir of the cache storage. Nothing is
// visible to the server until commit atomically replaces the live deps dir.
func runOptimizeDeps(ctx context.Context, opts *Options, fs storage.Storage, configHash string, depsInfo map[string]*DepInfo) (*optimizeResult, error) {
	scratchDir := depsDirname + "_temp_" + rand.Hex.String(8)
	liveDir := filepath.Join(fs.Root(), depsDirname)
	cleanup := func() {
		fs.DeleteAll(scratchDir)
	}

	metadata := newDepMetadata(configHash, "")
	metadata.BrowserHash = getOptimizedBrowserHash(metadata.Hash, depsFromDepInfo(depsInfo), "")

	var out *BundleOutput
	if len(depsInfo) > 0 {
		var err error
		out, err = opts.Bundler.Bundle(ctx, depsInfo, filepath.Join(fs.Root(), scratchDir))
		if err != nil {
			cleanup()
			return nil, err
		}
	} else {
		out = &BundleOutput{Files: map[string][]byte{}, Entries: map[string]BundleEntry{}}
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return nil, err
	}

	for name, data := range out.Files {
		if err := fs.Put(scratchDir+"/"+filepath.ToSlash(name), bytes.NewReader(data)); err != nil {
			cleanup()
			return nil, err
		}
	}

	// the source and the package version of every entry are read again to
	// detect dependency upgrades
	srcHashes := make(map[string]string, len(depsInfo))
	versions := make(map[string]string, len(depsInfo))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for id, info := range depsInfo {
		id, src := id, info.Src
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			hash, err := hashFile(src)
			if err != nil {
				return fmt.Errorf("could not read %s: %w", id, err)
			}
			version := readPackageVersion(src)
			mu.Lock()
			srcHashes[id] = hash
			versions[id] = version
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanup()
		return nil, err
	}

	for id, info := range depsInfo {
		entry, ok := out.Entries[id]
		if !ok {
			cleanup()
			return nil, fmt.Errorf("missing bundle output of %s", id)
		}
		exports := info.exports
		if exports == nil {
			var err error
			exports, err = extractExportsData(info.Src)
			if err != nil {
				exports = &ExportsData{}
			}
		}
		importsJSON, _ := json.Marshal(entry.Imports)
		// the bundled output covers the inner files of the package
		xx := xxhash.New()
		xx.Write(out.Files[entry.File])
		outputHash := fmt.Sprintf("%x", xx.Sum64())
		metadata.Resolved[id] = &DepInfo{
			ID:                id,
			Src:               info.Src,
			File:              filepath.Join(liveDir, filepath.FromSlash(entry.File)),
			FileHash:          getHash(metadata.Hash + srcHashes[id] + versions[id] + outputHash + string(importsJSON)),
			Version:           versions[id],
			BrowserHash:       metadata.BrowserHash,
			NeedRewriteImport: boolPtr(needsInterop(exports, entry.Exports, true)),
			exports:           exports,
		}
	}
	for _, chunk := range out.Chunks {
		id := strings.TrimSuffix(filepath.Base(chunk), filepath.Ext(chunk))
		if _, ok := metadata.Resolved[id]; ok {
			continue
		}
		metadata.Chunks[id] = &DepInfo{
			ID:          id,
			File:        filepath.Join(liveDir, filepath.FromSlash(chunk)),
			BrowserHash: metadata.BrowserHash,
		}
	}

	var once sync.Once
	return &optimizeResult{
		metadata: metadata,
		commit: func(final *DepMetadata) error {
			data, err := marshalManifest(final, liveDir)
			if err != nil {
				return err
			}
			if err := fs.Put(scratchDir+"/"+manifestFilename, bytes.NewReader(data)); err != nil {
				return err
			}
			// the deps dir is always served as ES modules
			if err := fs.Put(scratchDir+"/package.json", strings.NewReader(`{"type":"module"}`)); err != nil {
				return err
			}
			return fs.Move(scratchDir, depsDirname)
		},
		cancel: func() {
			once.Do(cleanup)
		},
	}, nil
}

func hashFile(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	xx := xxhash.New()
	if _, err := io.Copy(xx, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", xx.Sum64()), nil
}

// esbuildBundler pre-bundles dependencies with esbuild code splitting.
type esbuildBundler struct {
	root   string
	define map[string]string
	target api.Target
}

var regexpExternalAsset = `\.(css|less|sass|scss|styl|png|jpe?g|gif|svg|ico|webp|avif|woff2?|ttf|eot|otf|wasm|mp4|webm|mp3|wav)$`

type esbuildMetafile struct {
	Outputs map[string]struct {
		EntryPoint string   `json:"entryPoint"`
		Exports    []string `json:"exports"`
		Imports    []struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		} `json:"imports"`
	} `json:"outputs"`
}

func (b *esbuildBundler) Bundle(ctx context.Context, deps map[string]*DepInfo, outDir string) (*BundleOutput, error) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entryPoints := make([]api.EntryPoint, len(ids))
	for i, id := range ids {
		entryPoints[i] = api.EntryPoint{InputPath: deps[id].Src, OutputPath: flattenID(id)}
	}
	define := map[string]string{
		"process.env.NODE_ENV": `"development"`,
	}
	for k, v := range b.define {
		define[k] = v
	}

	bc, cerr := api.Context(api.BuildOptions{
		AbsWorkingDir:       b.root,
		EntryPointsAdvanced: entryPoints,
		Outdir:              outDir,
		Bundle:              true,
		Splitting:           true,
		Format:              api.FormatESModule,
		Platform:            api.PlatformBrowser,
		Target:              b.target,
		Define:              define,
		Metafile:            true,
		Write:               false,
		LogLevel:            api.LogLevelSilent,
		Plugins: []api.Plugin{
			{
				Name: "external-assets",
				Setup: func(build api.PluginBuild) {
					build.OnResolve(api.OnResolveOptions{Filter: regexpExternalAsset}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
						return api.OnResolveResult{Path: args.Path, External: true}, nil
					})
				},
			},
		},
	})
	if cerr != nil {
		if len(cerr.Errors) > 0 {
			return nil, errors.New(cerr.Errors[0].Text)
		}
		return nil, errors.New("could not create the build context")
	}
	defer bc.Dispose()

	stop := context.AfterFunc(ctx, bc.Cancel)
	defer stop()

	ret := bc.Rebuild()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(ret.Errors) > 0 {
		msg := ret.Errors[0].Text
		if loc := ret.Errors[0].Location; loc != nil {
			msg = fmt.Sprintf("%s (%s:%d:%d)", msg, loc.File, loc.Line, loc.Column)
		}
		return nil, errors.New(msg)
	}

	var meta esbuildMetafile
	if err := json.Unmarshal([]byte(ret.Metafile), &meta); err != nil {
		return nil, err
	}

	out := &BundleOutput{
		Files:   make(map[string][]byte, len(ret.OutputFiles)),
		Entries: make(map[string]BundleEntry, len(ids)),
	}
	for _, file := range ret.OutputFiles {
		rel, err := filepath.Rel(outDir, file.Path)
		if err != nil {
			return nil, err
		}
		out.Files[filepath.ToSlash(rel)] = file.Contents
	}
	for key, output := range meta.Outputs {
		if !strings.HasSuffix(key, ".js") {
			continue
		}
		rel, err := filepath.Rel(outDir, filepath.Join(b.root, key))
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if output.EntryPoint == "" {
			out.Chunks = append(out.Chunks, rel)
			continue
		}
		imports := make([]string, 0, len(output.Imports))
		for _, imp := range output.Imports {
			imports = append(imports, imp.Path)
		}
		for _, id := range ids {
			if rel == flattenID(id)+".js" {
				out.Entries[id] = BundleEntry{File: rel, Imports: imports, Exports: output.Exports}
			}
		}
	}
	sort.Strings(out.Chunks)
	return out, nil
}
