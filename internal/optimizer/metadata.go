package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/ije/esbuild-internal/xxhash"
)

// DepInfo describes a single pre-bundled dependency.
type DepInfo struct {
	ID          string
	File        string
	Src         string
	BrowserHash string
	FileHash    string
	Version     string
	// NeedRewriteImport is nil until the export shape of the dependency is known.
	NeedRewriteImport *bool
	// Processing is set while the dependency waits for a pre-bundle run.
	Processing *Processing

	exports *ExportsData
}

func (info *DepInfo) clone() *DepInfo {
	c := *info
	return &c
}

// DepMetadata is a snapshot of the dependency cache. A published snapshot is never
// mutated except for its Discovered map, which is guarded by the optimizer.
type DepMetadata struct {
	Hash        string
	BrowserHash string
	Resolved    map[string]*DepInfo
	Chunks      map[string]*DepInfo
	Discovered  map[string]*DepInfo
}

func newDepMetadata(hash string, timestamp string) *DepMetadata {
	return &DepMetadata{
		Hash:        hash,
		BrowserHash: getOptimizedBrowserHash(hash, nil, timestamp),
		Resolved:    map[string]*DepInfo{},
		Chunks:      map[string]*DepInfo{},
		Discovered:  map[string]*DepInfo{},
	}
}

// depInfoFromFile searches the resolved, chunk and discovered dependencies.
func (m *DepMetadata) depInfoFromFile(file string) *DepInfo {
	for _, table := range []map[string]*DepInfo{m.Resolved, m.Chunks, m.Discovered} {
		for _, info := range table {
			if info.File == file {
				return info
			}
		}
	}
	return nil
}

func (m *DepMetadata) depInfoFromID(id string) *DepInfo {
	if info, ok := m.Resolved[id]; ok {
		return info
	}
	if info, ok := m.Chunks[id]; ok {
		return info
	}
	return m.Discovered[id]
}

// Processing is completed once the pre-bundle run covering a dependency is committed.
type Processing struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newProcessing() *Processing {
	return &Processing{done: make(chan struct{})}
}

func (p *Processing) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed when the processing completes.
func (p *Processing) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the processing completes or the context is canceled.
func (p *Processing) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var regexpFlattenID = regexp.MustCompile(`[/:]`)
var regexpFlattenDot = regexp.MustCompile(`\.`)

// flattenID turns a dependency id into a flat file name, `lodash/fp` becomes `lodash_fp`.
func flattenID(id string) string {
	return regexpFlattenDot.ReplaceAllString(regexpFlattenID.ReplaceAllString(id, "_"), "__")
}

func getHash(text string) string {
	xx := xxhash.New()
	xx.Write([]byte(text))
	return fmt.Sprintf("%016x", xx.Sum64())[:8]
}

// getOptimizedBrowserHash mixes the config hash with the known and discovered
// dependency sources. encoding/json sorts map keys, which makes it deterministic.
func getOptimizedBrowserHash(hash string, deps map[string]string, salt string) string {
	data, _ := json.Marshal(deps)
	return getHash(hash + string(data) + salt)
}

func getDiscoveredBrowserHash(hash string, resolved map[string]string, discovered map[string]string) string {
	resolvedJSON, _ := json.Marshal(resolved)
	discoveredJSON, _ := json.Marshal(discovered)
	return getHash(hash + string(resolvedJSON) + string(discoveredJSON))
}

func depsFromDepInfo(table map[string]*DepInfo) map[string]string {
	deps := make(map[string]string, len(table))
	for id, info := range table {
		deps[id] = info.Src
	}
	return deps
}

type manifestEntry struct {
	Src               string `json:"src,omitempty"`
	File              string `json:"file"`
	FileHash          string `json:"fileHash,omitempty"`
	Version           string `json:"version,omitempty"`
	NeedRewriteImport *bool  `json:"needRewriteImport,omitempty"`
}

type manifest struct {
	Hash        string                   `json:"hash"`
	BrowserHash string                   `json:"browserHash"`
	Resolved    map[string]manifestEntry `json:"resolved"`
	Chunks      map[string]manifestEntry `json:"chunks"`
}

// marshalManifest encodes the metadata with paths relative to the deps cache dir.
func marshalManifest(m *DepMetadata, depsCacheDir string) ([]byte, error) {
	rel := func(file string) string {
		if r, err := filepath.Rel(depsCacheDir, file); err == nil {
			return filepath.ToSlash(r)
		}
		return file
	}
	data := manifest{
		Hash:        m.Hash,
		BrowserHash: m.BrowserHash,
		Resolved:    make(map[string]manifestEntry, len(m.Resolved)),
		Chunks:      make(map[string]manifestEntry, len(m.Chunks)),
	}
	for id, info := range m.Resolved {
		needRewriteImport := info.NeedRewriteImport != nil && *info.NeedRewriteImport
		data.Resolved[id] = manifestEntry{
			Src:               rel(info.Src),
			File:              rel(info.File),
			FileHash:          info.FileHash,
			Version:           info.Version,
			NeedRewriteImport: &needRewriteImport,
		}
	}
	for id, info := range m.Chunks {
		data.Chunks[id] = manifestEntry{File: rel(info.File)}
	}
	return json.MarshalIndent(data, "", "  ")
}

// parseManifest decodes a manifest, resolving relative paths against the deps cache dir.
func parseManifest(data []byte, depsCacheDir string) (*DepMetadata, error) {
	var raw manifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Hash == "" || raw.BrowserHash == "" {
		return nil, fmt.Errorf("invalid manifest: missing hash")
	}
	abs := func(file string) string {
		if filepath.IsAbs(file) {
			return file
		}
		return filepath.Join(depsCacheDir, filepath.FromSlash(file))
	}
	m := &DepMetadata{
		Hash:        raw.Hash,
		BrowserHash: raw.BrowserHash,
		Resolved:    make(map[string]*DepInfo, len(raw.Resolved)),
		Chunks:      make(map[string]*DepInfo, len(raw.Chunks)),
		Discovered:  map[string]*DepInfo{},
	}
	for id, entry := range raw.Resolved {
		needRewriteImport := entry.NeedRewriteImport != nil && *entry.NeedRewriteImport
		m.Resolved[id] = &DepInfo{
			ID:                id,
			Src:               abs(entry.Src),
			File:              abs(entry.File),
			FileHash:          entry.FileHash,
			Version:           entry.Version,
			BrowserHash:       raw.BrowserHash,
			NeedRewriteImport: &needRewriteImport,
		}
	}
	for id, entry := range raw.Chunks {
		m.Chunks[id] = &DepInfo{
			ID:          id,
			File:        abs(entry.File),
			BrowserHash: raw.BrowserHash,
		}
	}
	return m, nil
}

// loadCachedMetadata returns the committed metadata if it matches the config hash.
func loadCachedMetadata(depsCacheDir string, hash string) (*DepMetadata, error) {
	data, err := os.ReadFile(filepath.Join(depsCacheDir, manifestFilename))
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(data, depsCacheDir)
	if err != nil {
		return nil, err
	}
	if m.Hash != hash {
		return nil, fmt.Errorf("config hash changed (%s -> %s)", m.Hash, hash)
	}
	return m, nil
}

func timestampSalt(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

func boolPtr(v bool) *bool {
	return &v
}
