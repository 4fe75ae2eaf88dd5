// Package mime maps file extensions to the content types served by the dev server.
package mime

import (
	"path"
	"strings"
)

const (
	JavaScript = "application/javascript; charset=utf-8"
	CSS        = "text/css; charset=utf-8"
	HTML       = "text/html; charset=utf-8"
	JSON       = "application/json; charset=utf-8"
)

// source types are transformed into modules instead of being served as assets
var sourceExts = map[string]struct{}{
	".js": {}, ".mjs": {}, ".cjs": {}, ".jsx": {},
	".ts": {}, ".mts": {}, ".cts": {}, ".tsx": {},
	".css": {}, ".json": {}, ".html": {}, ".htm": {}, ".map": {},
}

var assetExts = map[string][]string{
	"application/gzip":     {"gz"},
	"application/pdf":      {"pdf"},
	"application/tar":      {"tar"},
	"application/tar+gzip": {"tgz", "tar.gz"},
	"application/wasm":     {"wasm"},
	"application/xml;":     {"xml"},
	"application/zip":      {"zip"},
	"application/json;":    {"json", "map", "webmanifest"},
	"audio/mp4":            {"m4a"},
	"audio/mpeg":           {"mp3"},
	"audio/ogg":            {"ogg", "oga"},
	"audio/wav":            {"wav"},
	"audio/webm":           {"weba"},
	"font/otf":             {"otf"},
	"font/ttf":             {"ttf"},
	"font/woff":            {"woff"},
	"font/woff2":           {"woff2"},
	"image/apng":           {"apng"},
	"image/avif":           {"avif"},
	"image/gif":            {"gif"},
	"image/jpeg":           {"jpg", "jpeg"},
	"image/png":            {"png"},
	"image/svg+xml;":       {"svg"},
	"image/webp":           {"webp"},
	"image/x-icon":         {"ico"},
	"text/css":             {"css"},
	"text/csv":             {"csv"},
	"text/html":            {"html", "htm"},
	"text/javascript":      {"js", "mjs", "cjs"},
	"text/markdown":        {"md"},
	"text/plain":           {"txt"},
	"video/mp4":            {"mp4", "m4v"},
	"video/ogg":            {"ogv"},
	"video/webm":           {"webm"},
}

var typesByExt = map[string]string{}

func init() {
	for k, v := range assetExts {
		if strings.HasSuffix(k, ";") || strings.HasPrefix(k, "text/") {
			k = strings.TrimSuffix(k, ";") + "; charset=utf-8"
		}
		for _, ext := range v {
			typesByExt["."+ext] = k
		}
	}
	assetExts = nil
}

func extname(filename string) string {
	if strings.HasSuffix(filename, ".tar.gz") {
		return ".tar.gz"
	}
	return strings.ToLower(path.Ext(filename))
}

// ContentType returns the content type of the file served as is, or
// `application/octet-stream` for unknown extensions.
func ContentType(filename string) string {
	if t, ok := typesByExt[extname(filename)]; ok {
		return t
	}
	return "application/octet-stream"
}

// IsAsset reports whether a module import of the file resolves to its url.
func IsAsset(filename string) bool {
	ext := extname(filename)
	if _, ok := sourceExts[ext]; ok {
		return false
	}
	_, ok := typesByExt[ext]
	return ok
}
