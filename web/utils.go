package web

import (
	"path/filepath"
	"strings"
)

// fileURL returns the url serving the file: root relative inside the root,
// `/@fs/` prefixed outside of it.
func fileURL(root string, file string) string {
	if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
		return "/" + filepath.ToSlash(rel)
	}
	return "/@fs" + filepath.ToSlash(file)
}
