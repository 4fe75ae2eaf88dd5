package web

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ije/gox/utils"
)

// editorCommand returns the command opening the file at `path:line:column`.
func editorCommand(file string) (string, []string) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		return "code", []string{"-g", file}
	}
	fields := strings.Fields(editor)
	name := filepath.Base(fields[0])
	args := fields[1:]
	switch name {
	case "code", "code-insiders", "cursor", "codium":
		return fields[0], append(args, "-g", file)
	case "subl", "sublime", "zed", "atom":
		return fields[0], append(args, file)
	case "vim", "nvim", "vi", "emacs", "nano", "micro", "hx":
		path, line := splitFileLine(file)
		if line == "" {
			return fields[0], append(args, path)
		}
		return fields[0], append(args, "+"+line, path)
	}
	path, _ := splitFileLine(file)
	return fields[0], append(args, path)
}

// splitFileLine splits `path:line:column` into the path and the line.
func splitFileLine(file string) (path string, line string) {
	path, pos := utils.SplitByFirstByte(file, ':')
	// a windows drive letter
	if len(path) == 1 && pos != "" {
		drive := path
		path, pos = utils.SplitByFirstByte(pos, ':')
		path = drive + ":" + path
	}
	line, _ = utils.SplitByFirstByte(pos, ':')
	return
}

// ServeOpenInEditor launches the editor of the user on `?file=path:line:column`.
func (s *Server) ServeOpenInEditor(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		http.Error(w, "Bad Request", 400)
		return
	}
	path, _ := splitFileLine(file)
	if strings.HasPrefix(path, "/@fs/") {
		file = strings.TrimPrefix(file, "/@fs")
		path = strings.TrimPrefix(path, "/@fs")
	} else if !filepath.IsAbs(path) {
		file = filepath.Join(s.config.Root, file)
		path = filepath.Join(s.config.Root, path)
	}
	if !s.config.IsFileServingAllowed(path) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	name, args := editorCommand(file)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		s.log.Errorf("could not open %s in the editor: %v", file, err)
		http.Error(w, "Internal Server Error", 500)
		return
	}
	go cmd.Wait()
	w.WriteHeader(http.StatusOK)
}
