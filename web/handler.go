package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/esm-dev/devserver/internal/graph"
	"github.com/esm-dev/devserver/internal/htmlscript"
	"github.com/esm-dev/devserver/internal/mime"
	"github.com/esm-dev/devserver/internal/plugins"
	"github.com/esm-dev/devserver/internal/transform"
	"github.com/ije/esbuild-internal/xxhash"
	"github.com/ije/gox/term"
	"github.com/ije/gox/utils"
	"golang.org/x/net/html"
)

const hmrClientScript = `<script type="module" src="/@hmr"></script>`

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathname := r.URL.Path
	switch pathname {
	case "/@hmr":
		s.ServeInternalJS(w, r, "hmr")
		return
	case "/@hmr-ws":
		s.hub.ServeHTTP(w, r)
		return
	case "/__open-in-editor":
		s.ServeOpenInEditor(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if base := s.config.Base; base != "/" {
		if pathname+"/" == base {
			http.Redirect(w, r, base, http.StatusFound)
			return
		}
		// modules are imported by their root relative urls, only pages live under the base
		if strings.HasPrefix(pathname, base) {
			pathname = "/" + strings.TrimPrefix(pathname, base)
		}
	}

	u := pathname
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	if isModuleRequest(u) && !(path.Ext(pathname) == "" && acceptsHTML(r)) {
		s.ServeModule(w, r, u)
		return
	}
	s.ServeFile(w, r, pathname)
}

func isModuleRequest(u string) bool {
	return graph.IsJSRequest(u) || graph.IsImportRequest(u) || graph.IsCSSRequest(u) || graph.IsHTMLProxy(u)
}

func acceptsHTML(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Dest") == "document" || strings.Contains(r.Header.Get("Accept"), "text/html")
}

// ServeModule serves the transform result of the module at the url.
func (s *Server) ServeModule(w http.ResponseWriter, r *http.Request, u string) {
	// stylesheets requested by `<link>` tags are served as css instead of modules
	if graph.IsCSSRequest(u) && !graph.IsImportRequest(u) && !graph.IsDirectCSSRequest(u) && strings.Contains(r.Header.Get("Accept"), "text/css") {
		u = graph.InjectQuery(u, "direct")
	}
	ctx := r.Context()

	if etag := r.Header.Get("If-None-Match"); etag != "" {
		if mod, _ := s.graph.GetModuleByURL(ctx, graph.RemoveTimestampQuery(u)); mod != nil {
			if cached := mod.TransformResult(); cached != nil && cached.Etag == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	result, err := s.transform.Request(ctx, u, false)
	if err != nil {
		if transform.ErrorCode(err) == transform.ErrCodeLoadURL && !graph.IsImportRequest(u) {
			// a script or stylesheet that is not a module, e.g. `/vendor/legacy.js`
			if s.serveFileOf(w, r, graph.CleanURL(u)) {
				return
			}
		}
		s.handleModuleError(w, u, err)
		return
	}

	direct := graph.IsDirectCSSRequest(u)
	code := result.Code
	if result.Map != "" {
		mapURL := "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(result.Map))
		if direct {
			code += "\n/*# sourceMappingURL=" + mapURL + " */"
		} else {
			code += "\n//# sourceMappingURL=" + mapURL
		}
	}

	header := w.Header()
	if direct {
		header.Set("Content-Type", mime.CSS)
	} else {
		header.Set("Content-Type", mime.JavaScript)
	}
	if s.depsURL != "" && strings.HasPrefix(u, s.depsURL) && strings.Contains(u, "v=") {
		header.Set("Cache-Control", "max-age=31536000, immutable")
	} else {
		header.Set("Cache-Control", "no-cache")
	}
	header.Set("Etag", result.Etag)
	io.WriteString(w, code)
}

func (s *Server) handleModuleError(w http.ResponseWriter, u string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	switch transform.ErrorCode(err) {
	case transform.ErrCodeOutdatedOptimizedDep:
		// the page reloads with the new pre-bundles
		http.Error(w, "Outdated Optimize Dep", http.StatusGatewayTimeout)
	case transform.ErrCodeOptimizeDepsProcessing:
		http.Error(w, "Optimize Deps Processing Error", http.StatusGatewayTimeout)
	case transform.ErrCodeFSDenied:
		http.Error(w, err.Error(), http.StatusForbidden)
	case transform.ErrCodeLoadURL:
		http.Error(w, "Not Found", http.StatusNotFound)
	default:
		s.log.Error(term.Red("[error] ") + err.Error())
		s.hub.Send(transform.AsPayload(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ServeFile serves html pages and static files, pages fall back to `/index.html`.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, pathname string) {
	if s.serveFileOf(w, r, pathname) {
		return
	}
	if path.Ext(pathname) == "" && acceptsHTML(r) {
		if s.serveFileOf(w, r, "/index.html") {
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

// serveFileOf reports false if the file of the pathname does not exist.
func (s *Server) serveFileOf(w http.ResponseWriter, r *http.Request, pathname string) bool {
	var filename string
	if strings.HasPrefix(pathname, "/@fs/") {
		filename = filepath.FromSlash(strings.TrimPrefix(pathname, "/@fs"))
	} else {
		filename = filepath.Join(s.config.Root, filepath.FromSlash(pathname))
	}
	fi, err := os.Stat(filename)
	if err == nil && fi.IsDir() {
		if !strings.HasSuffix(pathname, "/") {
			http.Redirect(w, r, s.pageURL(pathname+"/"), http.StatusMovedPermanently)
			return true
		}
		pathname += "index.html"
		filename = filepath.Join(filename, "index.html")
		fi, err = os.Stat(filename)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		http.Error(w, "Internal Server Error", 500)
		return true
	}
	if fi.IsDir() {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return true
	}
	if !s.config.IsFileServingAllowed(filename) {
		s.log.Warnf("the request url %q is outside of the serving allow list", pathname)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return true
	}
	if ext := path.Ext(pathname); ext == ".html" || ext == ".htm" {
		s.ServeHtml(w, r, pathname, filename)
		return true
	}

	etag := fmt.Sprintf("W/\"%x-%x\"", fi.ModTime().UnixMilli(), fi.Size())
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	f, err := os.Open(filename)
	if err != nil {
		http.Error(w, "Internal Server Error", 500)
		return true
	}
	defer f.Close()
	header := w.Header()
	header.Set("Content-Type", mime.ContentType(filename))
	header.Set("Cache-Control", "no-cache")
	header.Set("Etag", etag)
	io.Copy(w, f)
	return true
}

func (s *Server) pageURL(pathname string) string {
	if s.config.Base == "/" {
		return pathname
	}
	return s.config.Base + strings.TrimPrefix(pathname, "/")
}

// ServeHtml serves the page with the hmr client injected and the inline module
// scripts replaced by their proxy modules.
func (s *Server) ServeHtml(w http.ResponseWriter, r *http.Request, pathname string, filename string) {
	f, err := os.Open(filename)
	if err != nil {
		http.Error(w, "Internal Server Error", 500)
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := s.rewriteHtml(r.Context(), &buf, f, pathname); err != nil {
		s.log.Errorf("failed to process %s: %v", pathname, err)
		http.Error(w, "Internal Server Error", 500)
		return
	}

	etag := transform.WeakEtag(buf.String())
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	header := w.Header()
	header.Set("Content-Type", mime.HTML)
	header.Set("Cache-Control", "no-cache")
	header.Set("Etag", etag)
	w.Write(buf.Bytes())
}

func (s *Server) rewriteHtml(ctx context.Context, w *bytes.Buffer, r io.Reader, pageURL string) error {
	page := url.URL{Path: pageURL}
	tokenizer := html.NewTokenizer(r)
	injected := !s.config.HMR
	inject := func() {
		if !injected {
			w.WriteString(hmrClientScript)
			injected = true
		}
	}
	inline := 0
	var script *htmlscript.Script
	var scriptTag []byte
	var content bytes.Buffer

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			if err := tokenizer.Err(); err != io.EOF {
				return err
			}
			break
		}
		raw := append([]byte(nil), tokenizer.Raw()...)

		if script != nil {
			if tt == html.EndTagToken {
				if tagName, _ := tokenizer.TagName(); string(tagName) == "script" {
					code := strings.TrimSpace(content.String())
					if code == "" {
						w.Write(scriptTag)
						w.WriteString(content.String())
						w.Write(raw)
					} else {
						script.Content = code
						script.Index = inline
						inline++
						proxyURL := plugins.HTMLProxyURL(pageURL, *script)
						if _, err := s.graph.EnsureEntryFromURL(ctx, proxyURL, false); err != nil {
							s.log.Debugf("could not register %s: %v", proxyURL, err)
						}
						w.WriteString(`<script type="module" src="`)
						w.WriteString(html.EscapeString(proxyURL))
						w.WriteString(`"></script>`)
					}
					script = nil
					continue
				}
			}
			content.Write(raw)
			continue
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tagName, moreAttr := tokenizer.TagName()
			attrs := map[string]string{}
			for moreAttr {
				var key, val []byte
				key, val, moreAttr = tokenizer.TagAttr()
				attrs[string(key)] = string(val)
			}
			switch string(tagName) {
			case "head":
				w.Write(raw)
				inject()
				continue
			case "body":
				inject()
			case "script":
				inject()
				if attrs["type"] != "module" || tt == html.SelfClosingTagToken {
					break
				}
				if src := attrs["src"]; src != "" {
					s.registerEntry(ctx, &page, src)
					break
				}
				script = &htmlscript.Script{Lang: attrs["lang"]}
				scriptTag = raw
				content.Reset()
				continue
			}
		}
		w.Write(raw)
	}
	if script != nil {
		// unclosed script tag
		w.Write(scriptTag)
		w.WriteString(content.String())
	}
	if !injected {
		w.WriteString(hmrClientScript)
	}
	return nil
}

// registerEntry adds the module script of the page to the graph so a change of the
// page itself does not hot update it.
func (s *Server) registerEntry(ctx context.Context, page *url.URL, src string) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "//") || strings.HasPrefix(src, "data:") {
		return
	}
	src, _ = utils.SplitByFirstByte(src, '#')
	ref, err := url.Parse(src)
	if err != nil {
		return
	}
	u := page.ResolveReference(ref)
	entryURL := u.Path
	if base := s.config.Base; base != "/" && strings.HasPrefix(entryURL, base) {
		entryURL = "/" + strings.TrimPrefix(entryURL, base)
	}
	if u.RawQuery != "" {
		entryURL += "?" + u.RawQuery
	}
	if _, err := s.graph.EnsureEntryFromURL(ctx, entryURL, false); err != nil {
		s.log.Debugf("could not register %s: %v", entryURL, err)
	}
}

// ServeInternalJS serves the embedded scripts of the dev server.
func (s *Server) ServeInternalJS(w http.ResponseWriter, r *http.Request, name string) {
	data, err := efs.ReadFile("internal/" + name + ".js")
	if err != nil {
		http.Error(w, "Internal Server Error", 500)
		return
	}
	xx := xxhash.New()
	xx.Write(data)
	etag := fmt.Sprintf("W/\"%x\"", xx.Sum(nil))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	header := w.Header()
	header.Set("Content-Type", mime.JavaScript)
	header.Set("Cache-Control", "no-cache")
	header.Set("Etag", etag)
	w.Write(data)
}
