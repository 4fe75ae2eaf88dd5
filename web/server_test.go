package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/esm-dev/devserver/internal/config"
	"github.com/esm-dev/devserver/internal/hmr"
	"github.com/gorilla/websocket"
)

type testServer struct {
	*Server
	root string
}

func newTestServer(t *testing.T, files map[string]string) *testServer {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		filename := filepath.Join(root, filepath.FromSlash(name))
		os.MkdirAll(filepath.Dir(filename), 0755)
		if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := config.LoadFrom(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Root = root
	cfg.OptimizeDeps.Disabled = true
	resolved, err := config.Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(resolved, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return &testServer{Server: s, root: root}
}

func (s *testServer) get(t *testing.T, url string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/@hmr-ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) hmr.Payload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	p, err := hmr.Unmarshal(data)
	if err != nil {
		t.Fatalf("invalid payload %s: %v", data, err)
	}
	return p
}

const testPage = `<!DOCTYPE html>
<html>
<head>
  <title>app</title>
  <script type="module" src="./src/main.ts"></script>
</head>
<body>
  <script type="module">
    import "./src/counter.ts";
  </script>
</body>
</html>
`

func TestServeHtml(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"index.html":     testPage,
		"src/main.ts":    `console.log("main")`,
		"src/counter.ts": `export let n: number = 1`,
	})

	w := s.get(t, "/", nil)
	if w.Code != 200 {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`<head><script type="module" src="/@hmr"></script>`,
		`<script type="module" src="./src/main.ts"></script>`,
		`<script type="module" src="/index.html?html-proxy&amp;index=0.js"></script>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in\n%s", want, body)
		}
	}
	if strings.Contains(body, "counter.ts") {
		t.Errorf("the inline script should be replaced:\n%s", body)
	}
	if mods := s.Graph().GetModulesByFile(filepath.Join(s.root, "src", "main.ts")); len(mods) != 1 {
		t.Fatal("the module script of the page should be registered")
	}

	etag := w.Header().Get("Etag")
	if w := s.get(t, "/index.html", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	w = s.get(t, "/index.html?html-proxy&index=0.js", nil)
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"/src/counter.ts"`) {
		t.Fatalf("unexpected proxy module %d:\n%s", w.Code, w.Body.String())
	}

	// pages without a file fall back to the index
	w = s.get(t, "/about", map[string]string{"Accept": "text/html"})
	if w.Code != 200 || !strings.Contains(w.Body.String(), "<title>app</title>") {
		t.Fatalf("unexpected fallback %d", w.Code)
	}
}

func TestServeModule(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/main.ts":   `const n: number = 1; console.log(n)`,
		"src/style.css": `body { color: red }`,
		"src/logo.svg":  `<svg></svg>`,
	})

	w := s.get(t, "/src/main.ts", nil)
	if w.Code != 200 {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/javascript; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	if strings.Contains(body, ": number") || !strings.Contains(body, "//# sourceMappingURL=data:application/json;base64,") {
		t.Fatalf("unexpected module:\n%s", body)
	}
	etag := w.Header().Get("Etag")
	if !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("unexpected etag %q", etag)
	}
	if w := s.get(t, "/src/main.ts", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	w = s.get(t, "/src/style.css", map[string]string{"Accept": "text/css,*/*;q=0.1"})
	if ct := w.Header().Get("Content-Type"); w.Code != 200 || ct != "text/css; charset=utf-8" {
		t.Fatalf("unexpected stylesheet %d %q", w.Code, ct)
	}
	if !strings.Contains(w.Body.String(), "color: red") {
		t.Fatalf("unexpected stylesheet:\n%s", w.Body.String())
	}

	w = s.get(t, "/src/style.css", nil)
	if ct := w.Header().Get("Content-Type"); ct != "application/javascript; charset=utf-8" {
		t.Fatalf("imported stylesheets are modules, got %q", ct)
	}

	w = s.get(t, "/src/logo.svg", nil)
	if ct := w.Header().Get("Content-Type"); w.Code != 200 || ct != "image/svg+xml; charset=utf-8" {
		t.Fatalf("unexpected asset %d %q", w.Code, ct)
	}
	w = s.get(t, "/src/logo.svg?import", nil)
	if body := w.Body.String(); !strings.Contains(body, `"/src/logo.svg"`) || !strings.Contains(body, "default") {
		t.Fatalf("unexpected asset module:\n%s", w.Body.String())
	}
}

func TestModuleErrors(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/broken.ts": "const = ;",
		".env":          "SECRET=1",
	})

	if w := s.get(t, "/src/missing.ts", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := s.get(t, "/.env", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	outside := filepath.Join(t.TempDir(), "secret.ts")
	os.WriteFile(outside, []byte("export {}"), 0644)
	if w := s.get(t, "/@fs"+filepath.ToSlash(outside), nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	if w := s.get(t, "/src/broken.ts", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	// the error is delivered to the next client
	ts := httptest.NewServer(s)
	defer ts.Close()
	conn := dial(t, ts)
	if p := readPayload(t, conn); p.Type() != "connected" {
		t.Fatalf("unexpected payload %v", p)
	}
	p, ok := readPayload(t, conn).(hmr.ErrorPayload)
	if !ok {
		t.Fatalf("expected an error payload, got %v", p)
	}
	if !strings.Contains(p.Err.ID, "broken.ts") || p.Err.Plugin != "esbuild" {
		t.Fatalf("unexpected error %+v", p.Err)
	}
}

func TestHotUpdate(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"src/main.ts":    `import { n } from "./counter.ts"; console.log(n)`,
		"src/counter.ts": "export const n = 1;\nimport.meta.hot.accept();",
	})
	ts := httptest.NewServer(s)
	defer ts.Close()
	conn := dial(t, ts)
	readPayload(t, conn)

	for _, url := range []string{"/src/main.ts", "/src/counter.ts"} {
		if w := s.get(t, url, nil); w.Code != 200 {
			t.Fatalf("%s: unexpected status %d: %s", url, w.Code, w.Body.String())
		}
	}

	counter := filepath.Join(s.root, "src", "counter.ts")
	os.WriteFile(counter, []byte("export const n = 2;\nimport.meta.hot.accept();"), 0644)
	s.HMR().HandleFileChange(counter)

	update, ok := readPayload(t, conn).(hmr.UpdatePayload)
	if !ok || len(update.Updates) != 1 {
		t.Fatalf("unexpected payload %+v", update)
	}
	u := update.Updates[0]
	if u.Type != "js-update" || u.Path != "/src/counter.ts" || u.AcceptedPath != "/src/counter.ts" || u.Timestamp == 0 {
		t.Fatalf("unexpected update %+v", u)
	}

	w := s.get(t, "/src/counter.ts?t=1700000000000", nil)
	if !strings.Contains(w.Body.String(), "n = 2") {
		t.Fatalf("the module should be transformed again:\n%s", w.Body.String())
	}

	// main.ts does not accept the update of its import
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"custom","event":"dev:invalidate","data":{"path":"/src/counter.ts","message":"cannot apply"}}`))
	if p := readPayload(t, conn); p.Type() != "reload" {
		t.Fatalf("expected a reload, got %+v", p)
	}
}

func TestServeInternalJS(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.get(t, "/@hmr", nil)
	if w.Code != 200 {
		t.Fatalf("unexpected status %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{
		"export function createHotContext",
		"export function updateStyle",
		"/@hmr-ws",
		// accept callbacks wait for every re-import of the batch
		"await Promise.all(loading)",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q", want)
		}
	}
	if w := s.get(t, "/@hmr", map[string]string{"If-None-Match": w.Header().Get("Etag")}); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	if w := s.get(t, "/@hmr-ws", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without upgrade, got %d", w.Code)
	}
}

func TestEditorCommand(t *testing.T) {
	for _, tc := range []struct {
		editor string
		file   string
		name   string
		args   []string
	}{
		{"", "/app/src/main.ts:3:5", "code", []string{"-g", "/app/src/main.ts:3:5"}},
		{"vim", "/app/src/main.ts:3:5", "vim", []string{"+3", "/app/src/main.ts"}},
		{"subl -n", "/app/src/main.ts:3:5", "subl", []string{"-n", "/app/src/main.ts:3:5"}},
		{"nano", "/app/src/main.ts", "nano", []string{"/app/src/main.ts"}},
		{"myeditor", "/app/src/main.ts:3", "myeditor", []string{"/app/src/main.ts"}},
	} {
		t.Setenv("VISUAL", "")
		t.Setenv("EDITOR", tc.editor)
		name, args := editorCommand(tc.file)
		if name != tc.name || strings.Join(args, " ") != strings.Join(tc.args, " ") {
			t.Errorf("%s: got %s %v", tc.editor, name, args)
		}
	}
	if path, line := splitFileLine(`C:\app\main.ts:10:2`); path != `C:\app\main.ts` || line != "10" {
		t.Errorf("unexpected split %q %q", path, line)
	}
}
