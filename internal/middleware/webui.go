package middleware

import (
	"io/fs"
	"net/http"
	"strings"
)

// WebUI serves the embedded browser viewer. API paths are never answered
// here so a missing route is a 404, not the viewer page.
type WebUI struct {
	files     http.Handler
	fsys      fs.FS
	indexHTML []byte
}

func NewWebUI(fsys fs.FS) *WebUI {
	index, _ := fs.ReadFile(fsys, "index.html")
	return &WebUI{
		files:     http.FileServer(http.FS(fsys)),
		fsys:      fsys,
		indexHTML: index,
	}
}

func (h *WebUI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/health" {
		http.NotFound(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" || path == "index.html" {
		h.serveIndex(w, r)
		return
	}
	if stat, err := fs.Stat(h.fsys, path); err == nil && !stat.IsDir() {
		h.files.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (h *WebUI) serveIndex(w http.ResponseWriter, r *http.Request) {
	if h.indexHTML == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(h.indexHTML)
}
