package serve

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/editkit/webtest/lib/logger"
)

// vfsEntry is one row of a virtual mount directory listing.
type vfsEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "file" or "dir"
	Size int64  `json:"size,omitempty"`
}

// handleVFS exposes the session's local folder read-only: directories return
// a JSON listing, files return their contents.
func (s *Server) handleVFS(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	rel := chi.URLParam(r, "*")
	// Clean against the mount root so ".." segments cannot escape it.
	full := filepath.Join(s.opts.FolderPath, filepath.FromSlash(strings.TrimPrefix(filepath.Clean("/"+rel), "/")))
	if full != s.opts.FolderPath && !strings.HasPrefix(full, s.opts.FolderPath+string(os.PathSeparator)) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	info, err := os.Stat(full)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if !info.IsDir() {
		http.ServeFile(w, r, full)
		return
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		log.Error("failed to read virtual folder", "path", full, "error", err)
		http.Error(w, "failed to read folder", http.StatusInternalServerError)
		return
	}
	listing := lo.Map(entries, func(e os.DirEntry, _ int) vfsEntry {
		entry := vfsEntry{Name: e.Name(), Type: "file"}
		if e.IsDir() {
			entry.Type = "dir"
		} else if fi, err := e.Info(); err == nil {
			entry.Size = fi.Size()
		}
		return entry
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(listing); err != nil {
		log.Error("failed to encode listing", "error", err)
	}
}
