// Package serve exposes one editor build over HTTP for a session: the
// workbench page, its JSON configuration, static build and extension
// artifacts, and an optional read-only virtual mount of a local folder.
package serve

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/editkit/webtest/lib/build"
	"github.com/editkit/webtest/lib/logger"
)

//go:embed workbench.html.tmpl
var workbenchHTML string

var workbenchTmpl = template.Must(template.New("workbench").Parse(workbenchHTML))

// DefaultFolderMountPath is where the virtual folder appears in the workbench
// when the caller does not name a mount point.
const DefaultFolderMountPath = "/workspace"

// Options configure what the server exposes.
type Options struct {
	Build build.Descriptor

	ExtensionDevelopmentPath string
	ExtensionTestsPath       string
	ExtensionPaths           []string

	FolderPath      string
	FolderMountPath string

	HideServerLog bool
}

// Server serves one session's build. Start binds the listener; Close is
// idempotent and safe to call from cleanup paths.
type Server struct {
	log  *slog.Logger
	opts Options

	http    *http.Server
	baseURL string

	g         errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

func New(log *slog.Logger, opts Options) *Server {
	if opts.FolderMountPath == "" {
		opts.FolderMountPath = DefaultFolderMountPath
	}
	// Normalize once so the mount's containment check sees the same form the
	// CLI may pass with a trailing separator or "./" prefix.
	if opts.FolderPath != "" {
		opts.FolderPath = filepath.Clean(opts.FolderPath)
	}
	s := &Server{log: log, opts: opts}
	s.http = &http.Server{Handler: s.router()}
	return s
}

// Start binds host:port and begins serving. A bind failure (port in use,
// bad host) is returned immediately; nothing is left running.
func (s *Server) Start(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	s.baseURL = fmt.Sprintf("http://%s:%d", host, ln.Addr().(*net.TCPAddr).Port)
	s.g.Go(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("session server listening", "url", s.baseURL)
	return nil
}

// BaseURL returns the endpoint the browser navigates to. Valid after Start.
func (s *Server) BaseURL() string {
	return s.baseURL
}

// Close stops the server. Subsequent calls return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		err := s.http.Close()
		if werr := s.g.Wait(); werr != nil && err == nil {
			err = werr
		}
		s.closeErr = err
	})
	return s.closeErr
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	if !s.opts.HideServerLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(logger.AddToContext(req.Context(), s.log)))
			})
		},
	)

	r.Get("/", s.handleWorkbench)
	r.Get("/config.json", s.handleConfig)

	mountDir(r, "/static/build", s.opts.Build.Location)
	if s.opts.ExtensionDevelopmentPath != "" {
		mountDir(r, "/static/devext", s.opts.ExtensionDevelopmentPath)
	}
	if s.opts.ExtensionTestsPath != "" {
		mountDir(r, "/static/tests", filepath.Dir(s.opts.ExtensionTestsPath))
	}
	for i, p := range s.opts.ExtensionPaths {
		mountDir(r, fmt.Sprintf("/static/extensions/%d", i), p)
	}
	if s.opts.FolderPath != "" {
		r.Get("/vfs/*", s.handleVFS)
	}
	return r
}

func mountDir(r chi.Router, prefix, dir string) {
	r.Mount(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
}

func (s *Server) handleWorkbench(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Entry string }{Entry: s.entryPoint()}
	if err := workbenchTmpl.Execute(w, data); err != nil {
		logger.FromContext(r.Context()).Error("failed to render workbench", "error", err)
	}
}

// entryPoint is the build's browser entry module, relative to its location.
func (s *Server) entryPoint() string {
	if s.opts.Build.Kind == build.Sources {
		return "out/workbench.js"
	}
	return "workbench.js"
}

// workbenchConfig is the JSON the hosted page fetches to configure itself.
type workbenchConfig struct {
	Folder     string   `json:"folder,omitempty"`
	Extensions []string `json:"extensions"`
	TestsPath  string   `json:"testsPath,omitempty"`
	BuildKind  string   `json:"buildKind"`
	Version    string   `json:"version,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := workbenchConfig{
		Extensions: []string{},
		BuildKind:  string(s.opts.Build.Kind),
		Version:    s.opts.Build.Version,
	}
	if s.opts.ExtensionDevelopmentPath != "" {
		cfg.Extensions = append(cfg.Extensions, "/static/devext/")
	}
	for i := range s.opts.ExtensionPaths {
		cfg.Extensions = append(cfg.Extensions, fmt.Sprintf("/static/extensions/%d/", i))
	}
	if s.opts.ExtensionTestsPath != "" {
		cfg.TestsPath = path.Join("/static/tests", filepath.Base(s.opts.ExtensionTestsPath))
	}
	if s.opts.FolderPath != "" {
		cfg.Folder = s.opts.FolderMountPath
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		logger.FromContext(r.Context()).Error("failed to encode config", "error", err)
	}
}
