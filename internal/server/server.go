// Package server exposes sessions to browser views over HTTP and WebSocket.
package server

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"scadview/internal/logx"
	"scadview/internal/param"
	"scadview/internal/render"
	"scadview/internal/session"
)

//go:embed templates/*
var templates embed.FS

// Options configures a Server.
type Options struct {
	Version string
	Command []string // compiler argv, reported by /api/status
	Logger  *logx.Logger

	// PongWait is how long a view may stay silent before it is dropped.
	// Views are pinged at nine tenths of it. Zero means one minute.
	PongWait time.Duration
}

// Server serves the preview pages, the view WebSocket and a small JSON API.
type Server struct {
	manager  *session.Manager
	log      *logx.Logger
	opts     Options
	started  time.Time
	upgrader websocket.Upgrader
	pages    *template.Template
	mux      *http.ServeMux

	mu      sync.Mutex
	clients map[string]*client
}

// New returns a Server backed by manager.
func New(manager *session.Manager, opts Options) *Server {
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	s := &Server{
		manager: manager,
		log:     opts.Logger,
		opts:    opts,
		started: time.Now(),
		// The default origin check only admits pages served by this process.
		upgrader: websocket.Upgrader{},
		pages: template.Must(template.New("").Funcs(template.FuncMap{
			"base": filepath.Base,
		}).ParseFS(templates, "templates/*.html")),
		clients: make(map[string]*client),
	}

	mux := http.NewServeMux()
	// Routes that name files on disk are same-origin only.
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/status", corsHandler(s.handleStatus))
	mux.HandleFunc("/api/routes", corsHandler(s.handleRoutes))
	s.mux = mux
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Clients returns the number of connected views.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ViewURL returns the path of the preview page for file.
func ViewURL(file string) string {
	return "/view?file=" + url.QueryEscape(file)
}

// corsHandler adds CORS headers so other origins can read the status
// endpoints.
func corsHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// sameOrigin reports whether a browser request came from a page served by
// this process. Requests without an Origin header are not from a page.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// sourceFile resolves the file query parameter and checks that it names an
// existing file.
func sourceFile(r *http.Request) (string, int, error) {
	file := r.URL.Query().Get("file")
	if file == "" {
		return "", http.StatusBadRequest, errors.New("missing file parameter")
	}
	path, err := session.Key(file)
	if err != nil {
		return "", http.StatusBadRequest, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", http.StatusNotFound, fmt.Errorf("file not found: %s", path)
		}
		return "", http.StatusInternalServerError, err
	}
	if info.IsDir() {
		return "", http.StatusBadRequest, fmt.Errorf("not a file: %s", path)
	}
	return path, http.StatusOK, nil
}

type sessionInfo struct {
	Path       string         `json:"path"`
	Name       string         `json:"name"`
	Watching   bool           `json:"watching"`
	HasPreview bool           `json:"has_preview"`
	Parameters int            `json:"parameters"`
	Overrides  map[string]any `json:"overrides"`
	ViewURL    string         `json:"view_url"`
}

func describe(sess *session.Session) sessionInfo {
	_, has := sess.LastPreview()
	params := sess.Parameters()
	return sessionInfo{
		Path:       sess.Path(),
		Name:       sess.Name(),
		Watching:   sess.Watching(),
		HasPreview: has,
		Parameters: len(params.Parameters),
		Overrides:  nativeOverrides(params.Overrides),
		ViewURL:    ViewURL(sess.Path()),
	}
}

func nativeOverrides(in map[string]param.Value) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = param.Native(v)
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	var infos []sessionInfo
	for _, sess := range s.manager.Sessions() {
		infos = append(infos, describe(sess))
	}
	data := struct {
		Version  string
		Sessions []sessionInfo
	}{
		Version:  s.opts.Version,
		Sessions: infos,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, "index.html", data); err != nil {
		s.log.Error("Render index page: %v", err)
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	path, code, err := sourceFile(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	data := struct {
		Path string
		Name string
	}{
		Path: path,
		Name: filepath.Base(path),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, "preview.html", data); err != nil {
		s.log.Error("Render preview page: %v", err)
	}
}

var contentTypes = map[render.Format]string{
	render.FormatSTL: "model/stl",
	render.Format3MF: "model/3mf",
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !sameOrigin(r) {
		http.Error(w, "cross-origin request", http.StatusForbidden)
		return
	}
	path, code, err := sourceFile(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	format := render.FormatSTL
	if f := r.URL.Query().Get("format"); f != "" {
		if format, err = render.ParseFormat(f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	sess, release, err := s.manager.Acquire(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer release()

	data, err := sess.Export(r.Context(), format)
	if err != nil {
		s.log.Warn("Export of %s failed: %v", sess.Name(), err)
		http.Error(w, exportFailure(err), exportStatus(err))
		return
	}

	name := filepath.Base(session.DefaultExportPath(path, format))
	s.log.Success("Exported %s (%s)", name, humanize.Bytes(uint64(len(data))))
	w.Header().Set("Content-Type", contentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

func exportStatus(err error) int {
	switch render.Classify(err) {
	case render.CategoryProcess:
		return http.StatusUnprocessableEntity
	case render.CategorySpawn:
		return http.StatusBadGateway
	case render.CategoryCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// exportFailure describes err with the compiler's own diagnostic when
// there is one.
func exportFailure(err error) string {
	var perr *render.ProcessError
	if errors.As(err, &perr) && perr.Diagnostic() != "" {
		return fmt.Sprintf("%v: %s", err, perr.Diagnostic())
	}
	return err.Error()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version":  s.opts.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"started":  s.started.Format(time.RFC3339),
		"sessions": len(s.manager.Sessions()),
		"clients":  s.Clients(),
		"openscad": strings.Join(s.opts.Command, " "),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := []sessionInfo{}
	for _, sess := range s.manager.Sessions() {
		infos = append(infos, describe(sess))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

var routes = map[string]string{
	"/":             "Open sessions",
	"/view":         "Model preview (query: ?file=<path>)",
	"/ws":           "Preview WebSocket (query: ?file=<path>)",
	"/api/export":   "Render and download (query: ?file=<path>&format=stl|3mf)",
	"/api/status":   "Server status JSON",
	"/api/sessions": "Open sessions JSON",
	"/api/routes":   "This endpoint",
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"base":   "http://" + host,
		"routes": routes,
	})
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}
