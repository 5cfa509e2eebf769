// Package web serves the lxproc HTML dashboard with embedded static assets.
package web

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kahiteam/lxproc/internal/kernel"
	"github.com/kahiteam/lxproc/internal/registry"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

const (
	refreshSeconds = 5
	consoleBytes   = 16 * 1024
)

// ProcessView is the template data for a single process row.
type ProcessView struct {
	Pid        int
	Ppid       int
	Pgid       int
	Sid        int
	State      string
	StateLower string
	Status     string
	Threads    int
	Exe        string
}

// IndexPageData is the template data for the process table page.
type IndexPageData struct {
	Refresh   int
	Processes []ProcessView
	Stats     registry.Stats
}

// ConsolePageData is the template data for the console page.
type ConsolePageData struct {
	Refresh int
	Bytes   int
	Text    string
}

// ProcessLister provides process data for the dashboard.
type ProcessLister interface {
	ProcessTable() []kernel.ProcessInfo
	Stats() registry.Stats
}

// ConsoleReader returns the most recent console output.
type ConsoleReader interface {
	Tail(n int) []byte
}

// Handler serves the lxproc dashboard.
type Handler struct {
	lister    ProcessLister
	console   ConsoleReader
	templates *template.Template
	staticFS  http.FileSystem
	mux       *http.ServeMux
	logger    *slog.Logger
}

// Config configures the web handler.
type Config struct {
	StaticDir string // override embedded assets with files from this directory
}

// NewHandler creates a dashboard handler. console may be nil.
func NewHandler(lister ProcessLister, console ConsoleReader, cfg Config, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("cannot parse templates: %w", err)
	}

	var sfs http.FileSystem
	if cfg.StaticDir != "" {
		if info, err := os.Stat(cfg.StaticDir); err != nil || !info.IsDir() {
			logger.Warn("static_dir not found, using embedded assets", "path", cfg.StaticDir)
			sub, _ := fs.Sub(staticFS, "static")
			sfs = http.FS(sub)
		} else {
			sfs = http.Dir(cfg.StaticDir)
		}
	} else {
		sub, _ := fs.Sub(staticFS, "static")
		sfs = http.FS(sub)
	}

	h := &Handler{
		lister:    lister,
		console:   console,
		templates: tmpl,
		staticFS:  sfs,
		mux:       http.NewServeMux(),
		logger:    logger,
	}
	h.RegisterRoutes(h.mux)
	return h, nil
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", h.handleIndex)
	mux.HandleFunc("GET /console", h.handleConsole)
	mux.Handle("GET /static/", http.StripPrefix("/static/", h.staticHandler()))
}

// ServeHTTP serves the routes added by RegisterRoutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := IndexPageData{Refresh: refreshSeconds}
	if h.lister != nil {
		data.Processes = Views(h.lister.ProcessTable())
		data.Stats = h.lister.Stats()
	}
	h.render(w, "index.html", data)
}

func (h *Handler) handleConsole(w http.ResponseWriter, r *http.Request) {
	if h.console == nil {
		http.NotFound(w, r)
		return
	}
	n := consoleBytes
	if v := r.URL.Query().Get("bytes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid bytes", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	h.render(w, "console.html", ConsolePageData{
		Refresh: refreshSeconds,
		Bytes:   n,
		Text:    string(h.console.Tail(n)),
	})
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("template render error", "template", name, "error", err)
	}
}

func (h *Handler) staticHandler() http.Handler {
	fileServer := http.FileServer(h.staticFS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := filepath.Ext(r.URL.Path)
		switch ext {
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".js":
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		case ".svg":
			w.Header().Set("Content-Type", "image/svg+xml")
		case ".ico":
			w.Header().Set("Content-Type", "image/x-icon")
		}

		// ETag based on file content.
		f, err := h.staticFS.Open(r.URL.Path)
		if err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil && !info.IsDir() {
				etag := fmt.Sprintf(`"%x"`, sha256.Sum256([]byte(info.Name()+info.ModTime().String())))
				w.Header().Set("ETag", etag)
				w.Header().Set("Cache-Control", "public, max-age=3600")
				if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
					w.WriteHeader(http.StatusNotModified)
					return
				}
			}
		}

		fileServer.ServeHTTP(w, r)
	})
}

// Views converts a process table into template rows ordered by pid.
func Views(procs []kernel.ProcessInfo) []ProcessView {
	out := make([]ProcessView, 0, len(procs))
	for _, p := range procs {
		v := ProcessView{
			Pid:        int(p.Pid),
			Ppid:       int(p.Ppid),
			Pgid:       int(p.Pgid),
			Sid:        int(p.Sid),
			State:      p.State,
			StateLower: strings.ToLower(p.State),
			Threads:    len(p.Threads),
			Exe:        p.Exe,
		}
		if p.State == "ZOMBIE" {
			v.Status = FormatStatus(p.ExitCode)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// FormatStatus describes a wait status: "exit N", "killed by signal N" or
// "killed by signal N (core dumped)".
func FormatStatus(status int32) string {
	sig := status & 0x7f
	if sig == 0 {
		return fmt.Sprintf("exit %d", (status>>8)&0xff)
	}
	if status&0x80 != 0 {
		return fmt.Sprintf("killed by signal %d (core dumped)", sig)
	}
	return fmt.Sprintf("killed by signal %d", sig)
}
