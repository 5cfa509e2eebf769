// Package api exposes read-mostly introspection of the lxproc kernel over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/kernel"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/registry"
)

// Introspector answers queries about the identity tables.
type Introspector interface {
	ProcessTable() []kernel.ProcessInfo
	LookupProcess(pid process.Pid) (kernel.ProcessInfo, error)
	LookupThread(tid process.Pid) (kernel.ThreadInfo, error)
	LookupGroup(pgid process.Pid) (kernel.GroupInfo, error)
	LookupSession(sid process.Pid) (kernel.SessionInfo, error)
	Stats() registry.Stats
	SignalProcess(pid process.Pid, sig int) error
}

// DaemonInfo provides supervisor-level information.
type DaemonInfo interface {
	IsShuttingDown() bool
	IsReady() bool
	Version() map[string]string
	Shutdown()
}

// ConsoleReader returns the most recent console output.
type ConsoleReader interface {
	Tail(n int) []byte
}

// streamedEvents are forwarded on the event stream. Ticks are left out.
var streamedEvents = []events.EventType{
	events.ProcessCreated, events.ProcessExec, events.ProcessExited,
	events.ProcessGroupExit, events.ProcessReaped, events.VforkReleased,
	events.ThreadCreated, events.ThreadExited,
	events.SignalSent, events.SignalDelivered,
	events.KernelStateRunning, events.KernelStateStopping,
	events.ProcessGroupCreated, events.SessionCreated,
}

const defaultConsoleBytes = 4096

// Server is the HTTP introspection server.
type Server struct {
	kernel  Introspector
	daemon  DaemonInfo
	console ConsoleReader
	metrics http.Handler
	web     http.Handler
	bus     *events.Bus
	logger  *slog.Logger
	mux     *http.ServeMux
	ln      net.Listener
	srv     *http.Server

	authUser string
	authPass string // bcrypt hash
}

// Config holds API server configuration.
type Config struct {
	Username string
	Password string // bcrypt hash
	Metrics  http.Handler
	Console  ConsoleReader
	// Web serves the HTML dashboard under / when set.
	Web http.Handler
}

// NewServer creates an API server over k.
func NewServer(cfg Config, k Introspector, di DaemonInfo, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		kernel:   k,
		daemon:   di,
		console:  cfg.Console,
		metrics:  cfg.Metrics,
		web:      cfg.Web,
		bus:      bus,
		logger:   logger,
		authUser: cfg.Username,
		authPass: cfg.Password,
	}
	s.mux = s.buildMux()
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Probe endpoints -- no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("GET /api/v1/processes", s.requireAuth(s.handleListProcesses))
	mux.HandleFunc("GET /api/v1/processes/{pid}", s.requireAuth(s.handleGetProcess))
	mux.HandleFunc("POST /api/v1/processes/{pid}/signal", s.requireAuth(s.handleSignalProcess))
	mux.HandleFunc("GET /api/v1/threads/{tid}", s.requireAuth(s.handleGetThread))
	mux.HandleFunc("GET /api/v1/groups/{pgid}", s.requireAuth(s.handleGetGroup))
	mux.HandleFunc("GET /api/v1/sessions/{sid}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("GET /api/v1/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/v1/console", s.requireAuth(s.handleConsole))

	mux.HandleFunc("POST /api/v1/shutdown", s.requireAuth(s.handleShutdown))
	mux.HandleFunc("GET /api/v1/version", s.requireAuth(s.handleVersion))

	mux.HandleFunc("GET /api/v1/events/stream", s.requireAuth(s.handleEventStream))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.web != nil {
		mux.HandleFunc("GET /", s.requireAuth(s.web.ServeHTTP))
	}
	return mux
}

// Handler returns the routing handler, for embedding in tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Listen binds addr. Serve must be called to accept connections.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	host, _, _ := net.SplitHostPort(addr)
	if host == "0.0.0.0" || host == "" || host == "::" {
		s.logger.Warn("HTTP server bound to all interfaces", "addr", addr)
	}
	s.logger.Info("http server listening", "addr", s.ln.Addr().String())
	return nil
}

// Serve accepts connections until Stop is called. It returns nil after a
// graceful stop.
func (s *Server) Serve() error {
	if s.srv == nil {
		return errors.New("server is not listening")
	}
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Addr returns the bound address, or empty if not listening.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return ""
}

// --- HTTP Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.daemon != nil && s.daemon.IsShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.daemon != nil && s.daemon.IsReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
	})
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.ProcessTable())
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathPid(w, r, "pid")
	if !ok {
		return
	}
	info, err := s.kernel.LookupProcess(pid)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSignalProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathPid(w, r, "pid")
	if !ok {
		return
	}
	var body struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Signal == "" {
		writeError(w, http.StatusBadRequest, "request body must contain {\"signal\":\"NAME\"}", "BAD_REQUEST")
		return
	}
	sig, err := parseSignal(body.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	if err := s.kernel.SignalProcess(pid, sig); err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "signaled", "pid": pid, "signal": sig})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	tid, ok := pathPid(w, r, "tid")
	if !ok {
		return
	}
	info, err := s.kernel.LookupThread(tid)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	pgid, ok := pathPid(w, r, "pgid")
	if !ok {
		return
	}
	info, err := s.kernel.LookupGroup(pgid)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathPid(w, r, "sid")
	if !ok {
		return
	}
	info, err := s.kernel.LookupSession(sid)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Stats())
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if s.console == nil {
		writeError(w, http.StatusNotFound, "console capture is not enabled", "NOT_FOUND")
		return
	}
	n := defaultConsoleBytes
	if v := r.URL.Query().Get("bytes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bytes must be a non-negative integer", "BAD_REQUEST")
			return
		}
		n = parsed
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.console.Tail(n))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.daemon.Shutdown()
	}()
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Version())
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "SERVER_ERROR")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	typesParam := r.URL.Query().Get("types")
	var typeFilter map[events.EventType]bool
	if typesParam != "" {
		typeFilter = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesParam, ",") {
			typeFilter[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Use a channel to serialize writes to the response writer.
	type sseEvent struct {
		eventType string
		data      []byte
	}
	ch := make(chan sseEvent, 64)

	var ids []uint64
	for _, et := range streamedEvents {
		if typeFilter != nil && !typeFilter[et] {
			continue
		}
		id := s.bus.Subscribe(et, func(e events.Event) {
			data, _ := json.Marshal(e.Data)
			select {
			case ch <- sseEvent{eventType: string(e.Type), data: data}:
			default:
			}
		})
		ids = append(ids, id)
	}

	defer func() {
		for _, id := range ids {
			s.bus.Unsubscribe(id)
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.eventType, ev.data)
			flusher.Flush()
		}
	}
}

// --- Auth middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authUser == "" {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="lxproc"`)
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}

		if user != s.authUser || !checkPassword(pass, s.authPass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="lxproc"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
			return
		}

		next(w, r)
	}
}

func checkPassword(plain, hash string) bool {
	if hash == "" {
		return plain == ""
	}
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
	}
	// Plaintext fallback for testing only.
	return plain == hash
}

// --- Parsing helpers ---

func pathPid(w http.ResponseWriter, r *http.Request, name string) (process.Pid, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 32)
	if err != nil || v <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, r.PathValue(name)), "BAD_REQUEST")
		return 0, false
	}
	return process.Pid(v), true
}

// parseSignal accepts "TERM", "SIGTERM" or a decimal number.
func parseSignal(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("invalid signal: %s", s)
	}
	return int(sig), nil
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func writeKernelError(w http.ResponseWriter, err error) {
	status := classifyError(err)
	writeError(w, status, err.Error(), errorCode(status))
}

func classifyError(err error) int {
	switch {
	case errors.Is(err, linuxerr.ErrNoSuchEntity), errors.Is(err, linuxerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, linuxerr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, linuxerr.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	default:
		return "SERVER_ERROR"
	}
}
