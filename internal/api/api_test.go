package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/config"
	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/kernel"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/registry"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/testutil"
)

// --- Mock implementations ---

type mockKernel struct {
	processes []kernel.ProcessInfo
	signaled  map[process.Pid]int
}

func (m *mockKernel) ProcessTable() []kernel.ProcessInfo { return m.processes }
func (m *mockKernel) LookupProcess(pid process.Pid) (kernel.ProcessInfo, error) {
	for _, p := range m.processes {
		if p.Pid == pid {
			return p, nil
		}
	}
	return kernel.ProcessInfo{}, fmt.Errorf("lookup process %d: %w", pid, linuxerr.ErrNoSuchEntity)
}
func (m *mockKernel) LookupThread(tid process.Pid) (kernel.ThreadInfo, error) {
	p, err := m.LookupProcess(tid)
	if err != nil {
		return kernel.ThreadInfo{}, err
	}
	return kernel.ThreadInfo{Tid: tid, Pid: p.Pid}, nil
}
func (m *mockKernel) LookupGroup(pgid process.Pid) (kernel.GroupInfo, error) {
	if pgid != 1 {
		return kernel.GroupInfo{}, linuxerr.ErrNoSuchEntity
	}
	return kernel.GroupInfo{Pgid: 1, Sid: 1, Processes: []process.Pid{1, 2}}, nil
}
func (m *mockKernel) LookupSession(sid process.Pid) (kernel.SessionInfo, error) {
	if sid != 1 {
		return kernel.SessionInfo{}, linuxerr.ErrNoSuchEntity
	}
	return kernel.SessionInfo{Sid: 1, Groups: []process.Pid{1}}, nil
}
func (m *mockKernel) Stats() registry.Stats {
	return registry.Stats{Threads: 2, Processes: 2, Groups: 1, Sessions: 1}
}
func (m *mockKernel) SignalProcess(pid process.Pid, sig int) error {
	if sig < 0 || sig > 64 {
		return linuxerr.ErrInvalidArgument
	}
	if pid == 1 && sig == int(unix.SIGKILL) {
		return linuxerr.ErrPermissionDenied
	}
	if _, err := m.LookupProcess(pid); err != nil {
		return err
	}
	m.signaled[pid] = sig
	return nil
}

type mockDaemonInfo struct {
	shuttingDown bool
	ready        bool
	shutdown     chan struct{}
}

func (m *mockDaemonInfo) IsShuttingDown() bool { return m.shuttingDown }
func (m *mockDaemonInfo) IsReady() bool        { return m.ready }
func (m *mockDaemonInfo) Version() map[string]string {
	return map[string]string{"version": "dev", "commit": "abc123"}
}
func (m *mockDaemonInfo) Shutdown() { close(m.shutdown) }

type mockConsole struct{ data string }

func (m *mockConsole) Tail(n int) []byte {
	if n > len(m.data) {
		n = len(m.data)
	}
	return []byte(m.data[len(m.data)-n:])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(cfg Config) (*Server, *mockKernel, *mockDaemonInfo) {
	mk := &mockKernel{
		processes: []kernel.ProcessInfo{
			{Pid: 1, Pgid: 1, Sid: 1, State: "ALIVE", Exe: "/sbin/init"},
			{Pid: 2, Ppid: 1, Pgid: 1, Sid: 1, State: "ZOMBIE", Exe: "/bin/true"},
		},
		signaled: make(map[process.Pid]int),
	}
	di := &mockDaemonInfo{ready: true, shutdown: make(chan struct{})}
	bus := events.NewBus(discardLogger())
	srv := NewServer(cfg, mk, di, bus, discardLogger())
	return srv, mk, di
}

func do(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

// --- Probe endpoint tests ---

func TestHealthzOK(t *testing.T) {
	srv, _, _ := testServer(Config{})
	w := do(srv, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHealthzShuttingDown(t *testing.T) {
	srv, _, di := testServer(Config{})
	di.shuttingDown = true
	if w := do(srv, "GET", "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	srv, _, di := testServer(Config{})
	if w := do(srv, "GET", "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	di.ready = false
	if w := do(srv, "GET", "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestProbesSkipAuth(t *testing.T) {
	srv, _, _ := testServer(Config{Username: "admin", Password: "secret"})
	if w := do(srv, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// --- Table endpoint tests ---

func TestListProcesses(t *testing.T) {
	srv, _, _ := testServer(Config{})
	w := do(srv, "GET", "/api/v1/processes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var procs []kernel.ProcessInfo
	if err := json.Unmarshal(w.Body.Bytes(), &procs); err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 || procs[1].State != "ZOMBIE" {
		t.Fatalf("unexpected table: %+v", procs)
	}
}

func TestGetProcess(t *testing.T) {
	srv, _, _ := testServer(Config{})
	w := do(srv, "GET", "/api/v1/processes/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info kernel.ProcessInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Ppid != 1 || info.Exe != "/bin/true" {
		t.Fatalf("unexpected process: %+v", info)
	}
}

func TestGetProcessErrors(t *testing.T) {
	srv, _, _ := testServer(Config{})
	for _, tc := range []struct {
		target string
		status int
		code   string
	}{
		{"/api/v1/processes/99", http.StatusNotFound, "NOT_FOUND"},
		{"/api/v1/processes/abc", http.StatusBadRequest, "BAD_REQUEST"},
		{"/api/v1/processes/0", http.StatusBadRequest, "BAD_REQUEST"},
		{"/api/v1/threads/99", http.StatusNotFound, "NOT_FOUND"},
		{"/api/v1/groups/7", http.StatusNotFound, "NOT_FOUND"},
		{"/api/v1/sessions/7", http.StatusNotFound, "NOT_FOUND"},
	} {
		w := do(srv, "GET", tc.target, "")
		if w.Code != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.target, tc.status, w.Code)
			continue
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Errorf("%s: %v", tc.target, err)
			continue
		}
		if body["code"] != tc.code {
			t.Errorf("%s: code = %q, want %q", tc.target, body["code"], tc.code)
		}
	}
}

func TestGetThreadGroupSession(t *testing.T) {
	srv, _, _ := testServer(Config{})

	w := do(srv, "GET", "/api/v1/threads/2", "")
	var th kernel.ThreadInfo
	if err := json.Unmarshal(w.Body.Bytes(), &th); err != nil || th.Tid != 2 {
		t.Fatalf("thread = %+v, %v", th, err)
	}

	w = do(srv, "GET", "/api/v1/groups/1", "")
	var g kernel.GroupInfo
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil || len(g.Processes) != 2 {
		t.Fatalf("group = %+v, %v", g, err)
	}

	w = do(srv, "GET", "/api/v1/sessions/1", "")
	var s kernel.SessionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil || len(s.Groups) != 1 {
		t.Fatalf("session = %+v, %v", s, err)
	}
}

func TestStats(t *testing.T) {
	srv, _, _ := testServer(Config{})
	w := do(srv, "GET", "/api/v1/stats", "")
	var st registry.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Processes != 2 || st.Sessions != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

// --- Signal endpoint tests ---

func TestSignalProcess(t *testing.T) {
	srv, mk, _ := testServer(Config{})
	for _, tc := range []struct {
		body string
		want int
	}{
		{`{"signal":"TERM"}`, int(unix.SIGTERM)},
		{`{"signal":"sigusr1"}`, int(unix.SIGUSR1)},
		{`{"signal":"10"}`, 10},
	} {
		w := do(srv, "POST", "/api/v1/processes/2/signal", tc.body)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d: %s", tc.body, w.Code, w.Body.String())
			continue
		}
		if mk.signaled[2] != tc.want {
			t.Errorf("%s: delivered %d, want %d", tc.body, mk.signaled[2], tc.want)
		}
	}
}

func TestSignalProcessErrors(t *testing.T) {
	srv, _, _ := testServer(Config{})
	for _, tc := range []struct {
		target string
		body   string
		status int
	}{
		{"/api/v1/processes/2/signal", "", http.StatusBadRequest},
		{"/api/v1/processes/2/signal", `{"signal":"BOGUS"}`, http.StatusBadRequest},
		{"/api/v1/processes/2/signal", `{"signal":"99"}`, http.StatusBadRequest},
		{"/api/v1/processes/99/signal", `{"signal":"TERM"}`, http.StatusNotFound},
		{"/api/v1/processes/1/signal", `{"signal":"KILL"}`, http.StatusForbidden},
	} {
		if w := do(srv, "POST", tc.target, tc.body); w.Code != tc.status {
			t.Errorf("%s %s: expected %d, got %d", tc.target, tc.body, tc.status, w.Code)
		}
	}
}

func TestParseSignal(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"TERM", 15, false},
		{"SIGKILL", 9, false},
		{" hup ", 1, false},
		{"0", 0, false},
		{"NOPE", 0, true},
	} {
		got, err := parseSignal(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseSignal(%q) = %d, %v", tc.in, got, err)
		}
	}
}

// --- Console, version, shutdown ---

func TestConsoleTail(t *testing.T) {
	srv, _, _ := testServer(Config{Console: &mockConsole{data: "boot ok\nhello\n"}})
	w := do(srv, "GET", "/api/v1/console?bytes=6", "")
	if w.Code != http.StatusOK || w.Body.String() != "hello\n" {
		t.Fatalf("console = %d %q", w.Code, w.Body.String())
	}
	if w := do(srv, "GET", "/api/v1/console?bytes=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestConsoleDisabled(t *testing.T) {
	srv, _, _ := testServer(Config{})
	if w := do(srv, "GET", "/api/v1/console", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestVersion(t *testing.T) {
	srv, _, _ := testServer(Config{})
	w := do(srv, "GET", "/api/v1/version", "")
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "dev" {
		t.Fatalf("expected dev, got %s", body["version"])
	}
}

func TestShutdown(t *testing.T) {
	srv, _, di := testServer(Config{})
	if w := do(srv, "POST", "/api/v1/shutdown", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case <-di.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not requested")
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "lxproc_up 1\n")
	})
	srv, _, _ := testServer(Config{Metrics: metrics})
	w := do(srv, "GET", "/metrics", "")
	if !strings.Contains(w.Body.String(), "lxproc_up") {
		t.Fatalf("unexpected metrics body %q", w.Body.String())
	}

	bare, _, _ := testServer(Config{})
	if w := do(bare, "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", w.Code)
	}
}

func TestWebRoute(t *testing.T) {
	dashboard := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "dashboard "+r.URL.Path)
	})
	srv, _, _ := testServer(Config{Web: dashboard, Username: "admin", Password: "secret"})

	if w := do(srv, "GET", "/", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for dashboard without credentials, got %d", w.Code)
	}
	req := httptest.NewRequest("GET", "/console", nil)
	req.SetBasicAuth("admin", "secret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Body.String() != "dashboard /console" {
		t.Fatalf("unexpected dashboard body %q", w.Body.String())
	}
	if w := do(srv, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("probe shadowed by dashboard: %d", w.Code)
	}
}

// --- Auth tests ---

func TestAuthRequired(t *testing.T) {
	srv, _, _ := testServer(Config{Username: "admin", Password: "secret"})
	w := do(srv, "GET", "/api/v1/processes", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestAuthCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	for _, pass := range []string{"secret", string(hash)} {
		srv, _, _ := testServer(Config{Username: "admin", Password: pass})
		for _, tc := range []struct {
			user, pass string
			status     int
		}{
			{"admin", "secret", http.StatusOK},
			{"admin", "wrong", http.StatusUnauthorized},
			{"root", "secret", http.StatusUnauthorized},
		} {
			req := httptest.NewRequest("GET", "/api/v1/stats", nil)
			req.SetBasicAuth(tc.user, tc.pass)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Errorf("%s:%s against %.4s: expected %d, got %d", tc.user, tc.pass, pass, tc.status, w.Code)
			}
		}
	}
}

func TestCheckPassword(t *testing.T) {
	if !checkPassword("", "") {
		t.Error("empty password should match empty hash")
	}
	if checkPassword("x", "") {
		t.Error("non-empty password matched empty hash")
	}
}

// --- Listener tests ---

func TestServeAndStop(t *testing.T) {
	srv, _, _ := testServer(Config{})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v after Stop", err)
	}
}

func TestServeWithoutListen(t *testing.T) {
	srv, _, _ := testServer(Config{})
	if err := srv.Serve(); err == nil {
		t.Fatal("expected an error")
	}
	if srv.Addr() != "" {
		t.Fatal("expected empty address")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestListenBadAddress(t *testing.T) {
	srv, _, _ := testServer(Config{})
	if err := srv.Listen("127.0.0.1:-1"); err == nil {
		t.Fatal("expected bind error")
	}
}

// --- SSE tests ---

func TestEventStreamSSE(t *testing.T) {
	srv, _, _ := testServer(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events/stream?types=PROCESS_REAPED", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatal("expected X-Accel-Buffering: no")
	}

	testutil.WaitFor(t, func() bool { return srv.bus.SubscriberCount(events.ProcessReaped) == 1 }, time.Second)
	if n := srv.bus.SubscriberCount(events.ProcessExited); n != 0 {
		t.Fatalf("filtered stream subscribed to PROCESS_EXITED (%d)", n)
	}

	srv.bus.Publish(events.Event{
		Type: events.ProcessReaped,
		Data: map[string]string{"pid": "2"},
	})

	buf := make([]byte, 1024)
	n, _ := resp.Body.Read(buf)
	data := string(buf[:n])
	if !strings.Contains(data, "event: PROCESS_REAPED") || !strings.Contains(data, `"pid":"2"`) {
		t.Fatalf("expected event in SSE stream, got: %s", data)
	}
}

// --- Against a booted kernel ---

func TestAgainstBootedKernel(t *testing.T) {
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	bus := events.NewBus(discardLogger())
	k := kernel.New(kernel.Options{
		Config:   cfg.Kernel,
		Logger:   discardLogger(),
		Bus:      bus,
		Registry: registry.New(),
	})

	children := make(chan process.Pid, 1)
	reaped := make(chan unix.WaitStatus, 1)
	k.Loader().Register(cfg.Kernel.Init, func(k *kernel.Kernel, task *sched.Task, _ []string) int32 {
		pid, err := k.Fork(task, func(ct *sched.Task) {
			for {
				_ = k.Pause(ct)
			}
		})
		if err != nil {
			t.Errorf("fork: %v", err)
			return 1
		}
		children <- pid
		_, status, err := k.Wait4(task, pid, 0)
		if err != nil {
			t.Errorf("wait4: %v", err)
		}
		reaped <- status
		return 0
	})
	task, err := k.Boot()
	if err != nil {
		t.Fatal(err)
	}

	di := &mockDaemonInfo{ready: true, shutdown: make(chan struct{})}
	srv := NewServer(Config{}, k, di, bus, discardLogger())
	child := <-children

	w := do(srv, "GET", "/api/v1/processes", "")
	var procs []kernel.ProcessInfo
	if err := json.Unmarshal(w.Body.Bytes(), &procs); err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected init and one child, got %+v", procs)
	}

	target := fmt.Sprintf("/api/v1/processes/%d/signal", child)
	if w := do(srv, "POST", target, `{"signal":"TERM"}`); w.Code != http.StatusOK {
		t.Fatalf("signal: %d %s", w.Code, w.Body.String())
	}
	select {
	case status := <-reaped:
		if !status.Signaled() || status.Signal() != unix.SIGTERM {
			t.Fatalf("child status %#x, want killed by SIGTERM", uint32(status))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := task.Join(ctx); err != nil {
		t.Fatal(err)
	}
	if w := do(srv, "GET", fmt.Sprintf("/api/v1/processes/%d", child), ""); w.Code != http.StatusNotFound {
		t.Fatalf("reaped child still visible: %d", w.Code)
	}
}
