// Package testutil provides shared test helpers for the lxproc test suite.
package testutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kahiteam/lxproc/internal/config"
)

// TempDir creates a temporary directory for testing and registers cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lxproc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// FreeTCPPort returns an available TCP port by binding to :0 and releasing.
func FreeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// MustParseConfig parses a TOML string into a Config struct, failing the
// test on error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml")
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// WaitFor polls a condition function until it returns true or the timeout
// expires. The test fails if the condition is not met within the timeout.
func WaitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	interval := 10 * time.Millisecond

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal("WaitFor: condition not met within timeout")
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}

// TestEnv is a scratch directory holding a config file for daemon tests.
type TestEnv struct {
	Dir        string
	ConfigPath string
	PIDFile    string
}

// NewTestEnv writes a config file that logs at debug level in text format
// and keeps its PID file inside the scratch directory. configTOML is
// appended after the generated sections.
func NewTestEnv(t *testing.T, configTOML string) *TestEnv {
	t.Helper()
	dir := TempDir(t)
	pidFile := filepath.Join(dir, "lxproc.pid")

	fullConfig := fmt.Sprintf(`
[log]
level = "debug"
format = "text"

[daemon]
pid_file = %q
shutdown_timeout = 5

%s
`, pidFile, configTOML)

	return &TestEnv{
		Dir:        dir,
		ConfigPath: WriteFile(t, dir, "lxproc.toml", fullConfig),
		PIDFile:    pidFile,
	}
}
