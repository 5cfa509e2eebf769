package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

const (
	pidLockRetryInterval = 50 * time.Millisecond
	pidLockTimeout       = 2 * time.Second
)

// PIDFile is a locked file holding the daemon's host pid. A second daemon
// configured with the same path fails to start while the lock is held.
type PIDFile struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

// AcquirePIDFile locks path and writes the current pid to it. An empty path
// returns a PIDFile whose Release is a no-op.
func AcquirePIDFile(ctx context.Context, path string, logger *slog.Logger) (*PIDFile, error) {
	if path == "" {
		return &PIDFile{logger: logger}, nil
	}
	fl := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, pidLockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, pidLockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("cannot lock PID file %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("cannot lock PID file %s: held by another daemon", path)
	}

	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		_ = fl.Close()
		return nil, fmt.Errorf("cannot write PID file: %s: %w", path, err)
	}
	return &PIDFile{path: path, lock: fl, logger: logger}, nil
}

// Path returns the locked path, or empty when no PID file is kept.
func (p *PIDFile) Path() string { return p.path }

// Release removes the PID file and drops the lock.
func (p *PIDFile) Release() {
	if p == nil || p.lock == nil {
		return
	}
	_ = os.Remove(p.path)
	if err := p.lock.Close(); err != nil {
		p.logger.Debug("failed to release PID file lock", "path", p.path, "error", err)
	}
	p.lock = nil
}
