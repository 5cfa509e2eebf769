package kernel

import (
	"fmt"
	"slices"
	"sync"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/sched"
)

// Program is an executable image. It runs on the task that exec'd it and
// returns the exit code of the thread.
type Program func(k *Kernel, t *sched.Task, argv []string) int32

// Loader resolves executable paths to programs.
type Loader struct {
	mu    sync.RWMutex
	progs map[string]Program
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{progs: make(map[string]Program)}
}

// Register installs prog at path, replacing any previous program.
func (l *Loader) Register(path string, prog Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progs[path] = prog
}

// Lookup returns the program at path.
func (l *Loader) Lookup(path string) (Program, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prog, ok := l.progs[path]
	if !ok {
		return nil, fmt.Errorf("exec %s: %w", path, linuxerr.ErrNotFound)
	}
	return prog, nil
}

// Paths lists the registered paths in order.
func (l *Loader) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.progs))
	for p := range l.progs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Execve replaces the program of the calling process. On success it does
// not return: the new program runs on t and its result exits the thread.
// The process gets a fresh address space and heap, handled signals revert
// to their default action, and a waiting vfork parent is released.
func (k *Kernel) Execve(t *sched.Task, path string, argv []string) error {
	th, err := Current(t)
	if err != nil {
		return err
	}
	prog, err := k.loader.Lookup(path)
	if err != nil {
		return err
	}
	proc := th.Process()
	if n := proc.ThreadCount(); n > 1 {
		return fmt.Errorf("exec %s: process %d has %d threads: %w", path, proc.Pid(), n, linuxerr.ErrWouldBlock)
	}

	aspace, err := k.newUserSpace()
	if err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	data := proc.Data()
	data.SetAddrSpace(aspace)
	t.SetPageTableRoot(aspace.PageTableRoot())
	base := uintptr(k.cfg.UserHeapBase)
	data.SetHeapBottom(base)
	data.SetHeapTop(base)

	actions := data.Signal().Actions().Clone()
	actions.ResetHandlers()
	data.Signal().SetActions(actions)
	data.SetExePath(path)

	k.releaseVforkParent(proc)

	k.logger.Info("exec", "pid", int(proc.Pid()), "path", path, "argv", argv)
	k.publish(events.ProcessExec, map[string]string{
		"pid":  pidString(proc.Pid()),
		"path": path,
	})

	k.Exit(t, prog(k, t, argv))
	return nil
}
