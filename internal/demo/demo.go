// Package demo provides the built-in programs that `lxproc run` boots. The
// init program walks the process lifecycle once (fork, vfork and exec,
// thread groups, signals, sessions) and reports each step on the console.
package demo

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/kernel"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/signal"
)

// HelloPath is where Hello is installed.
const HelloPath = "/bin/hello"

const threadFlags = kernel.CloneThread | kernel.CloneVM | kernel.CloneSighand | kernel.CloneFS | kernel.CloneFiles

// Programs returns the demo programs keyed by path, with Init installed at
// initPath.
func Programs(initPath string) map[string]kernel.Program {
	return map[string]kernel.Program{
		initPath:  Init,
		HelloPath: Hello,
	}
}

func printf(k *kernel.Kernel, t *sched.Task, format string, args ...any) {
	_, _ = k.Write(t, 1, []byte(fmt.Sprintf(format, args...)))
}

// Hello prints its pid and arguments and exits 0.
func Hello(k *kernel.Kernel, t *sched.Task, argv []string) int32 {
	printf(k, t, "hello from pid %d (ppid %d) argv=%q\n", k.Getpid(t), k.Getppid(t), argv)
	return 0
}

type step struct {
	name string
	run  func(k *kernel.Kernel, t *sched.Task) error
}

var steps = []step{
	{"fork and exit", forkAndExit},
	{"vfork and exec", vforkExec},
	{"thread group exit", threadGroupExit},
	{"kill child", killChild},
	{"new session", newSession},
	{"process table", printTable},
}

// HoldArg makes Init keep running after its steps: it starts a sleeper
// child and then reaps children until a signal ends it.
const HoldArg = "--hold"

// Init runs every demo step in order and exits 1 if any failed.
func Init(k *kernel.Kernel, t *sched.Task, argv []string) int32 {
	printf(k, t, "lxproc init running as pid %d\n", k.Getpid(t))
	failed := 0
	for _, s := range steps {
		if err := s.run(k, t); err != nil {
			printf(k, t, "FAIL %s: %v\n", s.name, err)
			failed++
			continue
		}
		printf(k, t, "ok   %s\n", s.name)
	}
	if failed > 0 {
		printf(k, t, "%d of %d steps failed\n", failed, len(steps))
		return 1
	}
	printf(k, t, "all %d steps passed\n", len(steps))
	if slices.Contains(argv, HoldArg) {
		hold(k, t)
	}
	return 0
}

// hold forks a sleeper and reaps children forever, reporting each exit.
func hold(k *kernel.Kernel, t *sched.Task) {
	pid, err := k.Fork(t, func(c *sched.Task) {
		for {
			_ = k.Pause(c)
		}
	})
	if err != nil {
		printf(k, t, "cannot start sleeper: %v\n", err)
	} else {
		printf(k, t, "sleeper started as pid %d\n", pid)
	}
	for {
		pid, ws, err := k.Wait4(t, -1, 0)
		switch {
		case errors.Is(err, linuxerr.ErrNoChild):
			_ = k.Pause(t)
		case err == nil:
			printf(k, t, "reaped pid %d status %#x\n", pid, uint32(ws))
		}
	}
}

// reap waits for pid and checks that it ended the way want describes.
func reap(k *kernel.Kernel, t *sched.Task, pid process.Pid, want func(unix.WaitStatus) bool) error {
	got, ws, err := k.Wait4(t, pid, 0)
	if err != nil {
		return err
	}
	if got != pid {
		return fmt.Errorf("wait4 returned pid %d, want %d", got, pid)
	}
	if !want(ws) {
		return fmt.Errorf("unexpected status %#x for pid %d", uint32(ws), pid)
	}
	return nil
}

func exitedWith(code int) func(unix.WaitStatus) bool {
	return func(ws unix.WaitStatus) bool { return ws.Exited() && ws.ExitStatus() == code }
}

func forkAndExit(k *kernel.Kernel, t *sched.Task) error {
	pid, err := k.Fork(t, func(c *sched.Task) {
		k.Exit(c, 7)
	})
	if err != nil {
		return err
	}
	return reap(k, t, pid, exitedWith(7))
}

func vforkExec(k *kernel.Kernel, t *sched.Task) error {
	pid, err := k.Vfork(t, func(c *sched.Task) {
		err := k.Execve(c, HelloPath, []string{HelloPath, "vfork"})
		printf(k, c, "exec %s: %v\n", HelloPath, err)
		k.Exit(c, 127)
	})
	if err != nil {
		return err
	}
	return reap(k, t, pid, exitedWith(0))
}

func threadGroupExit(k *kernel.Kernel, t *sched.Task) error {
	pid, err := k.Fork(t, func(c *sched.Task) {
		for range 2 {
			if _, err := k.Clone(c, kernel.CloneArgs{
				Flags: uint32(threadFlags),
				Entry: func(w *sched.Task) {
					for {
						_ = k.Pause(w)
					}
				},
			}); err != nil {
				k.Exit(c, 1)
			}
		}
		k.ExitGroup(c, 4)
	})
	if err != nil {
		return err
	}
	return reap(k, t, pid, exitedWith(4))
}

func killChild(k *kernel.Kernel, t *sched.Task) error {
	pid, err := k.Fork(t, func(c *sched.Task) {
		for {
			_ = k.Pause(c)
		}
	})
	if err != nil {
		return err
	}
	if err := k.Kill(t, pid, int(signal.SIGTERM)); err != nil {
		return err
	}
	return reap(k, t, pid, func(ws unix.WaitStatus) bool {
		return ws.Signaled() && ws.Signal() == unix.SIGTERM
	})
}

func newSession(k *kernel.Kernel, t *sched.Task) error {
	pid, err := k.Fork(t, func(c *sched.Task) {
		sid, err := k.Setsid(c)
		if err != nil || sid != k.Getpid(c) {
			k.Exit(c, 1)
		}
		if _, err := k.Setsid(c); err == nil {
			// a session leader cannot start another session
			k.Exit(c, 2)
		}
		k.Exit(c, 0)
	})
	if err != nil {
		return err
	}
	return reap(k, t, pid, exitedWith(0))
}

// printTable writes the process table while a zombie child is waiting to
// be reaped.
func printTable(k *kernel.Kernel, t *sched.Task) error {
	pid, err := k.Fork(t, func(c *sched.Task) {
		k.Exit(c, 0)
	})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := k.LookupProcess(pid)
		if err != nil {
			return err
		}
		if info.State == "ZOMBIE" {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("child never became a zombie")
		}
		_ = k.Nanosleep(t, time.Millisecond)
	}
	printf(k, t, "%-5s %-5s %-5s %-5s %-7s %s\n", "PID", "PPID", "PGID", "SID", "STATE", "EXE")
	for _, p := range k.ProcessTable() {
		printf(k, t, "%-5d %-5d %-5d %-5d %-7s %s\n", p.Pid, p.Ppid, p.Pgid, p.Sid, p.State, p.Exe)
	}
	return reap(k, t, pid, exitedWith(0))
}
