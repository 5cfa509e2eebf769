package kernel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
)

const waitOptions = unix.WNOHANG | unix.WUNTRACED | unix.WCONTINUED | unix.WNOTHREAD | unix.WALL | unix.WCLONE

// Wait4 reaps a zombie child of the calling process selected by pid:
// -1 any child, >0 that child, 0 any child in the caller's process group,
// <-1 any child in process group -pid. With WNOHANG it returns pid 0 when
// matching children exist but none has exited yet.
func (k *Kernel) Wait4(t *sched.Task, pid process.Pid, options int) (process.Pid, unix.WaitStatus, error) {
	if options&^waitOptions != 0 {
		return 0, 0, fmt.Errorf("wait4: options %#x: %w", options, linuxerr.ErrInvalidArgument)
	}
	th, err := Current(t)
	if err != nil {
		return 0, 0, err
	}
	proc := th.Process()
	sig := th.Data().Signal()

	for {
		var (
			zombie *process.Process
			werr   error
		)
		proc.Data().ChildExitWQ().WaitUntil(func() bool {
			zombie, werr = findZombie(proc, pid, options)
			switch {
			case zombie != nil || werr != nil:
				return true
			case options&unix.WNOHANG != 0:
				return true
			case sig.HasPending():
				werr = fmt.Errorf("wait4: %w", linuxerr.ErrInterrupted)
				return true
			}
			return false
		})
		if werr != nil {
			if errors.Is(werr, linuxerr.ErrInterrupted) {
				k.HandleSignals(t)
			}
			return 0, 0, werr
		}
		if zombie == nil {
			return 0, 0, nil
		}

		status := unix.WaitStatus(zombie.ExitCode())
		if err := zombie.Free(); err != nil {
			// Another thread of the caller reaped it first.
			continue
		}
		zombie.Data().Release()

		k.logger.Debug("reaped", "pid", int(zombie.Pid()), "status", uint32(status))
		k.publish(events.ProcessReaped, map[string]string{
			"pid":  pidString(zombie.Pid()),
			"ppid": pidString(proc.Pid()),
		})
		return zombie.Pid(), status, nil
	}
}

// findZombie returns a matching child that has exited, nil if matching
// children exist but none has, and ECHILD if none match.
func findZombie(parent *process.Process, pid process.Pid, options int) (*process.Process, error) {
	matched := false
	for _, child := range parent.Children() {
		if !matchesPid(parent, child, pid) || !matchesCloneKind(child, options) {
			continue
		}
		matched = true
		if child.State() == process.Zombie {
			return child, nil
		}
	}
	if !matched {
		return nil, fmt.Errorf("wait4 %d: %w", pid, linuxerr.ErrNoChild)
	}
	return nil, nil
}

func matchesPid(parent, child *process.Process, pid process.Pid) bool {
	switch {
	case pid == -1:
		return true
	case pid > 0:
		return child.Pid() == pid
	case pid == 0:
		return child.Group() == parent.Group()
	default:
		return child.Group().Pgid() == -pid
	}
}

// matchesCloneKind applies __WALL and __WCLONE: by default only children
// that signal SIGCHLD on exit are waited for.
func matchesCloneKind(child *process.Process, options int) bool {
	if options&unix.WALL != 0 {
		return true
	}
	return child.Data().IsCloneChild() == (options&unix.WCLONE != 0)
}
