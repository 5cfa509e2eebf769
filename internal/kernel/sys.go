package kernel

import (
	"fmt"
	"io"
	"path"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/ns"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
)

// mustCurrent returns the thread of t for calls that cannot fail. A task
// the kernel did not create has no thread, which is a kernel bug.
func mustCurrent(t *sched.Task) *process.Thread {
	th, err := Current(t)
	if err != nil {
		panic(err)
	}
	return th
}

// Gettid returns the caller's thread id.
func (k *Kernel) Gettid(t *sched.Task) process.Pid { return mustCurrent(t).Tid() }

// Getpid returns the caller's process id.
func (k *Kernel) Getpid(t *sched.Task) process.Pid { return mustCurrent(t).Process().Pid() }

// Getppid returns the parent's process id, or 0 if there is none.
func (k *Kernel) Getppid(t *sched.Task) process.Pid {
	if parent := mustCurrent(t).Process().Parent(); parent != nil {
		return parent.Pid()
	}
	return 0
}

// SetTidAddress sets the caller's clear_child_tid address and returns its
// thread id.
func (k *Kernel) SetTidAddress(t *sched.Task, addr uintptr) process.Pid {
	th := mustCurrent(t)
	th.Data().SetClearChildTid(addr)
	return th.Tid()
}

// SchedYield yields the processor and delivers pending signals.
func (k *Kernel) SchedYield(t *sched.Task) {
	sched.Yield()
	k.HandleSignals(t)
}

// target resolves the pid argument of the group and session calls: 0 is
// the caller itself.
func (k *Kernel) target(t *sched.Task, pid process.Pid) (*process.Process, error) {
	self := mustCurrent(t).Process()
	if pid == 0 || pid == self.Pid() {
		return self, nil
	}
	return k.reg.Process(pid)
}

// Getpgid returns the process group of pid.
func (k *Kernel) Getpgid(t *sched.Task, pid process.Pid) (process.Pid, error) {
	p, err := k.target(t, pid)
	if err != nil {
		return 0, fmt.Errorf("getpgid: %w", err)
	}
	return p.Group().Pgid(), nil
}

// Getsid returns the session of pid.
func (k *Kernel) Getsid(t *sched.Task, pid process.Pid) (process.Pid, error) {
	p, err := k.target(t, pid)
	if err != nil {
		return 0, fmt.Errorf("getsid: %w", err)
	}
	return p.Group().Session().Sid(), nil
}

// Setsid makes the caller the leader of a new session and process group.
func (k *Kernel) Setsid(t *sched.Task) (process.Pid, error) {
	proc := mustCurrent(t).Process()
	if proc.Group().Pgid() == proc.Pid() {
		return 0, fmt.Errorf("setsid: process %d leads a group: %w", proc.Pid(), linuxerr.ErrPermissionDenied)
	}
	session, group, ok := proc.CreateSession()
	if !ok {
		return 0, fmt.Errorf("setsid: process %d leads a session: %w", proc.Pid(), linuxerr.ErrPermissionDenied)
	}
	k.reg.AddGroup(group)
	k.publish(events.SessionCreated, map[string]string{"sid": pidString(session.Sid())})
	k.publish(events.ProcessGroupCreated, map[string]string{"pgid": pidString(group.Pgid())})
	return session.Sid(), nil
}

// Setpgid moves pid (0 for the caller) into process group pgid (0 for a
// group led by pid). The target must be the caller or one of its children,
// and the group must be in the target's session.
func (k *Kernel) Setpgid(t *sched.Task, pid, pgid process.Pid) error {
	if pgid < 0 {
		return fmt.Errorf("setpgid: pgid %d: %w", pgid, linuxerr.ErrInvalidArgument)
	}
	self := mustCurrent(t).Process()
	p, err := k.target(t, pid)
	if err != nil {
		return fmt.Errorf("setpgid: %w", err)
	}
	if p != self && p.Parent() != self {
		return fmt.Errorf("setpgid: process %d is not a child of %d: %w", p.Pid(), self.Pid(), linuxerr.ErrNoSuchEntity)
	}
	if p.Group().Session().Sid() == p.Pid() {
		return fmt.Errorf("setpgid: process %d leads a session: %w", p.Pid(), linuxerr.ErrPermissionDenied)
	}
	if pgid == 0 {
		pgid = p.Pid()
	}

	if pgid == p.Pid() {
		if p.Group().Pgid() == pgid {
			return nil
		}
		group, ok := p.CreateGroup()
		if !ok {
			return fmt.Errorf("setpgid: %w", linuxerr.ErrPermissionDenied)
		}
		k.reg.AddGroup(group)
		k.publish(events.ProcessGroupCreated, map[string]string{"pgid": pidString(group.Pgid())})
		return nil
	}

	group, err := k.reg.ProcessGroup(pgid)
	if err != nil {
		return fmt.Errorf("setpgid: %w", linuxerr.ErrPermissionDenied)
	}
	if !p.MoveToGroup(group) {
		return fmt.Errorf("setpgid: group %d is in another session: %w", pgid, linuxerr.ErrPermissionDenied)
	}
	return nil
}

// Getuid returns the caller's real user id.
func (k *Kernel) Getuid(t *sched.Task) uint32 { return k.cred(t).Uid }

// Geteuid returns the caller's effective user id.
func (k *Kernel) Geteuid(t *sched.Task) uint32 { return k.cred(t).Euid }

// Getgid returns the caller's real group id.
func (k *Kernel) Getgid(t *sched.Task) uint32 { return k.cred(t).Gid }

// Getegid returns the caller's effective group id.
func (k *Kernel) Getegid(t *sched.Task) uint32 { return k.cred(t).Egid }

func (k *Kernel) cred(t *sched.Task) process.Credentials {
	return mustCurrent(t).Process().Data().Cred()
}

// Setuid sets the user ids. A privileged caller sets both the real and the
// effective id; others may only set the effective id to the real one.
func (k *Kernel) Setuid(t *sched.Task, uid uint32) error {
	data := mustCurrent(t).Process().Data()
	c := data.Cred()
	switch {
	case c.Privileged():
		c.Uid, c.Euid = uid, uid
	case uid == c.Uid:
		c.Euid = uid
	default:
		return fmt.Errorf("setuid %d: %w", uid, linuxerr.ErrPermissionDenied)
	}
	data.SetCred(c)
	return nil
}

// Setgid sets the group ids with the rules of Setuid.
func (k *Kernel) Setgid(t *sched.Task, gid uint32) error {
	data := mustCurrent(t).Process().Data()
	c := data.Cred()
	switch {
	case c.Privileged():
		c.Gid, c.Egid = gid, gid
	case gid == c.Gid:
		c.Egid = gid
	default:
		return fmt.Errorf("setgid %d: %w", gid, linuxerr.ErrPermissionDenied)
	}
	data.SetCred(c)
	return nil
}

func pageUp(v uintptr) uintptr { return (v + mm.PageSize - 1) &^ (mm.PageSize - 1) }

// Brk moves the top of the heap to addr and returns the new top. On
// failure, or when addr lies outside the heap, the old top is returned.
// The heap is bounded by max_pages.
func (k *Kernel) Brk(t *sched.Task, addr uintptr) uintptr {
	data := mustCurrent(t).Process().Data()
	bottom, top := data.HeapBottom(), data.HeapTop()
	limit := bottom + uintptr(k.cfg.MaxPages)*mm.PageSize
	if addr < bottom || addr > limit {
		return top
	}

	as := data.AddrSpace()
	oldEnd, newEnd := pageUp(top), pageUp(addr)
	switch {
	case newEnd > oldEnd:
		if err := as.Map(oldEnd, newEnd-oldEnd, mm.Read|mm.Write|mm.User); err != nil {
			k.logger.Debug("brk", "addr", addr, "error", err)
			return top
		}
	case newEnd < oldEnd:
		if err := as.Unmap(newEnd, oldEnd-newEnd); err != nil {
			k.logger.Debug("brk", "addr", addr, "error", err)
			return top
		}
	}
	data.SetHeapTop(addr)
	return addr
}

func (k *Kernel) fdTable(t *sched.Task) (*ns.FDTable, error) {
	fds := mustCurrent(t).Process().Data().Namespace().FDTable.Load()
	if fds == nil {
		return nil, fmt.Errorf("no descriptor table: %w", linuxerr.ErrBadFD)
	}
	return fds, nil
}

// Write writes buf to fd.
func (k *Kernel) Write(t *sched.Task, fd int, buf []byte) (int, error) {
	fds, err := k.fdTable(t)
	if err != nil {
		return 0, err
	}
	f, err := fds.Get(fd)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	w, ok := f.(io.Writer)
	if !ok {
		return 0, fmt.Errorf("write %s: %w", f.Path(), linuxerr.ErrBadFD)
	}
	return w.Write(buf)
}

// Dup installs a second descriptor for the file at fd.
func (k *Kernel) Dup(t *sched.Task, fd int) (int, error) {
	fds, err := k.fdTable(t)
	if err != nil {
		return -1, err
	}
	f, err := fds.Get(fd)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return fds.Add(f)
}

// Close closes fd.
func (k *Kernel) Close(t *sched.Task, fd int) error {
	fds, err := k.fdTable(t)
	if err != nil {
		return err
	}
	return fds.Close(fd)
}

// Chdir changes the working directory. Relative paths resolve against the
// current one.
func (k *Kernel) Chdir(t *sched.Task, dir string) error {
	if dir == "" {
		return fmt.Errorf("chdir: empty path: %w", linuxerr.ErrNotFound)
	}
	nsp := mustCurrent(t).Process().Data().Namespace()
	if !path.IsAbs(dir) {
		dir = path.Join(nsp.CurrentDirPath.Load(), dir)
	}
	nsp.Chdir(ns.Dir{Path: path.Clean(dir), Node: k.nextNode.Add(1)})
	return nil
}

// Getcwd returns the working directory.
func (k *Kernel) Getcwd(t *sched.Task) string {
	return mustCurrent(t).Process().Data().Namespace().CurrentDirPath.Load()
}
