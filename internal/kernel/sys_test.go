package kernel

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/signal"
)

func TestSetsid(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		if _, err := k.Setsid(task); !errors.Is(err, linuxerr.ErrPermissionDenied) {
			t.Errorf("setsid by a group leader = %v, want EPERM", err)
		}

		pid, _ := k.Fork(task, func(ct *sched.Task) {
			sid, err := k.Setsid(ct)
			if err != nil {
				t.Errorf("setsid: %v", err)
				return
			}
			self := k.Getpid(ct)
			if sid != self {
				t.Errorf("sid = %d, want %d", sid, self)
			}
			if pgid, _ := k.Getpgid(ct, 0); pgid != self {
				t.Errorf("pgid = %d, want %d", pgid, self)
			}
			if _, err := k.Registry().Session(sid); err != nil {
				t.Errorf("session not registered: %v", err)
			}
			if _, err := k.Registry().ProcessGroup(sid); err != nil {
				t.Errorf("group not registered: %v", err)
			}
			if _, err := k.Setsid(ct); !errors.Is(err, linuxerr.ErrPermissionDenied) {
				t.Errorf("second setsid = %v, want EPERM", err)
			}
			if err := k.Setpgid(ct, 0, 0); !errors.Is(err, linuxerr.ErrPermissionDenied) {
				t.Errorf("setpgid by a session leader = %v, want EPERM", err)
			}
		})
		if _, _, err := k.Wait4(task, pid, 0); err != nil {
			t.Errorf("wait4: %v", err)
		}
		return 0
	})
}

func TestSetpgidMovesChildren(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		hold := make(chan struct{})
		a, _ := k.Fork(task, func(*sched.Task) { <-hold })
		b, _ := k.Fork(task, func(*sched.Task) { <-hold })

		if err := k.Setpgid(task, a, 0); err != nil {
			t.Errorf("setpgid(%d, 0): %v", a, err)
		}
		if err := k.Setpgid(task, b, a); err != nil {
			t.Errorf("setpgid(%d, %d): %v", b, a, err)
		}
		for _, pid := range []process.Pid{a, b} {
			if pgid, _ := k.Getpgid(task, pid); pgid != a {
				t.Errorf("pgid of %d = %d, want %d", pid, pgid, a)
			}
		}
		if sid, _ := k.Getsid(task, b); sid != k.Getpid(task) {
			t.Errorf("sid of %d = %d, want the caller's", b, sid)
		}
		g, err := k.Registry().ProcessGroup(a)
		if err != nil {
			t.Errorf("group %d not registered: %v", a, err)
		} else if got := DescribeGroup(g).Processes; len(got) != 2 {
			t.Errorf("group members = %v, want two", got)
		}

		if err := k.Setpgid(task, a, -3); !errors.Is(err, linuxerr.ErrInvalidArgument) {
			t.Errorf("negative pgid = %v, want EINVAL", err)
		}
		if err := k.Setpgid(task, 4242, 0); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
			t.Errorf("missing pid = %v, want ESRCH", err)
		}
		if err := k.Setpgid(task, a, 4242); !errors.Is(err, linuxerr.ErrPermissionDenied) {
			t.Errorf("missing group = %v, want EPERM", err)
		}

		close(hold)
		for range 2 {
			_, _, _ = k.Wait4(task, -1, 0)
		}
		return 0
	})
}

func TestSetpgidRejectsNonChild(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		initPid := k.Getpid(task)
		pid, _ := k.Fork(task, func(ct *sched.Task) {
			if err := k.Setpgid(ct, initPid, 0); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
				t.Errorf("setpgid of the parent = %v, want ESRCH", err)
			}
		})
		_, _, _ = k.Wait4(task, pid, 0)
		return 0
	})
}

func TestBrk(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		data := mustCurrent(task).Process().Data()
		as := data.AddrSpace()
		bottom := data.HeapBottom()

		if got := k.Brk(task, 0); got != bottom {
			t.Errorf("brk(0) = %#x, want the current top %#x", got, bottom)
		}
		top := bottom + 2*mm.PageSize + 8
		if got := k.Brk(task, top); got != top {
			t.Errorf("grow = %#x, want %#x", got, top)
		}
		if err := as.WriteU32(bottom+2*mm.PageSize, 7); err != nil {
			t.Errorf("write to grown heap: %v", err)
		}
		if err := as.WriteU32(bottom, 9); err != nil {
			t.Errorf("write to heap bottom: %v", err)
		}

		limit := bottom + uintptr(k.Config().MaxPages)*mm.PageSize
		if got := k.Brk(task, limit+mm.PageSize); got != top {
			t.Errorf("brk past the limit = %#x, want the old top %#x", got, top)
		}

		if got := k.Brk(task, bottom+mm.PageSize); got != bottom+mm.PageSize {
			t.Errorf("shrink = %#x", got)
		}
		if err := as.WriteU32(bottom+2*mm.PageSize, 7); !errors.Is(err, linuxerr.ErrBadAddress) {
			t.Errorf("write above the shrunk heap = %v, want EFAULT", err)
		}
		if v, err := as.ReadU32(bottom); err != nil || v != 9 {
			t.Errorf("heap bottom after shrink = %d, %v; want 9", v, err)
		}
		if err := as.WriteU32(bottom, 7); err != nil {
			t.Errorf("write below the shrunk top: %v", err)
		}
		if got := k.Brk(task, bottom); got != bottom {
			t.Errorf("shrink to bottom = %#x", got)
		}
		if err := as.WriteU32(bottom, 7); !errors.Is(err, linuxerr.ErrBadAddress) {
			t.Errorf("write to an empty heap = %v, want EFAULT", err)
		}
		return 0
	})
}

func TestExecveReplacesImage(t *testing.T) {
	k := newTestKernel(t)
	k.Loader().Register("/bin/check", func(k *Kernel, task *sched.Task, argv []string) int32 {
		data := mustCurrent(task).Process().Data()
		if got := data.ExePath(); got != "/bin/check" {
			t.Errorf("exe = %q", got)
		}
		if !slices.Equal(argv, []string{"check", "-v"}) {
			t.Errorf("argv = %v", argv)
		}
		if data.HeapTop() != data.HeapBottom() {
			t.Errorf("heap not reset: %#x..%#x", data.HeapBottom(), data.HeapTop())
		}
		act, _ := k.Sigaction(task, int(signal.SIGUSR1), nil)
		if act.Disposition != signal.DispDefault {
			t.Errorf("SIGUSR1 handler survived exec: %+v", act)
		}
		act, _ = k.Sigaction(task, int(signal.SIGUSR2), nil)
		if act.Disposition != signal.DispIgnore {
			t.Errorf("ignored SIGUSR2 reset by exec: %+v", act)
		}
		return 4
	})
	runInit(t, k, func(task *sched.Task) int32 {
		pid, _ := k.Fork(task, func(ct *sched.Task) {
			_ = scratch(k, ct)
			_, _ = k.Sigaction(ct, int(signal.SIGUSR1), &signal.Action{
				Disposition: signal.DispHandler,
				Handler:     func(signal.Signo) {},
			})
			_, _ = k.Sigaction(ct, int(signal.SIGUSR2), &signal.Action{Disposition: signal.DispIgnore})
			err := k.Execve(ct, "/bin/check", []string{"check", "-v"})
			t.Errorf("execve returned: %v", err)
		})
		_, status, err := k.Wait4(task, pid, 0)
		if err != nil || status.ExitStatus() != 4 {
			t.Errorf("wait4 = %#x, %v; want exit 4", uint32(status), err)
		}
		return 0
	})
}

func TestExecveErrors(t *testing.T) {
	k := newTestKernel(t)
	k.Loader().Register("/bin/true", func(*Kernel, *sched.Task, []string) int32 { return 0 })
	runInit(t, k, func(task *sched.Task) int32 {
		if err := k.Execve(task, "/bin/missing", nil); !errors.Is(err, linuxerr.ErrNotFound) {
			t.Errorf("execve missing = %v, want ENOENT", err)
		}

		hold := make(chan struct{})
		_, _ = k.Clone(task, CloneArgs{
			Flags: uint32(threadFlags),
			Entry: func(*sched.Task) { <-hold },
		})
		if err := k.Execve(task, "/bin/true", nil); !errors.Is(err, linuxerr.ErrWouldBlock) {
			t.Errorf("execve with two threads = %v, want EAGAIN", err)
		}
		close(hold)
		return 0
	})
}

func TestSetuidRules(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		pid, _ := k.Fork(task, func(ct *sched.Task) {
			if err := k.Setgid(ct, 100); err != nil {
				t.Errorf("privileged setgid: %v", err)
			}
			if err := k.Setuid(ct, 1000); err != nil {
				t.Errorf("privileged setuid: %v", err)
			}
			if k.Getuid(ct) != 1000 || k.Geteuid(ct) != 1000 {
				t.Errorf("uid=%d euid=%d, want 1000", k.Getuid(ct), k.Geteuid(ct))
			}
			if k.Getgid(ct) != 100 || k.Getegid(ct) != 100 {
				t.Errorf("gid=%d egid=%d, want 100", k.Getgid(ct), k.Getegid(ct))
			}
			if err := k.Setuid(ct, 0); !errors.Is(err, linuxerr.ErrPermissionDenied) {
				t.Errorf("unprivileged setuid(0) = %v, want EPERM", err)
			}
			if err := k.Setgid(ct, 0); !errors.Is(err, linuxerr.ErrPermissionDenied) {
				t.Errorf("unprivileged setgid(0) = %v, want EPERM", err)
			}
			if err := k.Setuid(ct, 1000); err != nil {
				t.Errorf("setuid to the real id: %v", err)
			}
		})
		_, _, _ = k.Wait4(task, pid, 0)
		if k.Geteuid(task) != 0 {
			t.Error("child setuid changed the parent's credentials")
		}
		return 0
	})
}

func TestDescriptors(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		fd, err := k.Dup(task, 1)
		if err != nil || fd != 3 {
			t.Errorf("dup(1) = %d, %v; want 3", fd, err)
		}
		if _, err := k.Write(task, fd, []byte("x")); err != nil {
			t.Errorf("write to dup: %v", err)
		}
		if err := k.Close(task, fd); err != nil {
			t.Errorf("close: %v", err)
		}
		if err := k.Close(task, fd); !errors.Is(err, linuxerr.ErrBadFD) {
			t.Errorf("double close = %v, want EBADF", err)
		}
		if _, err := k.Write(task, 42, nil); !errors.Is(err, linuxerr.ErrBadFD) {
			t.Errorf("write to closed fd = %v, want EBADF", err)
		}
		if _, err := k.Dup(task, 42); !errors.Is(err, linuxerr.ErrBadFD) {
			t.Errorf("dup closed fd = %v, want EBADF", err)
		}
		return 0
	})
}

func TestChdir(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		for _, tc := range []struct{ dir, want string }{
			{"tmp", "/tmp"},
			{"../usr/./lib/", "/usr/lib"},
			{"/var//log", "/var/log"},
		} {
			if err := k.Chdir(task, tc.dir); err != nil {
				t.Errorf("chdir(%q): %v", tc.dir, err)
			}
			if got := k.Getcwd(task); got != tc.want {
				t.Errorf("chdir(%q): cwd = %q, want %q", tc.dir, got, tc.want)
			}
		}
		if err := k.Chdir(task, ""); !errors.Is(err, linuxerr.ErrNotFound) {
			t.Errorf("chdir(\"\") = %v, want ENOENT", err)
		}
		return 0
	})
}

func TestFutexWaitErrors(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		word := scratch(k, task)
		as := mustCurrent(task).Process().Data().AddrSpace()
		_ = as.WriteU32(word, 1)

		if err := k.FutexWait(task, word+1, 1, 0); !errors.Is(err, linuxerr.ErrInvalidArgument) {
			t.Errorf("unaligned = %v, want EINVAL", err)
		}
		if err := k.FutexWait(task, word, 0, 0); !errors.Is(err, linuxerr.ErrWouldBlock) {
			t.Errorf("value mismatch = %v, want EAGAIN", err)
		}
		if err := k.FutexWait(task, word, 1, 20*time.Millisecond); !errors.Is(err, linuxerr.ErrTimedOut) {
			t.Errorf("timeout = %v, want ETIMEDOUT", err)
		}
		if err := k.FutexWait(task, 0x10, 0, 0); !errors.Is(err, linuxerr.ErrBadAddress) {
			t.Errorf("unmapped = %v, want EFAULT", err)
		}
		if n, err := k.FutexWake(task, word, 1); err != nil || n != 0 {
			t.Errorf("wake with no waiters = %d, %v", n, err)
		}
		return 0
	})
}

func TestDescribeProcess(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		hold := make(chan struct{})
		pid, _ := k.Fork(task, func(*sched.Task) { <-hold })

		self := mustCurrent(task).Process()
		info := DescribeProcess(self)
		if info.Pid != self.Pid() || info.Ppid != 0 || info.Pgid != self.Pid() || info.Sid != self.Pid() {
			t.Errorf("ids = %+v", info)
		}
		if !slices.Equal(info.Children, []process.Pid{pid}) {
			t.Errorf("children = %v, want [%d]", info.Children, pid)
		}
		if !slices.Equal(info.FDs, []int{0, 1, 2}) {
			t.Errorf("fds = %v", info.FDs)
		}
		if info.Exe != k.Config().Init || info.Cwd != "/" {
			t.Errorf("exe = %q cwd = %q", info.Exe, info.Cwd)
		}
		if info.State != process.Alive.String() {
			t.Errorf("state = %q", info.State)
		}

		th := DescribeThread(mustCurrent(task))
		if th.Tid != self.Pid() || th.Pid != self.Pid() {
			t.Errorf("thread = %+v", th)
		}
		s := DescribeSession(self.Group().Session())
		if !slices.Equal(s.Groups, []process.Pid{self.Pid()}) {
			t.Errorf("session groups = %v", s.Groups)
		}

		close(hold)
		_, _, _ = k.Wait4(task, pid, 0)
		return 0
	})
}

func TestLookups(t *testing.T) {
	k := newTestKernel(t)
	runInit(t, k, func(task *sched.Task) int32 {
		hold := make(chan struct{})
		pid, _ := k.Fork(task, func(*sched.Task) { <-hold })
		self := k.Getpid(task)

		table := k.ProcessTable()
		if len(table) != 2 || table[0].Pid != self || table[1].Pid != pid {
			t.Errorf("process table = %+v", table)
		}
		if info, err := k.LookupProcess(pid); err != nil || info.Ppid != self {
			t.Errorf("lookup child = %+v, %v", info, err)
		}
		if _, err := k.LookupProcess(4242); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
			t.Errorf("lookup missing = %v, want ESRCH", err)
		}
		if th, err := k.LookupThread(pid); err != nil || th.Pid != pid {
			t.Errorf("lookup thread = %+v, %v", th, err)
		}
		if g, err := k.LookupGroup(self); err != nil || len(g.Processes) != 2 {
			t.Errorf("lookup group = %+v, %v", g, err)
		}
		if s, err := k.LookupSession(self); err != nil || s.Sid != self {
			t.Errorf("lookup session = %+v, %v", s, err)
		}
		if st := k.Stats(); st.Processes != 2 || st.Threads != 2 || st.Sessions != 1 {
			t.Errorf("stats = %+v", st)
		}

		close(hold)
		_, _, _ = k.Wait4(task, pid, 0)
		return 0
	})
}
