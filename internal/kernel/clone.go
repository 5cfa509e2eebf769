package kernel

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/signal"
)

// CloneFlags are the resource-sharing and behavior bits of clone. The low
// byte of the raw clone argument is the exit signal and is not part of it.
type CloneFlags uint32

const (
	CloneVM            CloneFlags = unix.CLONE_VM
	CloneFS            CloneFlags = unix.CLONE_FS
	CloneFiles         CloneFlags = unix.CLONE_FILES
	CloneSighand       CloneFlags = unix.CLONE_SIGHAND
	ClonePidfd         CloneFlags = unix.CLONE_PIDFD
	ClonePtrace        CloneFlags = unix.CLONE_PTRACE
	CloneVfork         CloneFlags = unix.CLONE_VFORK
	CloneParent        CloneFlags = unix.CLONE_PARENT
	CloneThread        CloneFlags = unix.CLONE_THREAD
	CloneNewNS         CloneFlags = unix.CLONE_NEWNS
	CloneSysvsem       CloneFlags = unix.CLONE_SYSVSEM
	CloneSettls        CloneFlags = unix.CLONE_SETTLS
	CloneParentSettid  CloneFlags = unix.CLONE_PARENT_SETTID
	CloneChildCleartid CloneFlags = unix.CLONE_CHILD_CLEARTID
	CloneDetached      CloneFlags = unix.CLONE_DETACHED
	CloneUntraced      CloneFlags = unix.CLONE_UNTRACED
	CloneChildSettid   CloneFlags = unix.CLONE_CHILD_SETTID
	CloneNewCgroup     CloneFlags = unix.CLONE_NEWCGROUP
	CloneNewUTS        CloneFlags = unix.CLONE_NEWUTS
	CloneNewIPC        CloneFlags = unix.CLONE_NEWIPC
	CloneNewUser       CloneFlags = unix.CLONE_NEWUSER
	CloneNewPID        CloneFlags = unix.CLONE_NEWPID
	CloneNewNet        CloneFlags = unix.CLONE_NEWNET
	CloneIO            CloneFlags = unix.CLONE_IO
)

var cloneFlagNames = []struct {
	flag CloneFlags
	name string
}{
	{CloneVM, "CLONE_VM"},
	{CloneFS, "CLONE_FS"},
	{CloneFiles, "CLONE_FILES"},
	{CloneSighand, "CLONE_SIGHAND"},
	{ClonePidfd, "CLONE_PIDFD"},
	{ClonePtrace, "CLONE_PTRACE"},
	{CloneVfork, "CLONE_VFORK"},
	{CloneParent, "CLONE_PARENT"},
	{CloneThread, "CLONE_THREAD"},
	{CloneNewNS, "CLONE_NEWNS"},
	{CloneSysvsem, "CLONE_SYSVSEM"},
	{CloneSettls, "CLONE_SETTLS"},
	{CloneParentSettid, "CLONE_PARENT_SETTID"},
	{CloneChildCleartid, "CLONE_CHILD_CLEARTID"},
	{CloneDetached, "CLONE_DETACHED"},
	{CloneUntraced, "CLONE_UNTRACED"},
	{CloneChildSettid, "CLONE_CHILD_SETTID"},
	{CloneNewCgroup, "CLONE_NEWCGROUP"},
	{CloneNewUTS, "CLONE_NEWUTS"},
	{CloneNewIPC, "CLONE_NEWIPC"},
	{CloneNewUser, "CLONE_NEWUSER"},
	{CloneNewPID, "CLONE_NEWPID"},
	{CloneNewNet, "CLONE_NEWNET"},
	{CloneIO, "CLONE_IO"},
}

// knownCloneFlags is the union of every named flag. Unknown bits are
// dropped when decoding.
var knownCloneFlags = func() CloneFlags {
	var all CloneFlags
	for _, f := range cloneFlagNames {
		all |= f.flag
	}
	return all
}()

func (f CloneFlags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range cloneFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// CloneArgs are the arguments of clone.
type CloneArgs struct {
	Flags     uint32 // exit signal in the low byte, CloneFlags above it
	Stack     uintptr
	ParentTid uintptr
	ChildTid  uintptr
	TLS       uintptr

	// Entry is where the child starts running. A nil Entry resumes the
	// caller's own entry point.
	Entry func(t *sched.Task)
}

// DecodeCloneFlags splits a raw clone flags word into its flag bits and
// exit signal and validates the combination. An exit signal byte that is
// not a valid signal number is treated as no signal.
func DecodeCloneFlags(raw uint32) (CloneFlags, signal.Signo, error) {
	exitByte := uint8(raw & 0xff)
	flags := CloneFlags(raw&^0xff) & knownCloneFlags

	if exitByte != 0 && flags&(CloneThread|CloneParent) == CloneThread|CloneParent {
		return 0, 0, fmt.Errorf("clone %s: exit signal with CLONE_THREAD|CLONE_PARENT: %w", flags, linuxerr.ErrInvalidArgument)
	}
	if flags&CloneThread != 0 && flags&(CloneVM|CloneSighand) != CloneVM|CloneSighand {
		return 0, 0, fmt.Errorf("clone %s: CLONE_THREAD without CLONE_VM|CLONE_SIGHAND: %w", flags, linuxerr.ErrInvalidArgument)
	}
	// A vfork completion lives in the child's ProcessData, which a new
	// thread does not get.
	if flags&(CloneThread|CloneVfork) == CloneThread|CloneVfork {
		return 0, 0, fmt.Errorf("clone %s: CLONE_VFORK with CLONE_THREAD: %w", flags, linuxerr.ErrInvalidArgument)
	}
	sig, _ := signal.FromRepr(exitByte)
	return flags, sig, nil
}

// Clone creates a new thread or process from the calling task and returns
// its tid. For CLONE_VFORK the call returns only after the child has exited
// or replaced its program.
func (k *Kernel) Clone(t *sched.Task, args CloneArgs) (process.Pid, error) {
	flags, exitSignal, err := DecodeCloneFlags(args.Flags)
	if err != nil {
		return 0, err
	}
	cur, err := Current(t)
	if err != nil {
		return 0, err
	}
	curProc := cur.Process()
	curData := curProc.Data()
	log := k.logger.With("pid", int(curProc.Pid()), "tid", int(cur.Tid()))
	log.Debug("clone",
		"flags", flags.String(),
		"exit_signal", exitSignal.String(),
		"stack", fmt.Sprintf("%#x", args.Stack),
		"ptid", fmt.Sprintf("%#x", args.ParentTid),
		"ctid", fmt.Sprintf("%#x", args.ChildTid),
		"tls", fmt.Sprintf("%#x", args.TLS),
	)

	uctx := t.Context().Clone()
	if args.Stack != 0 {
		uctx.SP = args.Stack
	}
	if flags&CloneSettls != 0 {
		uctx.TLS = args.TLS
	}
	uctx.RetVal = 0
	if args.Entry != nil {
		uctx.Entry = args.Entry
	}

	var setChildTid uintptr
	if flags&CloneChildSettid != 0 {
		if err := curData.AddrSpace().Probe(args.ChildTid, 4, mm.Write); err != nil {
			return 0, fmt.Errorf("clone: child tid address: %w", err)
		}
		setChildTid = args.ChildTid
	}

	task := k.sched.NewTask(curData.ExePath(), uctx, func(nt *sched.Task) {
		k.enterUser(nt, setChildTid)
	})
	tid := process.Pid(task.ID())

	if flags&CloneParentSettid != 0 {
		if err := curData.AddrSpace().WriteU32(args.ParentTid, uint32(tid)); err != nil {
			return 0, fmt.Errorf("clone: parent tid address: %w", err)
		}
	}

	var vfork *process.VforkCompletion
	if flags&CloneVfork != 0 {
		vfork = process.NewVforkCompletion()
	}

	proc := curProc
	if flags&CloneThread == 0 {
		proc, err = k.cloneProcess(curProc, tid, flags, exitSignal, vfork)
		if err != nil {
			return 0, err
		}
	}

	td := process.NewThreadData(proc.Data())
	if flags&CloneChildCleartid != 0 {
		td.SetClearChildTid(args.ChildTid)
	}
	var th *process.Thread
	if proc == curProc {
		var ok bool
		if th, ok = proc.JoinThread(tid, td); !ok {
			return 0, fmt.Errorf("clone: process %d is exiting: %w", proc.Pid(), linuxerr.ErrWouldBlock)
		}
	} else {
		th = proc.NewThread(tid, td)
	}
	k.reg.Add(th)

	task.SetPageTableRoot(proc.Data().AddrSpace().PageTableRoot())
	task.SetExt(th)
	k.sched.Spawn(task)

	k.publish(events.ThreadCreated, map[string]string{
		"pid":   pidString(proc.Pid()),
		"tid":   pidString(tid),
		"flags": flags.String(),
	})
	if proc != curProc {
		kind := "fork"
		if vfork != nil {
			kind = "vfork"
		}
		var ppid process.Pid
		if parent := proc.Parent(); parent != nil {
			ppid = parent.Pid()
		}
		k.publish(events.ProcessCreated, map[string]string{
			"pid":  pidString(proc.Pid()),
			"ppid": pidString(ppid),
			"exe":  proc.Data().ExePath(),
			"kind": kind,
		})
	}

	if vfork != nil {
		log.Info("vfork parent waiting", "child", int(tid))
		vfork.Wait()
		log.Info("vfork parent resumed", "child", int(tid))
	}
	return tid, nil
}

// cloneProcess builds the child process of a non-thread clone.
func (k *Kernel) cloneProcess(cur *process.Process, pid process.Pid, flags CloneFlags, exitSignal signal.Signo, vfork *process.VforkCompletion) (*process.Process, error) {
	parent := cur
	if flags&CloneParent != 0 {
		parent = cur.Parent()
		if parent == nil {
			return nil, fmt.Errorf("clone: CLONE_PARENT from process %d without a parent: %w", cur.Pid(), linuxerr.ErrInvalidArgument)
		}
	}
	curData := cur.Data()
	parentData := parent.Data()
	if curData == nil || parentData == nil {
		return nil, fmt.Errorf("clone: process data missing: %w", linuxerr.ErrPermissionDenied)
	}

	aspace, err := k.childAddrSpace(curData.AddrSpace(), flags)
	if err != nil {
		return nil, err
	}

	var actions *signal.Actions
	if flags&CloneSighand != 0 {
		actions = parentData.Signal().Actions()
	}

	data := process.ForkFrom(parentData, aspace, actions, exitSignal)
	if vfork != nil {
		data.SetVforkCompletion(vfork)
	}

	childNS, curNS := data.Namespace(), curData.Namespace()
	if flags&CloneFiles != 0 {
		childNS.FDTable.InitShared(curNS.FDTable.Share())
	} else {
		childNS.FDTable.InitNew(curNS.FDTable.CopyInner())
	}
	if flags&CloneFS != 0 {
		childNS.CurrentDir.InitShared(curNS.CurrentDir.Share())
		childNS.CurrentDirPath.InitShared(curNS.CurrentDirPath.Share())
	} else {
		childNS.CurrentDir.InitNew(curNS.CurrentDir.CopyInner())
		childNS.CurrentDirPath.InitNew(curNS.CurrentDirPath.CopyInner())
	}

	return parent.Fork(pid, data), nil
}

// childAddrSpace returns the address space of a new process: the caller's
// own for CLONE_VM, otherwise a deep copy carrying the kernel mappings.
func (k *Kernel) childAddrSpace(as *mm.AddrSpace, flags CloneFlags) (*mm.AddrSpace, error) {
	if flags&CloneVM != 0 {
		return as, nil
	}
	cp, err := as.TryClone()
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	if k.cfg.SharedKernelTable() {
		if err := cp.CopyFromKernel(k.kspace); err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
	}
	return cp, nil
}

// Fork creates a child process that starts at entry.
func (k *Kernel) Fork(t *sched.Task, entry func(t *sched.Task)) (process.Pid, error) {
	return k.Clone(t, CloneArgs{Flags: uint32(signal.SIGCHLD), Entry: entry})
}

// Vfork creates a child process sharing the caller's memory and suspends
// the caller until the child exits or execs.
func (k *Kernel) Vfork(t *sched.Task, entry func(t *sched.Task)) (process.Pid, error) {
	return k.Clone(t, CloneArgs{
		Flags: uint32(CloneVfork|CloneVM) | uint32(signal.SIGCHLD),
		Entry: entry,
	})
}

// enterUser is the body of every task created by the kernel. It completes
// the child side of clone and runs the user entry point. Returning from the
// entry point exits the thread with status 0.
func (k *Kernel) enterUser(t *sched.Task, setChildTid uintptr) {
	th, err := Current(t)
	if err != nil {
		k.logger.Error("task started without a thread", "task", uint64(t.ID()), "error", err)
		return
	}
	if setChildTid != 0 {
		as := th.Process().Data().AddrSpace()
		if err := as.WriteU32(setChildTid, uint32(th.Tid())); err != nil {
			k.logger.Warn("set child tid failed", "tid", int(th.Tid()), "error", err)
		}
	}
	if entry := t.Context().Entry; entry != nil {
		entry(t)
	}
	k.Exit(t, 0)
}
