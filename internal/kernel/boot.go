package kernel

import (
	"fmt"
	"io"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/ns"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
)

// consoleFile is the file behind the standard descriptors of init.
type consoleFile struct {
	path string
	w    io.Writer
}

func (f *consoleFile) Path() string { return f.path }

func (f *consoleFile) Write(p []byte) (int, error) { return f.w.Write(p) }

// newUserSpace creates an empty user address space holding the signal
// trampoline and, where the architecture shares one table between user and
// kernel, the kernel mappings.
func (k *Kernel) newUserSpace() (*mm.AddrSpace, error) {
	as := mm.New(k.cfg.MaxPages)
	as.SetBudget(k.frames)
	if k.cfg.SharedKernelTable() {
		if err := as.CopyFromKernel(k.kspace); err != nil {
			return nil, err
		}
	}
	if tramp := uintptr(k.cfg.SignalTrampoline); tramp != 0 {
		if err := as.Map(tramp, mm.PageSize, mm.Read|mm.Exec|mm.User); err != nil {
			return nil, fmt.Errorf("map signal trampoline: %w", err)
		}
	}
	return as, nil
}

// Boot creates the init process from the configured program and starts
// it. The returned task finishes when init exits.
func (k *Kernel) Boot() (*sched.Task, error) {
	path := k.cfg.Init
	prog, err := k.loader.Lookup(path)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	aspace, err := k.newUserSpace()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	var kernelArea *mm.Area
	if k.cfg.SharedKernelTable() {
		ka := k.kernelArea
		kernelArea = &ka
	}
	data := process.NewProcessData(process.DataConfig{
		ExePath:    path,
		AddrSpace:  aspace,
		HeapBase:   uintptr(k.cfg.UserHeapBase),
		KernelArea: kernelArea,
	})
	c := k.cfg.Credentials
	data.SetCred(process.Credentials{Uid: c.Uid, Euid: c.Euid, Gid: c.Gid, Egid: c.Egid})

	fds := ns.NewFDTable(k.cfg.MaxFDs)
	for _, name := range []string{"/dev/console", "/dev/console", "/dev/console"} {
		if _, err := fds.Add(&consoleFile{path: name, w: k.console}); err != nil {
			return nil, fmt.Errorf("boot: %w", err)
		}
	}
	data.Namespace().FDTable.InitNew(fds)
	data.Namespace().Chdir(ns.Dir{Path: "/", Node: k.nextNode.Add(1)})

	argv := append([]string{path}, k.cfg.InitArgs...)
	uctx := &sched.UserContext{Entry: func(t *sched.Task) {
		k.Exit(t, prog(k, t, argv))
	}}
	task := k.sched.NewTask(path, uctx, func(t *sched.Task) { k.enterUser(t, 0) })
	pid := process.Pid(task.ID())

	k.mu.Lock()
	if k.init != nil {
		k.mu.Unlock()
		return nil, fmt.Errorf("boot: init already running as pid %d", k.init.Pid())
	}
	proc := process.NewInit(pid, data)
	k.init = proc
	k.mu.Unlock()

	th := proc.NewThread(pid, process.NewThreadData(data))
	k.reg.Add(th)
	task.SetPageTableRoot(aspace.PageTableRoot())
	task.SetExt(th)
	k.sched.Spawn(task)

	k.logger.Info("init started", "pid", int(pid), "path", path, "arch", k.cfg.Arch)
	k.publish(events.ProcessCreated, map[string]string{
		"pid":  pidString(pid),
		"ppid": "0",
		"exe":  path,
		"kind": "init",
	})
	k.publish(events.KernelStateRunning, map[string]string{"init": pidString(pid)})
	return task, nil
}
