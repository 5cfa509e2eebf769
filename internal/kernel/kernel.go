// Package kernel implements the Linux process-model syscalls on top of the
// task runtime: clone, fork and vfork, the exit protocol, wait4, execve,
// signal delivery and the identity calls.
//
// Every syscall takes the calling task explicitly. The task's Ext holds the
// *process.Thread it runs, which in turn owns its process.
package kernel

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kahiteam/lxproc/internal/config"
	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/registry"
	"github.com/kahiteam/lxproc/internal/sched"
)

// Options configures a Kernel.
type Options struct {
	Config   config.KernelConfig
	Logger   *slog.Logger
	Bus      *events.Bus
	Registry *registry.Registry // nil selects registry.Default()
	Console  io.Writer          // target of fds 1 and 2; nil discards
}

// Kernel owns the scheduler, the identity registry and the kernel address
// space shared by every process.
type Kernel struct {
	cfg        config.KernelConfig
	sched      *sched.Scheduler
	reg        *registry.Registry
	kspace     *mm.AddrSpace
	frames     *mm.Budget
	kernelArea mm.Area
	loader     *Loader
	bus        *events.Bus
	logger     *slog.Logger
	console    io.Writer
	nextNode   atomic.Uint64

	mu   sync.Mutex
	init *process.Process
}

// New creates a kernel. No task runs until Boot.
func New(opts Options) *Kernel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	console := opts.Console
	if console == nil {
		console = io.Discard
	}
	base := uintptr(opts.Config.KernelBase)
	size := uintptr(opts.Config.KernelSize)
	return &Kernel{
		cfg:        opts.Config,
		sched:      sched.New(logger),
		reg:        reg,
		kspace:     mm.NewKernel(base, size),
		frames:     mm.NewBudget(opts.Config.TotalPages),
		kernelArea: mm.Area{Start: base, End: base + size, Flags: mm.Read | mm.Write | mm.Exec},
		loader:     NewLoader(),
		bus:        bus,
		logger:     logger,
		console:    console,
	}
}

// Config returns the kernel configuration.
func (k *Kernel) Config() config.KernelConfig { return k.cfg }

// Scheduler returns the task runtime.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Registry returns the identity registry.
func (k *Kernel) Registry() *registry.Registry { return k.reg }

// Loader returns the program table used by Execve.
func (k *Kernel) Loader() *Loader { return k.loader }

// Bus returns the lifecycle event bus.
func (k *Kernel) Bus() *events.Bus { return k.bus }

// KernelSpace returns the kernel's own address space.
func (k *Kernel) KernelSpace() *mm.AddrSpace { return k.kspace }

// Frames returns the page budget shared by every user address space.
func (k *Kernel) Frames() *mm.Budget { return k.frames }

// Init returns the init process, or nil before Boot.
func (k *Kernel) Init() *process.Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.init
}

// Current returns the thread run by t.
func Current(t *sched.Task) (*process.Thread, error) {
	th, ok := t.Ext().(*process.Thread)
	if !ok || th == nil {
		return nil, fmt.Errorf("task %d runs no thread: %w", t.ID(), linuxerr.ErrPermissionDenied)
	}
	return th, nil
}

func (k *Kernel) publish(typ events.EventType, data map[string]string) {
	k.bus.Publish(events.Event{Type: typ, Data: data})
}

func pidString(pid process.Pid) string { return strconv.Itoa(int(pid)) }
