package process

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kahiteam/lxproc/internal/futex"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/ns"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/signal"
)

// DataConfig configures a ProcessData built from scratch.
type DataConfig struct {
	ExePath    string
	AddrSpace  *mm.AddrSpace
	Actions    *signal.Actions
	ExitSignal signal.Signo // 0 means none
	HeapBase   uintptr
	// KernelArea, when set, is unmapped from the address space once its
	// last owner releases it.
	KernelArea *mm.Area
}

// ProcessData is the resource bundle shared by every thread of a process.
type ProcessData struct {
	exeMu   sync.RWMutex
	exePath string

	space *addrSpaceRef
	ns    *ns.Namespace

	heapBottom atomic.Uintptr
	heapTop    atomic.Uintptr

	childExitWQ *sched.WaitQueue
	exitSignal  signal.Signo
	signal      *signal.ProcessManager
	futex       *futex.Table

	credMu sync.Mutex
	cred   Credentials

	vforkMu sync.Mutex
	vfork   *VforkCompletion

	cleanup runtime.Cleanup
}

// addrSpaceRef is the address space slot of a ProcessData. It is kept
// apart from ProcessData so a GC cleanup can release the space without
// referencing the ProcessData itself.
type addrSpaceRef struct {
	mu         sync.Mutex
	as         *mm.AddrSpace
	kernelArea *mm.Area
	released   bool
}

func (r *addrSpaceRef) load() *mm.AddrSpace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.as
}

func (r *addrSpaceRef) swap(as *mm.AddrSpace) {
	as.Acquire()
	r.mu.Lock()
	old := r.as
	r.as = as
	r.mu.Unlock()
	r.drop(old)
}

func (r *addrSpaceRef) release() bool {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return false
	}
	r.released = true
	as := r.as
	r.mu.Unlock()
	r.drop(as)
	return true
}

func (r *addrSpaceRef) drop(as *mm.AddrSpace) {
	if as == nil || !as.Release() {
		return
	}
	if ka := r.kernelArea; ka != nil {
		as.ClearMappings(ka.Start, ka.Size())
	}
}

// NewProcessData creates the resource bundle for a process that has no
// parent to inherit from.
func NewProcessData(cfg DataConfig) *ProcessData {
	d := newData(cfg.ExePath, cfg.AddrSpace, cfg.Actions, cfg.ExitSignal, cfg.KernelArea)
	d.heapBottom.Store(cfg.HeapBase)
	d.heapTop.Store(cfg.HeapBase)
	return d
}

// ForkFrom creates the resource bundle of a child of parent. The executable
// path, heap bounds and credentials are copied. The futex table, child exit
// queue and namespace are new. The address space and signal actions are
// supplied by the caller, which has already decided whether to share them.
func ForkFrom(parent *ProcessData, aspace *mm.AddrSpace, actions *signal.Actions, exitSignal signal.Signo) *ProcessData {
	d := newData(parent.ExePath(), aspace, actions, exitSignal, parent.space.kernelArea)
	d.heapBottom.Store(parent.HeapBottom())
	d.heapTop.Store(parent.HeapTop())
	d.cred = parent.Cred()
	return d
}

func newData(exePath string, aspace *mm.AddrSpace, actions *signal.Actions, exitSignal signal.Signo, kernelArea *mm.Area) *ProcessData {
	if actions == nil {
		actions = signal.NewActions()
	}
	aspace.Acquire()
	d := &ProcessData{
		exePath:     exePath,
		space:       &addrSpaceRef{as: aspace, kernelArea: kernelArea},
		ns:          ns.New(),
		childExitWQ: sched.NewWaitQueue(),
		exitSignal:  exitSignal,
		signal:      signal.NewProcessManager(actions),
		futex:       futex.NewTable(),
	}
	d.cleanup = runtime.AddCleanup(d, func(r *addrSpaceRef) { r.release() }, d.space)
	return d
}

// ExePath returns the path of the running executable.
func (d *ProcessData) ExePath() string {
	d.exeMu.RLock()
	defer d.exeMu.RUnlock()
	return d.exePath
}

// SetExePath records a new executable path.
func (d *ProcessData) SetExePath(path string) {
	d.exeMu.Lock()
	defer d.exeMu.Unlock()
	d.exePath = path
}

// AddrSpace returns the process's address space.
func (d *ProcessData) AddrSpace() *mm.AddrSpace { return d.space.load() }

// SetAddrSpace replaces the address space, dropping the process's hold on
// the previous one.
func (d *ProcessData) SetAddrSpace(as *mm.AddrSpace) { d.space.swap(as) }

// Namespace returns the resource namespace.
func (d *ProcessData) Namespace() *ns.Namespace { return d.ns }

// HeapBottom returns the bottom of the user heap.
func (d *ProcessData) HeapBottom() uintptr { return d.heapBottom.Load() }

// SetHeapBottom sets the bottom of the user heap.
func (d *ProcessData) SetHeapBottom(v uintptr) { d.heapBottom.Store(v) }

// HeapTop returns the top of the user heap.
func (d *ProcessData) HeapTop() uintptr { return d.heapTop.Load() }

// SetHeapTop sets the top of the user heap.
func (d *ProcessData) SetHeapTop(v uintptr) { d.heapTop.Store(v) }

// ChildExitWQ is notified whenever a child of the process exits.
func (d *ProcessData) ChildExitWQ() *sched.WaitQueue { return d.childExitWQ }

// ExitSignal returns the signal raised on the parent when the process
// exits, and false if there is none.
func (d *ProcessData) ExitSignal() (signal.Signo, bool) {
	return d.exitSignal, d.exitSignal != 0
}

// IsCloneChild reports whether the process delivers no signal, or a signal
// other than SIGCHLD, to its parent on termination.
func (d *ProcessData) IsCloneChild() bool { return d.exitSignal != signal.SIGCHLD }

// Signal returns the process-level signal manager.
func (d *ProcessData) Signal() *signal.ProcessManager { return d.signal }

// FutexTable returns the process's futex table.
func (d *ProcessData) FutexTable() *futex.Table { return d.futex }

// Cred returns a copy of the process credentials.
func (d *ProcessData) Cred() Credentials {
	d.credMu.Lock()
	defer d.credMu.Unlock()
	return d.cred
}

// SetCred replaces the process credentials.
func (d *ProcessData) SetCred(c Credentials) {
	d.credMu.Lock()
	defer d.credMu.Unlock()
	d.cred = c
}

// SetVforkCompletion marks the process as a vfork child owing c a release.
func (d *ProcessData) SetVforkCompletion(c *VforkCompletion) {
	d.vforkMu.Lock()
	defer d.vforkMu.Unlock()
	d.vfork = c
}

// IsVforkChild reports whether the process still owes a vfork parent a
// release.
func (d *ProcessData) IsVforkChild() bool {
	d.vforkMu.Lock()
	defer d.vforkMu.Unlock()
	return d.vfork != nil
}

// SignalVforkParent releases the vfork parent waiting on this process, if
// any. The slot is emptied so the release fires at most once.
func (d *ProcessData) SignalVforkParent() bool {
	d.vforkMu.Lock()
	c := d.vfork
	d.vfork = nil
	d.vforkMu.Unlock()
	if c == nil {
		return false
	}
	return c.Complete()
}

// Release drops the process's namespace and address space. It is called
// when the process is reaped and is a no-op after the first call.
func (d *ProcessData) Release() {
	if !d.space.release() {
		return
	}
	d.cleanup.Stop()
	d.ns.Release()
}

// ThreadData is the resource bundle of one thread.
type ThreadData struct {
	clearChildTid atomic.Uintptr
	signal        *signal.ThreadManager
}

// NewThreadData creates the bundle for a thread of the process owning proc.
func NewThreadData(proc *ProcessData) *ThreadData {
	return &ThreadData{signal: signal.NewThreadManager(proc.Signal())}
}

// ClearChildTid returns the address zeroed and woken on thread exit, or 0.
func (d *ThreadData) ClearChildTid() uintptr { return d.clearChildTid.Load() }

// SetClearChildTid sets the address zeroed and woken on thread exit.
func (d *ThreadData) SetClearChildTid(addr uintptr) { d.clearChildTid.Store(addr) }

// Signal returns the thread-level signal manager.
func (d *ThreadData) Signal() *signal.ThreadManager { return d.signal }
