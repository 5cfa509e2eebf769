package signal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kahiteam/lxproc/internal/sched"
)

// Info describes one delivered signal.
type Info struct {
	Signo Signo
	Code  int32
}

// pending holds at most one queued Info per signal.
type pending struct {
	set   Set
	infos [NSIG + 1]Info
}

func (p *pending) put(info Info) {
	p.set = p.set.Add(info.Signo)
	p.infos[info.Signo] = info
}

func (p *pending) take(allowed Set) (Info, bool) {
	sig, ok := (p.set & allowed).Lowest()
	if !ok {
		return Info{}, false
	}
	p.set = p.set.Remove(sig)
	return p.infos[sig], true
}

// ProcessManager holds the process-wide signal state. Every thread of a
// process observes the same instance.
type ProcessManager struct {
	actions atomic.Pointer[Actions]

	mu      sync.Mutex
	pending pending
}

// NewProcessManager creates a manager over actions.
func NewProcessManager(actions *Actions) *ProcessManager {
	m := &ProcessManager{}
	m.actions.Store(actions)
	return m
}

// Actions returns the action table.
func (m *ProcessManager) Actions() *Actions { return m.actions.Load() }

// SetActions replaces the action table, detaching the process from a table
// it shared with others.
func (m *ProcessManager) SetActions(actions *Actions) { m.actions.Store(actions) }

// Send queues a process-directed signal. It reports false if the signal is
// ignored and was discarded.
func (m *ProcessManager) Send(info Info) bool {
	if m.Actions().Get(info.Signo).Ignored(info.Signo) && info.Signo != SIGKILL {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.put(info)
	return true
}

// Pending returns the process-directed pending set.
func (m *ProcessManager) Pending() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.set
}

func (m *ProcessManager) dequeue(allowed Set) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.take(allowed)
}

// ThreadManager holds one thread's signal state, layered over the
// process-level manager.
type ThreadManager struct {
	proc *ProcessManager
	wq   *sched.WaitQueue

	mu      sync.Mutex
	pending pending
	blocked Set
}

// NewThreadManager derives a thread manager from proc.
func NewThreadManager(proc *ProcessManager) *ThreadManager {
	return &ThreadManager{
		proc: proc,
		wq:   sched.NewWaitQueue(),
	}
}

// Process returns the process-level manager.
func (m *ThreadManager) Process() *ProcessManager { return m.proc }

// Send queues a thread-directed signal and interrupts any interruptible
// wait. It reports false if the signal was ignored.
func (m *ThreadManager) Send(info Info) bool {
	if m.proc.Actions().Get(info.Signo).Ignored(info.Signo) && info.Signo != SIGKILL {
		return false
	}
	m.mu.Lock()
	m.pending.put(info)
	m.mu.Unlock()
	m.Interrupt()
	return true
}

// Interrupt wakes the thread from an interruptible wait so it can notice a
// process-directed signal.
func (m *ThreadManager) Interrupt() {
	m.wq.NotifyAll()
}

// Blocked returns the blocked mask.
func (m *ThreadManager) Blocked() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// SetBlocked replaces the blocked mask and returns the previous one.
// SIGKILL and SIGSTOP are silently dropped from set.
func (m *ThreadManager) SetBlocked(set Set) Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.blocked
	m.blocked = set &^ unblockable
	return old
}

// Pending returns the union of thread and process pending sets.
func (m *ThreadManager) Pending() Set {
	m.mu.Lock()
	set := m.pending.set
	m.mu.Unlock()
	return set | m.proc.Pending()
}

// HasPending reports whether an unblocked signal is pending.
func (m *ThreadManager) HasPending() bool {
	m.mu.Lock()
	allowed := ^m.blocked
	set := m.pending.set
	m.mu.Unlock()
	return (set|m.proc.Pending())&allowed != 0
}

// Dequeue removes the next deliverable signal, thread-directed first.
func (m *ThreadManager) Dequeue() (Info, bool) {
	m.mu.Lock()
	allowed := ^m.blocked
	info, ok := m.pending.take(allowed)
	m.mu.Unlock()
	if ok {
		return info, true
	}
	return m.proc.dequeue(allowed)
}

// WaitInterruptible blocks until an unblocked signal is pending.
func (m *ThreadManager) WaitInterruptible() {
	m.wq.WaitUntil(m.HasPending)
}

// SleepInterruptible blocks for d or until a signal is pending. It reports
// whether it was interrupted.
func (m *ThreadManager) SleepInterruptible(d time.Duration) bool {
	return m.wq.WaitUntilTimeout(m.HasPending, d)
}
