package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ID identifies a task. The kernel uses it as the thread id.
type ID uint64

// TaskState is the run state of a task.
type TaskState int32

const (
	Ready   TaskState = iota // READY: created, not yet spawned
	Running                  // RUNNING: goroutine started
	Exited                   // EXITED: goroutine finished
)

var taskStateNames = [...]string{"READY", "RUNNING", "EXITED"}

func (s TaskState) String() string {
	if int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// UserContext is the user register snapshot a task enters with. Entry plays
// the role of the instruction pointer.
type UserContext struct {
	Entry  func(t *Task)
	SP     uintptr
	TLS    uintptr
	RetVal uintptr
}

// Clone returns a copy of the snapshot.
func (c *UserContext) Clone() *UserContext {
	cp := *c
	return &cp
}

// Task is a schedulable unit of execution backed by a goroutine.
type Task struct {
	id    ID
	name  string
	sched *Scheduler
	uctx  *UserContext
	body  func(t *Task)

	pageTableRoot atomic.Uint64
	state         atomic.Int32
	exitCode      atomic.Int32

	mu  sync.Mutex
	ext any

	done chan struct{}
}

// ID returns the task id.
func (t *Task) ID() ID { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the current run state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Context returns the user register snapshot the task entered with.
func (t *Task) Context() *UserContext { return t.uctx }

// SetPageTableRoot installs the address-space root the task runs on.
func (t *Task) SetPageTableRoot(root uint64) { t.pageTableRoot.Store(root) }

// PageTableRoot returns the installed address-space root.
func (t *Task) PageTableRoot() uint64 { return t.pageTableRoot.Load() }

// SetExt attaches kernel data to the task. It must be called before Spawn.
func (t *Task) SetExt(ext any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ext = ext
}

// Ext returns the attached kernel data, or nil once the task has exited.
func (t *Task) Ext() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ext
}

// Exit terminates the calling task with code. It must be called from the
// task's own goroutine and never returns.
func (t *Task) Exit(code int) {
	t.exitCode.Store(int32(code))
	runtime.Goexit()
}

// ExitCode returns the code the task exited with.
func (t *Task) ExitCode() int { return int(t.exitCode.Load()) }

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Join waits for the task to finish and returns its exit code.
func (t *Task) Join(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%d, %q)", t.id, t.name)
}
