// Package sched is the task runtime the process core runs on: tasks are
// goroutines, blocking happens on wait queues, and exiting a task unwinds
// its goroutine.
package sched

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler creates and runs tasks. It is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	nextID atomic.Uint64
	tasks  map[ID]*Task
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a scheduler. Task ids start at 1.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[ID]*Task),
		logger: logger,
	}
}

// NewTask allocates a task and its id. Once spawned the task runs body, which
// is responsible for entering uctx; with a nil body it enters uctx.Entry
// directly.
func (s *Scheduler) NewTask(name string, uctx *UserContext, body func(t *Task)) *Task {
	t := &Task{
		id:    ID(s.nextID.Add(1)),
		name:  name,
		sched: s,
		uctx:  uctx,
		body:  body,
		done:  make(chan struct{}),
	}
	t.state.Store(int32(Ready))
	return t
}

// Spawn makes t runnable.
func (s *Scheduler) Spawn(t *Task) {
	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(t)
}

func (s *Scheduler) run(t *Task) {
	defer s.finish(t)
	t.state.Store(int32(Running))

	if t.body != nil {
		t.body(t)
	} else if t.uctx != nil && t.uctx.Entry != nil {
		t.uctx.Entry(t)
	}
}

func (s *Scheduler) finish(t *Task) {
	if r := recover(); r != nil {
		if s.logger != nil {
			s.logger.Error("task panicked",
				"tid", uint64(t.id),
				"name", t.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		t.exitCode.Store(-1)
	}
	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()

	t.SetExt(nil)
	t.state.Store(int32(Exited))
	close(t.done)
	s.wg.Done()
}

// Task returns the live task with the given id.
func (s *Scheduler) Task(id ID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Wait blocks until every spawned task has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Yield gives other tasks a chance to run.
func Yield() { runtime.Gosched() }

// Sleep blocks the caller for d.
func Sleep(d time.Duration) { time.Sleep(d) }
