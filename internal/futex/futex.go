// Package futex implements the per-process futex table: wait queues keyed
// by the user address of a synchronization word.
package futex

import (
	"sync"

	"github.com/kahiteam/lxproc/internal/sched"
)

// Table maps user addresses to wait queues. Each process owns exactly one
// table and every thread of the process sees the same instance.
type Table struct {
	mu     sync.Mutex
	queues map[uintptr]*sched.WaitQueue
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{queues: make(map[uintptr]*sched.WaitQueue)}
}

// Get returns the queue for addr if one exists.
func (t *Table) Get(addr uintptr) (*sched.WaitQueue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[addr]
	return q, ok
}

// GetOrInsert returns the queue for addr, creating it if needed.
func (t *Table) GetOrInsert(addr uintptr) *sched.WaitQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[addr]
	if !ok {
		q = sched.NewWaitQueue()
		t.queues[addr] = q
	}
	return q
}

// Len returns the number of addresses with a queue.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}

// Interrupt wakes every waiter on every address so blocked threads can
// notice a pending signal.
func (t *Table) Interrupt() int {
	t.mu.Lock()
	queues := make([]*sched.WaitQueue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	n := 0
	for _, q := range queues {
		n += q.NotifyAll()
	}
	return n
}
