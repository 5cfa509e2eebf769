package process

import (
	"sync/atomic"

	"github.com/kahiteam/lxproc/internal/sched"
)

// VforkCompletion is the one-shot hand-off between a vfork parent and its
// child. The parent blocks in Wait until the child calls Complete.
type VforkCompletion struct {
	wq   *sched.WaitQueue
	done atomic.Bool
}

// NewVforkCompletion creates an unsignaled completion.
func NewVforkCompletion() *VforkCompletion {
	return &VforkCompletion{wq: sched.NewWaitQueue()}
}

// Wait blocks until Complete has been called. It returns immediately if it
// already was.
func (c *VforkCompletion) Wait() {
	c.wq.WaitUntil(c.done.Load)
}

// Complete releases the waiter. Only the first call has an effect.
func (c *VforkCompletion) Complete() bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}
	c.wq.NotifyOne()
	return true
}

// Done reports whether Complete has been called.
func (c *VforkCompletion) Done() bool { return c.done.Load() }

// Waiting reports whether a parent is currently blocked in Wait.
func (c *VforkCompletion) Waiting() bool { return c.wq.Len() > 0 }
