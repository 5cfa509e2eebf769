package sched

import (
	"sync"
	"time"
)

// WaitQueue is a FIFO of blocked tasks. Waiters never return spuriously:
// Wait returns only after a matching NotifyOne or NotifyAll.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	ch chan struct{}
}

// NewWaitQueue creates an empty wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

func (q *WaitQueue) enqueueLocked() *waiter {
	w := &waiter{ch: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	return w
}

// removeLocked drops w from the queue. It reports false if w was already
// dequeued by a notifier.
func (q *WaitQueue) removeLocked(w *waiter) bool {
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Wait blocks until the caller is notified.
func (q *WaitQueue) Wait() {
	q.mu.Lock()
	w := q.enqueueLocked()
	q.mu.Unlock()
	<-w.ch
}

// WaitTimeout blocks until notified or until d elapses. It reports whether
// the caller was notified.
func (q *WaitQueue) WaitTimeout(d time.Duration) bool {
	q.mu.Lock()
	w := q.enqueueLocked()
	q.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.ch:
		return true
	case <-timer.C:
		q.mu.Lock()
		removed := q.removeLocked(w)
		q.mu.Unlock()
		if !removed {
			// A notifier won the race and already dequeued us.
			<-w.ch
			return true
		}
		return false
	}
}

// WaitUntil blocks until cond reports true. cond is evaluated with the queue
// lock held, so a notifier that publishes its state change before calling
// NotifyOne or NotifyAll can never be missed.
func (q *WaitQueue) WaitUntil(cond func() bool) {
	for {
		q.mu.Lock()
		if cond() {
			q.mu.Unlock()
			return
		}
		w := q.enqueueLocked()
		q.mu.Unlock()
		<-w.ch
	}
}

// WaitUntilTimeout is WaitUntil bounded by d. It reports whether cond became
// true before the deadline.
func (q *WaitQueue) WaitUntilTimeout(cond func() bool, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		q.mu.Lock()
		if cond() {
			q.mu.Unlock()
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return false
		}
		w := q.enqueueLocked()
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-w.ch:
			timer.Stop()
		case <-timer.C:
			q.mu.Lock()
			if !q.removeLocked(w) {
				q.mu.Unlock()
				<-w.ch
				continue
			}
			q.mu.Unlock()
		}
	}
}

// WaitIf enqueues the caller only if pred holds under the queue lock and
// then blocks until notified. It reports whether the caller blocked.
func (q *WaitQueue) WaitIf(pred func() bool) bool {
	q.mu.Lock()
	if !pred() {
		q.mu.Unlock()
		return false
	}
	w := q.enqueueLocked()
	q.mu.Unlock()
	<-w.ch
	return true
}

// WaitIfTimeout is WaitIf bounded by d. It reports whether the caller
// blocked and whether it was notified before the deadline.
func (q *WaitQueue) WaitIfTimeout(pred func() bool, d time.Duration) (blocked, notified bool) {
	q.mu.Lock()
	if !pred() {
		q.mu.Unlock()
		return false, false
	}
	w := q.enqueueLocked()
	q.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.ch:
		return true, true
	case <-timer.C:
		q.mu.Lock()
		removed := q.removeLocked(w)
		q.mu.Unlock()
		if !removed {
			<-w.ch
			return true, true
		}
		return true, false
	}
}

// NotifyOne wakes the oldest waiter. It reports whether a waiter was woken.
func (q *WaitQueue) NotifyOne() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(w.ch)
	return true
}

// NotifyAll wakes every waiter and returns how many were woken.
func (q *WaitQueue) NotifyAll() int {
	q.mu.Lock()
	ws := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range ws {
		close(w.ch)
	}
	return len(ws)
}

// Len returns the number of blocked waiters.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
