package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyOneWakesOldestWaiter(t *testing.T) {
	q := NewWaitQueue()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Wait()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		waitForWaiters(t, q, i+1)
	}

	if !q.NotifyOne() {
		t.Fatal("expected a waiter to be woken")
	}
	waitForWaiters(t, q, 1)
	if !q.NotifyOne() {
		t.Fatal("expected the second waiter to be woken")
	}
	wg.Wait()

	if len(order) != 2 || order[0] != 0 {
		t.Fatalf("wake order = %v, want oldest first", order)
	}
}

func TestNotifyOneWithoutWaiters(t *testing.T) {
	q := NewWaitQueue()
	if q.NotifyOne() {
		t.Fatal("NotifyOne on empty queue reported a wake")
	}
}

func TestNotifyAll(t *testing.T) {
	q := NewWaitQueue()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Wait()
		}()
	}
	waitForWaiters(t, q, 5)

	if n := q.NotifyAll(); n != 5 {
		t.Fatalf("NotifyAll woke %d, want 5", n)
	}
	wg.Wait()
}

func TestWaitTimeoutExpires(t *testing.T) {
	q := NewWaitQueue()
	start := time.Now()
	if q.WaitTimeout(20 * time.Millisecond) {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}
	if q.Len() != 0 {
		t.Fatalf("timed-out waiter still queued, len = %d", q.Len())
	}
}

func TestWaitTimeoutNotified(t *testing.T) {
	q := NewWaitQueue()
	result := make(chan bool)
	go func() { result <- q.WaitTimeout(5 * time.Second) }()
	waitForWaiters(t, q, 1)
	q.NotifyOne()
	if !<-result {
		t.Fatal("expected notification before timeout")
	}
}

func TestWaitUntilDoesNotLoseEarlyNotification(t *testing.T) {
	q := NewWaitQueue()
	var flag atomic.Bool

	// The condition is published and notified before anyone waits.
	flag.Store(true)
	q.NotifyOne()

	done := make(chan struct{})
	go func() {
		q.WaitUntil(flag.Load)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntil blocked although the condition already held")
	}
}

func TestWaitUntilTimeout(t *testing.T) {
	q := NewWaitQueue()
	var flag atomic.Bool
	if q.WaitUntilTimeout(flag.Load, 10*time.Millisecond) {
		t.Fatal("expected timeout")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		flag.Store(true)
		q.NotifyAll()
	}()
	if !q.WaitUntilTimeout(flag.Load, 5*time.Second) {
		t.Fatal("expected condition to become true")
	}
}

func TestWaitIf(t *testing.T) {
	q := NewWaitQueue()
	if q.WaitIf(func() bool { return false }) {
		t.Fatal("WaitIf blocked although pred was false")
	}

	blocked := make(chan bool)
	go func() { blocked <- q.WaitIf(func() bool { return true }) }()
	waitForWaiters(t, q, 1)
	q.NotifyOne()
	if !<-blocked {
		t.Fatal("expected WaitIf to report it blocked")
	}
}

func TestWaitIfTimeout(t *testing.T) {
	q := NewWaitQueue()
	if blocked, _ := q.WaitIfTimeout(func() bool { return false }, time.Second); blocked {
		t.Fatal("WaitIfTimeout blocked although pred was false")
	}
	blocked, notified := q.WaitIfTimeout(func() bool { return true }, 20*time.Millisecond)
	if !blocked || notified {
		t.Fatalf("expired wait = (%v, %v), want (true, false)", blocked, notified)
	}
	if q.Len() != 0 {
		t.Fatalf("expired waiter left in queue: Len = %d", q.Len())
	}

	done := make(chan bool)
	go func() {
		_, n := q.WaitIfTimeout(func() bool { return true }, 5*time.Second)
		done <- n
	}()
	waitForWaiters(t, q, 1)
	q.NotifyAll()
	if !<-done {
		t.Fatal("expected WaitIfTimeout to report a notification")
	}
}

func waitForWaiters(t *testing.T, q *WaitQueue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters, have %d", n, q.Len())
		}
		time.Sleep(time.Millisecond)
	}
}
