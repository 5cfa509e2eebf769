package kernel

import (
	"fmt"
	"time"

	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/sched"
)

// FutexWait blocks the caller on the futex word at addr as long as it holds
// val. A zero timeout waits forever. It returns EAGAIN if the word already
// differs, ETIMEDOUT on expiry and EINTR when a signal arrives. Like the
// real futex, a return of nil may be spurious and callers recheck the word.
func (k *Kernel) FutexWait(t *sched.Task, addr uintptr, val uint32, timeout time.Duration) error {
	if addr%4 != 0 {
		return fmt.Errorf("futex wait %#x: %w", addr, linuxerr.ErrInvalidArgument)
	}
	th, err := Current(t)
	if err != nil {
		return err
	}
	data := th.Process().Data()
	as := data.AddrSpace()
	sig := th.Data().Signal()
	q := data.FutexTable().GetOrInsert(addr)

	var perr error
	pred := func() bool {
		cur, err := as.ReadU32(addr)
		switch {
		case err != nil:
			perr = err
		case cur != val:
			perr = fmt.Errorf("futex wait %#x: %w", addr, linuxerr.ErrWouldBlock)
		case sig.HasPending():
			perr = fmt.Errorf("futex wait %#x: %w", addr, linuxerr.ErrInterrupted)
		default:
			return true
		}
		return false
	}

	notified := true
	if timeout > 0 {
		_, notified = q.WaitIfTimeout(pred, timeout)
	} else {
		q.WaitIf(pred)
	}
	if perr != nil {
		return perr
	}
	if sig.HasPending() {
		k.HandleSignals(t)
		return fmt.Errorf("futex wait %#x: %w", addr, linuxerr.ErrInterrupted)
	}
	if !notified {
		return fmt.Errorf("futex wait %#x: %w", addr, linuxerr.ErrTimedOut)
	}
	return nil
}

// FutexWake wakes up to n waiters on the futex word at addr and returns how
// many were woken.
func (k *Kernel) FutexWake(t *sched.Task, addr uintptr, n int) (int, error) {
	if addr%4 != 0 {
		return 0, fmt.Errorf("futex wake %#x: %w", addr, linuxerr.ErrInvalidArgument)
	}
	th, err := Current(t)
	if err != nil {
		return 0, err
	}
	q, ok := th.Process().Data().FutexTable().Get(addr)
	if !ok {
		return 0, nil
	}
	woken := 0
	for woken < n && q.NotifyOne() {
		woken++
	}
	return woken, nil
}
