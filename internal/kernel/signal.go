package kernel

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/signal"
)

// si_code values of user-sent signals.
const (
	siUser   = 0
	siKernel = 0x80
	siTkill  = -6
)

// signalArg validates a signal number argument. 0 is accepted and means
// "check permission only".
func signalArg(sig int) (signal.Signo, error) {
	if sig == 0 {
		return 0, nil
	}
	if sig < 0 || sig > signal.NSIG {
		return 0, fmt.Errorf("signal %d: %w", sig, linuxerr.ErrInvalidArgument)
	}
	return signal.Signo(sig), nil
}

// Kill sends sig to the processes selected by pid: >0 that process, 0 the
// caller's process group, -1 every process except init and the caller,
// <-1 process group -pid.
func (k *Kernel) Kill(t *sched.Task, pid process.Pid, sig int) error {
	signo, err := signalArg(sig)
	if err != nil {
		return err
	}
	th, err := Current(t)
	if err != nil {
		return err
	}
	caller := th.Process()

	var targets []*process.Process
	switch {
	case pid > 0:
		p, err := k.reg.Process(pid)
		if err != nil {
			return fmt.Errorf("kill: %w", err)
		}
		targets = []*process.Process{p}
	case pid == 0:
		targets = caller.Group().Processes()
	case pid == -1:
		initProc := k.Init()
		for _, p := range k.reg.Processes() {
			if p != caller && p != initProc {
				targets = append(targets, p)
			}
		}
	default:
		g, err := k.reg.ProcessGroup(-pid)
		if err != nil {
			return fmt.Errorf("kill: %w", err)
		}
		targets = g.Processes()
	}
	if len(targets) == 0 {
		return fmt.Errorf("kill %d: %w", pid, linuxerr.ErrNoSuchEntity)
	}

	cred := caller.Data().Cred()
	var (
		sent    int
		lastErr error
	)
	for _, p := range targets {
		if !cred.CanSignal(p.Data().Cred()) {
			lastErr = fmt.Errorf("kill %d: %s may not signal %s: %w", p.Pid(), cred, p.Data().Cred(), linuxerr.ErrPermissionDenied)
			continue
		}
		sent++
		if signo != 0 {
			k.sendProcess(p, signal.Info{Signo: signo, Code: siUser})
		}
	}
	if sent == 0 {
		return lastErr
	}
	return nil
}

// SignalProcess sends sig to process pid on behalf of the host, as the
// kernel itself would: no credential check applies.
func (k *Kernel) SignalProcess(pid process.Pid, sig int) error {
	signo, err := signalArg(sig)
	if err != nil {
		return err
	}
	p, err := k.reg.Process(pid)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if p.IsZombie() {
		return fmt.Errorf("signal: process %d has exited: %w", pid, linuxerr.ErrNoSuchEntity)
	}
	if signo == 0 {
		return nil
	}
	k.logger.Info("host signal", "pid", int(pid), "signal", signo.String())
	k.sendProcess(p, signal.Info{Signo: signo, Code: siKernel})
	return nil
}

// Tkill sends sig to the thread tid.
func (k *Kernel) Tkill(t *sched.Task, tid process.Pid, sig int) error {
	return k.tgkill(t, 0, tid, sig)
}

// Tgkill sends sig to the thread tid, which must belong to process tgid.
func (k *Kernel) Tgkill(t *sched.Task, tgid, tid process.Pid, sig int) error {
	if tgid <= 0 {
		return fmt.Errorf("tgkill: tgid %d: %w", tgid, linuxerr.ErrInvalidArgument)
	}
	return k.tgkill(t, tgid, tid, sig)
}

func (k *Kernel) tgkill(t *sched.Task, tgid, tid process.Pid, sig int) error {
	signo, err := signalArg(sig)
	if err != nil {
		return err
	}
	if tid <= 0 {
		return fmt.Errorf("tkill: tid %d: %w", tid, linuxerr.ErrInvalidArgument)
	}
	th, err := Current(t)
	if err != nil {
		return err
	}
	target, err := k.reg.Thread(tid)
	if err != nil {
		return fmt.Errorf("tkill: %w", err)
	}
	if tgid != 0 && target.Process().Pid() != tgid {
		return fmt.Errorf("tgkill: thread %d is not in process %d: %w", tid, tgid, linuxerr.ErrNoSuchEntity)
	}
	cred := th.Process().Data().Cred()
	if !cred.CanSignal(target.Process().Data().Cred()) {
		return fmt.Errorf("tkill %d: %w", tid, linuxerr.ErrPermissionDenied)
	}
	if signo == 0 {
		return nil
	}
	if target.Data().Signal().Send(signal.Info{Signo: signo, Code: siTkill}) {
		wakeProcess(target.Process())
	}
	k.publish(events.SignalSent, map[string]string{
		"tid":    pidString(tid),
		"signal": signo.String(),
	})
	return nil
}

// sendProcess queues a process-directed signal on p and wakes its threads.
func (k *Kernel) sendProcess(p *process.Process, info signal.Info) {
	if p.Data().Signal().Send(info) {
		wakeProcess(p)
	}
	k.publish(events.SignalSent, map[string]string{
		"pid":    pidString(p.Pid()),
		"signal": info.Signo.String(),
	})
}

// HandleSignals delivers the pending signals of the calling thread, as on
// a return to user mode. A signal whose action terminates the process runs
// the exit protocol for the whole process and does not return.
func (k *Kernel) HandleSignals(t *sched.Task) {
	th, err := Current(t)
	if err != nil {
		return
	}
	sm := th.Data().Signal()
	for {
		info, ok := sm.Dequeue()
		if !ok {
			return
		}
		signo := info.Signo
		k.publish(events.SignalDelivered, map[string]string{
			"tid":    pidString(th.Tid()),
			"signal": signo.String(),
		})
		if signo == signal.SIGKILL {
			k.doExit(t, th, int32(signo), true)
		}

		act := sm.Process().Actions().Get(signo)
		switch {
		case act.Disposition == signal.DispHandler:
			old := sm.SetBlocked(sm.Blocked() | act.Mask | signal.NewSet(signo))
			act.Handler(signo)
			sm.SetBlocked(old)
		case act.Ignored(signo):
		default:
			switch signo.Default() {
			case signal.Terminate:
				k.doExit(t, th, int32(signo), true)
			case signal.CoreDump:
				k.doExit(t, th, int32(signo)|0x80, true)
			}
			// Stop and Continue have no job control to act on.
		}
	}
}

// Sigaction installs act for sig and returns the previous action. A nil
// act only queries.
func (k *Kernel) Sigaction(t *sched.Task, sig int, act *signal.Action) (signal.Action, error) {
	signo, err := signalArg(sig)
	if err != nil || signo == 0 {
		return signal.Action{}, fmt.Errorf("sigaction %d: %w", sig, linuxerr.ErrInvalidArgument)
	}
	th, err := Current(t)
	if err != nil {
		return signal.Action{}, err
	}
	actions := th.Process().Data().Signal().Actions()
	old := actions.Get(signo)
	if act != nil {
		if err := actions.Set(signo, *act); err != nil {
			return signal.Action{}, err
		}
	}
	return old, nil
}

// Sigprocmask changes the calling thread's blocked set according to how
// (SIG_BLOCK, SIG_UNBLOCK or SIG_SETMASK) and returns the previous set.
func (k *Kernel) Sigprocmask(t *sched.Task, how int, set signal.Set) (signal.Set, error) {
	th, err := Current(t)
	if err != nil {
		return 0, err
	}
	sm := th.Data().Signal()
	cur := sm.Blocked()
	switch how {
	case unix.SIG_BLOCK:
		cur |= set
	case unix.SIG_UNBLOCK:
		cur &^= set
	case unix.SIG_SETMASK:
		cur = set
	default:
		return 0, fmt.Errorf("sigprocmask: how %d: %w", how, linuxerr.ErrInvalidArgument)
	}
	return sm.SetBlocked(cur), nil
}

// Pause blocks until a signal is delivered. It returns EINTR if the signal
// did not terminate the process.
func (k *Kernel) Pause(t *sched.Task) error {
	th, err := Current(t)
	if err != nil {
		return err
	}
	th.Data().Signal().WaitInterruptible()
	k.HandleSignals(t)
	return fmt.Errorf("pause: %w", linuxerr.ErrInterrupted)
}

// Nanosleep blocks for d. A delivered signal cuts the sleep short with
// EINTR.
func (k *Kernel) Nanosleep(t *sched.Task, d time.Duration) error {
	th, err := Current(t)
	if err != nil {
		return err
	}
	if th.Data().Signal().SleepInterruptible(d) {
		k.HandleSignals(t)
		return fmt.Errorf("nanosleep: %w", linuxerr.ErrInterrupted)
	}
	return nil
}
