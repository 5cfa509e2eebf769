package kernel

import (
	"strconv"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/signal"
)

// Exit terminates the calling thread with a normal exit status built from
// code. It never returns.
func (k *Kernel) Exit(t *sched.Task, code int32) {
	k.exit(t, (code&0xff)<<8, false)
}

// ExitGroup terminates every thread of the calling process with a normal
// exit status built from code. It never returns.
func (k *Kernel) ExitGroup(t *sched.Task, code int32) {
	k.exit(t, (code&0xff)<<8, true)
}

func (k *Kernel) exit(t *sched.Task, status int32, groupExit bool) {
	th, err := Current(t)
	if err != nil {
		k.logger.Error("exit from a task without a thread", "task", uint64(t.ID()), "error", err)
		t.Exit(int(status))
	}
	k.doExit(t, th, status, groupExit)
}

// doExit runs the exit protocol for th, which runs on t, and ends t.
func (k *Kernel) doExit(t *sched.Task, th *process.Thread, status int32, groupExit bool) {
	proc := th.Process()
	data := proc.Data()
	if data == nil {
		panic("kernel: exiting process has no process data")
	}
	log := k.logger.With("pid", int(proc.Pid()), "tid", int(th.Tid()))

	k.releaseVforkParent(proc)

	if addr := th.Data().ClearChildTid(); addr != 0 {
		if err := data.AddrSpace().WriteU32(addr, 0); err != nil {
			log.Debug("clear child tid failed", "addr", addr, "error", err)
		}
		if q, ok := data.FutexTable().Get(addr); ok {
			q.NotifyOne()
		}
		sched.Yield()
	}

	last := th.Exit(status)
	k.publish(events.ThreadExited, map[string]string{
		"pid": pidString(proc.Pid()),
		"tid": pidString(th.Tid()),
	})

	if last {
		reaper := k.Init()
		moved, err := proc.Exit(reaper)
		if err != nil {
			log.Error("process exit", "error", err)
		}
		if moved > 0 {
			// Orphans may already be zombies the reaper can collect.
			reaper.Data().ChildExitWQ().NotifyAll()
		}
		if parent := proc.Parent(); parent != nil {
			if sig, ok := data.ExitSignal(); ok {
				k.sendProcess(parent, signal.Info{Signo: sig})
			}
			parent.Data().ChildExitWQ().NotifyAll()
		}
		data.Namespace().FDTable.Clear()

		log.Info("process exited", "status", proc.ExitCode())
		k.publish(events.ProcessExited, map[string]string{
			"pid":    pidString(proc.Pid()),
			"status": strconv.Itoa(int(proc.ExitCode())),
		})
	}

	if groupExit && proc.GroupExit() {
		threads := proc.Threads()
		log.Info("group exit", "status", status, "threads", len(threads))
		for _, other := range threads {
			other.Data().Signal().Send(signal.Info{Signo: signal.SIGKILL})
		}
		wakeProcess(proc)
		k.publish(events.ProcessGroupExit, map[string]string{
			"pid":     pidString(proc.Pid()),
			"threads": strconv.Itoa(len(threads)),
		})
	}

	t.Exit(int(status))
}

// releaseVforkParent wakes the vfork parent of proc if it is still waiting.
func (k *Kernel) releaseVforkParent(proc *process.Process) {
	if !proc.Data().SignalVforkParent() {
		return
	}
	k.logger.Info("vfork parent released", "pid", int(proc.Pid()))
	k.publish(events.VforkReleased, map[string]string{"pid": pidString(proc.Pid())})
}

// wakeProcess interrupts every wait a thread of p could be blocked in so
// it can notice a newly pending signal.
func wakeProcess(p *process.Process) {
	data := p.Data()
	for _, th := range p.Threads() {
		th.Data().Signal().Interrupt()
	}
	data.FutexTable().Interrupt()
	data.ChildExitWQ().NotifyAll()
}
