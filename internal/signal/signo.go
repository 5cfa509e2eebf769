// Package signal is the signal service the process core consumes: signal
// numbers, per-process action tables, and the process- and thread-level
// pending-signal managers.
package signal

import (
	"fmt"
	"math/bits"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signo is a signal number in [1, NSIG].
type Signo uint8

// NSIG is the highest signal number.
const NSIG = 64

// Standard signals used by the process core.
const (
	SIGHUP   = Signo(unix.SIGHUP)
	SIGINT   = Signo(unix.SIGINT)
	SIGQUIT  = Signo(unix.SIGQUIT)
	SIGABRT  = Signo(unix.SIGABRT)
	SIGKILL  = Signo(unix.SIGKILL)
	SIGSEGV  = Signo(unix.SIGSEGV)
	SIGUSR1  = Signo(unix.SIGUSR1)
	SIGUSR2  = Signo(unix.SIGUSR2)
	SIGPIPE  = Signo(unix.SIGPIPE)
	SIGALRM  = Signo(unix.SIGALRM)
	SIGTERM  = Signo(unix.SIGTERM)
	SIGCHLD  = Signo(unix.SIGCHLD)
	SIGCONT  = Signo(unix.SIGCONT)
	SIGSTOP  = Signo(unix.SIGSTOP)
	SIGTSTP  = Signo(unix.SIGTSTP)
	SIGURG   = Signo(unix.SIGURG)
	SIGWINCH = Signo(unix.SIGWINCH)
)

// SIGRTMIN is the first real-time signal.
const SIGRTMIN Signo = 32

// FromRepr interprets n as a signal number. It reports false for 0 and for
// values above NSIG.
func FromRepr(n uint8) (Signo, bool) {
	if n == 0 || n > NSIG {
		return 0, false
	}
	return Signo(n), true
}

func (s Signo) String() string {
	if name := unix.SignalName(syscall.Signal(s)); name != "" {
		return name
	}
	if s >= SIGRTMIN && s <= NSIG {
		return fmt.Sprintf("SIGRT%d", s-SIGRTMIN)
	}
	return fmt.Sprintf("SIG%d", uint8(s))
}

// Set is a bit set of signals; bit n-1 stands for signal n.
type Set uint64

// NewSet creates a set holding sigs.
func NewSet(sigs ...Signo) Set {
	var s Set
	for _, sig := range sigs {
		s = s.Add(sig)
	}
	return s
}

// Add returns s with sig added.
func (s Set) Add(sig Signo) Set { return s | 1<<(sig-1) }

// Remove returns s with sig removed.
func (s Set) Remove(sig Signo) Set { return s &^ (1 << (sig - 1)) }

// Has reports whether sig is in s.
func (s Set) Has(sig Signo) bool { return s&(1<<(sig-1)) != 0 }

// Empty reports whether s holds no signals.
func (s Set) Empty() bool { return s == 0 }

// Lowest returns the lowest-numbered signal in s.
func (s Set) Lowest() (Signo, bool) {
	if s == 0 {
		return 0, false
	}
	return Signo(bits.TrailingZeros64(uint64(s)) + 1), true
}

// unblockable signals can never be masked.
var unblockable = NewSet(SIGKILL, SIGSTOP)

// DefaultAction is what happens to a signal with the default disposition.
type DefaultAction int

const (
	Terminate DefaultAction = iota
	Ignore
	CoreDump
	Stop
	Continue
)

// Default returns the default action for sig.
func (s Signo) Default() DefaultAction {
	switch s {
	case SIGCHLD, SIGURG, SIGWINCH:
		return Ignore
	case SIGQUIT, SIGABRT, SIGSEGV, Signo(unix.SIGILL), Signo(unix.SIGFPE), Signo(unix.SIGBUS), Signo(unix.SIGTRAP), Signo(unix.SIGSYS):
		return CoreDump
	case SIGSTOP, SIGTSTP, Signo(unix.SIGTTIN), Signo(unix.SIGTTOU):
		return Stop
	case SIGCONT:
		return Continue
	default:
		return Terminate
	}
}
