package signal

import (
	"fmt"
	"sync"

	"github.com/kahiteam/lxproc/internal/linuxerr"
)

// Disposition selects how a signal is handled.
type Disposition int

const (
	DispDefault Disposition = iota
	DispIgnore
	DispHandler
)

// Handler is a user signal handler. It runs on the receiving task.
type Handler func(sig Signo)

// Action is one entry of a signal action table.
type Action struct {
	Disposition Disposition
	Handler     Handler
	Mask        Set // blocked while the handler runs
}

// Ignored reports whether delivering sig under a is a no-op.
func (a Action) Ignored(sig Signo) bool {
	switch a.Disposition {
	case DispIgnore:
		return true
	case DispDefault:
		return sig.Default() == Ignore
	default:
		return false
	}
}

// Actions is a signal action table. Processes created with CLONE_SIGHAND
// share one table by reference.
type Actions struct {
	mu    sync.Mutex
	table [NSIG + 1]Action
}

// NewActions creates a table with every signal at its default disposition.
func NewActions() *Actions {
	return &Actions{}
}

// Get returns the action for sig.
func (a *Actions) Get(sig Signo) Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table[sig]
}

// Set installs act for sig. SIGKILL and SIGSTOP cannot be changed.
func (a *Actions) Set(sig Signo, act Action) error {
	if sig == 0 || sig > NSIG || unblockable.Has(sig) {
		return fmt.Errorf("sigaction %s: %w", sig, linuxerr.ErrInvalidArgument)
	}
	if act.Disposition == DispHandler && act.Handler == nil {
		return fmt.Errorf("sigaction %s: nil handler: %w", sig, linuxerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table[sig] = act
	return nil
}

// ResetHandlers returns every handled signal to its default disposition,
// as a successful exec does. Ignored signals stay ignored.
func (a *Actions) ResetHandlers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.table {
		if a.table[i].Disposition == DispHandler {
			a.table[i] = Action{}
		}
	}
}

// Clone returns an independent copy of the table.
func (a *Actions) Clone() *Actions {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := &Actions{}
	cp.table = a.table
	return cp
}
