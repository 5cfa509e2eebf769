// Package registry holds the process-wide identity tables mapping thread,
// process, process group and session ids to live handles. The tables hold
// weak references only: an entry disappears once the last strong owner of
// its handle is gone, so nothing is ever removed explicitly.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"weak"

	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/process"
)

type table[T any] struct {
	mu      sync.RWMutex
	entries map[process.Pid]weak.Pointer[T]
}

func newTable[T any]() *table[T] {
	return &table[T]{entries: make(map[process.Pid]weak.Pointer[T])}
}

func (t *table[T]) get(id process.Pid) *T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id].Value()
}

func (t *table[T]) insert(id process.Pid, v *T) {
	t.entries[id] = weak.Make(v)
}

func (t *table[T]) containsLocked(id process.Pid) bool {
	return t.entries[id].Value() != nil
}

func (t *table[T]) values() []*T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*T, 0, len(t.entries))
	for id, wp := range t.entries {
		if v := wp.Value(); v != nil {
			out = append(out, v)
		} else {
			delete(t.entries, id)
		}
	}
	return out
}

// Registry is a set of identity tables.
type Registry struct {
	threads   *table[process.Thread]
	processes *table[process.Process]
	groups    *table[process.ProcessGroup]
	sessions  *table[process.Session]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		threads:   newTable[process.Thread](),
		processes: newTable[process.Process](),
		groups:    newTable[process.ProcessGroup](),
		sessions:  newTable[process.Session](),
	}
}

// Default returns the process-wide registry.
var Default = sync.OnceValue(New)

// Add publishes th. Its process, group and session are published too, each
// only if the level above it was not already present.
func (r *Registry) Add(th *process.Thread) {
	r.threads.mu.Lock()
	defer r.threads.mu.Unlock()
	r.threads.insert(th.Tid(), th)

	r.processes.mu.Lock()
	defer r.processes.mu.Unlock()
	proc := th.Process()
	if r.processes.containsLocked(proc.Pid()) {
		return
	}
	r.processes.insert(proc.Pid(), proc)

	r.addGroup(proc.Group())
}

// AddGroup publishes a process group created after its members were
// registered, and its session if that is new too.
func (r *Registry) AddGroup(g *process.ProcessGroup) {
	r.addGroup(g)
}

func (r *Registry) addGroup(g *process.ProcessGroup) {
	r.groups.mu.Lock()
	defer r.groups.mu.Unlock()
	if r.groups.containsLocked(g.Pgid()) {
		return
	}
	r.groups.insert(g.Pgid(), g)

	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()
	s := g.Session()
	if r.sessions.containsLocked(s.Sid()) {
		return
	}
	r.sessions.insert(s.Sid(), s)
}

// Thread returns the live thread with the given tid. Threads that have
// already exited are absent.
func (r *Registry) Thread(tid process.Pid) (*process.Thread, error) {
	if th := r.threads.get(tid); th != nil && !th.Exited() {
		return th, nil
	}
	return nil, fmt.Errorf("thread %d: %w", tid, linuxerr.ErrNoSuchEntity)
}

// Process returns the process with the given pid. Zombies are present until
// they are reaped.
func (r *Registry) Process(pid process.Pid) (*process.Process, error) {
	if p := r.processes.get(pid); p != nil && p.State() != process.Reaped {
		return p, nil
	}
	return nil, fmt.Errorf("process %d: %w", pid, linuxerr.ErrNoSuchEntity)
}

// ProcessGroup returns the process group with the given pgid.
func (r *Registry) ProcessGroup(pgid process.Pid) (*process.ProcessGroup, error) {
	if g := r.groups.get(pgid); g != nil {
		return g, nil
	}
	return nil, fmt.Errorf("process group %d: %w", pgid, linuxerr.ErrNoSuchEntity)
}

// Session returns the session with the given sid.
func (r *Registry) Session(sid process.Pid) (*process.Session, error) {
	if s := r.sessions.get(sid); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("session %d: %w", sid, linuxerr.ErrNoSuchEntity)
}

// Processes lists the processes that have not been reaped, ordered by pid.
func (r *Registry) Processes() []*process.Process {
	all := r.processes.values()
	out := all[:0]
	for _, p := range all {
		if p.State() != process.Reaped {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *process.Process) int { return int(a.Pid() - b.Pid()) })
	return out
}

// Stats counts the live entries of each table.
type Stats struct {
	Threads   int `json:"threads"`
	Processes int `json:"processes"`
	Groups    int `json:"groups"`
	Sessions  int `json:"sessions"`
}

// Stats returns the current table sizes.
func (r *Registry) Stats() Stats {
	threads := 0
	for _, th := range r.threads.values() {
		if !th.Exited() {
			threads++
		}
	}
	return Stats{
		Threads:   threads,
		Processes: len(r.Processes()),
		Groups:    len(r.groups.values()),
		Sessions:  len(r.sessions.values()),
	}
}
