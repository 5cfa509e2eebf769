// Package process models the Linux process hierarchy: sessions, process
// groups, processes and threads, together with the per-process and
// per-thread resource bundles attached to them.
//
// Ownership flows downward. A thread owns its process, a process owns its
// group and its children, and a group owns its session. Upward and
// sideways links (parent, group members, session members) are weak.
package process

import (
	"fmt"
	"slices"
	"sync"
	"weak"
)

// Pid identifies a thread, process, process group or session.
type Pid int32

// Session is a set of process groups.
type Session struct {
	sid Pid

	mu     sync.Mutex
	groups map[Pid]weak.Pointer[ProcessGroup]
}

func newSession(sid Pid) *Session {
	return &Session{sid: sid, groups: make(map[Pid]weak.Pointer[ProcessGroup])}
}

// Sid returns the session id.
func (s *Session) Sid() Pid { return s.sid }

// ProcessGroups returns the live groups of the session ordered by pgid.
func (s *Session) ProcessGroups() []*ProcessGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProcessGroup, 0, len(s.groups))
	for pgid, wp := range s.groups {
		if g := wp.Value(); g != nil {
			out = append(out, g)
		} else {
			delete(s.groups, pgid)
		}
	}
	slices.SortFunc(out, func(a, b *ProcessGroup) int { return int(a.pgid - b.pgid) })
	return out
}

func (s *Session) String() string { return fmt.Sprintf("Session(%d)", s.sid) }

// ProcessGroup is a set of processes within one session.
type ProcessGroup struct {
	pgid    Pid
	session *Session

	mu        sync.Mutex
	processes map[Pid]weak.Pointer[Process]
}

func newProcessGroup(pgid Pid, session *Session) *ProcessGroup {
	g := &ProcessGroup{
		pgid:      pgid,
		session:   session,
		processes: make(map[Pid]weak.Pointer[Process]),
	}
	session.mu.Lock()
	session.groups[pgid] = weak.Make(g)
	session.mu.Unlock()
	return g
}

// Pgid returns the process group id.
func (g *ProcessGroup) Pgid() Pid { return g.pgid }

// Session returns the session the group belongs to.
func (g *ProcessGroup) Session() *Session { return g.session }

// Processes returns the live members of the group ordered by pid.
func (g *ProcessGroup) Processes() []*Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Process, 0, len(g.processes))
	for pid, wp := range g.processes {
		if p := wp.Value(); p != nil {
			out = append(out, p)
		} else {
			delete(g.processes, pid)
		}
	}
	slices.SortFunc(out, func(a, b *Process) int { return int(a.pid - b.pid) })
	return out
}

func (g *ProcessGroup) add(p *Process) {
	g.mu.Lock()
	g.processes[p.pid] = weak.Make(p)
	g.mu.Unlock()
}

func (g *ProcessGroup) remove(pid Pid) {
	g.mu.Lock()
	delete(g.processes, pid)
	g.mu.Unlock()
}

func (g *ProcessGroup) String() string { return fmt.Sprintf("ProcessGroup(%d)", g.pgid) }

// Process is a thread group sharing one ProcessData.
type Process struct {
	pid  Pid
	data *ProcessData
	sm   *StateMachine

	mu          sync.Mutex
	parent      weak.Pointer[Process]
	children    map[Pid]*Process
	group       *ProcessGroup
	threads     map[Pid]*Thread
	exitCode    int32
	groupExited bool
}

func newProcess(pid Pid, data *ProcessData, group *ProcessGroup) *Process {
	p := &Process{
		pid:      pid,
		data:     data,
		sm:       NewStateMachine(),
		children: make(map[Pid]*Process),
		group:    group,
		threads:  make(map[Pid]*Thread),
	}
	group.add(p)
	return p
}

// NewInit creates the first process. It leads a new session and a new
// process group, both identified by pid.
func NewInit(pid Pid, data *ProcessData) *Process {
	session := newSession(pid)
	return newProcess(pid, data, newProcessGroup(pid, session))
}

// Fork creates a child of p with the given pid in p's process group.
func (p *Process) Fork(pid Pid, data *ProcessData) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	child := newProcess(pid, data, p.group)
	child.parent = weak.Make(p)
	p.children[pid] = child
	return child
}

// NewThread adds a thread with the given tid to p.
func (p *Process) NewThread(tid Pid, data *ThreadData) *Thread {
	t := &Thread{tid: tid, process: p, data: data}
	p.mu.Lock()
	p.threads[tid] = t
	p.mu.Unlock()
	return t
}

// JoinThread adds a thread to a live thread group. It fails once GroupExit
// has been called, so every member is in the snapshot the group exit kills.
func (p *Process) JoinThread(tid Pid, data *ThreadData) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groupExited {
		return nil, false
	}
	t := &Thread{tid: tid, process: p, data: data}
	p.threads[tid] = t
	return t, true
}

// Pid returns the process id.
func (p *Process) Pid() Pid { return p.pid }

// Data returns the process's resource bundle.
func (p *Process) Data() *ProcessData { return p.data }

// State returns the lifecycle state.
func (p *Process) State() State { return p.sm.State() }

// IsZombie reports whether every thread has exited.
func (p *Process) IsZombie() bool { return p.sm.State() != Alive }

// Parent returns the parent process, or nil for init or once the parent
// has been collected.
func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent.Value()
}

// Children returns the children ordered by pid.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	out := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b *Process) int { return int(a.pid - b.pid) })
	return out
}

// Group returns the process group p belongs to.
func (p *Process) Group() *ProcessGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

// Threads returns the threads that have not exited, ordered by tid.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b *Thread) int { return int(a.tid - b.tid) })
	return out
}

// ThreadCount returns the number of threads that have not exited.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// ExitCode returns the wait status recorded by the exiting threads.
func (p *Process) ExitCode() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// GroupExit marks p as group-exited. It reports false if p already was.
func (p *Process) GroupExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groupExited {
		return false
	}
	p.groupExited = true
	return true
}

// IsGroupExited reports whether GroupExit has been called.
func (p *Process) IsGroupExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groupExited
}

// Exit turns p into a zombie and hands its children to reaper, returning
// how many were moved. It is called once the last thread has exited. A nil
// reaper, or p itself, leaves the children orphaned.
//
// The children are handed over before p turns into a zombie, so a waiter
// that sees the zombie also sees its orphans under their new parent.
func (p *Process) Exit(reaper *Process) (int, error) {
	if st := p.sm.State(); st != Alive {
		return 0, fmt.Errorf("exit process %d: already %s", p.pid, st)
	}
	moved := 0
	if reaper != nil && reaper != p {
		p.mu.Lock()
		orphans := p.children
		p.children = make(map[Pid]*Process)
		p.mu.Unlock()

		wr := weak.Make(reaper)
		for pid, child := range orphans {
			child.mu.Lock()
			child.parent = wr
			child.mu.Unlock()

			reaper.mu.Lock()
			reaper.children[pid] = child
			reaper.mu.Unlock()
		}
		moved = len(orphans)
	}
	if err := p.sm.Transition(Zombie); err != nil {
		return moved, fmt.Errorf("exit process %d: %w", p.pid, err)
	}
	return moved, nil
}

// Free detaches a zombie from its parent and group once it has been reaped.
func (p *Process) Free() error {
	if err := p.sm.Transition(Reaped); err != nil {
		return fmt.Errorf("free process %d: %w", p.pid, err)
	}
	if parent := p.Parent(); parent != nil {
		parent.mu.Lock()
		delete(parent.children, p.pid)
		parent.mu.Unlock()
	}
	p.Group().remove(p.pid)
	return nil
}

// CreateSession makes p the leader of a new session and of a new group
// within it. It fails if p already leads a session.
func (p *Process) CreateSession() (*Session, *ProcessGroup, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group.session.sid == p.pid {
		return nil, nil, false
	}
	session := newSession(p.pid)
	group := newProcessGroup(p.pid, session)
	p.switchGroupLocked(group)
	return session, group, true
}

// CreateGroup makes p the leader of a new group in its current session.
// It fails if p already leads a group.
func (p *Process) CreateGroup() (*ProcessGroup, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group.pgid == p.pid {
		return nil, false
	}
	group := newProcessGroup(p.pid, p.group.session)
	p.switchGroupLocked(group)
	return group, true
}

// MoveToGroup moves p into group. Groups in another session are refused.
func (p *Process) MoveToGroup(group *ProcessGroup) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group == group {
		return true
	}
	if p.group.session != group.session {
		return false
	}
	p.switchGroupLocked(group)
	return true
}

func (p *Process) switchGroupLocked(group *ProcessGroup) {
	p.group.remove(p.pid)
	group.add(p)
	p.group = group
}

func (p *Process) String() string { return fmt.Sprintf("Process(%d)", p.pid) }

// Thread is one schedulable member of a process.
type Thread struct {
	tid     Pid
	process *Process
	data    *ThreadData
}

// Tid returns the thread id.
func (t *Thread) Tid() Pid { return t.tid }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.process }

// Data returns the thread's resource bundle.
func (t *Thread) Data() *ThreadData { return t.data }

// Exited reports whether Exit has been called for t.
func (t *Thread) Exited() bool {
	p := t.process
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.threads[t.tid]
	return !ok
}

// Exit detaches t from its process and records code as the process's exit
// status unless the process is group-exiting. It reports whether t was the
// last thread.
func (t *Thread) Exit(code int32) bool {
	p := t.process
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.groupExited {
		p.exitCode = code
	}
	delete(p.threads, t.tid)
	return len(p.threads) == 0
}

func (t *Thread) String() string { return fmt.Sprintf("Thread(%d)", t.tid) }
