package kernel

import (
	"fmt"

	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/registry"
)

// ProcessInfo is a point-in-time view of a process.
type ProcessInfo struct {
	Pid         process.Pid   `json:"pid"`
	Ppid        process.Pid   `json:"ppid"`
	Pgid        process.Pid   `json:"pgid"`
	Sid         process.Pid   `json:"sid"`
	State       string        `json:"state"`
	Exe         string        `json:"exe"`
	Threads     []process.Pid `json:"threads"`
	Children    []process.Pid `json:"children"`
	ExitCode    int32         `json:"exit_code"`
	GroupExited bool          `json:"group_exited"`
	Credentials string        `json:"credentials"`
	HeapBottom  string        `json:"heap_bottom"`
	HeapTop     string        `json:"heap_top"`
	FDs         []int         `json:"fds"`
	Cwd         string        `json:"cwd"`
	PageTable   uint64        `json:"page_table"`
}

// ThreadInfo is a point-in-time view of a thread.
type ThreadInfo struct {
	Tid           process.Pid `json:"tid"`
	Pid           process.Pid `json:"pid"`
	ClearChildTid string      `json:"clear_child_tid"`
	Pending       string      `json:"pending"`
	Blocked       string      `json:"blocked"`
}

// GroupInfo is a point-in-time view of a process group.
type GroupInfo struct {
	Pgid      process.Pid   `json:"pgid"`
	Sid       process.Pid   `json:"sid"`
	Processes []process.Pid `json:"processes"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Sid    process.Pid   `json:"sid"`
	Groups []process.Pid `json:"groups"`
}

// DescribeProcess builds the view of p.
func DescribeProcess(p *process.Process) ProcessInfo {
	data := p.Data()
	group := p.Group()
	info := ProcessInfo{
		Pid:         p.Pid(),
		Pgid:        group.Pgid(),
		Sid:         group.Session().Sid(),
		State:       p.State().String(),
		Exe:         data.ExePath(),
		ExitCode:    p.ExitCode(),
		GroupExited: p.IsGroupExited(),
		Credentials: data.Cred().String(),
		HeapBottom:  fmt.Sprintf("%#x", data.HeapBottom()),
		HeapTop:     fmt.Sprintf("%#x", data.HeapTop()),
		Cwd:         data.Namespace().CurrentDirPath.Load(),
		Threads:     []process.Pid{},
		Children:    []process.Pid{},
		FDs:         []int{},
	}
	if parent := p.Parent(); parent != nil {
		info.Ppid = parent.Pid()
	}
	for _, th := range p.Threads() {
		info.Threads = append(info.Threads, th.Tid())
	}
	for _, c := range p.Children() {
		info.Children = append(info.Children, c.Pid())
	}
	if fds := data.Namespace().FDTable.Load(); fds != nil {
		info.FDs = fds.FDs()
	}
	if as := data.AddrSpace(); as != nil {
		info.PageTable = as.PageTableRoot()
	}
	return info
}

// DescribeThread builds the view of th.
func DescribeThread(th *process.Thread) ThreadInfo {
	sm := th.Data().Signal()
	return ThreadInfo{
		Tid:           th.Tid(),
		Pid:           th.Process().Pid(),
		ClearChildTid: fmt.Sprintf("%#x", th.Data().ClearChildTid()),
		Pending:       fmt.Sprintf("%#x", uint64(sm.Pending())),
		Blocked:       fmt.Sprintf("%#x", uint64(sm.Blocked())),
	}
}

// DescribeGroup builds the view of g.
func DescribeGroup(g *process.ProcessGroup) GroupInfo {
	info := GroupInfo{Pgid: g.Pgid(), Sid: g.Session().Sid(), Processes: []process.Pid{}}
	for _, p := range g.Processes() {
		info.Processes = append(info.Processes, p.Pid())
	}
	return info
}

// DescribeSession builds the view of s.
func DescribeSession(s *process.Session) SessionInfo {
	info := SessionInfo{Sid: s.Sid(), Groups: []process.Pid{}}
	for _, g := range s.ProcessGroups() {
		info.Groups = append(info.Groups, g.Pgid())
	}
	return info
}

// ProcessTable describes every registered process in pid order.
func (k *Kernel) ProcessTable() []ProcessInfo {
	procs := k.reg.Processes()
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, DescribeProcess(p))
	}
	return out
}

// LookupProcess describes the process pid.
func (k *Kernel) LookupProcess(pid process.Pid) (ProcessInfo, error) {
	p, err := k.reg.Process(pid)
	if err != nil {
		return ProcessInfo{}, err
	}
	return DescribeProcess(p), nil
}

// LookupThread describes the live thread tid.
func (k *Kernel) LookupThread(tid process.Pid) (ThreadInfo, error) {
	th, err := k.reg.Thread(tid)
	if err != nil {
		return ThreadInfo{}, err
	}
	return DescribeThread(th), nil
}

// LookupGroup describes the process group pgid.
func (k *Kernel) LookupGroup(pgid process.Pid) (GroupInfo, error) {
	g, err := k.reg.ProcessGroup(pgid)
	if err != nil {
		return GroupInfo{}, err
	}
	return DescribeGroup(g), nil
}

// LookupSession describes the session sid.
func (k *Kernel) LookupSession(sid process.Pid) (SessionInfo, error) {
	s, err := k.reg.Session(sid)
	if err != nil {
		return SessionInfo{}, err
	}
	return DescribeSession(s), nil
}

// Stats returns the registry table sizes.
func (k *Kernel) Stats() registry.Stats { return k.reg.Stats() }
