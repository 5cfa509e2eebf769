package registry

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/mm"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/signal"
)

func newData() *process.ProcessData {
	return process.NewProcessData(process.DataConfig{
		AddrSpace:  mm.New(0),
		ExitSignal: signal.SIGCHLD,
	})
}

func newThread(p *process.Process, tid process.Pid) *process.Thread {
	return p.NewThread(tid, process.NewThreadData(p.Data()))
}

func TestAddPublishesAllLevels(t *testing.T) {
	r := New()
	root := process.NewInit(1, newData())
	th := newThread(root, 1)
	r.Add(th)

	if got, err := r.Thread(1); err != nil || got != th {
		t.Fatalf("Thread(1) = %v, %v", got, err)
	}
	if got, err := r.Process(1); err != nil || got != root {
		t.Fatalf("Process(1) = %v, %v", got, err)
	}
	if got, err := r.ProcessGroup(1); err != nil || got != root.Group() {
		t.Fatalf("ProcessGroup(1) = %v, %v", got, err)
	}
	if got, err := r.Session(1); err != nil || got != root.Group().Session() {
		t.Fatalf("Session(1) = %v, %v", got, err)
	}
	runtime.KeepAlive(th)
}

func TestAddIsIdempotent(t *testing.T) {
	r := New()
	root := process.NewInit(1, newData())
	th := newThread(root, 1)
	r.Add(th)
	r.Add(th)

	want := Stats{Threads: 1, Processes: 1, Groups: 1, Sessions: 1}
	if got := r.Stats(); got != want {
		t.Fatalf("Stats = %+v, want %+v", got, want)
	}
	runtime.KeepAlive(th)
}

func TestAddStopsAtPresentProcess(t *testing.T) {
	r := New()
	root := process.NewInit(1, newData())
	first := newThread(root, 1)
	r.Add(first)

	if _, ok := root.CreateGroup(); ok {
		t.Fatal("init created a group while leading one")
	}
	child := root.Fork(2, newData())
	childMain := newThread(child, 2)
	r.Add(childMain)

	g, ok := child.CreateGroup()
	if !ok {
		t.Fatal("CreateGroup failed")
	}
	second := newThread(child, 3)
	r.Add(second)
	if _, err := r.ProcessGroup(2); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Fatalf("group published through an already present process: err = %v", err)
	}

	r.AddGroup(g)
	if got, err := r.ProcessGroup(2); err != nil || got != g {
		t.Fatalf("ProcessGroup(2) = %v, %v", got, err)
	}
	if got := r.Stats(); got.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", got.Sessions)
	}
	runtime.KeepAlive(first)
	runtime.KeepAlive(childMain)
	runtime.KeepAlive(second)
}

func TestLookupMissing(t *testing.T) {
	r := New()
	if _, err := r.Thread(9); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Errorf("Thread: err = %v, want ESRCH", err)
	}
	if _, err := r.Process(9); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Errorf("Process: err = %v, want ESRCH", err)
	}
	if _, err := r.ProcessGroup(9); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Errorf("ProcessGroup: err = %v, want ESRCH", err)
	}
	if _, err := r.Session(9); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Errorf("Session: err = %v, want ESRCH", err)
	}
}

func TestExitedThreadIsAbsent(t *testing.T) {
	r := New()
	root := process.NewInit(1, newData())
	a := newThread(root, 1)
	b := newThread(root, 2)
	r.Add(a)
	r.Add(b)

	b.Exit(0)
	if _, err := r.Thread(2); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Fatalf("exited thread still found: err = %v", err)
	}
	if _, err := r.Thread(1); err != nil {
		t.Fatalf("live sibling missing: %v", err)
	}
	runtime.KeepAlive(a)
}

func TestReapedProcessIsAbsent(t *testing.T) {
	r := New()
	root := process.NewInit(1, newData())
	child := root.Fork(2, newData())
	th := newThread(child, 2)
	r.Add(th)

	th.Exit(0)
	if _, err := child.Exit(root); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Process(2); err != nil {
		t.Fatalf("zombie not found: %v", err)
	}
	if err := child.Free(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Process(2); !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		t.Fatalf("reaped process found: err = %v", err)
	}
	if len(r.Processes()) != 0 {
		t.Fatal("Processes lists a reaped process")
	}
}

func TestEntriesExpireWithOwners(t *testing.T) {
	r := New()
	func() {
		root := process.NewInit(7, newData())
		r.Add(newThread(root, 7))
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		_, errT := r.Thread(7)
		_, errS := r.Session(7)
		if errT != nil && errS != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entries did not expire after the handles were dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := r.Stats(); got != (Stats{}) {
		t.Fatalf("Stats = %+v, want empty", got)
	}
}

func TestProcessesOrdered(t *testing.T) {
	r := New()
	root := process.NewInit(1, newData())
	var keep []*process.Thread
	keep = append(keep, newThread(root, 1))
	r.Add(keep[0])
	for _, pid := range []process.Pid{9, 4, 6} {
		c := root.Fork(pid, newData())
		th := newThread(c, pid)
		keep = append(keep, th)
		r.Add(th)
	}
	var got []process.Pid
	for _, p := range r.Processes() {
		got = append(got, p.Pid())
	}
	want := []process.Pid{1, 4, 6, 9}
	if len(got) != len(want) {
		t.Fatalf("pids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pids = %v, want %v", got, want)
		}
	}
	runtime.KeepAlive(keep)
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default returned different registries")
	}
}
