package ns

import (
	"errors"
	"testing"

	"github.com/kahiteam/lxproc/internal/linuxerr"
)

type fakeFile struct {
	path   string
	closed int
}

func (f *fakeFile) Path() string { return f.path }
func (f *fakeFile) Close() error { f.closed++; return nil }

func newRootNamespace(t *testing.T) *Namespace {
	t.Helper()
	n := New()
	n.FDTable.InitNew(NewFDTable(8))
	n.CurrentDir.InitNew(Dir{Path: "/", Node: 1})
	n.CurrentDirPath.InitNew("/")
	return n
}

func TestFDTableLowestFree(t *testing.T) {
	tbl := NewFDTable(3)
	for want := 0; want < 3; want++ {
		fd, err := tbl.Add(&fakeFile{path: "/dev/null"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if fd != want {
			t.Fatalf("fd = %d, want %d", fd, want)
		}
	}
	if _, err := tbl.Add(&fakeFile{path: "/x"}); !errors.Is(err, linuxerr.ErrTooManyFiles) {
		t.Fatalf("Add on full table: err = %v, want EMFILE", err)
	}
	if err := tbl.Close(1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fd, _ := tbl.Add(&fakeFile{path: "/y"}); fd != 1 {
		t.Fatalf("reused fd = %d, want 1", fd)
	}
	if _, err := tbl.Get(9); !errors.Is(err, linuxerr.ErrBadFD) {
		t.Fatalf("Get(9): err = %v, want EBADF", err)
	}
	if err := tbl.Close(9); !errors.Is(err, linuxerr.ErrBadFD) {
		t.Fatalf("Close(9): err = %v, want EBADF", err)
	}
}

func TestSharedFDTable(t *testing.T) {
	parent := newRootNamespace(t)
	child := New()
	child.FDTable.InitShared(parent.FDTable.Share())

	fd, err := parent.FDTable.Load().Add(&fakeFile{path: "/etc/passwd"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := child.FDTable.Load().Get(fd); err != nil {
		t.Fatalf("child does not see parent's descriptor: %v", err)
	}
	if got := parent.FDTable.Share().Refs(); got != 2 {
		t.Fatalf("Refs = %d, want 2", got)
	}
}

func TestCopiedFDTable(t *testing.T) {
	parent := newRootNamespace(t)
	f := &fakeFile{path: "/tmp/a"}
	if _, err := parent.FDTable.Load().Add(f); err != nil {
		t.Fatal(err)
	}

	child := New()
	child.FDTable.InitNew(parent.FDTable.CopyInner())

	if child.FDTable.Load() == parent.FDTable.Load() {
		t.Fatal("copied table is the parent's instance")
	}
	if child.FDTable.Load().Len() != 1 {
		t.Fatal("copy lost the inherited descriptor")
	}
	fd, _ := child.FDTable.Load().Add(&fakeFile{path: "/tmp/b"})
	if _, err := parent.FDTable.Load().Get(fd); err == nil {
		t.Fatal("child's new descriptor leaked into parent")
	}
}

func TestReleaseClosesOnLastHolder(t *testing.T) {
	parent := newRootNamespace(t)
	f := &fakeFile{path: "/tmp/a"}
	if _, err := parent.FDTable.Load().Add(f); err != nil {
		t.Fatal(err)
	}
	child := New()
	child.FDTable.InitShared(parent.FDTable.Share())

	child.Release()
	if f.closed != 0 {
		t.Fatal("file closed while parent still holds the table")
	}
	parent.Release()
	if f.closed != 1 {
		t.Fatalf("closed = %d, want 1", f.closed)
	}
}

func TestChdirSharedAndCopied(t *testing.T) {
	parent := newRootNamespace(t)

	shared := New()
	shared.CurrentDir.InitShared(parent.CurrentDir.Share())
	shared.CurrentDirPath.InitShared(parent.CurrentDirPath.Share())

	copied := New()
	copied.CurrentDir.InitNew(parent.CurrentDir.CopyInner())
	copied.CurrentDirPath.InitNew(parent.CurrentDirPath.CopyInner())

	parent.Chdir(Dir{Path: "/var", Node: 7})

	if got := shared.CurrentDirPath.Load(); got != "/var" {
		t.Fatalf("shared cwd = %q, want /var", got)
	}
	if got := shared.CurrentDir.Load().Node; got != 7 {
		t.Fatalf("shared cwd node = %d, want 7", got)
	}
	if got := copied.CurrentDirPath.Load(); got != "/" {
		t.Fatalf("copied cwd = %q, want /", got)
	}
}
