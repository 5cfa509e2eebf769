package ns

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/kahiteam/lxproc/internal/linuxerr"
)

// File is an open file description owned by the filesystem layer.
type File interface {
	Path() string
}

// FDTable maps descriptors to open files.
type FDTable struct {
	mu    sync.Mutex
	files map[int]File
	limit int
}

// NewFDTable creates an empty table holding at most limit descriptors.
func NewFDTable(limit int) *FDTable {
	return &FDTable{files: make(map[int]File), limit: limit}
}

// Add installs f at the lowest free descriptor.
func (t *FDTable) Add(f File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := 0; fd < t.limit; fd++ {
		if _, used := t.files[fd]; !used {
			t.files[fd] = f
			return fd, nil
		}
	}
	return -1, fmt.Errorf("add %s: %w", f.Path(), linuxerr.ErrTooManyFiles)
}

// Get returns the file at fd.
func (t *FDTable) Get(fd int) (File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, linuxerr.ErrBadFD)
	}
	return f, nil
}

// Close removes fd from the table.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	delete(t.files, fd)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("fd %d: %w", fd, linuxerr.ErrBadFD)
	}
	return closeFile(f)
}

// FDs returns the open descriptors in ascending order.
func (t *FDTable) FDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fds := make([]int, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// Len returns the number of open descriptors.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Clone copies the table. The open files themselves are shared, as with dup.
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := NewFDTable(t.limit)
	for fd, f := range t.files {
		cp.files[fd] = f
	}
	return cp
}

// CloseAll empties the table.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int]File)
	t.mu.Unlock()
	for _, f := range files {
		_ = closeFile(f)
	}
}

func closeFile(f File) error {
	if c, ok := f.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Dir is a working directory reference.
type Dir struct {
	Path string
	Node uint64
}

// Namespace is the set of resources a process holds through its namespace.
type Namespace struct {
	FDTable        Resource[*FDTable]
	CurrentDir     Resource[Dir]
	CurrentDirPath Resource[string]
}

// New creates a namespace with uninitialized slots.
func New() *Namespace {
	return &Namespace{
		FDTable: newResource(
			func(t *FDTable) *FDTable {
				if t == nil {
					return nil
				}
				return t.Clone()
			},
			func(t *FDTable) {
				if t != nil {
					t.CloseAll()
				}
			},
		),
		CurrentDir:     newResource[Dir](nil, nil),
		CurrentDirPath: newResource[string](nil, nil),
	}
}

// Chdir updates both working-directory slots.
func (n *Namespace) Chdir(dir Dir) {
	n.CurrentDir.Store(dir)
	n.CurrentDirPath.Store(dir.Path)
}

// Release detaches every slot, closing the descriptor table if this was its
// last holder.
func (n *Namespace) Release() {
	n.FDTable.Clear()
	n.CurrentDir.Clear()
	n.CurrentDirPath.Clear()
}
