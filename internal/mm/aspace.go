// Package mm provides the address-space service the process core consumes:
// sparse page-backed memory regions that can be shared by reference or
// deep-cloned, plus the kernel's own mappings.
package mm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kahiteam/lxproc/internal/linuxerr"
)

// PageSize is the granularity of mappings.
const PageSize = 4096

// Flags are mapping permissions.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
	Exec
	User // accessible from user space
)

func (f Flags) String() string {
	b := []byte("----")
	if f&Read != 0 {
		b[0] = 'r'
	}
	if f&Write != 0 {
		b[1] = 'w'
	}
	if f&Exec != 0 {
		b[2] = 'x'
	}
	if f&User != 0 {
		b[3] = 'u'
	}
	return string(b)
}

// Area is a contiguous mapped range [Start, End).
type Area struct {
	Start uintptr
	End   uintptr
	Flags Flags
}

// Size returns the area length in bytes.
func (a Area) Size() uintptr { return a.End - a.Start }

func (a Area) overlaps(start, end uintptr) bool {
	return a.Start < end && start < a.End
}

var nextRoot atomic.Uint64

// Budget bounds the resident pages of every address space charged to it,
// standing in for the physical frames a machine has. A nil Budget is
// unlimited.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget creates a budget of limit pages. A limit of 0 is unlimited.
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// Used returns the number of pages charged.
func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	return int(b.used.Load())
}

func (b *Budget) charge(n int) bool {
	if b == nil || n == 0 {
		return true
	}
	for {
		cur := b.used.Load()
		if b.limit > 0 && cur+int64(n) > b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+int64(n)) {
			return true
		}
	}
}

func (b *Budget) refund(n int) {
	if b != nil && n > 0 {
		b.used.Add(-int64(n))
	}
}

// AddrSpace is a virtual address space. All methods take the space's lock,
// so a handle may be shared by reference across tasks and processes.
type AddrSpace struct {
	mu       sync.Mutex
	root     uint64
	areas    []Area
	pages    map[uintptr][]byte
	maxPages int
	budget   *Budget
	refs     atomic.Int32
}

// New creates an empty address space that may hold at most maxPages
// resident pages (0 means unlimited).
func New(maxPages int) *AddrSpace {
	return &AddrSpace{
		root:     nextRoot.Add(1),
		pages:    make(map[uintptr][]byte),
		maxPages: maxPages,
	}
}

// NewKernel creates the kernel address space with a single supervisor-only
// mapping covering [base, base+size).
func NewKernel(base, size uintptr) *AddrSpace {
	as := New(0)
	as.areas = []Area{{Start: base, End: base + size, Flags: Read | Write | Exec}}
	return as
}

// SetBudget charges the space's pages to b. It must be called before the
// space is populated.
func (as *AddrSpace) SetBudget(b *Budget) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.budget = b
}

// PageTableRoot identifies the space's translation root. Tasks running on
// the same root share memory.
func (as *AddrSpace) PageTableRoot() uint64 { return as.root }

// Acquire records one more owner of the space.
func (as *AddrSpace) Acquire() { as.refs.Add(1) }

// Release drops one owner and reports whether it was the last. The last
// release frees the resident pages; the mappings stay until cleared.
func (as *AddrSpace) Release() bool {
	if as.refs.Add(-1) != 0 {
		return false
	}
	as.mu.Lock()
	as.budget.refund(len(as.pages))
	clear(as.pages)
	as.mu.Unlock()
	return true
}

// Refs returns the number of owners.
func (as *AddrSpace) Refs() int { return int(as.refs.Load()) }

// Map adds a mapping. start and size must be page aligned.
func (as *AddrSpace) Map(start, size uintptr, flags Flags) error {
	if start%PageSize != 0 || size == 0 || size%PageSize != 0 {
		return fmt.Errorf("map %#x+%#x: %w", start, size, linuxerr.ErrInvalidArgument)
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	end := start + size
	for _, a := range as.areas {
		if a.overlaps(start, end) {
			return fmt.Errorf("map %#x+%#x overlaps %#x-%#x: %w", start, size, a.Start, a.End, linuxerr.ErrInvalidArgument)
		}
	}
	as.areas = append(as.areas, Area{Start: start, End: end, Flags: flags})
	sort.Slice(as.areas, func(i, j int) bool { return as.areas[i].Start < as.areas[j].Start })
	return nil
}

// ClearMappings removes every mapping intersecting [start, start+size) and
// frees their pages.
func (as *AddrSpace) ClearMappings(start, size uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.clearLocked(start, start+size)
}

func (as *AddrSpace) clearLocked(start, end uintptr) {
	kept := as.areas[:0]
	for _, a := range as.areas {
		if a.overlaps(start, end) {
			as.freeLocked(a.Start, a.End)
			continue
		}
		kept = append(kept, a)
	}
	as.areas = kept
}

// freeLocked drops the populated pages in [start, end).
func (as *AddrSpace) freeLocked(start, end uintptr) {
	freed := 0
	for pg := range as.pages {
		if pg >= start && pg < end {
			delete(as.pages, pg)
			freed++
		}
	}
	as.budget.refund(freed)
}

// Unmap removes [start, start+size) from the space, trimming or splitting
// the areas it cuts, and frees only the pages inside the range.
func (as *AddrSpace) Unmap(start, size uintptr) error {
	if start%PageSize != 0 || size == 0 || size%PageSize != 0 {
		return fmt.Errorf("unmap %#x+%#x: %w", start, size, linuxerr.ErrInvalidArgument)
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	end := start + size
	var kept []Area
	for _, a := range as.areas {
		if !a.overlaps(start, end) {
			kept = append(kept, a)
			continue
		}
		if a.Start < start {
			kept = append(kept, Area{Start: a.Start, End: start, Flags: a.Flags})
		}
		if a.End > end {
			kept = append(kept, Area{Start: end, End: a.End, Flags: a.Flags})
		}
	}
	as.areas = kept
	as.freeLocked(start, end)
	return nil
}

// Areas returns a copy of the mappings in address order.
func (as *AddrSpace) Areas() []Area {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Area, len(as.areas))
	copy(out, as.areas)
	return out
}

// ResidentPages returns the number of populated pages.
func (as *AddrSpace) ResidentPages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}

func (as *AddrSpace) findLocked(addr uintptr) (Area, bool) {
	i := sort.Search(len(as.areas), func(i int) bool { return as.areas[i].End > addr })
	if i < len(as.areas) && as.areas[i].Start <= addr {
		return as.areas[i], true
	}
	return Area{}, false
}

// Probe verifies that [addr, addr+n) is user accessible with want without
// touching its contents.
func (as *AddrSpace) Probe(addr, n uintptr, want Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.checkLocked(addr, n, want)
}

// checkLocked verifies that [addr, addr+n) is user accessible with want.
func (as *AddrSpace) checkLocked(addr, n uintptr, want Flags) error {
	if addr == 0 || addr+n < addr {
		return fmt.Errorf("user access %#x+%d: %w", addr, n, linuxerr.ErrBadAddress)
	}
	for cur := addr; cur < addr+n; {
		a, ok := as.findLocked(cur)
		if !ok || a.Flags&(want|User) != want|User {
			return fmt.Errorf("user access %#x+%d: %w", addr, n, linuxerr.ErrBadAddress)
		}
		cur = a.End
	}
	return nil
}

func (as *AddrSpace) pageLocked(pg uintptr) ([]byte, error) {
	if p, ok := as.pages[pg]; ok {
		return p, nil
	}
	if as.maxPages > 0 && len(as.pages) >= as.maxPages {
		return nil, fmt.Errorf("populate page %#x: %w", pg, linuxerr.ErrResourceExhausted)
	}
	if !as.budget.charge(1) {
		return nil, fmt.Errorf("populate page %#x: out of frames: %w", pg, linuxerr.ErrResourceExhausted)
	}
	p := make([]byte, PageSize)
	as.pages[pg] = p
	return p, nil
}

// Read copies user memory at addr into buf.
func (as *AddrSpace) Read(addr uintptr, buf []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkLocked(addr, uintptr(len(buf)), Read); err != nil {
		return err
	}
	for off := 0; off < len(buf); {
		cur := addr + uintptr(off)
		pg := cur &^ (PageSize - 1)
		n := min(len(buf)-off, int(pg+PageSize-cur))
		if p, ok := as.pages[pg]; ok {
			copy(buf[off:off+n], p[cur-pg:])
		} else {
			clear(buf[off : off+n])
		}
		off += n
	}
	return nil
}

// Write copies buf into user memory at addr.
func (as *AddrSpace) Write(addr uintptr, buf []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkLocked(addr, uintptr(len(buf)), Write); err != nil {
		return err
	}
	for off := 0; off < len(buf); {
		cur := addr + uintptr(off)
		pg := cur &^ (PageSize - 1)
		n := min(len(buf)-off, int(pg+PageSize-cur))
		p, err := as.pageLocked(pg)
		if err != nil {
			return err
		}
		copy(p[cur-pg:], buf[off:off+n])
		off += n
	}
	return nil
}

// ReadU32 loads a 32-bit word from user memory.
func (as *AddrSpace) ReadU32(addr uintptr) (uint32, error) {
	var b [4]byte
	if err := as.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteU32 stores a 32-bit word into user memory.
func (as *AddrSpace) WriteU32(addr uintptr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return as.Write(addr, b[:])
}

// TryClone deep-copies the user mappings and their contents into a new
// space with its own root, charged to the same budget. It fails with
// ENOMEM when the budget cannot hold the copied pages. Kernel mappings are
// not copied; see CopyFromKernel.
func (as *AddrSpace) TryClone() (*AddrSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.maxPages > 0 && len(as.pages) > as.maxPages {
		return nil, fmt.Errorf("clone address space: %w", linuxerr.ErrResourceExhausted)
	}

	cp := New(as.maxPages)
	cp.budget = as.budget
	for _, a := range as.areas {
		if a.Flags&User == 0 {
			continue
		}
		cp.areas = append(cp.areas, a)
	}
	for pg, p := range as.pages {
		if a, ok := as.findLocked(pg); ok && a.Flags&User != 0 {
			cp.pages[pg] = p
		}
	}
	if !cp.budget.charge(len(cp.pages)) {
		return nil, fmt.Errorf("clone address space: %d pages: %w", len(cp.pages), linuxerr.ErrResourceExhausted)
	}
	for pg, p := range cp.pages {
		cp.pages[pg] = append([]byte(nil), p...)
	}
	return cp, nil
}

// CopyFromKernel installs the kernel's supervisor-only mappings into as.
func (as *AddrSpace) CopyFromKernel(kernel *AddrSpace) error {
	kareas := kernel.Areas()

	as.mu.Lock()
	defer as.mu.Unlock()
	for _, ka := range kareas {
		for _, a := range as.areas {
			if a.overlaps(ka.Start, ka.End) {
				return fmt.Errorf("kernel range %#x-%#x already mapped: %w", ka.Start, ka.End, linuxerr.ErrInvalidArgument)
			}
		}
		as.areas = append(as.areas, ka)
	}
	sort.Slice(as.areas, func(i, j int) bool { return as.areas[i].Start < as.areas[j].Start })
	return nil
}
