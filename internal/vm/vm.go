// Package vm implements the two-level page-table manager and
// per-environment address space: a root table plus second-level tables,
// each table itself a reference-counted physical frame reinterpreted as
// an array of entries.
package vm

import (
	"sync"
	"unsafe"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
)

// Entries is the number of entries in a root or second-level table. Each
// table is exactly one frame (PGSIZE bytes / 4 bytes per entry), so both
// levels are themselves reference-counted frames.
const Entries = mem.PGSIZE / 4

// rootShift is the number of address bits covered by one second-level
// table: 12 (page offset) + 10 (leaf index) = 22, i.e. 4MB per root entry.
const rootShift = mem.PGSHIFT + 10

// VA is a user virtual address in the simulated 32-bit address space
// (Entries*Entries pages = 4GB), using a two-level table rather than
// x86_64's four levels.
type VA uint32

// Boundary is the fixed user/kernel split address: 2GB, root-entry index
// 512 of 1024 — exactly half the address space.
const Boundary VA = 1 << 31

// InBounds reports whether va is a legal user address (strictly below the
// boundary).
func InBounds(va VA) bool {
	return va < Boundary
}

// Aligned reports whether va is page-aligned.
func Aligned(va VA) bool {
	return va&VA(mem.PGSIZE-1) == 0
}

// Fixed layout addresses, all below Boundary: the top of the user
// exception stack, the top of the ordinary user stack, and the top of
// the read-only windows the user runtime uses to introspect kernel
// state (page-table entries, root table, environment table, frame-info
// array). Each window is one page below the next, UXStackTop highest.
const (
	UXStackTop VA = Boundary - VA(mem.PGSIZE)
	UStackTop  VA = UXStackTop - VA(mem.PGSIZE)
	PagesWin   VA = UStackTop - VA(mem.PGSIZE)
	EnvsWin    VA = PagesWin - VA(mem.PGSIZE)
	UVPD       VA = EnvsWin - VA(mem.PGSIZE)
	UVPT       VA = UVPD - VA(mem.PGSIZE)

	// UTemp is a dedicated single-page scratch slot below every other
	// fixed window, used to stage a freshly allocated page (copy-on-write
	// fault resolution, swap-in) before it is remapped to its real
	// address — never a page a user program maps on its own.
	UTemp VA = UVPT - VA(mem.PGSIZE)
)

func rootIndex(va VA) int { return int(va >> rootShift) }
func leafIndex(va VA) int { return int((va >> mem.PGSHIFT) & (Entries - 1)) }

// PageOffset returns the in-page byte offset of va.
func PageOffset(va VA) int { return int(va) & (mem.PGSIZE - 1) }

// table reinterprets the bytes of frame p as Entries page-table entries.
func table(alloc *mem.Allocator, p mem.Pa) *[Entries]uint32 {
	pg := alloc.Page(p)
	return (*[Entries]uint32)(unsafe.Pointer(pg))
}

// PermMonotone reports whether dstPerm does not grant Writable unless
// srcPerm also grants it — the rule page_map and ipc page transfer must
// both enforce.
func PermMonotone(srcPerm, dstPerm mem.Pa) bool {
	return dstPerm&mem.PTE_W == 0 || srcPerm&mem.PTE_W != 0
}

// Space is one environment's address space: a root table frame plus every
// frame reachable through it.
type Space struct {
	mu    sync.Mutex
	alloc *mem.Allocator
	root  mem.Pa
}

// NewSpace allocates a fresh, empty address space.
func NewSpace(alloc *mem.Allocator) (*Space, kerr.Err) {
	r, ok := alloc.Alloc(true)
	if !ok {
		return nil, kerr.NoMem
	}
	alloc.Incref(r)
	return &Space{alloc: alloc, root: r}, kerr.OK
}

// Root returns the frame backing the root table.
func (s *Space) Root() mem.Pa { return s.root }

// Lock/Unlock expose the per-space mutex; callers serialize page-table
// mutation and page-fault handling through it.
func (s *Space) Lock()   { s.mu.Lock() }
func (s *Space) Unlock() { s.mu.Unlock() }

// walk returns a pointer to the leaf entry for va, allocating a
// second-level table on demand when create is true. It returns
// (nil, OK) when the entry's table doesn't exist and create is false —
// callers must check for a nil pointer, not just the error.
func (s *Space) walk(va VA, create bool) (*uint32, kerr.Err) {
	root := table(s.alloc, s.root)
	ri := rootIndex(va)
	rentry := mem.Pa(root[ri])

	var secondPA mem.Pa
	if rentry&mem.PTE_P == 0 {
		if !create {
			return nil, kerr.OK
		}
		np, ok := s.alloc.Alloc(true)
		if !ok {
			return nil, kerr.NoMem
		}
		s.alloc.Incref(np)
		root[ri] = uint32(np) | uint32(mem.PTE_P|mem.PTE_W|mem.PTE_U)
		secondPA = np
	} else {
		secondPA = rentry & mem.PTE_ADDR
	}
	second := table(s.alloc, secondPA)
	return &second[leafIndex(va)], kerr.OK
}

// Walk exposes the leaf-slot lookup, optionally allocating a missing
// second-level table along the way.
func (s *Space) Walk(va VA, create bool) (*uint32, kerr.Err) {
	return s.walk(va, create)
}

// Lookup returns the frame and permission bits mapped at va, or
// ok=false when no present mapping exists.
func (s *Space) Lookup(va VA) (frame mem.Pa, perm mem.Pa, ok bool) {
	pte, _ := s.walk(va, false)
	if pte == nil {
		return 0, 0, false
	}
	v := mem.Pa(*pte)
	if v&mem.PTE_P == 0 {
		return 0, 0, false
	}
	return v & mem.PTE_ADDR, v &^ mem.PTE_ADDR, true
}

// Insert maps frame at va with perm. perm must include Present and User
// and no bit outside the public set. Insertion is safe
// even when frame is already the mapping at va (idempotent self-insert):
// the new frame is increfed before the old one is decrefed, so a
// self-insert can never free the frame out from under itself.
func (s *Space) Insert(va VA, frame mem.Pa, perm mem.Pa) kerr.Err {
	if perm&mem.PTE_P == 0 || perm&mem.PTE_U == 0 {
		return kerr.Inval
	}
	if !mem.PublicBits(perm) {
		return kerr.Inval
	}
	pte, err := s.walk(va, true)
	if err != kerr.OK {
		return err
	}
	if pte == nil {
		return kerr.NoMem
	}

	s.alloc.Incref(frame)
	old := mem.Pa(*pte)
	*pte = uint32(frame) | uint32(perm)
	if old&mem.PTE_P != 0 {
		s.alloc.Decref(old & mem.PTE_ADDR)
	}
	return kerr.OK
}

// Remove unmaps va, decrementing the mapped frame's reference count and
// invalidating the (simulated) TLB entry. It is silent success (false,
// no error) when no mapping is present. When removing the last present
// leaf of a second-level table, the table itself is freed and its root
// entry cleared.
func (s *Space) Remove(va VA) bool {
	root := table(s.alloc, s.root)
	ri := rootIndex(va)
	rentry := mem.Pa(root[ri])
	if rentry&mem.PTE_P == 0 {
		return false
	}
	secondPA := rentry & mem.PTE_ADDR
	second := table(s.alloc, secondPA)
	li := leafIndex(va)
	leaf := mem.Pa(second[li])
	if leaf&mem.PTE_P == 0 {
		return false
	}
	frame := leaf & mem.PTE_ADDR
	second[li] = 0
	s.alloc.Decref(frame)

	if !anyPresent(second) {
		root[ri] = 0
		s.alloc.Decref(secondPA)
	}
	return true
}

func anyPresent(t *[Entries]uint32) bool {
	for _, e := range t {
		if mem.Pa(e)&mem.PTE_P != 0 {
			return true
		}
	}
	return false
}

// SwapOut replaces va's present mapping with a non-present, In-Disk
// placeholder encoding a backing-store slot address. The frame that was
// mapped is decrefed and returned; callers must copy its bytes out to
// the backing store before calling SwapOut, since decref can free (and
// let the allocator reuse) the frame immediately.
func (s *Space) SwapOut(va VA, slot mem.Pa, perm mem.Pa) (mem.Pa, kerr.Err) {
	frame, _, ok := s.Lookup(va)
	if !ok {
		return 0, kerr.Inval
	}
	pte, err := s.walk(va, true)
	if err != kerr.OK || pte == nil {
		return 0, kerr.NoMem
	}
	*pte = uint32(slot) | uint32((perm&^mem.PTE_P)|mem.PTE_DSK)
	s.alloc.Decref(frame)
	return frame, kerr.OK
}

// DiskSlot inspects the entry at va, reporting the backing-store slot
// address and original permission bits encoded in it when the In-Disk
// bit is set on a non-present entry.
func (s *Space) DiskSlot(va VA) (slot mem.Pa, perm mem.Pa, ok bool) {
	pte, err := s.walk(va, false)
	if err != kerr.OK || pte == nil {
		return 0, 0, false
	}
	v := mem.Pa(*pte)
	if v&mem.PTE_DSK == 0 {
		return 0, 0, false
	}
	return v & mem.PTE_ADDR, v &^ mem.PTE_ADDR, true
}

// ForEachUserPage calls fn once for every present mapping in the space,
// in ascending virtual-address order, the traversal `fork`'s duppage
// loop and the CoW/swap walkers need over "every present user page".
func (s *Space) ForEachUserPage(fn func(va VA, frame mem.Pa, perm mem.Pa)) {
	root := table(s.alloc, s.root)
	for ri := range root {
		rentry := mem.Pa(root[ri])
		if rentry&mem.PTE_P == 0 {
			continue
		}
		second := table(s.alloc, rentry&mem.PTE_ADDR)
		for li, leaf := range second {
			if mem.Pa(leaf)&mem.PTE_P == 0 {
				continue
			}
			va := VA(ri<<rootShift) | VA(li<<mem.PGSHIFT)
			fn(va, mem.Pa(leaf)&mem.PTE_ADDR, mem.Pa(leaf)&^mem.PTE_ADDR)
		}
	}
}

// Destroy tears down the address space: every present root entry, within
// it every present leaf, is removed; the root itself is then decrefed.
func (s *Space) Destroy() {
	root := table(s.alloc, s.root)
	for ri := range root {
		rentry := mem.Pa(root[ri])
		if rentry&mem.PTE_P == 0 {
			continue
		}
		secondPA := rentry & mem.PTE_ADDR
		second := table(s.alloc, secondPA)
		for li := range second {
			leaf := mem.Pa(second[li])
			if leaf&mem.PTE_P == 0 {
				continue
			}
			frame := leaf & mem.PTE_ADDR
			second[li] = 0
			s.alloc.Decref(frame)
		}
		root[ri] = 0
		s.alloc.Decref(secondPA)
	}
	s.alloc.Decref(s.root)
}
