package user

import (
	"testing"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

func TestCoWHandlerRemapsWritableAndCleansUpScratch(t *testing.T) {
	s, e := newTestSurface(t)
	const va vm.VA = 0x20000
	if res := s.Invoke(sysapi.PageAlloc, e, sysapi.Args{
		A0: uint32(e.ID), A1: uint32(va), A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_COW),
	}); res.Value < 0 {
		t.Fatalf("alloc CoW page: %v", kerr.Err(res.Value))
	}
	marker := []byte{1, 2, 3, 4}
	// The CoW mapping is read-only, so its frame is seeded directly.
	frame, _, ok := e.Space.Lookup(va)
	if !ok {
		t.Fatalf("seed page contents: %#x is not mapped", va)
	}
	copy(s.Alloc.Bytes(frame, 0), marker)

	handler := CoWHandler(s)
	handler(e, trap.UFrame{FaultVA: uint32(va)})

	_, perm, ok := e.Space.Lookup(va)
	if !ok {
		t.Fatal("page should still be mapped after CoW resolution")
	}
	if perm&mem.PTE_W == 0 {
		t.Fatalf("perm = %#x, want writable after CoW resolution", perm)
	}
	if perm&mem.PTE_COW != 0 {
		t.Fatalf("perm = %#x, want CoW cleared after resolution", perm)
	}

	got := make([]byte, len(marker))
	if err := e.Space.CopyFromUser(got, va); err != kerr.OK {
		t.Fatalf("read back: %v", err)
	}
	for i, b := range marker {
		if got[i] != b {
			t.Fatalf("byte %d = %#x, want %#x (contents should survive CoW)", i, got[i], b)
		}
	}

	if _, _, ok := e.Space.Lookup(vm.UTemp); ok {
		t.Fatal("scratch UTemp mapping should be unmapped again after CoW resolution")
	}
}

func TestCoWHandlerPanicsOnNonCoWWriteFault(t *testing.T) {
	s, e := newTestSurface(t)
	const va vm.VA = 0x21000
	if res := s.Invoke(sysapi.PageAlloc, e, sysapi.Args{
		A0: uint32(e.ID), A1: uint32(va), A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
	}); res.Value < 0 {
		t.Fatalf("alloc page: %v", kerr.Err(res.Value))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a write fault on a non-CoW page")
		}
	}()
	CoWHandler(s)(e, trap.UFrame{FaultVA: uint32(va)})
}
