package user

import (
	"testing"

	"github.com/biscuit-exok/exok/internal/console"
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/snapshot"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/vm"
)

func newTestSurface(t *testing.T) (*sysapi.Surface, *proc.Env) {
	t.Helper()
	a := mem.NewAllocator(128)
	tbl := proc.NewTable(a)
	e, err := tbl.Alloc(0)
	if err != kerr.OK {
		t.Fatalf("alloc: %v", err)
	}
	return &sysapi.Surface{Table: tbl, Alloc: a, Console: &console.Console{}, Snap: &snapshot.Slot{}}, e
}

func TestForkDuplicatesWritablePageAsCoWInBoth(t *testing.T) {
	s, parent := newTestSurface(t)
	const va vm.VA = 0x10000
	if res := s.Invoke(sysapi.PageAlloc, parent, sysapi.Args{
		A0: uint32(parent.ID), A1: uint32(va), A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
	}); res.Value < 0 {
		t.Fatalf("alloc parent page: %v", kerr.Err(res.Value))
	}

	reg := NewRegistry()
	childID, err := Fork(s, reg, parent, CoWHandler(s))
	if err != kerr.OK {
		t.Fatalf("fork: %v", err)
	}

	_, parentPerm, ok := parent.Space.Lookup(va)
	if !ok {
		t.Fatal("parent lost its mapping after fork")
	}
	if parentPerm&mem.PTE_W != 0 || parentPerm&mem.PTE_COW == 0 {
		t.Fatalf("parent perm = %#x, want writable cleared and CoW set", parentPerm)
	}

	child, err := s.Table.Lookup(childID, false, 0)
	if err != kerr.OK {
		t.Fatalf("lookup child: %v", err)
	}
	_, childPerm, ok := child.Space.Lookup(va)
	if !ok {
		t.Fatal("child did not inherit the parent's page")
	}
	if childPerm&mem.PTE_W != 0 || childPerm&mem.PTE_COW == 0 {
		t.Fatalf("child perm = %#x, want writable cleared and CoW set", childPerm)
	}
	if child.Status != proc.StatusRunnable {
		t.Fatalf("child status = %v, want Runnable", child.Status)
	}
	if child.PageFaultUpcall == 0 {
		t.Fatal("child should have the page-fault upcall installed")
	}
}

func TestForkGivesChildItsOwnExceptionStackContents(t *testing.T) {
	s, parent := newTestSurface(t)
	reg := NewRegistry()

	// Register once on the parent first so the exception-stack contents
	// are distinguishable from a zero page.
	handlerAddr := reg.Register(CoWHandler(s))
	if err := SetPageFaultUpcall(s, parent, handlerAddr); err != kerr.OK {
		t.Fatalf("set upcall: %v", err)
	}
	marker := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := parent.Space.CopyToUser(excStackPage, marker); err != kerr.OK {
		t.Fatalf("write marker: %v", err)
	}

	childID, err := Fork(s, reg, parent, CoWHandler(s))
	if err != kerr.OK {
		t.Fatalf("fork: %v", err)
	}
	child, err := s.Table.Lookup(childID, false, 0)
	if err != kerr.OK {
		t.Fatalf("lookup child: %v", err)
	}

	got := make([]byte, len(marker))
	if err := child.Space.CopyFromUser(got, excStackPage); err != kerr.OK {
		t.Fatalf("read child exception stack: %v", err)
	}
	for i, b := range marker {
		if got[i] != b {
			t.Fatalf("child exception stack byte %d = %#x, want %#x", i, got[i], b)
		}
	}

	childFrame, _, ok := child.Space.Lookup(excStackPage)
	if !ok {
		t.Fatal("child has no exception-stack mapping")
	}
	parentFrame, _, _ := parent.Space.Lookup(excStackPage)
	if childFrame == parentFrame {
		t.Fatal("child's exception stack should be a distinct frame, not shared")
	}
}
