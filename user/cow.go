package user

import (
	"fmt"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

// CoWHandler builds the copy-on-write branch of spec §4.10's user
// page-fault handler: on a write fault to a CoW page, it allocates a
// fresh frame at the UTemp scratch slot, copies the old page's contents
// into it, remaps it over the faulting address Writable with CoW
// cleared, then releases the scratch mapping. Any fault it cannot
// classify as CoW is fatal, matching spec's "panics on any fault it
// cannot classify" user-runtime behaviour.
func CoWHandler(s *sysapi.Surface) Handler {
	return func(e *proc.Env, uf trap.UFrame) {
		va := vm.VA(uf.FaultVA) &^ vm.VA(mem.PGSIZE-1)
		_, perm, ok := e.Space.Lookup(va)
		if !ok {
			panic(fmt.Sprintf("user panic in cow handler at %#x: fault on unmapped page", uf.FaultVA))
		}
		if perm&mem.PTE_COW == 0 {
			panic(fmt.Sprintf("user panic in cow handler at %#x: write fault on non-CoW page", uf.FaultVA))
		}

		old := make([]byte, mem.PGSIZE)
		if cerr := e.Space.CopyFromUser(old, va); cerr != kerr.OK {
			panic(fmt.Sprintf("user panic in cow handler at %#x: cannot read old page: %v", uf.FaultVA, cerr))
		}

		if res := s.Invoke(sysapi.PageAlloc, e, sysapi.Args{
			A0: uint32(e.ID), A1: uint32(vm.UTemp), A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
		}); res.Value < 0 {
			panic(fmt.Sprintf("user panic in cow handler at %#x: cannot allocate replacement page: %v", uf.FaultVA, kerr.Err(res.Value)))
		}
		if cerr := e.Space.CopyToUser(vm.UTemp, old); cerr != kerr.OK {
			panic(fmt.Sprintf("user panic in cow handler at %#x: cannot populate replacement page: %v", uf.FaultVA, cerr))
		}

		if res := s.Invoke(sysapi.PageMap, e, sysapi.Args{
			A0: uint32(e.ID), A1: uint32(vm.UTemp),
			A2: uint32(e.ID), A3: uint32(va),
			A4: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
		}); res.Value < 0 {
			panic(fmt.Sprintf("user panic in cow handler at %#x: cannot remap writable: %v", uf.FaultVA, kerr.Err(res.Value)))
		}
		s.Invoke(sysapi.PageUnmap, e, sysapi.Args{A0: uint32(e.ID), A1: uint32(vm.UTemp)})
	}
}
