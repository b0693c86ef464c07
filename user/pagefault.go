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

// PageFaultHandler builds the complete user page-fault handler spec
// §4.10/§4.11 describe: it classifies the faulting entry — In-Disk is
// swapped back in, anything else falls to the CoW branch (which is
// itself fatal for anything it can't classify as CoW), matching "the
// user page-fault handler distinguishes cases by inspecting the entry."
func PageFaultHandler(s *sysapi.Surface, sf *SwapFile, alloc *mem.Allocator) Handler {
	cow := CoWHandler(s)
	return func(e *proc.Env, uf trap.UFrame) {
		va := vm.VA(uf.FaultVA) &^ vm.VA(mem.PGSIZE-1)
		if _, _, ok := e.Space.DiskSlot(va); ok {
			if err := sf.SwapBackPage(alloc, e.Space, va); err != kerr.OK {
				panic(fmt.Sprintf("user panic in page fault handler at %#x: swap back failed: %v", uf.FaultVA, err))
			}
			return
		}
		cow(e, uf)
	}
}
