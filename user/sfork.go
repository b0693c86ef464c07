package user

import (
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/vm"
)

// userStackPage is the single page below vm.UStackTop: the one region
// SFork treats as copy-on-write. Everything else is mapped directly
// into the child, shared with the parent.
const userStackPage = vm.UStackTop - vm.VA(mem.PGSIZE)

// SFork implements the shared-memory fork variant: unlike Fork, every
// present page except the user stack page is mapped directly into the
// child with its existing permissions (so parent and child observe each
// other's writes through it), while the stack page alone becomes
// copy-on-write in both, and the exception stack is given a fresh,
// privately copied page exactly as Fork does.
func SFork(s *sysapi.Surface, reg *Registry, parent *proc.Env, cowHandler Handler) (proc.ID, kerr.Err) {
	handlerAddr := reg.Register(cowHandler)
	if err := SetPageFaultUpcall(s, parent, handlerAddr); err != kerr.OK {
		return 0, err
	}

	res := s.Invoke(sysapi.Exofork, parent, sysapi.Args{})
	if res.Value < 0 {
		return 0, kerr.Err(res.Value)
	}
	childID := proc.ID(res.Value)

	var txErr kerr.Err
	parent.Space.ForEachUserPage(func(va vm.VA, frame mem.Pa, perm mem.Pa) {
		if txErr != kerr.OK || va == excStackPage || va == BatchBufVA {
			return
		}
		if va == userStackPage {
			for _, ent := range duppage(parent.ID, childID, va, perm) {
				if txErr != kerr.OK {
					return
				}
				if res := s.Invoke(ent.Op, parent, sysapi.Args{
					A0: ent.A0, A1: ent.A1, A2: ent.A2, A3: ent.A3, A4: ent.A4,
				}); res.Value < 0 {
					txErr = kerr.Err(res.Value)
				}
			}
			return
		}
		if res := s.Invoke(sysapi.PageMap, parent, sysapi.Args{
			A0: uint32(parent.ID), A1: uint32(va), A2: uint32(childID), A3: uint32(va), A4: uint32(perm),
		}); res.Value < 0 {
			txErr = kerr.Err(res.Value)
		}
	})
	if txErr != kerr.OK {
		s.Invoke(sysapi.EnvDestroy, parent, sysapi.Args{A0: uint32(childID)})
		return 0, txErr
	}

	if err := copyExceptionStack(s, parent, childID); err != kerr.OK {
		s.Invoke(sysapi.EnvDestroy, parent, sysapi.Args{A0: uint32(childID)})
		return 0, err
	}

	if res := s.Invoke(sysapi.EnvSetPgfaultUpcall, parent, sysapi.Args{
		A0: uint32(childID), A1: handlerAddr,
	}); res.Value < 0 {
		s.Invoke(sysapi.EnvDestroy, parent, sysapi.Args{A0: uint32(childID)})
		return 0, kerr.Err(res.Value)
	}

	if res := s.Invoke(sysapi.EnvSetStatus, parent, sysapi.Args{
		A0: uint32(childID), A1: uint32(proc.StatusRunnable),
	}); res.Value < 0 {
		s.Invoke(sysapi.EnvDestroy, parent, sysapi.Args{A0: uint32(childID)})
		return 0, kerr.Err(res.Value)
	}
	return childID, kerr.OK
}
