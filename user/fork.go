package user

import (
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/vm"
)

// excStackPage is the single page backing every environment's exception
// stack, the page below vm.UXStackTop.
const excStackPage = vm.UXStackTop - vm.VA(mem.PGSIZE)

// SetPageFaultUpcall installs handlerAddr as caller's page-fault upcall,
// allocating and mapping caller's user exception stack first if this is
// the first registration for caller — spec's fork step one.
func SetPageFaultUpcall(s *sysapi.Surface, caller *proc.Env, handlerAddr uint32) kerr.Err {
	if _, _, ok := caller.Space.Lookup(excStackPage); !ok {
		if res := s.Invoke(sysapi.PageAlloc, caller, sysapi.Args{
			A0: uint32(caller.ID), A1: uint32(excStackPage),
			A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
		}); res.Value < 0 {
			return kerr.Err(res.Value)
		}
	}
	res := s.Invoke(sysapi.EnvSetPgfaultUpcall, caller, sysapi.Args{
		A0: uint32(caller.ID), A1: handlerAddr,
	})
	return kerr.Err(res.Value)
}

// Fork implements spec §4.10's fork: register a page-fault upcall on the
// parent (allocating its exception stack on first use), exofork a child,
// copy-on-write every present
// user page into it except the exception stack, give the child its own
// fresh exception stack with the parent's contents copied in, install the
// same upcall on the child, and mark it runnable.
//
// The duppage loop queues its page_map calls through a Batch instead of
// invoking each one individually, the acceleration spec §4.13 describes
// fork as the motivating use of the batch-syscall buffer.
func Fork(s *sysapi.Surface, reg *Registry, parent *proc.Env, cowHandler Handler) (proc.ID, kerr.Err) {
	handlerAddr := reg.Register(cowHandler)
	if err := SetPageFaultUpcall(s, parent, handlerAddr); err != kerr.OK {
		return 0, err
	}

	res := s.Invoke(sysapi.Exofork, parent, sysapi.Args{})
	if res.Value < 0 {
		return 0, kerr.Err(res.Value)
	}
	childID := proc.ID(res.Value)

	batch := NewBatch()
	var queueErr kerr.Err
	parent.Space.ForEachUserPage(func(va vm.VA, frame mem.Pa, perm mem.Pa) {
		if queueErr != kerr.OK || va == excStackPage || va == BatchBufVA {
			return
		}
		for _, ent := range duppage(parent.ID, childID, va, perm) {
			if queueErr != kerr.OK {
				return
			}
			queueErr = batch.Queue(s, parent, ent)
		}
	})
	if queueErr == kerr.OK {
		queueErr = batch.Flush(s, parent)
	}
	if queueErr != kerr.OK {
		s.Invoke(sysapi.EnvDestroy, parent, sysapi.Args{A0: uint32(childID)})
		return 0, queueErr
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

// duppage computes the page_map batch entries the duplication policy
// calls for on one present parent page, mirroring a CoW-claim fault
// handler's branch: a Share-bit page is remapped into the
// child unchanged; a Writable or already-CoW page becomes CoW in both
// parent and child; anything else is mapped into the child with its
// permissions unchanged.
func duppage(parentID, childID proc.ID, va vm.VA, perm mem.Pa) []sysapi.BatchEntry {
	mapEntry := func(dstID proc.ID, p mem.Pa) sysapi.BatchEntry {
		return sysapi.BatchEntry{
			Op: sysapi.PageMap,
			A0: uint32(parentID), A1: uint32(va),
			A2: uint32(dstID), A3: uint32(va),
			A4: uint32(p),
		}
	}
	switch {
	case perm&mem.PTE_SHR != 0:
		return []sysapi.BatchEntry{mapEntry(childID, perm)}

	case perm&(mem.PTE_W|mem.PTE_COW) != 0:
		cow := (perm &^ mem.PTE_W) | mem.PTE_COW
		return []sysapi.BatchEntry{
			mapEntry(childID, cow),
			mapEntry(parentID, cow),
		}

	default:
		return []sysapi.BatchEntry{mapEntry(childID, perm)}
	}
}

// copyExceptionStack gives childID its own exception-stack page, freshly
// allocated, with parent's current contents copied in — the one page
// duppage's traversal skips, per spec's fork description.
func copyExceptionStack(s *sysapi.Surface, parent *proc.Env, childID proc.ID) kerr.Err {
	if res := s.Invoke(sysapi.PageAlloc, parent, sysapi.Args{
		A0: uint32(childID), A1: uint32(excStackPage),
		A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
	}); res.Value < 0 {
		return kerr.Err(res.Value)
	}

	child, err := s.Table.Lookup(childID, true, parent.ID)
	if err != kerr.OK {
		return err
	}
	buf := make([]byte, mem.PGSIZE)
	if cerr := parent.Space.CopyFromUser(buf, excStackPage); cerr != kerr.OK {
		return cerr
	}
	return child.Space.CopyToUser(excStackPage, buf)
}
