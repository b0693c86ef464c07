// Package sysapi implements the syscall surface: argument validation,
// environment-id permission checks, and invocation of the underlying
// mem/vm/proc/ipc/snapshot subsystems. Every handler takes up to five
// machine-word arguments and returns a signed machine word — zero or
// positive on success, a negative kerr.Err value on failure.
package sysapi

import (
	"encoding/binary"

	"github.com/biscuit-exok/exok/internal/console"
	"github.com/biscuit-exok/exok/internal/ipc"
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/res"
	"github.com/biscuit-exok/exok/internal/snapshot"
	"github.com/biscuit-exok/exok/internal/vm"
)

// Syscall numbers, stable across the kernel/user ABI.
const (
	Cputs               = 0
	Cgetc               = 1
	Getenvid            = 2
	EnvDestroy          = 3
	PageAlloc           = 4
	PageMap             = 5
	PageUnmap           = 6
	Exofork             = 7
	EnvSetStatus        = 8
	EnvSetPgfaultUpcall = 9
	Yield               = 10
	IPCTrySend          = 11
	IPCRecv             = 12

	SnapshotCapture   = 128
	SnapshotRestore   = 129
	EnvSetOtherUpcall = 130
	Batch             = 131
)

// BatchEntry is one buffered mapping-oriented syscall: Op must be
// PageAlloc, PageMap, or PageUnmap, and A0..A4 carry that syscall's usual
// argument vector.
type BatchEntry struct {
	Op                 uint32
	A0, A1, A2, A3, A4 uint32
}

// BatchEntrySize is the serialized byte length of one BatchEntry.
const BatchEntrySize = 6 * 4

// MaxBatch is the largest entry count one batch syscall accepts.
const MaxBatch = 64

func decodeBatchEntry(b []byte) BatchEntry {
	return BatchEntry{
		Op: binary.LittleEndian.Uint32(b[0:4]),
		A0: binary.LittleEndian.Uint32(b[4:8]),
		A1: binary.LittleEndian.Uint32(b[8:12]),
		A2: binary.LittleEndian.Uint32(b[12:16]),
		A3: binary.LittleEndian.Uint32(b[16:20]),
		A4: binary.LittleEndian.Uint32(b[20:24]),
	}
}

// Surface binds the syscall handlers to the kernel's shared subsystems.
type Surface struct {
	Table   *proc.Table
	Alloc   *mem.Allocator
	Console *console.Console
	Snap    *snapshot.Slot
}

// Args is the up-to-five-word argument vector a trap delivers.
type Args struct {
	A0, A1, A2, A3, A4 uint32
}

// Result carries a syscall's return value and whether handling it
// requires the dispatcher to stop running caller and invoke the
// scheduler (true for yield, a successful ipc_recv, env_destroy of self,
// and a cputs that destroys its caller over an unreadable buffer).
type Result struct {
	Value        int32
	NeedsReschedule bool
}

func fail(e kerr.Err) Result { return Result{Value: int32(e)} }
func ok(v int32) Result      { return Result{Value: v} }

// Invoke dispatches syscall number num on behalf of caller.
func (s *Surface) Invoke(num uint32, caller *proc.Env, a Args) Result {
	switch num {
	case Cputs:
		return s.cputs(caller, vm.VA(a.A0), int(a.A1))
	case Cgetc:
		return ok(int32(s.Console.Getc()))
	case Getenvid:
		return ok(int32(caller.ID))
	case EnvDestroy:
		return s.envDestroy(caller, proc.ID(a.A0))
	case PageAlloc:
		return s.pageAlloc(caller, proc.ID(a.A0), vm.VA(a.A1), mem.Pa(a.A2))
	case PageMap:
		return s.pageMap(caller, proc.ID(a.A0), vm.VA(a.A1), proc.ID(a.A2), vm.VA(a.A3), mem.Pa(a.A4))
	case PageUnmap:
		return s.pageUnmap(caller, proc.ID(a.A0), vm.VA(a.A1))
	case Exofork:
		return s.exofork(caller)
	case EnvSetStatus:
		return s.envSetStatus(caller, proc.ID(a.A0), proc.Status(a.A1))
	case EnvSetPgfaultUpcall:
		return s.envSetPgfaultUpcall(caller, proc.ID(a.A0), a.A1)
	case Yield:
		return Result{Value: int32(kerr.OK), NeedsReschedule: true}
	case IPCTrySend:
		return s.ipcTrySend(caller, proc.ID(a.A0), a.A1, vm.VA(a.A2), mem.Pa(a.A3))
	case IPCRecv:
		return s.ipcRecv(caller, vm.VA(a.A0))
	case SnapshotCapture:
		return ok(int32(s.Snap.Capture(s.Alloc, s.Table, caller)))
	case SnapshotRestore:
		return ok(int32(s.Snap.Restore(s.Alloc, s.Table, caller)))
	case EnvSetOtherUpcall:
		return s.envSetOtherUpcall(caller, proc.ID(a.A0), a.A1)
	case Batch:
		return s.batch(caller, vm.VA(a.A0), a.A1)
	default:
		return fail(kerr.NoSys)
	}
}

func (s *Surface) cputs(caller *proc.Env, str vm.VA, length int) Result {
	if !caller.Space.CheckReadable(str, length) {
		s.Table.Destroy(caller)
		return Result{Value: int32(kerr.Fault), NeedsReschedule: true}
	}
	buf := make([]byte, length)
	if err := caller.Space.CopyFromUser(buf, str); err != kerr.OK {
		s.Table.Destroy(caller)
		return Result{Value: int32(kerr.Fault), NeedsReschedule: true}
	}
	s.Console.Write(buf)
	return ok(int32(length))
}

func (s *Surface) envDestroy(caller *proc.Env, id proc.ID) Result {
	e, err := s.Table.Lookup(id, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	self := e.ID == caller.ID
	s.Table.Destroy(e)
	return Result{Value: int32(kerr.OK), NeedsReschedule: self}
}

func (s *Surface) pageAlloc(caller *proc.Env, id proc.ID, va vm.VA, perm mem.Pa) Result {
	e, err := s.Table.Lookup(id, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	if !vm.InBounds(va) || !vm.Aligned(va) {
		return fail(kerr.Inval)
	}
	frame, ok2 := s.Alloc.Alloc(true)
	if !ok2 {
		return fail(kerr.NoMem)
	}
	if ierr := e.Space.Insert(va, frame, perm); ierr != kerr.OK {
		s.Alloc.FreeUnused(frame)
		return fail(ierr)
	}
	return ok(int32(kerr.OK))
}

func (s *Surface) pageMap(caller *proc.Env, srcID proc.ID, srcVA vm.VA, dstID proc.ID, dstVA vm.VA, perm mem.Pa) Result {
	src, err := s.Table.Lookup(srcID, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	dst, err := s.Table.Lookup(dstID, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	if !vm.InBounds(srcVA) || !vm.Aligned(srcVA) || !vm.InBounds(dstVA) || !vm.Aligned(dstVA) {
		return fail(kerr.Inval)
	}
	frame, srcPerm, ok2 := src.Space.Lookup(srcVA)
	if !ok2 {
		return fail(kerr.Inval)
	}
	if !vm.PermMonotone(srcPerm, perm) {
		return fail(kerr.Inval)
	}
	if ierr := dst.Space.Insert(dstVA, frame, perm); ierr != kerr.OK {
		return fail(ierr)
	}
	return ok(int32(kerr.OK))
}

func (s *Surface) pageUnmap(caller *proc.Env, id proc.ID, va vm.VA) Result {
	e, err := s.Table.Lookup(id, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	if !vm.InBounds(va) || !vm.Aligned(va) {
		return fail(kerr.Inval)
	}
	e.Space.Remove(va)
	return ok(int32(kerr.OK))
}

func (s *Surface) exofork(caller *proc.Env) Result {
	child, err := s.Table.Alloc(caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	child.Regs = caller.Regs
	child.Regs.EAX = 0
	child.Status = proc.StatusNotRunnable
	return ok(int32(child.ID))
}

func (s *Surface) envSetStatus(caller *proc.Env, id proc.ID, status proc.Status) Result {
	e, err := s.Table.Lookup(id, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	if status != proc.StatusRunnable && status != proc.StatusNotRunnable {
		return fail(kerr.Inval)
	}
	e.Status = status
	return ok(int32(kerr.OK))
}

func (s *Surface) envSetPgfaultUpcall(caller *proc.Env, id proc.ID, addr uint32) Result {
	e, err := s.Table.Lookup(id, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	e.PageFaultUpcall = addr
	return ok(int32(kerr.OK))
}

func (s *Surface) envSetOtherUpcall(caller *proc.Env, id proc.ID, addr uint32) Result {
	e, err := s.Table.Lookup(id, true, caller.ID)
	if err != kerr.OK {
		return fail(err)
	}
	e.OtherExcUpcall = addr
	return ok(int32(kerr.OK))
}

func (s *Surface) ipcTrySend(caller *proc.Env, toID proc.ID, value uint32, srcVA vm.VA, perm mem.Pa) Result {
	err := ipc.TrySend(s.Table, caller, toID, value, srcVA, perm)
	return ok(int32(err))
}

func (s *Surface) ipcRecv(caller *proc.Env, dstVA vm.VA) Result {
	err := ipc.Recv(caller, dstVA)
	if err != kerr.OK {
		return fail(err)
	}
	return Result{Value: int32(kerr.OK), NeedsReschedule: true}
}

// batch reads count BatchEntry records out of caller's address space
// starting at bufVA and invokes each as an ordinary mapping syscall, in
// order, stopping at the first failure. The per-entry user copy is
// admitted through internal/res like every other bounded kernel loop.
func (s *Surface) batch(caller *proc.Env, bufVA vm.VA, count uint32) Result {
	if count > MaxBatch {
		return fail(kerr.Inval)
	}
	for i := uint32(0); i < count; i++ {
		release, admitted := res.Admit(res.BoundBatch)
		if !admitted {
			return fail(kerr.NoMem)
		}
		raw := make([]byte, BatchEntrySize)
		cerr := caller.Space.CopyFromUser(raw, bufVA+vm.VA(i*BatchEntrySize))
		release()
		if cerr != kerr.OK {
			return fail(cerr)
		}

		ent := decodeBatchEntry(raw)
		switch ent.Op {
		case PageAlloc, PageMap, PageUnmap:
		default:
			return fail(kerr.Inval)
		}
		sub := s.Invoke(ent.Op, caller, Args{A0: ent.A0, A1: ent.A1, A2: ent.A2, A3: ent.A3, A4: ent.A4})
		if sub.Value < 0 {
			return fail(kerr.Err(sub.Value))
		}
	}
	return ok(int32(kerr.OK))
}
