// Package snapshot implements the kernel's single global snapshot slot:
// a deep copy of one environment's task struct and every frame reachable
// from its address space, suitable for later restoration.
package snapshot

import (
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

type capturedPage struct {
	va    vm.VA
	perm  mem.Pa
	bytes mem.Page
}

// capturedRegs holds the fields of an Env a restore actually needs to
// rewrite: the observable register/upcall/scheduling state, but not its
// address space pointer or its mutex-guarded accounting.
type capturedRegs struct {
	Parent          proc.ID
	Status          proc.Status
	Regs            trap.Frame
	PageFaultUpcall uint32
	OtherExcUpcall  uint32
	Tickets         int
}

// Slot is the kernel's one global snapshot slot.
type Slot struct {
	live  bool
	id    proc.ID
	regs  capturedRegs
	pages []capturedPage
}

// Capture deep-copies e's task struct and every present user page into
// the slot, failing with NoMem if a snapshot is already held for a
// still-living task.
func (s *Slot) Capture(alloc *mem.Allocator, t *proc.Table, e *proc.Env) kerr.Err {
	if s.live {
		if _, err := t.Lookup(s.id, false, 0); err == kerr.OK {
			return kerr.NoMem
		}
	}

	saved := capturedRegs{
		Parent:          e.Parent,
		Status:          e.Status,
		Regs:            e.Regs,
		PageFaultUpcall: e.PageFaultUpcall,
		OtherExcUpcall:  e.OtherExcUpcall,
		Tickets:         e.Tickets,
	}

	var pages []capturedPage
	for va := vm.VA(0); va < vm.Boundary; va += vm.VA(mem.PGSIZE) {
		frame, perm, ok := e.Space.Lookup(va)
		if !ok {
			continue
		}
		cp := capturedPage{va: va, perm: perm}
		cp.bytes = *alloc.Page(frame)
		pages = append(pages, cp)
	}

	s.live = true
	s.id = e.ID
	s.regs = saved
	s.pages = pages
	return kerr.OK
}

// Restore requires that id is still the live occupant of the slot's
// captured task and rewrites its register state and every captured
// page's contents in place. Exactly as many pages are written back as
// were captured — the symmetric counterpart to Capture, fixing the
// asymmetric free-count bug the source teaching kernel has around this
// operation.
func (s *Slot) Restore(alloc *mem.Allocator, t *proc.Table, e *proc.Env) kerr.Err {
	if !s.live || s.id != e.ID {
		return kerr.BadEnv
	}

	e.Parent = s.regs.Parent
	e.Status = s.regs.Status
	e.Regs = s.regs.Regs
	e.PageFaultUpcall = s.regs.PageFaultUpcall
	e.OtherExcUpcall = s.regs.OtherExcUpcall
	e.Tickets = s.regs.Tickets

	for _, cp := range s.pages {
		frame, _, ok := e.Space.Lookup(cp.va)
		if !ok {
			np, allocOK := alloc.Alloc(false)
			if !allocOK {
				return kerr.NoMem
			}
			if ierr := e.Space.Insert(cp.va, np, cp.perm); ierr != kerr.OK {
				return ierr
			}
			frame = np
		}
		*alloc.Page(frame) = cp.bytes
	}
	return kerr.OK
}

// Discard releases the snapshot slot's hold on its captured state. It is
// idempotent: discarding an already-empty slot is a no-op.
func (s *Slot) Discard() {
	s.live = false
	s.id = 0
	s.pages = nil
}
