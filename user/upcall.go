// Package user implements the user-space runtime: the library routines a
// real user binary would link against, built on top of internal/sysapi's
// syscall surface rather than a real libc startup path — fork, copy-on-
// write fault resolution, demand-paging swap, and the batch-syscall
// buffer.
package user

import (
	"fmt"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

// Handler is a registered upcall: given the faulting environment and the
// trap-frame record the kernel wrote onto its exception stack, it
// performs whatever recovery the fault calls for. A handler that cannot
// classify the fault panics, matching spec's user-runtime behaviour.
type Handler func(e *proc.Env, uf trap.UFrame)

// Registry stands in for "resuming into ring 3 at a registered address":
// a real binary's upcall address names a location in its own text
// segment. Here it names an entry in this map, consulted by Dispatch
// instead of the CPU actually jumping there — the ABI record the kernel
// wrote is still read back off the exception stack the same way real
// user-mode code would read its own stack.
type Registry struct {
	handlers map[uint32]Handler
	next     uint32
}

// firstUpcallAddr is the first synthetic upcall address handed out: one
// page above the conventional start of user text, chosen only so these
// addresses read as plausible code addresses in diagnostics.
const firstUpcallAddr = 0x800000

// NewRegistry creates an empty upcall registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[uint32]Handler{}, next: firstUpcallAddr}
}

// Register assigns a fresh synthetic address to fn and returns it, ready
// to be installed with env_set_pgfault_upcall or env_set_other_upcall.
func (r *Registry) Register(fn Handler) uint32 {
	addr := r.next
	r.next += uint32(mem.PGSIZE)
	r.handlers[addr] = fn
	return addr
}

// Dispatch reports whether addr names a registered handler and, if so,
// runs it to completion: reads the trap-frame record back off e's
// exception stack, invokes the handler, pops the exception frame, and
// restores e's registers from the record's resume fields so e continues
// exactly where the original fault happened.
func (r *Registry) Dispatch(e *proc.Env, addr uint32) bool {
	fn, ok := r.handlers[addr]
	if !ok {
		return false
	}

	buf := make([]byte, trap.UFrameSize)
	if err := e.Space.CopyFromUser(buf, vm.VA(e.Regs.ESP)); err != kerr.OK {
		panic(fmt.Sprintf("user: cannot read exception record for env %v: %v", e.ID, err))
	}
	uf := trap.DecodeUFrame(buf)

	fn(e, uf)

	e.PopExcFrame()
	uf.Restore(&e.Regs)
	return true
}
