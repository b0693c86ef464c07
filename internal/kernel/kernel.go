// Package kernel implements the trap dispatcher: the routing logic that
// would, on real hardware, live in the trap-gate entry stub. It
// classifies a captured trap.Frame, drives the syscall surface, delivers
// page-fault and other-exception upcalls onto a task's user exception
// stack, and calls into the scheduler when a trap demands a context
// switch.
package kernel

import (
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sched"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/trap"
)

// Kernel ties the environment table, frame allocator, syscall surface,
// and scheduler policy together into one dispatch loop.
type Kernel struct {
	Table   *proc.Table
	Alloc   *mem.Allocator
	Surface *sysapi.Surface
	Policy  sched.Policy
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithPolicy selects the scheduler policy. RoundRobin is the default.
func WithPolicy(p sched.Policy) Option {
	return func(k *Kernel) { k.Policy = p }
}

// New builds a Kernel over the given table, allocator, and syscall
// surface.
func New(table *proc.Table, alloc *mem.Allocator, surface *sysapi.Surface, opts ...Option) *Kernel {
	k := &Kernel{
		Table:   table,
		Alloc:   alloc,
		Surface: surface,
		Policy:  sched.RoundRobin{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Dispatch handles one trap already captured into e.Regs, returning
// whether the simulation should keep running (false only once the
// environment table has nothing left runnable or running).
func (k *Kernel) Dispatch(e *proc.Env) bool {
	var needsReschedule bool
	switch trap.Classify(e.Regs.FaultNo) {
	case trap.KindSyscall:
		needsReschedule = k.syscall(e)
	case trap.KindPageFault:
		needsReschedule = k.fault(e, e.PageFaultUpcall)
	case trap.KindOtherException:
		needsReschedule = k.fault(e, e.OtherExcUpcall)
	case trap.KindTimer:
		needsReschedule = true
	case trap.KindBreakpoint:
		// Breakpoints hand control to the debug monitor; the driver
		// loop is expected to invoke internal/monitor directly and
		// call Dispatch again once the operator resumes.
		return true
	default:
		needsReschedule = true
	}
	return k.reschedule(e, needsReschedule)
}

// syscall extracts the syscall ABI (number in eax, arguments in edx,
// ecx, ebx, edi, esi, return value in eax) from e.Regs and invokes it,
// reporting whether the syscall demands a context switch.
func (k *Kernel) syscall(e *proc.Env) bool {
	args := sysapi.Args{A0: e.Regs.EDX, A1: e.Regs.ECX, A2: e.Regs.EBX, A3: e.Regs.EDI, A4: e.Regs.ESI}
	res := k.Surface.Invoke(e.Regs.EAX, e, args)
	e.Regs.EAX = uint32(res.Value)
	return res.NeedsReschedule
}

// fault delivers a page-fault or other-exception upcall to e, building
// the user trap-frame record and pushing it onto e's exception stack,
// chaining behind any frame already there. If no upcall is registered,
// or the record can't be written, the environment is destroyed instead
// and a reschedule is required either way.
func (k *Kernel) fault(e *proc.Env, upcall uint32) bool {
	if upcall == 0 {
		k.Table.Destroy(e)
		return true
	}

	uf := trap.BuildUFrame(&e.Regs)
	depth := e.PushExcFrame()
	base := trap.ExcFrameBase(depth)

	if err := e.Space.CopyToUser(base, trap.EncodeUFrame(uf)); err != kerr.OK {
		k.Table.Destroy(e)
		return true
	}

	e.Regs.EIP = upcall
	e.Regs.ESP = uint32(base)
	return false
}

// reschedule applies round-robin/lottery policy. If needsReschedule is
// false and e is still Running, e simply continues. Otherwise it picks
// the next runnable environment, returns the previous runner to Runnable
// if it is still Running, and marks the pick Running; if the policy
// finds nothing runnable but the previously running environment is
// still Running, that environment continues unchanged. It returns false
// only when nothing is runnable and nothing is still Running — the
// simulation has nothing left to do.
func (k *Kernel) reschedule(e *proc.Env, needsReschedule bool) bool {
	if !needsReschedule && e.Status == proc.StatusRunning {
		return true
	}

	last := k.Table.Running
	idx, ok := k.Policy.Next(k.Table, last)
	if !ok {
		if last >= 0 && k.Table.At(last).Status == proc.StatusRunning {
			return true
		}
		return false
	}
	if last >= 0 {
		if prev := k.Table.At(last); prev.Status == proc.StatusRunning {
			prev.Status = proc.StatusRunnable
		}
	}
	k.Table.MarkRunning(k.Table.At(idx))
	return true
}
