// Package trap defines the kernel-entry data types: the full register
// frame captured on every trap, and the reduced user trap-frame record
// pushed onto an environment's exception stack before an upcall. Field
// order is a fixed ABI, not left to the implementation. The entry stub
// itself (classification and routing) lives in internal/kernel: "save
// registers, switch to the kernel address space, call the dispatcher"
// carried out against simulated state instead of a real trap gate.
package trap

import (
	"encoding/binary"

	"github.com/biscuit-exok/exok/internal/vm"
)

// Kind classifies a trap once the dispatcher has looked at its fault
// number.
type Kind int

const (
	KindSyscall Kind = iota
	KindPageFault
	KindBreakpoint
	KindTimer
	KindOtherException
)

// Frame is the full register set captured on kernel entry, plus fault
// number, error code, faulting virtual address, and flags. It is
// immutable to the kernel after capture except through explicit
// resume-state edits (single-step support).
type Frame struct {
	// General-purpose registers, in pusha order.
	EDI, ESI, EBP, EBX, EDX, ECX, EAX uint32

	FaultNo   int
	ErrorCode uint32
	FaultVA   uint32 // only meaningful for page faults

	EIP    uint32
	EFlags uint32
	ESP    uint32

	// TrapFlag mirrors the EFLAGS trap bit; when set on return to "user
	// mode" the next instruction boundary re-enters the kernel via #DB,
	// which the monitor uses to implement single-stepping.
	TrapFlag bool
}

// EFlagsTrapBit is the position of the trap flag within EFlags, kept
// symbolic so callers needn't remember the x86 bit position.
const EFlagsTrapBit = 1 << 8

// UFrame is the strict subset of a Frame handed to a user upcall, built
// in a fixed field order: fault VA, error code, register snapshot,
// resume eip, resume flags, resume esp. The order is part of the
// kernel/user ABI; user-runtime code relies on it.
type UFrame struct {
	FaultVA   uint32
	ErrorCode uint32
	Regs      [8]uint32 // edi, esi, ebp, esp(orig), ebx, edx, ecx, eax
	ResumeEIP uint32
	ResumeEFlags uint32
	ResumeESP    uint32
}

// BuildUFrame projects a captured Frame into the ABI record a page-fault
// or other-exception upcall receives.
func BuildUFrame(f *Frame) UFrame {
	return UFrame{
		FaultVA:      f.FaultVA,
		ErrorCode:    f.ErrorCode,
		Regs:         [8]uint32{f.EDI, f.ESI, f.EBP, f.ESP, f.EBX, f.EDX, f.ECX, f.EAX},
		ResumeEIP:    f.EIP,
		ResumeEFlags: f.EFlags,
		ResumeESP:    f.ESP,
	}
}

// Restore rewrites f's general registers, eip, eflags, and esp from uf's
// resume snapshot — the step an upcall handler takes to return from the
// upcall and resume exactly where the fault happened.
func (uf UFrame) Restore(f *Frame) {
	f.EDI = uf.Regs[0]
	f.ESI = uf.Regs[1]
	f.EBP = uf.Regs[2]
	f.EBX = uf.Regs[4]
	f.EDX = uf.Regs[5]
	f.ECX = uf.Regs[6]
	f.EAX = uf.Regs[7]
	f.EIP = uf.ResumeEIP
	f.EFlags = uf.ResumeEFlags
	f.ESP = uf.ResumeESP
}

// UFrameSize is the serialized byte length of a UFrame: fault VA (4),
// error code (4), eight general registers (32), resume eip/eflags/esp
// (4 each).
const UFrameSize = 4 + 4 + 8*4 + 4 + 4 + 4

// ExcFrameGap is the scratch gap left between chained exception-stack
// records so a nested fault handler can tell frames apart.
const ExcFrameGap = 4

// ExcFrameBase returns the address of the low end of the nth (1-indexed)
// exception-stack record, counting down from vm.UXStackTop.
func ExcFrameBase(n int) vm.VA {
	top := vm.UXStackTop - vm.VA(n-1)*vm.VA(UFrameSize+ExcFrameGap)
	return top - vm.VA(UFrameSize)
}

// EncodeUFrame serializes uf in ABI field order, little-endian.
func EncodeUFrame(uf UFrame) []byte {
	buf := make([]byte, UFrameSize)
	o := 0
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[o:], v)
		o += 4
	}
	put(uf.FaultVA)
	put(uf.ErrorCode)
	for _, r := range uf.Regs {
		put(r)
	}
	put(uf.ResumeEIP)
	put(uf.ResumeEFlags)
	put(uf.ResumeESP)
	return buf
}

// DecodeUFrame parses a UFrameSize-byte record written by EncodeUFrame.
func DecodeUFrame(buf []byte) UFrame {
	o := 0
	get := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[o:])
		o += 4
		return v
	}
	var uf UFrame
	uf.FaultVA = get()
	uf.ErrorCode = get()
	for i := range uf.Regs {
		uf.Regs[i] = get()
	}
	uf.ResumeEIP = get()
	uf.ResumeEFlags = get()
	uf.ResumeESP = get()
	return uf
}

// Classify maps a raw fault number to the dispatcher's coarse routing
// decision. The numbering is this module's own (there is no
// real IDT here) — 0 syscall, 1 page fault, 2 breakpoint, 3 timer,
// anything else an other-exception.
const (
	FaultSyscall   = 0
	FaultPageFault = 1
	FaultBreakpoint = 2
	FaultTimer     = 3
)

// Classify returns the dispatch Kind for a given fault number.
func Classify(faultNo int) Kind {
	switch faultNo {
	case FaultSyscall:
		return KindSyscall
	case FaultPageFault:
		return KindPageFault
	case FaultBreakpoint:
		return KindBreakpoint
	case FaultTimer:
		return KindTimer
	default:
		return KindOtherException
	}
}
