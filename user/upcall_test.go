package user

import (
	"testing"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

func TestRegistryDispatchRestoresResumeState(t *testing.T) {
	s, e := newTestSurface(t)
	const stackPage = vm.UXStackTop - vm.VA(mem.PGSIZE)
	if res := s.Invoke(sysapi.PageAlloc, e, sysapi.Args{
		A0: uint32(e.ID), A1: uint32(stackPage), A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
	}); res.Value < 0 {
		t.Fatalf("alloc exception stack: %v", kerr.Err(res.Value))
	}

	var sawFaultVA uint32
	reg := NewRegistry()
	addr := reg.Register(func(env *proc.Env, uf trap.UFrame) {
		sawFaultVA = uf.FaultVA
	})

	uf := trap.UFrame{
		FaultVA:      0x30000,
		Regs:         [8]uint32{1, 2, 3, 4, 5, 6, 7, 8},
		ResumeEIP:    0x1000,
		ResumeEFlags: 0x202,
		ResumeESP:    0x2000,
	}
	base := trap.ExcFrameBase(1)
	if err := e.Space.CopyToUser(base, trap.EncodeUFrame(uf)); err != kerr.OK {
		t.Fatalf("write frame: %v", err)
	}
	e.PushExcFrame()
	e.Regs.ESP = uint32(base)
	e.Regs.EIP = addr

	if !reg.Dispatch(e, addr) {
		t.Fatal("expected Dispatch to recognise the registered address")
	}
	if sawFaultVA != uf.FaultVA {
		t.Fatalf("handler saw fault VA %#x, want %#x", sawFaultVA, uf.FaultVA)
	}
	if e.Regs.EIP != uf.ResumeEIP || e.Regs.ESP != uf.ResumeESP || e.Regs.EFlags != uf.ResumeEFlags {
		t.Fatalf("resume state = eip:%#x esp:%#x flags:%#x, want eip:%#x esp:%#x flags:%#x",
			e.Regs.EIP, e.Regs.ESP, e.Regs.EFlags, uf.ResumeEIP, uf.ResumeESP, uf.ResumeEFlags)
	}
	if e.OnExcStack() || e.ExcDepth() != 0 {
		t.Fatalf("OnExcStack=%v ExcDepth=%d, want cleared after the upcall returns", e.OnExcStack(), e.ExcDepth())
	}
}

func TestRegistryDispatchReportsUnregisteredAddress(t *testing.T) {
	reg := NewRegistry()
	_, e := newTestSurface(t)
	if reg.Dispatch(e, 0x999999) {
		t.Fatal("expected Dispatch to report false for an unregistered address")
	}
}
