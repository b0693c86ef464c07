package ipc

import (
	"testing"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/vm"
)

func newPair(t *testing.T) (*mem.Allocator, *proc.Table, *proc.Env, *proc.Env) {
	t.Helper()
	a := mem.NewAllocator(64)
	tbl := proc.NewTable(a)
	sender, err := tbl.Alloc(0)
	if err != kerr.OK {
		t.Fatalf("alloc sender: %v", err)
	}
	receiver, err := tbl.Alloc(0)
	if err != kerr.OK {
		t.Fatalf("alloc receiver: %v", err)
	}
	return a, tbl, sender, receiver
}

func TestSendFailsWithoutReceiver(t *testing.T) {
	_, tbl, sender, receiver := newPair(t)
	if err := TrySend(tbl, sender, receiver.ID, 42, 0, 0); err != kerr.IpcNotRecv {
		t.Fatalf("send to non-receiving env = %v, want IpcNotRecv", err)
	}
}

func TestSendRecvValueOnly(t *testing.T) {
	_, tbl, sender, receiver := newPair(t)
	if err := Recv(receiver, 0); err != kerr.OK {
		t.Fatalf("recv: %v", err)
	}
	if err := TrySend(tbl, sender, receiver.ID, 42, 0, 0); err != kerr.OK {
		t.Fatalf("send: %v", err)
	}
	if receiver.Recving {
		t.Fatal("receiver should no longer be waiting")
	}
	if receiver.IPCFrom != sender.ID || receiver.IPCValue != 42 {
		t.Fatalf("receiver state = from %v value %d, want %v 42", receiver.IPCFrom, receiver.IPCValue, sender.ID)
	}
	if receiver.Status != proc.StatusRunnable {
		t.Fatal("receiver should become runnable after a successful send")
	}
}

func TestSendWithPageTransfer(t *testing.T) {
	a, tbl, sender, receiver := newPair(t)
	f, ok := a.Alloc(true)
	if !ok {
		t.Fatal("alloc frame")
	}
	const srcVA vm.VA = 0x10000
	const dstVA vm.VA = 0x20000
	if err := sender.Space.Insert(srcVA, f, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != kerr.OK {
		t.Fatalf("insert src: %v", err)
	}
	if err := Recv(receiver, dstVA); err != kerr.OK {
		t.Fatalf("recv: %v", err)
	}
	if err := TrySend(tbl, sender, receiver.ID, 7, srcVA, mem.PTE_P|mem.PTE_U); err != kerr.OK {
		t.Fatalf("send: %v", err)
	}
	gf, perm, ok := receiver.Space.Lookup(dstVA)
	if !ok || gf != f {
		t.Fatalf("receiver mapping = %#x ok=%v, want %#x", gf, ok, f)
	}
	if perm&mem.PTE_W != 0 {
		t.Fatal("transferred mapping should not gain writable beyond what was requested")
	}
}

func TestSendRejectsPermEscalation(t *testing.T) {
	a, tbl, sender, receiver := newPair(t)
	f, _ := a.Alloc(true)
	const srcVA vm.VA = 0x30000
	const dstVA vm.VA = 0x40000
	// sender maps read-only.
	if err := sender.Space.Insert(srcVA, f, mem.PTE_P|mem.PTE_U); err != kerr.OK {
		t.Fatalf("insert src: %v", err)
	}
	Recv(receiver, dstVA)
	if err := TrySend(tbl, sender, receiver.ID, 1, srcVA, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != kerr.Inval {
		t.Fatalf("send escalating perms = %v, want Inval", err)
	}
}

func TestRecvRejectsUnalignedVA(t *testing.T) {
	_, _, _, receiver := newPair(t)
	if err := Recv(receiver, 0x1001); err != kerr.Inval {
		t.Fatalf("recv unaligned va = %v, want Inval", err)
	}
}
