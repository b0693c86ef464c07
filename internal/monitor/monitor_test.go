package monitor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

func newMonitor(t *testing.T) (*Monitor, *mem.Allocator, *vm.Space) {
	t.Helper()
	a := mem.NewAllocator(16)
	s, err := vm.NewSpace(a)
	if err != kerr.OK {
		t.Fatalf("NewSpace: %v", err)
	}
	var buf bytes.Buffer
	return &Monitor{Out: &buf, Alloc: a, Space: s, Frame: &trap.Frame{}}, a, s
}

func TestHelpListsCommands(t *testing.T) {
	m, _, _ := newMonitor(t)
	m.Run("help")
	out := m.Out.(*bytes.Buffer).String()
	if !strings.Contains(out, "kerninfo") {
		t.Fatalf("help output missing kerninfo: %q", out)
	}
}

func TestKerninfoCompare(t *testing.T) {
	m, _, _ := newMonitor(t)
	m.Run("kerninfo v0.0.1")
	out := m.Out.(*bytes.Buffer).String()
	if !strings.Contains(out, "newer than") {
		t.Fatalf("expected kernel to report newer than v0.0.1, got %q", out)
	}
}

func TestShowmappingsUnmapped(t *testing.T) {
	m, _, _ := newMonitor(t)
	m.Run("showmappings 0x1000")
	out := m.Out.(*bytes.Buffer).String()
	if !strings.Contains(out, "not mapped") {
		t.Fatalf("expected not-mapped report, got %q", out)
	}
}

func TestShowmappingsMapped(t *testing.T) {
	m, a, s := newMonitor(t)
	f, _ := a.Alloc(true)
	s.Insert(0x2000, f, mem.PTE_P|mem.PTE_U|mem.PTE_W)
	m.Run("showmappings 0x2000")
	out := m.Out.(*bytes.Buffer).String()
	if !strings.Contains(out, "frame") {
		t.Fatalf("expected frame mapping report, got %q", out)
	}
}

func TestChmappingpermClearsWritable(t *testing.T) {
	m, a, s := newMonitor(t)
	f, _ := a.Alloc(true)
	s.Insert(0x3000, f, mem.PTE_P|mem.PTE_U|mem.PTE_W)
	m.Run("chmappingperm -W 0x3000")
	_, perm, ok := s.Lookup(0x3000)
	if !ok {
		t.Fatal("mapping should still exist")
	}
	if perm&mem.PTE_W != 0 {
		t.Fatal("writable bit should have been cleared")
	}
}

func TestExitStopsLoop(t *testing.T) {
	m, _, _ := newMonitor(t)
	if m.Run("exit") {
		t.Fatal("exit command should return false")
	}
}
