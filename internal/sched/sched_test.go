package sched

import (
	"testing"

	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
)

func newRunnableTable(t *testing.T, nframes int, tickets ...int) *proc.Table {
	t.Helper()
	a := mem.NewAllocator(nframes)
	tbl := proc.NewTable(a)
	for _, tk := range tickets {
		e, err := tbl.Alloc(0)
		if err != 0 {
			t.Fatalf("alloc: %v", err)
		}
		e.Status = proc.StatusRunnable
		e.Tickets = tk
	}
	return tbl
}

func TestRoundRobinWrapsInOrder(t *testing.T) {
	tbl := newRunnableTable(t, 64, 1, 1, 1)
	var rr RoundRobin
	seen := map[int]bool{}
	last := -1
	for i := 0; i < 3; i++ {
		idx, ok := rr.Next(tbl, last)
		if !ok {
			t.Fatalf("round %d: no runnable slot found", i)
		}
		if seen[idx] {
			t.Fatalf("round %d: revisited slot %d before cycling through all three", i, idx)
		}
		seen[idx] = true
		last = idx
	}
}

func TestRoundRobinNoneRunnable(t *testing.T) {
	tbl := newRunnableTable(t, 64)
	var rr RoundRobin
	if _, ok := rr.Next(tbl, -1); ok {
		t.Fatal("expected no runnable slot")
	}
}

func TestLotteryWeighting(t *testing.T) {
	tbl := newRunnableTable(t, 64, 1, 1, 2)
	var l Lottery

	var heavy *proc.Env
	for i := 0; i < proc.NumSlots; i++ {
		e := tbl.At(i)
		if e.Status == proc.StatusRunnable && e.Tickets == 2 {
			heavy = e
			break
		}
	}
	if heavy == nil {
		t.Fatal("setup: expected a weight-2 environment")
	}

	const draws = 10000
	wins := 0
	for i := 0; i < draws; i++ {
		idx, ok := l.Next(tbl, -1)
		if !ok {
			t.Fatal("expected a winner every draw")
		}
		if idx == int(heavy.ID.Index()) {
			wins++
		}
	}
	// out of 4 total tickets, weight 2 should win about half the draws.
	if wins < 4000 || wins > 6000 {
		t.Fatalf("weight-2 ticket won %d/%d draws, want roughly 5000", wins, draws)
	}
}

func TestLotteryNoneRunnable(t *testing.T) {
	tbl := newRunnableTable(t, 64)
	var l Lottery
	if _, ok := l.Next(tbl, -1); ok {
		t.Fatal("expected no runnable slot")
	}
}
