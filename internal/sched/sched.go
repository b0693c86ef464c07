// Package sched implements the two interchangeable scheduling policies:
// round-robin and ticket-weighted lottery scheduling. Which policy is in
// effect is a build-time Go type choice rather than runtime dispatch —
// both satisfy Policy, and the kernel picks one at construction time.
package sched

import "github.com/biscuit-exok/exok/internal/proc"

// Policy picks the next environment to run out of a table, given the
// index most recently running (or -1 if none). It returns the chosen
// slot index and ok=false when no runnable environment exists.
type Policy interface {
	Next(t *proc.Table, lastRunning int) (idx int, ok bool)
}

// runnableSlots returns the indices of every Runnable environment in t,
// starting just after from and wrapping around, in table order.
func runnableSlots(t *proc.Table, from int) []int {
	var out []int
	n := proc.NumSlots
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		if t.At(idx).Status == proc.StatusRunnable {
			out = append(out, idx)
		}
	}
	return out
}

// RoundRobin picks the next Runnable slot after lastRunning, wrapping
// around the table, giving every runnable environment equal turns.
type RoundRobin struct{}

func (RoundRobin) Next(t *proc.Table, lastRunning int) (int, bool) {
	slots := runnableSlots(t, lastRunning)
	if len(slots) == 0 {
		return 0, false
	}
	return slots[0], true
}
