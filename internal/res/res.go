// Package res implements the kernel's non-blocking resource reservation:
// a per-bound semaphore that a bounded copy loop must acquire one unit
// from before each iteration, so a runaway caller fails fast instead of
// stalling the kernel.
package res

import "golang.org/x/sync/semaphore"

var sems [numBounds]*semaphore.Weighted

func init() {
	for b := Bound(0); b < numBounds; b++ {
		sems[b] = semaphore.NewWeighted(maxInFlight[b])
	}
}

// Admit attempts a non-blocking reservation against b: it never blocks,
// returning ok=false immediately when the bound is exhausted so the
// caller can fail the syscall with NoMem instead of stalling the kernel.
// On success the caller must invoke the returned release func once its
// bounded iteration completes.
func Admit(b Bound) (release func(), ok bool) {
	s := sems[b]
	if !s.TryAcquire(1) {
		return nil, false
	}
	return func() { s.Release(1) }, true
}
