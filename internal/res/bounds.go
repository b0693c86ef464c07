package res

// Bound names one of the kernel's bounded-loop call sites: one entry per
// loop that copies user memory a page (or batch record) at a time and
// therefore needs an admission check rather than an unbounded retry —
// no kernel code may block indefinitely while holding another lock.
type Bound int

const (
	// BoundK2User guards the kernel-to-user page-at-a-time copy loop.
	BoundK2User Bound = iota
	// BoundUser2K guards the user-to-kernel page-at-a-time copy loop.
	BoundUser2K
	// BoundBatch guards the kernel-side batch syscall loop that reads and
	// replays each submitted entry.
	BoundBatch

	numBounds
)

// maxInFlight is the per-bound concurrency ceiling: how many goroutines
// may simultaneously be partway through that bounded loop before further
// admission is refused. Values are generous relative to this module's
// single-simulated-CPU scheduling model — they exist to catch a runaway
// caller, not to throttle ordinary traffic.
var maxInFlight = [numBounds]int64{
	BoundK2User: 64,
	BoundUser2K: 64,
	BoundBatch:  8,
}
