// Package proc implements the environment table: a fixed-size array of
// task control blocks with generation-tagged identifiers, generalized
// from a thread-note shape to a full environment.
package proc

import (
	"sync"
	"time"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

// LogSlots and NumSlots fix the environment table's size: a power of two.
const (
	LogSlots = 8
	NumSlots = 1 << LogSlots
)

// Status is an environment's lifecycle state.
type Status int

const (
	StatusFree Status = iota
	StatusDying
	StatusRunnable
	StatusNotRunnable
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusDying:
		return "dying"
	case StatusRunnable:
		return "runnable"
	case StatusNotRunnable:
		return "not-runnable"
	case StatusRunning:
		return "running"
	default:
		return "?"
	}
}

// ID is a stable environment identifier: generation in the high bits,
// slot index in the low LogSlots bits, so a freed slot reused later
// produces a distinct id.
type ID uint32

// MakeID packs a generation and slot index into an ID.
func MakeID(generation, index uint32) ID {
	return ID(generation<<LogSlots | (index & (NumSlots - 1)))
}

// Index returns the slot index encoded in id.
func (id ID) Index() uint32 { return uint32(id) & (NumSlots - 1) }

// Generation returns the generation encoded in id.
func (id ID) Generation() uint32 { return uint32(id) >> LogSlots }

// Accounting accumulates per-environment user/system time, grounded on
// accnt.Accnt_t.
type Accounting struct {
	mu      sync.Mutex
	UserNS  int64
	SysNS   int64
}

// Utadd adds delta nanoseconds of user time.
func (a *Accounting) Utadd(delta int64) {
	a.mu.Lock()
	a.UserNS += delta
	a.mu.Unlock()
}

// Systadd adds delta nanoseconds of system time.
func (a *Accounting) Systadd(delta int64) {
	a.mu.Lock()
	a.SysNS += delta
	a.mu.Unlock()
}

// Snapshot returns a consistent (userNS, sysNS) pair.
func (a *Accounting) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UserNS, a.SysNS
}

// Env is one task control block.
type Env struct {
	ID     ID
	Parent ID
	Status Status
	Regs   trap.Frame
	Space  *vm.Space

	PageFaultUpcall uint32 // 0 means "not registered"
	OtherExcUpcall  uint32

	// IPC receive state.
	Recving  bool
	RecvVA   vm.VA
	IPCFrom  ID
	IPCValue uint32
	IPCPerm  mem.Pa

	// Tickets is this environment's lottery-scheduler weight.
	Tickets int

	Acct Accounting

	// onExcStack and excDepth track whether a fault has already been
	// seen on this exception-stack chain: a fault while already running
	// on the exception stack must chain rather than clobber.
	onExcStack bool
	excDepth   int
}

// OnExcStack reports whether e is currently executing a nested upcall
// on its own exception stack.
func (e *Env) OnExcStack() bool { return e.onExcStack }

// ExcDepth returns the number of upcall frames currently chained on e's
// exception stack.
func (e *Env) ExcDepth() int { return e.excDepth }

// PushExcFrame records that another upcall frame is being delivered on
// e's exception stack, returning the new depth.
func (e *Env) PushExcFrame() int {
	e.onExcStack = true
	e.excDepth++
	return e.excDepth
}

// PopExcFrame reverses PushExcFrame. The user-side upcall dispatch calls
// it once the upcall handler has finished running, before restoring the
// pre-fault register state.
func (e *Env) PopExcFrame() {
	if e.excDepth > 0 {
		e.excDepth--
	}
	if e.excDepth == 0 {
		e.onExcStack = false
	}
}

// Table is the fixed-size environment table.
type Table struct {
	mu    sync.Mutex
	alloc *mem.Allocator
	slots      [NumSlots]Env
	generation [NumSlots]uint32

	// Running is the index of the currently Running slot, or -1.
	Running int
}

// NewTable constructs an empty environment table backed by alloc.
func NewTable(alloc *mem.Allocator) *Table {
	t := &Table{alloc: alloc, Running: -1}
	for i := range t.slots {
		t.slots[i].Status = StatusFree
	}
	return t
}

// Alloc allocates a fresh environment as a child of parent. It chooses a
// free slot, increments its generation, installs a fresh address space
// and a zeroed register frame, and returns the new env.
func (t *Table) Alloc(parent ID) (*Env, kerr.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i := range t.slots {
		if t.slots[i].Status == StatusFree {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, kerr.NoFreeEnv
	}

	space, err := vm.NewSpace(t.alloc)
	if err != kerr.OK {
		return nil, err
	}

	t.generation[idx]++
	e := &t.slots[idx]
	*e = Env{
		ID:      MakeID(t.generation[idx], uint32(idx)),
		Parent:  parent,
		Status:  StatusNotRunnable,
		Space:   space,
		Recving: false,
	}
	return e, kerr.OK
}

// Lookup resolves id to its slot. When checkPerm is true, the caller must
// either be the named environment or its parent.
func (t *Table) Lookup(id ID, checkPerm bool, caller ID) (*Env, kerr.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(id, checkPerm, caller)
}

func (t *Table) lookupLocked(id ID, checkPerm bool, caller ID) (*Env, kerr.Err) {
	idx := id.Index()
	e := &t.slots[idx]
	if e.Status == StatusFree || t.generation[idx] != id.Generation() {
		return nil, kerr.BadEnv
	}
	if checkPerm && id != caller && e.Parent != caller {
		return nil, kerr.BadEnv
	}
	return e, kerr.OK
}

// At returns a pointer to the slot at index idx without any generation or
// permission check, for use by the scheduler, which walks the table by
// raw slot index.
func (t *Table) At(idx int) *Env { return &t.slots[idx] }

// Destroy tears down e: every frame reachable from its address space is
// released and the slot returns to the pool. The generation is bumped
// once, at the next Alloc of this slot, rather than at both ends of the
// lifecycle (see DESIGN.md).
func (t *Table) Destroy(e *Env) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Space.Destroy()
	idx := e.ID.Index()
	if t.Running == int(idx) {
		t.Running = -1
	}
	t.slots[idx] = Env{Status: StatusFree}
}

// MarkRunning transitions e to Running and records it as the table's
// current runner (the Runnable-exclusion invariant: at most one
// environment may be Running at a time).
func (t *Table) MarkRunning(e *Env) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Status = StatusRunning
	t.Running = int(e.ID.Index())
}

// Now returns the current time in nanoseconds, the same clock source
// accnt.Accnt_t.Now uses.
func Now() int64 { return time.Now().UnixNano() }
