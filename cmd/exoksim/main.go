// Command exoksim is a small driver program that wires the kernel's
// subsystems together and walks them through one boot: an init
// environment forking a copy-on-write child, the child taking a write
// fault that the user-space upcall resolves, a page handed across IPC,
// and a snapshot/restore round trip. There is no real CPU here, so each
// step pokes the register frame a trap gate would have built and calls
// into internal/kernel exactly the way a hardware trap would.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/biscuit-exok/exok/internal/kernel"
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sched"
	"github.com/biscuit-exok/exok/internal/snapshot"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
	"github.com/biscuit-exok/exok/internal/console"

	"github.com/biscuit-exok/exok/user"
)

func main() {
	nframes := flag.Int("frames", 512, "physical frame count")
	lottery := flag.Bool("lottery", false, "use the lottery scheduler instead of round-robin")
	swapPath := flag.String("swapfile", "", "backing store path for demand paging (disabled if empty)")
	swapSlots := flag.Int("swapslots", user.DefaultSwapSlots, "backing store slot count")
	flag.Parse()

	sim, err := newSimulation(*nframes, *lottery, *swapPath, *swapSlots)
	if err != nil {
		log.Fatal(err)
	}
	defer sim.close()

	sim.run()
}

// simulation owns every subsystem the driver loop needs.
type simulation struct {
	alloc   *mem.Allocator
	table   *proc.Table
	console *console.Console
	surface *sysapi.Surface
	kern    *kernel.Kernel
	reg     *user.Registry
	swap    *user.SwapFile
}

func newSimulation(nframes int, lottery bool, swapPath string, swapSlots int) (*simulation, error) {
	alloc := mem.NewAllocator(nframes)
	table := proc.NewTable(alloc)
	con := &console.Console{Out: os.Stdout}
	surface := &sysapi.Surface{Table: table, Alloc: alloc, Console: con, Snap: &snapshot.Slot{}}

	var opts []kernel.Option
	if lottery {
		opts = append(opts, kernel.WithPolicy(&sched.Lottery{}))
	}

	var sf *user.SwapFile
	if swapPath != "" {
		f, err := user.OpenSwapFile(swapPath, swapSlots)
		if err != nil {
			return nil, fmt.Errorf("exoksim: %w", err)
		}
		sf = f
	}

	return &simulation{
		alloc:   alloc,
		table:   table,
		console: con,
		surface: surface,
		kern:    kernel.New(table, alloc, surface, opts...),
		reg:     user.NewRegistry(),
		swap:    sf,
	}, nil
}

func (sim *simulation) close() {
	if sim.swap != nil {
		sim.swap.Close()
	}
}

func (sim *simulation) pageFaultHandler() user.Handler {
	if sim.swap != nil {
		return user.PageFaultHandler(sim.surface, sim.swap, sim.alloc)
	}
	return user.CoWHandler(sim.surface)
}

// run walks through one scripted boot, printing state to the console as
// it goes so the behaviour of each subsystem is visible on stdout.
func (sim *simulation) run() {
	initEnv := sim.bootInit()
	sim.demonstrateCputs(initEnv)

	childID := sim.demonstrateFork(initEnv)
	child, err := sim.table.Lookup(childID, false, 0)
	if err != kerr.OK {
		log.Fatalf("exoksim: lookup child: %v", err)
	}

	sim.demonstrateCoWFault(child)
	sim.demonstrateIPC(initEnv, child)
	sim.demonstrateSnapshot(initEnv)

	if sim.swap != nil {
		sim.demonstrateSwap(initEnv)
	}

	fmt.Fprintln(sim.console, "exoksim: scenario complete")
}

const sharedVA vm.VA = 0x10000

// bootInit allocates the first environment, gives it a writable page and
// a page-fault upcall, and marks it Running.
func (sim *simulation) bootInit() *proc.Env {
	e, err := sim.table.Alloc(0)
	if err != kerr.OK {
		log.Fatalf("exoksim: alloc init env: %v", err)
	}
	addr := sim.reg.Register(sim.pageFaultHandler())
	if err := user.SetPageFaultUpcall(sim.surface, e, addr); err != kerr.OK {
		log.Fatalf("exoksim: set upcall: %v", err)
	}

	res := sim.surface.Invoke(sysapi.PageAlloc, e, sysapi.Args{
		A0: uint32(e.ID), A1: uint32(sharedVA), A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
	})
	if res.Value < 0 {
		log.Fatalf("exoksim: page_alloc: %v", kerr.Err(res.Value))
	}
	if cerr := e.Space.CopyToUser(sharedVA, []byte("hello from init\x00")); cerr != kerr.OK {
		log.Fatalf("exoksim: seed page: %v", cerr)
	}

	sim.table.MarkRunning(e)
	return e
}

// demonstrateCputs drives a syscall trap through the kernel dispatcher
// exactly as a trap gate would: load the ABI registers, classify the
// trap, route it.
func (sim *simulation) demonstrateCputs(e *proc.Env) {
	msg := "exoksim: init is alive\n"
	if cerr := e.Space.CopyToUser(sharedVA, []byte(msg)); cerr != kerr.OK {
		log.Fatalf("exoksim: write message: %v", cerr)
	}
	e.Regs = trap.Frame{
		FaultNo: trap.FaultSyscall,
		EAX:     sysapi.Cputs,
		EDX:     uint32(sharedVA),
		ECX:     uint32(len(msg)),
	}
	sim.kern.Dispatch(e)
	if int32(e.Regs.EAX) < 0 {
		log.Fatalf("exoksim: cputs: %v", kerr.Err(int32(e.Regs.EAX)))
	}
}

// demonstrateFork copies init's address space into a fresh child the way
// a user-space fork(2) would: exofork, then duppage over every present
// mapping batched through user.Batch.
func (sim *simulation) demonstrateFork(parent *proc.Env) proc.ID {
	childID, err := user.Fork(sim.surface, sim.reg, parent, sim.pageFaultHandler())
	if err != kerr.OK {
		log.Fatalf("exoksim: fork: %v", err)
	}
	fmt.Fprintf(sim.console, "exoksim: forked child %d from parent %d\n", childID, parent.ID)
	return childID
}

// demonstrateCoWFault simulates the child writing to its inherited,
// now-CoW page: the dispatcher delivers the fault upcall, and since
// there's no real CPU to jump to the upcall address, the driver resumes
// the "instruction stream" by invoking the registry directly — standing
// in for the trap gate's eventual re-entry once the upcall runs and
// resumes.
func (sim *simulation) demonstrateCoWFault(child *proc.Env) {
	sim.table.MarkRunning(child)
	child.Regs = trap.Frame{
		FaultNo: trap.FaultPageFault,
		FaultVA: uint32(sharedVA),
		EIP:     0x1000,
		ESP:     0x2000,
	}
	sim.kern.Dispatch(child)
	if !sim.reg.Dispatch(child, child.Regs.EIP) {
		log.Fatalf("exoksim: no page-fault upcall registered for child %d", child.ID)
	}

	_, perm, ok := child.Space.Lookup(sharedVA)
	if !ok || perm&mem.PTE_W == 0 || perm&mem.PTE_COW != 0 {
		log.Fatalf("exoksim: child page not writable after CoW fault, perm=%#x ok=%v", perm, ok)
	}
	fmt.Fprintln(sim.console, "exoksim: child resolved its copy-on-write fault")
}

// demonstrateIPC sends one page from init to the child through the
// single-copy synchronous rendezvous.
func (sim *simulation) demonstrateIPC(sender, receiver *proc.Env) {
	const recvVA vm.VA = 0x30000
	res := sim.surface.Invoke(sysapi.IPCRecv, receiver, sysapi.Args{A0: uint32(recvVA)})
	if res.Value < 0 {
		log.Fatalf("exoksim: ipc_recv: %v", kerr.Err(res.Value))
	}
	res = sim.surface.Invoke(sysapi.IPCTrySend, sender, sysapi.Args{
		A0: uint32(receiver.ID), A1: 42, A2: uint32(sharedVA), A3: uint32(mem.PTE_P | mem.PTE_U),
	})
	if res.Value < 0 {
		log.Fatalf("exoksim: ipc_try_send: %v", kerr.Err(res.Value))
	}
	if receiver.IPCValue != 42 {
		log.Fatalf("exoksim: receiver got IPC value %d, want 42", receiver.IPCValue)
	}
	fmt.Fprintln(sim.console, "exoksim: delivered one IPC message carrying a page")
}

// demonstrateSnapshot captures init's full state and restores it,
// exercising the one global snapshot slot.
func (sim *simulation) demonstrateSnapshot(e *proc.Env) {
	if cerr := sim.surface.Snap.Capture(sim.alloc, sim.table, e); cerr != kerr.OK {
		log.Fatalf("exoksim: capture: %v", cerr)
	}
	if cerr := sim.surface.Snap.Restore(sim.alloc, sim.table, e); cerr != kerr.OK {
		log.Fatalf("exoksim: restore: %v", cerr)
	}
	fmt.Fprintln(sim.console, "exoksim: snapshot round-tripped init's state")
}

// demonstrateSwap evicts init's shared page to the backing store and
// faults it back in through the same upcall path a real user runtime
// would use.
func (sim *simulation) demonstrateSwap(e *proc.Env) {
	if serr := sim.swap.SwapPageToDisk(sim.alloc, e.Space, sharedVA); serr != kerr.OK {
		log.Fatalf("exoksim: swap out: %v", serr)
	}
	e.Regs = trap.Frame{FaultNo: trap.FaultPageFault, FaultVA: uint32(sharedVA), EIP: 0x1000, ESP: 0x2000}
	sim.kern.Dispatch(e)
	if !sim.reg.Dispatch(e, e.Regs.EIP) {
		log.Fatalf("exoksim: no page-fault upcall registered for env %d", e.ID)
	}
	if _, _, ok := e.Space.Lookup(sharedVA); !ok {
		log.Fatal("exoksim: page did not come back after swap-in")
	}
	fmt.Fprintln(sim.console, "exoksim: swapped a page out and faulted it back in")
}
