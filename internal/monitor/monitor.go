// Package monitor implements the kernel debug CLI: help, kerninfo,
// backtrace, showmappings, chmappingperm, memdump, testint, si, exit.
// It is an external collaborator, driven from a trap frame the kernel
// hands it on breakpoint or single-step, never called from inside a
// syscall handler.
package monitor

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/mod/semver"

	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/trap"
	"github.com/biscuit-exok/exok/internal/vm"
)

// BuildVersion is the kernel's own semver-compatible build identifier,
// compared by kerninfo against a caller-supplied reference version.
const BuildVersion = "v0.1.0"

// Monitor binds the CLI to one address space and allocator so
// showmappings/chmappingperm/memdump/disas have something to read.
type Monitor struct {
	Out   io.Writer
	Alloc *mem.Allocator
	Space *vm.Space
	Frame *trap.Frame

	// SingleStep, when non-nil, is invoked by the "si" command to
	// request the dispatcher re-enter the monitor after exactly one
	// user instruction.
	SingleStep func()
}

// Run parses and executes a single command line, writing its output to
// m.Out. It returns false for "exit", requesting the caller resume
// normal dispatch.
func (m *Monitor) Run(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "help":
		fmt.Fprintln(m.Out, "help kerninfo backtrace showmappings chmappingperm memdump testint si disas exit")
	case "kerninfo":
		m.kerninfo(fields[1:])
	case "backtrace":
		m.backtrace()
	case "showmappings":
		m.showmappings(fields[1:])
	case "chmappingperm":
		m.chmappingperm(fields[1:])
	case "memdump":
		m.memdump(fields[1:])
	case "testint":
		m.testint(fields[1:])
	case "disas":
		m.disasCmd(fields[1:])
	case "si":
		if m.SingleStep != nil {
			m.SingleStep()
		}
	case "exit":
		return false
	default:
		fmt.Fprintf(m.Out, "unknown command %q\n", fields[0])
	}
	return true
}

func (m *Monitor) kerninfo(args []string) {
	fmt.Fprintf(m.Out, "build %s\n", BuildVersion)
	if len(args) == 0 {
		return
	}
	ref := args[0]
	if !strings.HasPrefix(ref, "v") {
		ref = "v" + ref
	}
	switch semver.Compare(BuildVersion, ref) {
	case -1:
		fmt.Fprintf(m.Out, "older than %s\n", ref)
	case 0:
		fmt.Fprintf(m.Out, "same as %s\n", ref)
	case 1:
		fmt.Fprintf(m.Out, "newer than %s\n", ref)
	}
}

func (m *Monitor) backtrace() {
	if m.Frame == nil {
		fmt.Fprintln(m.Out, "no trap frame")
		return
	}
	fmt.Fprintf(m.Out, "eip=%#x esp=%#x ebp=%#x\n", m.Frame.EIP, m.Frame.ESP, m.Frame.EBP)
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

func (m *Monitor) showmappings(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(m.Out, "usage: showmappings <lo> [hi]")
		return
	}
	lo, err := parseHex(args[0])
	if err != nil {
		fmt.Fprintf(m.Out, "bad address %q\n", args[0])
		return
	}
	hi := lo
	if len(args) > 1 {
		hi, err = parseHex(args[1])
		if err != nil {
			fmt.Fprintf(m.Out, "bad address %q\n", args[1])
			return
		}
	}
	for va := lo &^ uint64(mem.PGSIZE-1); va <= hi; va += uint64(mem.PGSIZE) {
		frame, perm, ok := m.Space.Lookup(vm.VA(va))
		if !ok {
			fmt.Fprintf(m.Out, "%#08x -- not mapped\n", va)
			continue
		}
		fmt.Fprintf(m.Out, "%#08x -> frame %#x perm %#x\n", va, frame, perm)
	}
}

func (m *Monitor) chmappingperm(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(m.Out, "usage: chmappingperm [+-][UW] <va>")
		return
	}
	spec := args[0]
	va64, err := parseHex(args[1])
	if err != nil {
		fmt.Fprintf(m.Out, "bad address %q\n", args[1])
		return
	}
	va := vm.VA(va64)
	frame, perm, ok := m.Space.Lookup(va)
	if !ok {
		fmt.Fprintln(m.Out, "not mapped")
		return
	}
	if len(spec) < 2 {
		fmt.Fprintln(m.Out, "usage: chmappingperm [+-][UW] <va>")
		return
	}
	var bit mem.Pa
	switch spec[1] {
	case 'U':
		bit = mem.PTE_U
	case 'W':
		bit = mem.PTE_W
	default:
		fmt.Fprintf(m.Out, "unknown bit %q\n", spec[1:])
		return
	}
	switch spec[0] {
	case '+':
		perm |= bit
	case '-':
		perm &^= bit
	default:
		fmt.Fprintf(m.Out, "unknown sign %q\n", spec[:1])
		return
	}
	if err := m.Space.Insert(va, frame, perm); err != 0 {
		fmt.Fprintf(m.Out, "insert failed: %v\n", err)
	}
}

func (m *Monitor) memdump(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(m.Out, "usage: memdump [vp] <lo> <hi>")
		return
	}
	mode := "v"
	rest := args
	if args[0] == "v" || args[0] == "p" {
		mode = args[0]
		rest = args[1:]
	}
	if len(rest) != 2 {
		fmt.Fprintln(m.Out, "usage: memdump [vp] <lo> <hi>")
		return
	}
	lo, err1 := parseHex(rest[0])
	hi, err2 := parseHex(rest[1])
	if err1 != nil || err2 != nil {
		fmt.Fprintln(m.Out, "bad address")
		return
	}
	for addr := lo; addr <= hi; addr += 16 {
		var buf [16]byte
		if mode == "p" {
			full := m.Alloc.Bytes(mem.Pa(addr&^uint64(mem.PGSIZE-1)), int(addr)&(mem.PGSIZE-1))
			n := copy(buf[:], full)
			fmt.Fprintf(m.Out, "%#08x: % x\n", addr, buf[:n])
			continue
		}
		if kerr := m.Space.CopyFromUser(buf[:], vm.VA(addr)); kerr != 0 {
			fmt.Fprintf(m.Out, "%#08x -- fault\n", addr)
			continue
		}
		fmt.Fprintf(m.Out, "%#08x: % x\n", addr, buf[:])
	}
}

func (m *Monitor) disasCmd(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(m.Out, "usage: disas <va>")
		return
	}
	va64, err := parseHex(args[0])
	if err != nil {
		fmt.Fprintf(m.Out, "bad address %q\n", args[0])
		return
	}
	var buf [32]byte
	if kerr := m.Space.CopyFromUser(buf[:], vm.VA(va64)); kerr != 0 {
		fmt.Fprintln(m.Out, "fault reading instruction bytes")
		return
	}
	fmt.Fprint(m.Out, disas(buf[:], 32))
}

// disas decodes buf as x86 instructions in the given mode (16, 32 or 64
// bits), stopping at the end of buf or at the first undecodable byte.
func disas(buf []byte, mode int) string {
	var b strings.Builder
	off := 0
	for off < len(buf) {
		inst, err := x86asm.Decode(buf[off:], mode)
		if err != nil {
			b.WriteString("(bad)\n")
			break
		}
		b.WriteString(x86asm.GNUSyntax(inst, 0, nil))
		b.WriteByte('\n')
		off += inst.Len
	}
	return b.String()
}

func (m *Monitor) testint(args []string) {
	fmt.Fprintf(m.Out, "testint: %v\n", args)
}
