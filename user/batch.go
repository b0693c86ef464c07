package user

import (
	"encoding/binary"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/sysapi"
	"github.com/biscuit-exok/exok/internal/vm"
)

// BatchBufVA is the known, exempted virtual address spec §4.13 describes:
// the batch-syscall buffer always lives here, one page below UTemp, so a
// CoW traversal over present user pages can recognise and skip it rather
// than duplicate a buffer that is mid-flush.
const BatchBufVA = vm.UTemp - vm.VA(mem.PGSIZE)

// Batch buffers up to sysapi.MaxBatch mapping-oriented syscalls and
// submits them as one kernel call, the acceleration spec §4.13 describes
// for fork's duppage loop.
type Batch struct {
	entries []sysapi.BatchEntry
}

// NewBatch creates an empty buffer.
func NewBatch() *Batch {
	return &Batch{entries: make([]sysapi.BatchEntry, 0, sysapi.MaxBatch)}
}

// Queue appends one mapping-oriented syscall to the buffer, flushing
// first if it is already at capacity.
func (b *Batch) Queue(s *sysapi.Surface, caller *proc.Env, ent sysapi.BatchEntry) kerr.Err {
	if len(b.entries) == sysapi.MaxBatch {
		if err := b.Flush(s, caller); err != kerr.OK {
			return err
		}
	}
	b.entries = append(b.entries, ent)
	return kerr.OK
}

// Flush writes every buffered entry into caller's address space at
// BatchBufVA and submits them with a single batch syscall, then empties
// the buffer. A no-op when nothing is queued.
func (b *Batch) Flush(s *sysapi.Surface, caller *proc.Env) kerr.Err {
	if len(b.entries) == 0 {
		return kerr.OK
	}
	if _, _, ok := caller.Space.Lookup(BatchBufVA); !ok {
		if res := s.Invoke(sysapi.PageAlloc, caller, sysapi.Args{
			A0: uint32(caller.ID), A1: uint32(BatchBufVA),
			A2: uint32(mem.PTE_P | mem.PTE_U | mem.PTE_W),
		}); res.Value < 0 {
			return kerr.Err(res.Value)
		}
	}

	raw := make([]byte, len(b.entries)*sysapi.BatchEntrySize)
	for i, ent := range b.entries {
		encodeBatchEntry(raw[i*sysapi.BatchEntrySize:], ent)
	}
	if err := caller.Space.CopyToUser(BatchBufVA, raw); err != kerr.OK {
		return err
	}

	res := s.Invoke(sysapi.Batch, caller, sysapi.Args{
		A0: uint32(BatchBufVA), A1: uint32(len(b.entries)),
	})
	b.entries = b.entries[:0]
	if res.Value < 0 {
		return kerr.Err(res.Value)
	}
	return kerr.OK
}

func encodeBatchEntry(dst []byte, ent sysapi.BatchEntry) {
	binary.LittleEndian.PutUint32(dst[0:], ent.Op)
	binary.LittleEndian.PutUint32(dst[4:], ent.A0)
	binary.LittleEndian.PutUint32(dst[8:], ent.A1)
	binary.LittleEndian.PutUint32(dst[12:], ent.A2)
	binary.LittleEndian.PutUint32(dst[16:], ent.A3)
	binary.LittleEndian.PutUint32(dst[20:], ent.A4)
}
