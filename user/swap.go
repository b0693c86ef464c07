package user

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/vm"
)

// DefaultSwapSlots is a reasonable default slot count for a fresh backing
// file; callers are free to size their own.
const DefaultSwapSlots = 256

// SwapFile is the demand-paging backing store: a free-slot bitmap in
// page 0 followed by nslots fixed PGSIZE slots, per spec §4.11/§6 — file
// size exactly (nslots+1)*PGSIZE, bitmap bit i meaning slot i is free
// (1) or holds a swapped-out page (0). Every bitmap mutation is guarded
// by an advisory exclusive lock on the whole file.
type SwapFile struct {
	f      *os.File
	nslots int
}

// OpenSwapFile opens (creating if necessary) the backing file at path
// sized for nslots. A file that does not already have exactly that size
// (including a freshly created one) is resized and its bitmap reset to
// all-free (every bit set).
func OpenSwapFile(path string, nslots int) (*SwapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("user: open swap file: %w", err)
	}
	sf := &SwapFile{f: f, nslots: nslots}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("user: stat swap file: %w", err)
	}
	wantSize := int64(nslots+1) * int64(mem.PGSIZE)
	if info.Size() != wantSize {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("user: size swap file: %w", err)
		}
		bitmap := make([]byte, mem.PGSIZE)
		for i := range bitmap {
			bitmap[i] = 0xff
		}
		if _, err := f.WriteAt(bitmap, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("user: init swap bitmap: %w", err)
		}
	}
	return sf, nil
}

// Close releases the backing file.
func (sf *SwapFile) Close() error { return sf.f.Close() }

func (sf *SwapFile) withLock(fn func() error) error {
	if err := unix.Flock(int(sf.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("user: lock swap file: %w", err)
	}
	defer unix.Flock(int(sf.f.Fd()), unix.LOCK_UN)
	return fn()
}

func (sf *SwapFile) readBitmap() ([]byte, error) {
	bitmap := make([]byte, mem.PGSIZE)
	_, err := sf.f.ReadAt(bitmap, 0)
	return bitmap, err
}

func bitSet(bitmap []byte, i int) bool { return bitmap[i/8]&(1<<uint(i%8)) != 0 }
func setBit(bitmap []byte, i int)      { bitmap[i/8] |= 1 << uint(i%8) }
func clearBit(bitmap []byte, i int)    { bitmap[i/8] &^= 1 << uint(i%8) }

func slotOffset(slot int) int64 { return int64(slot+1) * int64(mem.PGSIZE) }

// allocSlot claims and returns the lowest-numbered free slot.
func (sf *SwapFile) allocSlot() (int, error) {
	slot := -1
	err := sf.withLock(func() error {
		bitmap, err := sf.readBitmap()
		if err != nil {
			return err
		}
		for i := 0; i < sf.nslots; i++ {
			if bitSet(bitmap, i) {
				slot = i
				clearBit(bitmap, i)
				_, err := sf.f.WriteAt(bitmap, 0)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if slot < 0 {
		return 0, fmt.Errorf("user: no free swap slot")
	}
	return slot, nil
}

// freeSlot releases slot back to the bitmap.
func (sf *SwapFile) freeSlot(slot int) error {
	return sf.withLock(func() error {
		bitmap, err := sf.readBitmap()
		if err != nil {
			return err
		}
		setBit(bitmap, slot)
		_, err = sf.f.WriteAt(bitmap, 0)
		return err
	})
}

func (sf *SwapFile) writePage(slot int, data []byte) error {
	_, err := sf.f.WriteAt(data, slotOffset(slot))
	return err
}

func (sf *SwapFile) readPage(slot int) ([]byte, error) {
	buf := make([]byte, mem.PGSIZE)
	_, err := sf.f.ReadAt(buf, slotOffset(slot))
	return buf, err
}

// SwapPageToDisk implements spec §4.11's swap_page_to_disk: it reads
// va's current contents out before touching any mapping (vm.Space.SwapOut
// decrefs the frame immediately and it may be reused), finds a free
// backing-store slot, writes the contents there, then replaces va's
// mapping with a non-present In-Disk entry encoding the slot.
func (sf *SwapFile) SwapPageToDisk(alloc *mem.Allocator, space *vm.Space, va vm.VA) kerr.Err {
	frame, perm, ok := space.Lookup(va)
	if !ok {
		return kerr.Inval
	}
	contents := make([]byte, mem.PGSIZE)
	copy(contents, alloc.Bytes(frame, 0))

	slot, err := sf.allocSlot()
	if err != nil {
		return kerr.NoDisk
	}
	if err := sf.writePage(slot, contents); err != nil {
		sf.freeSlot(slot)
		return kerr.NoDisk
	}

	if _, serr := space.SwapOut(va, mem.Pa(slot)<<mem.PGSHIFT, perm); serr != kerr.OK {
		sf.freeSlot(slot)
		return serr
	}
	return kerr.OK
}

// SwapBackPage implements spec §4.11's swap_back_page: reads the slot
// offset out of va's current (non-present, In-Disk) entry, frees the
// slot, allocates a fresh frame at va with the saved permissions minus
// In-Disk plus Present, and reads the page contents back in.
func (sf *SwapFile) SwapBackPage(alloc *mem.Allocator, space *vm.Space, va vm.VA) kerr.Err {
	slotPa, perm, ok := space.DiskSlot(va)
	if !ok {
		return kerr.Inval
	}
	slot := int(slotPa >> mem.PGSHIFT)

	contents, err := sf.readPage(slot)
	if err != nil {
		return kerr.NoDisk
	}
	if err := sf.freeSlot(slot); err != nil {
		return kerr.NoDisk
	}

	frame, ok2 := alloc.Alloc(false)
	if !ok2 {
		return kerr.NoMem
	}
	restored := (perm &^ mem.PTE_DSK) | mem.PTE_P
	if ierr := space.Insert(va, frame, restored); ierr != kerr.OK {
		alloc.FreeUnused(frame)
		return ierr
	}
	copy(alloc.Bytes(frame, 0), contents)
	return kerr.OK
}
