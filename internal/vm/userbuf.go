package vm

import (
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/res"
)

// pageSlice returns the byte slice covering va's page in this address
// space, failing with Fault when no readable (or, if write is true,
// writable) user mapping is present. It never faults a page in on the
// kernel's behalf: page faults are resolved by the user-level upcall,
// not by the kernel reaching into a missing mapping.
func (s *Space) pageSlice(va VA, write bool) ([]byte, kerr.Err) {
	frame, perm, ok := s.Lookup(va)
	if !ok || perm&mem.PTE_U == 0 {
		return nil, kerr.Fault
	}
	if write && perm&mem.PTE_W == 0 {
		return nil, kerr.Fault
	}
	pg := s.alloc.Page(frame)
	off := PageOffset(va)
	return pg[off:], kerr.OK
}

// CheckReadable reports whether every page overlapping [va, va+n) is
// present with User-read permission, the check cputs(str, len) performs
// before printing.
func (s *Space) CheckReadable(va VA, n int) bool {
	s.Lock()
	defer s.Unlock()
	for i := 0; i < n; {
		buf, err := s.pageSlice(va+VA(i), false)
		if err != kerr.OK {
			return false
		}
		i += len(buf)
	}
	return true
}

// CopyToUser copies src into this address space starting at uva, one
// user page at a time. Each page's copy is admitted through internal/res
// so a pathological length cannot loop the kernel unboundedly.
func (s *Space) CopyToUser(uva VA, src []byte) kerr.Err {
	s.Lock()
	defer s.Unlock()
	off := 0
	for off < len(src) {
		release, ok := res.Admit(res.BoundK2User)
		if !ok {
			return kerr.NoMem
		}
		dst, err := s.pageSlice(uva+VA(off), true)
		release()
		if err != kerr.OK {
			return err
		}
		n := copy(dst, src[off:])
		off += n
	}
	return kerr.OK
}

// CopyFromUser copies len(dst) bytes from this address space starting at
// uva into dst.
func (s *Space) CopyFromUser(dst []byte, uva VA) kerr.Err {
	s.Lock()
	defer s.Unlock()
	off := 0
	for off < len(dst) {
		release, ok := res.Admit(res.BoundUser2K)
		if !ok {
			return kerr.NoMem
		}
		src, err := s.pageSlice(uva+VA(off), false)
		release()
		if err != kerr.OK {
			return err
		}
		n := copy(dst[off:], src)
		off += n
	}
	return kerr.OK
}
