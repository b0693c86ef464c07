package mem

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(4)
	if a.Free() != 4 {
		t.Fatalf("want 4 free, got %d", a.Free())
	}
	p, ok := a.Alloc(true)
	if !ok {
		t.Fatal("alloc failed")
	}
	if p%Pa(PGSIZE) != 0 {
		t.Fatalf("frame address %#x not page-aligned", p)
	}
	a.Incref(p)
	if got := a.Refcnt(p); got != 1 {
		t.Fatalf("refcnt = %d, want 1", got)
	}
	if a.Decref(p) != true {
		t.Fatal("expected frame to be freed on last decref")
	}
	if a.Free() != 4 {
		t.Fatalf("want 4 free after round trip, got %d", a.Free())
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(2)
	var got []Pa
	for i := 0; i < 2; i++ {
		p, ok := a.Alloc(false)
		if !ok {
			t.Fatalf("alloc %d should have succeeded", i)
		}
		a.Incref(p)
		got = append(got, p)
	}
	if _, ok := a.Alloc(false); ok {
		t.Fatal("alloc should fail once frames are exhausted")
	}
	for _, p := range got {
		a.Decref(p)
	}
	if a.Free() != 2 {
		t.Fatalf("want 2 free after releasing all, got %d", a.Free())
	}
}

func TestZeroFill(t *testing.T) {
	a := NewAllocator(1)
	p, _ := a.Alloc(false)
	a.Incref(p)
	pg := a.Page(p)
	pg[0] = 0xff
	a.Decref(p)

	p2, _ := a.Alloc(true)
	if p2 != p {
		t.Fatalf("expected reused frame, got %#x want %#x", p2, p)
	}
	if a.Page(p2)[0] != 0 {
		t.Fatal("zero-fill option did not clear reused frame")
	}
}

func TestFreeUnusedReturnsFrameWithoutRefcount(t *testing.T) {
	a := NewAllocator(2)
	p, ok := a.Alloc(true)
	if !ok {
		t.Fatal("alloc failed")
	}
	if a.Refcnt(p) != 0 {
		t.Fatalf("fresh alloc refcnt = %d, want 0", a.Refcnt(p))
	}
	a.FreeUnused(p)
	if a.Free() != 2 {
		t.Fatalf("free count after FreeUnused = %d, want 2", a.Free())
	}
}

func TestPublicBits(t *testing.T) {
	if !PublicBits(PTE_U | PTE_W | PTE_P) {
		t.Fatal("PTE_U|PTE_W|PTE_P should be public")
	}
	if PublicBits(PTE_U | 1<<6) {
		t.Fatal("bit outside the public set should be rejected")
	}
}
