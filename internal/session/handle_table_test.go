package session

import (
	"errors"
	"testing"

	"sharefs/internal/common"
	"sharefs/internal/wire"
)

func TestTableAllocateLookupRelease(t *testing.T) {
	tbl := newTable[int]()

	h, v, err := tbl.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if h == 0 || h == wire.InvalidHandle {
		t.Fatalf("allocate returned reserved handle %d", h)
	}
	*v = 42

	got, err := tbl.lookup(h)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if *got != 42 {
		t.Errorf("lookup = %d, want 42", *got)
	}

	if err := tbl.release(h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := tbl.lookup(h); err == nil {
		t.Error("lookup after release should fail")
	}
}

func TestTableDoubleReleaseDoesNotCorruptFreeList(t *testing.T) {
	tbl := newTable[string]()
	h, _, err := tbl.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := tbl.release(h); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := tbl.release(h); err == nil {
		t.Fatal("second release should fail")
	}

	// The free list must hold exactly one entry: two allocations must
	// yield two distinct handles.
	h1, _, _ := tbl.allocate()
	h2, _, _ := tbl.allocate()
	if h1 == h2 {
		t.Errorf("double release corrupted free list: %d == %d", h1, h2)
	}
}

func TestTableFreeListIsLIFO(t *testing.T) {
	tbl := newTable[int]()
	h1, _, _ := tbl.allocate()
	h2, _, _ := tbl.allocate()

	_ = tbl.release(h1)
	_ = tbl.release(h2)

	// Most recently released slot comes back first.
	got, _, _ := tbl.allocate()
	if got != h2 {
		t.Errorf("allocate after releases = %d, want %d", got, h2)
	}
	got, _, _ = tbl.allocate()
	if got != h1 {
		t.Errorf("second allocate = %d, want %d", got, h1)
	}
}

func TestTableLookupInvalid(t *testing.T) {
	tbl := newTable[int]()
	for _, h := range []wire.Handle{0, 5, wire.InvalidHandle} {
		if _, err := tbl.lookup(h); err == nil {
			t.Errorf("lookup(%d) should fail", h)
		}
	}
}

func TestTableInUseCount(t *testing.T) {
	tbl := newTable[int]()
	h1, _, _ := tbl.allocate()
	h2, _, _ := tbl.allocate()
	if tbl.inUseCount() != 2 {
		t.Errorf("inUseCount = %d, want 2", tbl.inUseCount())
	}
	_ = tbl.release(h1)
	if tbl.inUseCount() != 1 {
		t.Errorf("inUseCount = %d, want 1", tbl.inUseCount())
	}
	_ = tbl.release(h2)
	if tbl.inUseCount() != 0 {
		t.Errorf("inUseCount = %d, want 0", tbl.inUseCount())
	}
}

func TestTableReleaseZeroesSlot(t *testing.T) {
	tbl := newTable[string]()
	h, v, _ := tbl.allocate()
	*v = "secret"
	_ = tbl.release(h)

	// Recycled slot must not leak the previous value.
	h2, v2, _ := tbl.allocate()
	if h2 != h {
		t.Fatalf("expected slot reuse, got %d want %d", h2, h)
	}
	if *v2 != "" {
		t.Errorf("recycled slot value = %q, want empty", *v2)
	}
}

func TestTableExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates the full arena")
	}
	tbl := newTable[struct{}]()
	for i := 0; i < maxTableSlots; i++ {
		if _, _, err := tbl.allocate(); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	_, _, err := tbl.allocate()
	if err == nil {
		t.Fatal("allocate past cap should fail")
	}
	if !errors.Is(err, common.ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
}
