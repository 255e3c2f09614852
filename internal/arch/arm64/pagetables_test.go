package arm64

import (
	"testing"

	"github.com/kboot-go/kboot/internal/bootproto"
	"github.com/kboot-go/kboot/internal/phys"
)

func newTestAllocator(t *testing.T) *phys.SelfManaged {
	t.Helper()
	alloc, err := phys.NewSelfManaged(PageSize, 8*1024*1024)
	if err != nil {
		t.Fatalf("NewSelfManaged: %v", err)
	}
	t.Cleanup(func() { _ = alloc.Close() })
	return alloc
}

func TestMapPageRoundTrip(t *testing.T) {
	alloc := newTestAllocator(t)
	pt, err := NewPageTables(alloc)
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	if err := pt.MapPage(0x1000, 0x6000, true, false); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	leaf, err := pt.walkOrCreate(0x1000, 3)
	if err != nil {
		t.Fatalf("walkOrCreate: %v", err)
	}
	if got := readEntry(leaf, tableIndex(0x1000, 3)) &^ 0xfff; got != 0x6000 {
		t.Fatalf("mapped address = %#x, want 0x6000", got)
	}
}

func TestRecursiveSelfMapAvoidsWindow(t *testing.T) {
	alloc := newTestAllocator(t)
	pt, err := NewPageTables(alloc)
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	windowStart := uint64(defaultVMapWindowStart)
	windowSize := uint64(defaultVMapWindowSize)
	if err := pt.RecursiveSelfMap(windowStart, windowSize); err != nil {
		t.Fatalf("RecursiveSelfMap: %v", err)
	}
	lo := tableIndex(windowStart, 0)
	hi := tableIndex(windowStart+windowSize-1, 0)
	if uint64(pt.SelfMapSlot) >= lo && uint64(pt.SelfMapSlot) <= hi {
		t.Fatalf("self-map slot %d falls inside the virtual-map window [%d,%d]", pt.SelfMapSlot, lo, hi)
	}
}

func TestArchCheckCapabilityFailsWithoutEL2(t *testing.T) {
	a := &Arch{EL2Boot: false}
	if err := a.CheckCapability(bootproto.ImageHeader{Version: 2}); err == nil {
		t.Fatal("expected capability check to fail without EL2 boot support")
	}
}

func TestArchEnterRequiresJump(t *testing.T) {
	alloc := newTestAllocator(t)
	a := &Arch{Alloc: alloc, EL2Boot: true}
	if err := a.Enter(bootproto.TrampolineArgs{}); err == nil {
		t.Fatal("expected Enter to fail with no Jump installed")
	}
	var called bool
	a.Jump = func(args bootproto.TrampolineArgs) error {
		called = true
		return nil
	}
	if err := a.Enter(bootproto.TrampolineArgs{}); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !called {
		t.Fatal("expected Jump to be invoked")
	}
}
