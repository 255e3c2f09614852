package amd64

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

func TestMapRangeUsesHugePagesWhenAligned(t *testing.T) {
	alloc := newTestAllocator(t)
	pt, err := NewPageTables(alloc)
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	before := pt.TableCount()
	if err := pt.MapRange(0x200000, 0x400000, hugePageSize2M, true, false); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	// A single aligned 2 MiB range should only need one new PD entry plus
	// the PDPT/PD tables walked to reach it, never a PT.
	if got := pt.TableCount(); got > before+3 {
		t.Fatalf("TableCount = %d, expected at most %d new tables for one huge mapping", got, before+3)
	}
}

func TestMapPageRoundTrip(t *testing.T) {
	alloc := newTestAllocator(t)
	pt, err := NewPageTables(alloc)
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	if err := pt.MapPage(0x1000, 0x5000, true, false); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	leaf, err := pt.walkOrCreate(0x1000, 0)
	if err != nil {
		t.Fatalf("walkOrCreate: %v", err)
	}
	got := readEntry(leaf, tableIndex(0x1000, 0)) &^ 0xfff
	if got != 0x5000 {
		t.Fatalf("mapped address = %#x, want 0x5000", got)
	}
}

func TestRecursiveSelfMapAvoidsWindow(t *testing.T) {
	alloc := newTestAllocator(t)
	pt, err := NewPageTables(alloc)
	if err != nil {
		t.Fatalf("NewPageTables: %v", err)
	}
	windowStart := uint64(0xffffa00000000000)
	windowSize := uint64(1 << 39)
	if err := pt.RecursiveSelfMap(windowStart, windowSize); err != nil {
		t.Fatalf("RecursiveSelfMap: %v", err)
	}
	lo := tableIndex(windowStart, 3)
	hi := tableIndex(windowStart+windowSize-1, 3)
	if uint64(pt.SelfMapSlot) >= lo && uint64(pt.SelfMapSlot) <= hi {
		t.Fatalf("self-map slot %d falls inside the virtual-map window [%d,%d]", pt.SelfMapSlot, lo, hi)
	}
}

func TestArchCheckCapabilityFailsWithoutLongMode(t *testing.T) {
	a := &Arch{LongModeCPU: false}
	if err := a.CheckCapability(bootproto.ImageHeader{Version: 2}); err == nil {
		t.Fatal("expected capability check to fail without long-mode support")
	}
}

func TestArchBuildPageTablesMapsImageAndMemory(t *testing.T) {
	alloc := newTestAllocator(t)
	a := &Arch{Alloc: alloc, LongModeCPU: true}
	img := &bootproto.Image{
		Load: bootproto.LoadConstraints{
			VMapWindowStart: defaultVMapWindowStart,
			VMapWindowSize:  defaultVMapWindowSize,
		},
	}
	root, count, slot, err := a.BuildPageTables(img, alloc.MinAddr(), PageSize, alloc.Snapshot())
	if err != nil {
		t.Fatalf("BuildPageTables: %v", err)
	}
	if root == 0 {
		t.Fatal("expected a non-zero root table address")
	}
	if count == 0 {
		t.Fatal("expected at least one table to be allocated")
	}
	if slot == 0 {
		t.Fatal("expected a self-map slot to be chosen")
	}
}

func TestArchEnterRequiresJump(t *testing.T) {
	alloc := newTestAllocator(t)
	a := &Arch{Alloc: alloc, LongModeCPU: true}
	if err := a.Enter(bootproto.TrampolineArgs{}); err == nil {
		t.Fatal("expected Enter to fail with no Jump installed")
	}

	var called bool
	a.Jump = func(args bootproto.TrampolineArgs) error {
		called = true
		if args.TrampolineCR3 == 0 {
			t.Error("expected TrampolineCR3 to be populated")
		}
		return nil
	}
	if err := a.Enter(bootproto.TrampolineArgs{}); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !called {
		t.Fatal("expected Jump to be invoked")
	}
}
