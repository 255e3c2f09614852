package phys

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/kmath"
	"github.com/kboot-go/kboot/internal/memmap"
)

// largeDescriptor records one outstanding large allocation, indexed by
// address (spec.md §4.2 "indexed by a small descriptor list keyed by
// address").
type largeDescriptor struct {
	addr  uint64
	pages uint64
}

// LargeAllocator serves allocations in whole-page multiples by delegating to
// an underlying Allocator, for callers (the mount table, large filesystem
// buffers) that would otherwise fragment the FixedHeap.
type LargeAllocator struct {
	backing Allocator
	typ     memmap.Type
	descs   map[uint64]largeDescriptor
}

func NewLargeAllocator(backing Allocator, typ memmap.Type) *LargeAllocator {
	return &LargeAllocator{backing: backing, typ: typ, descs: make(map[uint64]largeDescriptor)}
}

// Alloc reserves ceil(size/pageSize) pages and returns the address.
func (l *LargeAllocator) Alloc(size uint64) (uint64, error) {
	page := l.backing.PageSize()
	pages := kmath.AlignUp(size, page) / page
	addr, err := l.backing.Allocate(pages*page, page, 0, 0, l.typ, Flags{CanFail: true})
	if err != nil {
		return 0, err
	}
	l.descs[addr] = largeDescriptor{addr: addr, pages: pages}
	return addr, nil
}

func (l *LargeAllocator) Free(addr uint64) error {
	d, ok := l.descs[addr]
	if !ok {
		return fmt.Errorf("phys: large free of untracked address %#x", addr)
	}
	page := l.backing.PageSize()
	if err := l.backing.Free(addr, d.pages*page); err != nil {
		return err
	}
	delete(l.descs, addr)
	return nil
}
