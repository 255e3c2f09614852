package phys

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/memmap"
)

// FirmwareMemoryServices is the external collaborator (spec.md §6 "Platform
// contract") that owns the authoritative memory map when the platform
// delegates to firmware (UEFI's Boot Services allocator, U-Boot's LMB). The
// core never assumes anything about how the firmware tracks free memory; it
// only asks for the current map and requests/releases exact page ranges.
type FirmwareMemoryServices interface {
	// CurrentMap returns the firmware's live view of physical memory. Must be
	// queried freshly on every call, since firmware-owned memory can change
	// between allocations (other firmware activity, runtime reclaim).
	CurrentMap() (*memmap.Map, error)
	// AllocatePages asks the firmware to allocate the exact page range
	// [addr, addr+size).
	AllocatePages(addr, size uint64) error
	// FreePages asks the firmware to release the exact page range.
	FreePages(addr, size uint64) error
}

// FirmwareDelegated is the second backend of spec.md §4.2: the firmware owns
// the memory map, and the core only keeps a side table of what it has asked
// the firmware for, so it can later demote `internal` ranges back to free
// and so Snapshot/Finalize can overlay its own bookkeeping on the firmware's
// live map.
type FirmwareDelegated struct {
	pageSize uint64
	minAddr  uint64
	maxAddr  uint64
	fw       FirmwareMemoryServices

	// side table: what this allocator itself has allocated, keyed by start
	// address, since the firmware's own map does not distinguish "ours" from
	// memory claimed by other boot-time consumers.
	side map[uint64]memmap.Range
}

func NewFirmwareDelegated(pageSize, minAddr, maxAddr uint64, fw FirmwareMemoryServices) *FirmwareDelegated {
	return &FirmwareDelegated{
		pageSize: pageSize,
		minAddr:  minAddr,
		maxAddr:  maxAddr,
		fw:       fw,
		side:     make(map[uint64]memmap.Range),
	}
}

func (f *FirmwareDelegated) PageSize() uint64 { return f.pageSize }
func (f *FirmwareDelegated) MinAddr() uint64  { return f.minAddr }
func (f *FirmwareDelegated) MaxAddr() uint64  { return f.maxAddr }

func (f *FirmwareDelegated) Allocate(size, align, min, max uint64, typ memmap.Type, flags Flags) (uint64, error) {
	if err := validateRequest(f, size, align); err != nil {
		return fail(flags, "%w", err)
	}
	align, min, max = normalizeBounds(f, align, min, max)

	m, err := f.fw.CurrentMap()
	if err != nil {
		return fail(flags, "query firmware memory map: %w", err)
	}

	addr, ok := memmap.FindFree(m, size, align, min, max, flags.High)
	if !ok {
		return fail(flags, "no free range of %#x bytes aligned to %#x in [%#x, %#x]", size, align, min, max)
	}
	if err := f.fw.AllocatePages(addr, size); err != nil {
		return fail(flags, "firmware allocate pages: %w", err)
	}
	f.side[addr] = memmap.Range{Start: addr, Size: size, Type: typ}
	return addr, nil
}

func (f *FirmwareDelegated) Free(addr, size uint64) error {
	r, ok := f.side[addr]
	if !ok || r.Size != size {
		return fmt.Errorf("phys: free of untracked firmware range [%#x,+%#x)", addr, size)
	}
	if err := f.fw.FreePages(addr, size); err != nil {
		return fmt.Errorf("firmware free pages: %w", err)
	}
	delete(f.side, addr)
	return nil
}

// Protect reclassifies tracked side-table entries overlapping the region as
// Internal. Firmware-owned free memory that was never requested through this
// allocator cannot be hidden this way; the firmware is expected to already
// exclude the loader's own image from its map.
func (f *FirmwareDelegated) Protect(start, size uint64) error {
	end := start + size
	for addr, r := range f.side {
		if r.Start < end && addr < start+size && r.Start < start+size && r.Start+r.Size > start {
			r.Type = memmap.Internal
			f.side[addr] = r
		}
	}
	return nil
}

func (f *FirmwareDelegated) Finalize() error {
	for addr, r := range f.side {
		if r.Type == memmap.Internal {
			r.Type = memmap.Free
			f.side[addr] = r
		}
	}
	return nil
}

// Snapshot fetches the firmware's current map and overlays the side table on
// top of it, so allocations this backend made as e.g. Modules or PageTables
// show their real type instead of the generic "allocated" the firmware
// tracks them as.
func (f *FirmwareDelegated) Snapshot() *memmap.Map {
	m, err := f.fw.CurrentMap()
	if err != nil {
		m = memmap.New(f.pageSize)
	}
	for _, r := range f.side {
		_ = m.Insert(r.Start, r.Size, r.Type)
	}
	return m
}

var _ Allocator = (*FirmwareDelegated)(nil)
