// Package amd64 implements the x86-64 architecture support spec.md §4.7
// step 6 and §4.8 name: 4-level long-mode page table construction, the
// recursive self-map slot, and the trampoline handoff out of Go.
//
// Grounded on the teacher's internal/linux/boot/amd64 package, which builds
// the same two-level structure (identity map plus a kernel mapping) for a
// KVM guest's long-mode entry; the table-walking and entry-bit logic here is
// the same shape applied to bootproto.Arch's physical-allocator-backed
// memory instead of a hypervisor's guest RAM view.
package amd64

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

const (
	PageSize        = 0x1000
	entriesPerTable = 512
	entrySize       = 8

	pePresent  = 1 << 0
	peWrite    = 1 << 1
	peUser     = 1 << 2
	peHuge     = 1 << 7 // PS bit at PD/PDPT level: maps 2 MiB/1 GiB directly
	peNX       = 1 << 63

	hugePageSize2M = 2 * 1024 * 1024
)

// byteWriter is satisfied by phys.SelfManaged; a firmware-delegated
// allocator would need its own physical-write path, left for that backend
// (mirrors bootproto.writeModule's same type assertion).
type byteWriter interface {
	Bytes(addr, size uint64) ([]byte, error)
}

// PageTables accumulates the tables built for one kernel load: the root
// PML4 physical address, every table physical address allocated (for the
// PAGETABLES info tag and for walking during mapping), and the PML4 slot
// used for the recursive self-map.
type PageTables struct {
	alloc  phys.Allocator
	writer byteWriter

	RootPhys    uint64
	TablePhys   []uint64
	SelfMapSlot uint32
}

// NewPageTables allocates a zeroed PML4 and returns a builder ready for
// Map/MapRange/Finish calls.
func NewPageTables(alloc phys.Allocator) (*PageTables, error) {
	w, ok := alloc.(byteWriter)
	if !ok {
		return nil, fmt.Errorf("amd64: allocator %T cannot be written to directly", alloc)
	}
	root, err := allocTable(alloc)
	if err != nil {
		return nil, fmt.Errorf("amd64: allocate PML4: %w", err)
	}
	return &PageTables{alloc: alloc, writer: w, RootPhys: root, TablePhys: []uint64{root}}, nil
}

func allocTable(alloc phys.Allocator) (uint64, error) {
	addr, err := alloc.Allocate(PageSize, PageSize, 0, 0, memmap.PageTables, phys.Flags{})
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func (p *PageTables) table(phys uint64) ([]byte, error) {
	return p.writer.Bytes(phys, PageSize)
}

// entryAt returns the 8-byte slice of table's entry at index.
func entryAt(table []byte, index uint64) []byte {
	off := index * entrySize
	return table[off : off+entrySize]
}

func readEntry(table []byte, index uint64) uint64 {
	b := entryAt(table, index)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func writeEntry(table []byte, index uint64, value uint64) {
	b := entryAt(table, index)
	for i := 0; i < 8; i++ {
		b[i] = byte(value)
		value >>= 8
	}
}

func tableIndex(virt uint64, level int) uint64 {
	// level 3 = PML4, 2 = PDPT, 1 = PD, 0 = PT.
	shift := 12 + uint(level)*9
	return (virt >> shift) & 0x1ff
}

// walkOrCreate descends from the root to the table at level, creating
// intermediate (non-huge) tables along the way.
func (p *PageTables) walkOrCreate(virt uint64, level int) ([]byte, error) {
	cur := p.RootPhys
	for l := 3; l > level; l-- {
		tbl, err := p.table(cur)
		if err != nil {
			return nil, err
		}
		idx := tableIndex(virt, l)
		ent := readEntry(tbl, idx)
		if ent&pePresent == 0 {
			child, err := allocTable(p.alloc)
			if err != nil {
				return nil, err
			}
			p.TablePhys = append(p.TablePhys, child)
			writeEntry(tbl, idx, child|pePresent|peWrite)
			cur = child
			continue
		}
		cur = ent &^ 0xfff &^ peNX
	}
	return p.table(cur)
}

// MapPage maps a single 4 KiB page at virt to phys with the given
// writable/no-execute attributes.
func (p *PageTables) MapPage(virt, addr uint64, writable, noExec bool) error {
	pt, err := p.walkOrCreate(virt, 0)
	if err != nil {
		return err
	}
	flags := uint64(pePresent)
	if writable {
		flags |= peWrite
	}
	if noExec {
		flags |= peNX
	}
	writeEntry(pt, tableIndex(virt, 0), (addr&^0xfff)|flags)
	return nil
}

// MapRange maps [virt, virt+size) to [addr, addr+size), choosing 2 MiB huge
// pages at the PD level wherever both virt and addr are 2 MiB aligned and
// at least 2 MiB remains, falling back to 4 KiB pages otherwise. size must
// be a multiple of PageSize.
func (p *PageTables) MapRange(virt, addr, size uint64, writable, noExec bool) error {
	for size > 0 {
		if virt%hugePageSize2M == 0 && addr%hugePageSize2M == 0 && size >= hugePageSize2M {
			pd, err := p.walkOrCreate(virt, 1)
			if err != nil {
				return err
			}
			flags := uint64(pePresent | peHuge)
			if writable {
				flags |= peWrite
			}
			if noExec {
				flags |= peNX
			}
			writeEntry(pd, tableIndex(virt, 1), (addr&^(hugePageSize2M-1))|flags)
			virt += hugePageSize2M
			addr += hugePageSize2M
			size -= hugePageSize2M
			continue
		}
		if err := p.MapPage(virt, addr, writable, noExec); err != nil {
			return err
		}
		virt += PageSize
		addr += PageSize
		size -= PageSize
	}
	return nil
}

// RecursiveSelfMap installs a PML4 entry pointing back at the PML4 itself,
// choosing the highest free slot that falls outside [windowStart,
// windowStart+windowSize) (spec.md §4.7 step 6: "a free top-level slot that
// avoids the virtual-map window").
func (p *PageTables) RecursiveSelfMap(windowStart, windowSize uint64) error {
	pml4, err := p.table(p.RootPhys)
	if err != nil {
		return err
	}
	windowSlotLo := tableIndex(windowStart, 3)
	windowSlotHi := tableIndex(windowStart+windowSize-1, 3)
	for slot := int64(entriesPerTable - 1); slot >= 0; slot-- {
		idx := uint64(slot)
		if idx >= windowSlotLo && idx <= windowSlotHi {
			continue
		}
		if readEntry(pml4, idx)&pePresent != 0 {
			continue
		}
		writeEntry(pml4, idx, p.RootPhys|pePresent|peWrite)
		p.SelfMapSlot = uint32(idx)
		return nil
	}
	return fmt.Errorf("amd64: no free PML4 slot for recursive self-map")
}

// TableCount returns the number of tables allocated so far, for the
// PAGETABLES information tag.
func (p *PageTables) TableCount() uint32 { return uint32(len(p.TablePhys)) }
