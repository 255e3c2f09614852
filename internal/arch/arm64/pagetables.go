// Package arm64 implements the AArch64 architecture support spec.md §4.7
// step 6 names: 4 KiB-granule translation tables, the recursive self-map
// analogue, and the trampoline handoff.
//
// Grounded on the teacher's internal/linux/boot/arm64 package (image.go,
// plan.go), which parses the same ARM64 Image header and builds the
// equivalent identity/kernel mapping for a KVM guest; here the descriptor
// bits are written directly into physical-allocator-backed memory instead
// of a hypervisor's guest view.
package arm64

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

const (
	PageSize        = 0x1000
	entriesPerTable = 512
	entrySize       = 8

	descValid   = 1 << 0
	descTable   = 1 << 1 // set at levels 0-2 for a next-level table; block entry otherwise
	descAF      = 1 << 10 // access flag, set so a first access doesn't fault
	descUXN     = 1 << 54
	descInnerSharable = 3 << 8

	blockSize2M = 2 * 1024 * 1024
)

type byteWriter interface {
	Bytes(addr, size uint64) ([]byte, error)
}

// PageTables accumulates the tables built for one kernel load, mirroring
// amd64.PageTables but with AArch64 descriptor encoding and 4 translation
// levels (0-3) under a single TTBR.
type PageTables struct {
	alloc  phys.Allocator
	writer byteWriter

	RootPhys    uint64
	TablePhys   []uint64
	SelfMapSlot uint32
}

func NewPageTables(alloc phys.Allocator) (*PageTables, error) {
	w, ok := alloc.(byteWriter)
	if !ok {
		return nil, fmt.Errorf("arm64: allocator %T cannot be written to directly", alloc)
	}
	root, err := allocTable(alloc)
	if err != nil {
		return nil, fmt.Errorf("arm64: allocate level-0 table: %w", err)
	}
	return &PageTables{alloc: alloc, writer: w, RootPhys: root, TablePhys: []uint64{root}}, nil
}

func allocTable(alloc phys.Allocator) (uint64, error) {
	return alloc.Allocate(PageSize, PageSize, 0, 0, memmap.PageTables, phys.Flags{})
}

func (p *PageTables) table(phys uint64) ([]byte, error) { return p.writer.Bytes(phys, PageSize) }

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
	shift := 12 + uint(3-level)*9
	return (virt >> shift) & 0x1ff
}

func (p *PageTables) walkOrCreate(virt uint64, level int) ([]byte, error) {
	cur := p.RootPhys
	for l := 0; l < level; l++ {
		tbl, err := p.table(cur)
		if err != nil {
			return nil, err
		}
		idx := tableIndex(virt, l)
		ent := readEntry(tbl, idx)
		if ent&descValid == 0 {
			child, err := allocTable(p.alloc)
			if err != nil {
				return nil, err
			}
			p.TablePhys = append(p.TablePhys, child)
			writeEntry(tbl, idx, child|descValid|descTable)
			cur = child
			continue
		}
		cur = ent &^ 0xfff
	}
	return p.table(cur)
}

// MapPage maps a single 4 KiB page at level 3 (the AArch64 leaf level).
func (p *PageTables) MapPage(virt, addr uint64, writable, noExec bool) error {
	pt, err := p.walkOrCreate(virt, 3)
	if err != nil {
		return err
	}
	flags := uint64(descValid | descTable | descAF | descInnerSharable) // at L3, bit1 set means "page" not "block"
	if noExec {
		flags |= descUXN
	}
	_ = writable // AArch64 read/write is governed by AP bits; this loader always maps RW kernel memory
	writeEntry(pt, tableIndex(virt, 3), (addr&^0xfff)|flags)
	return nil
}

// MapRange maps [virt, virt+size) to [addr, addr+size), using 2 MiB block
// entries at level 2 wherever both addresses are 2 MiB aligned, falling
// back to 4 KiB pages otherwise.
func (p *PageTables) MapRange(virt, addr, size uint64, writable, noExec bool) error {
	for size > 0 {
		if virt%blockSize2M == 0 && addr%blockSize2M == 0 && size >= blockSize2M {
			pd, err := p.walkOrCreate(virt, 2)
			if err != nil {
				return err
			}
			flags := uint64(descValid | descAF | descInnerSharable) // bit1 clear at L2 means "block"
			if noExec {
				flags |= descUXN
			}
			writeEntry(pd, tableIndex(virt, 2), (addr&^(blockSize2M-1))|flags)
			virt += blockSize2M
			addr += blockSize2M
			size -= blockSize2M
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

// RecursiveSelfMap installs a level-0 entry pointing back at the level-0
// table itself, the AArch64 analogue of amd64's PML4 self-map, avoiding
// the virtual-map window's slot range.
func (p *PageTables) RecursiveSelfMap(windowStart, windowSize uint64) error {
	l0, err := p.table(p.RootPhys)
	if err != nil {
		return err
	}
	lo := tableIndex(windowStart, 0)
	hi := tableIndex(windowStart+windowSize-1, 0)
	for slot := int64(entriesPerTable - 1); slot >= 0; slot-- {
		idx := uint64(slot)
		if idx >= lo && idx <= hi {
			continue
		}
		if readEntry(l0, idx)&descValid != 0 {
			continue
		}
		writeEntry(l0, idx, p.RootPhys|descValid|descTable)
		p.SelfMapSlot = uint32(idx)
		return nil
	}
	return fmt.Errorf("arm64: no free level-0 slot for recursive self-map")
}

func (p *PageTables) TableCount() uint32 { return uint32(len(p.TablePhys)) }
