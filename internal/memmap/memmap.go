// Package memmap implements the ordered memory map described in spec.md
// §4.1: a set of (start, size, type) physical ranges ordered by start, with
// insert/remove operations that split, truncate and coalesce neighbours so
// the map never carries overlapping or adjacent same-type ranges.
//
// The ranges are kept in a google/btree ordered tree rather than the
// teacher's hand-rolled structures, since the map is exercised purely by
// address-ordered range queries (successor/predecessor lookups during
// insert) that a B-tree answers in O(log n) instead of the O(n) scan a
// plain slice would need.
package memmap

import (
	"fmt"

	"github.com/google/btree"
	"github.com/kboot-go/kboot/internal/kmath"
)

// Type classifies a memory range. Free and Allocated are driven by the
// allocator (§4.2); the remainder mark OS-handoff metadata written by a
// loader (§4.7 step 5) or the firmware itself.
type Type int

const (
	Free Type = iota
	Allocated
	Reclaimable
	PageTables
	Stack
	Modules
	Internal

	// sentinel is an implementation-only type used by Remove to carve a hole
	// (spec.md §4.1: "remove is equivalent to insert with an internal
	// sentinel type followed by unlinking that range").
	sentinel
)

func (t Type) String() string {
	switch t {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Reclaimable:
		return "reclaimable"
	case PageTables:
		return "pagetables"
	case Stack:
		return "stack"
	case Modules:
		return "modules"
	case Internal:
		return "internal"
	case sentinel:
		return "<removed>"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Range is a single page-aligned, non-empty physical address range.
type Range struct {
	Start uint64
	Size  uint64
	Type  Type
}

func (r Range) End() uint64 { return r.Start + r.Size }

func rangeLess(a, b Range) bool { return a.Start < b.Start }

// Map is an ordered, non-overlapping sequence of Ranges. The zero value is
// not usable; construct with New.
type Map struct {
	pageSize uint64
	tree     *btree.BTreeG[Range]
}

// New creates an empty map. pageSize is the platform page size that every
// Insert/Remove call's start and size must be a multiple of.
func New(pageSize uint64) *Map {
	return &Map{
		pageSize: pageSize,
		tree:     btree.NewG(32, rangeLess),
	}
}

func (m *Map) PageSize() uint64 { return m.pageSize }

func (m *Map) validate(start, size uint64) error {
	if size == 0 {
		return fmt.Errorf("memmap: zero-size range at %#x", start)
	}
	if start%m.pageSize != 0 {
		return fmt.Errorf("memmap: start %#x not page-aligned (page size %#x)", start, m.pageSize)
	}
	if size%m.pageSize != 0 {
		return fmt.Errorf("memmap: size %#x not page-aligned (page size %#x)", size, m.pageSize)
	}
	if start+size < start {
		return fmt.Errorf("memmap: range [%#x, +%#x) overflows address space", start, size)
	}
	return nil
}

// overlapping returns every range in the tree that intersects [start, end),
// ordered by Start.
func (m *Map) overlapping(start, end uint64) []Range {
	var out []Range
	// A range beginning before `start` can still overlap [start,end); find the
	// last range with Start <= start first.
	var pred Range
	havePred := false
	m.tree.DescendLessOrEqual(Range{Start: start}, func(r Range) bool {
		pred = r
		havePred = true
		return false
	})
	if havePred && pred.End() > start {
		out = append(out, pred)
	}
	m.tree.AscendRange(Range{Start: start + 1}, Range{Start: end}, func(r Range) bool {
		if len(out) > 0 && out[len(out)-1].Start == r.Start {
			return true
		}
		out = append(out, r)
		return true
	})
	return out
}

// Insert inserts [start, start+size) as type typ, splitting or truncating
// any ranges it overlaps (the new range always wins), then coalescing with
// adjacent ranges of the same type.
func (m *Map) Insert(start, size uint64, typ Type) error {
	if err := m.validate(start, size); err != nil {
		return err
	}
	end := start + size

	for _, old := range m.overlapping(start, end) {
		m.tree.Delete(old)
		if old.Start < start {
			m.tree.ReplaceOrInsert(Range{Start: old.Start, Size: start - old.Start, Type: old.Type})
		}
		if old.End() > end {
			m.tree.ReplaceOrInsert(Range{Start: end, Size: old.End() - end, Type: old.Type})
		}
	}

	m.tree.ReplaceOrInsert(Range{Start: start, Size: size, Type: typ})
	m.coalesceAround(start, end)
	return nil
}

// coalesceAround merges the range starting at start with an immediately
// preceding or following range of the same type.
func (m *Map) coalesceAround(start, end uint64) {
	cur, ok := m.tree.Get(Range{Start: start})
	if !ok {
		return
	}

	var prev Range
	havePrev := false
	m.tree.DescendLessOrEqual(Range{Start: start - 1}, func(r Range) bool {
		prev = r
		havePrev = true
		return false
	})
	if havePrev && prev.End() == cur.Start && prev.Type == cur.Type {
		m.tree.Delete(prev)
		m.tree.Delete(cur)
		cur = Range{Start: prev.Start, Size: prev.Size + cur.Size, Type: cur.Type}
		m.tree.ReplaceOrInsert(cur)
	}

	var next Range
	haveNext := false
	m.tree.AscendRange(Range{Start: cur.End()}, Range{Start: cur.End() + 1}, func(r Range) bool {
		next = r
		haveNext = true
		return false
	})
	if haveNext && cur.End() == next.Start && cur.Type == next.Type {
		m.tree.Delete(cur)
		m.tree.Delete(next)
		m.tree.ReplaceOrInsert(Range{Start: cur.Start, Size: cur.Size + next.Size, Type: cur.Type})
	}
}

// Remove deletes [start, start+size) from the map entirely, per spec.md
// §4.1: implemented as an insert of the internal sentinel type followed by
// unlinking the resulting range(s).
func (m *Map) Remove(start, size uint64) error {
	if err := m.validate(start, size); err != nil {
		return err
	}
	if err := m.Insert(start, size, sentinel); err != nil {
		return err
	}
	for _, r := range m.overlapping(start, start+size) {
		if r.Type == sentinel {
			m.tree.Delete(r)
		}
	}
	return nil
}

// Ranges returns every range in the map in ascending Start order.
func (m *Map) Ranges() []Range {
	out := make([]Range, 0, m.tree.Len())
	m.tree.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Snapshot returns a deep, independent copy of the map.
func (m *Map) Snapshot() *Map {
	out := New(m.pageSize)
	m.tree.Ascend(func(r Range) bool {
		out.tree.ReplaceOrInsert(r)
		return true
	})
	return out
}

// Free discards every range in the map. After Free the Map is empty but
// still usable (unlike the teacher's free-standing arena, there is no
// separate allocator object to release).
func (m *Map) Free() {
	m.tree.Clear(false)
}

// TotalSize sums the size of every range matching typ.
func (m *Map) TotalSize(typ Type) uint64 {
	var total uint64
	m.tree.Ascend(func(r Range) bool {
		if r.Type == typ {
			total += r.Size
		}
		return true
	})
	return total
}

// FindFree scans for the first (forward) or last (reverse, when high is
// true) free range of at least minSize bytes whose usable sub-range
// satisfies [lo, hi]. It returns the aligned candidate address within the
// chosen range, or ok=false if none exists.
func FindFree(m *Map, minSize, align, lo, hi uint64, high bool) (addr uint64, ok bool) {
	var best uint64
	found := false

	consider := func(r Range) bool {
		if r.Type != Free {
			return true
		}
		rs, re := r.Start, r.End()
		if rs < lo {
			rs = lo
		}
		if re > hi+1 {
			re = hi + 1
		}
		if re <= rs {
			return true
		}
		var cand uint64
		if high {
			// largest aligned address <= re-minSize
			top := re - minSize
			cand = (top / align) * align
			if cand < rs || cand+minSize > re {
				return true
			}
		} else {
			cand = kmath.AlignUp(rs, align)
			if cand+minSize > re {
				return true
			}
		}
		if !found {
			best, found = cand, true
			return !high // forward search can stop at the first hit
		}
		if high && cand > best {
			best = cand
		}
		return true
	}

	if high {
		m.tree.Descend(func(r Range) bool { return consider(r) })
	} else {
		m.tree.Ascend(func(r Range) bool { return consider(r) })
	}
	return best, found
}
