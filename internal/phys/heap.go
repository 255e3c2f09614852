package phys

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/container"
	"github.com/kboot-go/kboot/internal/ksort"
)

// chunk describes one block of the fixed heap's backing array: either free
// (available for reuse) or allocated (owned by a caller).
type chunk struct {
	offset int
	size   int
	free   bool
}

// FixedHeap is a first-fit allocator with coalescing-on-free over a
// fixed-size static byte buffer, used for allocations too small to justify a
// whole page (spec.md §4.2 "Fixed heap"). A container.List of chunk headers
// plays the role of the doubly-linked chunk list in the original design,
// without any address-arithmetic container_of.
type FixedHeap struct {
	buf    []byte
	chunks container.List[chunk]
	// live maps an allocation's start offset to its list element, so Free and
	// Realloc can locate and merge without a linear scan.
	live map[int]container.Elem[chunk]
}

// NewFixedHeap allocates a capacity-byte arena entirely free.
func NewFixedHeap(capacity int) *FixedHeap {
	h := &FixedHeap{
		buf:  make([]byte, capacity),
		live: make(map[int]container.Elem[chunk]),
	}
	h.chunks.PushBack(chunk{offset: 0, size: capacity, free: true})
	return h
}

// Alloc reserves size bytes, first-fit, returning the backing slice. Returns
// nil if the heap has no sufficiently large free chunk.
func (h *FixedHeap) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	var found container.Elem[chunk]
	ok := false
	h.chunks.Each(func(c chunk) bool {
		if c.free && c.size >= size {
			found = h.findElem(c.offset)
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return nil
	}
	c := found.Value()
	if c.size > size {
		// Split: shrink this chunk to `size` and insert the remainder as a new
		// free chunk immediately after it.
		remainder := chunk{offset: c.offset + size, size: c.size - size, free: true}
		if found.HasNext() {
			h.chunks.InsertBefore(found.Next(), remainder)
		} else {
			h.chunks.PushBack(remainder)
		}
		h.live[remainder.offset] = h.findElem(remainder.offset)
	}
	c.size = size
	c.free = false
	found.Set(c)
	h.live[c.offset] = found
	return h.buf[c.offset : c.offset+size]
}

// findElem scans for the list element whose chunk starts at offset,
// returning the zero Elem if no chunk starts there.
func (h *FixedHeap) findElem(offset int) container.Elem[chunk] {
	var result container.Elem[chunk]
	e, ok := h.chunks.Front()
	for ok {
		if e.Value().offset == offset {
			return e
		}
		if !e.HasNext() {
			break
		}
		e = e.Next()
	}
	return result
}

// Free releases a slice previously returned by Alloc or Realloc, coalescing
// with free neighbours. Freeing an offset not currently allocated is an
// internal_error-class bug (spec.md §8.3 "no double-free goes undetected")
// and panics rather than silently corrupting the heap.
func (h *FixedHeap) Free(p []byte) {
	if len(p) == 0 {
		return
	}
	offset := int(uintptrOf(p) - uintptrOf(h.buf))
	e, ok := h.live[offset]
	if !ok {
		panic(fmt.Sprintf("phys: double free or invalid pointer at heap offset %#x", offset))
	}
	c := e.Value()
	c.free = true
	e.Set(c)
	delete(h.live, offset)
	h.coalesce(e)
}

func (h *FixedHeap) coalesce(e container.Elem[chunk]) {
	if e.HasNext() {
		next := e.Next()
		nc := next.Value()
		if nc.free {
			c := e.Value()
			c.size += nc.size
			e.Set(c)
			h.chunks.Remove(next)
		}
	}
	if e.HasPrev() {
		prev := e.Prev()
		pc := prev.Value()
		if pc.free {
			c := e.Value()
			pc.size += c.size
			prev.Set(pc)
			h.chunks.Remove(e)
		}
	}
}

// Realloc resizes p to newSize, allocating a fresh chunk and copying if the
// current chunk cannot be grown in place.
func (h *FixedHeap) Realloc(p []byte, newSize int) []byte {
	if p == nil {
		return h.Alloc(newSize)
	}
	offset := int(uintptrOf(p) - uintptrOf(h.buf))
	e, ok := h.live[offset]
	if !ok {
		panic("phys: realloc of invalid pointer")
	}
	c := e.Value()
	if newSize <= c.size {
		return h.buf[c.offset : c.offset+newSize]
	}
	out := h.Alloc(newSize)
	if out == nil {
		return nil
	}
	copy(out, h.buf[c.offset:c.offset+c.size])
	h.Free(p)
	return out
}

// Stats reports the largest single free chunk and total free bytes, used by
// tests asserting no fragmentation growth.
func (h *FixedHeap) Stats() (largestFree, totalFree int) {
	h.chunks.Each(func(c chunk) bool {
		if c.free {
			totalFree += c.size
			if c.size > largestFree {
				largestFree = c.size
			}
		}
		return true
	})
	return
}

// FreeChunkSizes returns the sizes of every free chunk, ascending. Used by
// tests asserting that a free followed by an equal-or-smaller allocation
// reuses space rather than growing fragmentation (spec's heap-correctness
// requirement).
func (h *FixedHeap) FreeChunkSizes() []int {
	var sizes []int
	h.chunks.Each(func(c chunk) bool {
		if c.free {
			sizes = append(sizes, c.size)
		}
		return true
	})
	ksort.Ints(sizes)
	return sizes
}
