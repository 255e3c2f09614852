package phys

import "unsafe"

// uintptrOf returns the host virtual address backing an mmap'd slice. This
// is the one place the allocator touches unsafe.Pointer: it needs a stable
// numeric address to hand out as the "physical" base, and Go guarantees an
// mmap'd region (never moved by the GC, since it is not GC-managed memory)
// keeps the same backing address for its lifetime.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
