// Package phys implements the two interchangeable physical memory allocator
// backends described in spec.md §4.2 (self-managed and firmware-delegated),
// plus the fixed heap and large allocator used for allocations too small to
// justify a whole page.
package phys

import (
	"errors"
	"fmt"

	"github.com/kboot-go/kboot/internal/memmap"
)

// Flags control an allocation request.
type Flags struct {
	// High selects reverse-order search: the allocator returns the highest
	// suitable address instead of the lowest.
	High bool
	// CanFail suppresses the fatal-boot-error behaviour on failure; the call
	// returns an error wrapping ErrOutOfMemory instead.
	CanFail bool
}

// ErrOutOfMemory is returned (when Flags.CanFail is set) instead of raising a
// fatal boot error.
var ErrOutOfMemory = errors.New("phys: no suitable range available")

// Allocator is satisfied by both backends in §4.2. Both share the same
// contract: failure without CanFail is fatal to the caller (spec.md "Open
// Question" #1 unifies what were two allocators with different failure
// granularity — callers must not depend on either's idiosyncrasies).
type Allocator interface {
	// Allocate reserves size bytes aligned to align (0 means the platform
	// page size) within [min, max], inclusive, and records it as typ. min=0
	// and max=0 mean "use the platform's minimum/maximum addressable
	// physical address".
	Allocate(size, align, min, max uint64, typ memmap.Type, flags Flags) (addr uint64, err error)
	// Free releases a range previously returned by Allocate.
	Free(addr, size uint64) error
	// Protect turns every free sub-range overlapping [start, start+size) into
	// Internal, hiding it from allocation until Finalize.
	Protect(start, size uint64) error
	// Finalize flips every Internal range back to Free. Called once platform
	// setup is complete and the protected regions (e.g. the loader image)
	// are no longer needed.
	Finalize() error
	// Snapshot returns a read-only copy of the allocator's current view of
	// physical memory.
	Snapshot() *memmap.Map
	// PageSize returns the platform page size every size/align argument is a
	// multiple of.
	PageSize() uint64
	// MinAddr and MaxAddr return the platform's default addressable bounds.
	MinAddr() uint64
	MaxAddr() uint64
}

func normalizeBounds(a Allocator, align, min, max uint64) (uint64, uint64, uint64) {
	if align == 0 {
		align = a.PageSize()
	}
	if min == 0 {
		min = a.MinAddr()
	}
	if max == 0 {
		max = a.MaxAddr()
	}
	return align, min, max
}

func validateRequest(a Allocator, size, align uint64) error {
	page := a.PageSize()
	if size == 0 || size%page != 0 {
		return fmt.Errorf("phys: allocation size %#x must be a nonzero multiple of page size %#x", size, page)
	}
	if align%page != 0 {
		return fmt.Errorf("phys: alignment %#x must be a multiple of page size %#x", align, page)
	}
	return nil
}

func fail(flags Flags, format string, args ...any) (uint64, error) {
	err := fmt.Errorf(format, args...)
	if flags.CanFail {
		return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	// Without CanFail, the caller has committed to this allocation succeeding;
	// returning the wrapped error lets the command/loader layer turn it into
	// a fatal boot error (spec.md §7) without phys needing to know about UI.
	return 0, fmt.Errorf("fatal boot allocation failure: %w", err)
}
