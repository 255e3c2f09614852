package phys

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kboot-go/kboot/internal/memmap"
)

// SelfManaged is the "self-managed" backend of spec.md §4.2: it owns one
// global memory map seeded by the platform with the machine's usable RAM,
// and answers every Allocate/Free/Protect/Finalize call against that map
// directly (no firmware round-trip).
//
// The usable range is backed by a single host `mmap` anonymous mapping
// (grounded in the teacher's internal/hv/kvm use of golang.org/x/sys/unix to
// back guest RAM) so the addresses handed out during tests are real,
// page-aligned host virtual addresses rather than an opaque arena — exactly
// the property spec.md §8's allocator-bracketing tests need to check.
type SelfManaged struct {
	pageSize uint64
	minAddr  uint64
	maxAddr  uint64

	base   uint64
	region []byte
	m      *memmap.Map
}

// NewSelfManaged maps size bytes of anonymous memory and seeds the map as
// entirely Free. size must be a multiple of pageSize.
func NewSelfManaged(pageSize, size uint64) (*SelfManaged, error) {
	if pageSize == 0 || size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("phys: selfmanaged size %#x must be a nonzero multiple of page size %#x", size, pageSize)
	}
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap physical arena: %w", err)
	}
	base := uint64(uintptrOf(region))

	s := &SelfManaged{
		pageSize: pageSize,
		minAddr:  base,
		maxAddr:  base + size - 1,
		base:     base,
		region:   region,
		m:        memmap.New(pageSize),
	}
	if err := s.m.Insert(base, size, memmap.Free); err != nil {
		_ = unix.Munmap(region)
		return nil, err
	}
	return s, nil
}

// Close releases the host backing store. Not part of the Allocator
// interface; used by tests and by platform shutdown.
func (s *SelfManaged) Close() error {
	return unix.Munmap(s.region)
}

func (s *SelfManaged) PageSize() uint64 { return s.pageSize }
func (s *SelfManaged) MinAddr() uint64  { return s.minAddr }
func (s *SelfManaged) MaxAddr() uint64  { return s.maxAddr }

func (s *SelfManaged) Allocate(size, align, min, max uint64, typ memmap.Type, flags Flags) (uint64, error) {
	if err := validateRequest(s, size, align); err != nil {
		return fail(flags, "%w", err)
	}
	align, min, max = normalizeBounds(s, align, min, max)

	addr, ok := memmap.FindFree(s.m, size, align, min, max, flags.High)
	if !ok {
		return fail(flags, "no free range of %#x bytes aligned to %#x in [%#x, %#x]", size, align, min, max)
	}
	if err := s.m.Insert(addr, size, typ); err != nil {
		return fail(flags, "%w", err)
	}
	return addr, nil
}

func (s *SelfManaged) Free(addr, size uint64) error {
	return s.m.Insert(addr, size, memmap.Free)
}

// MarkRange overwrites [addr, addr+size) with typ directly, for a platform's
// memory_add calls during probe (spec.md §6 "supplies the initial memory
// map... by populating memory_add calls") rather than through Allocate's
// find-free-then-reserve path.
func (s *SelfManaged) MarkRange(addr, size uint64, typ memmap.Type) error {
	return s.m.Insert(addr, size, typ)
}

func (s *SelfManaged) Protect(start, size uint64) error {
	for _, r := range s.m.Ranges() {
		if r.Type != memmap.Free {
			continue
		}
		lo, hi := max64(r.Start, start), min64(r.End(), start+size)
		if lo >= hi {
			continue
		}
		if err := s.m.Insert(lo, hi-lo, memmap.Internal); err != nil {
			return err
		}
	}
	return nil
}

func (s *SelfManaged) Finalize() error {
	for _, r := range s.m.Ranges() {
		if r.Type == memmap.Internal {
			if err := s.m.Insert(r.Start, r.Size, memmap.Free); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SelfManaged) Snapshot() *memmap.Map { return s.m.Snapshot() }

// Bytes returns the host-backed slice for address addr, size bytes long, for
// use by loaders that need to write the OS image/tags directly into
// "physical" memory. addr must fall within [MinAddr(), MaxAddr()].
func (s *SelfManaged) Bytes(addr, size uint64) ([]byte, error) {
	if addr < s.base || addr+size > s.base+uint64(len(s.region)) {
		return nil, fmt.Errorf("phys: [%#x,+%#x) outside managed arena [%#x,+%#x)", addr, size, s.base, len(s.region))
	}
	off := addr - s.base
	return s.region[off : off+size], nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

var _ Allocator = (*SelfManaged)(nil)
