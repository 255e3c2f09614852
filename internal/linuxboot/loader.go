// Package linuxboot implements the Linux boot protocol loader of spec.md
// §4.8: bit-exact header validation at file offset 0x1f1, zero-page
// construction, and transfer via either the legacy protected-mode entry
// or the EFI handover entry point.
//
// Adapted directly from the teacher's internal/linux/boot/amd64 package
// (bzimage.go, offsets.go, load.go, bootparams.go): the byte-offset table
// and header parsing are kept verbatim, since they encode the Linux
// kernel's own wire format and are correct regardless of what is on the
// other end of the write. What changes is the write path itself — the
// teacher writes into a hv.VirtualMachine's guest memory; this loader
// writes into a phys.Allocator-backed physical address space, since this
// repository is the firmware itself rather than a hypervisor presenting
// memory to a guest.
package linuxboot

import (
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

// byteWriter is satisfied by phys.SelfManaged; see bootproto.writeModule
// for the same pattern applied to the native loader.
type byteWriter interface {
	Bytes(addr, size uint64) ([]byte, error)
}

// LegacyEntry is the external collaborator that sets up protected-mode
// registers (or, for a true 16-bit boot sector entry, real-mode segment
// registers) and transfers control to the kernel's own entry point
// (spec.md §4.8 "sets up real-mode registers and jumps to the 16-bit
// entry"; the CPU-mode switch itself is architecture-specific machine
// code per spec.md §9 and is never expressed in Go here).
type LegacyEntry func(entry32 uint64, zeroPageAddr uint64) error

// EFIHandoverEntry transfers control via the kernel's EFI handover
// protocol entry point, passing the firmware system table pointer through
// unmodified (spec.md §4.8 "transfers via the handover entry point
// instead of the legacy 16-bit entry").
type EFIHandoverEntry func(handoverAddr, systemTable, zeroPageAddr uint64) error

// Loader drives the bzImage load pipeline.
type Loader struct {
	Alloc    phys.Allocator
	Legacy   LegacyEntry
	Handover EFIHandoverEntry
}

func NewLoader(alloc phys.Allocator, legacy LegacyEntry, handover EFIHandoverEntry) *Loader {
	return &Loader{Alloc: alloc, Legacy: legacy, Handover: handover}
}

// LoadOptions carries the per-boot inputs beyond the raw kernel bytes.
type LoadOptions struct {
	Cmdline string
	Initrd  []byte
	// EFISystemTable is non-zero when running under EFI firmware and
	// enables the handover path when the kernel supports it.
	EFISystemTable uint64
}

// Load validates data as a bzImage, places it (and any initrd) in
// physical memory, builds the zero page, and transfers control. It
// returns an error only for failures detected before a physical region is
// committed; as with bootproto.Loader, anything after that point is
// unconditionally fatal (spec.md §4.7's "no rollback" failure policy
// applies equally here — the memory map has already been mutated).
func (l *Loader) Load(data []byte, opts LoadOptions) error {
	img, err := ParseBzImage(data)
	if err != nil {
		return fmt.Errorf("linuxboot: %w", err)
	}
	if semver.Compare(protocolVersionString(img.Header.ProtocolVersion), minProtocolVersionString) < 0 {
		return fmt.Errorf("linuxboot: protocol version %#x below minimum %#x", img.Header.ProtocolVersion, minProtocolVersion)
	}

	writer, ok := l.Alloc.(byteWriter)
	if !ok {
		return fmt.Errorf("linuxboot: allocator %T cannot be written to directly", l.Alloc)
	}

	payload := img.Payload()
	span := uint64(len(payload))
	if init := uint64(img.Header.InitSize); init > span {
		span = init
	}

	loadAddr, err := l.placeKernel(img, span)
	if err != nil {
		return fmt.Errorf("linuxboot: place kernel: %w", err)
	}

	// From here on, the memory map has been mutated and failures are
	// unconditionally fatal (spec.md §4.7 "Failure policy", carried here
	// since the Linux loader mutates the same physical allocator).
	if err := writePhys(writer, loadAddr, payload); err != nil {
		panic(fmt.Sprintf("linuxboot: write kernel payload: %v", err))
	}

	zeroPageAddr, err := l.Alloc.Allocate(zeroPageSize, l.Alloc.PageSize(), 0, 0, memmap.Internal, phys.Flags{})
	if err != nil {
		panic(fmt.Sprintf("linuxboot: allocate zero page: %v", err))
	}
	cmdlineBytes := EncodeCmdline(opts.Cmdline)
	cmdlineAddr, err := l.Alloc.Allocate(kmathAlign(uint64(len(cmdlineBytes)), l.Alloc.PageSize()), l.Alloc.PageSize(), 0, 0, memmap.Internal, phys.Flags{})
	if err != nil {
		panic(fmt.Sprintf("linuxboot: allocate command line: %v", err))
	}
	if err := writePhys(writer, cmdlineAddr, cmdlineBytes); err != nil {
		panic(fmt.Sprintf("linuxboot: write command line: %v", err))
	}

	in := ZeroPageInputs{
		LoadAddr:    loadAddr,
		Cmdline:     opts.Cmdline,
		CmdlineAddr: cmdlineAddr,
		E820:        buildE820(l.Alloc.Snapshot()),
	}

	if len(opts.Initrd) > 0 {
		initrdAddr, err := l.Alloc.Allocate(kmathAlign(uint64(len(opts.Initrd)), l.Alloc.PageSize()), l.Alloc.PageSize(), 0, uint64(img.Header.InitrdAddrMax), memmap.Modules, phys.Flags{})
		if err != nil {
			panic(fmt.Sprintf("linuxboot: allocate initrd: %v", err))
		}
		if err := writePhys(writer, initrdAddr, opts.Initrd); err != nil {
			panic(fmt.Sprintf("linuxboot: write initrd: %v", err))
		}
		in.InitrdAddr = initrdAddr
		in.InitrdSize = uint32(len(opts.Initrd))
	}

	zp, err := BuildZeroPage(img, in)
	if err != nil {
		panic(fmt.Sprintf("linuxboot: build zero page: %v", err))
	}
	if err := writePhys(writer, zeroPageAddr, zp); err != nil {
		panic(fmt.Sprintf("linuxboot: write zero page: %v", err))
	}

	is64Bit := img.Header.XLoadFlags&xlfKernel64 != 0
	if opts.EFISystemTable != 0 && img.SupportsEFIHandover(is64Bit) {
		if l.Handover == nil {
			panic("linuxboot: kernel supports EFI handover but no handover entry installed")
		}
		handoverAddr := img.HandoverEntry(loadAddr, is64Bit)
		if err := l.Handover(handoverAddr, opts.EFISystemTable, zeroPageAddr); err != nil {
			panic(fmt.Sprintf("linuxboot: EFI handover entry: %v", err))
		}
		return nil
	}
	if l.Legacy == nil {
		panic("linuxboot: no legacy entry installed")
	}
	if err := l.Legacy(loadAddr, zeroPageAddr); err != nil {
		panic(fmt.Sprintf("linuxboot: legacy entry: %v", err))
	}
	return nil
}

// placeKernel selects and reserves the kernel's physical load address per
// spec.md §4.8: a relocatable kernel is allocated anywhere satisfying its
// declared alignment; a non-relocatable one must land at its preferred
// (or protocol-default 0x100000) address.
func (l *Loader) placeKernel(img *Image, span uint64) (uint64, error) {
	pageSize := l.Alloc.PageSize()
	alignedSpan := kmathAlign(span, pageSize)

	if img.Header.RelocatableKernel != 0 {
		align := uint64(img.Header.KernelAlignment)
		if align == 0 {
			align = pageSize
		}
		return l.Alloc.Allocate(alignedSpan, kmathAlign(align, pageSize), 0, 0, memmap.Modules, phys.Flags{})
	}

	fixed := img.Header.PrefAddress
	if fixed == 0 {
		fixed = defaultLoadAddress
	}
	if fixed < l.Alloc.MinAddr() || fixed+alignedSpan-1 > l.Alloc.MaxAddr() {
		return 0, fmt.Errorf("fixed load address %#x not within managed memory [%#x, %#x]", fixed, l.Alloc.MinAddr(), l.Alloc.MaxAddr())
	}
	if err := l.Alloc.Protect(fixed, alignedSpan); err != nil {
		return 0, fmt.Errorf("reserve fixed load address %#x: %w", fixed, err)
	}
	return fixed, nil
}

// buildE820 translates the allocator's current memory map into the Linux
// boot protocol's e820 table, capped at e820MaxEntries (spec.md §4.8).
// Types other than Free/Reclaimable are reported reserved: the kernel only
// needs to know what it must not touch before its own allocator takes
// over.
func buildE820(m *memmap.Map) []E820Entry {
	ranges := m.Ranges()
	if len(ranges) > e820MaxEntries {
		ranges = ranges[:e820MaxEntries]
	}
	out := make([]E820Entry, 0, len(ranges))
	for _, r := range ranges {
		typ := e820TypeReserved
		if r.Type == memmap.Free || r.Type == memmap.Reclaimable {
			typ = e820TypeRAM
		}
		out = append(out, E820Entry{Addr: r.Start, Size: r.Size, Type: typ})
	}
	return out
}

func writePhys(w byteWriter, addr uint64, data []byte) error {
	buf, err := w.Bytes(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func kmathAlign(v, align uint64) uint64 {
	if v == 0 {
		return align
	}
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

const (
	// minProtocolVersion is the Linux boot protocol's own bzImage field
	// encoding: high byte major, low byte minor (0x0206 = protocol 2.6).
	minProtocolVersion       = 0x0206
	minProtocolVersionString = "v2.6.0"
	defaultLoadAddress       = 0x00100000
)

// protocolVersionString turns the on-disk major/minor encoding into a
// semver string so the minimum-version gate can go through
// golang.org/x/mod/semver (the same library the teacher uses for its own
// release-version gating in internal/update/update.go) instead of a bare
// integer comparison.
func protocolVersionString(v uint16) string {
	return fmt.Sprintf("v%d.%d.0", v>>8, v&0xff)
}
