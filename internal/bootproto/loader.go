package bootproto

import (
	"encoding/binary"
	"fmt"

	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

// Arch is the architecture-specific collaborator the native loader defers
// to for everything spec.md §4.7 calls out as machine-dependent: capability
// checks, default LOAD constraints, page table construction, the
// recursive self-map slot, and the trampoline handoff itself. A real
// amd64/arm64 implementation lives in internal/arch/*; the trampoline's
// actual machine code is an external collaborator per spec.md §9 and is
// never expressed as Go source here.
type Arch interface {
	// CheckCapability validates hdr against what this machine can run
	// (e.g. "64-bit kernel requires long-mode CPU"), spec.md §4.7 step 1.
	CheckCapability(hdr ImageHeader) error
	// DefaultLoadConstraints fills in any zero fields of lc with
	// architecture defaults, spec.md §4.7 step 2.
	DefaultLoadConstraints(lc LoadConstraints) LoadConstraints
	// DirectMapBase is the conventional physical-memory direct-map virtual
	// base, spec.md §4.7 step 4.
	DirectMapBase() uint64
	// BuildPageTables maps the image at its requested virtual addresses,
	// honours every mapping, maps all of memory at DirectMapBase, resolves
	// virt=MappingAny requests by first-fit allocation from the
	// virtual-map window, and adds the recursive self-map
	// (spec.md §4.7 steps 4 and 6). It returns the root table's physical
	// address, the number of tables used, and the self-map's top-level
	// slot index.
	BuildPageTables(img *Image, imagePhys, imageSize uint64, mem *memmap.Map) (rootPhys uint64, tableCount uint32, selfMapSlot uint32, err error)
	// Enter performs spec.md §4.7 step 7: interrupts off, cache flush,
	// trampoline argument block population, and the jump. It does not
	// return on success.
	Enter(args TrampolineArgs) error
}

// TrampolineArgs is the small argument block spec.md §4.7 step 7 names:
// (trampoline_cr3, trampoline_virt, kernel_cr3, sp, entry, tags_virt).
type TrampolineArgs struct {
	TrampolineCR3  uint64
	TrampolineVirt uint64
	KernelCR3      uint64
	StackPointer   uint64
	Entry          uint64
	TagsVirt       uint64
}

// ImageSource supplies the raw bytes of a loadable image and the note data
// ParseImage consumes; the caller extracts both from a mounted filesystem
// handle via internal/vfs, honouring its own container format (ELF, ...).
type ImageSource struct {
	NoteData   []byte
	ImageBytes []byte
}

// ModuleFile is a user-supplied module to stage into memory beside the kernel
// (an initramfs, a second-stage binary, ...).
type ModuleFile struct {
	Name string
	Data []byte
}

// LoadOptions carries the per-boot inputs the native loader needs beyond
// the image itself: extra modules, a video mode if one is active, the
// boot device identity, and option values resolved from the configuration
// environment for any OPTION tags the image declared.
type LoadOptions struct {
	Modules     []ModuleFile
	Video       *Video
	BootDevice  BootDevice
	Serial      *Serial
	OptionVals  map[string]uint64
	LogBuffer   Log
}

// Loader drives the native tag protocol's load pipeline (spec.md §4.7).
type Loader struct {
	Arch  Arch
	Alloc phys.Allocator
}

func NewLoader(arch Arch, alloc phys.Allocator) *Loader {
	return &Loader{Arch: arch, Alloc: alloc}
}

// Load runs the full pipeline and, on success, calls Arch.Enter which does
// not return. It returns an error only for failures detected before step 3
// (spec.md §4.7 "Failure policy": anything after that point has already
// mutated the memory map and is unconditionally fatal, so this function
// either returns before mutating anything or does not return at all).
func (l *Loader) Load(src ImageSource, opts LoadOptions) error {
	img, err := ParseImage(src.NoteData)
	if err != nil {
		return fmt.Errorf("bootproto: parse image: %w", err)
	}
	if err := l.Arch.CheckCapability(img.Header); err != nil {
		return fmt.Errorf("bootproto: capability check failed: %w", err)
	}
	img.Load = l.Arch.DefaultLoadConstraints(img.Load)

	// Step 3: allocate a physical region satisfying LOAD constraints.
	imageSize := uint64(len(src.ImageBytes))
	align := img.Load.Align
	if align == 0 {
		align = img.Load.MinAlign
	}
	var imagePhys uint64
	if img.Load.HasFixedBase {
		imagePhys = img.Load.FixedBase
		if err := l.Alloc.Protect(imagePhys, imageSize); err != nil {
			return fmt.Errorf("bootproto: reserve fixed base %#x: %w", imagePhys, err)
		}
	} else {
		imagePhys, err = l.Alloc.Allocate(alignToPage(imageSize, l.Alloc.PageSize()), align, 0, 0, memmap.Modules, phys.Flags{})
		if err != nil {
			return fmt.Errorf("bootproto: allocate image region: %w", err)
		}
	}

	// From here on, failures are unconditionally fatal: the memory map has
	// been mutated (spec.md §4.7 "Failure policy").
	snap := l.Alloc.Snapshot()

	rootPhys, tableCount, selfMapSlot, err := l.Arch.BuildPageTables(img, imagePhys, imageSize, snap)
	if err != nil {
		panic(fmt.Sprintf("bootproto: build page tables: %v", err))
	}

	stackSize := uint64(64 * 1024)
	stackPhys, err := l.Alloc.Allocate(stackSize, l.Alloc.PageSize(), 0, 0, memmap.Stack, phys.Flags{})
	if err != nil {
		panic(fmt.Sprintf("bootproto: allocate kernel stack: %v", err))
	}

	entryVirt := imagePhys

	b := NewBuilder()
	// TagsVirt is patched in after the tag list's own physical home is
	// allocated below, since its size depends on every tag emitted
	// including this CORE tag itself.
	b.EmitCore(CoreInfo{Version: img.Header.Version, EntryVirt: entryVirt})
	b.EmitVMem(VMem{
		DirectMapBase: l.Arch.DirectMapBase(),
		WindowStart:   img.Load.VMapWindowStart,
		WindowSize:    img.Load.VMapWindowSize,
		SelfMapSlot:   selfMapSlot,
	})
	for _, rng := range snap.Ranges() {
		b.EmitMemory(MemoryRegion{Base: rng.Start, Length: rng.Size, Type: uint32(rng.Type)})
	}
	for _, m := range opts.Modules {
		modSize := alignToPage(uint64(len(m.Data)), l.Alloc.PageSize())
		modPhys, err := l.Alloc.Allocate(modSize, l.Alloc.PageSize(), 0, 0, memmap.Modules, phys.Flags{})
		if err != nil {
			panic(fmt.Sprintf("bootproto: allocate module %q: %v", m.Name, err))
		}
		writeModule(l.Alloc, modPhys, m.Data)
		b.EmitModule(Module{Base: modPhys, Length: uint64(len(m.Data)), Name: m.Name})
	}
	for name, val := range opts.OptionVals {
		b.EmitOption(Option{Name: name, Value: val})
	}
	b.EmitBootDev(opts.BootDevice)
	if opts.Video != nil {
		b.EmitVideo(*opts.Video)
	}
	if opts.Serial != nil {
		b.EmitSerial(*opts.Serial)
	}
	b.EmitLog(opts.LogBuffer)
	b.EmitPageTables(PageTables{RootPhys: rootPhys, Count: tableCount})
	if img.Header.RequestSections {
		b.EmitSections(Sections{Base: imagePhys, Size: imageSize})
	}
	tags := b.Finish()
	tagsPhys, err := l.Alloc.Allocate(alignToPage(uint64(len(tags)), l.Alloc.PageSize()), l.Alloc.PageSize(), 0, 0, memmap.Internal, phys.Flags{})
	if err != nil {
		panic(fmt.Sprintf("bootproto: allocate tag list: %v", err))
	}
	// Patch the CORE tag's TagsVirt field (bytes 20:28: 8-byte tag header +
	// 12-byte CORE body offset to the field) now that the tag list's own
	// address is known.
	binary.LittleEndian.PutUint64(tags[20:28], tagsPhys)
	writeModule(l.Alloc, tagsPhys, tags)

	args := TrampolineArgs{
		KernelCR3:    rootPhys,
		StackPointer: stackPhys + stackSize,
		Entry:        entryVirt,
		TagsVirt:     tagsPhys,
	}
	if err := l.Arch.Enter(args); err != nil {
		panic(fmt.Sprintf("bootproto: enter: %v", err))
	}
	return nil
}

// alignToPage rounds n up to the next multiple of page, with a minimum of
// one page (Allocate rejects a zero-size request).
func alignToPage(n, page uint64) uint64 {
	if n == 0 {
		return page
	}
	return (n + page - 1) &^ (page - 1)
}

// writeModule copies data into the allocator-backed physical memory at
// addr. Only phys.SelfManaged exposes a direct byte view; a
// firmware-delegated allocator would require its own write path through
// firmware memory services, left as a follow-on for that backend.
func writeModule(alloc phys.Allocator, addr uint64, data []byte) {
	sm, ok := alloc.(*phys.SelfManaged)
	if !ok {
		return
	}
	buf, err := sm.Bytes(addr, uint64(len(data)))
	if err != nil {
		panic(fmt.Sprintf("bootproto: write to physical memory at %#x: %v", addr, err))
	}
	copy(buf, data)
}
