package amd64

import (
	"errors"
	"fmt"

	"github.com/kboot-go/kboot/internal/bootproto"
	"github.com/kboot-go/kboot/internal/kmath"
	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

// DirectMapBase is the conventional higher-half virtual base amd64 kernels
// expect all of physical memory mapped at (spec.md §4.7 step 4).
const DirectMapBase = 0xffff800000000000

// defaultVMapWindowStart/Size bound the virtual space the loader may hand
// out to MAPPING tags requesting virt=-1 (spec.md "virtual-map window"),
// chosen below the recursive self-map's usual top slot and above the
// direct map.
const (
	defaultVMapWindowStart = 0xffffa00000000000
	defaultVMapWindowSize  = 1 << 39 // 512 GiB
	defaultMinAlign        = PageSize
	defaultAlign           = 2 * 1024 * 1024
)

// Jump is the external collaborator that performs the actual CR3 switch
// and far jump into the kernel (spec.md §9: "the trampoline... is
// inherently not expressible [in Go]; the surrounding logic... is
// language-neutral"). Production platforms install a Jump backed by a
// small block of hand-written assembly; tests install a fake that records
// the args it was given.
type Jump func(args bootproto.TrampolineArgs) error

// Arch implements bootproto.Arch for x86-64.
type Arch struct {
	Alloc       phys.Allocator
	LongModeCPU bool // false only in test doubles exercising the capability-check failure path
	Jump        Jump
}

func (a *Arch) CheckCapability(hdr bootproto.ImageHeader) error {
	if !a.LongModeCPU {
		return errors.New("amd64: 64-bit kernel requires a long-mode-capable CPU")
	}
	return nil
}

func (a *Arch) DefaultLoadConstraints(lc bootproto.LoadConstraints) bootproto.LoadConstraints {
	if lc.MinAlign == 0 {
		lc.MinAlign = defaultMinAlign
	}
	if lc.Align == 0 {
		lc.Align = defaultAlign
	}
	if lc.VMapWindowStart == 0 && lc.VMapWindowSize == 0 {
		lc.VMapWindowStart = defaultVMapWindowStart
		lc.VMapWindowSize = defaultVMapWindowSize
	}
	return lc
}

func (a *Arch) DirectMapBase() uint64 { return DirectMapBase }

// BuildPageTables implements spec.md §4.7 steps 4 and 6: identity-maps the
// image at its own physical address (the native loader's convention of
// entryVirt == imagePhys, see bootproto.Loader.Load), maps all of memory
// at DirectMapBase, honours every MAPPING tag (first-fit from the
// virtual-map window for virt == MappingAny), and installs the recursive
// self-map.
func (a *Arch) BuildPageTables(img *bootproto.Image, imagePhys, imageSize uint64, mem *memmap.Map) (uint64, uint32, uint32, error) {
	pt, err := NewPageTables(a.Alloc)
	if err != nil {
		return 0, 0, 0, err
	}

	imageSpan := kmath.AlignUp(imageSize, PageSize)
	if err := pt.MapRange(imagePhys, imagePhys, imageSpan, true, false); err != nil {
		return 0, 0, 0, fmt.Errorf("amd64: map image: %w", err)
	}

	for _, r := range mem.Ranges() {
		if err := pt.MapRange(DirectMapBase+r.Start, r.Start, r.Size, true, true); err != nil {
			return 0, 0, 0, fmt.Errorf("amd64: direct-map range %#x: %w", r.Start, err)
		}
	}

	nextFree := img.Load.VMapWindowStart
	windowEnd := img.Load.VMapWindowStart + img.Load.VMapWindowSize
	for _, m := range img.Mappings {
		virt := m.Virt
		if virt == bootproto.MappingAny {
			virt = kmath.AlignUp(nextFree, PageSize)
			if virt+m.Size > windowEnd {
				return 0, 0, 0, fmt.Errorf("amd64: mapping request of %#x bytes does not fit in virtual-map window", m.Size)
			}
			nextFree = virt + m.Size
		}
		if err := pt.MapRange(virt, m.Phys, kmath.AlignUp(m.Size, PageSize), true, m.Cache == bootproto.CacheUncached); err != nil {
			return 0, 0, 0, fmt.Errorf("amd64: honour mapping request: %w", err)
		}
	}

	if err := pt.RecursiveSelfMap(img.Load.VMapWindowStart, img.Load.VMapWindowSize); err != nil {
		return 0, 0, 0, err
	}

	return pt.RootPhys, pt.TableCount(), pt.SelfMapSlot, nil
}

// Enter implements spec.md §4.7 step 7. It allocates a scratch trampoline
// page and identity-maps it in a fresh trampoline address space, recording
// both in args (nothing is written into the page itself), then delegates
// the actual address-space switch and control transfer to the Jump
// collaborator.
func (a *Arch) Enter(args bootproto.TrampolineArgs) error {
	if a.Jump == nil {
		return errors.New("amd64: no trampoline jump installed")
	}
	trampPhys, err := a.Alloc.Allocate(PageSize, PageSize, 0, 0, memmap.Internal, phys.Flags{})
	if err != nil {
		return fmt.Errorf("amd64: allocate trampoline scratch page: %w", err)
	}
	tramp, err := NewPageTables(a.Alloc)
	if err != nil {
		return fmt.Errorf("amd64: build trampoline address space: %w", err)
	}
	if err := tramp.MapPage(trampPhys, trampPhys, true, false); err != nil {
		return fmt.Errorf("amd64: identity-map trampoline page: %w", err)
	}
	args.TrampolineCR3 = tramp.RootPhys
	if args.TrampolineVirt == 0 {
		args.TrampolineVirt = trampPhys
	}
	return a.Jump(args)
}

var _ bootproto.Arch = (*Arch)(nil)
