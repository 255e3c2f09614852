package arm64

import (
	"errors"
	"fmt"

	"github.com/kboot-go/kboot/internal/bootproto"
	"github.com/kboot-go/kboot/internal/kmath"
	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

// DirectMapBase mirrors amd64's choice of a fixed higher-half direct-map
// base, at an address valid under a 48-bit VA AArch64 translation regime.
const DirectMapBase = 0xffff000000000000

const (
	defaultVMapWindowStart = 0xffff400000000000
	defaultVMapWindowSize  = 1 << 39
	defaultMinAlign        = PageSize
	defaultAlign           = 2 * 1024 * 1024
)

// Jump is the external collaborator performing the actual exception-level
// register setup and branch into the kernel; see amd64.Jump's doc comment
// for why this boundary exists (spec.md §9).
type Jump func(args bootproto.TrampolineArgs) error

// Arch implements bootproto.Arch for AArch64.
type Arch struct {
	Alloc   phys.Allocator
	EL2Boot bool // false only in tests exercising the capability-check failure path
	Jump    Jump
}

func (a *Arch) CheckCapability(hdr bootproto.ImageHeader) error {
	if !a.EL2Boot {
		return errors.New("arm64: kernel requires entry at EL2 or higher")
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

func (a *Arch) BuildPageTables(img *bootproto.Image, imagePhys, imageSize uint64, mem *memmap.Map) (uint64, uint32, uint32, error) {
	pt, err := NewPageTables(a.Alloc)
	if err != nil {
		return 0, 0, 0, err
	}

	imageSpan := kmath.AlignUp(imageSize, PageSize)
	if err := pt.MapRange(imagePhys, imagePhys, imageSpan, true, false); err != nil {
		return 0, 0, 0, fmt.Errorf("arm64: map image: %w", err)
	}

	for _, r := range mem.Ranges() {
		if err := pt.MapRange(DirectMapBase+r.Start, r.Start, r.Size, true, true); err != nil {
			return 0, 0, 0, fmt.Errorf("arm64: direct-map range %#x: %w", r.Start, err)
		}
	}

	nextFree := img.Load.VMapWindowStart
	windowEnd := img.Load.VMapWindowStart + img.Load.VMapWindowSize
	for _, m := range img.Mappings {
		virt := m.Virt
		if virt == bootproto.MappingAny {
			virt = kmath.AlignUp(nextFree, PageSize)
			if virt+m.Size > windowEnd {
				return 0, 0, 0, fmt.Errorf("arm64: mapping request of %#x bytes does not fit in virtual-map window", m.Size)
			}
			nextFree = virt + m.Size
		}
		if err := pt.MapRange(virt, m.Phys, kmath.AlignUp(m.Size, PageSize), true, m.Cache == bootproto.CacheUncached); err != nil {
			return 0, 0, 0, fmt.Errorf("arm64: honour mapping request: %w", err)
		}
	}

	if err := pt.RecursiveSelfMap(img.Load.VMapWindowStart, img.Load.VMapWindowSize); err != nil {
		return 0, 0, 0, err
	}

	return pt.RootPhys, pt.TableCount(), pt.SelfMapSlot, nil
}

func (a *Arch) Enter(args bootproto.TrampolineArgs) error {
	if a.Jump == nil {
		return errors.New("arm64: no trampoline jump installed")
	}
	trampPhys, err := a.Alloc.Allocate(PageSize, PageSize, 0, 0, memmap.Internal, phys.Flags{})
	if err != nil {
		return fmt.Errorf("arm64: allocate trampoline scratch page: %w", err)
	}
	tramp, err := NewPageTables(a.Alloc)
	if err != nil {
		return fmt.Errorf("arm64: build trampoline address space: %w", err)
	}
	if err := tramp.MapPage(trampPhys, trampPhys, true, false); err != nil {
		return fmt.Errorf("arm64: identity-map trampoline page: %w", err)
	}
	args.TrampolineCR3 = tramp.RootPhys
	if args.TrampolineVirt == 0 {
		args.TrampolineVirt = trampPhys
	}
	return a.Jump(args)
}

var _ bootproto.Arch = (*Arch)(nil)
