// Package platform defines the external-collaborator contract of spec.md
// §6 ("Platform contract (consumed by the core)") and drives the dataflow
// of spec.md §2: platform init -> console/memory/device/filesystem init ->
// configuration parse+execute -> environment has a loader -> user confirms
// -> preboot -> loader load -> never returns.
//
// Concrete implementations (BIOS, UEFI, U-Boot, the in-memory test harness
// in internal/simplatform) are out of scope for this package (spec.md §1):
// it only defines the seam and the orchestration that calls through it.
package platform

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/bootloader"
	"github.com/kboot-go/kboot/internal/bootproto"
	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/config/exec"
	"github.com/kboot-go/kboot/internal/config/parser"
	"github.com/kboot-go/kboot/internal/console"
	"github.com/kboot-go/kboot/internal/device"
	"github.com/kboot-go/kboot/internal/linuxboot"
	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
	"github.com/kboot-go/kboot/internal/vfs"
)

// Platform is the external collaborator spec.md §6 names: concrete BIOS,
// UEFI, U-Boot, or BCM283x/mailbox firmware drivers each implement this,
// along with Console/Disk/Network/Video below. The core never type-asserts
// down to a specific firmware; every call here is the full surface it needs.
type Platform interface {
	// Init performs platform_init(): arch-specific setup that must run
	// before anything else touches memory or devices.
	Init() error
	// MemoryProbe performs platform_memory_probe(): the platform calls add
	// once per usable or reserved physical range it knows about (spec.md §6
	// "supplies the initial memory map... by populating memory_add calls").
	// A platform that instead delegates to a firmware allocator (UEFI Boot
	// Services, U-Boot LMB) returns a non-nil phys.FirmwareMemoryServices
	// from FirmwareMemory instead and MemoryProbe is a no-op.
	MemoryProbe(add func(start, size uint64, typ memmap.Type) error) error
	// FirmwareMemory returns the firmware-delegated memory backend, or nil
	// if this platform is self-managed (spec.md §4.2's two allocator modes).
	FirmwareMemory() phys.FirmwareMemoryServices
	// CurrentTimeMillis implements current_time(): wall-clock milliseconds
	// since an arbitrary platform-chosen epoch, used only for relative
	// measurements (menu countdowns, spin-wait budgets).
	CurrentTimeMillis() int64
	// Pause implements arch_pause(): a hint to the CPU during a busy-wait
	// spin (serial FIFO drain, input poll — spec.md §5).
	Pause()
	// Halt, Reboot and Exit implement target_halt/target_reboot/target_exit:
	// none of them return on success.
	Halt() error
	Reboot() error
	Exit(code int) error
	// Console returns the registered console device (spec.md §6 "console
	// registration"). Must not be nil.
	Console() console.Device
	// Devices returns every device the platform registers up front (spec.md
	// §6 "at least one device registration"); more may be added later via
	// the returned Registry.
	Devices() []*device.Device
	// Filesystems returns the filesystem implementations the platform wants
	// probed, in probe order (spec.md §4.4 "filesystem mount probing").
	Filesystems() []vfs.FSOps
	// ConfigSearchPath returns the ordered list of paths to try on the boot
	// device (spec.md §6 "a fixed list of paths... always ending in
	// boot/kboot.cfg and kboot.cfg"). BootDevice names which registered
	// device to search; empty means "the platform's own default".
	ConfigSearchPath() (bootDevice string, paths []string)
	// Confirm implements the "user confirms" dataflow step (spec.md §2):
	// given the environment about to boot, returns whether to proceed. A
	// platform with no interactive confirmation step (unattended boot)
	// always returns true.
	Confirm(env *config.Environment) bool
}

// System wires a Platform into the full dataflow of spec.md §2. It owns
// exactly the "process-wide singletons" spec.md §9 calls out: one device
// registry, one mount table/resolver, one command registry, one root
// environment.
type System struct {
	Platform Platform
	Alloc    phys.Allocator

	Devices  *device.Registry
	Mounts   *vfs.MountTable
	Resolver *vfs.Resolver
	Commands *exec.Registry
	Boot     *bootloader.Boot

	Sink *console.Sink

	Root *config.Environment

	// NativeLoader, LinuxLoader and ExternalLoaders back the `kboot`,
	// `linux`, and `multiboot`/`efi`/`chain` commands respectively. All are
	// architecture- or platform-specific external collaborators (spec.md §1,
	// §9), so whoever assembles the binary (an arch-specific cmd/ entry
	// point, or internal/simplatform's test harness) sets whichever it has
	// before calling Init; a nil loader makes its command report a config
	// error instead of panicking.
	NativeLoader    *bootproto.Loader
	LinuxLoader     *linuxboot.Loader
	ExternalLoaders map[string]bootloader.Ops
}

// New assembles a System from a Platform and the physical allocator backing
// it (self-managed or firmware-delegated; the caller picks based on
// Platform.FirmwareMemory, since that decision belongs to whoever wires the
// binary together, not to this package).
func New(p Platform, alloc phys.Allocator) *System {
	devices := device.NewRegistry()
	mounts := vfs.NewMountTable(p.Filesystems()...)
	s := &System{
		Platform: p,
		Alloc:    alloc,
		Devices:  devices,
		Mounts:   mounts,
		Resolver: vfs.NewResolver(devices, mounts),
		Commands: exec.NewRegistry(),
		Boot:     bootloader.NewBoot(),
		Sink:     console.NewSink(p.Console()),
		Root:     config.NewEnvironment(),
	}
	return s
}

// Init runs the first two dataflow steps: platform init, then
// console/memory/device/filesystem init (spec.md §2). Devices returned by
// Platform.Devices are registered; the memory map is populated either
// directly (self-managed) or left to the firmware backend.
func (s *System) Init() error {
	if err := s.Platform.Init(); err != nil {
		return fmt.Errorf("platform: init: %w", err)
	}
	if fw := s.Platform.FirmwareMemory(); fw == nil {
		if err := s.Platform.MemoryProbe(func(start, size uint64, typ memmap.Type) error {
			return s.memoryAdd(start, size, typ)
		}); err != nil {
			return fmt.Errorf("platform: memory probe: %w", err)
		}
	}
	for _, dev := range s.Platform.Devices() {
		if err := s.Devices.Register(dev); err != nil {
			return fmt.Errorf("platform: device registration: %w", err)
		}
	}
	exec.RegisterBuiltins(s.Commands, s.Sink, func() *memmap.Map { return s.Alloc.Snapshot() }, s.Platform, s.Platform)
	exec.RegisterShellCommands(s.Commands, s.Resolver, s.Devices, s.Sink)
	exec.RegisterLoaders(s.Commands, s.Resolver, s.NativeLoader, s.LinuxLoader, s.ExternalLoaders)
	return nil
}

// memoryAdd inserts one platform-reported range directly into the
// self-managed allocator's map. Only meaningful when Platform.FirmwareMemory
// is nil; New's caller is expected to have built s.Alloc as a
// *phys.SelfManaged in that case.
func (s *System) memoryAdd(start, size uint64, typ memmap.Type) error {
	type rangeMarker interface {
		MarkRange(start, size uint64, typ memmap.Type) error
	}
	if rm, ok := s.Alloc.(rangeMarker); ok {
		return rm.MarkRange(start, size, typ)
	}
	return fmt.Errorf("platform: allocator %T cannot accept memory_add ranges directly", s.Alloc)
}

// LoadConfig implements the "configuration parse+execute" dataflow step:
// it tries each path in Platform.ConfigSearchPath in order, falling through
// on not-found (spec.md §7 "Retries... config-file path list"), parses the
// first one found, and executes it against root.
func (s *System) LoadConfig(root *config.Environment) error {
	bootDevName, paths := s.Platform.ConfigSearchPath()
	var bootDev *device.Device
	if bootDevName != "" {
		d, ok := s.Devices.Lookup(bootDevName)
		if !ok {
			return fmt.Errorf("platform: unknown boot device %q", bootDevName)
		}
		bootDev = d
	}
	root.Device = bootDev

	var lastErr error
	for _, p := range paths {
		h, st := s.Resolver.Open(p, bootDev, root.Dir, vfs.FlagDecompress)
		if st != vfs.StatusOK {
			lastErr = st
			s.Sink.Debugf("config: %s not found (%v), trying next", p, st)
			continue
		}
		src, err := vfs.ReadAll(h)
		h.Close()
		if err != nil {
			return fmt.Errorf("platform: read %s: %w", p, err)
		}
		cmds, err := parser.NewFromString(p, string(src)).ParseCommandList()
		if err != nil {
			return fmt.Errorf("platform: parse %s: %w", p, err)
		}
		return s.Commands.Exec(cmds, root)
	}
	if lastErr == nil {
		lastErr = vfs.StatusNotFound
	}
	return fmt.Errorf("platform: no configuration file found: %w", lastErr)
}

// Run executes the complete dataflow of spec.md §2 against a fresh root
// environment: init, load+execute the configuration, and — if it bound a
// loader and the platform confirms — hand off via Boot.Run. Run only
// returns on failure; a successful hand-off ends the process from inside
// Boot.Run's call to the loader.
func (s *System) Run() error {
	if err := s.Init(); err != nil {
		return err
	}
	if err := s.LoadConfig(s.Root); err != nil {
		return err
	}
	if s.Root.State != config.LoaderBound {
		return fmt.Errorf("platform: configuration did not bind a loader")
	}
	if !s.Platform.Confirm(s.Root) {
		return fmt.Errorf("platform: boot cancelled by user")
	}
	return s.Boot.Run(s.Root)
}
