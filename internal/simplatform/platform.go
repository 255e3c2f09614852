package simplatform

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/console"
	"github.com/kboot-go/kboot/internal/device"
	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
	"github.com/kboot-go/kboot/internal/vfs"
)

// DiskSpec describes one in-memory disk device a Fixture registers.
type DiskSpec struct {
	// BlockSize defaults to 512 if zero.
	BlockSize uint32 `yaml:"block_size,omitempty"`
	// BlockCount allocates a zero-filled disk this many blocks long. Ignored
	// if Base64 is set.
	BlockCount uint64 `yaml:"block_count,omitempty"`
	// Base64 supplies exact initial bytes (e.g. a partition table and boot
	// sector), padded up to a whole number of blocks.
	Base64 string `yaml:"base64,omitempty"`
}

// FilesystemSpec binds a fixture filesystem tree to one of the fixture's
// devices.
type FilesystemSpec struct {
	Device          string   `yaml:"device"`
	CaseInsensitive bool     `yaml:"case_insensitive,omitempty"`
	Label           string   `yaml:"label,omitempty"`
	UUID            string   `yaml:"uuid,omitempty"`
	Root            FileSpec `yaml:"root"`
}

// MemoryReservation describes a range the fixture wants marked as something
// other than Free, expressed relative to the self-managed allocator's own
// arena base rather than as an absolute address: the arena is backed by an
// anonymous mmap whose address is only known once the allocator has been
// constructed (see ResolveMemory).
type MemoryReservation struct {
	Offset uint64 `yaml:"offset"`
	Size   uint64 `yaml:"size"`
	// Type names a memmap.Type: "allocated", "reclaimable", "pagetables",
	// "stack", "modules" or "internal". Defaults to "allocated".
	Type string `yaml:"type,omitempty"`
}

func parseMemType(name string) (memmap.Type, error) {
	switch name {
	case "", "allocated":
		return memmap.Allocated, nil
	case "free":
		return memmap.Free, nil
	case "reclaimable":
		return memmap.Reclaimable, nil
	case "pagetables":
		return memmap.PageTables, nil
	case "stack":
		return memmap.Stack, nil
	case "modules":
		return memmap.Modules, nil
	case "internal":
		return memmap.Internal, nil
	default:
		return 0, fmt.Errorf("simplatform: unknown memory type %q", name)
	}
}

// Fixture is the top-level YAML document describing a simulated platform:
// its devices, the filesystems mounted on them, and the boot configuration
// search path (spec.md §6 "Platform contract").
type Fixture struct {
	Disks               map[string]DiskSpec `yaml:"disks,omitempty"`
	Filesystems         []FilesystemSpec    `yaml:"filesystems,omitempty"`
	MemoryReservations  []MemoryReservation `yaml:"memory_reservations,omitempty"`
	BootDevice          string              `yaml:"boot_device"`
	ConfigSearchPaths   []string            `yaml:"config_search_paths"`
	ConfirmBoot         bool                `yaml:"confirm_boot"`
	ConsoleANSI         bool                `yaml:"console_ansi,omitempty"`
}

// LoadFixture decodes a YAML document into a Fixture (spec.md's developer
// test-harness configuration format, distinct from the bootloader's own
// hand-written configuration language parsed by internal/config/parser).
func LoadFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("simplatform: parsing fixture: %w", err)
	}
	if f.BootDevice == "" {
		return nil, fmt.Errorf("simplatform: fixture must set boot_device")
	}
	return &f, nil
}

// Platform implements platform.Platform entirely in memory from a Fixture,
// for use by tests and by cmd/kbootsim.
type Platform struct {
	fixture *Fixture
	console *Console
	devices []*device.Device

	filesystems []vfs.FSOps

	memBase     uint64
	haveMemBase bool

	rebootCalled bool
	exitCode     int
	exited       bool
}

// NewPlatform builds a Platform from f, constructing one device per disk
// entry and one FixtureFS per filesystem entry.
func NewPlatform(f *Fixture) (*Platform, error) {
	p := &Platform{fixture: f, console: NewConsole(f.ConsoleANSI)}

	named := make(map[string]*device.Device, len(f.Disks))
	for name, spec := range f.Disks {
		var disk *MemDisk
		var err error
		blockSize := spec.BlockSize
		if blockSize == 0 {
			blockSize = 512
		}
		if spec.Base64 != "" {
			disk, err = NewMemDiskFromBase64(blockSize, spec.Base64)
		} else {
			disk = NewMemDisk(blockSize, spec.BlockCount)
		}
		if err != nil {
			return nil, fmt.Errorf("simplatform: disk %q: %w", name, err)
		}
		dev := &device.Device{Name: name, Kind: device.KindDisk, DiskOps: disk}
		named[name] = dev
		p.devices = append(p.devices, dev)
	}

	for _, fsSpec := range f.Filesystems {
		dev, ok := named[fsSpec.Device]
		if !ok {
			// A filesystem may also be mounted on a device the fixture
			// never declared as a disk (e.g. a virtual "imageN" carrying
			// only a namespace, no block storage): register an otherwise
			// empty KindOther device for it.
			dev = &device.Device{Name: fsSpec.Device, Kind: device.KindOther}
			named[fsSpec.Device] = dev
			p.devices = append(p.devices, dev)
		}
		fs, err := NewFixtureFS(dev, fsSpec.Root, fsSpec.CaseInsensitive, fsSpec.Label, fsSpec.UUID)
		if err != nil {
			return nil, fmt.Errorf("simplatform: filesystem on %q: %w", fsSpec.Device, err)
		}
		p.filesystems = append(p.filesystems, fs)
	}

	if _, ok := named[f.BootDevice]; !ok {
		return nil, fmt.Errorf("simplatform: boot_device %q is not a declared device", f.BootDevice)
	}
	return p, nil
}

// ResolveMemory binds the fixture's relative MemoryReservations to an
// absolute arena base, normally phys.SelfManaged.MinAddr() once the caller
// has constructed the self-managed allocator. Must be called before Init
// if the fixture declares any reservations; a Platform with none needs no
// call (MemoryProbe is then a no-op, relying on SelfManaged's own
// construction-time Free seeding of its whole arena).
func (p *Platform) ResolveMemory(base uint64) {
	p.memBase = base
	p.haveMemBase = true
}

func (p *Platform) Init() error { return nil }

func (p *Platform) MemoryProbe(add func(start, size uint64, typ memmap.Type) error) error {
	if len(p.fixture.MemoryReservations) == 0 {
		return nil
	}
	if !p.haveMemBase {
		return fmt.Errorf("simplatform: fixture declares memory_reservations but ResolveMemory was never called")
	}
	for _, r := range p.fixture.MemoryReservations {
		typ, err := parseMemType(r.Type)
		if err != nil {
			return err
		}
		if err := add(p.memBase+r.Offset, r.Size, typ); err != nil {
			return fmt.Errorf("simplatform: memory reservation [%#x,+%#x): %w", r.Offset, r.Size, err)
		}
	}
	return nil
}

// FirmwareMemory always returns nil: this harness only simulates the
// self-managed allocator backend (spec.md §4.2), since the firmware-
// delegated backend's contract is entirely about an external collaborator
// this package has no stand-in for.
func (p *Platform) FirmwareMemory() phys.FirmwareMemoryServices { return nil }

func (p *Platform) CurrentTimeMillis() int64 { return time.Now().UnixMilli() }

func (p *Platform) Pause() {}

func (p *Platform) Halt() error { return fmt.Errorf("simplatform: halt requested") }

func (p *Platform) Reboot() error {
	p.rebootCalled = true
	return fmt.Errorf("simplatform: reboot requested")
}

func (p *Platform) Exit(code int) error {
	p.exited = true
	p.exitCode = code
	return fmt.Errorf("simplatform: exit requested with code %d", code)
}

func (p *Platform) Console() console.Device { return p.console }

func (p *Platform) Devices() []*device.Device { return p.devices }

func (p *Platform) Filesystems() []vfs.FSOps { return p.filesystems }

func (p *Platform) ConfigSearchPath() (string, []string) {
	return p.fixture.BootDevice, p.fixture.ConfigSearchPaths
}

func (p *Platform) Confirm(env *config.Environment) bool { return p.fixture.ConfirmBoot }

// ConsoleOutput returns everything the booting system has written to the
// console so far, for test assertions.
func (p *Platform) ConsoleOutput() string { return p.console.String() }

// Rebooted and ExitRequested report whether Reboot/Exit were called and, for
// the latter, with which code — useful for asserting that the builtin
// `reboot`/`exit` commands reached the platform.
func (p *Platform) Rebooted() bool             { return p.rebootCalled }
func (p *Platform) ExitRequested() (bool, int) { return p.exited, p.exitCode }
