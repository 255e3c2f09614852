package simplatform

import (
	"os"
	"testing"

	"github.com/kboot-go/kboot/internal/bootloader"
	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/phys"
	"github.com/kboot-go/kboot/internal/platform"
	"github.com/kboot-go/kboot/internal/vfs"
)

func loadTestFixture(t *testing.T) *Fixture {
	t.Helper()
	data, err := os.ReadFile("testdata/basic.yaml")
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	f, err := LoadFixture(data)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	return f
}

func TestFixtureFSServesDeclaredContent(t *testing.T) {
	f := loadTestFixture(t)
	p, err := NewPlatform(f)
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	if len(p.Devices()) != 1 || p.Devices()[0].Name != "hd0" {
		t.Fatalf("expected a single hd0 device, got %+v", p.Devices())
	}
	if len(p.Filesystems()) != 1 {
		t.Fatalf("expected one filesystem, got %d", len(p.Filesystems()))
	}
	root, caseInsensitive, label, uuid, err := p.Filesystems()[0].Mount(p.Devices()[0])
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !caseInsensitive || label != "SIM" || uuid == "" {
		t.Fatalf("unexpected mount metadata: caseInsensitive=%v label=%q uuid=%q", caseInsensitive, label, uuid)
	}
	// FixtureFS itself stores lower-cased keys when caseInsensitive is set,
	// matching the convention vfs.Resolver relies on (it lower-cases the
	// component it looks up, not the directory it looks in); case folding
	// end-to-end through a Resolver is covered by internal/vfs's own tests.
	entry, typ, st := root.Lookup("boot")
	if st != vfs.StatusOK {
		t.Fatalf("Lookup(boot): status %v", st)
	}
	defer entry.Close()
	if typ != vfs.TypeDirectory {
		t.Fatalf("expected BOOT to resolve to a directory, got type %v", typ)
	}
}

// fakeChainOps is a minimal bootloader.Ops standing in for an external
// chain-loader collaborator (spec.md's supplemented `chain` feature), the
// same role a test installs a fake Jump for in internal/arch.
type fakeChainOps struct {
	loaded bool
	state  any
}

func (f *fakeChainOps) Configure(state any) (bootloader.Window, bool) { return bootloader.Window{}, false }
func (f *fakeChainOps) Load(state any) error {
	f.loaded = true
	f.state = state
	return nil
}

// TestSystemRunEndToEnd drives internal/platform.System through the full
// dataflow of spec.md §2 against a simplatform fixture: platform init,
// device/filesystem registration, configuration load+execute, and a
// successful `chain` hand-off, with no real hardware involved anywhere.
func TestSystemRunEndToEnd(t *testing.T) {
	f := loadTestFixture(t)

	alloc, err := phys.NewSelfManaged(4096, 16*1024*1024)
	if err != nil {
		t.Fatalf("NewSelfManaged: %v", err)
	}
	defer alloc.Close()

	// Override the fixture's own "kboot" command with a `chain` one, since
	// this test only wants to exercise the external-collaborator path.
	rawFixture := *f
	rawFixture.Filesystems = []FilesystemSpec{{
		Device:          "hd0",
		CaseInsensitive: true,
		Label:           "SIM",
		Root: FileSpec{Entries: map[string]FileSpec{
			"boot": {Entries: map[string]FileSpec{
				"kboot.cfg":  {Content: "chain \"(hd0)/boot/stage2.bin\"\n"},
				"stage2.bin": {Content: "not-a-real-bootsector"},
			}},
		}},
	}}
	p2, err := NewPlatform(&rawFixture)
	if err != nil {
		t.Fatalf("NewPlatform (override): %v", err)
	}
	p2.ResolveMemory(alloc.MinAddr())

	sys := platform.New(p2, alloc)
	chainOps := &fakeChainOps{}
	sys.ExternalLoaders = map[string]bootloader.Ops{"chain": chainOps}

	if err := sys.Run(); err != nil {
		t.Fatalf("sys.Run: %v", err)
	}
	if !chainOps.loaded {
		t.Fatalf("expected chain loader to have been invoked")
	}
	if sys.Root.State != config.Booted {
		t.Fatalf("expected environment to be Booted, got %v", sys.Root.State)
	}
}
