package bootproto

import (
	"testing"

	"github.com/kboot-go/kboot/internal/memmap"
	"github.com/kboot-go/kboot/internal/phys"
)

type fakeArch struct {
	entered     bool
	enteredArgs TrampolineArgs
}

func (f *fakeArch) CheckCapability(hdr ImageHeader) error { return nil }
func (f *fakeArch) DefaultLoadConstraints(lc LoadConstraints) LoadConstraints {
	if lc.Align == 0 {
		lc.Align = 0x1000
	}
	return lc
}
func (f *fakeArch) DirectMapBase() uint64 { return 0xffff800000000000 }
func (f *fakeArch) BuildPageTables(img *Image, imagePhys, imageSize uint64, mem *memmap.Map) (uint64, uint32, uint32, error) {
	return 0x3000, 1, 511, nil
}
func (f *fakeArch) Enter(args TrampolineArgs) error {
	f.entered = true
	f.enteredArgs = args
	return nil
}

func TestLoaderPipelineReachesEnter(t *testing.T) {
	alloc, err := phys.NewSelfManaged(0x1000, 16*1024*1024)
	if err != nil {
		t.Fatalf("NewSelfManaged: %v", err)
	}
	defer alloc.Close()

	arch := &fakeArch{}
	loader := NewLoader(arch, alloc)

	notes := buildImageNotes(t)
	err = loader.Load(ImageSource{NoteData: notes, ImageBytes: make([]byte, 0x1000)}, LoadOptions{
		BootDevice: BootDevice{Kind: 1, Unit: 0},
		LogBuffer:  Log{Base: 0, Size: 0x1000},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !arch.entered {
		t.Fatal("expected Arch.Enter to be called")
	}
	if arch.enteredArgs.KernelCR3 != 0x3000 {
		t.Fatalf("KernelCR3 = %#x, want 0x3000", arch.enteredArgs.KernelCR3)
	}
}

func TestLoaderFailsBeforeMutationOnBadImage(t *testing.T) {
	alloc, err := phys.NewSelfManaged(0x1000, 16*1024*1024)
	if err != nil {
		t.Fatalf("NewSelfManaged: %v", err)
	}
	defer alloc.Close()

	loader := NewLoader(&fakeArch{}, alloc)
	err = loader.Load(ImageSource{NoteData: nil, ImageBytes: nil}, LoadOptions{})
	if err == nil {
		t.Fatal("expected an error for an image with no IMAGE tag")
	}
}
