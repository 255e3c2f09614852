package bootproto

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestBuilderEmitsCoreFirstAndNoneLast(t *testing.T) {
	b := NewBuilder()
	b.EmitCore(CoreInfo{Version: 1, EntryVirt: 0x1000, TagsVirt: 0x2000})
	b.EmitMemory(MemoryRegion{Base: 0, Length: 0x1000, Type: 0})
	data := b.Finish()

	typ, size := readTagHeader(data, 0)
	if InfoTagType(typ) != TagCore {
		t.Fatalf("first tag = %d, want CORE", typ)
	}
	off := int(size)
	typ, size = readTagHeader(data, off)
	if InfoTagType(typ) != TagMemory {
		t.Fatalf("second tag = %d, want MEMORY", typ)
	}
	off += int(size)
	typ, _ = readTagHeader(data, off)
	if InfoTagType(typ) != TagNone {
		t.Fatalf("final tag = %d, want NONE", typ)
	}
	if off+tagHeaderSize != len(data) {
		t.Fatalf("NONE tag not last: trailing %d bytes", len(data)-off-tagHeaderSize)
	}
}

func TestTagSizesAreEightByteAligned(t *testing.T) {
	b := NewBuilder()
	b.EmitModule(Module{Base: 1, Length: 2, Name: "abc"}) // 20-byte body makes a 28-byte tag, forcing padding
	data := b.Finish()
	_, size := readTagHeader(data, 0)
	if size%8 != 0 {
		t.Fatalf("tag size %d is not 8-byte aligned", size)
	}
}

func readTagHeader(data []byte, off int) (typ, size uint32) {
	return binary.LittleEndian.Uint32(data[off : off+4]), binary.LittleEndian.Uint32(data[off+4 : off+8])
}

func buildImageNotesVersion(t *testing.T, version uint32) []byte {
	t.Helper()
	var notes []byte

	appendTag := func(typ ImageTagType, body []byte) {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(typ))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(8+len(body)))
		notes = append(notes, hdr...)
		notes = append(notes, body...)
	}

	imageBody := make([]byte, 8)
	binary.LittleEndian.PutUint32(imageBody[0:4], version)
	binary.LittleEndian.PutUint32(imageBody[4:8], 0x3)
	appendTag(ImageTagImage, imageBody)

	loadBody := make([]byte, 33)
	binary.LittleEndian.PutUint64(loadBody[0:8], 0x1000)     // MinAlign
	binary.LittleEndian.PutUint64(loadBody[8:16], 0x200000)  // Align
	binary.LittleEndian.PutUint64(loadBody[16:24], 0xffff800000000000) // VMapWindowStart
	binary.LittleEndian.PutUint64(loadBody[24:32], 0x40000000)         // VMapWindowSize
	loadBody[32] = 0 // HasFixedBase = false
	appendTag(ImageTagLoad, loadBody)

	mapBody := make([]byte, 28)
	binary.LittleEndian.PutUint64(mapBody[0:8], MappingAny)
	binary.LittleEndian.PutUint64(mapBody[8:16], 0x500000)
	binary.LittleEndian.PutUint64(mapBody[16:24], 0x1000)
	binary.LittleEndian.PutUint32(mapBody[24:28], uint32(CacheWriteback))
	appendTag(ImageTagMapping, mapBody)

	return notes
}

// buildImageNotes builds a well-formed note stream carrying requiredImageVersion
// (2), the only version ParseImage accepts; most tests want this and use
// buildImageNotesVersion directly only to exercise the rejection path.
func buildImageNotes(t *testing.T) []byte {
	t.Helper()
	return buildImageNotesVersion(t, 2)
}

func TestParseImageRoundTrip(t *testing.T) {
	notes := buildImageNotes(t)
	img, err := ParseImage(notes)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if img.Header.Version != 2 || !img.Header.RequestSections || !img.Header.RequestLog {
		t.Fatalf("unexpected header: %#v", img.Header)
	}
	if img.Load.MinAlign != 0x1000 || img.Load.Align != 0x200000 {
		t.Fatalf("unexpected load constraints: %#v", img.Load)
	}
	if len(img.Mappings) != 1 || img.Mappings[0].Virt != MappingAny {
		t.Fatalf("unexpected mappings: %#v", img.Mappings)
	}
}

func TestParseImageRejectsMissingImageTag(t *testing.T) {
	_, err := ParseImage(nil)
	if err != ErrNoImageTag {
		t.Fatalf("expected ErrNoImageTag, got %v", err)
	}
}

func TestParseImageRejectsUnsupportedVersion(t *testing.T) {
	notes := buildImageNotesVersion(t, 1)
	_, err := ParseImage(notes)
	if !errors.Is(err, ErrUnsupportedImageVersion) {
		t.Fatalf("expected ErrUnsupportedImageVersion, got %v", err)
	}
}
