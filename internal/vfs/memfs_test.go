package vfs

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/kboot-go/kboot/internal/device"
)

// memFS is a minimal in-memory FSOps used only by this package's tests. It
// models a directory tree of regular files, subdirectories and symlinks,
// enough to exercise Resolver without a real filesystem backend.
type memFS struct {
	caseInsensitive bool
	entries         map[string]memEntry
}

type memEntry struct {
	data   []byte
	target string // non-empty means this is a symlink
	dir    *memFS // non-nil means this is a subdirectory
}

type memDir struct{ fs *memFS }

func (d *memDir) Lookup(name string) (EntryOps, EntryType, Status) {
	e, ok := d.fs.entries[name]
	if !ok {
		return nil, 0, StatusNotFound
	}
	if e.dir != nil {
		return &memDir{fs: e.dir}, TypeDirectory, StatusOK
	}
	if e.target != "" {
		return &memSymlink{target: e.target}, TypeSymlink, StatusOK
	}
	return &memFile{data: e.data}, TypeRegular, StatusOK
}

func (d *memDir) Iterate(cb func(name string, entry EntryOps, entryType EntryType) bool) Status {
	for name := range d.fs.entries {
		ent, typ, _ := d.Lookup(name)
		if !cb(name, ent, typ) {
			break
		}
	}
	return StatusOK
}

func (d *memDir) Size() uint64 { return 0 }
func (d *memDir) Close()       {}

type memFile struct{ data []byte }

func (f *memFile) Size() uint64 { return uint64(len(f.data)) }
func (f *memFile) Close()       {}
func (f *memFile) ReadAt(buf []byte, offset uint64) (int, Status) {
	if offset >= uint64(len(f.data)) {
		return 0, StatusEndOfFile
	}
	n := copy(buf, f.data[offset:])
	if uint64(n) < uint64(len(buf)) {
		return n, StatusEndOfFile
	}
	return n, StatusOK
}

type memSymlink struct{ target string }

func (s *memSymlink) Size() uint64             { return uint64(len(s.target)) }
func (s *memSymlink) Close()                   {}
func (s *memSymlink) Target() (string, Status) { return s.target, StatusOK }

func (fs *memFS) Mount(dev *device.Device) (RootOps, bool, string, string, error) {
	return &memDir{fs: fs}, fs.caseInsensitive, "MEMFS", "00000000", nil
}

func newTestResolver(fs *memFS) (*Resolver, *device.Device) {
	reg := device.NewRegistry()
	dev := &device.Device{Name: "mem0", Kind: device.KindOther}
	if err := reg.Register(dev); err != nil {
		panic(err)
	}
	mounts := NewMountTable(fs)
	return NewResolver(reg, mounts), dev
}

func TestResolverOpensPlainFile(t *testing.T) {
	fs := &memFS{entries: map[string]memEntry{"kernel": {data: []byte("hello")}}}
	r, dev := newTestResolver(fs)

	h, st := r.Open("/kernel", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open: %v", st)
	}
	defer h.Close()
	buf := make([]byte, 5)
	n, st := h.ReadAt(buf, 0)
	if st != StatusOK || string(buf[:n]) != "hello" {
		t.Fatalf("ReadAt = %q, %v", buf[:n], st)
	}
}

func TestResolverFollowsSymlink(t *testing.T) {
	fs := &memFS{entries: map[string]memEntry{
		"real": {data: []byte("payload")},
		"link": {target: "/real"},
	}}
	r, dev := newTestResolver(fs)

	h, st := r.Open("/link", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open: %v", st)
	}
	defer h.Close()
	if h.Type != TypeRegular {
		t.Fatalf("expected symlink to resolve to a regular file, got %v", h.Type)
	}
}

func TestResolverDetectsSymlinkLoop(t *testing.T) {
	fs := &memFS{entries: map[string]memEntry{
		"a": {target: "/b"},
		"b": {target: "/a"},
	}}
	r, dev := newTestResolver(fs)

	_, st := r.Open("/a", dev, nil, 0)
	if st != StatusSymlinkLimit {
		t.Fatalf("expected StatusSymlinkLimit, got %v", st)
	}
}

func TestResolverDeviceNotFound(t *testing.T) {
	fs := &memFS{entries: map[string]memEntry{}}
	r, dev := newTestResolver(fs)
	_, st := r.Open("(nope)/x", dev, nil, 0)
	if st != StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", st)
	}
}

// TestResolverDotDotNavigatesToParent exercises spec.md §8 property 4:
// resolve("/a/b/../c") equals resolve("/a/c").
func TestResolverDotDotNavigatesToParent(t *testing.T) {
	b := &memFS{entries: map[string]memEntry{}}
	a := &memFS{entries: map[string]memEntry{
		"b": {dir: b},
		"c": {data: []byte("from-a")},
	}}
	root := &memFS{entries: map[string]memEntry{"a": {dir: a}}}
	r, dev := newTestResolver(root)

	viaDotDot, st := r.Open("/a/b/../c", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open(/a/b/../c): %v", st)
	}
	defer viaDotDot.Close()

	direct, st := r.Open("/a/c", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open(/a/c): %v", st)
	}
	defer direct.Close()

	buf1 := make([]byte, 6)
	f1, _ := viaDotDot.AsFile()
	f1.ReadAt(buf1, 0)
	buf2 := make([]byte, 6)
	f2, _ := direct.AsFile()
	f2.ReadAt(buf2, 0)
	if string(buf1) != string(buf2) {
		t.Fatalf("content mismatch: %q vs %q", buf1, buf2)
	}
}

// TestResolverDotDotAboveRootIsNoOp checks that ".." never escapes above
// where resolution began (spec.md §4.4 edge case).
func TestResolverDotDotAboveRootIsNoOp(t *testing.T) {
	fs := &memFS{entries: map[string]memEntry{"kernel": {data: []byte("hello")}}}
	r, dev := newTestResolver(fs)

	h, st := r.Open("/../kernel", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open(/../kernel): %v", st)
	}
	h.Close()
}

// TestResolverRelativePathUsesCurrentDirectory checks that a path with no
// leading "/" resolves against curDir, not the mount root (spec.md §4.4
// "otherwise at the environment's current directory").
func TestResolverRelativePathUsesCurrentDirectory(t *testing.T) {
	sub := &memFS{entries: map[string]memEntry{"kernel": {data: []byte("hello")}}}
	root := &memFS{entries: map[string]memEntry{"boot": {dir: sub}}}
	r, dev := newTestResolver(root)

	bootDir, st := r.Open("/boot", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open(/boot): %v", st)
	}
	defer bootDir.Close()

	h, st := r.Open("kernel", dev, bootDir, 0)
	if st != StatusOK {
		t.Fatalf("Open(kernel) relative to /boot: %v", st)
	}
	defer h.Close()

	absolute, st := r.Open("/boot/kernel", dev, nil, 0)
	if st != StatusOK {
		t.Fatalf("Open(/boot/kernel): %v", st)
	}
	absolute.Close()
}

func TestGzipTransparentDecompression(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	want := bytes.Repeat([]byte("abcdefgh"), 4096) // large enough to span multiple deflate blocks
	if _, err := w.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	fs := &memFS{entries: map[string]memEntry{"kernel.gz": {data: buf.Bytes()}}}
	r, dev := newTestResolver(fs)

	h, st := r.Open("/kernel.gz", dev, nil, FlagDecompress)
	if st != StatusOK {
		t.Fatalf("Open: %v", st)
	}
	defer h.Close()
	if h.Size != uint64(len(want)) {
		t.Fatalf("Size = %d, want %d", h.Size, len(want))
	}

	got := make([]byte, len(want))
	n, st := h.ReadAt(got, 0)
	if st != StatusOK {
		t.Fatalf("ReadAt: %v", st)
	}
	if !bytes.Equal(got[:n], want) {
		t.Fatalf("decompressed content mismatch")
	}

	// Re-read a chunk in the middle without having read sequentially up to
	// it first, forcing the adapter's rewind-and-skip path.
	mid := make([]byte, 16)
	n, st = h.ReadAt(mid, uint64(len(want)/2))
	if st != StatusOK {
		t.Fatalf("mid ReadAt: %v", st)
	}
	if !bytes.Equal(mid[:n], want[len(want)/2:len(want)/2+16]) {
		t.Fatalf("mid-stream reseek mismatch")
	}
}

func TestGzipProbeRejectsPlainFile(t *testing.T) {
	fs := &memFS{entries: map[string]memEntry{"plain": {data: []byte("not gzip")}}}
	r, dev := newTestResolver(fs)

	h, st := r.Open("/plain", dev, nil, FlagDecompress)
	if st != StatusOK {
		t.Fatalf("Open: %v", st)
	}
	defer h.Close()
	if h.Size != 8 {
		t.Fatalf("expected uncompressed size 8, got %d", h.Size)
	}
}

var _ RootOps = (*memDir)(nil)
var _ FileOps = (*memFile)(nil)
var _ SymlinkOps = (*memSymlink)(nil)
