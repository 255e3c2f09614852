// Package vfs implements the device/filesystem/path resolution layer of
// spec.md §4.4: a mount table, reference-counted handle lifecycle, path
// resolver with symlink following and transparent decompression.
//
// Filesystem implementations (ext2/FAT/TAR/ISO, §1 "Out of scope") are
// external collaborators satisfying the FSOps contract defined here; only
// the abstract contract and the resolver driving it belong to the core.
package vfs

import (
	"errors"
	"fmt"

	"github.com/kboot-go/kboot/internal/device"
)

// Status mirrors spec.md §7.1's expected-outcome codes that filesystem
// operations return.
type Status int

const (
	StatusOK Status = iota
	StatusUnknownFS
	StatusCorruptFS
	StatusNotSupported
	StatusNotFound
	StatusIO
	StatusEndOfFile
	StatusSymlinkLimit
	StatusTypeMismatch
	StatusInvalidArg
)

func (s Status) Error() string {
	switch s {
	case StatusOK:
		return "success"
	case StatusUnknownFS:
		return "unknown-fs"
	case StatusCorruptFS:
		return "corrupt-fs"
	case StatusNotSupported:
		return "not-supported"
	case StatusNotFound:
		return "not-found"
	case StatusIO:
		return "io"
	case StatusEndOfFile:
		return "end-of-file"
	case StatusSymlinkLimit:
		return "symlink-limit"
	case StatusTypeMismatch:
		return "type-mismatch"
	case StatusInvalidArg:
		return "invalid-arg"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EntryType distinguishes the three handle kinds spec.md §3 names.
type EntryType int

const (
	TypeRegular EntryType = iota
	TypeDirectory
	TypeSymlink
)

// OpenFlags control Open/OpenEntry behaviour.
type OpenFlags uint32

const (
	// FlagDecompress enables transparent gzip decompression (spec.md §4.4):
	// if the opened stream begins with the gzip magic, the returned handle is
	// wrapped so reads see the decompressed content and Size reports the
	// trailer's ISIZE.
	FlagDecompress OpenFlags = 1 << iota
)

// FSOps is the capability set a concrete filesystem (FAT, ext2, ISO9660...)
// implements. Mount inspects dev and returns its root with a nil error on
// success, StatusUnknownFS as the error if dev does not look like this
// filesystem, or a real I/O/corruption error otherwise (spec.md §4.4
// "Mount").
type FSOps interface {
	Mount(dev *device.Device) (root RootOps, caseInsensitive bool, label, uuid string, err error)
}

// RootOps is the entry point into a mounted filesystem's namespace: the
// handle for "/".
type RootOps interface {
	EntryOps
	DirOps
}

// DirOps is implemented by directory-typed filesystem handles.
type DirOps interface {
	// Lookup resolves a single path component (no "/", no "." or "..",
	// those are handled by the resolver) within this directory.
	Lookup(name string) (EntryOps, EntryType, Status)
	// Iterate streams directory entries via callback, returning early if cb
	// returns false (spec.md §4.4 "Iteration").
	Iterate(cb func(name string, entry EntryOps, entryType EntryType) bool) Status
}

// EntryOps is the implementation payload behind a Handle: a directory, a
// regular file, or a symlink.
type EntryOps interface {
	Size() uint64
	Close()
}

// FileOps additionally exposes byte-range reads.
type FileOps interface {
	EntryOps
	ReadAt(buf []byte, offset uint64) (int, Status)
}

// SymlinkOps exposes the link target for the resolver to follow.
type SymlinkOps interface {
	EntryOps
	Target() (string, Status)
}

// Mount is one mounted filesystem (spec.md §3 "Filesystem mount"). Exactly
// one mount exists per device at a time.
type Mount struct {
	Device          *device.Device
	CaseInsensitive bool
	Label, UUID     string
	Root            *Handle
	ops             FSOps
}

// Handle is a reference-counted filesystem object (spec.md §3 "Filesystem
// handle"). Lifecycle: Open/OpenEntry create it with refcount 1; Retain
// increments; Close decrements and, at zero, invokes the implementation's
// Close and frees.
type Handle struct {
	Mount *Mount
	Type  EntryType
	Size  uint64
	Flags OpenFlags

	impl     EntryOps
	refcount int
}

func newHandle(mount *Mount, typ EntryType, impl EntryOps) *Handle {
	return &Handle{Mount: mount, Type: typ, Size: impl.Size(), impl: impl, refcount: 1}
}

// Retain increments the handle's refcount. Idempotent with Close in the
// sense that N retains require N+1 closes (the creating Open counts as the
// first reference).
func (h *Handle) Retain() *Handle {
	h.refcount++
	return h
}

// Close decrements the refcount and, at zero, releases the underlying
// implementation object. Calling Close more times than the handle was
// retained is an internal_error-class bug.
func (h *Handle) Close() {
	h.refcount--
	if h.refcount < 0 {
		panic("vfs: handle closed more times than retained")
	}
	if h.refcount == 0 {
		h.impl.Close()
	}
}

// AsDir returns the handle's DirOps, or ok=false if it is not a directory.
func (h *Handle) AsDir() (DirOps, bool) {
	d, ok := h.impl.(DirOps)
	return d, ok && h.Type == TypeDirectory
}

// AsFile returns the handle's FileOps, or ok=false if it is not a regular
// file.
func (h *Handle) AsFile() (FileOps, bool) {
	f, ok := h.impl.(FileOps)
	return f, ok && h.Type == TypeRegular
}

// ReadAt reads from a regular-file handle, through the decompression
// adapter when FlagDecompress is set (see gzip.go).
func (h *Handle) ReadAt(buf []byte, offset uint64) (int, Status) {
	f, ok := h.AsFile()
	if !ok {
		return 0, StatusTypeMismatch
	}
	if h.Flags&FlagDecompress != 0 {
		if gz, ok := f.(*gzipFile); ok {
			return gz.ReadAt(buf, offset)
		}
	}
	return f.ReadAt(buf, offset)
}

var ErrNotMounted = errors.New("vfs: device has no mount")

// MountTable tracks the single live mount per device (spec.md §4.4 "one
// mount per device at a time").
type MountTable struct {
	fsTypes []FSOps
	mounts  map[*device.Device]*Mount
}

func NewMountTable(fsTypes ...FSOps) *MountTable {
	return &MountTable{fsTypes: fsTypes, mounts: make(map[*device.Device]*Mount)}
}

// MountDevice walks the registered FSOps implementations in order and
// attempts to mount dev, falling through on StatusUnknownFS (spec.md §4.4,
// §7 "filesystem mount probing").
func (t *MountTable) MountDevice(dev *device.Device) (*Mount, error) {
	if m, ok := t.mounts[dev]; ok {
		return m, nil
	}
	var lastErr error
	for _, fs := range t.fsTypes {
		root, caseInsensitive, label, uuid, err := fs.Mount(dev)
		if err == nil {
			m := &Mount{Device: dev, CaseInsensitive: caseInsensitive, Label: label, UUID: uuid, ops: fs}
			m.Root = newHandle(m, TypeDirectory, root)
			t.mounts[dev] = m
			return m, nil
		}
		var st Status
		if errors.As(err, &st) && st == StatusUnknownFS {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr == nil {
		lastErr = StatusUnknownFS
	}
	return nil, lastErr
}

func (t *MountTable) Lookup(dev *device.Device) (*Mount, bool) {
	m, ok := t.mounts[dev]
	return m, ok
}
