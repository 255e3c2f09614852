// Package simplatform implements an in-memory platform.Platform driven by a
// declarative YAML fixture, in the spirit of the teacher's own test doubles
// for hv/acpi/devices: a small struct tree decoded straight off the wire
// format stands in for hardware that a unit test has no business touching
// for real. It exists for two consumers: this package's own tests and
// cmd/kbootsim, spec.md §9's "one process-wide, platform-agnostic core
// plus thin, swappable Platform implementations".
package simplatform

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kboot-go/kboot/internal/device"
	"github.com/kboot-go/kboot/internal/vfs"
)

// FileSpec describes one filesystem entry in a fixture tree. Exactly one of
// Content/Base64/Symlink/Entries should be set; Entries present means the
// node is a directory.
type FileSpec struct {
	Content string              `yaml:"content,omitempty"`
	Base64  string              `yaml:"base64,omitempty"`
	Symlink string              `yaml:"symlink,omitempty"`
	Entries map[string]FileSpec `yaml:"entries,omitempty"`
}

func (f FileSpec) isDir() bool { return f.Entries != nil }

// fixtureNode is the built, immutable in-memory form of a FileSpec.
type fixtureNode struct {
	data     []byte
	symlink  string
	children map[string]*fixtureNode // non-nil => directory
}

func buildNode(spec FileSpec, lowerKeys bool) (*fixtureNode, error) {
	switch {
	case spec.isDir():
		children := make(map[string]*fixtureNode, len(spec.Entries))
		for name, child := range spec.Entries {
			node, err := buildNode(child, lowerKeys)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", name, err)
			}
			if lowerKeys {
				name = strings.ToLower(name)
			}
			children[name] = node
		}
		return &fixtureNode{children: children}, nil
	case spec.Symlink != "":
		return &fixtureNode{symlink: spec.Symlink}, nil
	case spec.Base64 != "":
		raw, err := base64.StdEncoding.DecodeString(spec.Base64)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		return &fixtureNode{data: raw}, nil
	default:
		return &fixtureNode{data: []byte(spec.Content)}, nil
	}
}

// FixtureFS is a vfs.FSOps backed by a fixture tree, bound to exactly one
// device (constructed per-device, mirroring how each of the teacher's fake
// block devices carries its own canned contents rather than sharing state).
type FixtureFS struct {
	device          *device.Device
	caseInsensitive bool
	label, uuid     string
	root            *fixtureNode
}

// NewFixtureFS builds a FixtureFS that mounts only dev, from root.
func NewFixtureFS(dev *device.Device, root FileSpec, caseInsensitive bool, label, uuid string) (*FixtureFS, error) {
	if !root.isDir() {
		return nil, fmt.Errorf("simplatform: filesystem root must be a directory entry")
	}
	node, err := buildNode(root, caseInsensitive)
	if err != nil {
		return nil, fmt.Errorf("simplatform: building fixture filesystem: %w", err)
	}
	return &FixtureFS{device: dev, caseInsensitive: caseInsensitive, label: label, uuid: uuid, root: node}, nil
}

// Mount implements vfs.FSOps. A FixtureFS only ever matches the single
// device it was built for; every other device falls through as
// StatusUnknownFS so the mount table can try the next registered FSOps.
func (f *FixtureFS) Mount(dev *device.Device) (vfs.RootOps, bool, string, string, error) {
	if dev != f.device {
		return nil, false, "", "", vfs.StatusUnknownFS
	}
	return &fixtureDir{node: f.root}, f.caseInsensitive, f.label, f.uuid, nil
}

type fixtureDir struct{ node *fixtureNode }

func (d *fixtureDir) Lookup(name string) (vfs.EntryOps, vfs.EntryType, vfs.Status) {
	child, ok := d.node.children[name]
	if !ok {
		return nil, 0, vfs.StatusNotFound
	}
	switch {
	case child.children != nil:
		return &fixtureDir{node: child}, vfs.TypeDirectory, vfs.StatusOK
	case child.symlink != "":
		return &fixtureSymlink{node: child}, vfs.TypeSymlink, vfs.StatusOK
	default:
		return &fixtureFile{node: child}, vfs.TypeRegular, vfs.StatusOK
	}
}

func (d *fixtureDir) Iterate(cb func(name string, entry vfs.EntryOps, entryType vfs.EntryType) bool) vfs.Status {
	for name := range d.node.children {
		entry, typ, st := d.Lookup(name)
		if st != vfs.StatusOK {
			return st
		}
		if !cb(name, entry, typ) {
			break
		}
	}
	return vfs.StatusOK
}

func (d *fixtureDir) Size() uint64 { return 0 }
func (d *fixtureDir) Close()       {}

type fixtureFile struct{ node *fixtureNode }

func (f *fixtureFile) Size() uint64 { return uint64(len(f.node.data)) }
func (f *fixtureFile) Close()       {}

func (f *fixtureFile) ReadAt(buf []byte, offset uint64) (int, vfs.Status) {
	data := f.node.data
	if offset >= uint64(len(data)) {
		return 0, vfs.StatusEndOfFile
	}
	n := copy(buf, data[offset:])
	if uint64(n) < uint64(len(buf)) {
		return n, vfs.StatusEndOfFile
	}
	return n, vfs.StatusOK
}

type fixtureSymlink struct{ node *fixtureNode }

func (s *fixtureSymlink) Size() uint64 { return uint64(len(s.node.symlink)) }
func (s *fixtureSymlink) Close()       {}
func (s *fixtureSymlink) Target() (string, vfs.Status) {
	return s.node.symlink, vfs.StatusOK
}

var (
	_ vfs.FSOps      = (*FixtureFS)(nil)
	_ vfs.RootOps    = (*fixtureDir)(nil)
	_ vfs.FileOps    = (*fixtureFile)(nil)
	_ vfs.SymlinkOps = (*fixtureSymlink)(nil)
)
