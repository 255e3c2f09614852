package vfs

import (
	"strings"

	"github.com/kboot-go/kboot/internal/device"
)

// MaxSymlinkDepth bounds symlink resolution (spec.md §4.4 "recursion limit
// of at least 8").
const MaxSymlinkDepth = 8

// Resolver drives path resolution across the device registry and mount
// table: "(devname)/path/to/file" syntax, "." and ".." components, and
// transparent symlink following up to MaxSymlinkDepth.
type Resolver struct {
	Registry *device.Registry
	Mounts   *MountTable
}

func NewResolver(reg *device.Registry, mounts *MountTable) *Resolver {
	return &Resolver{Registry: reg, Mounts: mounts}
}

// SplitDevice splits a path of the form "(dev)/path" into its device name
// and the remaining path. A path with no leading "(name)" prefix returns ""
// for the device, meaning "use the caller-supplied default device"
// (spec.md §4.4 "a path without a device prefix resolves against the
// current default device").
func SplitDevice(path string) (devName, rest string) {
	if len(path) == 0 || path[0] != '(' {
		return "", path
	}
	close := strings.IndexByte(path, ')')
	if close < 0 {
		return "", path
	}
	return path[1:close], path[close+1:]
}

// Open resolves path against defaultDev when path carries no device prefix,
// opening the final entry as a Handle. A leading "/" anchors at the mount
// root; otherwise resolution starts at curDir (the caller's current
// directory handle, typically config.Environment.Dir) or the mount root if
// curDir is nil (spec.md §4.4 "Open by path"). flags controls
// decompression. A device prefix always rebinds to that device's own root,
// since curDir belongs to defaultDev's mount and has no meaning on another
// device.
func (r *Resolver) Open(path string, defaultDev *device.Device, curDir *Handle, flags OpenFlags) (*Handle, Status) {
	devName, rest := SplitDevice(path)
	dev := defaultDev
	if devName != "" {
		d, ok := r.Registry.Lookup(devName)
		if !ok {
			return nil, StatusNotFound
		}
		dev = d
		curDir = nil
	}
	if dev == nil {
		return nil, StatusInvalidArg
	}
	mount, err := r.Mounts.MountDevice(dev)
	if err != nil {
		if st, ok := err.(Status); ok {
			return nil, st
		}
		return nil, StatusIO
	}

	start := mount.Root.Retain()
	if curDir != nil && !strings.HasPrefix(rest, "/") {
		start.Close()
		start = curDir.Retain()
	}

	h, st := r.walk(start, splitComponents(rest), 0)
	if st != StatusOK {
		return nil, st
	}
	if flags&FlagDecompress != 0 && h.Type == TypeRegular {
		if wrapped, ok := maybeWrapGzip(h); ok {
			h = wrapped
		}
	}
	h.Flags = flags
	return h, StatusOK
}

// walk consumes comps one at a time starting from cur (which walk takes
// ownership of), following any symlink encountered along the way and
// tracking the chain of ancestor directory handles so ".." can pop back to
// the parent instead of being a no-op (spec.md §8 property 4
// "resolve(\"/a/b/../c\") equals resolve(\"/a/c\")"). depth counts symlink
// hops across the whole walk, including ones taken while resolving an
// earlier component's target.
func (r *Resolver) walk(cur *Handle, comps []string, depth int) (*Handle, Status) {
	stack := []*Handle{cur}
	for len(comps) > 0 {
		comp := comps[0]
		comps = comps[1:]
		switch comp {
		case "", ".":
			continue
		case "..":
			// ".." above the starting handle (mount root, or the caller's
			// current directory when curDir has no tracked ancestors of its
			// own) is a no-op: this contract has no parent pointer reaching
			// above where resolution began.
			if len(stack) > 1 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				top.Close()
			}
			continue
		}

		top := stack[len(stack)-1]
		dir, ok := top.AsDir()
		if !ok {
			closeAll(stack)
			return nil, StatusTypeMismatch
		}
		name := comp
		if top.Mount.CaseInsensitive {
			name = strings.ToLower(name)
		}
		entry, typ, st := dir.Lookup(name)
		if st != StatusOK {
			closeAll(stack)
			return nil, st
		}
		next := newHandle(top.Mount, typ, entry)

		if typ != TypeSymlink {
			stack = append(stack, next)
			continue
		}
		if depth >= MaxSymlinkDepth {
			next.Close()
			closeAll(stack)
			return nil, StatusSymlinkLimit
		}
		sym, ok := next.impl.(SymlinkOps)
		if !ok {
			next.Close()
			closeAll(stack)
			return nil, StatusTypeMismatch
		}
		target, st := sym.Target()
		mount := next.Mount
		next.Close()
		if st != StatusOK {
			closeAll(stack)
			return nil, st
		}
		closeAll(stack)

		targetComps := splitComponents(target)
		return r.walk(mount.Root.Retain(), append(targetComps, comps...), depth+1)
	}
	result := stack[len(stack)-1]
	for _, h := range stack[:len(stack)-1] {
		h.Close()
	}
	return result, StatusOK
}

// closeAll releases every handle in an ancestor stack, used on every error
// return path out of walk.
func closeAll(stack []*Handle) {
	for _, h := range stack {
		h.Close()
	}
}

func splitComponents(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
