package exec

import (
	"fmt"
	"io"

	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/device"
	"github.com/kboot-go/kboot/internal/vfs"
)

// RegisterShellCommands installs the interactive-shell commands spec.md §6
// lists beyond the system builtins (`ls`, `cd`, `cat`) plus the
// SUPPLEMENTED introspection commands `lsdevice`/`lspartition`, which reuse
// the same device-registry enumeration the partition prober already
// exposes (spec.md §4.3).
func RegisterShellCommands(r *Registry, resolver *vfs.Resolver, devices *device.Registry, out io.Writer) {
	r.Register("ls", cmdLs(resolver, out))
	r.Register("cd", cmdCd(resolver))
	r.Register("cat", cmdCat(resolver, out))
	r.Register("lsdevice", cmdLsDevice(devices, out))
	r.Register("lspartition", cmdLsPartition(devices, out))
}

func pathArg(args []config.Value, idx int, deflt string) (string, error) {
	if idx >= len(args) {
		return deflt, nil
	}
	s, ok := args[idx].(config.Str)
	if !ok {
		return "", config.NewErrorNoLocation("argument %d must be a string path", idx)
	}
	return string(s), nil
}

func cmdLs(resolver *vfs.Resolver, out io.Writer) Func {
	return func(env *config.Environment, args []config.Value) error {
		path, err := pathArg(args, 0, ".")
		if err != nil {
			return err
		}
		h, st := resolver.Open(path, env.Device, env.Dir, 0)
		if st != vfs.StatusOK {
			return config.NewErrorNoLocation("ls %q: %v", path, st)
		}
		defer h.Close()
		dir, ok := h.AsDir()
		if !ok {
			return config.NewErrorNoLocation("ls %q: not a directory", path)
		}
		var names []string
		st = dir.Iterate(func(name string, entry vfs.EntryOps, entryType vfs.EntryType) bool {
			names = append(names, name)
			return true
		})
		if st != vfs.StatusOK {
			return config.NewErrorNoLocation("ls %q: %v", path, st)
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil
	}
}

func cmdCd(resolver *vfs.Resolver) Func {
	return func(env *config.Environment, args []config.Value) error {
		path, err := pathArg(args, 0, "/")
		if err != nil {
			return err
		}
		h, st := resolver.Open(path, env.Device, env.Dir, 0)
		if st != vfs.StatusOK {
			return config.NewErrorNoLocation("cd %q: %v", path, st)
		}
		if h.Type != vfs.TypeDirectory {
			h.Close()
			return config.NewErrorNoLocation("cd %q: not a directory", path)
		}
		if env.Dir != nil {
			env.Dir.Close()
		}
		env.Dir = h
		return nil
	}
}

func cmdCat(resolver *vfs.Resolver, out io.Writer) Func {
	return func(env *config.Environment, args []config.Value) error {
		if len(args) != 1 {
			return config.NewErrorNoLocation("cat: expected 1 argument (path), got %d", len(args))
		}
		path, ok := args[0].(config.Str)
		if !ok {
			return config.NewErrorNoLocation("cat: argument must be a string")
		}
		h, st := resolver.Open(string(path), env.Device, env.Dir, vfs.FlagDecompress)
		if st != vfs.StatusOK {
			return config.NewErrorNoLocation("cat %q: %v", string(path), st)
		}
		defer h.Close()
		data, err := vfs.ReadAll(h)
		if err != nil {
			return config.NewErrorNoLocation("cat %q: %v", string(path), err)
		}
		_, err = out.Write(data)
		return err
	}
}

func cmdLsDevice(devices *device.Registry, out io.Writer) Func {
	return func(env *config.Environment, args []config.Value) error {
		for _, name := range devices.Names() {
			dev, _ := devices.Lookup(name)
			fmt.Fprintf(out, "%s kind=%s\n", name, deviceKind(dev.Kind))
		}
		return nil
	}
}

func cmdLsPartition(devices *device.Registry, out io.Writer) Func {
	return func(env *config.Environment, args []config.Value) error {
		for _, name := range devices.Names() {
			dev, _ := devices.Lookup(name)
			if dev.Partition == nil {
				continue
			}
			fmt.Fprintf(out, "%s parent=%s offset=%#x\n", name, dev.Partition.Parent.Name, dev.Partition.Offset)
		}
		return nil
	}
}

func deviceKind(k device.Kind) string {
	switch k {
	case device.KindDisk:
		return "disk"
	case device.KindNetwork:
		return "network"
	default:
		return "other"
	}
}
