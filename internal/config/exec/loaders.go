package exec

import (
	"strings"

	"github.com/kboot-go/kboot/internal/bootloader"
	"github.com/kboot-go/kboot/internal/bootproto"
	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/linuxboot"
	"github.com/kboot-go/kboot/internal/vfs"
)

// nativeOps and linuxOps bind this repository's two concrete loader
// implementations into the bootloader.Ops a LoaderOps-bound environment
// carries (spec.md §3 "Loader"). Neither has a meaningful preview window:
// the native loader allocates its image only inside Load, and the Linux
// loader's kernel placement is equally late-bound.
type nativeOps struct {
	loader *bootproto.Loader
	src    bootproto.ImageSource
	opts   bootproto.LoadOptions
}

func (o *nativeOps) Configure(any) (bootloader.Window, bool) { return bootloader.Window{}, false }
func (o *nativeOps) Load(any) error                          { return o.loader.Load(o.src, o.opts) }

type linuxOps struct {
	loader *linuxboot.Loader
	data   []byte
	opts   linuxboot.LoadOptions
}

func (o *linuxOps) Configure(any) (bootloader.Window, bool) { return bootloader.Window{}, false }
func (o *linuxOps) Load(any) error                          { return o.loader.Load(o.data, o.opts) }

// RegisterLoaders installs the OS-loader commands spec.md §6's CLI surface
// requires "one command per OS loader": kboot (native tag protocol), linux
// (Linux boot protocol), and multiboot/efi/chain. The latter three have no
// concrete implementation in this repository (spec.md §1 lists only the
// native and Linux loaders as in scope); external wires one in per name,
// exactly the way Rebooter/Exiter let a platform supply reboot/exit without
// this package knowing their concrete type.
func RegisterLoaders(r *Registry, resolver *vfs.Resolver, native *bootproto.Loader, linux *linuxboot.Loader, external map[string]bootloader.Ops) {
	r.Register("kboot", cmdKboot(resolver, native))
	r.Register("linux", cmdLinux(resolver, linux))
	r.Register("multiboot", cmdExternal("multiboot", resolver, external))
	r.Register("efi", cmdExternal("efi", resolver, external))
	r.Register("chain", cmdExternal("chain", resolver, external))
}

// cmdKboot implements `kboot <path> [module-path...]`: option values come
// from any integer entry in the environment named "option_<name>" (the
// image declares the option names it wants via its OPTION tags; by the
// time a loader command runs, `set` has already populated them under this
// convention).
func cmdKboot(resolver *vfs.Resolver, loader *bootproto.Loader) Func {
	return func(env *config.Environment, args []config.Value) error {
		if loader == nil {
			return config.NewErrorNoLocation("kboot: no native loader installed for this architecture")
		}
		if len(args) < 1 {
			return config.NewErrorNoLocation("kboot: expected a kernel path")
		}
		path, ok := args[0].(config.Str)
		if !ok {
			return config.NewErrorNoLocation("kboot: kernel path must be a string")
		}
		raw, err := readPath(resolver, env, string(path))
		if err != nil {
			return err
		}
		notes, err := bootproto.ExtractNotes(raw)
		if err != nil {
			return config.NewErrorNoLocation("kboot: %v", err)
		}

		var modules []bootproto.ModuleFile
		for _, a := range args[1:] {
			modPath, ok := a.(config.Str)
			if !ok {
				return config.NewErrorNoLocation("kboot: module path must be a string")
			}
			data, err := readPath(resolver, env, string(modPath))
			if err != nil {
				return err
			}
			modules = append(modules, bootproto.ModuleFile{Name: baseName(string(modPath)), Data: data})
		}

		opts := bootproto.LoadOptions{
			Modules:    modules,
			OptionVals: optionValues(env),
		}
		env.BindLoader(&nativeOps{
			loader: loader,
			src:    bootproto.ImageSource{NoteData: notes, ImageBytes: raw},
			opts:   opts,
		}, nil)
		return nil
	}
}

// cmdLinux implements `linux <path> <cmdline>` (spec.md §8 Scenario E).
// initrd comes from the environment's "initrd" string entry, if set.
func cmdLinux(resolver *vfs.Resolver, loader *linuxboot.Loader) Func {
	return func(env *config.Environment, args []config.Value) error {
		if loader == nil {
			return config.NewErrorNoLocation("linux: no Linux loader installed for this architecture")
		}
		if len(args) != 2 {
			return config.NewErrorNoLocation("linux: expected 2 arguments (path, cmdline), got %d", len(args))
		}
		path, ok := args[0].(config.Str)
		if !ok {
			return config.NewErrorNoLocation("linux: kernel path must be a string")
		}
		cmdline, ok := args[1].(config.Str)
		if !ok {
			return config.NewErrorNoLocation("linux: cmdline must be a string")
		}
		data, err := readPath(resolver, env, string(path))
		if err != nil {
			return err
		}

		opts := linuxboot.LoadOptions{Cmdline: string(cmdline)}
		if v, ok := env.Lookup("initrd"); ok {
			initrdPath, ok := v.(config.Str)
			if !ok {
				return config.NewErrorNoLocation("linux: initrd entry must be a string path")
			}
			initrd, err := readPath(resolver, env, string(initrdPath))
			if err != nil {
				return err
			}
			opts.Initrd = initrd
		}
		if v, ok := env.Lookup("efi_system_table"); ok {
			n, ok := v.(config.Int)
			if !ok {
				return config.NewErrorNoLocation("linux: efi_system_table entry must be an integer")
			}
			opts.EFISystemTable = uint64(n)
		}

		env.BindLoader(&linuxOps{loader: loader, data: data, opts: opts}, nil)
		return nil
	}
}

// cmdExternal binds multiboot/efi/chain to whichever bootloader.Ops the
// platform installed under that name, passing the resolved path and raw
// file bytes through as loader_state for the collaborator to interpret
// (spec.md's supplemented `chain` feature: "wire its command registration
// and environment binding... even though the concrete chain-loader is an
// external collaborator").
func cmdExternal(name string, resolver *vfs.Resolver, external map[string]bootloader.Ops) Func {
	return func(env *config.Environment, args []config.Value) error {
		ops, ok := external[name]
		if !ok {
			return config.NewErrorNoLocation("%s: no loader installed under this name", name)
		}
		if len(args) < 1 {
			return config.NewErrorNoLocation("%s: expected a path", name)
		}
		path, ok := args[0].(config.Str)
		if !ok {
			return config.NewErrorNoLocation("%s: path must be a string", name)
		}
		data, err := readPath(resolver, env, string(path))
		if err != nil {
			return err
		}
		env.BindLoader(ops, externalState{Path: string(path), Data: data, Args: args[1:]})
		return nil
	}
}

// externalState is the opaque loader_state an external collaborator's
// Load/Configure receives for multiboot/efi/chain.
type externalState struct {
	Path string
	Data []byte
	Args []config.Value
}

func readPath(resolver *vfs.Resolver, env *config.Environment, path string) ([]byte, error) {
	h, st := resolver.Open(path, env.Device, env.Dir, vfs.FlagDecompress)
	if st != vfs.StatusOK {
		return nil, config.NewErrorNoLocation("open %q: %v", path, st)
	}
	defer h.Close()
	data, err := vfs.ReadAll(h)
	if err != nil {
		return nil, config.NewErrorNoLocation("read %q: %v", path, err)
	}
	return data, nil
}

// optionValues collects every integer environment entry named
// "option_<name>" into the map the native loader emits as OPTION tags.
func optionValues(env *config.Environment) map[string]uint64 {
	const prefix = "option_"
	out := make(map[string]uint64)
	for name, v := range env.Entries {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, ok := v.(config.Int)
		if !ok {
			continue
		}
		out[strings.TrimPrefix(name, prefix)] = uint64(n)
	}
	return out
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
