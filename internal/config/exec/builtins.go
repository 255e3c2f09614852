package exec

import (
	"fmt"
	"io"
	"sort"

	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/memmap"
)

// Rebooter and Exiter are external collaborators the `reboot`/`exit`
// builtins call through, kept as narrow interfaces so the core doesn't
// depend on a concrete platform package (spec.md §6 "Platform").
type Rebooter interface{ Reboot() error }
type Exiter interface{ Exit(code int) error }

// RegisterBuiltins installs the system commands spec.md §4.6 requires at
// minimum. out receives `env`/`lsmemory` human-readable output (the
// console, in production; a buffer in tests).
func RegisterBuiltins(r *Registry, out io.Writer, snapshot func() *memmap.Map, reboot Rebooter, exit Exiter) {
	r.Register("set", cmdSet)
	r.Register("unset", cmdUnset)
	r.Register("env", cmdEnv(out))
	r.Register("reboot", cmdReboot(reboot))
	r.Register("exit", cmdExit(exit))
	r.Register("lsmemory", cmdLsMemory(out, snapshot))
}

func cmdSet(env *config.Environment, args []config.Value) error {
	if len(args) != 2 {
		return config.NewErrorNoLocation("set: expected 2 arguments (name, value), got %d", len(args))
	}
	name, ok := args[0].(config.Str)
	if !ok {
		return config.NewErrorNoLocation("set: first argument must be a string")
	}
	env.Set(string(name), args[1])
	return nil
}

func cmdUnset(env *config.Environment, args []config.Value) error {
	if len(args) != 1 {
		return config.NewErrorNoLocation("unset: expected 1 argument (name), got %d", len(args))
	}
	name, ok := args[0].(config.Str)
	if !ok {
		return config.NewErrorNoLocation("unset: argument must be a string")
	}
	env.Unset(string(name))
	return nil
}

func cmdEnv(out io.Writer) Func {
	return func(env *config.Environment, args []config.Value) error {
		names := make([]string, 0, len(env.Entries))
		for name := range env.Entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s = %s\n", name, env.Entries[name].String())
		}
		return nil
	}
}

func cmdReboot(reboot Rebooter) Func {
	return func(env *config.Environment, args []config.Value) error {
		if reboot == nil {
			return config.NewErrorNoLocation("reboot: no platform reboot hook installed")
		}
		return reboot.Reboot()
	}
}

func cmdExit(exit Exiter) Func {
	return func(env *config.Environment, args []config.Value) error {
		code := 0
		if len(args) == 1 {
			n, ok := args[0].(config.Int)
			if !ok {
				return config.NewErrorNoLocation("exit: argument must be an integer")
			}
			code = int(n)
		}
		if exit == nil {
			return config.NewErrorNoLocation("exit: no platform exit hook installed")
		}
		return exit.Exit(code)
	}
}

func cmdLsMemory(out io.Writer, snapshot func() *memmap.Map) Func {
	return func(env *config.Environment, args []config.Value) error {
		if snapshot == nil {
			return config.NewErrorNoLocation("lsmemory: no memory map installed")
		}
		for _, rng := range snapshot().Ranges() {
			fmt.Fprintf(out, "%#016x +%#x %s\n", rng.Start, rng.Size, rng.Type)
		}
		return nil
	}
}
