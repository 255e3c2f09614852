// Package exec implements command registration and command_list_exec
// (spec.md §4.6): just-in-time variable substitution followed by dispatch
// to a registered command function, raising a config error at the first
// command after a loader-setting command.
package exec

import (
	"github.com/kboot-go/kboot/internal/config"
)

// Func is a registered command's implementation. env is the environment the
// command runs against (already set as "current" by Exec); args are the
// already-substituted argument values.
type Func func(env *config.Environment, args []config.Value) error

// Registry maps command identifiers to their implementations (spec.md §4.6
// "Commands registered by the system include at minimum: set, unset, env,
// reboot, exit, lsmemory, plus every OS-loader command").
type Registry struct {
	commands map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Func)}
}

// Register installs fn under name, overwriting any previous registration
// (loader packages use this to add their own loader command on top of the
// builtins installed by RegisterBuiltins).
func (r *Registry) Register(name string, fn Func) {
	r.commands[name] = fn
}

func (r *Registry) lookup(name string) (Func, bool) {
	fn, ok := r.commands[name]
	return fn, ok
}

// Exec implements command_list_exec(cmds, env): substitutes each command's
// arguments just-in-time, then dispatches. If any command remains after the
// one that bound the loader, spec.md §4.6 ("execution halts with a config
// error as soon as a command after a loader-setting command is encountered")
// and §8 testable property 6 ("no loader is bound") both apply: Exec raises a
// *config.Error and unbinds the loader it had just bound, rather than
// returning nil with env left LoaderBound. It also returns a *config.Error on
// substitution failure, an unknown command, or a command's own error.
func (r *Registry) Exec(cmds config.CommandListVal, env *config.Environment) error {
	for _, cmd := range cmds {
		if env.State == config.LoaderBound || env.State == config.Booted {
			err := config.NewError("", cmd.Line, cmd.Col, "command %q follows a loader-setting command", cmd.Name)
			if env.State == config.LoaderBound {
				env.UnbindLoader()
			}
			return err
		}
		args, err := substituteArgs(cmd.Args, env)
		if err != nil {
			return wrapLocation(err, cmd)
		}
		fn, ok := r.lookup(cmd.Name)
		if !ok {
			return config.NewError("", cmd.Line, cmd.Col, "unknown command %q", cmd.Name)
		}
		if err := fn(env, args); err != nil {
			return wrapLocation(err, cmd)
		}
	}
	return nil
}

func wrapLocation(err error, cmd config.Command) error {
	if cerr, ok := err.(*config.Error); ok && !cerr.HasLocation {
		cerr.Line, cerr.Col, cerr.HasLocation = cmd.Line, cmd.Col, true
		return cerr
	}
	return err
}

// substituteArgs applies spec.md §4.6's substitution rules to each argument:
// a bare Ref is replaced by a deep copy of the named variable; a string's
// "${name}" occurrences are replaced by the stringified value; lists
// recurse element-wise.
func substituteArgs(args []config.Value, env *config.Environment) ([]config.Value, error) {
	out := make([]config.Value, len(args))
	for i, a := range args {
		v, err := substituteValue(a, env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func substituteValue(v config.Value, env *config.Environment) (config.Value, error) {
	switch val := v.(type) {
	case config.Ref:
		resolved, ok := env.Lookup(val.Name)
		if !ok {
			return nil, config.NewErrorNoLocation("undefined variable %q", val.Name)
		}
		return resolved.Clone(), nil
	case config.Str:
		s, err := substituteString(string(val), env)
		if err != nil {
			return nil, err
		}
		return config.Str(s), nil
	case config.List:
		out := make(config.List, len(val))
		for i, e := range val {
			sv, err := substituteValue(e, env)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	default:
		return v, nil
	}
}

// substituteString replaces every "${name}" in s with the stringified
// current value of name. Lists and command-lists are not stringifiable
// (spec.md §4.6); referencing one inside a string is a config error. A
// config.EscapedDollar marker (parser.go's rendering of a source "\$") is
// rewritten to a literal "$" and never treated as the start of a
// reference, per spec.md §9 Open Question 2.
func substituteString(s string, env *config.Environment) (string, error) {
	var out []byte
	for i := 0; i < len(s); {
		if s[i] == config.EscapedDollar {
			out = append(out, '$')
			i++
			continue
		}
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := i + 2
			for end < len(s) && s[end] != '}' {
				end++
			}
			if end >= len(s) {
				return "", config.NewErrorNoLocation("unterminated ${...} in string")
			}
			name := s[i+2 : end]
			val, ok := env.Lookup(name)
			if !ok {
				return "", config.NewErrorNoLocation("undefined variable %q", name)
			}
			switch val.Kind() {
			case config.KindList, config.KindCommandList:
				return "", config.NewErrorNoLocation("variable %q is not stringifiable", name)
			}
			out = append(out, []byte(val.String())...)
			i = end + 1
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out), nil
}
