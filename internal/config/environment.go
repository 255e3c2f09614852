package config

import (
	"github.com/kboot-go/kboot/internal/device"
	"github.com/kboot-go/kboot/internal/vfs"
)

// LoaderOps is the OS-loader binding an environment acquires once a loader
// command runs (spec.md §4.6 "loader commands do not load; they set
// env.loader_ops and env.loader_state"). Load must not return on success.
type LoaderOps interface {
	Load(state any) error
}

// Lifecycle mirrors spec.md §4.9's environment state machine:
// fresh -> populated (0..N set/unset) -> loader-bound -> booted.
type Lifecycle int

const (
	Fresh Lifecycle = iota
	Populated
	LoaderBound
	Booted
)

// Environment is the mutable context command execution runs against
// (spec.md §3 "Environment", §4.6). The zero value is not usable; build one
// with NewEnvironment or Create.
type Environment struct {
	Parent *Environment

	Device *device.Device
	Dir    *vfs.Handle

	Entries map[string]Value

	LoaderOps   LoaderOps
	LoaderState any

	State Lifecycle
}

// NewEnvironment creates a root environment with no parent.
func NewEnvironment() *Environment {
	return &Environment{Entries: make(map[string]Value), State: Fresh}
}

// Create implements environ_create(parent): if parent is non-nil, the child
// inherits device, directory (with an added reference), and a deep copy of
// entries; loader fields remain nil (spec.md §4.6).
func Create(parent *Environment) *Environment {
	child := &Environment{Entries: make(map[string]Value), State: Fresh}
	if parent == nil {
		return child
	}
	child.Device = parent.Device
	if parent.Dir != nil {
		child.Dir = parent.Dir.Retain()
	}
	for k, v := range parent.Entries {
		child.Entries[k] = v.Clone()
	}
	child.Parent = parent
	return child
}

// Destroy implements environ_destroy: releases the directory handle. Owned
// Values (Go-managed) need no explicit release.
func (e *Environment) Destroy() {
	if e.Dir != nil {
		e.Dir.Close()
		e.Dir = nil
	}
}

// Set implements the `set` command's effect: assigns name, transitioning
// Fresh to Populated.
func (e *Environment) Set(name string, v Value) {
	e.Entries[name] = v
	if e.State == Fresh {
		e.State = Populated
	}
}

// Unset implements the `unset` command's effect.
func (e *Environment) Unset(name string) {
	delete(e.Entries, name)
	if e.State == Fresh {
		e.State = Populated
	}
}

// Lookup returns the current value of name, or ok=false if undefined.
func (e *Environment) Lookup(name string) (Value, bool) {
	v, ok := e.Entries[name]
	return v, ok
}

// BindLoader implements a loader command's effect: sets loader_ops/state and
// transitions to LoaderBound. Calling it when already LoaderBound or Booted
// is an internal_error-class bug — the executor must stop dispatch before
// that can happen (spec.md §4.9 "no command dispatch is permitted on
// loader-bound").
func (e *Environment) BindLoader(ops LoaderOps, state any) {
	if e.State == LoaderBound || e.State == Booted {
		panic("config: BindLoader called on an already loader-bound environment")
	}
	e.LoaderOps = ops
	e.LoaderState = state
	e.State = LoaderBound
}

// UnbindLoader reverses a BindLoader that turned out not to be the final
// command in its command list (spec.md §4.9's loader-bound state is only
// valid when nothing runs after it; §8 property 6 requires that a command
// list violating that leaves no loader bound at all). Reverts to Populated
// since a loader-setting command necessarily reached Exec by way of a
// populated environment.
func (e *Environment) UnbindLoader() {
	e.LoaderOps = nil
	e.LoaderState = nil
	e.State = Populated
}

// Boot implements environ_boot(env): asserts loader_ops is set, transitions
// to Booted, and invokes Load. A successful Load never returns to its
// caller in the real system; here it returns the error Load produced, if
// any (nil implies Load took over control and this function's return value
// is moot to the caller, matching the teacher's style of signalling a
// point-of-no-return by error return rather than process exit).
func (e *Environment) Boot() error {
	if e.LoaderOps == nil {
		return NewErrorNoLocation("environ_boot: no loader bound")
	}
	e.State = Booted
	return e.LoaderOps.Load(e.LoaderState)
}
