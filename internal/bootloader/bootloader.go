// Package bootloader implements the Loader contract and the final
// environment-to-hardware handoff of spec.md §3 ("Loader") and §2
// (dataflow: "... user confirms -> preboot -> loader load -> never
// returns").
package bootloader

import (
	"fmt"

	"github.com/kboot-go/kboot/internal/config"
)

// Window is the return value of an optional Configure step: a loader may
// report back the physical address range it intends to use so the caller
// can sanity-check it against the memory map before committing (spec.md §3
// "optional configure(state) -> window").
type Window struct {
	Start, Size uint64
}

// Ops is the contract every OS loader (native tag protocol, Linux
// boot protocol) implements. Load must not return on success; by
// convention it returns an error only when it detects a fatal problem
// before the point of no return (spec.md §4.7 "failures after step 3 are
// also fatal (no rollback)" — once Load has mutated the memory map, it no
// longer returns at all, successful or not).
type Ops interface {
	// Configure previews the physical window Load would use for state,
	// without allocating anything, so ResetHooks can run before commitment.
	// A loader without a meaningful preview returns the zero Window and
	// ok=false.
	Configure(state any) (Window, bool)
	Load(state any) error
}

// ResetHook runs immediately before Load, after the user has confirmed
// boot and after Configure has been called (Run does not check the window
// Configure returns). Hooks run
// in registration order; the first error aborts preboot and Load is never
// called (spec.md §2's "preboot" step covers platform-specific last-chance
// actions like disabling a watchdog or flushing a console).
type ResetHook func() error

// Boot drives the final step of spec.md §2's dataflow for an environment
// that already has a loader bound (env.State == config.LoaderBound):
// optionally previews the loader's window, runs the installed reset hooks,
// then calls environ_boot. Command dispatch must already be disabled by
// the caller per spec.md §4.9; Boot itself does not re-check State beyond
// what Environment.Boot already asserts.
type Boot struct {
	hooks []ResetHook
}

func NewBoot() *Boot { return &Boot{} }

// AddResetHook registers a hook to run before every Load, in registration
// order.
func (b *Boot) AddResetHook(h ResetHook) {
	b.hooks = append(b.hooks, h)
}

// Run executes the preboot hooks and then environ_boot(env). It returns an
// error if a hook fails or if Load itself returns with an error (Load
// returning nil means it took over control; that is reported as success,
// matching spec.md's "must not return" semantics for the success path).
func (b *Boot) Run(env *config.Environment) error {
	if env.LoaderOps == nil {
		return config.NewErrorNoLocation("preboot: environment has no loader bound")
	}
	ops, ok := env.LoaderOps.(Ops)
	if !ok {
		return fmt.Errorf("preboot: loader_ops does not implement bootloader.Ops")
	}
	if _, hasWindow := ops.Configure(env.LoaderState); hasWindow {
		// The window is available to a caller that wants to cross-check it
		// against the memory map before running reset hooks; this package
		// itself does not second-guess the loader's own allocation.
	}
	for _, hook := range b.hooks {
		if err := hook(); err != nil {
			return fmt.Errorf("preboot: reset hook failed: %w", err)
		}
	}
	return env.Boot()
}
