package bootloader

import (
	"errors"
	"testing"

	"github.com/kboot-go/kboot/internal/config"
)

type fakeLoader struct {
	window    Window
	hasWindow bool
	loaded    bool
	loadErr   error
}

func (f *fakeLoader) Configure(state any) (Window, bool) { return f.window, f.hasWindow }
func (f *fakeLoader) Load(state any) error {
	f.loaded = true
	return f.loadErr
}

func TestBootRunsHooksThenLoads(t *testing.T) {
	env := config.NewEnvironment()
	loader := &fakeLoader{window: Window{Start: 0x100000, Size: 0x1000}, hasWindow: true}
	env.BindLoader(loader, nil)

	b := NewBoot()
	var order []string
	b.AddResetHook(func() error { order = append(order, "hook1"); return nil })
	b.AddResetHook(func() error { order = append(order, "hook2"); return nil })

	if err := b.Run(env); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !loader.loaded {
		t.Fatal("expected Load to be called")
	}
	if len(order) != 2 || order[0] != "hook1" || order[1] != "hook2" {
		t.Fatalf("hooks ran out of order: %v", order)
	}
	if env.State != config.Booted {
		t.Fatalf("expected Booted, got %v", env.State)
	}
}

func TestBootAbortsOnHookFailure(t *testing.T) {
	env := config.NewEnvironment()
	loader := &fakeLoader{}
	env.BindLoader(loader, nil)

	b := NewBoot()
	b.AddResetHook(func() error { return errors.New("watchdog disable failed") })

	if err := b.Run(env); err == nil {
		t.Fatal("expected an error from the failing hook")
	}
	if loader.loaded {
		t.Fatal("Load must not run when a reset hook fails")
	}
}

func TestBootRequiresLoaderBound(t *testing.T) {
	env := config.NewEnvironment()
	b := NewBoot()
	if err := b.Run(env); err == nil {
		t.Fatal("expected an error when no loader is bound")
	}
}
