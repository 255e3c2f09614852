package exec

import (
	"bytes"
	"testing"

	"github.com/kboot-go/kboot/internal/config"
	"github.com/kboot-go/kboot/internal/config/parser"
)

func mustParse(t *testing.T, src string) config.CommandListVal {
	t.Helper()
	cmds, err := parser.NewFromString("", src).ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cmds
}

func TestExecSetAndRefSubstitution(t *testing.T) {
	r := NewRegistry()
	var out bytes.Buffer
	RegisterBuiltins(r, &out, nil, nil, nil)

	env := config.NewEnvironment()
	cmds := mustParse(t, "set \"greeting\" \"hi\"\nset \"copy\" $greeting\n")
	if err := r.Exec(cmds, env); err != nil {
		t.Fatalf("exec: %v", err)
	}
	v, ok := env.Lookup("copy")
	if !ok || v != config.Str("hi") {
		t.Fatalf("copy = %#v, ok=%v", v, ok)
	}
}

func TestExecStringInterpolation(t *testing.T) {
	r := NewRegistry()
	var out bytes.Buffer
	RegisterBuiltins(r, &out, nil, nil, nil)

	env := config.NewEnvironment()
	cmds := mustParse(t, "set \"n\" 42\nset \"msg\" \"value is ${n}\"\n")
	if err := r.Exec(cmds, env); err != nil {
		t.Fatalf("exec: %v", err)
	}
	v, _ := env.Lookup("msg")
	if v != config.Str("value is 42") {
		t.Fatalf("msg = %#v", v)
	}
}

func TestExecEscapedDollarSuppressesSubstitution(t *testing.T) {
	r := NewRegistry()
	var out bytes.Buffer
	RegisterBuiltins(r, &out, nil, nil, nil)

	env := config.NewEnvironment()
	cmds := mustParse(t, `set "name" "literal" `+"\n"+`set "msg" "\${name}"`+"\n")
	if err := r.Exec(cmds, env); err != nil {
		t.Fatalf("exec: %v", err)
	}
	v, ok := env.Lookup("msg")
	if !ok {
		t.Fatal("msg not set")
	}
	if v != config.Str("${name}") {
		t.Fatalf(`msg = %#v, want the literal string "${name}" (unsubstituted)`, v)
	}
}

func TestExecUndefinedVariableIsConfigError(t *testing.T) {
	r := NewRegistry()
	var out bytes.Buffer
	RegisterBuiltins(r, &out, nil, nil, nil)

	env := config.NewEnvironment()
	cmds := mustParse(t, "set \"x\" $nope\n")
	err := r.Exec(cmds, env)
	if err == nil {
		t.Fatal("expected a config error")
	}
	if _, ok := err.(*config.Error); !ok {
		t.Fatalf("expected *config.Error, got %T", err)
	}
}

func TestExecHaltsAfterLoaderBind(t *testing.T) {
	r := NewRegistry()
	var out bytes.Buffer
	RegisterBuiltins(r, &out, nil, nil, nil)
	ran := false
	r.Register("fakeload", func(env *config.Environment, args []config.Value) error {
		env.BindLoader(fakeLoaderOps{}, nil)
		return nil
	})
	r.Register("afterload", func(env *config.Environment, args []config.Value) error {
		ran = true
		return nil
	})

	env := config.NewEnvironment()
	cmds := mustParse(t, "fakeload\nafterload\n")
	err := r.Exec(cmds, env)
	if err == nil {
		t.Fatal("expected a config error")
	}
	if _, ok := err.(*config.Error); !ok {
		t.Fatalf("expected *config.Error, got %T", err)
	}
	if ran {
		t.Fatal("command after a loader-binding command must not run")
	}
	if env.State == config.LoaderBound {
		t.Fatal("no loader must be bound after a config error unwinds the bind")
	}
	if env.LoaderOps != nil {
		t.Fatal("loader_ops must be cleared after the bind is unwound")
	}
}

type fakeLoaderOps struct{}

func (fakeLoaderOps) Load(state any) error { return nil }

func TestExecUnknownCommand(t *testing.T) {
	r := NewRegistry()
	env := config.NewEnvironment()
	cmds := mustParse(t, "frobnicate\n")
	err := r.Exec(cmds, env)
	if err == nil {
		t.Fatal("expected an error for unknown command")
	}
}
