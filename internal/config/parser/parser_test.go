package parser

import (
	"testing"

	"github.com/kboot-go/kboot/internal/config"
)

func TestParseSimpleCommand(t *testing.T) {
	p := NewFromString("test.cfg", `set "name" "value"` + "\n")
	cmds, err := p.ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	c := cmds[0]
	if c.Name != "set" {
		t.Fatalf("Name = %q", c.Name)
	}
	if len(c.Args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(c.Args))
	}
	if c.Args[0] != config.Str("name") {
		t.Fatalf("arg0 = %#v", c.Args[0])
	}
	if c.Args[1] != config.Str("value") {
		t.Fatalf("arg1 = %#v", c.Args[1])
	}
}

func TestParseIntegerBases(t *testing.T) {
	p := NewFromString("", "set 0x1A 010 42\n")
	cmds, err := p.ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	args := cmds[0].Args
	if args[0] != config.Int(0x1A) {
		t.Fatalf("hex: got %v", args[0])
	}
	if args[1] != config.Int(8) {
		t.Fatalf("octal: got %v", args[1])
	}
	if args[2] != config.Int(42) {
		t.Fatalf("decimal: got %v", args[2])
	}
}

func TestParseListAndRef(t *testing.T) {
	p := NewFromString("", "set [1 2 $y true]\n")
	cmds, err := p.ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	list, ok := cmds[0].Args[0].(config.List)
	if !ok {
		t.Fatalf("expected list value, got %T", cmds[0].Args[0])
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(list))
	}
	if ref, ok := list[2].(config.Ref); !ok || ref.Name != "y" {
		t.Fatalf("expected ref y, got %#v", list[2])
	}
}

func TestParseEscapedDollarIsNotALiveRef(t *testing.T) {
	p := NewFromString("", `set "x" "\${name}"`+"\n")
	cmds, err := p.ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := string(cmds[0].Args[1].(config.Str))
	want := string(config.EscapedDollar) + "{name}"
	if got != want {
		t.Fatalf("\\${name} parsed to %q, want %q (marker + literal braces, not a live ${...} ref)", got, want)
	}
}

func TestParseNestedCommandList(t *testing.T) {
	p := NewFromString("", "menuentry \"Linux\" {\n  linux \"boot\"\n  set \"x\" 1\n}\n")
	cmds, err := p.ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Name != "menuentry" {
		t.Fatalf("unexpected top-level parse: %#v", cmds)
	}
	body, ok := cmds[0].Args[1].(config.CommandListVal)
	if !ok {
		t.Fatalf("expected command_list value, got %T", cmds[0].Args[1])
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 nested commands, got %d", len(body))
	}
}

func TestParseCommentsAreSkipped(t *testing.T) {
	p := NewFromString("", "# a comment\nset \"x\" 1 # trailing\nset \"y\" 2\n")
	cmds, err := p.ParseCommandList()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
}

func TestParseErrorReportsLocation(t *testing.T) {
	p := NewFromString("test.cfg", "set x @\n")
	_, err := p.ParseCommandList()
	if err == nil {
		t.Fatal("expected a parse error")
	}
	cerr, ok := err.(*config.Error)
	if !ok {
		t.Fatalf("expected *config.Error, got %T", err)
	}
	if cerr.Line != 1 {
		t.Fatalf("expected error on line 1, got %d", cerr.Line)
	}
}

func TestParseOneDrivesShellStyleInput(t *testing.T) {
	p := NewFromString("", "set \"a\" 1\nset \"b\" 2\n")
	var names []string
	for {
		c, err := p.ParseOne()
		if err != nil {
			t.Fatalf("ParseOne: %v", err)
		}
		if c == nil {
			break
		}
		names = append(names, c.Name)
	}
	if len(names) != 2 || names[0] != "set" || names[1] != "set" {
		t.Fatalf("unexpected sequence: %v", names)
	}
}
