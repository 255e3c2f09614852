// Package parser implements the hand-written recursive-descent configuration
// parser of spec.md §4.5:
//
//	command_list := (command)*
//	command      := ident value_list '\n'
//	value_list   := (value WS)*
//	value        := integer | boolean | string | list | command_list | ref
//	integer      := [0-9][0-9a-fxX]*       (strtoull base 0)
//	boolean      := "true" | "false"
//	string       := '"' (char | '\\' char)* '"'
//	list         := '[' value_list ']'
//	command_list := '{' command_list '}'
//	ref          := '$' ident
//	ident        := [A-Za-z0-9_]+
//	comment      := '#' .* '\n'
//
// The parser is driven by a read callback rather than a byte slice, so a
// shell frontend can feed it characters interactively; it tracks line,
// column and nesting depth, passing the depth to the callback so a REPL can
// change its prompt for nested ('{'-opened) contexts.
package parser

import (
	"strconv"
	"strings"

	"github.com/kboot-go/kboot/internal/config"
)

// ReadFunc supplies the next rune of source, returning ok=false at EOF. The
// nesting argument is the current command_list/list bracket depth, passed
// so callers driving an interactive prompt can distinguish top-level input
// from input inside an open '{' or '['.
type ReadFunc func(nesting int) (r rune, ok bool)

// Parser holds the read callback and cursor position. Construct with New
// and call ParseCommandList for a top-level config file, or ParseOne to
// read a single command (the shell's REPL use case).
type Parser struct {
	read    ReadFunc
	file    string
	line    int
	col     int
	nesting int

	peeked  rune
	hasPeek bool
	atEOF   bool
}

// New builds a Parser reading from read. file names the source for error
// messages (may be empty for shell input).
func New(file string, read ReadFunc) *Parser {
	return &Parser{read: read, file: file, line: 1, col: 1}
}

// NewFromString builds a Parser over a fixed string, the common case for
// parsing a loaded configuration file in one shot.
func NewFromString(file, src string) *Parser {
	runes := []rune(src)
	i := 0
	return New(file, func(nesting int) (rune, bool) {
		if i >= len(runes) {
			return 0, false
		}
		r := runes[i]
		i++
		return r, true
	})
}

func (p *Parser) errorf(format string, args ...any) *config.Error {
	return config.NewError(p.file, p.line, p.col, format, args...)
}

func (p *Parser) next() (rune, bool) {
	if p.hasPeek {
		p.hasPeek = false
		r := p.peeked
		p.advancePos(r)
		return r, true
	}
	if p.atEOF {
		return 0, false
	}
	r, ok := p.read(p.nesting)
	if !ok {
		p.atEOF = true
		return 0, false
	}
	p.advancePos(r)
	return r, true
}

func (p *Parser) advancePos(r rune) {
	if r == '\n' {
		p.line++
		p.col = 1
	} else {
		p.col++
	}
}

func (p *Parser) peek() (rune, bool) {
	if p.hasPeek {
		return p.peeked, true
	}
	if p.atEOF {
		return 0, false
	}
	r, ok := p.read(p.nesting)
	if !ok {
		p.atEOF = true
		return 0, false
	}
	p.peeked = r
	p.hasPeek = true
	return r, true
}

// skipWS consumes spaces, tabs and comments, but not newlines (newlines
// terminate a command and are significant).
func (p *Parser) skipWS() {
	for {
		r, ok := p.peek()
		if !ok {
			return
		}
		switch {
		case r == ' ' || r == '\t' || r == '\r':
			p.next()
		case r == '#':
			p.next()
			for {
				c, ok := p.peek()
				if !ok || c == '\n' {
					return
				}
				p.next()
			}
		default:
			return
		}
	}
}

// skipWSAndNewlines additionally skips blank lines between commands at
// command_list scope.
func (p *Parser) skipWSAndNewlines() {
	for {
		p.skipWS()
		r, ok := p.peek()
		if !ok || r != '\n' {
			return
		}
		p.next()
	}
}

func isIdentRune(r rune) bool {
	return r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_'
}

// parseCommandList parses a top-level sequence of commands until EOF
// (closeBrace=false) or a closing '}' (closeBrace=true, used for a nested
// command_list value).
func (p *Parser) parseCommandList(closeBrace bool) (config.CommandListVal, error) {
	var cmds config.CommandListVal
	for {
		p.skipWSAndNewlines()
		r, ok := p.peek()
		if !ok {
			if closeBrace {
				return nil, p.errorf("unexpected EOF, expected '}'")
			}
			return cmds, nil
		}
		if r == '}' {
			if !closeBrace {
				return nil, p.errorf("unexpected '}'")
			}
			p.next()
			return cmds, nil
		}
		cmd, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
}

// ParseCommandList parses an entire configuration source to EOF.
func (p *Parser) ParseCommandList() (config.CommandListVal, error) {
	return p.parseCommandList(false)
}

// ParseOne parses a single command, for the shell REPL driving the parser
// one line at a time. Returns (nil, nil) at EOF with nothing left to parse.
func (p *Parser) ParseOne() (*config.Command, error) {
	p.skipWSAndNewlines()
	if _, ok := p.peek(); !ok {
		return nil, nil
	}
	cmd, err := p.parseCommand()
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (p *Parser) parseCommand() (config.Command, error) {
	line, col := p.line, p.col
	ident, err := p.parseIdent()
	if err != nil {
		return config.Command{}, err
	}
	var args []config.Value
	for {
		p.skipWS()
		r, ok := p.peek()
		if !ok || r == '\n' {
			if ok {
				p.next()
			}
			return config.Command{Name: ident, Args: args, Line: line, Col: col}, nil
		}
		if r == '}' {
			// A command_list value's closing brace also ends the final
			// command inside it without a trailing newline.
			return config.Command{Name: ident, Args: args, Line: line, Col: col}, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return config.Command{}, err
		}
		args = append(args, v)
	}
}

func (p *Parser) parseIdent() (string, error) {
	var sb strings.Builder
	r, ok := p.peek()
	if !ok || !isIdentRune(r) {
		return "", p.errorf("expected identifier")
	}
	for {
		r, ok := p.peek()
		if !ok || !isIdentRune(r) {
			break
		}
		p.next()
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

func (p *Parser) parseValue() (config.Value, error) {
	r, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected EOF, expected value")
	}
	switch {
	case r == '"':
		return p.parseString()
	case r == '[':
		return p.parseList()
	case r == '{':
		return p.parseNestedCommandList()
	case r == '$':
		return p.parseRef()
	case r >= '0' && r <= '9':
		return p.parseInteger()
	case isIdentRune(r):
		return p.parseKeyword()
	default:
		return nil, p.errorf("unexpected character %q", r)
	}
}

func (p *Parser) parseString() (config.Value, error) {
	p.next() // opening quote
	var sb strings.Builder
	for {
		r, ok := p.next()
		if !ok {
			return nil, p.errorf("unterminated string literal")
		}
		if r == '"' {
			return config.Str(sb.String()), nil
		}
		if r == '\\' {
			esc, ok := p.next()
			if !ok {
				return nil, p.errorf("unterminated escape sequence")
			}
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '"', '\\':
				sb.WriteRune(esc)
			case '$':
				// spec.md §9 Open Question 2: \$ is a literal $ that must
				// not be live-substituted later. Emit the marker rune
				// instead of '$' itself so substituteString can tell this
				// apart from a real "${...}" reference once it sees only
				// the string's runes.
				sb.WriteRune(config.EscapedDollar)
			default:
				sb.WriteRune(esc)
			}
			continue
		}
		sb.WriteRune(r)
	}
}

func (p *Parser) parseList() (config.Value, error) {
	p.next() // '['
	p.nesting++
	defer func() { p.nesting-- }()
	var values config.List
	for {
		p.skipWSAndNewlines()
		r, ok := p.peek()
		if !ok {
			return nil, p.errorf("unexpected EOF, expected ']'")
		}
		if r == ']' {
			p.next()
			return values, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
}

func (p *Parser) parseNestedCommandList() (config.Value, error) {
	p.next() // '{'
	p.nesting++
	defer func() { p.nesting-- }()
	cmds, err := p.parseCommandList(true)
	if err != nil {
		return nil, err
	}
	return cmds, nil
}

func (p *Parser) parseRef() (config.Value, error) {
	p.next() // '$'
	name, err := p.parseIdent()
	if err != nil {
		return nil, p.errorf("expected identifier after '$'")
	}
	return config.Ref{Name: name}, nil
}

func (p *Parser) parseInteger() (config.Value, error) {
	var sb strings.Builder
	for {
		r, ok := p.peek()
		if !ok {
			break
		}
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F' || r == 'x' || r == 'X' {
			p.next()
			sb.WriteRune(r)
			continue
		}
		break
	}
	n, err := strconv.ParseUint(sb.String(), 0, 64)
	if err != nil {
		return nil, p.errorf("invalid integer literal %q: %v", sb.String(), err)
	}
	return config.Int(n), nil
}

// parseKeyword parses "true"/"false", the only bare-identifier values the
// grammar admits; any other bare identifier is a syntax error (the grammar
// has no bareword-string production).
func (p *Parser) parseKeyword() (config.Value, error) {
	ident, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	switch ident {
	case "true":
		return config.Bool(true), nil
	case "false":
		return config.Bool(false), nil
	default:
		return nil, p.errorf("unexpected identifier %q where a value was expected", ident)
	}
}
