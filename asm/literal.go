package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/tycore/vm"
)

// literalParser reads a LOAD_CONST operand. Every value it produces is
// immortal, as code constants must be.
type literalParser struct {
	src   string
	pos   int
	codes map[string]*vm.Code
}

func (p *literalParser) parse() (*vm.Object, error) {
	o, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected %q after literal", p.src[p.pos:])
	}
	return o, nil
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *literalParser) value() (*vm.Object, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("missing literal")
	}
	switch c := p.src[p.pos]; {
	case c == '(':
		return p.tuple()
	case c == '"':
		return p.str()
	case c == '@':
		p.pos++
		name := p.word()
		code, ok := p.codes[name]
		if !ok {
			return nil, fmt.Errorf("unknown code block @%s (blocks must be defined before use)", name)
		}
		return code.Object(), nil
	case c == '-' || (c >= '0' && c <= '9'):
		w := p.word()
		v, err := strconv.ParseInt(w, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", w)
		}
		return vm.ConstInt(v), nil
	}
	switch w := p.word(); w {
	case "None":
		return vm.None, nil
	case "True":
		return vm.True, nil
	case "False":
		return vm.False, nil
	case "":
		return nil, fmt.Errorf("unexpected %q", p.src[p.pos:])
	default:
		return nil, fmt.Errorf("unknown literal %s", w)
	}
}

// word reads up to the next delimiter.
func (p *literalParser) word() string {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune(" \t,()", rune(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *literalParser) str() (*vm.Object, error) {
	start := p.pos
	p.pos++
	for p.pos < len(p.src) && p.src[p.pos] != '"' {
		if p.src[p.pos] == '\\' {
			p.pos++
		}
		p.pos++
	}
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unterminated string")
	}
	p.pos++
	s, err := strconv.Unquote(p.src[start:p.pos])
	if err != nil {
		return nil, fmt.Errorf("bad string %s", p.src[start:p.pos])
	}
	return vm.Intern(s), nil
}

// tuple reads "(a, b, ...)" with an optional trailing comma.
func (p *literalParser) tuple() (*vm.Object, error) {
	p.pos++
	var items []*vm.Object
	for {
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ')' {
			p.pos++
			return vm.ConstTuple(items...), nil
		}
		item, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("unterminated tuple")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ')':
		default:
			return nil, fmt.Errorf("expected ',' or ')' in tuple, got %q", p.src[p.pos])
		}
	}
}
