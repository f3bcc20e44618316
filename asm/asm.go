// Package asm assembles .tyasm text into code objects.
//
// A source file holds one or more code blocks:
//
//	.code add
//	.argcount 2
//	.locals a b
//	    RESUME 0
//	    LOAD_FAST a
//	    LOAD_FAST b
//	    BINARY_OP +
//	    RETURN_VALUE
//	.end
//
// Instructions use disassembly names. Operands are symbolic where the
// disassembler prints a note: locals by name, globals and attributes by
// name (LOAD_GLOBAL print null pushes the null slot), operators by symbol,
// jumps by label and LOAD_CONST by literal. Literals are integers, quoted
// strings, None, True, False, tuples and @name references to earlier
// blocks. The last block is the entry point. Comments start with ';'.
package asm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/tycore/vm"
)

var log = commonlog.GetLogger("tycore.asm")

// Error collects every problem found in a source file.
type Error struct {
	Filename string
	Messages []string
}

func (e *Error) Error() string {
	return "asm: " + strings.Join(e.Messages, "\n")
}

// AssembleFile reads and assembles path.
func AssembleFile(path string) (*vm.Code, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	return Assemble(string(src), path)
}

// Assemble turns src into code objects and returns the entry block.
func Assemble(src, filename string) (*vm.Code, error) {
	a := &assembler{filename: filename, codes: map[string]*vm.Code{}}
	for i, raw := range strings.Split(src, "\n") {
		a.lineNo = i + 1
		a.line(raw)
	}
	if a.cur != nil {
		a.errorf("block %s is missing .end", a.cur.b.Name)
		a.cur = nil
	}
	if a.last == nil && len(a.errors) == 0 {
		a.errorf("no code blocks")
	}
	if len(a.errors) > 0 {
		return nil, &Error{Filename: filename, Messages: a.errors}
	}
	log.Debugf("assembled %s: %d blocks, entry %s", filename, len(a.codes), a.last.Name)
	return a.last, nil
}

// ---------------------------------------------------------------------------
// Assembler state
// ---------------------------------------------------------------------------

type assembler struct {
	filename string
	lineNo   int
	errors   []string

	codes map[string]*vm.Code
	last  *vm.Code
	cur   *block
}

// block is the code object under construction.
type block struct {
	b        *vm.CodeBuilder
	locals   map[string]int
	labels   map[string]*label
	handlers []handler
	started  bool // an instruction was emitted
}

type label struct {
	l       *vm.Label
	placed  bool
	usedAt  int
	defined int
}

type handler struct {
	start, end, target string
	depth              int
	lasti              bool
	lineNo             int
}

func (a *assembler) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf("%s:%d: %s", a.filename, a.lineNo, fmt.Sprintf(format, args...))
	a.errors = append(a.errors, msg)
}

func (blk *block) label(name string) *label {
	l, ok := blk.labels[name]
	if !ok {
		l = &label{l: blk.b.NewLabel()}
		blk.labels[name] = l
	}
	return l
}

// line handles one source line.
func (a *assembler) line(raw string) {
	text, err := stripComment(raw)
	if err != nil {
		a.errorf("%v", err)
		return
	}
	if text == "" {
		return
	}
	if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
		a.placeLabel(strings.TrimSuffix(text, ":"))
		return
	}
	word, rest := splitWord(text)
	if strings.HasPrefix(word, ".") {
		a.directive(word, rest)
		return
	}
	if a.cur == nil {
		a.errorf("instruction %s outside a .code block", word)
		return
	}
	a.instruction(word, rest)
}

func (a *assembler) placeLabel(name string) {
	if a.cur == nil {
		a.errorf("label %s outside a .code block", name)
		return
	}
	l := a.cur.label(name)
	if l.placed {
		a.errorf("label %s already defined on line %d", name, l.defined)
		return
	}
	a.cur.b.Mark(l.l)
	l.placed = true
	l.defined = a.lineNo
}

// ---------------------------------------------------------------------------
// Directives
// ---------------------------------------------------------------------------

func (a *assembler) directive(word, rest string) {
	if word == ".code" {
		a.beginBlock(rest)
		return
	}
	blk := a.cur
	if blk == nil {
		a.errorf("directive %s outside a .code block", word)
		return
	}
	args := strings.Fields(rest)
	count := func() (int, bool) {
		if len(args) != 1 {
			a.errorf("%s expects one number", word)
			return 0, false
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			a.errorf("%s: bad count %q", word, args[0])
			return 0, false
		}
		return n, true
	}
	flag := func(f vm.CodeFlags) {
		if len(args) != 0 {
			a.errorf("%s takes no operands", word)
		}
		blk.b.Flags |= f
	}
	declare := func(add func(string) int) {
		if blk.started {
			a.errorf("%s must come before the first instruction", word)
			return
		}
		for _, name := range args {
			blk.locals[name] = add(name)
		}
	}

	switch word {
	case ".end":
		a.endBlock()
	case ".argcount":
		if n, ok := count(); ok {
			blk.b.ArgCount = n
		}
	case ".posonly":
		if n, ok := count(); ok {
			blk.b.PosOnlyArgCount = n
		}
	case ".kwonly":
		if n, ok := count(); ok {
			blk.b.KwOnlyArgCount = n
		}
	case ".stacksize":
		if n, ok := count(); ok {
			blk.b.StackSize = n
		}
	case ".firstline":
		if n, ok := count(); ok {
			blk.b.FirstLineNo = n
		}
	case ".varargs":
		flag(vm.CodeVarargs)
	case ".varkw":
		flag(vm.CodeVarKeywords)
	case ".generator":
		flag(vm.CodeGenerator)
	case ".qualname":
		if len(args) != 1 {
			a.errorf(".qualname expects one name")
			return
		}
		blk.b.QualName = args[0]
	case ".locals":
		declare(blk.b.Local)
	case ".cells":
		declare(blk.b.Cell)
	case ".frees":
		declare(blk.b.Free)
	case ".except":
		a.except(args)
	default:
		a.errorf("unknown directive %s", word)
	}
}

func (a *assembler) beginBlock(rest string) {
	if a.cur != nil {
		a.errorf("nested .code (block %s is still open)", a.cur.b.Name)
		return
	}
	name := strings.TrimSpace(rest)
	if name == "" || strings.ContainsAny(name, " \t") {
		a.errorf(".code expects one name")
		return
	}
	if _, ok := a.codes[name]; ok {
		a.errorf("block %s already defined", name)
	}
	b := vm.NewCodeBuilder(name)
	b.Filename = a.filename
	a.cur = &block{b: b, locals: map[string]int{}, labels: map[string]*label{}}
}

// except records ".except start end target depth [lasti]".
func (a *assembler) except(args []string) {
	if len(args) != 4 && !(len(args) == 5 && args[4] == "lasti") {
		a.errorf(".except expects start end target depth [lasti]")
		return
	}
	depth, err := strconv.Atoi(args[3])
	if err != nil || depth < 0 {
		a.errorf(".except: bad depth %q", args[3])
		return
	}
	a.cur.handlers = append(a.cur.handlers, handler{
		start: args[0], end: args[1], target: args[2],
		depth: depth, lasti: len(args) == 5, lineNo: a.lineNo,
	})
}

func (a *assembler) endBlock() {
	blk := a.cur
	a.cur = nil
	ok := true
	for name, l := range blk.labels {
		if !l.placed {
			a.errorf("block %s: label %s used on line %d is never defined", blk.b.Name, name, l.usedAt)
			ok = false
		}
	}
	for _, h := range blk.handlers {
		var ls [3]*vm.Label
		for i, name := range []string{h.start, h.end, h.target} {
			l, found := blk.labels[name]
			if !found || !l.placed {
				a.errors = append(a.errors, fmt.Sprintf("%s:%d: .except uses undefined label %s", a.filename, h.lineNo, name))
				ok = false
				continue
			}
			ls[i] = l.l
		}
		if ok {
			blk.b.Handler(ls[0], ls[1], ls[2], h.depth, h.lasti)
		}
	}
	if !ok {
		return
	}
	code, err := blk.b.Build()
	if err != nil {
		a.errorf("%v", err)
		return
	}
	a.codes[code.Name] = code
	a.last = code
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (a *assembler) instruction(word, rest string) {
	blk := a.cur
	op, ok := vm.OpcodeByName(word)
	if !ok {
		a.errorf("unknown instruction %s", word)
		return
	}
	blk.b.SetLine(a.lineNo)
	blk.started = true
	info := op.Info()

	if info.Jump {
		a.jump(op, rest)
		return
	}
	if !info.HasArg {
		if rest != "" {
			a.errorf("%s takes no operand", op)
			return
		}
		blk.b.Emit(op, 0)
		return
	}

	arg, ok := a.operand(op, rest)
	if !ok {
		return
	}
	if arg < 0 || arg > 0xFFFF {
		a.errorf("%s: operand %d out of range", op, arg)
		return
	}
	blk.b.Emit(op, arg)
}

func (a *assembler) jump(op vm.Opcode, rest string) {
	name := strings.TrimSpace(rest)
	if name == "" || strings.ContainsAny(name, " \t") {
		a.errorf("%s expects a label", op)
		return
	}
	l := a.cur.label(name)
	if l.usedAt == 0 {
		l.usedAt = a.lineNo
	}
	switch {
	case op.IsBackwardJump() && !l.placed:
		a.errorf("%s target %s must be defined earlier", op, name)
	case !op.IsBackwardJump() && l.placed:
		a.errorf("%s cannot jump back to %s; use JUMP_BACKWARD", op, name)
	default:
		a.cur.b.EmitJump(op, l.l)
	}
}

// operand resolves the operand text of op.
func (a *assembler) operand(op vm.Opcode, rest string) (int, bool) {
	blk := a.cur
	fields := strings.Fields(rest)
	number := func() (int, bool) {
		if len(fields) != 1 {
			a.errorf("%s expects one operand", op)
			return 0, false
		}
		n, err := strconv.ParseInt(fields[0], 0, 32)
		if err != nil {
			a.errorf("%s: bad operand %q", op, fields[0])
			return 0, false
		}
		return int(n), true
	}

	switch op {
	case vm.OpLOAD_CONST:
		p := &literalParser{src: rest, codes: a.codes}
		o, err := p.parse()
		if err != nil {
			a.errorf("LOAD_CONST: %v", err)
			return 0, false
		}
		return blk.b.Const(o), true

	case vm.OpLOAD_FAST, vm.OpLOAD_FAST_BORROW, vm.OpSTORE_FAST, vm.OpDELETE_FAST,
		vm.OpMAKE_CELL, vm.OpLOAD_DEREF, vm.OpSTORE_DEREF:
		if len(fields) == 1 {
			if i, ok := blk.locals[fields[0]]; ok {
				return i, true
			}
			if _, err := strconv.Atoi(fields[0]); err != nil {
				a.errorf("%s: undeclared local %s", op, fields[0])
				return 0, false
			}
		}
		return number()

	case vm.OpSTORE_GLOBAL, vm.OpLOAD_NAME, vm.OpSTORE_NAME, vm.OpSTORE_ATTR:
		if len(fields) != 1 {
			a.errorf("%s expects a name", op)
			return 0, false
		}
		return blk.b.AddName(fields[0]), true

	case vm.OpLOAD_GLOBAL, vm.OpLOAD_ATTR:
		suffix := "null"
		if op == vm.OpLOAD_ATTR {
			suffix = "method"
		}
		if len(fields) == 0 || len(fields) > 2 || (len(fields) == 2 && fields[1] != suffix) {
			a.errorf("%s expects a name and optionally %q", op, suffix)
			return 0, false
		}
		arg := blk.b.AddName(fields[0]) << 1
		if len(fields) == 2 {
			arg |= 1
		}
		return arg, true

	case vm.OpBINARY_OP:
		if len(fields) == 1 {
			if n, ok := vm.BinaryOpBySymbol(fields[0]); ok {
				return n, true
			}
		}
		return number()

	case vm.OpCOMPARE_OP:
		if len(fields) == 1 {
			if n, ok := vm.CompareOpBySymbol(fields[0]); ok {
				return n, true
			}
		}
		return number()
	}
	return number()
}

// ---------------------------------------------------------------------------
// Lexing helpers
// ---------------------------------------------------------------------------

// stripComment removes a ';' comment outside string literals and trims
// the result.
func stripComment(s string) (string, error) {
	inString := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case c == ';' && !inString:
			return strings.TrimSpace(s[:i]), nil
		}
	}
	if inString {
		return "", fmt.Errorf("unterminated string")
	}
	return strings.TrimSpace(s), nil
}

func splitWord(s string) (word, rest string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
