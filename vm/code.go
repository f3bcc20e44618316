package vm

import (
	"fmt"
	"strings"
)

// CodeFlags describe a code object's calling convention.
type CodeFlags uint32

const (
	CodeOptimized   CodeFlags = 0x0001
	CodeNewLocals   CodeFlags = 0x0002
	CodeVarargs     CodeFlags = 0x0004
	CodeVarKeywords CodeFlags = 0x0008
	CodeNested      CodeFlags = 0x0010
	CodeGenerator   CodeFlags = 0x0020
)

// LocalKind classifies a slot of the localsplus array.
type LocalKind uint8

const (
	LocalFast LocalKind = 0x20 // plain local or argument
	LocalCell LocalKind = 0x40 // local captured by an inner function
	LocalFree LocalKind = 0x80 // variable captured from an enclosing function
)

// Code is an immutable unit of bytecode plus the metadata needed to run it.
// A frame for Code needs FrameSize slots: the localsplus prefix followed by
// StackSize evaluation-stack slots.
type Code struct {
	Name        string
	QualName    string
	Filename    string
	FirstLineNo int

	ArgCount        int
	PosOnlyArgCount int
	KwOnlyArgCount  int
	Flags           CodeFlags
	StackSize       int

	Bytecode        []byte
	Consts          []*Object
	Names           []*Object
	LocalsPlusNames []*Object
	LocalsPlusKinds []LocalKind
	ExceptionTable  []byte
	// Lines holds the source line of each instruction.
	Lines []int32

	nlocals        int
	ncells         int
	nfrees         int
	firstTraceable int
	obj            *Object
}

// NewCode validates c, derives its cached counts and wraps it in an
// immortal code object.
func NewCode(c *Code) (*Code, error) {
	if c.QualName == "" {
		c.QualName = c.Name
	}
	if c.Filename == "" {
		c.Filename = "<unknown>"
	}
	for i, n := range c.LocalsPlusNames {
		if !n.IsImmortal() {
			c.LocalsPlusNames[i] = Intern(Str(n))
		}
	}
	for i, n := range c.Names {
		if !n.IsImmortal() {
			c.Names[i] = Intern(Str(n))
		}
	}
	if len(c.LocalsPlusKinds) == 0 && len(c.LocalsPlusNames) > 0 {
		c.LocalsPlusKinds = make([]LocalKind, len(c.LocalsPlusNames))
		for i := range c.LocalsPlusKinds {
			c.LocalsPlusKinds[i] = LocalFast
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.nlocals, c.ncells, c.nfrees = 0, 0, 0
	for _, k := range c.LocalsPlusKinds {
		switch {
		case k&LocalFree != 0:
			c.nfrees++
		case k&LocalCell != 0:
			c.ncells++
		default:
			c.nlocals++
		}
	}
	c.firstTraceable = 0
	for i := 0; i < c.NumInstructions(); i++ {
		if op, _ := c.Instr(i); op == OpRESUME {
			c.firstTraceable = i
			break
		}
	}
	c.obj = newImmortal(CodeType, c)
	return c, nil
}

// Validate checks the structural invariants the eval loop relies on.
func (c *Code) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("code: missing name")
	}
	if len(c.Bytecode)%CodeUnitSize != 0 || len(c.Bytecode) == 0 {
		return fmt.Errorf("code %s: bytecode length %d is not a positive multiple of %d", c.Name, len(c.Bytecode), CodeUnitSize)
	}
	if len(c.LocalsPlusKinds) != len(c.LocalsPlusNames) {
		return fmt.Errorf("code %s: %d local kinds for %d names", c.Name, len(c.LocalsPlusKinds), len(c.LocalsPlusNames))
	}
	nargs := c.TotalArgs()
	if c.PosOnlyArgCount > c.ArgCount {
		return fmt.Errorf("code %s: posonly count %d exceeds argcount %d", c.Name, c.PosOnlyArgCount, c.ArgCount)
	}
	if nargs > len(c.LocalsPlusNames) {
		return fmt.Errorf("code %s: %d parameters but only %d locals", c.Name, nargs, len(c.LocalsPlusNames))
	}
	if c.StackSize < 0 {
		return fmt.Errorf("code %s: negative stack size", c.Name)
	}
	if len(c.Lines) != 0 && len(c.Lines) != c.NumInstructions() {
		return fmt.Errorf("code %s: %d line entries for %d instructions", c.Name, len(c.Lines), c.NumInstructions())
	}
	n := c.NumInstructions()
	for i := 0; i < n; i++ {
		op, arg := c.Instr(i)
		if !op.Known() {
			return fmt.Errorf("code %s: unknown opcode 0x%02X at %d", c.Name, byte(op), i)
		}
		if err := c.checkOperand(i, op, arg); err != nil {
			return fmt.Errorf("code %s: %s at %d: %w", c.Name, op, i, err)
		}
	}
	entries, err := ParseExceptionTable(c.ExceptionTable)
	if err != nil {
		return fmt.Errorf("code %s: %w", c.Name, err)
	}
	for _, e := range entries {
		need := e.Depth + 1
		if e.Lasti {
			need++
		}
		if e.End > n || e.Target >= n || need > c.StackSize {
			return fmt.Errorf("code %s: exception entry [%d, %d) -> %d depth %d out of range", c.Name, e.Start, e.End, e.Target, e.Depth)
		}
	}
	return nil
}

func (c *Code) checkOperand(i int, op Opcode, arg int) error {
	index := func(limit int, what string) error {
		if arg >= limit {
			return fmt.Errorf("%s index %d out of range (%d)", what, arg, limit)
		}
		return nil
	}
	switch op {
	case OpLOAD_CONST:
		return index(len(c.Consts), "const")
	case OpLOAD_FAST, OpLOAD_FAST_BORROW, OpSTORE_FAST, OpDELETE_FAST, OpMAKE_CELL,
		OpLOAD_DEREF, OpSTORE_DEREF:
		return index(len(c.LocalsPlusNames), "local")
	case OpSTORE_GLOBAL, OpLOAD_NAME, OpSTORE_NAME, OpSTORE_ATTR:
		return index(len(c.Names), "name")
	case OpLOAD_GLOBAL, OpLOAD_ATTR:
		arg >>= 1
		return index(len(c.Names), "name")
	case OpCOPY, OpSWAP:
		if arg < 1 {
			return fmt.Errorf("depth must be positive")
		}
	case OpCOPY_FREEVAR:
		if arg > len(c.LocalsPlusNames) {
			return fmt.Errorf("%d free variables exceed %d locals", arg, len(c.LocalsPlusNames))
		}
	case OpRAISE_VARARGS:
		if arg > 2 {
			return fmt.Errorf("bad operand count %d", arg)
		}
	case OpCOMPARE_OP:
		if arg > CompareGE {
			return fmt.Errorf("bad comparison %d", arg)
		}
	}
	if op.Info().Jump {
		t := JumpTarget(op, i, arg)
		if t < 0 || t >= c.NumInstructions() {
			return fmt.Errorf("jump target %d out of range", t)
		}
	}
	return nil
}

// Object returns the code object wrapping c.
func (c *Code) Object() *Object { return c.obj }

// AsCode returns the Code held by a code object.
func AsCode(o *Object) (*Code, bool) {
	c, ok := o.val.(*Code)
	return c, ok
}

// NumInstructions returns the instruction count.
func (c *Code) NumInstructions() int { return len(c.Bytecode) / CodeUnitSize }

// Instr decodes the instruction at index.
func (c *Code) Instr(index int) (Opcode, int) { return decodeInstr(c.Bytecode, index) }

// TotalArgs counts positional and keyword-only parameters.
func (c *Code) TotalArgs() int { return c.ArgCount + c.KwOnlyArgCount }

// NLocalsPlus returns the size of the locals prefix.
func (c *Code) NLocalsPlus() int { return len(c.LocalsPlusNames) }

// NFreeVars returns the number of captured enclosing variables.
func (c *Code) NFreeVars() int { return c.nfrees }

// FrameSize returns the slot count a frame for c needs.
func (c *Code) FrameSize() int { return len(c.LocalsPlusNames) + c.StackSize }

// FirstTraceable is the index of the first RESUME; frames executing before
// it are incomplete.
func (c *Code) FirstTraceable() int { return c.firstTraceable }

// LineFor returns the source line for instruction index.
func (c *Code) LineFor(index int) int {
	if index < 0 || index >= len(c.Lines) {
		return c.FirstLineNo
	}
	return int(c.Lines[index])
}

// LocalName returns the name of localsplus slot i.
func (c *Code) LocalName(i int) string {
	s, _ := StrValue(c.LocalsPlusNames[i])
	return s
}

// Disassemble renders the bytecode with resolved operands.
func (c *Code) Disassemble() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Disassembly of <code %s>:\n", c.QualName)
	r := NewBytecodeReader(c.Bytecode)
	for r.HasMore() {
		pos := r.Position()
		line := DisassembleInstruction(r)
		op, arg := c.Instr(pos)
		b.WriteString(line)
		if note := c.operandNote(op, arg); note != "" {
			b.WriteString("  (" + note + ")")
		}
		b.WriteByte('\n')
	}
	if entries, err := ParseExceptionTable(c.ExceptionTable); err == nil && len(entries) > 0 {
		b.WriteString("ExceptionTable:\n")
		for _, e := range entries {
			lasti := ""
			if e.Lasti {
				lasti = " lasti"
			}
			fmt.Fprintf(&b, "  %04d to %04d -> %04d [%d]%s\n", e.Start, e.End, e.Target, e.Depth, lasti)
		}
	}
	for _, k := range c.Consts {
		if sub, ok := AsCode(k); ok {
			b.WriteByte('\n')
			b.WriteString(sub.Disassemble())
		}
	}
	return b.String()
}

func (c *Code) operandNote(op Opcode, arg int) string {
	switch op {
	case OpLOAD_CONST:
		return Repr(c.Consts[arg])
	case OpLOAD_FAST, OpLOAD_FAST_BORROW, OpSTORE_FAST, OpDELETE_FAST, OpMAKE_CELL, OpLOAD_DEREF, OpSTORE_DEREF:
		return c.LocalName(arg)
	case OpSTORE_GLOBAL, OpLOAD_NAME, OpSTORE_NAME, OpSTORE_ATTR:
		return Str(c.Names[arg])
	case OpLOAD_GLOBAL:
		if arg&1 != 0 {
			return "NULL + " + Str(c.Names[arg>>1])
		}
		return Str(c.Names[arg>>1])
	case OpLOAD_ATTR:
		return Str(c.Names[arg>>1])
	case OpCOMPARE_OP:
		return compareSymbols[arg]
	case OpBINARY_OP:
		return binaryOpSymbol(arg)
	}
	return ""
}

func codeRepr(o *Object) string {
	c := o.val.(*Code)
	return fmt.Sprintf("<code object %s, file %q, line %d>", c.Name, c.Filename, c.FirstLineNo)
}
