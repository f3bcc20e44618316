package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// CodeBuilder: assembles complete code objects
// ---------------------------------------------------------------------------

// CodeBuilder accumulates instructions, constants, names, locals, line
// numbers and handler ranges, and turns them into a validated Code with a
// computed stack size. Parameters must be declared with Local before any
// other local.
type CodeBuilder struct {
	Name            string
	QualName        string
	Filename        string
	FirstLineNo     int
	ArgCount        int
	PosOnlyArgCount int
	KwOnlyArgCount  int
	Flags           CodeFlags
	// StackSize raises the computed stack size when larger.
	StackSize int

	bc         *BytecodeBuilder
	labels     []*Label
	consts     []*Object
	names      []*Object
	nameIndex  map[string]int
	locals     []*Object
	kinds      []LocalKind
	localIndex map[string]int
	lines      []int32
	line       int32
	handlers   []handlerRange
}

type handlerRange struct {
	start, end, target *Label
	depth              int
	lasti              bool
}

// NewCodeBuilder creates a builder for a code object called name.
func NewCodeBuilder(name string) *CodeBuilder {
	return &CodeBuilder{
		Name:       name,
		bc:         NewBytecodeBuilder(),
		nameIndex:  map[string]int{},
		localIndex: map[string]int{},
	}
}

// Const adds an immortal constant, returning its index. Identical objects
// share a slot.
func (b *CodeBuilder) Const(o *Object) int {
	for i, c := range b.consts {
		if c == o {
			return i
		}
	}
	if !o.IsImmortal() {
		panic(fmt.Sprintf("CodeBuilder.Const: %s constant is not immortal", o.typ.Name))
	}
	b.consts = append(b.consts, o)
	return len(b.consts) - 1
}

// AddName returns the index of s in the names table, adding it if needed.
func (b *CodeBuilder) AddName(s string) int {
	if i, ok := b.nameIndex[s]; ok {
		return i
	}
	b.names = append(b.names, Intern(s))
	b.nameIndex[s] = len(b.names) - 1
	return len(b.names) - 1
}

func (b *CodeBuilder) addLocal(s string, kind LocalKind) int {
	if i, ok := b.localIndex[s]; ok {
		b.kinds[i] |= kind
		return i
	}
	b.locals = append(b.locals, Intern(s))
	b.kinds = append(b.kinds, kind)
	b.localIndex[s] = len(b.locals) - 1
	return len(b.locals) - 1
}

// Local declares (or finds) a plain local and returns its slot.
func (b *CodeBuilder) Local(s string) int { return b.addLocal(s, LocalFast) }

// Cell declares a local captured by inner functions.
func (b *CodeBuilder) Cell(s string) int { return b.addLocal(s, LocalCell) }

// Free declares a variable captured from the enclosing function. Free
// variables occupy the last slots, so declare them after every other local.
func (b *CodeBuilder) Free(s string) int { return b.addLocal(s, LocalFree) }

// SetLine sets the source line attributed to subsequent instructions.
func (b *CodeBuilder) SetLine(line int) { b.line = int32(line) }

// Len returns the number of instructions emitted so far.
func (b *CodeBuilder) Len() int { return b.bc.Len() }

// Emit appends an instruction.
func (b *CodeBuilder) Emit(op Opcode, arg int) {
	b.bc.Emit(op, arg)
	b.lines = append(b.lines, b.line)
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label {
	l := b.bc.NewLabel()
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves label to the next instruction.
func (b *CodeBuilder) Mark(label *Label) { b.bc.Mark(label) }

// EmitJump emits a jump to label.
func (b *CodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bc.EmitJump(op, label)
	b.lines = append(b.lines, b.line)
}

// Handler routes exceptions raised in [start, end) to target with the
// stack trimmed to depth. Ranges must not overlap.
func (b *CodeBuilder) Handler(start, end, target *Label, depth int, lasti bool) {
	b.handlers = append(b.handlers, handlerRange{start, end, target, depth, lasti})
}

// Build finishes the code object.
func (b *CodeBuilder) Build() (*Code, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("code %s: jump to unplaced label", b.Name)
		}
	}
	entries := make([]ExceptionTableEntry, 0, len(b.handlers))
	for _, h := range b.handlers {
		if !h.start.resolved || !h.end.resolved || !h.target.resolved {
			return nil, fmt.Errorf("code %s: handler uses an unplaced label", b.Name)
		}
		if h.end.position <= h.start.position {
			continue
		}
		entries = append(entries, ExceptionTableEntry{
			Start:  h.start.position,
			End:    h.end.position,
			Target: h.target.position,
			Depth:  h.depth,
			Lasti:  h.lasti,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
	for i := 1; i < len(entries); i++ {
		if entries[i].Start < entries[i-1].End {
			return nil, fmt.Errorf("code %s: handler ranges [%d, %d) and [%d, %d) overlap", b.Name,
				entries[i-1].Start, entries[i-1].End, entries[i].Start, entries[i].End)
		}
	}
	bytecode := b.bc.Bytes()
	depth, err := maxStackDepth(b.Name, bytecode, entries)
	if err != nil {
		return nil, err
	}
	c := &Code{
		Name:            b.Name,
		QualName:        b.QualName,
		Filename:        b.Filename,
		FirstLineNo:     b.FirstLineNo,
		ArgCount:        b.ArgCount,
		PosOnlyArgCount: b.PosOnlyArgCount,
		KwOnlyArgCount:  b.KwOnlyArgCount,
		Flags:           b.Flags,
		StackSize:       max(depth, b.StackSize),
		Bytecode:        bytecode,
		Consts:          b.consts,
		Names:           b.names,
		LocalsPlusNames: b.locals,
		LocalsPlusKinds: b.kinds,
		ExceptionTable:  EncodeExceptionTable(entries),
		Lines:           b.lines,
	}
	if c.FirstLineNo == 0 && len(b.lines) > 0 {
		c.FirstLineNo = int(b.lines[0])
	}
	return NewCode(c)
}

// maxStackDepth runs a flow analysis over bytecode and returns the deepest
// evaluation stack any path reaches. Handler targets start at their entry
// depth plus the pushed lasti and exception.
func maxStackDepth(name string, bytecode []byte, entries []ExceptionTableEntry) (int, error) {
	n := len(bytecode) / CodeUnitSize
	depths := make([]int, n)
	for i := range depths {
		depths[i] = -1
	}
	var work []int
	maxDepth := 0
	visit := func(from, at, d int) error {
		if at < 0 || at >= n {
			return fmt.Errorf("code %s: instruction %d jumps out of range to %d", name, from, at)
		}
		if d < 0 {
			return fmt.Errorf("code %s: stack underflow at %d", name, from)
		}
		switch depths[at] {
		case -1:
			depths[at] = d
			maxDepth = max(maxDepth, d)
			work = append(work, at)
		case d:
		default:
			return fmt.Errorf("code %s: inconsistent stack depth at %d (%d vs %d)", name, at, depths[at], d)
		}
		return nil
	}
	if n == 0 {
		return 0, nil
	}
	if err := visit(0, 0, 0); err != nil {
		return 0, err
	}
	for _, e := range entries {
		d := e.Depth + 1
		if e.Lasti {
			d++
		}
		if err := visit(e.Start, e.Target, d); err != nil {
			return 0, err
		}
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		op, arg := decodeInstr(bytecode, i)
		d := depths[i]
		if op.Info().Jump {
			if err := visit(i, JumpTarget(op, i, arg), d+StackEffect(op, arg, true)); err != nil {
				return 0, err
			}
			if op == OpJUMP_FORWARD || op == OpJUMP_BACKWARD {
				continue
			}
		}
		if op.endsBlock() {
			continue
		}
		next := d + StackEffect(op, arg, false)
		if i+1 == n {
			return 0, fmt.Errorf("code %s: control falls off the end after %s", name, op)
		}
		if err := visit(i, i+1, next); err != nil {
			return 0, err
		}
	}
	return maxDepth, nil
}
