package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Every instruction is one
// code unit of CodeUnitSize bytes: the opcode followed by a little-endian
// uint16 operand (zero when unused).
type Opcode byte

// CodeUnitSize is the width of one instruction in bytes.
const CodeUnitSize = 3

// Stack and constants
const (
	OpNOP          Opcode = 0x00 // no operation
	OpRESUME       Opcode = 0x01 // function prologue end; safe point
	OpLOAD_CONST   Opcode = 0x02 // push consts[arg]
	OpLOAD_SMALL   Opcode = 0x03 // push small int arg
	OpPOP_TOP      Opcode = 0x04 // discard top of stack
	OpPUSH_NULL    Opcode = 0x05 // push the null marker
	OpCOPY         Opcode = 0x06 // push a copy of stack[-arg]
	OpSWAP         Opcode = 0x07 // swap top with stack[-arg]
	OpBUILD_TUPLE  Opcode = 0x08 // pack arg items into a tuple
	OpBUILD_MAP    Opcode = 0x09 // pack arg key/value pairs into a dict
	OpUNPACK_SEQ   Opcode = 0x0A // unpack a tuple into arg items
	OpMAKE_CELL    Opcode = 0x0B // wrap local arg in a cell
	OpCOPY_FREEVAR Opcode = 0x0C // copy arg closure cells into the frame
)

// Locals and names
const (
	OpLOAD_FAST        Opcode = 0x10 // push locals[arg] (counted)
	OpLOAD_FAST_BORROW Opcode = 0x11 // push locals[arg] (borrowed)
	OpSTORE_FAST       Opcode = 0x12 // pop into locals[arg]
	OpDELETE_FAST      Opcode = 0x13 // clear locals[arg]
	OpLOAD_GLOBAL      Opcode = 0x14 // push global names[arg>>1]; arg&1 also pushes null
	OpSTORE_GLOBAL     Opcode = 0x15 // pop into global names[arg]
	OpLOAD_NAME        Opcode = 0x16 // push locals/globals/builtins names[arg]
	OpSTORE_NAME       Opcode = 0x17 // pop into locals names[arg]
	OpLOAD_ATTR        Opcode = 0x18 // replace top with its attribute names[arg>>1]
	OpSTORE_ATTR       Opcode = 0x19 // (value, obj --) set attribute names[arg]
	OpLOAD_DEREF       Opcode = 0x1A // push the content of cell locals[arg]
	OpSTORE_DEREF      Opcode = 0x1B // pop into cell locals[arg]
)

// Operators
const (
	OpBINARY_OP      Opcode = 0x20 // binary operator arg
	OpCOMPARE_OP     Opcode = 0x21 // comparison arg
	OpIS_OP          Opcode = 0x22 // identity test; arg 1 negates
	OpCONTAINS_OP    Opcode = 0x23 // membership test; arg 1 negates
	OpUNARY_NOT      Opcode = 0x24 // logical not
	OpUNARY_NEGATIVE Opcode = 0x25 // arithmetic negation
)

// Control flow
const (
	OpJUMP_FORWARD         Opcode = 0x30 // skip arg instructions
	OpJUMP_BACKWARD        Opcode = 0x31 // go back arg instructions; safe point
	OpPOP_JUMP_IF_FALSE    Opcode = 0x32
	OpPOP_JUMP_IF_TRUE     Opcode = 0x33
	OpPOP_JUMP_IF_NONE     Opcode = 0x34
	OpPOP_JUMP_IF_NOT_NONE Opcode = 0x35
	OpGET_ITER             Opcode = 0x36 // replace top with an iterator
	OpFOR_ITER             Opcode = 0x37 // push next item or pop the iterator and jump
	OpRETURN_VALUE         Opcode = 0x38 // return top of stack
)

// Calls and functions
const (
	OpCALL             Opcode = 0x40 // (callable, self_or_null, args[arg] -- res)
	OpCALL_KW          Opcode = 0x41 // (callable, self_or_null, args[arg], kwnames -- res)
	OpCALL_FUNCTION_EX Opcode = 0x42 // (callable, null, tuple, dict_or_null -- res)
	OpMAKE_FUNCTION    Opcode = 0x43 // (code -- func)
	OpSET_FUNC_ATTR    Opcode = 0x44 // (attr, func -- func); arg selects the attribute
)

// Exceptions
const (
	OpRAISE_VARARGS   Opcode = 0x50 // raise with arg operands (0 reraises)
	OpRERAISE         Opcode = 0x51 // reraise top; arg 1 restores lasti
	OpPUSH_EXC_INFO   Opcode = 0x52 // (exc -- prev, exc)
	OpPOP_EXCEPT      Opcode = 0x53 // (prev --)
	OpCHECK_EXC_MATCH Opcode = 0x54 // (exc, type -- exc, bool)
	OpCHECK_EG_MATCH  Opcode = 0x55 // (eg, type -- rest, match)
)

// Pattern matching
const (
	OpMATCH_MAPPING Opcode = 0x60 // (subject -- subject, bool)
	OpMATCH_KEYS    Opcode = 0x61 // (subject, keys -- subject, keys, values_or_none)
	OpMATCH_CLASS   Opcode = 0x62 // (subject, type, names -- attrs_or_none)
)

// Generators
const (
	OpRETURN_GENERATOR Opcode = 0x70 // hand the frame to a new generator
	OpYIELD_VALUE      Opcode = 0x71 // suspend, producing top of stack
)

// BINARY_OP operator codes.
const (
	BinaryAdd       = 0
	BinaryAnd       = 1
	BinaryFloorDiv  = 2
	BinaryLShift    = 3
	BinaryMatMul    = 4
	BinaryMultiply  = 5
	BinaryRemainder = 6
	BinaryOr        = 7
	BinaryPower     = 8
	BinaryRShift    = 9
	BinarySubtract  = 10
	BinaryTrueDiv   = 11
	BinaryXor       = 12
	// BinaryInplace is added to an operator code for its augmented form.
	BinaryInplace = 13
	BinarySubscr  = 26
)

// COMPARE_OP operator codes.
const (
	CompareLT = iota
	CompareLE
	CompareEQ
	CompareNE
	CompareGT
	CompareGE
)

// SET_FUNCTION_ATTRIBUTE selectors.
const (
	FuncAttrDefaults    = 0x01
	FuncAttrKwDefaults  = 0x02
	FuncAttrAnnotations = 0x04
	FuncAttrClosure     = 0x08
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string // human-readable name
	HasArg bool   // operand is meaningful
	Jump   bool   // operand is a relative jump distance
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:          {"NOP", false, false},
	OpRESUME:       {"RESUME", true, false},
	OpLOAD_CONST:   {"LOAD_CONST", true, false},
	OpLOAD_SMALL:   {"LOAD_SMALL_INT", true, false},
	OpPOP_TOP:      {"POP_TOP", false, false},
	OpPUSH_NULL:    {"PUSH_NULL", false, false},
	OpCOPY:         {"COPY", true, false},
	OpSWAP:         {"SWAP", true, false},
	OpBUILD_TUPLE:  {"BUILD_TUPLE", true, false},
	OpBUILD_MAP:    {"BUILD_MAP", true, false},
	OpUNPACK_SEQ:   {"UNPACK_SEQUENCE", true, false},
	OpMAKE_CELL:    {"MAKE_CELL", true, false},
	OpCOPY_FREEVAR: {"COPY_FREE_VARS", true, false},

	OpLOAD_FAST:        {"LOAD_FAST", true, false},
	OpLOAD_FAST_BORROW: {"LOAD_FAST_BORROW", true, false},
	OpSTORE_FAST:       {"STORE_FAST", true, false},
	OpDELETE_FAST:      {"DELETE_FAST", true, false},
	OpLOAD_GLOBAL:      {"LOAD_GLOBAL", true, false},
	OpSTORE_GLOBAL:     {"STORE_GLOBAL", true, false},
	OpLOAD_NAME:        {"LOAD_NAME", true, false},
	OpSTORE_NAME:       {"STORE_NAME", true, false},
	OpLOAD_ATTR:        {"LOAD_ATTR", true, false},
	OpSTORE_ATTR:       {"STORE_ATTR", true, false},
	OpLOAD_DEREF:       {"LOAD_DEREF", true, false},
	OpSTORE_DEREF:      {"STORE_DEREF", true, false},

	OpBINARY_OP:      {"BINARY_OP", true, false},
	OpCOMPARE_OP:     {"COMPARE_OP", true, false},
	OpIS_OP:          {"IS_OP", true, false},
	OpCONTAINS_OP:    {"CONTAINS_OP", true, false},
	OpUNARY_NOT:      {"UNARY_NOT", false, false},
	OpUNARY_NEGATIVE: {"UNARY_NEGATIVE", false, false},

	OpJUMP_FORWARD:         {"JUMP_FORWARD", true, true},
	OpJUMP_BACKWARD:        {"JUMP_BACKWARD", true, true},
	OpPOP_JUMP_IF_FALSE:    {"POP_JUMP_IF_FALSE", true, true},
	OpPOP_JUMP_IF_TRUE:     {"POP_JUMP_IF_TRUE", true, true},
	OpPOP_JUMP_IF_NONE:     {"POP_JUMP_IF_NONE", true, true},
	OpPOP_JUMP_IF_NOT_NONE: {"POP_JUMP_IF_NOT_NONE", true, true},
	OpGET_ITER:             {"GET_ITER", false, false},
	OpFOR_ITER:             {"FOR_ITER", true, true},
	OpRETURN_VALUE:         {"RETURN_VALUE", false, false},

	OpCALL:             {"CALL", true, false},
	OpCALL_KW:          {"CALL_KW", true, false},
	OpCALL_FUNCTION_EX: {"CALL_FUNCTION_EX", false, false},
	OpMAKE_FUNCTION:    {"MAKE_FUNCTION", false, false},
	OpSET_FUNC_ATTR:    {"SET_FUNCTION_ATTRIBUTE", true, false},

	OpRAISE_VARARGS:   {"RAISE_VARARGS", true, false},
	OpRERAISE:         {"RERAISE", true, false},
	OpPUSH_EXC_INFO:   {"PUSH_EXC_INFO", false, false},
	OpPOP_EXCEPT:      {"POP_EXCEPT", false, false},
	OpCHECK_EXC_MATCH: {"CHECK_EXC_MATCH", false, false},
	OpCHECK_EG_MATCH:  {"CHECK_EG_MATCH", false, false},

	OpMATCH_MAPPING: {"MATCH_MAPPING", false, false},
	OpMATCH_KEYS:    {"MATCH_KEYS", false, false},
	OpMATCH_CLASS:   {"MATCH_CLASS", true, false},

	OpRETURN_GENERATOR: {"RETURN_GENERATOR", false, false},
	OpYIELD_VALUE:      {"YIELD_VALUE", false, false},
}

var opcodeByName map[string]Opcode

func init() {
	opcodeByName = make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		opcodeByName[info.Name] = op
	}
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Known reports whether op is part of the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// OpcodeByName looks up an opcode by its disassembly name.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodeByName[strings.ToUpper(name)]
	return op, ok
}

// IsBackwardJump reports whether op's operand counts backwards.
func (op Opcode) IsBackwardJump() bool { return op == OpJUMP_BACKWARD }

// endsBlock reports whether control never falls through op.
func (op Opcode) endsBlock() bool {
	switch op {
	case OpJUMP_FORWARD, OpJUMP_BACKWARD, OpRETURN_VALUE, OpRAISE_VARARGS, OpRERAISE:
		return true
	}
	return false
}

// StackEffect returns the change in stack depth caused by executing op
// with operand arg. jump selects the effect on the branch-taken path.
func StackEffect(op Opcode, arg int, jump bool) int {
	switch op {
	case OpNOP, OpRESUME, OpSWAP, OpMAKE_CELL, OpCOPY_FREEVAR, OpDELETE_FAST,
		OpUNARY_NOT, OpUNARY_NEGATIVE, OpJUMP_FORWARD, OpJUMP_BACKWARD,
		OpGET_ITER, OpMAKE_FUNCTION, OpCHECK_EXC_MATCH, OpCHECK_EG_MATCH,
		OpYIELD_VALUE:
		return 0
	case OpLOAD_CONST, OpLOAD_SMALL, OpPUSH_NULL, OpCOPY, OpLOAD_FAST,
		OpLOAD_FAST_BORROW, OpLOAD_NAME, OpLOAD_DEREF, OpPUSH_EXC_INFO,
		OpMATCH_MAPPING, OpMATCH_KEYS, OpRETURN_GENERATOR:
		return 1
	case OpPOP_TOP, OpSTORE_FAST, OpSTORE_GLOBAL, OpSTORE_NAME, OpSTORE_DEREF,
		OpBINARY_OP, OpCOMPARE_OP, OpIS_OP, OpCONTAINS_OP, OpPOP_JUMP_IF_FALSE,
		OpPOP_JUMP_IF_TRUE, OpPOP_JUMP_IF_NONE, OpPOP_JUMP_IF_NOT_NONE,
		OpRETURN_VALUE, OpPOP_EXCEPT, OpSET_FUNC_ATTR, OpRERAISE:
		return -1
	case OpSTORE_ATTR, OpMATCH_CLASS:
		return -2
	case OpLOAD_GLOBAL:
		return 1 + arg&1
	case OpLOAD_ATTR:
		return arg & 1
	case OpBUILD_TUPLE:
		return 1 - arg
	case OpBUILD_MAP:
		return 1 - 2*arg
	case OpUNPACK_SEQ:
		return arg - 1
	case OpFOR_ITER:
		if jump {
			return -1
		}
		return 1
	case OpCALL:
		return -1 - arg
	case OpCALL_KW:
		return -2 - arg
	case OpCALL_FUNCTION_EX:
		return -3
	case OpRAISE_VARARGS:
		return -arg
	}
	return 0
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the number of instructions emitted so far.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes) / CodeUnitSize
}

// Emit appends an instruction.
func (b *BytecodeBuilder) Emit(op Opcode, arg int) {
	if arg < 0 || arg > 0xFFFF {
		panic(fmt.Sprintf("%s: operand %d out of range", op, arg))
	}
	b.bytes = append(b.bytes, byte(op), byte(arg), byte(arg>>8))
}

func (b *BytecodeBuilder) patch(index, arg int) {
	if arg < 0 || arg > 0xFFFF {
		panic(fmt.Sprintf("jump distance %d out of range", arg))
	}
	binary.LittleEndian.PutUint16(b.bytes[index*CodeUnitSize+1:], uint16(arg))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target, possibly not yet placed.
type Label struct {
	resolved bool
	position int   // target instruction index once resolved
	refs     []int // instruction indices of forward jumps to this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Position returns the instruction index a resolved label points at.
func (l *Label) Position() int {
	if !l.resolved {
		panic("label not resolved")
	}
	return l.position
}

// Mark resolves a label to the next instruction.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = b.Len()

	for _, ref := range label.refs {
		b.patch(ref, label.position-(ref+1))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction targeting label. Backward jumps must
// use OpJUMP_BACKWARD and a resolved label; everything else jumps forward.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	pos := b.Len()
	if op.IsBackwardJump() {
		if !label.resolved {
			panic("backward jump to unresolved label")
		}
		b.Emit(op, (pos+1)-label.position)
		return
	}
	if label.resolved {
		panic(fmt.Sprintf("%s cannot jump backwards", op))
	}
	label.refs = append(label.refs, pos)
	b.Emit(op, 0)
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader walks bytecode one instruction at a time.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the index of the next instruction.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more instructions to read.
func (r *BytecodeReader) HasMore() bool {
	return (r.pos+1)*CodeUnitSize <= len(r.bytes)
}

// Next reads one instruction.
func (r *BytecodeReader) Next() (Opcode, int) {
	if !r.HasMore() {
		panic("bytecode underflow")
	}
	op, arg := decodeInstr(r.bytes, r.pos)
	r.pos++
	return op, arg
}

// Seek moves the reader to instruction index pos.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

func decodeInstr(bc []byte, index int) (Opcode, int) {
	off := index * CodeUnitSize
	return Opcode(bc[off]), int(binary.LittleEndian.Uint16(bc[off+1:]))
}

// JumpTarget returns the destination of the jump at index.
func JumpTarget(op Opcode, index, arg int) int {
	if op.IsBackwardJump() {
		return index + 1 - arg
	}
	return index + 1 + arg
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position and advances the reader.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op, arg := r.Next()
	info := op.Info()
	switch {
	case !info.HasArg:
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	case info.Jump:
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, arg, JumpTarget(op, pos, arg))
	}
	return fmt.Sprintf("%04d  %s %d", pos, info.Name, arg)
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for r.HasMore() {
		lines = append(lines, DisassembleInstruction(r))
	}
	return strings.Join(lines, "\n")
}
