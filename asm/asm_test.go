package asm

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/tycore/vm"
)

func run(t *testing.T, code *vm.Code) (string, string) {
	t.Helper()
	var out bytes.Buffer
	opts := vm.DefaultOptions()
	opts.Stdout = &out
	in, err := vm.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Finalize()
	ts := in.MainThread()
	g, err := ts.NewDict()
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Decref(g)
	res, err := ts.RunCode(code, g)
	if err != nil {
		var r *vm.Raised
		if errors.As(err, &r) {
			msg := vm.FormatExceptionOnly(r.Exc)
			ts.Release(err)
			return "", msg
		}
		t.Fatalf("RunCode: %v", err)
	}
	defer ts.Decref(res)
	return vm.Repr(res), out.String()
}

const addProgram = `
; add(a, b) called from the module body
.code add
.argcount 2
.locals a b
    RESUME 0
    LOAD_FAST a
    LOAD_FAST b
    BINARY_OP +
    RETURN_VALUE
.end

.code <module>
    RESUME 0
    LOAD_CONST @add
    MAKE_FUNCTION
    STORE_NAME add
    LOAD_NAME add
    PUSH_NULL
    LOAD_SMALL_INT 40
    LOAD_SMALL_INT 2
    CALL 2
    RETURN_VALUE
.end
`

func TestAssembleAndRun(t *testing.T) {
	code, err := Assemble(addProgram, "add.tyasm")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if code.Name != "<module>" || code.Filename != "add.tyasm" {
		t.Errorf("entry = %s in %s", code.Name, code.Filename)
	}
	if got, _ := run(t, code); got != "42" {
		t.Errorf("result = %s, want 42", got)
	}

	add, ok := vm.AsCode(code.Consts[0])
	if !ok {
		t.Fatal("const 0 is not the add code object")
	}
	want := `Disassembly of <code add>:
0000  RESUME 0
0001  LOAD_FAST 0  (a)
0002  LOAD_FAST 1  (b)
0003  BINARY_OP 0  (+)
0004  RETURN_VALUE
`
	if diff := cmp.Diff(want, add.Disassemble()); diff != "" {
		t.Errorf("disassembly mismatch (-want +got):\n%s", diff)
	}
	// Instructions carry their source line.
	if add.FirstLineNo != 6 || add.LineFor(3) != 9 {
		t.Errorf("lines: first %d, BINARY_OP at %d", add.FirstLineNo, add.LineFor(3))
	}
}

func TestLoopsAndGlobals(t *testing.T) {
	src := `
.code <module>
.locals total
    RESUME 0
    LOAD_SMALL_INT 0
    STORE_FAST total
    LOAD_GLOBAL range null
    LOAD_SMALL_INT 5
    CALL 1
    GET_ITER
loop:
    FOR_ITER done
    LOAD_FAST total
    BINARY_OP +
    STORE_FAST total
    JUMP_BACKWARD loop
done:
    LOAD_GLOBAL print null
    LOAD_FAST total
    LOAD_CONST "!"
    LOAD_CONST ("sep",)
    CALL_KW 2
    POP_TOP
    LOAD_FAST total
    LOAD_SMALL_INT 10
    COMPARE_OP ==
    RETURN_VALUE
.end
`
	code, err := Assemble(src, "loop.tyasm")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, out := run(t, code)
	if got != "True" {
		t.Errorf("result = %s, want True", got)
	}
	if out != "10\n" {
		t.Errorf("output = %q, want %q", out, "10\n")
	}
}

func TestExceptionTable(t *testing.T) {
	src := `
.code <module>
    RESUME 0
body:
    LOAD_SMALL_INT 1
    LOAD_SMALL_INT 0
    BINARY_OP //
    RETURN_VALUE
dispatch:
    PUSH_EXC_INFO
    LOAD_GLOBAL ZeroDivisionError
    CHECK_EXC_MATCH
    POP_JUMP_IF_FALSE nomatch
    POP_TOP
    LOAD_CONST "caught"
    SWAP 2
    POP_EXCEPT
    RETURN_VALUE
nomatch:
    RERAISE 0
cleanup:
    COPY 3
    POP_EXCEPT
    RERAISE 1
.except body dispatch dispatch 0
.except dispatch cleanup cleanup 1 lasti
.end
`
	code, err := Assemble(src, "try.tyasm")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	entries, err := vm.ParseExceptionTable(code.ExceptionTable)
	if err != nil {
		t.Fatal(err)
	}
	want := []vm.ExceptionTableEntry{
		{Start: 1, End: 5, Target: 5, Depth: 0},
		{Start: 5, End: 15, Target: 15, Depth: 1, Lasti: true},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("exception table mismatch (-want +got):\n%s", diff)
	}
	if got, _ := run(t, code); got != "'caught'" {
		t.Errorf("result = %s, want 'caught'", got)
	}
}

func TestLiterals(t *testing.T) {
	src := `
.code <module>
    RESUME 0
    LOAD_CONST (1, -2, 0x10, "a;b \"q\"", None, True, False, (), ("x",),)
    RETURN_VALUE
.end
`
	code, err := Assemble(src, "lit.tyasm")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, _ := run(t, code)
	want := `(1, -2, 16, 'a;b "q"', None, True, False, (), ('x',))`
	if got != want {
		t.Errorf("result = %s, want %s", got, want)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", ".code m\n    FROB 1\n.end\n", "m.tyasm:2: unknown instruction FROB"},
		{"outside block", "RESUME 0\n", "instruction RESUME outside a .code block"},
		{"missing end", ".code m\n    RESUME 0\n", "block m is missing .end"},
		{"undeclared local", ".code m\n    LOAD_FAST x\n.end\n", "undeclared local x"},
		{"late declaration", ".code m\n    RESUME 0\n.locals x\n.end\n", ".locals must come before the first instruction"},
		{"forward jump backwards", ".code m\ntop:\n    NOP\n    JUMP_FORWARD top\n.end\n", "use JUMP_BACKWARD"},
		{"backward jump forwards", ".code m\n    JUMP_BACKWARD later\nlater:\n    NOP\n.end\n", "must be defined earlier"},
		{"undefined label", ".code m\n    RESUME 0\n    JUMP_FORWARD nowhere\n.end\n", "label nowhere used on line 3 is never defined"},
		{"duplicate label", ".code m\na:\na:\n    NOP\n.end\n", "label a already defined on line 2"},
		{"unknown block", ".code m\n    LOAD_CONST @nope\n.end\n", "unknown code block @nope"},
		{"bad literal", ".code m\n    LOAD_CONST nil\n.end\n", "unknown literal nil"},
		{"unterminated string", ".code m\n    LOAD_CONST \"abc\n.end\n", "unterminated string"},
		{"no operand allowed", ".code m\n    POP_TOP 1\n.end\n", "POP_TOP takes no operand"},
		{"operand range", ".code m\n    RESUME 70000\n.end\n", "operand 70000 out of range"},
		{"bad except", ".code m\n.except a b\n.end\n", ".except expects start end target depth [lasti]"},
		{"except label", ".code m\n    RESUME 0\n.except a a a 0\n.end\n", ".except uses undefined label a"},
		{"builder check", ".code m\n    RESUME 0\n    POP_TOP\n    RETURN_VALUE\n.end\n", "stack underflow"},
		{"empty", "; nothing\n", "no code blocks"},
	}
	for _, tt := range tests {
		_, err := Assemble(tt.src, "m.tyasm")
		if err == nil {
			t.Errorf("%s: Assemble succeeded", tt.name)
			continue
		}
		var asmErr *Error
		if !errors.As(err, &asmErr) {
			t.Errorf("%s: error %T is not an *asm.Error", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.want)
		}
	}
}

func TestErrorsAccumulate(t *testing.T) {
	_, err := Assemble(".code m\n    FROB\n    LOAD_FAST y\n.end\n", "m.tyasm")
	var asmErr *Error
	if !errors.As(err, &asmErr) {
		t.Fatalf("error = %v", err)
	}
	if len(asmErr.Messages) < 2 {
		t.Errorf("messages = %q, want one per bad line", asmErr.Messages)
	}
}

func TestAssembleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add.tyasm")
	if err := os.WriteFile(path, []byte(addProgram), 0644); err != nil {
		t.Fatal(err)
	}
	code, err := AssembleFile(path)
	if err != nil {
		t.Fatalf("AssembleFile: %v", err)
	}
	if code.Filename != path {
		t.Errorf("filename = %q, want %q", code.Filename, path)
	}
}
