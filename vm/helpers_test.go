package vm

import (
	"bytes"
	"errors"
	"testing"
)

// newTestInterp creates an interpreter whose print output is captured.
// The main thread is returned attached.
func newTestInterp(t *testing.T, configure ...func(*Options)) (*Interpreter, *ThreadState, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts := DefaultOptions()
	opts.Stdout = &out
	for _, c := range configure {
		c(&opts)
	}
	in, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(in.Finalize)
	return in, in.MainThread(), &out
}

func freeThreaded(o *Options) { o.FreeThreaded = true }

func mustBuild(t *testing.T, b *CodeBuilder) *Code {
	t.Helper()
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build %s: %v", b.Name, err)
	}
	return c
}

func newGlobals(t *testing.T, ts *ThreadState) *Object {
	t.Helper()
	g, err := ts.NewDict()
	if err != nil {
		t.Fatalf("NewDict: %v", err)
	}
	if err := DictOf(g).SetItem(ts, Intern("__builtins__"), ts.interp.builtins); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	return g
}

// newFunc wraps code in a function living in globals.
func newFunc(t *testing.T, ts *ThreadState, code *Code, globals *Object) *Object {
	t.Helper()
	fn, err := ts.NewFunction(code, globals)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	return fn
}

// runModule executes code as a module body with fresh globals and returns
// the result.
func runModule(t *testing.T, ts *ThreadState, code *Code) (*Object, error) {
	t.Helper()
	g := newGlobals(t, ts)
	defer ts.decref(g)
	return ts.RunCode(code, g)
}

// raisedType returns the type of the exception carried by err, or nil.
func raisedType(err error) *Type {
	var r *Raised
	if errors.As(err, &r) && r.Exc != nil {
		return r.Exc.typ
	}
	return nil
}

// raisedMessage renders the exception carried by err as "Type: message".
func raisedMessage(err error) string {
	var r *Raised
	if errors.As(err, &r) && r.Exc != nil {
		return FormatExceptionOnly(r.Exc)
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func intOf(t *testing.T, o *Object) int64 {
	t.Helper()
	v, ok := IntValue(o)
	if !ok {
		t.Fatalf("expected int, got %s", Repr(o))
	}
	return v
}

func intsOf(t *testing.T, tup *Object) []int64 {
	t.Helper()
	var out []int64
	for _, it := range TupleItems(tup) {
		out = append(out, intOf(t, it))
	}
	return out
}

// constTuple builds an immortal tuple of small ints.
func constInts(vals ...int64) *Object {
	items := make([]*Object, len(vals))
	for i, v := range vals {
		items[i] = ConstInt(v)
	}
	return ConstTuple(items...)
}

// returnLocals emits code that returns a tuple of the first n locals.
func returnLocals(b *CodeBuilder, n int) {
	for i := 0; i < n; i++ {
		b.Emit(OpLOAD_FAST, i)
	}
	b.Emit(OpBUILD_TUPLE, n)
	b.Emit(OpRETURN_VALUE, 0)
}
