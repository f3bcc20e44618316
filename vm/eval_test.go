package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// tryExcept emits
//
//	try:
//	    body()
//	except <match>:
//	    return handler()
//
// for a try statement entered with depth values on the stack. body must
// not fall through; handler leaves one value.
func tryExcept(b *CodeBuilder, depth int, match string, body, handler func()) {
	start, dispatch, nomatch, cleanup := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(start)
	body()
	b.Mark(dispatch)
	b.Emit(OpPUSH_EXC_INFO, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName(match)<<1)
	b.Emit(OpCHECK_EXC_MATCH, 0)
	b.EmitJump(OpPOP_JUMP_IF_FALSE, nomatch)
	b.Emit(OpPOP_TOP, 0)
	handler()
	b.Emit(OpSWAP, 2)
	b.Emit(OpPOP_EXCEPT, 0)
	b.Emit(OpRETURN_VALUE, 0)
	b.Mark(nomatch)
	b.Emit(OpRERAISE, 0)
	b.Mark(cleanup)
	b.Emit(OpCOPY, 3)
	b.Emit(OpPOP_EXCEPT, 0)
	b.Emit(OpRERAISE, 1)
	b.Handler(start, dispatch, dispatch, depth, false)
	b.Handler(dispatch, cleanup, cleanup, depth+1, true)
}

func divideByZero(b *CodeBuilder) func() {
	return func() {
		b.Emit(OpLOAD_SMALL, 1)
		b.Emit(OpLOAD_SMALL, 0)
		b.Emit(OpBINARY_OP, BinaryFloorDiv)
		b.Emit(OpRETURN_VALUE, 0)
	}
}

func recordEvents(in *Interpreter, kinds ...EventKind) (*[]Event, func()) {
	var events []Event
	unregister := in.Monitoring().Register(Events(kinds...), func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return &events, unregister
}

// ---------------------------------------------------------------------------
// Handler entry
// ---------------------------------------------------------------------------

func TestHandlerUnwindsToDepth(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_SMALL, 1)
	b.Emit(OpLOAD_SMALL, 2)
	b.Emit(OpBUILD_MAP, 0)
	start, end := b.NewLabel(), b.NewLabel()
	b.Mark(start)
	divideByZero(b)()
	b.Mark(end)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpBUILD_TUPLE, 2)
	b.Emit(OpRETURN_VALUE, 0)
	b.Handler(start, end, end, 2, false)
	code := mustBuild(t, b)

	var depthAtHandler int
	events, unregister := recordEvents(in, EventRaise, EventExceptionHandled)
	stop := in.Monitoring().Register(Events(EventExceptionHandled), func(ev Event) error {
		depthAtHandler = ev.Frame.StackDepth()
		return nil
	})
	defer stop()
	defer unregister()

	baseline := in.LiveObjects()
	res, err := runModule(t, ts, code)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, intsOf(t, res)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	ts.decref(res)

	if len(*events) != 2 {
		t.Fatalf("got %d events, want RAISE and EXCEPTION_HANDLED", len(*events))
	}
	raise, handled := (*events)[0], (*events)[1]
	if raise.Kind != EventRaise || raise.Offset != 6 {
		t.Errorf("first event %s at %d, want RAISE at 6", raise.Kind, raise.Offset)
	}
	if handled.Kind != EventExceptionHandled || handled.Offset != 8 {
		t.Errorf("second event %s at %d, want EXCEPTION_HANDLED at 8", handled.Kind, handled.Offset)
	}
	// Depth 2 plus the pushed exception.
	if depthAtHandler != 3 {
		t.Errorf("stack depth at handler = %d, want 3", depthAtHandler)
	}
	if got := in.LiveObjects(); got != baseline {
		t.Errorf("live objects = %d, want %d: the dict above the handler depth leaked", got, baseline)
	}
}

func TestHandlerPushesLasti(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	start, end := b.NewLabel(), b.NewLabel()
	b.Mark(start)
	divideByZero(b)()
	b.Mark(end)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpLOAD_CONST, b.Const(None))
	b.Emit(OpRETURN_VALUE, 0)
	b.Handler(start, end, end, 0, true)

	// The slot under the exception holds the failing instruction's index.
	lasti := -1
	defer in.Monitoring().Register(Events(EventExceptionHandled), func(ev Event) error {
		if r := ev.Frame.peek(2); r.IsTaggedInt() {
			lasti = r.UntagInt()
		}
		return nil
	})()

	res, err := runModule(t, ts, mustBuild(t, b))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ts.decref(res)
	if lasti != 3 {
		t.Errorf("lasti = %d, want 3", lasti)
	}
}

func TestTryExceptCatches(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	caught := Intern("caught")
	tryExcept(b, 0, "ArithmeticError", divideByZero(b), func() {
		b.Emit(OpLOAD_CONST, b.Const(caught))
	})
	code := mustBuild(t, b)

	baseline := in.LiveObjects()
	res, err := runModule(t, ts, code)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res != caught {
		t.Errorf("result = %s, want 'caught'", Repr(res))
	}
	ts.decref(res)
	if exc := ts.HandledException(); exc != nil {
		t.Errorf("handled exception %s still set after the handler", Repr(exc))
		ts.decref(exc)
	}
	if got := in.LiveObjects(); got != baseline {
		t.Errorf("live objects = %d, want %d", got, baseline)
	}
}

func TestTryExceptNoMatchPropagates(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Filename = "nomatch.py"
	b.SetLine(1)
	b.Emit(OpRESUME, 0)
	b.SetLine(2)
	tryExcept(b, 0, "KeyError", divideByZero(b), func() {
		b.Emit(OpLOAD_CONST, b.Const(None))
	})

	_, err := runModule(t, ts, mustBuild(t, b))
	if got := raisedMessage(err); got != "ZeroDivisionError: integer division or modulo by zero" {
		t.Fatalf("error = %q", got)
	}
	var r *Raised
	errors.As(err, &r)
	tb := TracebackOf(ExceptionOf(r.Exc).Traceback)
	if tb == nil || tb.Next != nil {
		t.Fatalf("want exactly one traceback entry")
	}
	// The entry points at the division, not at the reraise.
	if tb.Lasti != 3 {
		t.Errorf("traceback lasti = %d, want 3", tb.Lasti)
	}
	if exc := ts.HandledException(); exc != nil {
		t.Errorf("handled exception %s leaked out of the frame", Repr(exc))
		ts.decref(exc)
	}
	ts.Release(err)
}

func TestInvalidExceptClause(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	tryExcept(b, 0, "len", divideByZero(b), func() {
		b.Emit(OpLOAD_CONST, b.Const(None))
	})
	_, err := runModule(t, ts, mustBuild(t, b))
	want := "TypeError: catching classes that do not inherit from BaseException is not allowed"
	if got := raisedMessage(err); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	var r *Raised
	if errors.As(err, &r) {
		if ctx := ExceptionOf(r.Exc).Context; ctx == nil || ctx.Type() != ZeroDivisionErrorType {
			t.Errorf("context = %v, want the ZeroDivisionError", ctx)
		}
	}
	ts.Release(err)
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

func TestRaiseFrom(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("ValueError")<<1)
	b.Emit(OpLOAD_GLOBAL, b.AddName("KeyError")<<1)
	b.Emit(OpRAISE_VARARGS, 2)

	_, err := runModule(t, ts, mustBuild(t, b))
	if raisedType(err) != ValueErrorType {
		t.Fatalf("error = %v, want ValueError", err)
	}
	var r *Raised
	errors.As(err, &r)
	e := ExceptionOf(r.Exc)
	if e.Cause == nil || e.Cause.Type() != KeyErrorType {
		t.Errorf("cause = %v, want KeyError", e.Cause)
	}
	if !e.SuppressContext {
		t.Error("raise from should suppress the context")
	}
	out := FormatException(r.Exc)
	if !strings.Contains(out, "The above exception was the direct cause of the following exception") {
		t.Errorf("formatted exception lacks the cause chain:\n%s", out)
	}
	ts.Release(err)
}

func TestRaiseInHandlerSetsContext(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	tryExcept(b, 0, "ZeroDivisionError", divideByZero(b), func() {
		b.Emit(OpLOAD_GLOBAL, b.AddName("ValueError")<<1)
		b.Emit(OpRAISE_VARARGS, 1)
	})

	_, err := runModule(t, ts, mustBuild(t, b))
	if raisedType(err) != ValueErrorType {
		t.Fatalf("error = %v, want ValueError", err)
	}
	var r *Raised
	errors.As(err, &r)
	if ctx := ExceptionOf(r.Exc).Context; ctx == nil || ctx.Type() != ZeroDivisionErrorType {
		t.Errorf("context = %v, want ZeroDivisionError", ctx)
	}
	out := FormatException(r.Exc)
	if !strings.Contains(out, "During handling of the above exception, another exception occurred") {
		t.Errorf("formatted exception lacks the context chain:\n%s", out)
	}
	if exc := ts.HandledException(); exc != nil {
		t.Errorf("handled exception %s survived the unwind", Repr(exc))
		ts.decref(exc)
	}
	ts.Release(err)
}

func TestBareRaise(t *testing.T) {
	_, ts, _ := newTestInterp(t)

	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	tryExcept(b, 0, "ZeroDivisionError", divideByZero(b), func() {
		b.Emit(OpRAISE_VARARGS, 0)
	})
	_, err := runModule(t, ts, mustBuild(t, b))
	if raisedType(err) != ZeroDivisionErrorType {
		t.Errorf("error = %v, want the original ZeroDivisionError", err)
	}
	var r *Raised
	if errors.As(err, &r) && ExceptionOf(r.Exc).Context != nil {
		t.Error("a reraised exception must not become its own context")
	}
	ts.Release(err)

	b = NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpRAISE_VARARGS, 0)
	_, err = runModule(t, ts, mustBuild(t, b))
	if got := raisedMessage(err); got != "RuntimeError: No active exception to reraise" {
		t.Errorf("error = %q", got)
	}
	ts.Release(err)
}

func TestRaiseNonException(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_SMALL, 3)
	b.Emit(OpRAISE_VARARGS, 1)
	_, err := runModule(t, ts, mustBuild(t, b))
	if got := raisedMessage(err); got != "TypeError: exceptions must derive from BaseException" {
		t.Errorf("error = %q", got)
	}
	ts.Release(err)
}

func TestTracebackThroughCalls(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)

	inner := NewCodeBuilder("inner")
	inner.Filename = "calls.py"
	inner.SetLine(2)
	inner.Emit(OpRESUME, 0)
	inner.SetLine(3)
	inner.Emit(OpLOAD_GLOBAL, inner.AddName("KeyError")<<1|1)
	inner.Emit(OpLOAD_CONST, inner.Const(Intern("missing")))
	inner.Emit(OpCALL, 1)
	inner.Emit(OpRAISE_VARARGS, 1)
	innerFn := newFunc(t, ts, mustBuild(t, inner), g)
	DictOf(g).SetItem(ts, Intern("inner"), innerFn)
	ts.decref(innerFn)
	defer unbind(t, ts, g, "inner")

	outer := NewCodeBuilder("outer")
	outer.Filename = "calls.py"
	outer.SetLine(5)
	outer.Emit(OpRESUME, 0)
	outer.SetLine(6)
	outer.Emit(OpLOAD_GLOBAL, outer.AddName("inner")<<1|1)
	outer.Emit(OpCALL, 0)
	outer.Emit(OpRETURN_VALUE, 0)
	outerFn := newFunc(t, ts, mustBuild(t, outer), g)
	DictOf(g).SetItem(ts, Intern("outer"), outerFn)
	ts.decref(outerFn)
	defer unbind(t, ts, g, "outer")

	mod := NewCodeBuilder("<module>")
	mod.Filename = "calls.py"
	mod.SetLine(8)
	mod.Emit(OpRESUME, 0)
	mod.Emit(OpLOAD_GLOBAL, mod.AddName("outer")<<1|1)
	mod.Emit(OpCALL, 0)
	mod.Emit(OpRETURN_VALUE, 0)

	_, err := ts.RunCode(mustBuild(t, mod), g)
	var r *Raised
	if !errors.As(err, &r) {
		t.Fatalf("error = %v, want a raised KeyError", err)
	}
	want := `Traceback (most recent call last):
  File "calls.py", line 8, in <module>
  File "calls.py", line 6, in outer
  File "calls.py", line 3, in inner
KeyError: 'missing'
`
	if diff := cmp.Diff(want, FormatException(r.Exc)); diff != "" {
		t.Errorf("traceback mismatch (-want +got):\n%s", diff)
	}
	ts.Release(err)
	if ts.DataStack().Top() != 0 {
		t.Errorf("data stack top = %d after unwinding, want 0", ts.DataStack().Top())
	}
}

// ---------------------------------------------------------------------------
// Names and locals
// ---------------------------------------------------------------------------

func TestNameErrorSuggestion(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("lenn")<<1)
	b.Emit(OpRETURN_VALUE, 0)
	_, err := runModule(t, ts, mustBuild(t, b))
	want := "NameError: name 'lenn' is not defined. Did you mean: 'len'?"
	if got := raisedMessage(err); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	ts.Release(err)
}

func TestUnboundLocal(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)
	b := NewCodeBuilder("f")
	b.Local("later")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_FAST, 0)
	b.Emit(OpRETURN_VALUE, 0)
	fn := newFunc(t, ts, mustBuild(t, b), g)
	defer ts.decref(fn)

	_, err := ts.Call(fn)
	want := "UnboundLocalError: cannot access local variable 'later' where it is not associated with a value"
	if got := raisedMessage(err); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	ts.Release(err)
}

func TestModuleNames(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_SMALL, 40)
	b.Emit(OpSTORE_NAME, b.AddName("x"))
	b.Emit(OpLOAD_NAME, b.AddName("x"))
	b.Emit(OpLOAD_SMALL, 2)
	b.Emit(OpBINARY_OP, BinaryAdd+BinaryInplace)
	b.Emit(OpSTORE_GLOBAL, b.AddName("y"))
	b.Emit(OpLOAD_GLOBAL, b.AddName("y")<<1)
	b.Emit(OpRETURN_VALUE, 0)

	g := newGlobals(t, ts)
	defer ts.decref(g)
	res, err := ts.RunCode(mustBuild(t, b), g)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer ts.decref(res)
	if got := intOf(t, res); got != 42 {
		t.Errorf("y = %d, want 42", got)
	}
	if x, ok := DictOf(g).GetStr(ts, "x"); !ok || intOf(t, x) != 40 {
		t.Error("module store did not reach globals")
	}
}

// ---------------------------------------------------------------------------
// Control flow and calls
// ---------------------------------------------------------------------------

func TestForLoopSum(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)

	b := NewCodeBuilder("total")
	total, i := b.Local("total"), b.Local("i")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_SMALL, 0)
	b.Emit(OpSTORE_FAST, total)
	b.Emit(OpLOAD_GLOBAL, b.AddName("range")<<1|1)
	b.Emit(OpLOAD_SMALL, 10)
	b.Emit(OpCALL, 1)
	b.Emit(OpGET_ITER, 0)
	loop, done := b.NewLabel(), b.NewLabel()
	b.Mark(loop)
	b.EmitJump(OpFOR_ITER, done)
	b.Emit(OpSTORE_FAST, i)
	b.Emit(OpLOAD_FAST, total)
	b.Emit(OpLOAD_FAST_BORROW, i)
	b.Emit(OpBINARY_OP, BinaryAdd+BinaryInplace)
	b.Emit(OpSTORE_FAST, total)
	b.EmitJump(OpJUMP_BACKWARD, loop)
	b.Mark(done)
	b.Emit(OpLOAD_FAST, total)
	b.Emit(OpRETURN_VALUE, 0)
	fn := newFunc(t, ts, mustBuild(t, b), g)
	defer ts.decref(fn)

	res, err := ts.Call(fn)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer ts.decref(res)
	if got := intOf(t, res); got != 45 {
		t.Errorf("sum = %d, want 45", got)
	}
}

func TestConditionalJumps(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)

	// def sign(x): return -1 if x < 0 else (0 if x is None else 1)
	b := NewCodeBuilder("sign")
	b.ArgCount = 1
	b.Local("x")
	b.Emit(OpRESUME, 0)
	notNone := b.NewLabel()
	b.Emit(OpLOAD_FAST, 0)
	b.EmitJump(OpPOP_JUMP_IF_NOT_NONE, notNone)
	b.Emit(OpLOAD_SMALL, 0)
	b.Emit(OpRETURN_VALUE, 0)
	b.Mark(notNone)
	positive := b.NewLabel()
	b.Emit(OpLOAD_FAST, 0)
	b.Emit(OpLOAD_SMALL, 0)
	b.Emit(OpCOMPARE_OP, CompareLT)
	b.EmitJump(OpPOP_JUMP_IF_FALSE, positive)
	b.Emit(OpLOAD_SMALL, 1)
	b.Emit(OpUNARY_NEGATIVE, 0)
	b.Emit(OpRETURN_VALUE, 0)
	b.Mark(positive)
	b.Emit(OpLOAD_SMALL, 1)
	b.Emit(OpRETURN_VALUE, 0)
	fn := newFunc(t, ts, mustBuild(t, b), g)
	defer ts.decref(fn)

	for _, tt := range []struct {
		arg  *Object
		want int64
	}{{ConstInt(-7), -1}, {None, 0}, {ConstInt(3), 1}} {
		res, err := ts.Call(fn, tt.arg)
		if err != nil {
			t.Fatalf("sign(%s): %v", Repr(tt.arg), err)
		}
		if got := intOf(t, res); got != tt.want {
			t.Errorf("sign(%s) = %d, want %d", Repr(tt.arg), got, tt.want)
		}
		ts.decref(res)
	}
}

func TestPrint(t *testing.T) {
	_, ts, out := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("print")<<1|1)
	b.Emit(OpLOAD_CONST, b.Const(Intern("hello")))
	b.Emit(OpLOAD_SMALL, 42)
	b.Emit(OpLOAD_CONST, b.Const(Intern("-")))
	b.Emit(OpLOAD_CONST, b.Const(ConstTuple(Intern("sep"))))
	b.Emit(OpCALL_KW, 3)
	b.Emit(OpRETURN_VALUE, 0)
	res, err := runModule(t, ts, mustBuild(t, b))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res != None {
		t.Errorf("print returned %s", Repr(res))
	}
	if got := out.String(); got != "hello-42\n" {
		t.Errorf("output = %q, want %q", got, "hello-42\n")
	}
}

func TestMethodCall(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_CONST, b.Const(Intern("a")))
	b.Emit(OpLOAD_SMALL, 1)
	b.Emit(OpBUILD_MAP, 1)
	b.Emit(OpLOAD_ATTR, b.AddName("get")<<1|1)
	b.Emit(OpLOAD_CONST, b.Const(Intern("b")))
	b.Emit(OpLOAD_SMALL, 7)
	b.Emit(OpCALL, 2)
	b.Emit(OpRETURN_VALUE, 0)
	res, err := runModule(t, ts, mustBuild(t, b))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer ts.decref(res)
	if got := intOf(t, res); got != 7 {
		t.Errorf("{'a': 1}.get('b', 7) = %d, want 7", got)
	}
}

func TestCallFunctionExOpcode(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("len")<<1|1)
	b.Emit(OpLOAD_CONST, b.Const(ConstTuple(Intern("abc"))))
	b.Emit(OpPUSH_NULL, 0)
	b.Emit(OpCALL_FUNCTION_EX, 0)
	b.Emit(OpRETURN_VALUE, 0)
	res, err := runModule(t, ts, mustBuild(t, b))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer ts.decref(res)
	if got := intOf(t, res); got != 3 {
		t.Errorf("len(*('abc',)) = %d, want 3", got)
	}

	b = NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("len")<<1|1)
	b.Emit(OpLOAD_CONST, b.Const(ConstTuple()))
	b.Emit(OpLOAD_SMALL, 1)
	b.Emit(OpCALL_FUNCTION_EX, 0)
	b.Emit(OpRETURN_VALUE, 0)
	_, err = runModule(t, ts, mustBuild(t, b))
	if got := raisedMessage(err); got != "TypeError: len() argument after ** must be a mapping, not int" {
		t.Errorf("error = %q", got)
	}
	ts.Release(err)
}

func TestClosure(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)

	inner := NewCodeBuilder("inner")
	inner.QualName = "outer.<locals>.inner"
	inner.Flags = CodeNested
	inner.Free("x")
	inner.Emit(OpCOPY_FREEVAR, 1)
	inner.Emit(OpRESUME, 0)
	inner.Emit(OpLOAD_DEREF, 0)
	inner.Emit(OpRETURN_VALUE, 0)
	innerCode := mustBuild(t, inner)

	outer := NewCodeBuilder("outer")
	outer.ArgCount = 1
	outer.Local("x")
	outer.Cell("x")
	outer.Emit(OpMAKE_CELL, 0)
	outer.Emit(OpRESUME, 0)
	outer.Emit(OpLOAD_FAST, 0)
	outer.Emit(OpBUILD_TUPLE, 1)
	outer.Emit(OpLOAD_CONST, outer.Const(innerCode.Object()))
	outer.Emit(OpMAKE_FUNCTION, 0)
	outer.Emit(OpSET_FUNC_ATTR, FuncAttrClosure)
	outer.Emit(OpPUSH_NULL, 0)
	outer.Emit(OpCALL, 0)
	outer.Emit(OpRETURN_VALUE, 0)
	fn := newFunc(t, ts, mustBuild(t, outer), g)
	defer ts.decref(fn)

	arg, _ := ts.NewStr("captured")
	res, err := ts.Call(fn, arg)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != arg {
		t.Errorf("closure returned %s, want the captured argument", Repr(res))
	}
	ts.decref(res)
	if Refcnt(arg) != 1 {
		t.Errorf("argument refcount = %d after the call, want 1", Refcnt(arg))
	}
	ts.decref(arg)
}

func TestUnpackSequence(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_CONST, b.Const(constInts(1, 2)))
	b.Emit(OpUNPACK_SEQ, 3)
	b.Emit(OpBUILD_TUPLE, 3)
	b.Emit(OpRETURN_VALUE, 0)
	_, err := runModule(t, ts, mustBuild(t, b))
	if got := raisedMessage(err); got != "ValueError: not enough values to unpack (expected 3, got 2)" {
		t.Errorf("error = %q", got)
	}
	ts.Release(err)

	b = NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_CONST, b.Const(constInts(1, 2)))
	b.Emit(OpUNPACK_SEQ, 2)
	b.Emit(OpSWAP, 2)
	b.Emit(OpBUILD_TUPLE, 2)
	b.Emit(OpRETURN_VALUE, 0)
	res, err := runModule(t, ts, mustBuild(t, b))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer ts.decref(res)
	// The first item is unpacked on top; the swap restores source order.
	if diff := cmp.Diff([]int64{1, 2}, intsOf(t, res)); diff != "" {
		t.Errorf("unpack mismatch (-want +got):\n%s", diff)
	}
}

func TestBorrowOutlivesOverwrittenLocal(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	for _, drop := range []string{"store", "delete"} {
		b := NewCodeBuilder("<module>")
		b.Local("x")
		b.Emit(OpRESUME, 0)
		b.Emit(OpBUILD_MAP, 0)
		b.Emit(OpSTORE_FAST, 0)
		b.Emit(OpLOAD_FAST_BORROW, 0)
		if drop == "store" {
			b.Emit(OpLOAD_CONST, b.Const(None))
			b.Emit(OpSTORE_FAST, 0)
		} else {
			b.Emit(OpDELETE_FAST, 0)
		}
		b.Emit(OpRETURN_VALUE, 0)
		code := mustBuild(t, b)

		live := in.LiveObjects()
		res, err := runModule(t, ts, code)
		if err != nil {
			t.Fatalf("%s: %v", drop, err)
		}
		if res.Type() != DictType || Refcnt(res) != 1 {
			t.Errorf("%s: result %s with refcount %d", drop, res.Type(), Refcnt(res))
		}
		if got := in.LiveObjects() - live; got != 1 {
			t.Errorf("%s: %d new live objects, want the returned dict", drop, got)
		}
		ts.decref(res)
		if in.LiveObjects() != live {
			t.Errorf("%s: live objects = %d, want %d", drop, in.LiveObjects(), live)
		}
	}
}

// ---------------------------------------------------------------------------
// Interrupts, native stack and fatal errors
// ---------------------------------------------------------------------------

func TestRequestInterrupt(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	loop := b.NewLabel()
	b.Mark(loop)
	b.Emit(OpNOP, 0)
	b.EmitJump(OpJUMP_BACKWARD, loop)

	in.RequestInterrupt()
	_, err := runModule(t, ts, mustBuild(t, b))
	if raisedType(err) != KeyboardInterruptType {
		t.Errorf("error = %v, want KeyboardInterrupt", err)
	}
	ts.Release(err)
}

func TestNativeStackOverflow(t *testing.T) {
	_, ts, _ := newTestInterp(t, func(o *Options) { o.NativeStackLimit = 64 << 10 })
	g := newGlobals(t, ts)
	defer ts.decref(g)

	// bounce() calls back into Go, which calls bounce() again.
	b := NewCodeBuilder("bounce")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("reenter")<<1|1)
	b.Emit(OpCALL, 0)
	b.Emit(OpRETURN_VALUE, 0)
	fn := newFunc(t, ts, mustBuild(t, b), g)
	defer ts.decref(fn)
	reenter := NewBuiltin("reenter", func(ts *ThreadState, _ *Object, _ []*Object, _ *Object) (*Object, error) {
		return ts.Call(fn)
	})
	DictOf(g).SetItem(ts, Intern("reenter"), reenter)

	_, err := ts.Call(fn)
	if got := raisedMessage(err); !strings.HasPrefix(got, "RecursionError: Stack overflow (used ") {
		t.Errorf("error = %q, want a native stack overflow", got)
	}
	ts.Release(err)
	if used, _, _ := ts.NativeStackUsage(); used != 0 {
		t.Errorf("native stack use = %d after unwinding, want 0", used)
	}
}

func TestNativeOverflowWhileReportingIsFatal(t *testing.T) {
	in, ts, _ := newTestInterp(t, func(o *Options) { o.NativeStackLimit = 64 << 10 })
	var fatal []string
	in.SetFatalHandler(func(msg string) { fatal = append(fatal, msg) })

	used, soft, hard := ts.NativeStackUsage()
	if used != 0 || soft >= hard {
		t.Fatalf("usage %d, soft %d, hard %d", used, soft, hard)
	}
	// Past the soft limit a RecursionError is raised and the charge given back.
	for ts.native.used+nativeEntryBytes < soft {
		if err := ts.enterRecursiveCall(""); err != nil {
			t.Fatalf("below the soft limit: %v", err)
		}
	}
	entered := ts.native.used / nativeEntryBytes
	err := ts.enterRecursiveCall(" while testing")
	if got := raisedMessage(err); !strings.HasPrefix(got, "RecursionError: Stack overflow") {
		t.Fatalf("error = %q", got)
	}
	ts.Release(err)
	if ts.native.used != entered*nativeEntryBytes {
		t.Errorf("soft-limit failure kept its charge")
	}

	// With a RecursionError being reported, entries continue up to the hard limit.
	ts.recursionHeadroom++
	for ts.native.used+nativeEntryBytes <= hard {
		if err := ts.enterRecursiveCall(""); err != nil {
			t.Fatalf("within headroom: %v", err)
		}
		entered++
	}
	if len(fatal) != 0 {
		t.Fatalf("fatal before the hard limit: %v", fatal)
	}
	err = ts.enterRecursiveCall("")
	ts.recursionHeadroom--
	if len(fatal) != 1 || !strings.HasPrefix(fatal[0], "Unrecoverable stack overflow") {
		t.Errorf("fatal handler saw %q", fatal)
	}
	if raisedType(err) != RecursionErrorType {
		t.Errorf("error = %v, want RecursionError", raisedMessage(err))
	}
	ts.Release(err)

	for ; entered > 0; entered-- {
		ts.leaveRecursiveCall()
	}
	if used, _, _ := ts.NativeStackUsage(); used != 0 {
		t.Errorf("native stack use = %d, want 0", used)
	}
}

func TestPythonOverflowWhileReportingIsFatal(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	var fatal []string
	in.SetFatalHandler(func(msg string) { fatal = append(fatal, msg) })

	saved := ts.pyRecursionRemaining
	ts.pyRecursionRemaining = 0
	err := ts.enterRecursivePy()
	if got := raisedMessage(err); got != "RecursionError: maximum recursion depth exceeded" {
		t.Fatalf("error = %q", got)
	}
	ts.Release(err)

	ts.recursionHeadroom++
	calls := 1
	for ts.pyRecursionRemaining > -50 {
		if err := ts.enterRecursivePy(); err != nil {
			t.Fatalf("within headroom at %d: %v", ts.pyRecursionRemaining, err)
		}
		calls++
	}
	if len(fatal) != 0 {
		t.Fatalf("fatal too early: %v", fatal)
	}
	err = ts.enterRecursivePy()
	ts.recursionHeadroom--
	calls++
	if len(fatal) != 1 || fatal[0] != "Cannot recover from Python stack overflow." {
		t.Errorf("fatal handler saw %q", fatal)
	}
	if raisedType(err) != RecursionErrorType {
		t.Errorf("error = %v, want RecursionError", raisedMessage(err))
	}
	ts.Release(err)

	for ; calls > 0; calls-- {
		ts.leaveRecursivePy()
	}
	if ts.pyRecursionRemaining != 0 {
		t.Errorf("remaining = %d after giving every count back", ts.pyRecursionRemaining)
	}
	ts.pyRecursionRemaining = saved
}

func TestFatalHandler(t *testing.T) {
	in, _, _ := newTestInterp(t)

	func() {
		defer func() {
			var fe *FatalError
			err, _ := recover().(error)
			if !errors.As(err, &fe) || fe.Message != "broken 1" {
				t.Errorf("default handler panicked with %v, want *FatalError", err)
			}
		}()
		in.fatalf("broken %d", 1)
	}()

	var got string
	in.SetFatalHandler(func(msg string) { got = msg })
	in.fatalf("broken %d", 2)
	if got != "broken 2" {
		t.Errorf("handler saw %q, want %q", got, "broken 2")
	}
}
