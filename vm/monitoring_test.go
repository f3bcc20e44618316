package vm

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEventKind(t *testing.T) {
	for k := EventKind(0); k < numEvents; k++ {
		got, err := ParseEventKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseEventKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if got, err := ParseEventKind("py_unwind"); err != nil || got != EventPyUnwind {
		t.Errorf("lower-case lookup = %v, %v", got, err)
	}
	if _, err := ParseEventKind("LINE"); err == nil {
		t.Error("unknown event name should fail")
	}
	if got := EventKind(99).String(); got != "EventKind(99)" {
		t.Errorf("String() of an unknown kind = %q", got)
	}
}

func TestEventSet(t *testing.T) {
	s := Events(EventRaise, EventPyReturn)
	if !s.Has(EventRaise) || !s.Has(EventPyReturn) || s.Has(EventPyStart) {
		t.Errorf("Events(RAISE, PY_RETURN) = %b", s)
	}
	for k := EventKind(0); k < numEvents; k++ {
		if !AllEvents.Has(k) {
			t.Errorf("AllEvents is missing %s", k)
		}
	}
}

func TestRegisterUnregister(t *testing.T) {
	in, _, _ := newTestInterp(t)
	m := in.Monitoring()
	if m.Active() != 0 {
		t.Fatalf("fresh interpreter has active events %b", m.Active())
	}
	nop := func(Event) error { return nil }
	stopA := m.Register(Events(EventPyStart), nop)
	stopB := m.Register(Events(EventPyStart, EventRaise), nop)
	if want := Events(EventPyStart, EventRaise); m.Active() != want {
		t.Errorf("Active() = %b, want %b", m.Active(), want)
	}
	stopB()
	if want := Events(EventPyStart); m.Active() != want {
		t.Errorf("after unregister Active() = %b, want %b", m.Active(), want)
	}
	stopA()
	stopA()
	if m.Active() != 0 {
		t.Errorf("Active() = %b after removing everything", m.Active())
	}
}

// callChain builds outer() -> inner() where inner runs body.
func callChain(t *testing.T, ts *ThreadState, g *Object, body func(b *CodeBuilder)) *Object {
	t.Helper()
	ib := NewCodeBuilder("inner")
	ib.Emit(OpRESUME, 0)
	body(ib)
	inner := newFunc(t, ts, mustBuild(t, ib), g)
	if err := DictOf(g).SetItem(ts, Intern("inner"), inner); err != nil {
		t.Fatal(err)
	}
	ts.decref(inner)

	ob := NewCodeBuilder("outer")
	ob.Emit(OpRESUME, 0)
	ob.Emit(OpLOAD_GLOBAL, ob.AddName("inner")<<1|1)
	ob.Emit(OpCALL, 0)
	ob.Emit(OpRETURN_VALUE, 0)
	return newFunc(t, ts, mustBuild(t, ob), g)
}

// traceEvents records "code:KIND@offset" for every event in events.
func traceEvents(in *Interpreter, events EventSet) (*[]string, func()) {
	var trace []string
	stop := in.Monitoring().Register(events, func(ev Event) error {
		trace = append(trace, fmt.Sprintf("%s:%s@%d", ev.Code.Name, ev.Kind, ev.Offset))
		return nil
	})
	return &trace, stop
}

func TestEventOrderOnReturn(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)
	outer := callChain(t, ts, g, func(b *CodeBuilder) {
		b.Emit(OpLOAD_SMALL, 3)
		b.Emit(OpRETURN_VALUE, 0)
	})
	defer ts.decref(outer)

	trace, stop := traceEvents(in, AllEvents)
	defer stop()
	res, err := ts.Call(outer)
	if err != nil {
		t.Fatal(err)
	}
	ts.decref(res)

	want := []string{
		"outer:PY_START@0",
		"inner:PY_START@0",
		"inner:PY_RETURN@2",
		"outer:PY_RETURN@3",
	}
	if diff := cmp.Diff(want, *trace); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestEventOrderOnUnwind(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)
	outer := callChain(t, ts, g, func(b *CodeBuilder) {
		b.Emit(OpLOAD_GLOBAL, b.AddName("KeyError")<<1)
		b.Emit(OpRAISE_VARARGS, 1)
	})
	defer ts.decref(outer)

	trace, stop := traceEvents(in, AllEvents)
	defer stop()
	_, err := ts.Call(outer)
	if raisedType(err) != KeyErrorType {
		t.Fatalf("error = %v, want KeyError", raisedMessage(err))
	}
	ts.Release(err)

	want := []string{
		"outer:PY_START@0",
		"inner:PY_START@0",
		"inner:RAISE@2",
		"inner:PY_UNWIND@2",
		"outer:RAISE@2",
		"outer:PY_UNWIND@2",
	}
	if diff := cmp.Diff(want, *trace); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestGeneratorStopIterationEvents(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)
	fn := genFunc(t, ts, g, "leaky", nil, func(b *CodeBuilder) {
		b.Emit(OpLOAD_GLOBAL, b.AddName("StopIteration")<<1)
		b.Emit(OpRAISE_VARARGS, 1)
	})
	defer ts.decref(fn)
	gen, err := ts.Call(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ts.decref(gen)

	var trace []string
	stop := in.Monitoring().Register(Events(EventRaise, EventStopIteration, EventPyUnwind), func(ev Event) error {
		trace = append(trace, fmt.Sprintf("%s:%s(%s)", ev.Code.Name, ev.Kind, ev.Arg.Type().Name))
		return nil
	})
	_, err = callMethod(t, ts, gen, "__next__")
	stop()

	if got := raisedMessage(err); got != "RuntimeError: generator raised StopIteration" {
		t.Fatalf("error = %q", got)
	}
	want := []string{
		"leaky:RAISE(StopIteration)",
		"leaky:STOP_ITERATION(StopIteration)",
		"leaky:PY_UNWIND(RuntimeError)",
	}
	if diff := cmp.Diff(want, trace); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if tb := FormatException(err.(*Raised).Exc); !strings.Contains(tb, ", in leaky\n") {
		t.Errorf("RuntimeError traceback has no generator entry:\n%s", tb)
	}
	ts.Release(err)

	// A failing callback replaces the exception that would have escaped.
	gen2, err := ts.Call(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer ts.decref(gen2)
	stop = in.Monitoring().Register(Events(EventStopIteration), func(Event) error {
		return ts.Errorf(ValueErrorType, "vetoed")
	})
	_, err = callMethod(t, ts, gen2, "__next__")
	stop()
	if got := raisedMessage(err); got != "ValueError: vetoed" {
		t.Errorf("error with a failing callback = %q", got)
	}
	ts.Release(err)
}

func TestCallbackErrors(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)

	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("KeyError")<<1)
	b.Emit(OpRAISE_VARARGS, 1)
	raiser := mustBuild(t, b)

	b = NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_CONST, b.Const(None))
	b.Emit(OpRETURN_VALUE, 0)
	quiet := mustBuild(t, b)

	tests := []struct {
		name   string
		kind   EventKind
		code   *Code
		err    func() error
		result string
	}{
		{"start vetoed", EventPyStart, quiet, func() error { return errors.New("veto") }, "SystemError: veto"},
		{"return vetoed", EventPyReturn, quiet, func() error { return ts.Errorf(RuntimeErrorType, "no returns") },
			"RuntimeError: no returns"},
		{"raise replaced", EventRaise, raiser, func() error { return ts.Errorf(ValueErrorType, "replaced") },
			"ValueError: replaced"},
		{"unwind replaced", EventPyUnwind, raiser, func() error { return ts.Errorf(ValueErrorType, "unwound") },
			"ValueError: unwound"},
	}
	for _, tt := range tests {
		stop := in.Monitoring().Register(Events(tt.kind), func(Event) error { return tt.err() })
		_, err := ts.RunCode(tt.code, g)
		stop()
		if got := raisedMessage(err); got != tt.result {
			t.Errorf("%s: error = %q, want %q", tt.name, got, tt.result)
		}
		ts.Release(err)
		if ts.CurrentFrame() != nil {
			t.Errorf("%s: frames left on the thread", tt.name)
		}
	}
}

func TestExceptionHandledCallbackError(t *testing.T) {
	in, ts, _ := newTestInterp(t)
	b := NewCodeBuilder("<module>")
	b.Emit(OpRESUME, 0)
	tryExcept(b, 0, "ValueError", divideByZero(b), func() {
		b.Emit(OpLOAD_CONST, b.Const(Intern("caught")))
	})
	code := mustBuild(t, b)

	// The replacement exception restarts handler lookup from the handler,
	// where the cleanup range re-raises it.
	stop := in.Monitoring().Register(Events(EventExceptionHandled), func(ev Event) error {
		if ev.Arg.typ == ZeroDivisionErrorType {
			return ts.Errorf(IndexErrorType, "swapped")
		}
		return nil
	})
	defer stop()
	_, err := runModule(t, ts, code)
	if got := raisedMessage(err); got != "IndexError: swapped" {
		t.Errorf("error = %q, want IndexError: swapped", got)
	}
	ts.Release(err)
}
