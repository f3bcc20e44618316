package vm

import (
	"fmt"
	"strings"
)

// Traceback records one frame an exception passed through. Tracebacks form
// a list from the outermost frame (the head) inwards via Next.
type Traceback struct {
	Next   *Object
	Frame  *Object
	Lasti  int
	Lineno int
}

// TracebackOf returns the payload of a traceback object.
func TracebackOf(o *Object) *Traceback {
	tb, _ := o.val.(*Traceback)
	return tb
}

// tracebackHere prepends an entry for f to exc's traceback. This is what
// forces frame objects into existence during unwinding.
func (ts *ThreadState) tracebackHere(f *Frame, exc *Object) error {
	fo, err := ts.GetFrameObject(f)
	if err != nil {
		return err
	}
	e := ExceptionOf(exc)
	tb := &Traceback{Next: e.Traceback, Frame: ts.NewRef(fo), Lasti: f.InstrPtr, Lineno: f.Lineno()}
	o, err := ts.newObject(TracebackType, tb)
	if err != nil {
		ts.decref(tb.Frame)
		return err
	}
	e.Traceback = o
	return nil
}

func tracebackDealloc(ts *ThreadState, o *Object) {
	tb := o.val.(*Traceback)
	next, frame := tb.Next, tb.Frame
	tb.Next, tb.Frame = nil, nil
	ts.xdecref(next)
	ts.xdecref(frame)
}

func tracebackTraverse(o *Object, visit VisitFunc) int {
	tb := o.val.(*Traceback)
	if tb.Next != nil {
		if r := visit(tb.Next); r != 0 {
			return r
		}
	}
	if tb.Frame != nil {
		return visit(tb.Frame)
	}
	return 0
}

// FormatTraceback renders the entries of a traceback list, outermost first.
func FormatTraceback(tb *Object) string {
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	for o := tb; o != nil; {
		t := TracebackOf(o)
		c := FrameOf(t.Frame).Code()
		fmt.Fprintf(&b, "  File %q, line %d, in %s\n", c.Filename, t.Lineno, c.Name)
		o = t.Next
	}
	return b.String()
}

// FormatException renders exc with its traceback and its cause or context
// chain, oldest exception first.
func FormatException(exc *Object) string {
	var b strings.Builder
	formatChained(&b, exc, map[*Object]bool{})
	return b.String()
}

func formatChained(b *strings.Builder, exc *Object, seen map[*Object]bool) {
	seen[exc] = true
	e := ExceptionOf(exc)
	if e != nil {
		switch {
		case e.Cause != nil && !seen[e.Cause]:
			formatChained(b, e.Cause, seen)
			b.WriteString("\nThe above exception was the direct cause of the following exception:\n\n")
		case e.Context != nil && !e.SuppressContext && !seen[e.Context]:
			formatChained(b, e.Context, seen)
			b.WriteString("\nDuring handling of the above exception, another exception occurred:\n\n")
		}
		if e.Traceback != nil {
			b.WriteString(FormatTraceback(e.Traceback))
		}
	}
	b.WriteString(FormatExceptionOnly(exc))
	b.WriteByte('\n')
	if e != nil && e.Exceptions != nil {
		for i, sub := range TupleItems(e.Exceptions) {
			fmt.Fprintf(b, "+---------------- %d ----------------\n", i+1)
			var inner strings.Builder
			formatChained(&inner, sub, seen)
			for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
				b.WriteString("| " + line + "\n")
			}
		}
	}
}
