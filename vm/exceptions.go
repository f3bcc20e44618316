package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Exception hierarchy
// ---------------------------------------------------------------------------

var (
	BaseExceptionType      = &Type{Name: "BaseException", Base: ObjectType, Flags: TypeBaseException | TypeBaseType}
	ExceptionType          = &Type{Name: "Exception", Base: BaseExceptionType}
	ArithmeticErrorType    = &Type{Name: "ArithmeticError", Base: ExceptionType}
	ZeroDivisionErrorType  = &Type{Name: "ZeroDivisionError", Base: ArithmeticErrorType}
	OverflowErrorType      = &Type{Name: "OverflowError", Base: ArithmeticErrorType}
	LookupErrorType        = &Type{Name: "LookupError", Base: ExceptionType}
	KeyErrorType           = &Type{Name: "KeyError", Base: LookupErrorType}
	IndexErrorType         = &Type{Name: "IndexError", Base: LookupErrorType}
	TypeErrorType          = &Type{Name: "TypeError", Base: ExceptionType}
	ValueErrorType         = &Type{Name: "ValueError", Base: ExceptionType}
	RuntimeErrorType       = &Type{Name: "RuntimeError", Base: ExceptionType}
	RecursionErrorType     = &Type{Name: "RecursionError", Base: RuntimeErrorType}
	NotImplementedType     = &Type{Name: "NotImplementedError", Base: RuntimeErrorType}
	MemoryErrorType        = &Type{Name: "MemoryError", Base: ExceptionType}
	NameErrorType          = &Type{Name: "NameError", Base: ExceptionType}
	UnboundLocalErrorType  = &Type{Name: "UnboundLocalError", Base: NameErrorType}
	AttributeErrorType     = &Type{Name: "AttributeError", Base: ExceptionType}
	StopIterationType      = &Type{Name: "StopIteration", Base: ExceptionType}
	SystemErrorType        = &Type{Name: "SystemError", Base: ExceptionType}
	GeneratorExitType      = &Type{Name: "GeneratorExit", Base: BaseExceptionType}
	KeyboardInterruptType  = &Type{Name: "KeyboardInterrupt", Base: BaseExceptionType}
	BaseExceptionGroupType = &Type{Name: "BaseExceptionGroup", Base: BaseExceptionType, Flags: TypeBaseExceptionGroup}
	ExceptionGroupType     = &Type{Name: "ExceptionGroup", Base: BaseExceptionGroupType, mixin: ExceptionType}
)

// exceptionTypes returns the exception hierarchy, bases first, with the
// shared hooks installed on the root.
func exceptionTypes() []*Type {
	BaseExceptionType.newfn = excNew
	BaseExceptionType.dealloc = excDealloc
	BaseExceptionType.traverse = excTraverse
	BaseExceptionType.repr = excRepr
	BaseExceptionGroupType.newfn = excGroupNew
	return []*Type{
		BaseExceptionType, ExceptionType, ArithmeticErrorType, ZeroDivisionErrorType,
		OverflowErrorType, LookupErrorType, KeyErrorType, IndexErrorType, TypeErrorType,
		ValueErrorType, RuntimeErrorType, RecursionErrorType, NotImplementedType,
		MemoryErrorType, NameErrorType, UnboundLocalErrorType, AttributeErrorType,
		StopIterationType, SystemErrorType, GeneratorExitType, KeyboardInterruptType,
		BaseExceptionGroupType, ExceptionGroupType,
	}
}

// BaseException is the payload of every exception instance.
type BaseException struct {
	Args            *Object
	Traceback       *Object
	Cause           *Object
	Context         *Object
	SuppressContext bool

	// Value is StopIteration.value.
	Value *Object
	// Message and Exceptions are set on exception groups.
	Message    *Object
	Exceptions *Object
}

// ExceptionOf returns the exception payload of o, or nil.
func ExceptionOf(o *Object) *BaseException {
	if o == nil {
		return nil
	}
	e, _ := o.val.(*BaseException)
	return e
}

func excNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	if kwnames != nil && len(TupleItems(kwnames)) > 0 {
		return nil, ts.Errorf(TypeErrorType, "%s() takes no keyword arguments", t.Name)
	}
	return ts.NewException(t, args...)
}

// NewException creates an instance of t with new references to args.
func (ts *ThreadState) NewException(t *Type, args ...*Object) (*Object, error) {
	tup, err := ts.PackTuple(args...)
	if err != nil {
		return nil, err
	}
	e := &BaseException{Args: tup}
	if IsSubtype(t, StopIterationType) {
		v := None
		if len(args) > 0 {
			v = args[0]
		}
		e.Value = ts.NewRef(v)
	}
	o, err := ts.newObject(t, e)
	if err != nil {
		ts.decref(tup)
		ts.xdecref(e.Value)
		return nil, err
	}
	return o, nil
}

func excDealloc(ts *ThreadState, o *Object) {
	e := o.val.(*BaseException)
	for _, p := range []**Object{&e.Args, &e.Traceback, &e.Cause, &e.Context, &e.Value, &e.Message, &e.Exceptions} {
		v := *p
		*p = nil
		ts.xdecref(v)
	}
}

func excTraverse(o *Object, visit VisitFunc) int {
	e := o.val.(*BaseException)
	for _, v := range []*Object{e.Args, e.Traceback, e.Cause, e.Context, e.Value, e.Message, e.Exceptions} {
		if v != nil {
			if r := visit(v); r != 0 {
				return r
			}
		}
	}
	return 0
}

func excRepr(o *Object) string {
	e := o.val.(*BaseException)
	if e.Message != nil {
		return fmt.Sprintf("%s(%s, %s)", o.typ.Name, Repr(e.Message), listRepr(e.Exceptions))
	}
	items := TupleItems(orEmpty(e.Args))
	if len(items) == 1 {
		return o.typ.Name + "(" + Repr(items[0]) + ")"
	}
	return o.typ.Name + tupleRepr(orEmpty(e.Args))
}

func listRepr(tup *Object) string {
	items := TupleItems(orEmpty(tup))
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Repr(it)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func exceptionStr(o *Object) string {
	e := ExceptionOf(o)
	if e == nil {
		return Repr(o)
	}
	if e.Message != nil {
		n := len(TupleItems(e.Exceptions))
		return fmt.Sprintf("%s (%d sub-exception%s)", Str(e.Message), n, plural(n))
	}
	items := TupleItems(orEmpty(e.Args))
	switch len(items) {
	case 0:
		return ""
	case 1:
		if IsInstance(o, KeyErrorType) {
			return Repr(items[0])
		}
		return Str(items[0])
	}
	return tupleRepr(e.Args)
}

// setCause replaces exc.__cause__ with a new reference to cause (nil clears
// it) and suppresses the implicit context.
func (ts *ThreadState) setCause(exc, cause *Object) {
	e := ExceptionOf(exc)
	if cause != nil {
		ts.incref(cause)
	}
	old := e.Cause
	e.Cause = cause
	e.SuppressContext = true
	ts.xdecref(old)
}

// setContext records ctx as the exception being handled when exc was
// raised. Links that would form a cycle through exc are cut.
func (ts *ThreadState) setContext(exc, ctx *Object) {
	if ctx == nil || ctx == exc || ctx == None {
		return
	}
	// Break a cycle: if exc already appears on ctx's context chain, detach it.
	for o := ctx; o != nil; {
		e := ExceptionOf(o)
		if e == nil {
			break
		}
		if e.Context == exc {
			e.Context = nil
			ts.decref(exc)
			break
		}
		o = e.Context
	}
	e := ExceptionOf(exc)
	ts.incref(ctx)
	old := e.Context
	e.Context = ctx
	ts.xdecref(old)
}

// ---------------------------------------------------------------------------
// Go error bridge
// ---------------------------------------------------------------------------

// Raised carries a language-level exception through Go error returns. It
// owns one reference to Exc.
type Raised struct {
	Exc *Object
}

func (r *Raised) Error() string { return FormatExceptionOnly(r.Exc) }

// Release drops the reference held by a *Raised error. Other errors are
// ignored.
func (ts *ThreadState) Release(err error) {
	var r *Raised
	if errors.As(err, &r) && r.Exc != nil {
		ts.decref(r.Exc)
		r.Exc = nil
	}
}

// Errorf creates an exception of type t with a formatted message and
// returns it as a *Raised error.
func (ts *ThreadState) Errorf(t *Type, format string, args ...any) error {
	msg, err := ts.NewStr(fmt.Sprintf(format, args...))
	if err != nil {
		return ts.memoryError()
	}
	exc, err := ts.NewException(t, msg)
	ts.decref(msg)
	if err != nil {
		return ts.memoryError()
	}
	return &Raised{Exc: exc}
}

// Raise wraps a new reference to exc as a *Raised error.
func (ts *ThreadState) Raise(exc *Object) error {
	return &Raised{Exc: ts.NewRef(exc)}
}

func (ts *ThreadState) memoryError() error {
	return &Raised{Exc: ts.newMemoryError()}
}

// newMemoryError bypasses the object budget so that exhausting it can
// still be reported.
func (ts *ThreadState) newMemoryError() *Object {
	return ts.newObjectUnchecked(MemoryErrorType, &BaseException{Args: EmptyTuple})
}

// exceptionFromError converts any error into a new reference to an
// exception object.
func (ts *ThreadState) exceptionFromError(err error) *Object {
	var r *Raised
	var ae *ArgumentError
	switch {
	case errors.As(err, &r):
		exc := r.Exc
		r.Exc = nil
		if exc == nil {
			return ts.newSystemError("exception already consumed")
		}
		return exc
	case errors.As(err, &ae):
		return ts.exceptionFromError(ts.Errorf(TypeErrorType, "%s", ae.Message))
	case errors.Is(err, ErrStackOverflow), errors.Is(err, ErrNoMemory):
		return ts.newMemoryError()
	}
	return ts.newSystemError(err.Error())
}

func (ts *ThreadState) newSystemError(msg string) *Object {
	var r *Raised
	if errors.As(ts.Errorf(SystemErrorType, "%s", msg), &r) {
		return r.Exc
	}
	return ts.newMemoryError()
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

// checkExceptType validates the operand of an except clause: an exception
// class or a tuple of them.
func (ts *ThreadState) checkExceptType(match *Object) error {
	if t, ok := AsType(match); ok {
		if !IsSubtype(t, BaseExceptionType) {
			return ts.Errorf(TypeErrorType, "catching classes that do not inherit from BaseException is not allowed")
		}
		return nil
	}
	if IsInstance(match, TupleType) {
		for _, it := range TupleItems(match) {
			if err := ts.checkExceptType(it); err != nil {
				return err
			}
		}
		return nil
	}
	return ts.Errorf(TypeErrorType, "catching classes that do not inherit from BaseException is not allowed")
}

// ExceptionMatches reports whether exc is an instance of match, which is a
// class or a tuple of classes.
func ExceptionMatches(exc, match *Object) bool {
	if t, ok := AsType(match); ok {
		return IsInstance(exc, t)
	}
	for _, it := range TupleItems(match) {
		if ExceptionMatches(exc, it) {
			return true
		}
	}
	return false
}

// FormatExceptionOnly renders "Type: message".
func FormatExceptionOnly(exc *Object) string {
	if exc == nil {
		return "<no exception>"
	}
	msg := exceptionStr(exc)
	if msg == "" {
		return exc.typ.Name
	}
	return exc.typ.Name + ": " + msg
}
