package vm

// Call invokes callable with borrowed positional arguments and returns a
// new reference to the result.
func (ts *ThreadState) Call(callable *Object, args ...*Object) (*Object, error) {
	return ts.CallKw(callable, args, nil)
}

// CallKw invokes callable. args holds the positional arguments followed by
// one value per entry of kwnames (a tuple of str, or nil). Arguments are
// borrowed.
func (ts *ThreadState) CallKw(callable *Object, args []*Object, kwnames *Object) (*Object, error) {
	switch callable.typ {
	case FunctionType:
		return ts.callFunction(callable, args, kwnames)
	case MethodType:
		m := callable.val.(*Method)
		full := make([]*Object, 0, len(args)+1)
		full = append(full, m.Self)
		full = append(full, args...)
		return ts.CallKw(m.Func, full, kwnames)
	case BuiltinType:
		b := callable.val.(*Builtin)
		return b.Fn(ts, b.Self, args, kwnames)
	}
	if call := callable.typ.call; call != nil {
		return call(ts, callable, args, kwnames)
	}
	if t, ok := AsType(callable); ok && t.newfn != nil {
		return t.newfn(ts, t, args, kwnames)
	}
	return nil, ts.Errorf(TypeErrorType, "'%s' object is not callable", callable.typ.Name)
}

// callFunction pushes a frame for fn on top of the current frame and runs
// it to completion in a nested eval loop.
func (ts *ThreadState) callFunction(fn *Object, args []*Object, kwnames *Object) (*Object, error) {
	refs := make([]StackRef, len(args))
	for i, a := range args {
		refs[i] = FromObjectNew(ts, a)
	}
	argcount := len(args) - kwCount(kwnames)
	f, err := ts.PushAndInit(FromObjectNew(ts, fn), nil, refs, argcount, kwnames, ts.current.Load())
	if err != nil {
		return nil, err
	}
	return ts.evalFrame(f, nil)
}

// callStack dispatches a call whose arguments live on the evaluation
// stack. Python functions are returned as a pushed frame for the caller to
// run inline; everything else is called directly and its result returned.
// All of fn and args are consumed either way.
func (ts *ThreadState) callStack(frame *Frame, fn StackRef, args []StackRef, argcount int, kwnames *Object) (*Frame, *Object, error) {
	if fo := FunctionOf(fn.AsObjectBorrow()); fo != nil {
		if kwnames == nil && exactArgs(fo.Code, argcount) && ts.stack.HasSpace(fo.Code.FrameSize()) {
			return ts.pushFrameUnchecked(fn, args, frame), nil, nil
		}
		f, err := ts.PushAndInit(fn, nil, args, argcount, kwnames, frame)
		return f, nil, err
	}
	objs := make([]*Object, len(args))
	for i, r := range args {
		objs[i] = r.AsObjectBorrow()
	}
	res, err := ts.CallKw(fn.AsObjectBorrow(), objs, kwnames)
	closeRefs(ts, args)
	fn.Close(ts)
	return nil, res, err
}

// exactArgs reports whether argcount positional arguments bind to code's
// parameters one to one, with no defaults, keywords or packing.
func exactArgs(code *Code, argcount int) bool {
	return argcount == code.ArgCount && code.KwOnlyArgCount == 0 &&
		code.Flags&(CodeVarargs|CodeVarKeywords) == 0
}

// Callable reports whether o can be called.
func Callable(o *Object) bool {
	switch o.typ {
	case FunctionType, MethodType, BuiltinType:
		return true
	}
	return o.typ.call != nil
}
