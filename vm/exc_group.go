package vm

func init() {
	BaseExceptionGroupType.attrs = map[string]*Object{
		"split":    NewBuiltin("split", egSplitMethod),
		"subgroup": NewBuiltin("subgroup", egSubgroupMethod),
		"derive":   NewBuiltin("derive", egDeriveMethod),
	}
	BaseExceptionType.attrs = map[string]*Object{
		"with_traceback": NewBuiltin("with_traceback", func(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
			if len(args) != 1 {
				return nil, ts.Errorf(TypeErrorType, "with_traceback() takes exactly one argument (%d given)", len(args))
			}
			if err := ts.SetAttr(self, Intern("__traceback__"), args[0]); err != nil {
				return nil, err
			}
			return ts.NewRef(self), nil
		}),
	}
}

// excGroupNew implements BaseExceptionGroup(message, exceptions). Calling
// BaseExceptionGroup itself yields an ExceptionGroup when every member is
// an Exception.
func excGroupNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	if kwnames != nil && len(TupleItems(kwnames)) > 0 {
		return nil, ts.Errorf(TypeErrorType, "%s() takes no keyword arguments", t.Name)
	}
	if len(args) != 2 {
		return nil, ts.Errorf(TypeErrorType, "BaseExceptionGroup.__new__() takes exactly 2 arguments (%d given)", len(args))
	}
	msg, excs := args[0], args[1]
	if _, ok := StrValue(msg); !ok {
		return nil, ts.Errorf(TypeErrorType, "argument 1 must be str, not %s", msg.typ.Name)
	}
	if !IsInstance(excs, TupleType) {
		return nil, ts.Errorf(TypeErrorType, "second argument (exceptions) must be a sequence")
	}
	items := TupleItems(excs)
	if len(items) == 0 {
		return nil, ts.Errorf(ValueErrorType, "second argument (exceptions) must be a non-empty sequence")
	}
	nestedBase := false
	for i, it := range items {
		if !IsInstance(it, BaseExceptionType) {
			return nil, ts.Errorf(ValueErrorType, "Item %d of second argument (exceptions) is not an exception", i)
		}
		if !IsInstance(it, ExceptionType) {
			nestedBase = true
		}
	}
	switch {
	case t == BaseExceptionGroupType:
		if !nestedBase {
			t = ExceptionGroupType
		}
	case t == ExceptionGroupType:
		if nestedBase {
			return nil, ts.Errorf(TypeErrorType, "Cannot nest BaseExceptions in an ExceptionGroup")
		}
	case IsSubtype(t, ExceptionType) && nestedBase:
		return nil, ts.Errorf(TypeErrorType, "Cannot nest BaseExceptions in '%s'", t.Name)
	}

	argTuple, err := ts.PackTuple(msg, excs)
	if err != nil {
		return nil, err
	}
	e := &BaseException{Args: argTuple, Message: ts.NewRef(msg), Exceptions: ts.NewRef(excs)}
	o, err := ts.newObject(t, e)
	if err != nil {
		ts.decref(e.Args)
		ts.decref(e.Message)
		ts.decref(e.Exceptions)
		return nil, err
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Splitting
// ---------------------------------------------------------------------------

// egMatcher decides leaf membership for split and subgroup: an exception
// type, a tuple of them, or a predicate callable.
type egMatcher struct {
	types     *Object
	predicate *Object
}

func (ts *ThreadState) newMatcher(m *Object) (egMatcher, error) {
	if t, ok := AsType(m); ok && IsSubtype(t, BaseExceptionType) {
		return egMatcher{types: m}, nil
	}
	if IsInstance(m, TupleType) && ts.checkExceptType(m) == nil {
		return egMatcher{types: m}, nil
	}
	if _, isType := AsType(m); Callable(m) && !isType {
		return egMatcher{predicate: m}, nil
	}
	return egMatcher{}, ts.Errorf(TypeErrorType, "expected an exception type, a tuple of exception types, or a callable (other than a class)")
}

func (ts *ThreadState) matches(m egMatcher, exc *Object) (bool, error) {
	if m.types != nil {
		return ExceptionMatches(exc, m.types), nil
	}
	res, err := ts.Call(m.predicate, exc)
	if err != nil {
		return false, err
	}
	ok := Truth(res)
	ts.decref(res)
	return ok, nil
}

// splitGroup partitions exc by m, returning new references (or nil) to the
// matching and the remaining parts. Nested groups are rebuilt through
// derive with the original's traceback, cause and context.
func (ts *ThreadState) splitGroup(exc *Object, m egMatcher, wantRest bool) (match, rest *Object, err error) {
	ok, err := ts.matches(m, exc)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return ts.NewRef(exc), nil, nil
	}
	if !IsInstance(exc, BaseExceptionGroupType) {
		if wantRest {
			return nil, ts.NewRef(exc), nil
		}
		return nil, nil, nil
	}
	var matched, remaining []*Object
	release := func() {
		for _, o := range matched {
			ts.decref(o)
		}
		for _, o := range remaining {
			ts.decref(o)
		}
	}
	for _, sub := range TupleItems(ExceptionOf(exc).Exceptions) {
		sm, sr, err := ts.splitGroup(sub, m, wantRest)
		if err != nil {
			release()
			return nil, nil, err
		}
		if sm != nil {
			matched = append(matched, sm)
		}
		if sr != nil {
			remaining = append(remaining, sr)
		}
	}
	if len(matched) > 0 {
		if match, err = ts.deriveAndCopy(exc, matched); err != nil {
			release()
			return nil, nil, err
		}
	}
	if len(remaining) > 0 {
		if rest, err = ts.deriveAndCopy(exc, remaining); err != nil {
			release()
			ts.xdecref(match)
			return nil, nil, err
		}
	}
	release()
	return match, rest, nil
}

// deriveAndCopy builds a group like eg over excs (borrowed) and copies the
// traceback, cause and context across.
func (ts *ThreadState) deriveAndCopy(eg *Object, excs []*Object) (*Object, error) {
	tup, err := ts.PackTuple(excs...)
	if err != nil {
		return nil, err
	}
	defer ts.decref(tup)
	src := ExceptionOf(eg)
	o, err := excGroupNew(ts, BaseExceptionGroupType, []*Object{src.Message, tup}, nil)
	if err != nil {
		return nil, err
	}
	dst := ExceptionOf(o)
	dst.Traceback = ts.refNil(src.Traceback)
	dst.Cause = ts.refNil(src.Cause)
	dst.Context = ts.refNil(src.Context)
	dst.SuppressContext = src.SuppressContext
	return o, nil
}

func (ts *ThreadState) refNil(o *Object) *Object {
	if o == nil {
		return nil
	}
	return ts.NewRef(o)
}

func egSplitMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) != 1 {
		return nil, ts.Errorf(TypeErrorType, "split() takes exactly one argument (%d given)", len(args))
	}
	m, err := ts.newMatcher(args[0])
	if err != nil {
		return nil, err
	}
	match, rest, err := ts.splitGroup(self, m, true)
	if err != nil {
		return nil, err
	}
	if match == nil {
		match = None
	}
	if rest == nil {
		rest = None
	}
	return ts.NewTuple([]*Object{match, rest})
}

func egSubgroupMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) != 1 {
		return nil, ts.Errorf(TypeErrorType, "subgroup() takes exactly one argument (%d given)", len(args))
	}
	m, err := ts.newMatcher(args[0])
	if err != nil {
		return nil, err
	}
	match, _, err := ts.splitGroup(self, m, false)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return None, nil
	}
	return match, nil
}

func egDeriveMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) != 1 {
		return nil, ts.Errorf(TypeErrorType, "derive() takes exactly one argument (%d given)", len(args))
	}
	return excGroupNew(ts, BaseExceptionGroupType, []*Object{ExceptionOf(self).Message, args[0]}, nil)
}

// ---------------------------------------------------------------------------
// except*
// ---------------------------------------------------------------------------

// checkExceptStarType validates the operand of an except* clause.
func (ts *ThreadState) checkExceptStarType(match *Object) error {
	if err := ts.checkExceptType(match); err != nil {
		return err
	}
	isGroup := func(o *Object) bool {
		t, ok := AsType(o)
		return ok && IsSubtype(t, BaseExceptionGroupType)
	}
	if isGroup(match) {
		return ts.Errorf(TypeErrorType, "catching ExceptionGroup with except* is not allowed. Use except instead.")
	}
	for _, it := range TupleItems(match) {
		if isGroup(it) {
			return ts.Errorf(TypeErrorType, "catching ExceptionGroup with except* is not allowed. Use except instead.")
		}
	}
	return nil
}

// ExceptionGroupMatch splits the exception being handled by an except*
// clause into the part the clause handles and the rest, both new
// references (None when empty). A naked exception that matches is wrapped
// in a group whose traceback starts at frame.
func (ts *ThreadState) ExceptionGroupMatch(frame *Frame, exc, matchType *Object) (match, rest *Object, err error) {
	if exc == None {
		return None, None, nil
	}
	if ExceptionMatches(exc, matchType) {
		if IsInstance(exc, BaseExceptionGroupType) {
			return ts.NewRef(exc), None, nil
		}
		single, err := ts.PackTuple(exc)
		if err != nil {
			return nil, nil, err
		}
		wrapped, err := excGroupNew(ts, BaseExceptionGroupType, []*Object{Intern(""), single}, nil)
		ts.decref(single)
		if err != nil {
			return nil, nil, err
		}
		if !frame.IsIncomplete() {
			if err := ts.tracebackHere(frame, wrapped); err != nil {
				ts.decref(wrapped)
				return nil, nil, err
			}
		}
		return wrapped, None, nil
	}
	if IsInstance(exc, BaseExceptionGroupType) {
		match, rest, err := ts.splitGroup(exc, egMatcher{types: matchType}, true)
		if err != nil {
			return nil, nil, err
		}
		if match == nil {
			match = None
		}
		if rest == nil {
			rest = None
		}
		return match, rest, nil
	}
	return None, ts.NewRef(exc), nil
}
