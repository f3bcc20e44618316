package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Argument binding errors
// ---------------------------------------------------------------------------

// ArgumentErrorKind classifies a call that does not match the callee's
// signature.
type ArgumentErrorKind uint8

const (
	TooManyPositional ArgumentErrorKind = iota + 1
	MissingArguments
	UnexpectedKeyword
	MultipleValues
	PositionalOnlyAsKeyword
)

func (k ArgumentErrorKind) String() string {
	switch k {
	case TooManyPositional:
		return "TooManyPositionalArguments"
	case MissingArguments:
		return "MissingArguments"
	case UnexpectedKeyword:
		return "UnexpectedKeywordArgument"
	case MultipleValues:
		return "MultipleValuesForArgument"
	case PositionalOnlyAsKeyword:
		return "PositionalOnlyPassedAsKeyword"
	}
	return fmt.Sprintf("ArgumentErrorKind(%d)", uint8(k))
}

// ArgumentError reports a binding failure. The eval loop raises it as a
// TypeError carrying Message.
type ArgumentError struct {
	Kind        ArgumentErrorKind
	Func        string
	Names       []string
	KeywordOnly bool // MissingArguments: the missing names are keyword-only
	Suggestion  string
	Message     string
}

func (e *ArgumentError) Error() string { return e.Message }

func closeRefs(ts *ThreadState, refs []StackRef) {
	for i := range refs {
		refs[i].Close(ts)
		refs[i] = NullRef
	}
}

func kwCount(kwnames *Object) int {
	if kwnames == nil {
		return 0
	}
	return len(TupleItems(kwnames))
}

// strEqual compares two str objects by identity, then by content.
func strEqual(a, b *Object) bool {
	if a == b {
		return true
	}
	sa, ok1 := StrValue(a)
	sb, ok2 := StrValue(b)
	return ok1 && ok2 && sa == sb
}

// ---------------------------------------------------------------------------
// initializeLocals
// ---------------------------------------------------------------------------

// initializeLocals binds a call's arguments into the callee's localsplus.
// args holds argcount positional values followed by one value per name in
// kwnames. Every argument reference is consumed, on success by moving it
// into a slot or container and on failure by closing it.
func (ts *ThreadState) initializeLocals(fn *Function, localsplus []StackRef, args []StackRef, argcount int, kwnames *Object) error {
	co := fn.Code
	totalArgs := co.TotalArgs()
	nkw := kwCount(kwnames)

	var kwdict *Object
	if co.Flags&CodeVarKeywords != 0 {
		d, err := ts.NewDict()
		if err != nil {
			closeRefs(ts, args[:argcount+nkw])
			return err
		}
		i := totalArgs
		if co.Flags&CodeVarargs != 0 {
			i++
		}
		localsplus[i] = FromObjectSteal(d)
		kwdict = d
	}

	n := min(argcount, co.ArgCount)
	for j := 0; j < n; j++ {
		localsplus[j] = args[j]
		args[j] = NullRef
	}

	if co.Flags&CodeVarargs != 0 {
		u := EmptyTuple
		if argcount > n {
			t, err := ts.tupleFromStackRefs(args[n:argcount])
			if err != nil {
				closeRefs(ts, args[n:argcount+nkw])
				return err
			}
			clear(args[n:argcount])
			u = t
		}
		localsplus[totalArgs] = FromObjectSteal(u)
	} else if argcount > n {
		// Reported after the keywords.
		closeRefs(ts, args[n:argcount])
	}

	if nkw > 0 {
		names := co.LocalsPlusNames
		kw := TupleItems(kwnames)
		for i, keyword := range kw {
			value := args[argcount+i]
			var err error
			if keyword.typ != StrType {
				err = ts.Errorf(TypeErrorType, "%s() keywords must be strings", fn.QualName)
				closeRefs(ts, args[argcount+i:argcount+nkw])
				return err
			}

			j := -1
			for k := co.PosOnlyArgCount; k < totalArgs; k++ {
				if names[k] == keyword {
					j = k
					break
				}
			}
			if j < 0 {
				for k := co.PosOnlyArgCount; k < totalArgs; k++ {
					if strEqual(keyword, names[k]) {
						j = k
						break
					}
				}
			}

			switch {
			case j < 0 && kwdict == nil:
				if co.PosOnlyArgCount > 0 {
					err = positionalOnlyPassedAsKeyword(fn, kw)
				}
				if err == nil {
					err = unexpectedKeyword(fn, keyword)
				}
			case j < 0:
				if err = DictOf(kwdict).SetItem(ts, keyword, value.AsObjectBorrow()); err == nil {
					value.Close(ts)
					args[argcount+i] = NullRef
					continue
				}
			case !localsplus[j].IsNull():
				kwname, _ := StrValue(keyword)
				err = &ArgumentError{
					Kind:    MultipleValues,
					Func:    fn.QualName,
					Names:   []string{kwname},
					Message: fmt.Sprintf("%s() got multiple values for argument '%s'", fn.QualName, kwname),
				}
			default:
				localsplus[j] = value
				args[argcount+i] = NullRef
				continue
			}
			closeRefs(ts, args[argcount+i:argcount+nkw])
			return err
		}
	}

	if argcount > co.ArgCount && co.Flags&CodeVarargs == 0 {
		return tooManyPositional(fn, argcount, localsplus)
	}

	if argcount < co.ArgCount {
		defcount := 0
		var defs []*Object
		if fn.Defaults != nil {
			defs = TupleItems(fn.Defaults)
			defcount = len(defs)
		}
		m := co.ArgCount - defcount
		missing := 0
		for i := argcount; i < m; i++ {
			if localsplus[i].IsNull() {
				missing++
			}
		}
		if missing > 0 {
			return missingArguments(fn, 0, m, false, localsplus)
		}
		i := 0
		if n > m {
			i = n - m
		}
		for ; i < defcount; i++ {
			if localsplus[m+i].IsNull() {
				localsplus[m+i] = FromObjectNew(ts, defs[i])
			}
		}
	}

	if co.KwOnlyArgCount > 0 {
		missing := 0
		for i := co.ArgCount; i < totalArgs; i++ {
			if !localsplus[i].IsNull() {
				continue
			}
			if fn.KwDefaults != nil {
				def, ok, err := DictOf(fn.KwDefaults).GetItemRef(ts, co.LocalsPlusNames[i])
				if err != nil {
					return err
				}
				if ok {
					localsplus[i] = FromObjectSteal(def)
					continue
				}
			}
			missing++
		}
		if missing > 0 {
			return missingArguments(fn, co.ArgCount, totalArgs, true, localsplus)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func missingArguments(fn *Function, start, end int, kwonly bool, localsplus []StackRef) error {
	co := fn.Code
	var names, quoted []string
	for i := start; i < end; i++ {
		if localsplus[i].IsNull() {
			name := co.LocalName(i)
			names = append(names, name)
			quoted = append(quoted, quoteStr(name))
		}
	}
	kind := "positional"
	if kwonly {
		kind = "keyword-only"
	}
	return &ArgumentError{
		Kind:        MissingArguments,
		Func:        fn.QualName,
		Names:       names,
		KeywordOnly: kwonly,
		Message: fmt.Sprintf("%s() missing %d required %s argument%s: %s",
			fn.QualName, len(names), kind, plural(len(names)), joinNatural(quoted)),
	}
}

// joinNatural joins names as "a", "a and b" or "a, b, and c".
func joinNatural(names []string) string {
	switch len(names) {
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}
	n := len(names)
	return strings.Join(names[:n-2], ", ") + ", " + names[n-2] + ", and " + names[n-1]
}

func tooManyPositional(fn *Function, given int, localsplus []StackRef) error {
	co := fn.Code
	kwonlyGiven := 0
	for i := co.ArgCount; i < co.TotalArgs(); i++ {
		if !localsplus[i].IsNull() {
			kwonlyGiven++
		}
	}
	defcount := 0
	if fn.Defaults != nil {
		defcount = len(TupleItems(fn.Defaults))
	}
	var sig string
	pluralSig := true
	if defcount > 0 {
		sig = fmt.Sprintf("from %d to %d", co.ArgCount-defcount, co.ArgCount)
	} else {
		pluralSig = co.ArgCount != 1
		sig = fmt.Sprint(co.ArgCount)
	}
	kwonlySig := ""
	if kwonlyGiven > 0 {
		s := ""
		if given != 1 {
			s = "s"
		}
		kwonlySig = fmt.Sprintf(" positional argument%s (and %d keyword-only argument%s)", s, kwonlyGiven, plural(kwonlyGiven))
	}
	verb := "were"
	if given == 1 && kwonlyGiven == 0 {
		verb = "was"
	}
	ps := ""
	if pluralSig {
		ps = "s"
	}
	return &ArgumentError{
		Kind: TooManyPositional,
		Func: fn.QualName,
		Message: fmt.Sprintf("%s() takes %s positional argument%s but %d%s %s given",
			fn.QualName, sig, ps, given, kwonlySig, verb),
	}
}

// positionalOnlyPassedAsKeyword returns an error naming every
// positional-only parameter supplied by keyword, or nil if there is none.
func positionalOnlyPassedAsKeyword(fn *Function, kw []*Object) error {
	co := fn.Code
	var names []string
	for k := 0; k < co.PosOnlyArgCount; k++ {
		posonly := co.LocalsPlusNames[k]
		for _, kwname := range kw {
			if strEqual(posonly, kwname) {
				s, _ := StrValue(kwname)
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &ArgumentError{
		Kind:  PositionalOnlyAsKeyword,
		Func:  fn.QualName,
		Names: names,
		Message: fmt.Sprintf("%s() got some positional-only arguments passed as keyword arguments: '%s'",
			fn.QualName, strings.Join(names, ", ")),
	}
}

func unexpectedKeyword(fn *Function, keyword *Object) error {
	co := fn.Code
	kwname, _ := StrValue(keyword)
	var candidates []string
	for k := co.PosOnlyArgCount; k < co.TotalArgs(); k++ {
		candidates = append(candidates, co.LocalName(k))
	}
	e := &ArgumentError{
		Kind:  UnexpectedKeyword,
		Func:  fn.QualName,
		Names: []string{kwname},
	}
	if len(candidates) > 0 {
		e.Suggestion = suggestName(candidates, kwname)
	}
	if e.Suggestion != "" {
		e.Message = fmt.Sprintf("%s() got an unexpected keyword argument '%s'. Did you mean '%s'?", fn.QualName, kwname, e.Suggestion)
	} else {
		e.Message = fmt.Sprintf("%s() got an unexpected keyword argument '%s'", fn.QualName, kwname)
	}
	return e
}

// ---------------------------------------------------------------------------
// Frame push with binding
// ---------------------------------------------------------------------------

// PushAndInit pushes a frame for the function held by fn and binds the
// call's arguments into it. It consumes fn, locals and every reference in
// args (argcount positional values plus one per keyword name). On failure
// the frame is torn down and nothing is leaked.
func (ts *ThreadState) PushAndInit(fn StackRef, locals *Object, args []StackRef, argcount int, kwnames *Object, previous *Frame) (*Frame, error) {
	fo := FunctionOf(fn.AsObjectBorrow())
	f, err := ts.pushFrame(fo.Code)
	if err != nil {
		fn.Close(ts)
		ts.xdecref(locals)
		closeRefs(ts, args[:argcount+kwCount(kwnames)])
		return nil, err
	}
	f.initialize(ts, fn, locals, fo.Code, 0, previous)
	if err := ts.initializeLocals(fo, f.localsplus, args, argcount, kwnames); err != nil {
		ts.clearThreadFrame(f)
		return nil, err
	}
	return f, nil
}

// PushAndInitEx is PushAndInit for calls whose arguments arrive as a tuple
// and an optional dict, both of which are consumed.
func (ts *ThreadState) PushAndInitEx(fn StackRef, locals *Object, callargs, kwargs *Object, previous *Frame) (*Frame, error) {
	pos := TupleItems(callargs)
	nargs := len(pos)
	var kwnames *Object
	var newargs []StackRef
	release := func() {
		ts.decref(callargs)
		ts.xdecref(kwargs)
	}
	if kwargs != nil && DictOf(kwargs).Len() > 0 {
		items := DictOf(kwargs).Items()
		for _, e := range items {
			if e.Key.typ != StrType {
				fn.Close(ts)
				ts.xdecref(locals)
				release()
				return nil, ts.Errorf(TypeErrorType, "keywords must be strings")
			}
		}
		names := make([]*Object, len(items))
		for i, e := range items {
			names[i] = ts.NewRef(e.Key)
		}
		var err error
		if kwnames, err = ts.NewTuple(names); err != nil {
			fn.Close(ts)
			ts.xdecref(locals)
			release()
			return nil, err
		}
		newargs = make([]StackRef, nargs+len(items))
		for i, e := range items {
			newargs[nargs+i] = FromObjectNew(ts, e.Value)
		}
	} else {
		newargs = make([]StackRef, nargs)
	}
	for i, it := range pos {
		newargs[i] = FromObjectNew(ts, it)
	}
	f, err := ts.PushAndInit(fn, locals, newargs, nargs, kwnames, previous)
	ts.xdecref(kwnames)
	release()
	return f, err
}
