package vm

import (
	"errors"
	"io"
	"math"
	"strings"
	"unsafe"
)

// maxRange bounds the number of items range() materializes.
const maxRange = 1 << 20

var builtinFuncs = []*Object{
	NewBuiltin("print", builtinPrint),
	NewBuiltin("len", builtinLen),
	NewBuiltin("isinstance", builtinIsInstance),
	NewBuiltin("issubclass", builtinIsSubclass),
	NewBuiltin("repr", builtinRepr),
	NewBuiltin("iter", builtinIter),
	NewBuiltin("next", builtinNext),
	NewBuiltin("getattr", builtinGetAttr),
	NewBuiltin("hasattr", builtinHasAttr),
	NewBuiltin("setattr", builtinSetAttr),
	NewBuiltin("callable", builtinCallable),
	NewBuiltin("id", builtinID),
	NewBuiltin("abs", builtinAbs),
	NewBuiltin("range", builtinRange),
	NewBuiltin("sum", builtinSum),
	NewBuiltin("_getframe", builtinGetFrame),
}

// visibleTypes are the direct object subclasses bound by name in builtins;
// exception classes are always visible.
var visibleTypes = map[*Type]bool{
	TypeType: true, IntType: true, StrType: true, TupleType: true, DictType: true,
}

// newBuiltins creates the builtins dict shared by functions that do not
// bring their own.
func (ts *ThreadState) newBuiltins() (*Object, error) {
	d, err := ts.NewDict()
	if err != nil {
		return nil, err
	}
	set := func(name string, v *Object) error {
		return DictOf(d).SetItem(ts, Intern(name), v)
	}
	err = set("__name__", Intern("builtins"))
	for _, b := range builtinFuncs {
		if err != nil {
			break
		}
		err = set(b.val.(*Builtin).Name, b)
	}
	for _, t := range builtinTypes {
		if err != nil {
			break
		}
		if t.Base == ObjectType && !visibleTypes[t] && t != BaseExceptionType {
			continue
		}
		err = set(t.Name, t.obj)
	}
	if err != nil {
		ts.decref(d)
		return nil, err
	}
	return d, nil
}

// checkArgs validates a builtin's positional arity and rejects keywords.
func (ts *ThreadState) checkArgs(name string, args []*Object, kwnames *Object, lo, hi int) error {
	if kwnames != nil && len(TupleItems(kwnames)) > 0 {
		return ts.Errorf(TypeErrorType, "%s() takes no keyword arguments", name)
	}
	switch {
	case lo == hi && len(args) != lo:
		if lo == 1 {
			return ts.Errorf(TypeErrorType, "%s() takes exactly one argument (%d given)", name, len(args))
		}
		return ts.Errorf(TypeErrorType, "%s expected %d arguments, got %d", name, lo, len(args))
	case len(args) < lo:
		return ts.Errorf(TypeErrorType, "%s expected at least %d argument%s, got %d", name, lo, plural(lo), len(args))
	case len(args) > hi:
		return ts.Errorf(TypeErrorType, "%s expected at most %d argument%s, got %d", name, hi, plural(hi), len(args))
	}
	return nil
}

func builtinPrint(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	sep, end := " ", "\n"
	kw := TupleItems(orEmpty(kwnames))
	pos := args[:len(args)-len(kw)]
	for i, k := range kw {
		v := args[len(pos)+i]
		name, _ := StrValue(k)
		var s string
		if v != None {
			var ok bool
			if s, ok = StrValue(v); !ok {
				return nil, ts.Errorf(TypeErrorType, "%s must be None or a string, not %s", name, v.typ.Name)
			}
		}
		switch name {
		case "sep":
			if v != None {
				sep = s
			}
		case "end":
			if v != None {
				end = s
			}
		default:
			return nil, ts.Errorf(TypeErrorType, "'%s' is an invalid keyword argument for print()", name)
		}
	}
	parts := make([]string, len(pos))
	for i, a := range pos {
		parts[i] = Str(a)
	}
	ts.interp.stdoutMu.Lock()
	_, err := io.WriteString(ts.interp.stdout, strings.Join(parts, sep)+end)
	ts.interp.stdoutMu.Unlock()
	if err != nil {
		return nil, ts.Errorf(RuntimeErrorType, "print: %s", err)
	}
	return None, nil
}

func builtinLen(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("len", args, kwnames, 1, 1); err != nil {
		return nil, err
	}
	o := args[0]
	switch {
	case o.typ == StrType:
		s, _ := StrValue(o)
		return ts.NewInt(int64(len([]rune(s))))
	case IsInstance(o, TupleType):
		return ts.NewInt(int64(len(TupleItems(o))))
	case DictOf(o) != nil:
		return ts.NewInt(int64(DictOf(o).Len()))
	}
	return nil, ts.Errorf(TypeErrorType, "object of type '%s' has no len()", o.typ.Name)
}

// classInfo flattens a class or nested tuple of classes.
func classInfo(o *Object) ([]*Type, bool) {
	if t, ok := AsType(o); ok {
		return []*Type{t}, true
	}
	if !IsInstance(o, TupleType) {
		return nil, false
	}
	var out []*Type
	for _, it := range TupleItems(o) {
		ts, ok := classInfo(it)
		if !ok {
			return nil, false
		}
		out = append(out, ts...)
	}
	return out, true
}

func builtinIsInstance(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("isinstance", args, kwnames, 2, 2); err != nil {
		return nil, err
	}
	types, ok := classInfo(args[1])
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "isinstance() arg 2 must be a type, a tuple of types, or a union")
	}
	for _, t := range types {
		if IsInstance(args[0], t) {
			return True, nil
		}
	}
	return False, nil
}

func builtinIsSubclass(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("issubclass", args, kwnames, 2, 2); err != nil {
		return nil, err
	}
	c, ok := AsType(args[0])
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "issubclass() arg 1 must be a class")
	}
	types, ok := classInfo(args[1])
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "issubclass() arg 2 must be a class, a tuple of classes, or a union")
	}
	for _, t := range types {
		if IsSubtype(c, t) {
			return True, nil
		}
	}
	return False, nil
}

func builtinRepr(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("repr", args, kwnames, 1, 1); err != nil {
		return nil, err
	}
	return ts.NewStr(Repr(args[0]))
}

func builtinIter(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("iter", args, kwnames, 1, 1); err != nil {
		return nil, err
	}
	return ts.GetIter(args[0])
}

func builtinNext(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("next", args, kwnames, 1, 2); err != nil {
		return nil, err
	}
	var (
		v   *Object
		ok  bool
		err error
	)
	if g := GeneratorOf(args[0]); g != nil {
		var done bool
		v, done, err = ts.genSend(args[0], None)
		if err == nil && done {
			if len(args) == 1 {
				return nil, ts.stopIteration(g, v)
			}
			ts.decref(v)
		}
		ok = err == nil && !done
	} else {
		v, ok, err = ts.IterNext(args[0])
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}
	if len(args) == 2 {
		return ts.NewRef(args[1]), nil
	}
	exc, err := ts.NewException(StopIterationType)
	if err != nil {
		return nil, err
	}
	return nil, &Raised{Exc: exc}
}

func builtinGetAttr(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("getattr", args, kwnames, 2, 3); err != nil {
		return nil, err
	}
	v, err := ts.GetAttr(args[0], args[1])
	if err != nil && len(args) == 3 {
		var r *Raised
		if errors.As(err, &r) && IsInstance(r.Exc, AttributeErrorType) {
			ts.Release(err)
			return ts.NewRef(args[2]), nil
		}
	}
	return v, err
}

func builtinHasAttr(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("hasattr", args, kwnames, 2, 2); err != nil {
		return nil, err
	}
	v, err := ts.GetAttr(args[0], args[1])
	if err != nil {
		var r *Raised
		if errors.As(err, &r) && IsInstance(r.Exc, AttributeErrorType) {
			ts.Release(err)
			return False, nil
		}
		return nil, err
	}
	ts.decref(v)
	return True, nil
}

func builtinSetAttr(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("setattr", args, kwnames, 3, 3); err != nil {
		return nil, err
	}
	if err := ts.SetAttr(args[0], args[1], args[2]); err != nil {
		return nil, err
	}
	return None, nil
}

func builtinCallable(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("callable", args, kwnames, 1, 1); err != nil {
		return nil, err
	}
	return Bool(Callable(args[0])), nil
}

func builtinID(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("id", args, kwnames, 1, 1); err != nil {
		return nil, err
	}
	return ts.NewInt(int64(uintptr(unsafe.Pointer(args[0]))))
}

func builtinAbs(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("abs", args, kwnames, 1, 1); err != nil {
		return nil, err
	}
	v, ok := IntValue(args[0])
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "bad operand type for abs(): '%s'", args[0].typ.Name)
	}
	if v == math.MinInt64 {
		return nil, ts.Errorf(OverflowErrorType, "integer overflow in abs()")
	}
	if v < 0 {
		v = -v
	}
	return ts.NewInt(v)
}

// builtinRange returns an iterator over the requested ints.
func builtinRange(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("range", args, kwnames, 1, 3); err != nil {
		return nil, err
	}
	var bounds [3]int64
	for i, a := range args {
		v, ok := IntValue(a)
		if !ok {
			return nil, ts.Errorf(TypeErrorType, "'%s' object cannot be interpreted as an integer", a.typ.Name)
		}
		bounds[i] = v
	}
	start, stop, step := int64(0), bounds[0], int64(1)
	if len(args) >= 2 {
		start, stop = bounds[0], bounds[1]
	}
	if len(args) == 3 {
		step = bounds[2]
	}
	if step == 0 {
		return nil, ts.Errorf(ValueErrorType, "range() arg 3 must not be zero")
	}
	var items []*Object
	for v := start; (step > 0 && v < stop) || (step < 0 && v > stop); v += step {
		if len(items) >= maxRange {
			for _, it := range items {
				ts.decref(it)
			}
			return nil, ts.memoryError()
		}
		o, err := ts.NewInt(v)
		if err != nil {
			for _, it := range items {
				ts.decref(it)
			}
			return nil, err
		}
		items = append(items, o)
	}
	tup, err := ts.NewTuple(items)
	if err != nil {
		return nil, err
	}
	defer ts.decref(tup)
	return ts.GetIter(tup)
}

func builtinSum(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("sum", args, kwnames, 1, 2); err != nil {
		return nil, err
	}
	items, err := ts.iterateAll(args[0])
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, it := range items {
			ts.decref(it)
		}
	}()
	total := smallInts[-smallIntMin]
	if len(args) == 2 {
		total = args[1]
	}
	ts.incref(total)
	for _, it := range items {
		next, err := ts.binaryOp(total, it, BinaryAdd)
		ts.decref(total)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// builtinGetFrame returns the frame object depth levels above the caller.
func builtinGetFrame(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("_getframe", args, kwnames, 0, 1); err != nil {
		return nil, err
	}
	depth := int64(0)
	if len(args) == 1 {
		var ok bool
		if depth, ok = IntValue(args[0]); !ok {
			return nil, ts.Errorf(TypeErrorType, "'%s' object cannot be interpreted as an integer", args[0].typ.Name)
		}
	}
	f := ts.CurrentFrame()
	for ; depth > 0 && f != nil; depth-- {
		f = GetFirstComplete(f.Previous)
	}
	if f == nil {
		return nil, ts.Errorf(ValueErrorType, "call stack is not deep enough")
	}
	fo, err := ts.GetFrameObject(f)
	if err != nil {
		return nil, err
	}
	return ts.NewRef(fo), nil
}

func init() {
	DictType.attrs = map[string]*Object{
		"get":   NewBuiltin("get", dictGetMethod),
		"keys":  NewBuiltin("keys", dictKeysMethod),
		"items": NewBuiltin("items", dictItemsMethod),
	}
}

func dictGetMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("get", args, kwnames, 1, 2); err != nil {
		return nil, err
	}
	v, ok, err := DictOf(self).GetItemRef(ts, args[0])
	if err != nil || ok {
		return v, err
	}
	if len(args) == 2 {
		return ts.NewRef(args[1]), nil
	}
	return None, nil
}

// dictKeysMethod returns a tuple snapshot of the keys.
func dictKeysMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("keys", args, kwnames, 0, 0); err != nil {
		return nil, err
	}
	entries := DictOf(self).Items()
	keys := make([]*Object, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return ts.PackTuple(keys...)
}

// dictItemsMethod returns a tuple of (key, value) pairs.
func dictItemsMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.checkArgs("items", args, kwnames, 0, 0); err != nil {
		return nil, err
	}
	entries := DictOf(self).Items()
	pairs := make([]*Object, 0, len(entries))
	for _, e := range entries {
		pair, err := ts.PackTuple(e.Key, e.Value)
		if err != nil {
			for _, p := range pairs {
				ts.decref(p)
			}
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return ts.NewTuple(pairs)
}
