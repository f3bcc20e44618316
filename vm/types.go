package vm

import (
	"fmt"
	"strings"
	"sync"
)

// VisitFunc is the collector's visitation callback. A non-zero return stops
// the traversal and is propagated to the caller.
type VisitFunc func(o *Object) int

// TypeFlags describe capabilities of a type.
type TypeFlags uint32

const (
	TypeBaseException      TypeFlags = 1 << iota // instances are exceptions
	TypeBaseExceptionGroup                       // instances are exception groups
	TypeMatchSelf                                // class patterns bind the subject itself
	TypeHeap                                     // created at runtime by type()
	TypeBaseType                                 // may be subclassed
)

// Type describes a family of objects. Types are immortal and shared by every
// interpreter in the process.
type Type struct {
	Name  string
	Base  *Type
	Flags TypeFlags

	// mixin is a secondary base, used by ExceptionGroup which is also an
	// Exception.
	mixin *Type

	attrs map[string]*Object

	// newfn constructs an instance when the type is called.
	newfn func(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error)
	// dealloc releases the payload's references.
	dealloc func(ts *ThreadState, o *Object)
	// traverse reports every object the payload references.
	traverse func(o *Object, visit VisitFunc) int
	// call makes instances callable.
	call func(ts *ThreadState, callable *Object, args []*Object, kwnames *Object) (*Object, error)
	// repr overrides the default "<name object>" rendering.
	repr func(o *Object) string

	obj *Object
}

// Object returns the type object for t.
func (t *Type) Object() *Object { return t.obj }

// HasFlag reports whether t carries f.
func (t *Type) HasFlag(f TypeFlags) bool { return t.Flags&f != 0 }

// Lookup finds a class attribute along the base chain (borrowed).
func (t *Type) Lookup(name string) (*Object, bool) {
	for c := t; c != nil; c = c.Base {
		if v, ok := c.attrs[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (t *Type) String() string { return t.Name }

// AsType returns the Type held by a type object.
func AsType(o *Object) (*Type, bool) {
	t, ok := o.val.(*Type)
	return t, ok && o.typ == TypeType
}

// IsSubtype reports whether t is base or derives from it.
func IsSubtype(t, base *Type) bool {
	for c := t; c != nil; c = c.Base {
		if c == base {
			return true
		}
		if c.mixin != nil && IsSubtype(c.mixin, base) {
			return true
		}
	}
	return false
}

// IsInstance reports whether o is an instance of t.
func IsInstance(o *Object, t *Type) bool { return IsSubtype(o.typ, t) }

// inherit copies the hooks a derived type does not override.
func (t *Type) inherit() {
	if t.Base == nil {
		return
	}
	b := t.Base
	t.Flags |= b.Flags & (TypeBaseException | TypeBaseExceptionGroup)
	if t.newfn == nil {
		t.newfn = b.newfn
	}
	if t.dealloc == nil {
		t.dealloc = b.dealloc
	}
	if t.traverse == nil {
		t.traverse = b.traverse
	}
	if t.call == nil {
		t.call = b.call
	}
	if t.repr == nil {
		t.repr = b.repr
	}
}

// ---------------------------------------------------------------------------
// Builtin types
// ---------------------------------------------------------------------------

var (
	ObjectType   = &Type{Name: "object", Flags: TypeBaseType}
	TypeType     = &Type{Name: "type", Base: ObjectType}
	NoneType     = &Type{Name: "NoneType", Base: ObjectType}
	BoolType     = &Type{Name: "bool", Base: ObjectType, Flags: TypeMatchSelf}
	IntType      = &Type{Name: "int", Base: ObjectType, Flags: TypeMatchSelf}
	StrType      = &Type{Name: "str", Base: ObjectType, Flags: TypeMatchSelf}
	TupleType    = &Type{Name: "tuple", Base: ObjectType, Flags: TypeMatchSelf}
	DictType     = &Type{Name: "dict", Base: ObjectType, Flags: TypeMatchSelf}
	FunctionType = &Type{Name: "function", Base: ObjectType}
	BuiltinType  = &Type{Name: "builtin_function_or_method", Base: ObjectType}
	CodeType     = &Type{Name: "code", Base: ObjectType}
	CellType     = &Type{Name: "cell", Base: ObjectType}
	FrameType    = &Type{Name: "frame", Base: ObjectType}
	TracebackType = &Type{Name: "traceback", Base: ObjectType}
	GeneratorType = &Type{Name: "generator", Base: ObjectType}
	TupleIterType = &Type{Name: "tuple_iterator", Base: ObjectType}
)

var builtinTypes []*Type

func init() {
	// bool derives from int for arithmetic and isinstance purposes.
	BoolType.Base = IntType

	TupleType.dealloc = tupleDealloc
	TupleType.traverse = tupleTraverse
	TupleType.repr = tupleRepr
	TupleType.newfn = tupleNew
	DictType.dealloc = dictDealloc
	DictType.traverse = dictTraverse
	DictType.repr = dictRepr
	DictType.newfn = dictNew
	IntType.repr = func(o *Object) string { v, _ := IntValue(o); return fmt.Sprint(v) }
	IntType.newfn = intNew
	BoolType.repr = func(o *Object) string {
		if o == True {
			return "True"
		}
		return "False"
	}
	StrType.repr = func(o *Object) string { s, _ := StrValue(o); return quoteStr(s) }
	StrType.newfn = strNew
	NoneType.repr = func(*Object) string { return "None" }
	TypeType.repr = func(o *Object) string { t, _ := AsType(o); return fmt.Sprintf("<class '%s'>", t.Name) }
	TypeType.newfn = typeNew
	TypeType.call = typeCall
	ObjectType.newfn = instanceNew
	ObjectType.dealloc = instanceDealloc
	ObjectType.traverse = instanceTraverse
	CellType.dealloc = cellDealloc
	CellType.traverse = cellTraverse
	TupleIterType.dealloc = tupleIterDealloc
	TupleIterType.traverse = tupleIterTraverse

	builtinTypes = []*Type{
		ObjectType, TypeType, NoneType, BoolType, IntType, StrType, TupleType,
		DictType, FunctionType, BuiltinType, CodeType, CellType, FrameType,
		TracebackType, GeneratorType, TupleIterType, MethodType,
	}
	builtinTypes = append(builtinTypes, exceptionTypes()...)
	for _, t := range builtinTypes {
		if t != BaseExceptionType && IsSubtype(t, BaseExceptionType) {
			t.inherit()
		}
		t.obj = newImmortal(TypeType, t)
	}
}

// NewType creates a class at runtime. attrs supplies class attributes and
// is read-only once the type exists.
func NewType(ts *ThreadState, name string, base *Type, attrs map[string]*Object) (*Type, error) {
	if base == nil {
		base = ObjectType
	}
	if !base.HasFlag(TypeBaseType) && !base.HasFlag(TypeBaseException) {
		return nil, ts.Errorf(TypeErrorType, "type '%s' is not an acceptable base type", base.Name)
	}
	t := &Type{Name: name, Base: base, Flags: TypeHeap | TypeBaseType, attrs: map[string]*Object{}}
	for k, v := range attrs {
		ts.incref(v)
		t.attrs[k] = v
	}
	t.inherit()
	t.obj = newImmortal(TypeType, t)
	return t, nil
}

// ---------------------------------------------------------------------------
// Repr
// ---------------------------------------------------------------------------

// Repr renders o the way the interactive prompt would.
func Repr(o *Object) string {
	if o == nil {
		return "<NULL>"
	}
	if o.typ.repr != nil {
		return o.typ.repr(o)
	}
	return fmt.Sprintf("<%s object at %p>", o.typ.Name, o)
}

// Str is Repr except that strings render without quotes.
func Str(o *Object) string {
	if s, ok := StrValue(o); ok {
		return s
	}
	if IsInstance(o, BaseExceptionType) {
		return exceptionStr(o)
	}
	return Repr(o)
}

func quoteStr(s string) string {
	q := "'"
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		q = `"`
	}
	var b strings.Builder
	b.WriteString(q)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case string(r) == q:
			b.WriteString(`\` + q)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString(q)
	return b.String()
}

func tupleRepr(o *Object) string {
	items := TupleItems(o)
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Repr(it)
	}
	if len(items) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ---------------------------------------------------------------------------
// Tuples
// ---------------------------------------------------------------------------

func tupleDealloc(ts *ThreadState, o *Object) {
	for _, it := range TupleItems(o) {
		ts.decref(it)
	}
}

func tupleTraverse(o *Object, visit VisitFunc) int {
	for _, it := range TupleItems(o) {
		if r := visit(it); r != 0 {
			return r
		}
	}
	return 0
}

func tupleNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) == 0 {
		return EmptyTuple, nil
	}
	items, err := ts.iterateAll(args[0])
	if err != nil {
		return nil, err
	}
	return ts.NewTuple(items)
}

func intNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) == 0 {
		return ts.NewInt(0)
	}
	if v, ok := IntValue(args[0]); ok {
		return ts.NewInt(v)
	}
	if s, ok := StrValue(args[0]); ok {
		var v int64
		if _, err := fmt.Sscan(strings.TrimSpace(s), &v); err != nil {
			return nil, ts.Errorf(ValueErrorType, "invalid literal for int() with base 10: %s", quoteStr(s))
		}
		return ts.NewInt(v)
	}
	return nil, ts.Errorf(TypeErrorType, "int() argument must be a string or a number, not '%s'", args[0].typ.Name)
}

func strNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) == 0 {
		return Intern(""), nil
	}
	return ts.NewStr(Str(args[0]))
}

// ---------------------------------------------------------------------------
// Cells
// ---------------------------------------------------------------------------

// Cell holds a variable shared between a function and its closures.
type Cell struct {
	mu  sync.Mutex
	ref *Object
}

// NewCell creates a cell holding a new reference to v (which may be nil).
func (ts *ThreadState) NewCell(v *Object) (*Object, error) {
	if v != nil {
		ts.incref(v)
	}
	o, err := ts.newObject(CellType, &Cell{ref: v})
	if err != nil {
		ts.xdecref(v)
		return nil, err
	}
	return o, nil
}

func cellDealloc(ts *ThreadState, o *Object) {
	c := o.val.(*Cell)
	ts.xdecref(c.ref)
	c.ref = nil
}

func cellTraverse(o *Object, visit VisitFunc) int {
	if c := o.val.(*Cell); c.ref != nil {
		return visit(c.ref)
	}
	return 0
}

// cellGet returns a new reference to the cell's content, or nil when empty.
func (ts *ThreadState) cellGet(o *Object) *Object {
	c := o.val.(*Cell)
	c.mu.Lock()
	v := c.ref
	if v != nil {
		ts.incref(v)
	}
	c.mu.Unlock()
	return v
}

// cellSet stores v (stolen, may be nil) into the cell.
func (ts *ThreadState) cellSet(o *Object, v *Object) {
	c := o.val.(*Cell)
	c.mu.Lock()
	old := c.ref
	c.ref = v
	c.mu.Unlock()
	ts.xdecref(old)
}

// ---------------------------------------------------------------------------
// Instances of runtime classes
// ---------------------------------------------------------------------------

// Instance is the payload of objects created from runtime classes.
type Instance struct {
	Dict *Object
}

func instanceNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	if t == ObjectType {
		if len(args) > 0 {
			return nil, ts.Errorf(TypeErrorType, "object() takes no arguments")
		}
		return ts.newObject(ObjectType, &Instance{})
	}
	d, err := ts.NewDict()
	if err != nil {
		return nil, err
	}
	o, err := ts.newObject(t, &Instance{Dict: d})
	if err != nil {
		ts.decref(d)
		return nil, err
	}
	kw := TupleItems(orEmpty(kwnames))
	npos := len(args) - len(kw)
	if npos > 0 {
		var names []*Object
		if ma, ok := t.Lookup("__match_args__"); ok {
			names = TupleItems(ma)
		}
		if npos > len(names) {
			ts.decref(o)
			return nil, ts.Errorf(TypeErrorType, "%s() takes %d positional argument%s but %d were given",
				t.Name, len(names), plural(len(names)), npos)
		}
		for i := 0; i < npos; i++ {
			if err := DictOf(d).SetItem(ts, names[i], args[i]); err != nil {
				ts.decref(o)
				return nil, err
			}
		}
	}
	for i, k := range kw {
		if err := DictOf(d).SetItem(ts, k, args[npos+i]); err != nil {
			ts.decref(o)
			return nil, err
		}
	}
	return o, nil
}

func instanceDealloc(ts *ThreadState, o *Object) {
	if inst, ok := o.val.(*Instance); ok && inst.Dict != nil {
		ts.decref(inst.Dict)
		inst.Dict = nil
	}
}

func instanceTraverse(o *Object, visit VisitFunc) int {
	if inst, ok := o.val.(*Instance); ok && inst.Dict != nil {
		return visit(inst.Dict)
	}
	return 0
}

// typeNew implements type(x) and type(name, bases, dict).
func typeNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	switch len(args) {
	case 1:
		return args[0].typ.obj, nil
	case 3:
	default:
		return nil, ts.Errorf(TypeErrorType, "type() takes 1 or 3 arguments")
	}
	name, ok := StrValue(args[0])
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "type.__new__() argument 1 must be str, not %s", args[0].typ.Name)
	}
	var base *Type
	if bases := TupleItems(args[1]); len(bases) > 0 {
		if base, ok = AsType(bases[0]); !ok {
			return nil, ts.Errorf(TypeErrorType, "bases must be types")
		}
	}
	d := DictOf(args[2])
	if d == nil {
		return nil, ts.Errorf(TypeErrorType, "type.__new__() argument 3 must be dict, not %s", args[2].typ.Name)
	}
	attrs := map[string]*Object{}
	for _, e := range d.Items() {
		k, ok := StrValue(e.Key)
		if !ok {
			return nil, ts.Errorf(TypeErrorType, "class attribute names must be strings")
		}
		attrs[k] = e.Value
	}
	nt, err := NewType(ts, name, base, attrs)
	if err != nil {
		return nil, err
	}
	return nt.obj, nil
}

// typeCall makes type objects callable.
func typeCall(ts *ThreadState, callable *Object, args []*Object, kwnames *Object) (*Object, error) {
	t, _ := AsType(callable)
	if t.newfn == nil {
		return nil, ts.Errorf(TypeErrorType, "cannot create '%s' instances", t.Name)
	}
	return t.newfn(ts, t, args, kwnames)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func orEmpty(o *Object) *Object {
	if o == nil {
		return EmptyTuple
	}
	return o
}
