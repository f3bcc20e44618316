package vm

import "fmt"

// Function is the payload of a function object: code plus the environment
// it was created in. All object fields are owned.
type Function struct {
	Code       *Code
	Globals    *Object
	Builtins   *Object
	Name       string
	QualName   string
	Defaults   *Object // tuple or nil
	KwDefaults *Object // dict or nil
	Closure    *Object // tuple of cells or nil
}

// MethodType binds a function to the instance it was looked up on.
var MethodType = &Type{Name: "method", Base: ObjectType}

// Method is the payload of a bound method.
type Method struct {
	Func *Object
	Self *Object
}

// BuiltinFunc implements a builtin. args are borrowed. kwnames, when
// non-nil, names the trailing len(kwnames) entries of args.
type BuiltinFunc func(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error)

// Builtin is the payload of a builtin function or bound builtin method.
type Builtin struct {
	Name string
	Fn   BuiltinFunc
	Self *Object // owned when set
}

func init() {
	FunctionType.dealloc = functionDealloc
	FunctionType.traverse = functionTraverse
	FunctionType.repr = func(o *Object) string {
		return fmt.Sprintf("<function %s at %p>", o.val.(*Function).QualName, o)
	}
	MethodType.dealloc = methodDealloc
	MethodType.traverse = methodTraverse
	MethodType.repr = func(o *Object) string {
		m := o.val.(*Method)
		return fmt.Sprintf("<bound method %s of %s>", m.Func.val.(*Function).QualName, Repr(m.Self))
	}
	BuiltinType.dealloc = func(ts *ThreadState, o *Object) {
		b := o.val.(*Builtin)
		self := b.Self
		b.Self = nil
		ts.xdecref(self)
	}
	BuiltinType.repr = func(o *Object) string {
		b := o.val.(*Builtin)
		if b.Self != nil {
			return fmt.Sprintf("<built-in method %s of %s object>", b.Name, b.Self.typ.Name)
		}
		return fmt.Sprintf("<built-in function %s>", b.Name)
	}
}

// NewFunction creates a function for code that runs in globals. Builtins
// come from globals["__builtins__"] when present, else the interpreter's
// builtins dict.
func (ts *ThreadState) NewFunction(code *Code, globals *Object) (*Object, error) {
	builtins := ts.interp.builtins
	if v, ok := DictOf(globals).GetStr(ts, "__builtins__"); ok && DictOf(v) != nil {
		builtins = v
	}
	fn := &Function{
		Code:     code,
		Globals:  ts.NewRef(globals),
		Builtins: ts.NewRef(builtins),
		Name:     code.Name,
		QualName: code.QualName,
	}
	o, err := ts.newObject(FunctionType, fn)
	if err != nil {
		ts.decref(fn.Globals)
		ts.decref(fn.Builtins)
		return nil, err
	}
	ts.setDeferredRefcount(o)
	return o, nil
}

// FunctionOf returns the payload of a function object, or nil.
func FunctionOf(o *Object) *Function {
	if o == nil || o.typ != FunctionType {
		return nil
	}
	return o.val.(*Function)
}

func functionDealloc(ts *ThreadState, o *Object) {
	fn := o.val.(*Function)
	for _, p := range []**Object{&fn.Globals, &fn.Builtins, &fn.Defaults, &fn.KwDefaults, &fn.Closure} {
		v := *p
		*p = nil
		ts.xdecref(v)
	}
}

func functionTraverse(o *Object, visit VisitFunc) int {
	fn := o.val.(*Function)
	for _, v := range []*Object{fn.Globals, fn.Builtins, fn.Defaults, fn.KwDefaults, fn.Closure} {
		if v != nil {
			if r := visit(v); r != 0 {
				return r
			}
		}
	}
	return 0
}

// setFunctionAttribute stores attr (stolen) into the slot named by flag.
func (ts *ThreadState) setFunctionAttribute(fnObj *Object, flag int, attr *Object) error {
	fn := fnObj.val.(*Function)
	var slot **Object
	switch flag {
	case FuncAttrDefaults:
		if !IsInstance(attr, TupleType) {
			ts.decref(attr)
			return ts.Errorf(TypeErrorType, "__defaults__ must be set to a tuple object")
		}
		slot = &fn.Defaults
	case FuncAttrKwDefaults:
		if DictOf(attr) == nil {
			ts.decref(attr)
			return ts.Errorf(TypeErrorType, "__kwdefaults__ must be set to a dict object")
		}
		slot = &fn.KwDefaults
	case FuncAttrClosure:
		if !IsInstance(attr, TupleType) {
			ts.decref(attr)
			return ts.Errorf(TypeErrorType, "__closure__ must be a tuple of cells")
		}
		slot = &fn.Closure
	case FuncAttrAnnotations:
		ts.decref(attr)
		return nil
	default:
		ts.decref(attr)
		return ts.Errorf(SystemErrorType, "unknown function attribute flag %d", flag)
	}
	old := *slot
	*slot = attr
	ts.xdecref(old)
	return nil
}

// ---------------------------------------------------------------------------
// Bound methods
// ---------------------------------------------------------------------------

// NewMethod binds fn to self.
func (ts *ThreadState) NewMethod(fn, self *Object) (*Object, error) {
	m := &Method{Func: ts.NewRef(fn), Self: ts.NewRef(self)}
	o, err := ts.newObject(MethodType, m)
	if err != nil {
		ts.decref(m.Func)
		ts.decref(m.Self)
		return nil, err
	}
	return o, nil
}

func methodDealloc(ts *ThreadState, o *Object) {
	m := o.val.(*Method)
	fn, self := m.Func, m.Self
	m.Func, m.Self = nil, nil
	ts.xdecref(fn)
	ts.xdecref(self)
}

func methodTraverse(o *Object, visit VisitFunc) int {
	m := o.val.(*Method)
	if r := visit(m.Func); r != 0 {
		return r
	}
	return visit(m.Self)
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

// NewBuiltin returns an immortal builtin function.
func NewBuiltin(name string, fn BuiltinFunc) *Object {
	return newImmortal(BuiltinType, &Builtin{Name: name, Fn: fn})
}

// bindBuiltin returns a builtin method bound to self.
func (ts *ThreadState) bindBuiltin(b *Object, self *Object) (*Object, error) {
	src := b.val.(*Builtin)
	bound := &Builtin{Name: src.Name, Fn: src.Fn, Self: ts.NewRef(self)}
	o, err := ts.newObject(BuiltinType, bound)
	if err != nil {
		ts.decref(self)
		return nil, err
	}
	return o, nil
}
