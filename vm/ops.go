package vm

import (
	"cmp"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Truth and equality
// ---------------------------------------------------------------------------

// Truth reports the truth value of o.
func Truth(o *Object) bool {
	switch o {
	case None, False:
		return false
	case True:
		return true
	}
	switch v := o.val.(type) {
	case int64:
		return v != 0
	case string:
		return v != ""
	case []*Object:
		return len(v) > 0
	case *Dict:
		return v.Len() > 0
	}
	return true
}

// Equal reports whether a == b.
func (ts *ThreadState) Equal(a, b *Object) (bool, error) {
	if a == b {
		return true, nil
	}
	if x, ok := IntValue(a); ok {
		y, ok := IntValue(b)
		return ok && x == y, nil
	}
	if x, ok := StrValue(a); ok {
		y, ok := StrValue(b)
		return ok && x == y, nil
	}
	if IsInstance(a, TupleType) && IsInstance(b, TupleType) {
		xs, ys := TupleItems(a), TupleItems(b)
		if len(xs) != len(ys) {
			return false, nil
		}
		for i := range xs {
			eq, err := ts.Equal(xs[i], ys[i])
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	if da, db := DictOf(a), DictOf(b); da != nil && db != nil {
		if da.Len() != db.Len() {
			return false, nil
		}
		for _, e := range da.Items() {
			v, ok, err := db.GetItem(ts, e.Key)
			if err != nil || !ok {
				return false, err
			}
			if eq, err := ts.Equal(e.Value, v); err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

var compareSymbols = [...]string{"<", "<=", "==", "!=", ">", ">="}

func compareResult(c, op int) bool {
	switch op {
	case CompareLT:
		return c < 0
	case CompareLE:
		return c <= 0
	case CompareEQ:
		return c == 0
	case CompareNE:
		return c != 0
	case CompareGT:
		return c > 0
	}
	return c >= 0
}

// compare implements COMPARE_OP and returns True or False.
func (ts *ThreadState) compare(a, b *Object, op int) (*Object, error) {
	if op == CompareEQ || op == CompareNE {
		eq, err := ts.Equal(a, b)
		if err != nil {
			return nil, err
		}
		return Bool(eq == (op == CompareEQ)), nil
	}
	if x, ok := IntValue(a); ok {
		if y, ok := IntValue(b); ok {
			return Bool(compareResult(cmp.Compare(x, y), op)), nil
		}
	}
	if x, ok := StrValue(a); ok {
		if y, ok := StrValue(b); ok {
			return Bool(compareResult(cmp.Compare(x, y), op)), nil
		}
	}
	if IsInstance(a, TupleType) && IsInstance(b, TupleType) {
		xs, ys := TupleItems(a), TupleItems(b)
		for i := 0; i < len(xs) && i < len(ys); i++ {
			eq, err := ts.Equal(xs[i], ys[i])
			if err != nil {
				return nil, err
			}
			if !eq {
				return ts.compare(xs[i], ys[i], op)
			}
		}
		return Bool(compareResult(cmp.Compare(len(xs), len(ys)), op)), nil
	}
	return nil, ts.Errorf(TypeErrorType, "'%s' not supported between instances of '%s' and '%s'",
		compareSymbols[op], a.typ.Name, b.typ.Name)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

var binaryOpSymbols = [...]string{
	BinaryAdd:       "+",
	BinaryAnd:       "&",
	BinaryFloorDiv:  "//",
	BinaryLShift:    "<<",
	BinaryMatMul:    "@",
	BinaryMultiply:  "*",
	BinaryRemainder: "%",
	BinaryOr:        "|",
	BinaryPower:     "**",
	BinaryRShift:    ">>",
	BinarySubtract:  "-",
	BinaryTrueDiv:   "/",
	BinaryXor:       "^",
}

func binaryOpSymbol(arg int) string {
	switch {
	case arg == BinarySubscr:
		return "[]"
	case arg >= BinaryInplace && arg < BinaryInplace+len(binaryOpSymbols):
		return binaryOpSymbols[arg-BinaryInplace] + "="
	case arg >= 0 && arg < len(binaryOpSymbols):
		return binaryOpSymbols[arg]
	}
	return fmt.Sprintf("<op %d>", arg)
}

// BinaryOpBySymbol returns the BINARY_OP operand rendered as sym by the
// disassembler.
func BinaryOpBySymbol(sym string) (int, bool) {
	for arg := 0; arg <= BinarySubscr; arg++ {
		if binaryOpSymbol(arg) == sym {
			return arg, true
		}
	}
	return 0, false
}

// CompareOpBySymbol returns the COMPARE_OP operand for sym.
func CompareOpBySymbol(sym string) (int, bool) {
	for i, s := range compareSymbols {
		if s == sym {
			return i, true
		}
	}
	return 0, false
}

// maxRepeat bounds the length of a repeated str or tuple.
const maxRepeat = 1 << 28

// binaryOp implements BINARY_OP. Augmented forms behave like the plain
// operator since every supported type is immutable.
func (ts *ThreadState) binaryOp(a, b *Object, arg int) (*Object, error) {
	op := arg
	if op >= BinaryInplace && op < BinarySubscr {
		op -= BinaryInplace
	}
	if op == BinarySubscr {
		return ts.subscript(a, b)
	}
	if x, ok := IntValue(a); ok {
		if y, ok := IntValue(b); ok {
			if a.typ == BoolType && b.typ == BoolType {
				switch op {
				case BinaryAnd:
					return Bool(x&y != 0), nil
				case BinaryOr:
					return Bool(x|y != 0), nil
				case BinaryXor:
					return Bool(x^y != 0), nil
				}
			}
			return ts.intOp(x, y, op, arg)
		}
	}
	switch op {
	case BinaryAdd:
		if x, ok := StrValue(a); ok {
			if y, ok := StrValue(b); ok {
				return ts.NewStr(x + y)
			}
		}
		if IsInstance(a, TupleType) && IsInstance(b, TupleType) {
			items := append(append([]*Object(nil), TupleItems(a)...), TupleItems(b)...)
			return ts.PackTuple(items...)
		}
	case BinaryMultiply:
		seq, count := a, b
		if _, ok := IntValue(seq); ok {
			seq, count = b, a
		}
		if n, ok := IntValue(count); ok {
			if s, ok := StrValue(seq); ok {
				if n <= 0 {
					return Intern(""), nil
				}
				if int64(len(s))*n > maxRepeat {
					return nil, ts.memoryError()
				}
				return ts.NewStr(strings.Repeat(s, int(n)))
			}
			if IsInstance(seq, TupleType) {
				items := TupleItems(seq)
				if n <= 0 || len(items) == 0 {
					return EmptyTuple, nil
				}
				if int64(len(items))*n > maxRepeat {
					return nil, ts.memoryError()
				}
				out := make([]*Object, 0, len(items)*int(n))
				for i := int64(0); i < n; i++ {
					out = append(out, items...)
				}
				return ts.PackTuple(out...)
			}
		}
	}
	return nil, ts.Errorf(TypeErrorType, "unsupported operand type(s) for %s: '%s' and '%s'",
		binaryOpSymbol(arg), a.typ.Name, b.typ.Name)
}

func (ts *ThreadState) intOp(x, y int64, op, arg int) (*Object, error) {
	overflow := func() (*Object, error) {
		return nil, ts.Errorf(OverflowErrorType, "integer overflow in %s", binaryOpSymbol(arg))
	}
	var r int64
	switch op {
	case BinaryAdd:
		r = x + y
		if (y > 0 && r < x) || (y < 0 && r > x) {
			return overflow()
		}
	case BinarySubtract:
		r = x - y
		if (y > 0 && r > x) || (y < 0 && r < x) {
			return overflow()
		}
	case BinaryMultiply:
		r = x * y
		if x != 0 && (r/x != y || (x == -1 && y == math.MinInt64)) {
			return overflow()
		}
	case BinaryFloorDiv, BinaryRemainder:
		if y == 0 {
			if op == BinaryRemainder {
				return nil, ts.Errorf(ZeroDivisionErrorType, "integer modulo by zero")
			}
			return nil, ts.Errorf(ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		if x == math.MinInt64 && y == -1 {
			if op == BinaryRemainder {
				return ts.NewInt(0)
			}
			return overflow()
		}
		q, m := x/y, x%y
		if m != 0 && (m < 0) != (y < 0) {
			q--
			m += y
		}
		r = q
		if op == BinaryRemainder {
			r = m
		}
	case BinaryAnd:
		r = x & y
	case BinaryOr:
		r = x | y
	case BinaryXor:
		r = x ^ y
	case BinaryLShift:
		if y < 0 {
			return nil, ts.Errorf(ValueErrorType, "negative shift count")
		}
		if x == 0 {
			return ts.NewInt(0)
		}
		if y >= 63 || (x<<y)>>y != x {
			return overflow()
		}
		r = x << y
	case BinaryRShift:
		if y < 0 {
			return nil, ts.Errorf(ValueErrorType, "negative shift count")
		}
		if y > 63 {
			y = 63
		}
		r = x >> y
	case BinaryPower:
		if y < 0 {
			return nil, ts.Errorf(ValueErrorType, "integer pow() with negative exponent is not supported")
		}
		r = 1
		base := x
		for e := y; e > 0; e >>= 1 {
			if e&1 != 0 {
				n := r * base
				if base != 0 && (n/base != r || (base == -1 && r == math.MinInt64)) {
					return overflow()
				}
				r = n
			}
			if e > 1 {
				sq := base * base
				if base != 0 && sq/base != base {
					return overflow()
				}
				base = sq
			}
		}
	default:
		return nil, ts.Errorf(TypeErrorType, "unsupported operand type(s) for %s: 'int' and 'int'", binaryOpSymbol(arg))
	}
	return ts.NewInt(r)
}

// negate implements UNARY_NEGATIVE.
func (ts *ThreadState) negate(o *Object) (*Object, error) {
	if v, ok := IntValue(o); ok {
		if v == math.MinInt64 {
			return nil, ts.Errorf(OverflowErrorType, "integer overflow in unary -")
		}
		return ts.NewInt(-v)
	}
	return nil, ts.Errorf(TypeErrorType, "bad operand type for unary -: '%s'", o.typ.Name)
}

func (ts *ThreadState) subscript(container, key *Object) (*Object, error) {
	if d := DictOf(container); d != nil {
		v, ok, err := d.GetItemRef(ts, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			exc, err := ts.NewException(KeyErrorType, key)
			if err != nil {
				return nil, ts.memoryError()
			}
			return nil, &Raised{Exc: exc}
		}
		return v, nil
	}
	if IsInstance(container, TupleType) {
		i, ok := IntValue(key)
		if !ok {
			return nil, ts.Errorf(TypeErrorType, "tuple indices must be integers or slices, not %s", key.typ.Name)
		}
		items := TupleItems(container)
		if i < 0 {
			i += int64(len(items))
		}
		if i < 0 || i >= int64(len(items)) {
			return nil, ts.Errorf(IndexErrorType, "tuple index out of range")
		}
		return ts.NewRef(items[i]), nil
	}
	if s, ok := StrValue(container); ok {
		i, ok := IntValue(key)
		if !ok {
			return nil, ts.Errorf(TypeErrorType, "string indices must be integers, not '%s'", key.typ.Name)
		}
		rs := []rune(s)
		if i < 0 {
			i += int64(len(rs))
		}
		if i < 0 || i >= int64(len(rs)) {
			return nil, ts.Errorf(IndexErrorType, "string index out of range")
		}
		return ts.NewStr(string(rs[i]))
	}
	return nil, ts.Errorf(TypeErrorType, "'%s' object is not subscriptable", container.typ.Name)
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

// TupleIter walks a tuple snapshot. Strings and dicts iterate through one
// as well, over their characters and keys.
type TupleIter struct {
	seq   *Object
	index int
}

func tupleIterDealloc(ts *ThreadState, o *Object) {
	it := o.val.(*TupleIter)
	seq := it.seq
	it.seq = nil
	ts.xdecref(seq)
}

func tupleIterTraverse(o *Object, visit VisitFunc) int {
	if it := o.val.(*TupleIter); it.seq != nil {
		return visit(it.seq)
	}
	return 0
}

func isIterable(o *Object) bool {
	switch {
	case IsInstance(o, TupleType), o.typ == StrType, DictOf(o) != nil,
		o.typ == TupleIterType, o.typ == GeneratorType:
		return true
	}
	return false
}

// GetIter returns a new reference to an iterator over o.
func (ts *ThreadState) GetIter(o *Object) (*Object, error) {
	var seq *Object
	switch {
	case o.typ == TupleIterType, o.typ == GeneratorType:
		return ts.NewRef(o), nil
	case IsInstance(o, TupleType):
		seq = ts.NewRef(o)
	case o.typ == StrType:
		s, _ := StrValue(o)
		var chars []*Object
		for _, r := range s {
			c, err := ts.NewStr(string(r))
			if err != nil {
				for _, c := range chars {
					ts.decref(c)
				}
				return nil, err
			}
			chars = append(chars, c)
		}
		var err error
		if seq, err = ts.NewTuple(chars); err != nil {
			return nil, err
		}
	case DictOf(o) != nil:
		items := DictOf(o).Items()
		keys := make([]*Object, len(items))
		for i, e := range items {
			keys[i] = e.Key
		}
		var err error
		if seq, err = ts.PackTuple(keys...); err != nil {
			return nil, err
		}
	default:
		return nil, ts.Errorf(TypeErrorType, "'%s' object is not iterable", o.typ.Name)
	}
	it, err := ts.newObject(TupleIterType, &TupleIter{seq: seq})
	if err != nil {
		ts.decref(seq)
		return nil, err
	}
	return it, nil
}

// IterNext advances an iterator. ok is false once it is exhausted.
func (ts *ThreadState) IterNext(it *Object) (next *Object, ok bool, err error) {
	switch p := it.val.(type) {
	case *TupleIter:
		items := TupleItems(p.seq)
		if p.seq == nil || p.index >= len(items) {
			return nil, false, nil
		}
		p.index++
		return ts.NewRef(items[p.index-1]), true, nil
	case *Generator:
		v, done, err := ts.genSend(it, None)
		if err != nil {
			return nil, false, err
		}
		if done {
			ts.decref(v)
			return nil, false, nil
		}
		return v, true, nil
	}
	return nil, false, ts.Errorf(TypeErrorType, "'%s' object is not an iterator", it.typ.Name)
}

// iterateAll drains o into a slice of new references.
func (ts *ThreadState) iterateAll(o *Object) ([]*Object, error) {
	if IsInstance(o, TupleType) {
		items := TupleItems(o)
		out := make([]*Object, len(items))
		for i, it := range items {
			out[i] = ts.NewRef(it)
		}
		return out, nil
	}
	it, err := ts.GetIter(o)
	if err != nil {
		return nil, err
	}
	defer ts.decref(it)
	var out []*Object
	for {
		v, ok, err := ts.IterNext(it)
		if err != nil {
			for _, x := range out {
				ts.decref(x)
			}
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// contains implements item in container.
func (ts *ThreadState) contains(container, item *Object) (bool, error) {
	if s, ok := StrValue(container); ok {
		sub, ok := StrValue(item)
		if !ok {
			return false, ts.Errorf(TypeErrorType, "'in <string>' requires string as left operand, not %s", item.typ.Name)
		}
		return strings.Contains(s, sub), nil
	}
	if d := DictOf(container); d != nil {
		_, ok, err := d.GetItem(ts, item)
		return ok, err
	}
	if !isIterable(container) {
		return false, ts.Errorf(TypeErrorType, "argument of type '%s' is not iterable", container.typ.Name)
	}
	items, err := ts.iterateAll(container)
	if err != nil {
		return false, err
	}
	found := false
	for _, v := range items {
		if !found {
			if found, err = ts.Equal(v, item); err != nil {
				found = false
				break
			}
		}
	}
	for _, v := range items {
		ts.decref(v)
	}
	return found, err
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

func (ts *ThreadState) refOrNone(o *Object) *Object {
	if o == nil {
		return None
	}
	return ts.NewRef(o)
}

// GetAttr returns a new reference to o.name.
func (ts *ThreadState) GetAttr(o, name *Object) (*Object, error) {
	n, ok := StrValue(name)
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "attribute name must be string, not '%s'", name.typ.Name)
	}
	v, found, err := ts.lookupAttr(o, n)
	if err != nil || found {
		return v, err
	}
	return nil, ts.attributeError(o, n)
}

// lookupAttr resolves o.name: payload attributes, then the instance dict,
// then class attributes, binding functions found on the class.
func (ts *ThreadState) lookupAttr(o *Object, name string) (*Object, bool, error) {
	if name == "__class__" {
		return o.typ.obj, true, nil
	}
	if v, found, err := ts.payloadAttr(o, name); err != nil || found {
		return v, found, err
	}
	if inst, ok := o.val.(*Instance); ok && inst.Dict != nil {
		if v, ok := DictOf(inst.Dict).GetStr(ts, name); ok {
			return ts.NewRef(v), true, nil
		}
	}
	if t, ok := AsType(o); ok {
		if v, ok := t.Lookup(name); ok {
			return ts.NewRef(v), true, nil
		}
		return nil, false, nil
	}
	v, ok := o.typ.Lookup(name)
	if !ok {
		return nil, false, nil
	}
	switch v.typ {
	case FunctionType:
		m, err := ts.NewMethod(v, o)
		return m, err == nil, err
	case BuiltinType:
		if v.val.(*Builtin).Self == nil {
			b, err := ts.bindBuiltin(v, o)
			return b, err == nil, err
		}
	}
	return ts.NewRef(v), true, nil
}

func (ts *ThreadState) attributeError(o *Object, name string) error {
	if t, ok := AsType(o); ok {
		return ts.Errorf(AttributeErrorType, "type object '%s' has no attribute '%s'", t.Name, name)
	}
	var candidates []string
	if inst, ok := o.val.(*Instance); ok && inst.Dict != nil {
		for _, e := range DictOf(inst.Dict).Items() {
			if k, ok := StrValue(e.Key); ok {
				candidates = append(candidates, k)
			}
		}
	}
	for t := o.typ; t != nil; t = t.Base {
		for k := range t.attrs {
			candidates = append(candidates, k)
		}
	}
	if s := suggestName(candidates, name); s != "" {
		return ts.Errorf(AttributeErrorType, "'%s' object has no attribute '%s'. Did you mean: '%s'?", o.typ.Name, name, s)
	}
	return ts.Errorf(AttributeErrorType, "'%s' object has no attribute '%s'", o.typ.Name, name)
}

// payloadAttr serves the attributes builtin objects expose from their
// payloads.
func (ts *ThreadState) payloadAttr(o *Object, name string) (*Object, bool, error) {
	ret := func(v *Object, err error) (*Object, bool, error) { return v, err == nil, err }
	switch p := o.val.(type) {
	case *Type:
		switch name {
		case "__name__", "__qualname__":
			return ret(ts.NewStr(p.Name))
		case "__base__":
			if p.Base == nil {
				return None, true, nil
			}
			return p.Base.obj, true, nil
		}
	case *BaseException:
		switch name {
		case "args":
			return ts.refOrNone(orEmpty(p.Args)), true, nil
		case "__traceback__":
			return ts.refOrNone(p.Traceback), true, nil
		case "__cause__":
			return ts.refOrNone(p.Cause), true, nil
		case "__context__":
			return ts.refOrNone(p.Context), true, nil
		case "__suppress_context__":
			return Bool(p.SuppressContext), true, nil
		case "value":
			if IsInstance(o, StopIterationType) {
				return ts.refOrNone(p.Value), true, nil
			}
		case "message":
			if p.Message != nil {
				return ts.NewRef(p.Message), true, nil
			}
		case "exceptions":
			if p.Exceptions != nil {
				return ts.NewRef(p.Exceptions), true, nil
			}
		}
	case *FrameObject:
		if p.frame == nil {
			break
		}
		f := p.frame
		switch name {
		case "f_lineno":
			return ret(ts.NewInt(int64(f.Lineno())))
		case "f_lasti":
			return ret(ts.NewInt(int64(f.InstrPtr * CodeUnitSize)))
		case "f_code":
			return f.code.obj, true, nil
		case "f_back":
			back, err := ts.FrameBack(o)
			if err != nil {
				return nil, false, err
			}
			if back == nil {
				return None, true, nil
			}
			return back, true, nil
		case "f_locals":
			return ret(ts.FrameLocals(o))
		case "f_globals":
			return ts.refOrNone(f.globals), true, nil
		case "f_builtins":
			return ts.refOrNone(f.builtins), true, nil
		}
	case *Function:
		switch name {
		case "__name__":
			return ret(ts.NewStr(p.Name))
		case "__qualname__":
			return ret(ts.NewStr(p.QualName))
		case "__defaults__":
			return ts.refOrNone(p.Defaults), true, nil
		case "__kwdefaults__":
			return ts.refOrNone(p.KwDefaults), true, nil
		case "__closure__":
			return ts.refOrNone(p.Closure), true, nil
		case "__code__":
			return p.Code.obj, true, nil
		case "__globals__":
			return ts.refOrNone(p.Globals), true, nil
		case "__builtins__":
			return ts.refOrNone(p.Builtins), true, nil
		}
	case *Code:
		return ts.codeAttr(p, name)
	case *Generator:
		switch name {
		case "gi_frame":
			if p.state == genCompleted || p.frame == nil {
				return None, true, nil
			}
			fo, err := ts.GetFrameObject(p.frame)
			if err != nil {
				return nil, false, err
			}
			return ts.NewRef(fo), true, nil
		case "gi_running":
			return Bool(p.state == genRunning), true, nil
		case "gi_suspended":
			return Bool(p.state == genSuspended), true, nil
		case "gi_code":
			return p.code.obj, true, nil
		case "__name__":
			return ret(ts.NewStr(p.name))
		case "__qualname__":
			return ret(ts.NewStr(p.qualname))
		}
	case *Traceback:
		switch name {
		case "tb_next":
			return ts.refOrNone(p.Next), true, nil
		case "tb_frame":
			return ts.refOrNone(p.Frame), true, nil
		case "tb_lasti":
			return ret(ts.NewInt(int64(p.Lasti * CodeUnitSize)))
		case "tb_lineno":
			return ret(ts.NewInt(int64(p.Lineno)))
		}
	case *Method:
		switch name {
		case "__func__":
			return ts.NewRef(p.Func), true, nil
		case "__self__":
			return ts.NewRef(p.Self), true, nil
		case "__name__":
			return ts.lookupAttr(p.Func, name)
		}
	case *Builtin:
		switch name {
		case "__name__", "__qualname__":
			return ret(ts.NewStr(p.Name))
		case "__self__":
			return ts.refOrNone(p.Self), true, nil
		}
	case *Cell:
		if name == "cell_contents" {
			v := ts.cellGet(o)
			if v == nil {
				return nil, false, ts.Errorf(ValueErrorType, "Cell is empty")
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

func (ts *ThreadState) codeAttr(c *Code, name string) (*Object, bool, error) {
	ret := func(v *Object, err error) (*Object, bool, error) { return v, err == nil, err }
	names := func(kind LocalKind) (*Object, bool, error) {
		var out []*Object
		for i, k := range c.LocalsPlusKinds {
			if k&kind != 0 {
				out = append(out, c.LocalsPlusNames[i])
			}
		}
		return ret(ts.PackTuple(out...))
	}
	switch name {
	case "co_name":
		return ret(ts.NewStr(c.Name))
	case "co_qualname":
		return ret(ts.NewStr(c.QualName))
	case "co_filename":
		return ret(ts.NewStr(c.Filename))
	case "co_firstlineno":
		return ret(ts.NewInt(int64(c.FirstLineNo)))
	case "co_argcount":
		return ret(ts.NewInt(int64(c.ArgCount)))
	case "co_posonlyargcount":
		return ret(ts.NewInt(int64(c.PosOnlyArgCount)))
	case "co_kwonlyargcount":
		return ret(ts.NewInt(int64(c.KwOnlyArgCount)))
	case "co_flags":
		return ret(ts.NewInt(int64(c.Flags)))
	case "co_stacksize":
		return ret(ts.NewInt(int64(c.StackSize)))
	case "co_nlocals":
		return ret(ts.NewInt(int64(c.nlocals)))
	case "co_consts":
		return ret(ts.PackTuple(c.Consts...))
	case "co_names":
		return ret(ts.PackTuple(c.Names...))
	case "co_varnames":
		return names(LocalFast)
	case "co_cellvars":
		return names(LocalCell)
	case "co_freevars":
		return names(LocalFree)
	}
	return nil, false, nil
}

// SetAttr performs o.name = v; v is borrowed.
func (ts *ThreadState) SetAttr(o, name, v *Object) error {
	n, ok := StrValue(name)
	if !ok {
		return ts.Errorf(TypeErrorType, "attribute name must be string, not '%s'", name.typ.Name)
	}
	switch p := o.val.(type) {
	case *Instance:
		if p.Dict != nil {
			return DictOf(p.Dict).SetItem(ts, name, v)
		}
	case *BaseException:
		return ts.setExceptionAttr(o, p, n, v)
	case *Function:
		switch n {
		case "__defaults__":
			if v == None {
				old := p.Defaults
				p.Defaults = nil
				ts.xdecref(old)
				return nil
			}
			return ts.setFunctionAttribute(o, FuncAttrDefaults, ts.NewRef(v))
		case "__kwdefaults__":
			if v == None {
				old := p.KwDefaults
				p.KwDefaults = nil
				ts.xdecref(old)
				return nil
			}
			return ts.setFunctionAttribute(o, FuncAttrKwDefaults, ts.NewRef(v))
		case "__name__", "__qualname__":
			s, ok := StrValue(v)
			if !ok {
				return ts.Errorf(TypeErrorType, "%s must be set to a string object", n)
			}
			if n == "__name__" {
				p.Name = s
			} else {
				p.QualName = s
			}
			return nil
		}
	case *Cell:
		if n == "cell_contents" {
			ts.cellSet(o, ts.NewRef(v))
			return nil
		}
	case *Type:
		return ts.Errorf(TypeErrorType, "cannot set '%s' attribute of immutable type '%s'", n, p.Name)
	}
	if _, found := o.typ.Lookup(n); found {
		return ts.Errorf(AttributeErrorType, "'%s' object attribute '%s' is read-only", o.typ.Name, n)
	}
	return ts.Errorf(AttributeErrorType, "'%s' object has no attribute '%s' and no __dict__ for setting new attributes", o.typ.Name, n)
}

func (ts *ThreadState) setExceptionAttr(o *Object, e *BaseException, name string, v *Object) error {
	replace := func(slot **Object, nv *Object) {
		if nv == None {
			nv = nil
		} else {
			ts.incref(nv)
		}
		old := *slot
		*slot = nv
		ts.xdecref(old)
	}
	switch name {
	case "__traceback__":
		if v != None && v.typ != TracebackType {
			return ts.Errorf(TypeErrorType, "__traceback__ must be a traceback or None")
		}
		replace(&e.Traceback, v)
	case "__cause__":
		if v != None && !IsInstance(v, BaseExceptionType) {
			return ts.Errorf(TypeErrorType, "exception cause must be None or derive from BaseException")
		}
		replace(&e.Cause, v)
		e.SuppressContext = true
	case "__context__":
		if v != None && !IsInstance(v, BaseExceptionType) {
			return ts.Errorf(TypeErrorType, "exception context must be None or derive from BaseException")
		}
		replace(&e.Context, v)
	case "__suppress_context__":
		e.SuppressContext = Truth(v)
	case "args":
		items, err := ts.iterateAll(v)
		if err != nil {
			return err
		}
		tup, err := ts.NewTuple(items)
		if err != nil {
			return err
		}
		old := e.Args
		e.Args = tup
		ts.xdecref(old)
	default:
		return ts.Errorf(AttributeErrorType, "'%s' object has no attribute '%s'", o.typ.Name, name)
	}
	return nil
}

// loadMethod resolves owner.name for a call. When the class attribute is
// a plain function it is returned unbound together with a new reference
// to owner, sparing the bound-method allocation; otherwise self is nil.
func (ts *ThreadState) loadMethod(owner, name *Object) (meth, self *Object, err error) {
	if n, ok := StrValue(name); ok {
		if _, isType := AsType(owner); !isType {
			if v, ok := owner.typ.Lookup(n); ok && v.typ == FunctionType && !ts.shadowedByInstance(owner, n) {
				return ts.NewRef(v), ts.NewRef(owner), nil
			}
		}
	}
	v, err := ts.GetAttr(owner, name)
	return v, nil, err
}

func (ts *ThreadState) shadowedByInstance(o *Object, name string) bool {
	inst, ok := o.val.(*Instance)
	if !ok || inst.Dict == nil {
		return false
	}
	_, found := DictOf(inst.Dict).GetStr(ts, name)
	return found
}
