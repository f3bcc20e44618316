package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Object is a heap-allocated runtime object.
//
// Every object carries its type, a reference count and a type-specific
// payload. The refcount layout depends on the interpreter regime: under the
// global lock only rc.local is used, in free-threaded mode the count is split
// between the owning thread and everybody else (see refcount.go).
type Object struct {
	typ   *Type
	rc    refcount
	flags atomic.Uint32
	val   any
}

const (
	flagImmortal uint32 = 1 << iota // refcount operations are no-ops
	flagDeferred                    // reclaimed by ReconcileDeferred, not by decref
	flagFreed                       // dealloc has run
	flagTracked                     // registered with the collector hooks
)

// ErrNoMemory is returned when the interpreter's object budget is exhausted.
var ErrNoMemory = errors.New("out of memory")

// Type returns the object's type.
func (o *Object) Type() *Type { return o.typ }

// IsImmortal reports whether the object is never deallocated.
func (o *Object) IsImmortal() bool { return o.flags.Load()&flagImmortal != 0 }

// HasDeferredRefcount reports whether stack references to the object may
// skip reference counting entirely.
func (o *Object) HasDeferredRefcount() bool { return o.flags.Load()&flagDeferred != 0 }

func (o *Object) freed() bool { return o.flags.Load()&flagFreed != 0 }

// Payload returns the type-specific value carried by the object.
func (o *Object) Payload() any { return o.val }

func (o *Object) String() string {
	if o == nil {
		return "<NULL>"
	}
	return Repr(o)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// newImmortal creates an object that is shared by every interpreter and
// never freed.
func newImmortal(t *Type, val any) *Object {
	o := &Object{typ: t, val: val}
	o.flags.Store(flagImmortal)
	o.rc.local = 1
	return o
}

// newObject allocates a mortal object owned by ts, honoring the
// interpreter's object budget.
func (ts *ThreadState) newObject(t *Type, val any) (*Object, error) {
	in := ts.interp
	if in.maxObjects > 0 && in.live.Load() >= in.maxObjects {
		return nil, ErrNoMemory
	}
	return ts.newObjectUnchecked(t, val), nil
}

// newObjectUnchecked bypasses the budget. It is reserved for MemoryError
// instances, which must be creatable when the budget is exhausted.
func (ts *ThreadState) newObjectUnchecked(t *Type, val any) *Object {
	o := &Object{typ: t, val: val}
	ts.initRefcount(o)
	ts.interp.live.Add(1)
	if t.traverse != nil {
		o.flags.Store(flagTracked)
		ts.interp.gcTrack(o)
	}
	return o
}

// dealloc releases o once its reference count has dropped to zero.
func (ts *ThreadState) dealloc(o *Object) {
	prev := o.flags.Load()
	if prev&flagFreed != 0 {
		ts.interp.fatalf("object %p of type %s freed twice", o, o.typ.Name)
		return
	}
	o.flags.Store(prev | flagFreed)
	if prev&flagTracked != 0 {
		ts.interp.gcUntrack(o)
	}
	if o.typ.dealloc != nil {
		o.typ.dealloc(ts, o)
	}
	o.val = nil
	ts.interp.live.Add(-1)
}

// ---------------------------------------------------------------------------
// Singletons and interned strings
// ---------------------------------------------------------------------------

const (
	smallIntMin = -5
	smallIntMax = 256
)

var (
	// None is the null value.
	None *Object
	// True and False are the two bool instances.
	True  *Object
	False *Object
	// EmptyTuple is the shared zero-length tuple.
	EmptyTuple *Object

	smallInts [smallIntMax - smallIntMin + 1]*Object

	internMu sync.Mutex
	interned = map[string]*Object{}
)

func init() {
	None = newImmortal(NoneType, nil)
	True = newImmortal(BoolType, true)
	False = newImmortal(BoolType, false)
	EmptyTuple = newImmortal(TupleType, []*Object(nil))
	for i := range smallInts {
		smallInts[i] = newImmortal(IntType, int64(i+smallIntMin))
	}
}

// Intern returns the immortal string object for s. Interned strings compare
// equal by identity, which is what the call binder's fast path relies on.
func Intern(s string) *Object {
	internMu.Lock()
	defer internMu.Unlock()
	if o, ok := interned[s]; ok {
		return o
	}
	o := newImmortal(StrType, s)
	interned[s] = o
	return o
}

// Bool returns True or False.
func Bool(b bool) *Object {
	if b {
		return True
	}
	return False
}

// ConstInt returns an immortal int, used for code-object constants.
func ConstInt(v int64) *Object {
	if v >= smallIntMin && v <= smallIntMax {
		return smallInts[v-smallIntMin]
	}
	return newImmortal(IntType, v)
}

// ConstTuple returns an immortal tuple of immortal items.
func ConstTuple(items ...*Object) *Object {
	if len(items) == 0 {
		return EmptyTuple
	}
	for _, it := range items {
		if !it.IsImmortal() {
			panic(fmt.Sprintf("ConstTuple: item %s is not immortal", it.typ.Name))
		}
	}
	return newImmortal(TupleType, append([]*Object(nil), items...))
}

// ---------------------------------------------------------------------------
// Mortal constructors
// ---------------------------------------------------------------------------

// NewInt returns a new reference to an int with value v.
func (ts *ThreadState) NewInt(v int64) (*Object, error) {
	if v >= smallIntMin && v <= smallIntMax {
		return smallInts[v-smallIntMin], nil
	}
	return ts.newObject(IntType, v)
}

// NewStr returns a new reference to a str.
func (ts *ThreadState) NewStr(s string) (*Object, error) {
	if s == "" {
		return Intern(""), nil
	}
	return ts.newObject(StrType, s)
}

// NewTuple creates a tuple, stealing a reference to each item. On failure
// the items are released.
func (ts *ThreadState) NewTuple(items []*Object) (*Object, error) {
	if len(items) == 0 {
		return EmptyTuple, nil
	}
	o, err := ts.newObject(TupleType, items)
	if err != nil {
		for _, it := range items {
			ts.decref(it)
		}
		return nil, err
	}
	return o, nil
}

// PackTuple creates a tuple holding new references to items.
func (ts *ThreadState) PackTuple(items ...*Object) (*Object, error) {
	owned := make([]*Object, len(items))
	for i, it := range items {
		ts.incref(it)
		owned[i] = it
	}
	return ts.NewTuple(owned)
}

// tupleFromStackRefs steals refs on success only; the caller keeps
// ownership when an error is returned.
func (ts *ThreadState) tupleFromStackRefs(refs []StackRef) (*Object, error) {
	if len(refs) == 0 {
		return EmptyTuple, nil
	}
	items := make([]*Object, len(refs))
	o, err := ts.newObject(TupleType, items)
	if err != nil {
		return nil, err
	}
	for i, r := range refs {
		items[i] = r.AsObjectSteal(ts)
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Payload accessors
// ---------------------------------------------------------------------------

// IntValue returns the value of an int or bool object.
func IntValue(o *Object) (int64, bool) {
	switch v := o.val.(type) {
	case int64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// StrValue returns the Go string held by a str object.
func StrValue(o *Object) (string, bool) {
	s, ok := o.val.(string)
	return s, ok && o.typ == StrType
}

// TupleItems returns the items of a tuple (borrowed).
func TupleItems(o *Object) []*Object {
	if !IsSubtype(o.typ, TupleType) {
		return nil
	}
	items, _ := o.val.([]*Object)
	return items
}
