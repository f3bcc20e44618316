package vm

import "fmt"

// ---------------------------------------------------------------------------
// StackRef: tagged handle for evaluation-stack and local slots
// ---------------------------------------------------------------------------

// StackRef is the value held by a frame's local or stack slot. It is either
// Null, a small tagged integer, or a reference to a heap object that is
// strong (the slot owns one count), deferred (the slot borrows; some other
// invariant keeps the object alive) or immortal.
//
// The object pointer is kept in its own field rather than folded into the
// tag word so the Go collector always sees it. The low two bits of bits
// carry the variant:
//
//	obj == nil, bits == 0         Null
//	obj == nil, bits&3 == 3       TaggedInt (value in bits>>2)
//	obj != nil, bits == 0         Strong
//	obj != nil, bits == 1         Deferred
//	obj != nil, bits == 2         Immortal
//
// Ownership moves with the value: copying a StackRef out of a slot
// transfers the obligation to close it exactly once.
type StackRef struct {
	obj  *Object
	bits uintptr
}

const (
	tagStrong   uintptr = 0
	tagDeferred uintptr = 1
	tagImmortal uintptr = 2
	tagInt      uintptr = 3
	tagMask     uintptr = 3
	tagShift            = 2
)

// RefKind names a StackRef variant.
type RefKind uint8

const (
	RefNull RefKind = iota
	RefTaggedInt
	RefStrong
	RefDeferred
	RefImmortal
)

func (k RefKind) String() string {
	switch k {
	case RefNull:
		return "Null"
	case RefTaggedInt:
		return "TaggedInt"
	case RefStrong:
		return "Strong"
	case RefDeferred:
		return "Deferred"
	case RefImmortal:
		return "Immortal"
	}
	return fmt.Sprintf("RefKind(%d)", uint8(k))
}

// NullRef is the empty slot value.
var NullRef StackRef

// Kind returns the variant held by r.
func (r StackRef) Kind() RefKind {
	if r.obj == nil {
		if r.bits&tagMask == tagInt {
			return RefTaggedInt
		}
		return RefNull
	}
	switch r.bits {
	case tagDeferred:
		return RefDeferred
	case tagImmortal:
		return RefImmortal
	}
	return RefStrong
}

// IsNull reports whether r is the empty slot value.
func (r StackRef) IsNull() bool { return r.obj == nil && r.bits == 0 }

// IsTaggedInt reports whether r holds an unboxed integer.
func (r StackRef) IsTaggedInt() bool { return r.obj == nil && r.bits&tagMask == tagInt }

// IsDeferred reports whether r borrows its referent.
func (r StackRef) IsDeferred() bool { return r.obj != nil && r.bits == tagDeferred }

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// FromObjectNew returns a reference that owns a new count on o. Immortal
// objects are tagged instead of counted, and so are deferred-refcount
// objects in free-threaded mode.
func FromObjectNew(ts *ThreadState, o *Object) StackRef {
	if o == nil {
		panic("FromObjectNew: nil object")
	}
	if o.IsImmortal() {
		return StackRef{obj: o, bits: tagImmortal}
	}
	if ts.interp.freeThreaded && o.HasDeferredRefcount() {
		return StackRef{obj: o, bits: tagDeferred}
	}
	ts.incref(o)
	return StackRef{obj: o, bits: tagStrong}
}

// FromObjectSteal takes over a count the caller already owns.
func FromObjectSteal(o *Object) StackRef {
	if o == nil {
		panic("FromObjectSteal: nil object")
	}
	if o.IsImmortal() {
		return StackRef{obj: o, bits: tagImmortal}
	}
	return StackRef{obj: o, bits: tagStrong}
}

// FromObjectBorrow wraps o without taking a count. The result must not
// outlive whatever keeps o alive unless it is passed through MakeHeapSafe.
func FromObjectBorrow(o *Object) StackRef {
	if o == nil {
		panic("FromObjectBorrow: nil object")
	}
	if o.IsImmortal() {
		return StackRef{obj: o, bits: tagImmortal}
	}
	return StackRef{obj: o, bits: tagDeferred}
}

// TagInt boxes i without allocating. It panics if i does not survive the
// shift round trip.
func TagInt(i int) StackRef {
	bits := uintptr(i)<<tagShift | tagInt
	if int(bits)>>tagShift != i {
		panic(fmt.Sprintf("TagInt: %d does not fit in a tagged word", i))
	}
	return StackRef{bits: bits}
}

// UntagInt returns the integer held by a TaggedInt reference.
func (r StackRef) UntagInt() int {
	if !r.IsTaggedInt() {
		panic("UntagInt: not a tagged int")
	}
	return int(r.bits) >> tagShift
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// AsObjectBorrow returns the referent without touching ownership. r must
// hold an object.
func (r StackRef) AsObjectBorrow() *Object {
	if r.obj == nil {
		panic("AsObjectBorrow: " + r.Kind().String() + " reference")
	}
	return r.obj
}

// AsObjectSteal consumes r and returns a count the caller now owns. A
// deferred reference is upgraded with a real increment first.
func (r StackRef) AsObjectSteal(ts *ThreadState) *Object {
	if r.obj == nil {
		panic("AsObjectSteal: " + r.Kind().String() + " reference")
	}
	if r.bits == tagDeferred {
		ts.incref(r.obj)
	}
	return r.obj
}

// AsObjectNew returns a new owned count on r's referent, leaving r intact.
func (r StackRef) AsObjectNew(ts *ThreadState) *Object {
	o := r.AsObjectBorrow()
	ts.incref(o)
	return o
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

// Dup returns a second independent owned reference.
func (r StackRef) Dup(ts *ThreadState) StackRef {
	if r.IsNull() {
		panic("Dup: null reference")
	}
	if r.obj != nil && r.bits == tagStrong {
		ts.incref(r.obj)
	}
	return r
}

// Close releases r's ownership obligation. It must be called at most once
// per owned value and never on Null.
func (r StackRef) Close(ts *ThreadState) {
	if r.IsNull() {
		panic("Close: null reference")
	}
	if r.obj != nil && r.bits == tagStrong {
		ts.decref(r.obj)
	}
}

// CloseOrNull is Close that tolerates Null.
func (r StackRef) CloseOrNull(ts *ThreadState) {
	if r.obj != nil && r.bits == tagStrong {
		ts.decref(r.obj)
	}
}

// ClearRef closes *slot if set and leaves Null behind.
func ClearRef(ts *ThreadState, slot *StackRef) {
	r := *slot
	*slot = NullRef
	r.CloseOrNull(ts)
}

// IsHeapSafe reports whether r may be stored somewhere that outlives the
// stack slot that produced it.
func (r StackRef) IsHeapSafe(ts *ThreadState) bool {
	if r.bits != tagDeferred || r.obj == nil {
		return true
	}
	if r.obj.IsImmortal() {
		return true
	}
	return ts.interp.freeThreaded && r.obj.HasDeferredRefcount()
}

// MakeHeapSafe upgrades a borrowed reference to a counted one so it can be
// stored in a heap location. Every other reference is returned unchanged.
func (r StackRef) MakeHeapSafe(ts *ThreadState) StackRef {
	if r.IsHeapSafe(ts) {
		return r
	}
	ts.incref(r.obj)
	return StackRef{obj: r.obj, bits: tagStrong}
}

// Is reports whether r refers to o.
func (r StackRef) Is(o *Object) bool { return r.obj == o }

func (r StackRef) String() string {
	switch r.Kind() {
	case RefNull:
		return "<null>"
	case RefTaggedInt:
		return fmt.Sprintf("<tagged %d>", r.UntagInt())
	}
	return Repr(r.obj)
}

// visitRef forwards an object-holding reference to visit.
func visitRef(r StackRef, visit VisitFunc) int {
	if r.obj == nil {
		return 0
	}
	return visit(r.obj)
}
