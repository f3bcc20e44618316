package vm

import "fmt"

// FrameObject is the introspectable heap wrapper around a Frame. While the
// call runs, frame points at the live frame; if the wrapper outlives the
// call it owns a private copy (Owner == OwnedByFrameObject).
type FrameObject struct {
	frame *Frame
	back  *Object
}

func init() {
	FrameType.dealloc = frameObjDealloc
	FrameType.traverse = frameObjTraverse
	FrameType.repr = frameObjRepr
	TracebackType.dealloc = tracebackDealloc
	TracebackType.traverse = tracebackTraverse
	CodeType.repr = codeRepr
}

// GetFrameObject returns the frame object for f, creating it on first use.
// The result is borrowed from the frame. f must be complete.
func (ts *ThreadState) GetFrameObject(f *Frame) (*Object, error) {
	if f.IsIncomplete() {
		panic("GetFrameObject: frame is incomplete")
	}
	if f.frameObj != nil {
		return f.frameObj, nil
	}
	return ts.MakeAndSetFrameObject(f)
}

// MakeAndSetFrameObject allocates the frame object for f. It is idempotent.
func (ts *ThreadState) MakeAndSetFrameObject(f *Frame) (*Object, error) {
	o, err := ts.newObject(FrameType, &FrameObject{})
	if err != nil {
		return nil, err
	}
	if f.frameObj != nil {
		ts.decref(o)
		return f.frameObj, nil
	}
	if f.Owner == OwnedByFrameObject {
		panic("MakeAndSetFrameObject: frame already owned by a frame object")
	}
	o.val.(*FrameObject).frame = f
	f.frameObj = o
	return o, nil
}

func frameObjDealloc(ts *ThreadState, o *Object) {
	fo := o.val.(*FrameObject)
	if f := fo.frame; f != nil && f.Owner == OwnedByFrameObject {
		ClearRef(ts, &f.executable)
		ClearRef(ts, &f.funcobj)
		f.ClearLocals(ts)
	}
	fo.frame = nil
	back := fo.back
	fo.back = nil
	ts.xdecref(back)
}

func frameObjTraverse(o *Object, visit VisitFunc) int {
	fo := o.val.(*FrameObject)
	if fo.back != nil {
		if r := visit(fo.back); r != 0 {
			return r
		}
	}
	if f := fo.frame; f != nil && f.Owner == OwnedByFrameObject {
		return f.Traverse(visit)
	}
	return 0
}

func frameObjRepr(o *Object) string {
	fo := o.val.(*FrameObject)
	if fo.frame == nil {
		return "<frame (cleared)>"
	}
	c := fo.frame.code
	return fmt.Sprintf("<frame at %p, file %q, line %d, code %s>", o, c.Filename, fo.frame.Lineno(), c.Name)
}

// FrameOf returns the payload of a frame object.
func FrameOf(o *Object) *FrameObject {
	fo, _ := o.val.(*FrameObject)
	return fo
}

// Frame returns the interpreter frame behind the object.
func (fo *FrameObject) Frame() *Frame { return fo.frame }

// Code returns the code the frame runs.
func (fo *FrameObject) Code() *Code { return fo.frame.code }

// Lineno returns the current line of the frame.
func (fo *FrameObject) Lineno() int { return fo.frame.Lineno() }

// FrameBack returns a new reference to the caller's frame object, or nil at the
// bottom of the stack.
func (ts *ThreadState) FrameBack(o *Object) (*Object, error) {
	fo := FrameOf(o)
	if fo.back != nil {
		return ts.NewRef(fo.back), nil
	}
	if fo.frame == nil || fo.frame.Owner == OwnedByFrameObject {
		return nil, nil
	}
	prev := GetFirstComplete(fo.frame.Previous)
	if prev == nil {
		return nil, nil
	}
	back, err := ts.GetFrameObject(prev)
	if err != nil {
		return nil, err
	}
	return ts.NewRef(back), nil
}

// FrameLocals returns a new dict snapshot of the frame's bound variables.
// Cells are dereferenced; unbound slots are omitted.
func (ts *ThreadState) FrameLocals(o *Object) (*Object, error) {
	f := FrameOf(o).frame
	if f.locals != nil {
		return ts.CopyDict(f.locals)
	}
	d, err := ts.NewDict()
	if err != nil {
		return nil, err
	}
	c := f.code
	for i := 0; i < c.NLocalsPlus() && i < f.stackPointer; i++ {
		r := f.localsplus[i]
		if r.obj == nil {
			continue
		}
		v := r.obj
		if c.LocalsPlusKinds[i]&(LocalCell|LocalFree) != 0 && v.typ == CellType {
			v = ts.cellGet(v)
			if v == nil {
				continue
			}
			err = DictOf(d).SetItem(ts, c.LocalsPlusNames[i], v)
			ts.decref(v)
		} else {
			err = DictOf(d).SetItem(ts, c.LocalsPlusNames[i], v)
		}
		if err != nil {
			ts.decref(d)
			return nil, err
		}
	}
	return d, nil
}
