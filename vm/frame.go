package vm

import "fmt"

// FrameOwner records who owns the storage of a Frame.
type FrameOwner uint8

const (
	OwnedByThread      FrameOwner = iota // window on the thread's data stack
	OwnedByGenerator                     // embedded in a generator object
	OwnedByFrameObject                   // copied into a frame object that outlived the call
	OwnedByInterpreter                   // bootstrap frame
	OwnedByCStack                        // entry frame marking a Go-level eval call
)

func (o FrameOwner) String() string {
	switch o {
	case OwnedByThread:
		return "thread"
	case OwnedByGenerator:
		return "generator"
	case OwnedByFrameObject:
		return "frame object"
	case OwnedByInterpreter:
		return "interpreter"
	case OwnedByCStack:
		return "C stack"
	}
	return fmt.Sprintf("FrameOwner(%d)", uint8(o))
}

// Frame is one activation record. The first NLocalsPlus slots of
// localsplus are the code's locals, cells and free variables; the rest is
// the evaluation stack, whose top is stackPointer.
type Frame struct {
	Previous *Frame
	Owner    FrameOwner
	// InstrPtr is the index of the instruction being executed.
	InstrPtr int
	// ReturnOffset is added to InstrPtr when a callee returns into this
	// frame.
	ReturnOffset int

	executable StackRef
	funcobj    StackRef
	code       *Code
	globals    *Object // borrowed from the function
	builtins   *Object // borrowed from the function
	locals     *Object // owned; only for module and class bodies
	frameObj   *Object // owned; created lazily

	stackPointer int
	localsplus   []StackRef
	base         int        // data-stack offset for thread-owned frames
	gen          *Generator // set for generator-owned frames
}

// Code returns the code the frame runs.
func (f *Frame) Code() *Code { return f.code }

// Function returns the function object, or nil for entry frames.
func (f *Frame) Function() *Object { return f.funcobj.obj }

// Globals returns the frame's globals dict (borrowed).
func (f *Frame) Globals() *Object { return f.globals }

// Builtins returns the frame's builtins dict (borrowed).
func (f *Frame) Builtins() *Object { return f.builtins }

// LocalsObject returns the explicit locals mapping, nil for optimized frames.
func (f *Frame) LocalsObject() *Object { return f.locals }

// StackPointer returns the index of the first free stack slot.
func (f *Frame) StackPointer() int { return f.stackPointer }

// Slot returns localsplus[i] without changing ownership.
func (f *Frame) Slot(i int) StackRef { return f.localsplus[i] }

// StackDepth returns the number of values on the evaluation stack.
func (f *Frame) StackDepth() int { return f.stackPointer - f.code.NLocalsPlus() }

// Lineno returns the source line of the current instruction.
func (f *Frame) Lineno() int {
	if f.code == nil {
		return 0
	}
	return f.code.LineFor(f.InstrPtr)
}

func (f *Frame) push(r StackRef) {
	f.localsplus[f.stackPointer] = r
	f.stackPointer++
}

func (f *Frame) pop() StackRef {
	f.stackPointer--
	r := f.localsplus[f.stackPointer]
	f.localsplus[f.stackPointer] = NullRef
	return r
}

// peek returns the n-th value from the top (1 is the top).
func (f *Frame) peek(n int) StackRef { return f.localsplus[f.stackPointer-n] }

func (f *Frame) setPeek(n int, r StackRef) { f.localsplus[f.stackPointer-n] = r }

// adoptBorrows gives every borrowed copy of local on the evaluation stack
// its own count, so that local can be dropped.
func (f *Frame) adoptBorrows(ts *ThreadState, local StackRef) {
	if local.obj == nil || local.bits != tagStrong {
		return
	}
	for i := f.code.NLocalsPlus(); i < f.stackPointer; i++ {
		if r := f.localsplus[i]; r.obj == local.obj && r.bits == tagDeferred {
			f.localsplus[i] = r.MakeHeapSafe(ts)
		}
	}
}

// stackSlice returns the top n stack values in push order.
func (f *Frame) stackSlice(n int) []StackRef {
	return f.localsplus[f.stackPointer-n : f.stackPointer]
}

// drop forgets the top n values, whose ownership has moved elsewhere.
func (f *Frame) drop(n int) {
	clear(f.localsplus[f.stackPointer-n : f.stackPointer])
	f.stackPointer -= n
}

// ---------------------------------------------------------------------------
// Push and initialization
// ---------------------------------------------------------------------------

// pushFrame reserves a thread-owned frame for code. It fails with
// ErrStackOverflow when the data stack is full.
func (ts *ThreadState) pushFrame(code *Code) (*Frame, error) {
	base, slots, err := ts.stack.push(code.FrameSize())
	if err != nil {
		return nil, err
	}
	return &Frame{base: base, localsplus: slots, Owner: OwnedByThread}, nil
}

// pushFrameUnchecked pushes and initializes a frame for fn, consuming fn
// and args. args fill the first local slots. The caller must have checked
// HasSpace.
func (ts *ThreadState) pushFrameUnchecked(fn StackRef, args []StackRef, previous *Frame) *Frame {
	code := fn.AsObjectBorrow().val.(*Function).Code
	base, slots := ts.stack.pushUnchecked(code.FrameSize())
	n := copy(slots, args)
	clear(args)
	f := &Frame{base: base, localsplus: slots}
	f.initialize(ts, fn, nil, code, n, previous)
	return f
}

// initialize wires a frame for code, consuming fn and locals. Slots from
// nullLocalsFrom up to the end of the locals prefix are cleared; earlier
// slots are assumed populated by the caller.
func (f *Frame) initialize(ts *ThreadState, fn StackRef, locals *Object, code *Code, nullLocalsFrom int, previous *Frame) {
	f.Previous = previous
	f.funcobj = fn
	f.executable = FromObjectNew(ts, code.obj)
	f.code = code
	if !fn.IsNull() {
		fo := fn.AsObjectBorrow().val.(*Function)
		f.globals = fo.Globals
		f.builtins = fo.Builtins
	}
	f.locals = locals
	f.stackPointer = code.NLocalsPlus()
	f.frameObj = nil
	f.InstrPtr = 0
	f.ReturnOffset = 0
	f.Owner = OwnedByThread
	for i := nullLocalsFrom; i < code.NLocalsPlus(); i++ {
		f.localsplus[i] = NullRef
	}
}

// newEntryFrame returns the marker frame that separates Go-level eval
// calls on the frame chain.
func newEntryFrame(previous *Frame) *Frame {
	return &Frame{Previous: previous, Owner: OwnedByCStack}
}

// ---------------------------------------------------------------------------
// Completeness and introspection
// ---------------------------------------------------------------------------

// IsIncomplete reports whether the frame has not yet run its prologue.
// Generator frames are complete once they exist; entry and bootstrap frames
// never are. Other threads may call this racily under stop-the-world.
func (f *Frame) IsIncomplete() bool {
	if f.Owner >= OwnedByInterpreter {
		return true
	}
	return f.Owner != OwnedByGenerator && f.InstrPtr < f.code.firstTraceable
}

// GetFirstComplete walks previous links to the first complete frame.
func GetFirstComplete(f *Frame) *Frame {
	for f != nil && f.IsIncomplete() {
		f = f.Previous
	}
	return f
}

// ---------------------------------------------------------------------------
// Copy and teardown
// ---------------------------------------------------------------------------

// copyFrame moves src's contents into dst, whose localsplus must be at least
// as large. Every reference is made heap safe and previous is cut so the
// copy cannot dangle into a popped frame. Ownership of src's references
// passes to dst.
func copyFrame(ts *ThreadState, src, dst *Frame) {
	dst.executable = src.executable.MakeHeapSafe(ts)
	dst.Previous = nil
	dst.funcobj = src.funcobj.MakeHeapSafe(ts)
	dst.code = src.code
	dst.globals = src.globals
	dst.builtins = src.builtins
	dst.locals = src.locals
	dst.frameObj = src.frameObj
	dst.InstrPtr = src.InstrPtr
	dst.ReturnOffset = src.ReturnOffset
	dst.stackPointer = src.stackPointer
	for i := 0; i < src.stackPointer; i++ {
		dst.localsplus[i] = src.localsplus[i].MakeHeapSafe(ts)
	}
}

// newHeapFrame allocates frame storage outside the data stack.
func newHeapFrame(code *Code) *Frame {
	return &Frame{localsplus: make([]StackRef, code.FrameSize())}
}

// ClearLocals closes every stack and local slot from the stack pointer
// down, then drops the explicit locals mapping.
func (f *Frame) ClearLocals(ts *ThreadState) {
	sp := f.stackPointer
	f.stackPointer = 0
	for sp > 0 {
		sp--
		ClearRef(ts, &f.localsplus[sp])
	}
	locals := f.locals
	f.locals = nil
	ts.xdecref(locals)
}

// clearExceptExecutable releases everything the frame owns except its
// executable. A frame object that is still referenced elsewhere takes over
// the frame's contents instead of seeing them destroyed.
func (ts *ThreadState) clearExceptExecutable(f *Frame) {
	if fo := f.frameObj; fo != nil {
		f.frameObj = nil
		if Refcnt(fo) > 1 {
			ts.takeOwnership(fo, f)
			ts.decref(fo)
			return
		}
		ts.decref(fo)
	}
	f.ClearLocals(ts)
	ClearRef(ts, &f.funcobj)
}

// takeOwnership copies f into storage owned by the frame object fo and
// links fo to the frame object of f's first complete caller.
func (ts *ThreadState) takeOwnership(fo *Object, f *Frame) {
	pf := fo.val.(*FrameObject)
	nf := newHeapFrame(f.code)
	copyFrame(ts, f, nf)
	// copyFrame moved the executable; the original still needs its own.
	f.executable = nf.executable.Dup(ts)
	pf.frame = nf
	nf.Owner = OwnedByFrameObject
	if nf.IsIncomplete() {
		nf.InstrPtr = nf.code.firstTraceable + 1
	}
	if prev := GetFirstComplete(f.Previous); prev != nil {
		back, err := ts.GetFrameObject(prev)
		if err != nil {
			ts.Release(err)
		} else {
			pf.back = ts.NewRef(back)
		}
	}
	ts.log.Debugf("frame %s promoted to frame object", f.code.QualName)
}

// clearThreadFrame tears down the topmost thread-owned frame.
func (ts *ThreadState) clearThreadFrame(f *Frame) {
	if f.Owner != OwnedByThread {
		panic("clearThreadFrame: frame is owned by " + f.Owner.String())
	}
	ts.clearExceptExecutable(f)
	ClearRef(ts, &f.executable)
	ts.PopFrame(f)
}

// PopFrame releases a thread-owned frame's data-stack window. The frame
// must be topmost.
func (ts *ThreadState) PopFrame(f *Frame) {
	ts.stack.pop(f.base, len(f.localsplus))
	f.localsplus = nil
}

// clearAndPop finishes a frame that has returned or unwound.
func (ts *ThreadState) clearAndPop(f *Frame) {
	if f.Owner == OwnedByThread {
		ts.clearThreadFrame(f)
		return
	}
	ts.clearGenFrame(f)
}

// ---------------------------------------------------------------------------
// Collector support
// ---------------------------------------------------------------------------

// Traverse visits every object the frame references.
func (f *Frame) Traverse(visit VisitFunc) int {
	if f.frameObj != nil {
		if r := visit(f.frameObj); r != 0 {
			return r
		}
	}
	if f.locals != nil {
		if r := visit(f.locals); r != 0 {
			return r
		}
	}
	if r := visitRef(f.funcobj, visit); r != 0 {
		return r
	}
	if r := visitRef(f.executable, visit); r != 0 {
		return r
	}
	for i := 0; i < f.stackPointer; i++ {
		if r := visitRef(f.localsplus[i], visit); r != 0 {
			return r
		}
	}
	return 0
}
