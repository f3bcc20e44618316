package vm

import "fmt"

type genState uint8

const (
	genCreated genState = iota
	genSuspended
	genRunning
	genCompleted
)

func (s genState) String() string {
	switch s {
	case genCreated:
		return "created"
	case genSuspended:
		return "suspended"
	case genRunning:
		return "running"
	}
	return "completed"
}

// Generator is the payload of a generator object. It embeds the frame of
// the generator function, which runs in its own eval activation on every
// resumption.
type Generator struct {
	frame *Frame
	state genState
	// excState is the handled-exception level the generator contributes
	// while it runs; it survives suspension.
	excState excStackItem
	name     string
	qualname string
	code     *Code
}

func init() {
	GeneratorType.dealloc = genDealloc
	GeneratorType.traverse = genTraverse
	GeneratorType.repr = func(o *Object) string {
		return fmt.Sprintf("<generator object %s at %p>", o.val.(*Generator).qualname, o)
	}
	GeneratorType.attrs = map[string]*Object{
		"send":     NewBuiltin("send", genSendMethod),
		"throw":    NewBuiltin("throw", genThrowMethod),
		"close":    NewBuiltin("close", genCloseMethod),
		"__next__": NewBuiltin("__next__", genNextMethod),
		"__iter__": NewBuiltin("__iter__", func(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
			return ts.NewRef(self), nil
		}),
	}
}

// newGenerator allocates a generator with empty frame storage sized for
// the code frame runs.
func (ts *ThreadState) newGenerator(frame *Frame) (*Object, error) {
	g := &Generator{
		frame:    newHeapFrame(frame.code),
		state:    genCreated,
		name:     frame.code.Name,
		qualname: frame.code.QualName,
		code:     frame.code,
	}
	if fn := FunctionOf(frame.funcobj.AsObjectBorrow()); fn != nil {
		g.name, g.qualname = fn.Name, fn.QualName
	}
	g.frame.gen = g
	return ts.newObject(GeneratorType, g)
}

// GeneratorOf returns the payload of a generator object, or nil.
func GeneratorOf(o *Object) *Generator {
	g, _ := o.val.(*Generator)
	return g
}

// Frame returns the generator's frame; it is cleared once the generator
// has completed.
func (g *Generator) Frame() *Frame { return g.frame }

// State returns one of "created", "suspended", "running" or "completed".
func (g *Generator) State() string { return g.state.String() }

func genDealloc(ts *ThreadState, o *Object) {
	g := o.val.(*Generator)
	if g.state == genCreated || g.state == genSuspended {
		g.state = genCompleted
		g.releaseFrame(ts)
	}
}

func genTraverse(o *Object, visit VisitFunc) int {
	g := o.val.(*Generator)
	if g.excState.value != nil {
		if r := visit(g.excState.value); r != 0 {
			return r
		}
	}
	if g.state == genCompleted {
		return 0
	}
	return g.frame.Traverse(visit)
}

// releaseFrame drops everything the generator's frame owns.
func (g *Generator) releaseFrame(ts *ThreadState) {
	v := g.excState.value
	g.excState.value = nil
	ts.xdecref(v)
	ts.clearExceptExecutable(g.frame)
	ClearRef(ts, &g.frame.executable)
}

// clearGenFrame finishes a generator frame that returned or unwound,
// restoring the caller's handled-exception level.
func (ts *ThreadState) clearGenFrame(f *Frame) {
	g := f.gen
	g.state = genCompleted
	f.Previous = nil
	ts.excInfo = g.excState.previous
	g.excState.previous = nil
	g.releaseFrame(ts)
}

// genSend resumes the generator with value (borrowed). done reports that
// the generator returned, in which case res is its return value.
func (ts *ThreadState) genSend(o, value *Object) (res *Object, done bool, err error) {
	g := o.val.(*Generator)
	switch g.state {
	case genRunning:
		return nil, false, ts.Errorf(ValueErrorType, "generator already executing")
	case genCompleted:
		return None, true, nil
	case genCreated:
		if value != None {
			return nil, false, ts.Errorf(TypeErrorType, "can't send non-None value to a just-started generator")
		}
	}
	return ts.genResume(o, g, value, nil)
}

// genThrow raises exc (consumed) at the generator's suspension point.
func (ts *ThreadState) genThrow(o, exc *Object) (*Object, bool, error) {
	g := o.val.(*Generator)
	switch g.state {
	case genRunning:
		ts.decref(exc)
		return nil, false, ts.Errorf(ValueErrorType, "generator already executing")
	case genCompleted:
		return nil, false, &Raised{Exc: exc}
	}
	return ts.genResume(o, g, nil, exc)
}

func (ts *ThreadState) genResume(o *Object, g *Generator, value, throwExc *Object) (*Object, bool, error) {
	f := g.frame
	if throwExc == nil {
		f.push(FromObjectNew(ts, value))
	}
	g.excState.previous = ts.excInfo
	ts.excInfo = &g.excState
	g.state = genRunning
	// The generator must outlive its own activation.
	ts.incref(o)
	defer ts.decref(o)

	res, err := ts.evalFrame(f, throwExc)
	if err != nil {
		return nil, false, err
	}
	return res, g.state == genCompleted, nil
}

// genClose raises GeneratorExit inside a suspended generator. A generator
// that was never started is simply marked completed.
func (ts *ThreadState) genClose(o *Object) error {
	g := o.val.(*Generator)
	switch g.state {
	case genCompleted:
		return nil
	case genRunning:
		return ts.Errorf(ValueErrorType, "generator already executing")
	case genCreated:
		g.state = genCompleted
		g.releaseFrame(ts)
		return nil
	}
	exit, err := ts.NewException(GeneratorExitType)
	if err != nil {
		return err
	}
	res, _, err := ts.genResume(o, g, nil, exit)
	if err != nil {
		exc := ts.exceptionFromError(err)
		if IsInstance(exc, GeneratorExitType) || IsInstance(exc, StopIterationType) {
			ts.decref(exc)
			return nil
		}
		return &Raised{Exc: exc}
	}
	ts.decref(res)
	if g.state != genCompleted {
		return ts.Errorf(RuntimeErrorType, "generator ignored GeneratorExit")
	}
	return nil
}

// stopIteration turns a generator's return value (consumed) into the
// StopIteration its Python-level caller sees.
func (ts *ThreadState) stopIteration(g *Generator, value *Object) error {
	if err := ts.fire(EventStopIteration, g.frame, value); err != nil {
		ts.decref(value)
		return err
	}
	exc, err := ts.NewException(StopIterationType, value)
	ts.decref(value)
	if err != nil {
		return err
	}
	return &Raised{Exc: exc}
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

func genSendMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) != 1 || kwnames != nil {
		return nil, ts.Errorf(TypeErrorType, "generator.send() takes exactly one argument (%d given)", len(args))
	}
	res, done, err := ts.genSend(self, args[0])
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ts.stopIteration(self.val.(*Generator), res)
	}
	return res, nil
}

func genNextMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) != 0 {
		return nil, ts.Errorf(TypeErrorType, "expected 0 arguments, got %d", len(args))
	}
	res, done, err := ts.genSend(self, None)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ts.stopIteration(self.val.(*Generator), res)
	}
	return res, nil
}

func genThrowMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if len(args) < 1 || len(args) > 3 || kwnames != nil {
		return nil, ts.Errorf(TypeErrorType, "throw expected at least 1 argument, got %d", len(args))
	}
	typ := args[0]
	var exc *Object
	var err error
	if t, ok := AsType(typ); ok && IsSubtype(t, BaseExceptionType) && len(args) > 1 && args[1] != None {
		if IsInstance(args[1], t) {
			exc = ts.NewRef(args[1])
		} else {
			exc, err = ts.Call(typ, args[1])
		}
	} else {
		exc, err = ts.exceptionInstance(typ, fmt.Sprintf(
			"exceptions must be classes or instances deriving from BaseException, not %s", typ.typ.Name))
	}
	if err != nil {
		return nil, err
	}
	if len(args) == 3 && args[2] != None {
		if err := ts.SetAttr(exc, Intern("__traceback__"), args[2]); err != nil {
			ts.decref(exc)
			return nil, ts.Errorf(TypeErrorType, "throw() third argument must be a traceback object")
		}
	}
	res, done, err := ts.genThrow(self, exc)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ts.stopIteration(self.val.(*Generator), res)
	}
	return res, nil
}

func genCloseMethod(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
	if err := ts.genClose(self); err != nil {
		return nil, err
	}
	return None, nil
}
