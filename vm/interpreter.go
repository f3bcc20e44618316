package vm

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tycore.vm")

// Options configure an interpreter.
type Options struct {
	// RecursionLimit bounds the depth of Python frames per thread.
	RecursionLimit int
	// DataStackSlots is the capacity of each thread's frame arena.
	DataStackSlots int
	// NativeStackLimit is the native stack budget in bytes; zero derives
	// it from RLIMIT_STACK.
	NativeStackLimit int
	// FreeThreaded selects the split-refcount regime with no global lock.
	FreeThreaded bool
	// SwitchInterval is the number of safe points between GIL hand-offs.
	SwitchInterval int
	// MaxObjects caps live heap objects; zero is unlimited.
	MaxObjects int64
	// Stdout receives the output of print.
	Stdout io.Writer
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		RecursionLimit: 1000,
		DataStackSlots: 1 << 16,
		SwitchInterval: 100,
		Stdout:         os.Stdout,
	}
}

// FatalError is the panic payload of the default fatal handler.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string { return "Fatal Python error: " + e.Message }

// Interpreter is one isolated runtime: its threads, builtins, monitoring
// registry and allocation accounting.
type Interpreter struct {
	log commonlog.Logger

	freeThreaded     bool
	maxObjects       int64
	dataStackSlots   int
	nativeStackLimit int
	switchInterval   int
	stdout           io.Writer
	stdoutMu         sync.Mutex

	live atomic.Int64

	mu             sync.Mutex
	threads        map[uint64]*ThreadState
	nextID         uint64
	main           *ThreadState
	recursionLimit int

	stw stopTheWorld
	gil gil

	deferredMu sync.Mutex
	deferred   []*Object

	trackedMu sync.Mutex
	tracked   map[*Object]struct{}

	builtins   *Object
	monitoring *Monitoring

	fatalMu sync.Mutex
	fatal   func(msg string)
}

// New creates an interpreter and its main thread, which is returned
// attached.
func New(opts Options) (*Interpreter, error) {
	def := DefaultOptions()
	if opts.RecursionLimit <= 0 {
		opts.RecursionLimit = def.RecursionLimit
	}
	if opts.DataStackSlots <= 0 {
		opts.DataStackSlots = def.DataStackSlots
	}
	if opts.SwitchInterval <= 0 {
		opts.SwitchInterval = def.SwitchInterval
	}
	if opts.Stdout == nil {
		opts.Stdout = def.Stdout
	}
	if opts.MaxObjects < 0 {
		return nil, fmt.Errorf("vm: negative object budget %d", opts.MaxObjects)
	}
	in := &Interpreter{
		log:              log,
		freeThreaded:     opts.FreeThreaded,
		maxObjects:       opts.MaxObjects,
		dataStackSlots:   opts.DataStackSlots,
		nativeStackLimit: opts.NativeStackLimit,
		switchInterval:   opts.SwitchInterval,
		stdout:           opts.Stdout,
		threads:          map[uint64]*ThreadState{},
		recursionLimit:   opts.RecursionLimit,
		tracked:          map[*Object]struct{}{},
	}
	in.stw.init()
	in.gil.init()
	in.monitoring = newMonitoring()
	in.main = in.NewThread()
	in.main.main = true
	in.main.Attach()
	b, err := in.main.newBuiltins()
	if err != nil {
		return nil, fmt.Errorf("vm: creating builtins: %w", err)
	}
	in.builtins = b
	mode := "GIL"
	if in.freeThreaded {
		mode = "free-threaded"
	}
	in.log.Infof("interpreter started (%s, recursion limit %d, %d data-stack slots)", mode, in.recursionLimit, in.dataStackSlots)
	return in, nil
}

// MainThread returns the thread created by New.
func (in *Interpreter) MainThread() *ThreadState { return in.main }

// FreeThreaded reports the refcount regime.
func (in *Interpreter) FreeThreaded() bool { return in.freeThreaded }

// Builtins returns the builtins dict (borrowed).
func (in *Interpreter) Builtins() *Object { return in.builtins }

// Monitoring returns the event registry.
func (in *Interpreter) Monitoring() *Monitoring { return in.monitoring }

// LiveObjects returns the number of mortal objects not yet freed.
func (in *Interpreter) LiveObjects() int64 { return in.live.Load() }

// NewThread creates a detached thread state. Attach it before running
// code and Close it when done.
func (in *Interpreter) NewThread() *ThreadState {
	in.mu.Lock()
	in.nextID++
	id := in.nextID
	ts := &ThreadState{
		id:                   id,
		interp:               in,
		log:                  commonlog.NewKeyValueLogger(in.log, "thread", id),
		stack:                newDataStack(in.dataStackSlots),
		pyRecursionLimit:     in.recursionLimit,
		pyRecursionRemaining: in.recursionLimit,
	}
	ts.excInfo = &ts.baseExcInfo
	ts.native.setLimits(in.nativeStackLimit)
	in.threads[id] = ts
	in.mu.Unlock()
	ts.log.Debugf("thread created (native stack %s)", ts.native)
	return ts
}

func (in *Interpreter) removeThread(ts *ThreadState) {
	in.mu.Lock()
	delete(in.threads, ts.id)
	in.mu.Unlock()
	ts.log.Debugf("thread removed")
}

// threadByID finds a live thread, or nil.
func (in *Interpreter) threadByID(id uint64) *ThreadState {
	if id == noOwner {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.threads[id]
}

// Threads returns a snapshot of the registered threads.
func (in *Interpreter) Threads() []*ThreadState {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*ThreadState, 0, len(in.threads))
	for _, t := range in.threads {
		out = append(out, t)
	}
	return out
}

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

// SetFatalHandler replaces the handler invoked for unrecoverable errors.
// The default panics with a *FatalError. A handler that returns lets the
// runtime continue with an exception instead.
func (in *Interpreter) SetFatalHandler(h func(msg string)) {
	in.fatalMu.Lock()
	in.fatal = h
	in.fatalMu.Unlock()
}

func (in *Interpreter) fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	in.fatalMu.Lock()
	h := in.fatal
	in.fatalMu.Unlock()
	in.log.Criticalf("fatal: %s", msg)
	if h != nil {
		h(msg)
		return
	}
	panic(&FatalError{Message: msg})
}

// ---------------------------------------------------------------------------
// Collector hooks
// ---------------------------------------------------------------------------

func (in *Interpreter) gcTrack(o *Object) {
	in.trackedMu.Lock()
	in.tracked[o] = struct{}{}
	in.trackedMu.Unlock()
}

func (in *Interpreter) gcUntrack(o *Object) {
	in.trackedMu.Lock()
	delete(in.tracked, o)
	in.trackedMu.Unlock()
}

// Tracked returns a snapshot of the container objects registered with the
// collector hooks, for use with Traverse.
func (in *Interpreter) Tracked() []*Object {
	in.trackedMu.Lock()
	defer in.trackedMu.Unlock()
	out := make([]*Object, 0, len(in.tracked))
	for o := range in.tracked {
		out = append(out, o)
	}
	return out
}

// Traverse reports every object o references to visit, through the type's
// traversal hook.
func Traverse(o *Object, visit VisitFunc) int {
	if o.typ.traverse == nil {
		return 0
	}
	return o.typ.traverse(o, visit)
}

// ---------------------------------------------------------------------------
// Introspection across threads
// ---------------------------------------------------------------------------

// CurrentFrames returns each thread's innermost complete frame, sampled
// while the world is stopped.
func (in *Interpreter) CurrentFrames(ts *ThreadState) map[uint64]*Frame {
	in.StopTheWorld(ts)
	defer in.StartTheWorld(ts)
	out := map[uint64]*Frame{}
	for _, t := range in.Threads() {
		if f := GetFirstComplete(t.current.Load()); f != nil {
			out[t.id] = f
		}
	}
	return out
}

// RequestInterrupt raises KeyboardInterrupt in the main thread at its next
// safe point.
func (in *Interpreter) RequestInterrupt() {
	if in.main != nil {
		in.main.breaker.Or(breakerInterrupt)
	}
}

// ---------------------------------------------------------------------------
// Deferred reference counting
// ---------------------------------------------------------------------------

// ReconcileDeferred drops the base reference of every deferred-refcount
// object that nothing but that base reference keeps alive. Stack slots may
// borrow deferred objects without counting, so every thread's data stack
// and every heap frame is scanned first. It returns the number of objects
// released. It is a no-op under the global lock.
func (in *Interpreter) ReconcileDeferred(ts *ThreadState) int {
	if !in.freeThreaded {
		return 0
	}
	in.StopTheWorld(ts)
	defer in.StartTheWorld(ts)

	inUse := map[*Object]bool{}
	mark := func(r StackRef) {
		if r.obj != nil {
			inUse[r.obj] = true
		}
	}
	for _, t := range in.Threads() {
		for _, r := range t.stack.window() {
			mark(r)
		}
	}
	for _, o := range in.Tracked() {
		var f *Frame
		switch p := o.val.(type) {
		case *Generator:
			f = p.frame
		case *FrameObject:
			f = p.frame
		}
		if f == nil || f.localsplus == nil {
			continue
		}
		mark(f.funcobj)
		for i := 0; i < f.stackPointer; i++ {
			mark(f.localsplus[i])
		}
	}

	in.deferredMu.Lock()
	pending := in.deferred
	in.deferred = nil
	in.deferredMu.Unlock()

	var keep []*Object
	released := 0
	for _, o := range pending {
		if Refcnt(o) > 1 || inUse[o] {
			keep = append(keep, o)
			continue
		}
		o.flags.And(^flagDeferred)
		ts.decref(o)
		released++
	}
	in.deferredMu.Lock()
	in.deferred = append(in.deferred, keep...)
	in.deferredMu.Unlock()
	if released > 0 {
		ts.log.Debugf("reconciled %d deferred objects", released)
	}
	return released
}

// ---------------------------------------------------------------------------
// Running code and shutdown
// ---------------------------------------------------------------------------

// RunCode executes a module-level code object with globals as both its
// globals and its locals, returning a new reference to the result.
func (ts *ThreadState) RunCode(code *Code, globals *Object) (*Object, error) {
	if DictOf(globals) == nil {
		return nil, fmt.Errorf("vm: RunCode needs a globals dict, got %s", globals.typ.Name)
	}
	if _, ok := DictOf(globals).GetStr(ts, "__builtins__"); !ok {
		if err := DictOf(globals).SetItem(ts, Intern("__builtins__"), ts.interp.builtins); err != nil {
			return nil, err
		}
	}
	fn, err := ts.NewFunction(code, globals)
	if err != nil {
		return nil, err
	}
	f, err := ts.PushAndInit(FromObjectSteal(fn), ts.NewRef(globals), nil, 0, nil, ts.current.Load())
	if err != nil {
		return nil, err
	}
	return ts.evalFrame(f, nil)
}

// Finalize closes every remaining thread and releases the builtins.
func (in *Interpreter) Finalize() {
	ts := in.main
	for _, t := range in.Threads() {
		if t != ts {
			t.Close()
		}
	}
	if ts.closed {
		return
	}
	if !ts.Attached() {
		ts.Attach()
	}
	if in.freeThreaded {
		in.ReconcileDeferred(ts)
	}
	b := in.builtins
	in.builtins = nil
	ts.xdecref(b)
	ts.Close()
	in.log.Infof("interpreter finalized (%d live objects)", in.live.Load())
}
