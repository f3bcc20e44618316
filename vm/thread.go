package vm

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// Thread attachment states.
const (
	threadDetached int32 = iota
	threadAttached
	threadSuspended
)

// Breaker bits: work to do at the next safe point.
const (
	breakerMergeRefcounts uint32 = 1 << iota
	breakerSTW
	breakerInterrupt
)

// excStackItem is one level of "exception currently being handled". Each
// running generator contributes a level.
type excStackItem struct {
	value    *Object // owned; nil when nothing is being handled
	previous *excStackItem
}

// ThreadState is the per-thread interpreter state: the data stack, the
// frame chain, the handled-exception stack and the recursion counters.
// A ThreadState is used by one goroutine at a time.
type ThreadState struct {
	id     uint64
	interp *Interpreter
	log    commonlog.Logger

	brc     mergeQueue
	breaker atomic.Uint32
	status  atomic.Int32

	stack   *DataStack
	current atomic.Pointer[Frame]

	excInfo     *excStackItem
	baseExcInfo excStackItem

	pyRecursionRemaining int
	pyRecursionLimit     int
	recursionHeadroom    int
	native               nativeStack

	ticks  int
	main   bool
	closed bool
}

// ID returns the thread's identifier.
func (ts *ThreadState) ID() uint64 { return ts.id }

// Interpreter returns the owning interpreter.
func (ts *ThreadState) Interpreter() *Interpreter { return ts.interp }

// DataStack exposes the thread's frame arena.
func (ts *ThreadState) DataStack() *DataStack { return ts.stack }

// CurrentFrame returns the innermost complete frame, or nil.
func (ts *ThreadState) CurrentFrame() *Frame {
	return GetFirstComplete(ts.current.Load())
}

func (ts *ThreadState) setCurrent(f *Frame) { ts.current.Store(f) }

// RecursionRemaining returns how many more Python frames may be entered.
func (ts *ThreadState) RecursionRemaining() int { return ts.pyRecursionRemaining }

// Attached reports whether the thread may run bytecode.
func (ts *ThreadState) Attached() bool { return ts.status.Load() == threadAttached }

// Attach makes the thread eligible to run bytecode. Under the global lock
// it acquires the lock; in free-threaded mode it waits out any
// stop-the-world pause.
func (ts *ThreadState) Attach() {
	if ts.closed {
		panic("Attach: thread state is closed")
	}
	in := ts.interp
	if !in.freeThreaded {
		in.gil.acquire(ts)
		ts.status.Store(threadAttached)
		ts.log.Debugf("attached")
		return
	}
	in.stw.mu.Lock()
	for in.stw.requested && in.stw.requester != ts {
		in.stw.cond.Wait()
	}
	ts.status.Store(threadAttached)
	in.stw.mu.Unlock()
	ts.log.Debugf("attached")
}

// Detach gives up the right to run bytecode, for example around a
// blocking operation.
func (ts *ThreadState) Detach() {
	in := ts.interp
	in.stw.mu.Lock()
	ts.status.Store(threadDetached)
	in.stw.cond.Broadcast()
	in.stw.mu.Unlock()
	if !in.freeThreaded {
		in.gil.release(ts)
	}
	ts.log.Debugf("detached")
}

// Close detaches the thread, drains its refcount merge queue and
// unregisters it. The thread must have no frames left.
func (ts *ThreadState) Close() {
	if ts.closed {
		return
	}
	if f := ts.current.Load(); f != nil {
		ts.log.Warningf("closing thread with live frame %s", f.code.QualName)
	}
	ts.clearExcInfo()
	ts.brc.mu.Lock()
	ts.brc.closed = true
	ts.brc.mu.Unlock()
	ts.mergeQueued()
	if ts.Attached() {
		ts.Detach()
	}
	ts.interp.removeThread(ts)
	ts.closed = true
}

func (ts *ThreadState) clearExcInfo() {
	v := ts.baseExcInfo.value
	ts.baseExcInfo.value = nil
	ts.xdecref(v)
}

// topmostException returns the exception being handled (borrowed), or nil.
func (ts *ThreadState) topmostException() *Object {
	for item := ts.excInfo; item != nil; item = item.previous {
		if item.value != nil && item.value != None {
			return item.value
		}
	}
	return nil
}

// HandledException returns a new reference to the exception currently
// being handled, or nil.
func (ts *ThreadState) HandledException() *Object {
	if exc := ts.topmostException(); exc != nil {
		return ts.NewRef(exc)
	}
	return nil
}

// setHandledException replaces the innermost handled exception with a new
// reference to exc (nil or None clears it).
func (ts *ThreadState) setHandledException(exc *Object) {
	if exc == None {
		exc = nil
	}
	if exc != nil {
		ts.incref(exc)
	}
	old := ts.excInfo.value
	ts.excInfo.value = exc
	ts.xdecref(old)
}

// ---------------------------------------------------------------------------
// Safe points
// ---------------------------------------------------------------------------

// safePoint runs the work requested through the breaker: refcount merges,
// stop-the-world parking, pending interrupts and GIL hand-off.
func (ts *ThreadState) safePoint() error {
	in := ts.interp
	if !in.freeThreaded {
		ts.ticks++
		if ts.ticks >= in.switchInterval {
			ts.ticks = 0
			in.gil.yield(ts)
		}
	}
	bits := ts.breaker.Load()
	if bits == 0 {
		return nil
	}
	if bits&breakerMergeRefcounts != 0 {
		ts.breaker.And(^breakerMergeRefcounts)
		ts.mergeQueued()
	}
	if bits&breakerSTW != 0 {
		ts.park()
	}
	if bits&breakerInterrupt != 0 {
		ts.breaker.And(^breakerInterrupt)
		exc, err := ts.NewException(KeyboardInterruptType)
		if err != nil {
			return err
		}
		return &Raised{Exc: exc}
	}
	return nil
}
