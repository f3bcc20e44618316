package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// sumFunc builds total() = sum(range(10)) with a loop, so that the body
// passes through safe points.
func sumFunc(t *testing.T, ts *ThreadState, g *Object) *Object {
	t.Helper()
	b := NewCodeBuilder("total")
	total := b.Local("total")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_SMALL, 0)
	b.Emit(OpSTORE_FAST, total)
	b.Emit(OpLOAD_GLOBAL, b.AddName("range")<<1|1)
	b.Emit(OpLOAD_SMALL, 10)
	b.Emit(OpCALL, 1)
	b.Emit(OpGET_ITER, 0)
	loop, done := b.NewLabel(), b.NewLabel()
	b.Mark(loop)
	b.EmitJump(OpFOR_ITER, done)
	b.Emit(OpLOAD_FAST, total)
	b.Emit(OpSWAP, 2)
	b.Emit(OpBINARY_OP, BinaryAdd)
	b.Emit(OpSTORE_FAST, total)
	b.EmitJump(OpJUMP_BACKWARD, loop)
	b.Mark(done)
	b.Emit(OpLOAD_FAST, total)
	b.Emit(OpRETURN_VALUE, 0)
	return newFunc(t, ts, mustBuild(t, b), g)
}

// onThread runs fn on a fresh attached thread state.
func onThread(in *Interpreter, fn func(ts *ThreadState) error) error {
	ts := in.NewThread()
	ts.Attach()
	defer ts.Close()
	return fn(ts)
}

func TestThreadsUnderGIL(t *testing.T) {
	in, main, _ := newTestInterp(t, func(o *Options) { o.SwitchInterval = 1 })
	g := newGlobals(t, main)
	defer main.decref(g)
	fn := sumFunc(t, main, g)
	defer main.decref(fn)

	main.Detach()
	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			return onThread(in, func(ts *ThreadState) error {
				for j := 0; j < 20; j++ {
					if holder := in.gil.Holder(); holder != ts {
						return fmt.Errorf("thread %d runs without holding the GIL", ts.ID())
					}
					res, err := ts.Call(fn)
					if err != nil {
						return err
					}
					v, _ := IntValue(res)
					ts.decref(res)
					if v != 45 {
						return fmt.Errorf("thread %d: total() = %d", ts.ID(), v)
					}
				}
				return nil
			})
		})
	}
	err := eg.Wait()
	main.Attach()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(in.Threads()); n != 1 {
		t.Errorf("%d threads registered after the workers closed, want 1", n)
	}
}

func TestFreeThreadedSharedRefcounts(t *testing.T) {
	in, main, _ := newTestInterp(t, freeThreaded)
	s, err := main.NewStr("shared")
	if err != nil {
		t.Fatal(err)
	}

	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			return onThread(in, func(ts *ThreadState) error {
				for j := 0; j < 100; j++ {
					ts.incref(s)
				}
				for j := 0; j < 100; j++ {
					ts.decref(s)
				}
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := Refcnt(s); got != 1 {
		t.Errorf("refcount after balanced cross-thread traffic = %d, want 1", got)
	}
	main.decref(s)
}

func TestFreeThreadedQueuedDecref(t *testing.T) {
	in, main, _ := newTestInterp(t, freeThreaded)
	baseline := in.LiveObjects()
	s, err := main.NewStr("handed off")
	if err != nil {
		t.Fatal(err)
	}
	main.incref(s)

	// A non-owner drop on an object with no shared count is queued for the
	// owner.
	if err := onThread(in, func(ts *ThreadState) error {
		ts.decref(s)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got := Refcnt(s); got != 2 {
		t.Errorf("refcount before merge = %d, want 2", got)
	}
	main.mergeQueued()
	if got := Refcnt(s); got != 1 {
		t.Errorf("refcount after merge = %d, want 1", got)
	}
	main.decref(s)
	if got := in.LiveObjects(); got != baseline {
		t.Errorf("live objects = %d, want %d", got, baseline)
	}
}

func TestStopTheWorld(t *testing.T) {
	in, main, _ := newTestInterp(t, freeThreaded)
	g := newGlobals(t, main)
	defer main.decref(g)

	var ready sync.WaitGroup
	var running atomic.Bool
	running.Store(true)
	builtins := map[string]*Object{
		"ready": NewBuiltin("ready", func(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
			ready.Done()
			return None, nil
		}),
		"keep_going": NewBuiltin("keep_going", func(ts *ThreadState, self *Object, args []*Object, kwnames *Object) (*Object, error) {
			return Bool(running.Load()), nil
		}),
	}
	for name, fn := range builtins {
		if err := DictOf(g).SetItem(main, Intern(name), fn); err != nil {
			t.Fatal(err)
		}
	}

	// def spin():
	//     ready()
	//     while keep_going(): pass
	b := NewCodeBuilder("spin")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_GLOBAL, b.AddName("ready")<<1|1)
	b.Emit(OpCALL, 0)
	b.Emit(OpPOP_TOP, 0)
	loop, done := b.NewLabel(), b.NewLabel()
	b.Mark(loop)
	b.Emit(OpLOAD_GLOBAL, b.AddName("keep_going")<<1|1)
	b.Emit(OpCALL, 0)
	b.EmitJump(OpPOP_JUMP_IF_FALSE, done)
	b.EmitJump(OpJUMP_BACKWARD, loop)
	b.Mark(done)
	b.Emit(OpLOAD_CONST, b.Const(None))
	b.Emit(OpRETURN_VALUE, 0)
	spin := newFunc(t, main, mustBuild(t, b), g)
	defer main.decref(spin)

	const workers = 3
	ready.Add(workers)
	ids := make(chan uint64, workers)
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			return onThread(in, func(ts *ThreadState) error {
				ids <- ts.ID()
				res, err := ts.Call(spin)
				if err != nil {
					return err
				}
				ts.decref(res)
				return nil
			})
		})
	}
	ready.Wait()

	in.StopTheWorld(main)
	for _, th := range in.Threads() {
		if th != main && th.Attached() {
			t.Errorf("thread %d is still attached while the world is stopped", th.ID())
		}
	}
	sampled := map[uint64]string{}
	for id, f := range in.CurrentFrames(main) {
		sampled[id] = f.Code().Name
	}
	in.StartTheWorld(main)

	running.Store(false)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	close(ids)
	for id := range ids {
		if name := sampled[id]; name != "spin" {
			t.Errorf("thread %d sampled in %q, want spin", id, name)
		}
	}
	if _, ok := sampled[main.ID()]; ok {
		t.Error("the idle main thread should have no frame")
	}
}

func TestStartTheWorldWithoutStopPanics(t *testing.T) {
	in, main, _ := newTestInterp(t)
	defer func() {
		if recover() == nil {
			t.Error("StartTheWorld without a matching stop should panic")
		}
	}()
	in.StartTheWorld(main)
}

func TestReconcileDeferred(t *testing.T) {
	in, main, _ := newTestInterp(t, freeThreaded)
	g := newGlobals(t, main)
	defer main.decref(g)

	b := NewCodeBuilder("noop")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_CONST, b.Const(None))
	b.Emit(OpRETURN_VALUE, 0)
	code := mustBuild(t, b)

	baseline := in.LiveObjects()
	dropped := newFunc(t, main, code, g)
	kept := newFunc(t, main, code, g)
	main.decref(dropped)
	main.decref(kept)
	// An outside reference keeps kept alive through reconciliation.
	main.incref(kept)

	if n := in.ReconcileDeferred(main); n != 1 {
		t.Errorf("first reconcile released %d objects, want 1", n)
	}
	if got := Refcnt(kept); got != 2 {
		t.Errorf("kept refcount = %d, want 2", got)
	}
	main.decref(kept)
	if n := in.ReconcileDeferred(main); n != 1 {
		t.Errorf("second reconcile released %d objects, want 1", n)
	}
	if got := in.LiveObjects(); got != baseline {
		t.Errorf("live objects = %d, want %d", got, baseline)
	}
}

func TestReconcileDeferredUnderGIL(t *testing.T) {
	in, main, _ := newTestInterp(t)
	if n := in.ReconcileDeferred(main); n != 0 {
		t.Errorf("ReconcileDeferred under the GIL released %d objects", n)
	}
}

func TestSetRecursionLimitAcrossThreads(t *testing.T) {
	in, main, _ := newTestInterp(t)
	other := in.NewThread()
	defer other.Close()

	if err := in.SetRecursionLimit(main, 30); err != nil {
		t.Fatal(err)
	}
	if in.RecursionLimit() != 30 {
		t.Errorf("RecursionLimit() = %d", in.RecursionLimit())
	}
	for _, th := range []*ThreadState{main, other} {
		if got := th.RecursionRemaining(); got != 30 {
			t.Errorf("thread %d remaining budget = %d, want 30", th.ID(), got)
		}
	}
	late := in.NewThread()
	defer late.Close()
	if got := late.RecursionRemaining(); got != 30 {
		t.Errorf("new thread budget = %d, want 30", got)
	}
}
