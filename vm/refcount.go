package vm

import (
	"sync"
	"sync/atomic"
)

// refcount is the intrusive reference count carried by every object.
//
// Under the global lock only local is used. In free-threaded mode the
// owning thread mutates local without atomics and every other thread goes
// through shared, which packs a count and two flag bits:
//
//	shared = count<<sharedShift | flag
//
// flag is 0 (normal), sharedQueued (the object sits in its owner's merge
// queue) or sharedMerged (the local part has been folded in and the object
// no longer has an owner). The shared count may go negative while the
// object is queued; the owner's merge reconciles it.
type refcount struct {
	local  int64
	owner  atomic.Uint64
	shared atomic.Int64
}

const (
	sharedShift        = 2
	sharedFlagMask     = int64(3)
	sharedQueued       = int64(2)
	sharedMerged       = int64(3)
	sharedOne          = int64(1) << sharedShift
	noOwner     uint64 = 0
)

func (ts *ThreadState) initRefcount(o *Object) {
	o.rc.local = 1
	if ts.interp.freeThreaded {
		o.rc.owner.Store(ts.id)
	}
}

// Refcnt returns the object's current reference count. In free-threaded
// mode the value is a racy snapshot.
func Refcnt(o *Object) int64 {
	return o.rc.local + o.rc.shared.Load()>>sharedShift
}

func (ts *ThreadState) incref(o *Object) {
	if o.IsImmortal() {
		return
	}
	if !ts.interp.freeThreaded {
		o.rc.local++
		return
	}
	if o.rc.owner.Load() == ts.id {
		o.rc.local++
		return
	}
	o.rc.shared.Add(sharedOne)
}

func (ts *ThreadState) decref(o *Object) {
	if o.IsImmortal() {
		return
	}
	if o.freed() {
		ts.interp.fatalf("decref of freed %s object", o.typ.Name)
		return
	}
	if !ts.interp.freeThreaded {
		o.rc.local--
		switch {
		case o.rc.local == 0:
			ts.dealloc(o)
		case o.rc.local < 0:
			ts.interp.fatalf("negative refcount on %s object", o.typ.Name)
		}
		return
	}
	if o.rc.owner.Load() == ts.id {
		o.rc.local--
		if o.rc.local == 0 {
			ts.mergeZeroLocal(o)
		}
		return
	}
	ts.decrefShared(o)
}

// xdecref tolerates nil.
func (ts *ThreadState) xdecref(o *Object) {
	if o != nil {
		ts.decref(o)
	}
}

// NewRef increments o's count and returns it.
func (ts *ThreadState) NewRef(o *Object) *Object {
	ts.incref(o)
	return o
}

// Incref and Decref expose the refcount primitives to embedders and
// builtin implementations.
func (ts *ThreadState) Incref(o *Object) { ts.incref(o) }

func (ts *ThreadState) Decref(o *Object) { ts.decref(o) }

// mergeZeroLocal runs on the owner when its local count reaches zero. The
// object becomes ownerless and from then on lives purely on the shared count.
func (ts *ThreadState) mergeZeroLocal(o *Object) {
	shared := o.rc.shared.Load()
	if shared == 0 {
		ts.dealloc(o)
		return
	}
	o.rc.owner.Store(noOwner)
	var next int64
	for {
		next = shared&^sharedFlagMask | sharedMerged
		if o.rc.shared.CompareAndSwap(shared, next) {
			break
		}
		shared = o.rc.shared.Load()
	}
	if next == sharedMerged {
		ts.dealloc(o)
	}
}

// decrefShared is the non-owner decrement. When the shared count would go
// negative the decrement is handed to the owner instead.
func (ts *ThreadState) decrefShared(o *Object) {
	var shouldQueue bool
	var next int64
	shared := o.rc.shared.Load()
	for {
		shouldQueue = shared == 0
		if shouldQueue {
			next = sharedQueued
		} else {
			next = shared - sharedOne
		}
		if o.rc.shared.CompareAndSwap(shared, next) {
			break
		}
		shared = o.rc.shared.Load()
	}
	switch {
	case shouldQueue:
		ts.queueForOwner(o)
	case next == sharedMerged:
		ts.dealloc(o)
	}
}

// explicitMerge folds the local count into the shared count, applying
// extra, and returns the resulting total.
func explicitMerge(o *Object, extra int64) int64 {
	shared := o.rc.shared.Load()
	for {
		count := o.rc.local + shared>>sharedShift + extra
		next := count<<sharedShift | sharedMerged
		if o.rc.shared.CompareAndSwap(shared, next) {
			o.rc.local = 0
			o.rc.owner.Store(noOwner)
			return count
		}
		shared = o.rc.shared.Load()
	}
}

// ---------------------------------------------------------------------------
// Biased refcount merge queue
// ---------------------------------------------------------------------------

// mergeQueue holds objects whose shared count went negative and that must
// be merged by their owning thread.
type mergeQueue struct {
	mu     sync.Mutex
	objs   []*Object
	closed bool
}

func (ts *ThreadState) queueForOwner(o *Object) {
	owner := ts.interp.threadByID(o.rc.owner.Load())
	if owner != nil {
		owner.brc.mu.Lock()
		if !owner.brc.closed {
			owner.brc.objs = append(owner.brc.objs, o)
			owner.brc.mu.Unlock()
			owner.breaker.Or(breakerMergeRefcounts)
			return
		}
		owner.brc.mu.Unlock()
	}
	// The owner is gone: merge here.
	if explicitMerge(o, -1) == 0 {
		ts.dealloc(o)
	}
}

// mergeQueued drains the thread's merge queue. Called at safe points and
// when the thread closes.
func (ts *ThreadState) mergeQueued() {
	ts.brc.mu.Lock()
	objs := ts.brc.objs
	ts.brc.objs = nil
	ts.brc.mu.Unlock()
	if len(objs) > 0 {
		ts.log.Debugf("merging %d queued refcounts", len(objs))
	}
	for _, o := range objs {
		if explicitMerge(o, -1) == 0 {
			ts.dealloc(o)
		}
	}
}

// ---------------------------------------------------------------------------
// Deferred reference counting
// ---------------------------------------------------------------------------

// setDeferredRefcount marks o as deferred. In free-threaded mode the object
// receives a base reference that only ReconcileDeferred gives up, so stack
// references may skip counting. It is a no-op under the global lock.
func (ts *ThreadState) setDeferredRefcount(o *Object) {
	if !ts.interp.freeThreaded || o.IsImmortal() {
		return
	}
	o.flags.Or(flagDeferred)
	ts.incref(o)
	ts.interp.deferredMu.Lock()
	ts.interp.deferred = append(ts.interp.deferred, o)
	ts.interp.deferredMu.Unlock()
}
