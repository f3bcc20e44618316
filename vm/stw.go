package vm

import "sync"

// stopTheWorld coordinates global pauses. A requester flags every other
// attached thread and waits until each has parked at a safe point or
// detached.
type stopTheWorld struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	requester *ThreadState
	depth     int
}

func (s *stopTheWorld) init() {
	s.cond = sync.NewCond(&s.mu)
}

// StopTheWorld pauses every other thread of the interpreter. The calling
// thread must be attached. Calls nest. Under the global lock the caller
// already excludes every other thread, so only the bookkeeping is done.
func (in *Interpreter) StopTheWorld(ts *ThreadState) {
	s := &in.stw
	s.mu.Lock()
	if s.requested && s.requester == ts {
		s.depth++
		s.mu.Unlock()
		return
	}
	for s.requested {
		s.cond.Wait()
	}
	s.requested = true
	s.requester = ts
	s.depth = 1
	if !in.freeThreaded {
		s.mu.Unlock()
		return
	}
	in.mu.Lock()
	others := make([]*ThreadState, 0, len(in.threads))
	for _, t := range in.threads {
		if t != ts {
			others = append(others, t)
		}
	}
	in.mu.Unlock()
	for _, t := range others {
		t.breaker.Or(breakerSTW)
	}
	for {
		running := 0
		for _, t := range others {
			if t.status.Load() == threadAttached {
				running++
			}
		}
		if running == 0 {
			break
		}
		s.cond.Wait()
	}
	s.mu.Unlock()
	ts.log.Debugf("world stopped (%d other threads)", len(others))
}

// StartTheWorld releases the threads paused by StopTheWorld.
func (in *Interpreter) StartTheWorld(ts *ThreadState) {
	s := &in.stw
	s.mu.Lock()
	if !s.requested || s.requester != ts {
		s.mu.Unlock()
		panic("StartTheWorld: world was not stopped by this thread")
	}
	s.depth--
	if s.depth > 0 {
		s.mu.Unlock()
		return
	}
	s.requested = false
	s.requester = nil
	in.mu.Lock()
	for _, t := range in.threads {
		t.breaker.And(^breakerSTW)
	}
	in.mu.Unlock()
	s.cond.Broadcast()
	s.mu.Unlock()
	ts.log.Debugf("world started")
}

// park suspends the thread until the pause it was flagged for is over.
func (ts *ThreadState) park() {
	s := &ts.interp.stw
	s.mu.Lock()
	if !s.requested || s.requester == ts {
		ts.breaker.And(^breakerSTW)
		s.mu.Unlock()
		return
	}
	ts.status.Store(threadSuspended)
	s.cond.Broadcast()
	for s.requested && s.requester != ts {
		s.cond.Wait()
	}
	ts.status.Store(threadAttached)
	s.mu.Unlock()
}
