package vm

import "sync"

// gil is the global interpreter lock used when the interpreter is not
// free-threaded. A holder that sees waiters at a safe point hands the lock
// over and waits until another thread has actually taken it.
type gil struct {
	mu      sync.Mutex
	cond    *sync.Cond
	locked  bool
	holder  *ThreadState
	waiting int
	// switches counts acquisitions; a yielding holder waits for it to move.
	switches uint64
}

func (g *gil) init() {
	g.cond = sync.NewCond(&g.mu)
}

func (g *gil) acquire(ts *ThreadState) {
	g.mu.Lock()
	g.waiting++
	for g.locked {
		g.cond.Wait()
	}
	g.waiting--
	g.locked = true
	g.holder = ts
	g.switches++
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *gil) release(ts *ThreadState) {
	g.mu.Lock()
	if g.holder != ts {
		g.mu.Unlock()
		panic("gil: released by a thread that does not hold it")
	}
	g.locked = false
	g.holder = nil
	g.cond.Broadcast()
	g.mu.Unlock()
}

// yield hands the lock to a waiting thread, if any, and reacquires it.
func (g *gil) yield(ts *ThreadState) {
	g.mu.Lock()
	if g.waiting == 0 || g.holder != ts {
		g.mu.Unlock()
		return
	}
	seen := g.switches
	g.locked = false
	g.holder = nil
	g.cond.Broadcast()
	for g.switches == seen {
		g.cond.Wait()
	}
	g.waiting++
	for g.locked {
		g.cond.Wait()
	}
	g.waiting--
	g.locked = true
	g.holder = ts
	g.switches++
	g.mu.Unlock()
	ts.log.Debugf("reacquired the GIL after hand-off")
}

// Holder returns the thread holding the lock, or nil.
func (g *gil) Holder() *ThreadState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
