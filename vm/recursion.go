package vm

import "fmt"

// Go grows goroutine stacks on demand, so native stack use is accounted
// rather than measured: every Go-level entry into the eval loop charges
// nativeEntryBytes against a budget derived from the OS stack limit.
const (
	nativeEntryBytes = 8 << 10
	stackMarginBytes = 16 << 10
	defaultStackSize = 8 << 20
)

// nativeStack is the per-thread accounting of Go-level eval entries.
type nativeStack struct {
	used      int
	size      int
	softLimit int
	hardLimit int
}

// setLimits fixes the soft and hard limits once per thread. A size of
// zero asks the OS.
func (n *nativeStack) setLimits(size int) {
	if size <= 0 {
		size = osStackSize()
	}
	if size < 4*stackMarginBytes {
		size = 4 * stackMarginBytes
	}
	n.size = size
	n.softLimit = size - 2*stackMarginBytes
	n.hardLimit = size - stackMarginBytes
}

// enterRecursiveCall charges one native eval entry. Crossing the soft
// limit raises RecursionError unless an overflow is already being
// reported; crossing the hard limit is fatal.
func (ts *ThreadState) enterRecursiveCall(where string) error {
	n := &ts.native
	n.used += nativeEntryBytes
	if n.used < n.softLimit {
		return nil
	}
	if n.used > n.hardLimit {
		ts.interp.fatalf("Unrecoverable stack overflow (used %d kB)%s", n.used/1024, where)
		n.used -= nativeEntryBytes
		return ts.Errorf(RecursionErrorType, "Unrecoverable stack overflow (used %d kB)%s", n.used/1024, where)
	}
	if ts.recursionHeadroom > 0 {
		return nil
	}
	ts.recursionHeadroom++
	err := ts.Errorf(RecursionErrorType, "Stack overflow (used %d kB)%s", n.used/1024, where)
	ts.recursionHeadroom--
	n.used -= nativeEntryBytes
	return err
}

func (ts *ThreadState) leaveRecursiveCall() {
	ts.native.used -= nativeEntryBytes
}

// enterRecursivePy counts one Python frame. The count is taken even on
// failure; the caller's unwind path gives it back. While a RecursionError
// is being reported, up to 50 frames past the limit are allowed before the
// overflow is fatal.
func (ts *ThreadState) enterRecursivePy() error {
	old := ts.pyRecursionRemaining
	ts.pyRecursionRemaining--
	if old > 0 {
		return nil
	}
	if ts.recursionHeadroom > 0 {
		if ts.pyRecursionRemaining < -50 {
			ts.interp.fatalf("Cannot recover from Python stack overflow.")
			return ts.Errorf(RecursionErrorType, "Cannot recover from Python stack overflow.")
		}
		return nil
	}
	ts.recursionHeadroom++
	err := ts.Errorf(RecursionErrorType, "maximum recursion depth exceeded")
	ts.recursionHeadroom--
	return err
}

func (ts *ThreadState) leaveRecursivePy() {
	ts.pyRecursionRemaining++
}

// NativeStackUsage reports the accounted native stack use and the limits,
// in bytes.
func (ts *ThreadState) NativeStackUsage() (used, soft, hard int) {
	return ts.native.used, ts.native.softLimit, ts.native.hardLimit
}

// SetRecursionLimit changes the Python recursion limit for every thread.
// Each thread keeps its current depth, so its remaining budget becomes
// limit minus depth.
func (in *Interpreter) SetRecursionLimit(ts *ThreadState, limit int) error {
	if limit < 1 {
		return ts.Errorf(ValueErrorType, "recursion limit must be greater or equal than 1")
	}
	in.StopTheWorld(ts)
	defer in.StartTheWorld(ts)
	in.mu.Lock()
	for _, t := range in.threads {
		depth := t.pyRecursionLimit - t.pyRecursionRemaining
		t.pyRecursionLimit = limit
		t.pyRecursionRemaining = limit - depth
	}
	in.recursionLimit = limit
	in.mu.Unlock()
	in.log.Debugf("recursion limit set to %d", limit)
	return nil
}

// RecursionLimit returns the current Python recursion limit.
func (in *Interpreter) RecursionLimit() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.recursionLimit
}

func (n nativeStack) String() string {
	return fmt.Sprintf("%d/%d kB (soft %d kB)", n.used/1024, n.hardLimit/1024, n.softLimit/1024)
}
