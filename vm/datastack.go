package vm

import (
	"errors"
	"fmt"
)

// ErrStackOverflow is returned by the checked frame push when the thread's
// data stack cannot hold another frame.
var ErrStackOverflow = errors.New("data stack exhausted")

// DataStack is the contiguous per-thread arena that holds the slots of
// every thread-owned frame. Frames are (base, size) windows into slots and
// are pushed and popped in strict LIFO order by the owning thread only.
type DataStack struct {
	slots []StackRef
	top   int
	limit int
}

func newDataStack(limit int) *DataStack {
	return &DataStack{limit: limit}
}

// Top returns the index of the first free slot.
func (ds *DataStack) Top() int { return ds.top }

// Limit returns the arena capacity in slots.
func (ds *DataStack) Limit() int { return ds.limit }

// HasSpace reports whether a frame of size slots fits.
func (ds *DataStack) HasSpace(size int) bool {
	return size <= ds.limit-ds.top
}

// pushUnchecked reserves size slots. Callers must check HasSpace first.
func (ds *DataStack) pushUnchecked(size int) (int, []StackRef) {
	if !ds.HasSpace(size) {
		panic(fmt.Sprintf("data stack push of %d slots without space (top %d, limit %d)", size, ds.top, ds.limit))
	}
	if ds.slots == nil {
		ds.slots = make([]StackRef, ds.limit)
	}
	base := ds.top
	ds.top += size
	return base, ds.slots[base:ds.top:ds.top]
}

// push is the checked variant.
func (ds *DataStack) push(size int) (int, []StackRef, error) {
	if !ds.HasSpace(size) {
		return 0, nil, ErrStackOverflow
	}
	base, slots := ds.pushUnchecked(size)
	return base, slots, nil
}

// pop releases the window [base, base+size), which must be topmost.
func (ds *DataStack) pop(base, size int) {
	if base+size != ds.top {
		panic(fmt.Sprintf("data stack pop of [%d, %d) but top is %d", base, base+size, ds.top))
	}
	clear(ds.slots[base:ds.top])
	ds.top = base
}

// window returns the live slots [0, top) for scanning.
func (ds *DataStack) window() []StackRef {
	if ds.slots == nil {
		return nil
	}
	return ds.slots[:ds.top]
}
