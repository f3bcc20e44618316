package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Exception table
// ---------------------------------------------------------------------------

// ExceptionTableEntry maps the instruction range [Start, End) to a handler.
// When an exception is raised inside the range the stack is popped to
// Depth, the raising instruction's index is pushed if Lasti is set, the
// exception is pushed and execution continues at Target.
type ExceptionTableEntry struct {
	Start  int
	End    int
	Target int
	Depth  int
	Lasti  bool
}

// The table is a byte string of entries in ascending Start order. Each
// entry is four varints: start, length, target, depth<<1|lasti. A varint is
// a big-endian sequence of 6-bit groups; bit 6 marks continuation and bit 7
// marks the first byte of an entry.
const (
	etContinuation = 0x40
	etEntryStart   = 0x80
	etValueMask    = 0x3F

	// maxLinearSearch bounds the tail scanned linearly after bisection.
	maxLinearSearch = 40
)

var errBadExceptionTable = errors.New("malformed exception table")

func appendExceptVarint(buf []byte, value int, msb byte) []byte {
	if value < 0 || value >= 1<<30 {
		panic(fmt.Sprintf("exception table value %d out of range", value))
	}
	for shift := 24; shift > 0; shift -= 6 {
		if value >= 1<<shift {
			buf = append(buf, byte((value>>shift)&etValueMask)|etContinuation|msb)
			msb = 0
		}
	}
	return append(buf, byte(value&etValueMask)|msb)
}

// EncodeExceptionTable serializes entries, which must be sorted by Start
// and non-overlapping.
func EncodeExceptionTable(entries []ExceptionTableEntry) []byte {
	var buf []byte
	for _, e := range entries {
		dl := e.Depth << 1
		if e.Lasti {
			dl |= 1
		}
		buf = appendExceptVarint(buf, e.Start, etEntryStart)
		buf = appendExceptVarint(buf, e.End-e.Start, 0)
		buf = appendExceptVarint(buf, e.Target, 0)
		buf = appendExceptVarint(buf, dl, 0)
	}
	return buf
}

func parseExceptVarint(tbl []byte, p int) (int, int) {
	val := int(tbl[p] & etValueMask)
	for tbl[p]&etContinuation != 0 {
		p++
		val = val<<6 | int(tbl[p]&etValueMask)
	}
	return val, p + 1
}

// ParseExceptionTable decodes a whole table, checking its structure.
func ParseExceptionTable(tbl []byte) (entries []ExceptionTableEntry, err error) {
	defer func() {
		if recover() != nil {
			entries, err = nil, errBadExceptionTable
		}
	}()
	p := 0
	prevEnd := 0
	for p < len(tbl) {
		if tbl[p]&etEntryStart == 0 {
			return nil, fmt.Errorf("%w: entry at byte %d lacks start marker", errBadExceptionTable, p)
		}
		var e ExceptionTableEntry
		var size, dl int
		e.Start, p = parseExceptVarint(tbl, p)
		size, p = parseExceptVarint(tbl, p)
		e.Target, p = parseExceptVarint(tbl, p)
		dl, p = parseExceptVarint(tbl, p)
		e.End = e.Start + size
		e.Depth = dl >> 1
		e.Lasti = dl&1 != 0
		if e.Start < prevEnd {
			return nil, fmt.Errorf("%w: entry [%d, %d) overlaps or is out of order", errBadExceptionTable, e.Start, e.End)
		}
		prevEnd = e.End
		entries = append(entries, e)
	}
	return entries, nil
}

func scanBackToEntryStart(tbl []byte, p int) int {
	for tbl[p]&etEntryStart == 0 {
		p--
	}
	return p
}

func skipToNextEntry(tbl []byte, p, end int) int {
	for p < end && tbl[p]&etEntryStart == 0 {
		p++
	}
	return p
}

// LookupHandler finds the handler covering instruction index. Large tables
// are bisected until at most maxLinearSearch bytes remain, then scanned.
func LookupHandler(tbl []byte, index int) (ExceptionTableEntry, bool) {
	start, end := 0, len(tbl)
	if end-start > maxLinearSearch {
		offset, _ := parseExceptVarint(tbl, start)
		if offset > index {
			return ExceptionTableEntry{}, false
		}
		for end-start > maxLinearSearch {
			mid := scanBackToEntryStart(tbl, start+(end-start)>>1)
			offset, _ = parseExceptVarint(tbl, mid)
			if offset > index {
				end = mid
			} else {
				start = mid
			}
		}
	}
	scan := start
	for scan < end {
		var e ExceptionTableEntry
		e.Start, scan = parseExceptVarint(tbl, scan)
		if e.Start > index {
			break
		}
		var size int
		size, scan = parseExceptVarint(tbl, scan)
		if e.Start+size > index {
			var dl int
			e.End = e.Start + size
			e.Target, scan = parseExceptVarint(tbl, scan)
			dl, _ = parseExceptVarint(tbl, scan)
			e.Depth = dl >> 1
			e.Lasti = dl&1 != 0
			return e, true
		}
		scan = skipToNextEntry(tbl, scan, end)
	}
	return ExceptionTableEntry{}, false
}
