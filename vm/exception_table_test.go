package vm

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// randomEntries returns n sorted, non-overlapping entries with gaps
// between some of them. Offsets grow large enough to need multi-byte
// varints.
func randomEntries(rng *rand.Rand, n int) []ExceptionTableEntry {
	var entries []ExceptionTableEntry
	pos := rng.Intn(4)
	for i := 0; i < n; i++ {
		pos += rng.Intn(3) * rng.Intn(200)
		size := 1 + rng.Intn(300)
		entries = append(entries, ExceptionTableEntry{
			Start:  pos,
			End:    pos + size,
			Target: rng.Intn(1 << 14),
			Depth:  rng.Intn(70),
			Lasti:  rng.Intn(2) == 0,
		})
		pos += size
	}
	return entries
}

func linearLookup(entries []ExceptionTableEntry, index int) (ExceptionTableEntry, bool) {
	for _, e := range entries {
		if e.Start <= index && index < e.End {
			return e, true
		}
	}
	return ExceptionTableEntry{}, false
}

func TestExceptionTableRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{0, 1, 3, 17, 200} {
		entries := randomEntries(rng, n)
		got, err := ParseExceptionTable(EncodeExceptionTable(entries))
		if err != nil {
			t.Fatalf("%d entries: %v", n, err)
		}
		if diff := cmp.Diff(entries, got); n > 0 && diff != "" {
			t.Errorf("%d entries: round trip mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestLookupHandler(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, n := range []int{1, 2, 5, 40, 300} {
		entries := randomEntries(rng, n)
		tbl := EncodeExceptionTable(entries)
		last := entries[len(entries)-1].End
		for index := 0; index <= last+3; index++ {
			want, wantOK := linearLookup(entries, index)
			got, ok := LookupHandler(tbl, index)
			if ok != wantOK {
				t.Fatalf("%d entries, index %d: found %v, want %v", n, index, ok, wantOK)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("%d entries, index %d: entry mismatch (-want +got):\n%s", n, index, diff)
			}
		}
	}
}

func TestLookupHandlerEmptyTable(t *testing.T) {
	if _, ok := LookupHandler(nil, 0); ok {
		t.Error("lookup in an empty table should miss")
	}
}

func TestParseExceptionTableRejectsGarbage(t *testing.T) {
	valid := EncodeExceptionTable([]ExceptionTableEntry{{Start: 2, End: 5, Target: 9, Depth: 1}})
	tests := []struct {
		name string
		tbl  []byte
	}{
		{"missing start marker", []byte{0x01, 0x02, 0x03, 0x04}},
		{"truncated", valid[:len(valid)-1]},
		{"dangling continuation", []byte{0x80 | 0x40}},
		{"overlap", EncodeExceptionTable([]ExceptionTableEntry{
			{Start: 0, End: 10, Target: 20},
			{Start: 5, End: 8, Target: 30},
		})},
	}
	for _, tt := range tests {
		if _, err := ParseExceptionTable(tt.tbl); !errors.Is(err, errBadExceptionTable) {
			t.Errorf("%s: error = %v, want malformed table", tt.name, err)
		}
	}
}

func TestCodeRejectsBadHandlerTarget(t *testing.T) {
	b := NewCodeBuilder("bad")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_CONST, b.Const(None))
	b.Emit(OpRETURN_VALUE, 0)
	c := mustBuild(t, b)

	broken := *c
	broken.ExceptionTable = EncodeExceptionTable([]ExceptionTableEntry{{Start: 0, End: 2, Target: 50}})
	if err := broken.Validate(); err == nil {
		t.Error("Validate should reject a handler target past the end of the code")
	}
}
