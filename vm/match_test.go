package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strs(names ...string) *Object {
	items := make([]*Object, len(names))
	for i, n := range names {
		items[i] = Intern(n)
	}
	return ConstTuple(items...)
}

func newMapping(t *testing.T, ts *ThreadState, kv map[string]int64) *Object {
	t.Helper()
	d, err := ts.NewDict()
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range kv {
		if err := DictOf(d).SetItem(ts, Intern(k), ConstInt(v)); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func TestMatchKeys(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	m := newMapping(t, ts, map[string]int64{"a": 1, "b": 2})
	defer ts.decref(m)

	tests := []struct {
		name    string
		subject *Object
		keys    *Object
		want    []int64 // nil for no match
		err     string
	}{
		{"all present", m, strs("b", "a"), []int64{2, 1}, ""},
		{"missing key", m, strs("a", "z"), nil, ""},
		{"no keys", m, EmptyTuple, []int64{}, ""},
		{"not a mapping", ConstInt(3), strs("a"), nil, ""},
		{"duplicate key", m, strs("a", "a"), nil, "ValueError: mapping pattern checks duplicate key ('a')"},
	}
	for _, tt := range tests {
		res, err := ts.MatchKeys(tt.subject, tt.keys)
		if tt.err != "" {
			if got := raisedMessage(err); got != tt.err {
				t.Errorf("%s: error = %q, want %q", tt.name, got, tt.err)
			}
			ts.Release(err)
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if tt.want == nil {
			if res != None {
				t.Errorf("%s: got %s, want None", tt.name, Repr(res))
			}
			continue
		}
		got := intsOf(t, res)
		if got == nil {
			got = []int64{}
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: values mismatch (-want +got):\n%s", tt.name, diff)
		}
		ts.decref(res)
	}
}

func TestMatchClass(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	point, err := NewType(ts, "Point", nil, map[string]*Object{"__match_args__": strs("x", "y")})
	if err != nil {
		t.Fatal(err)
	}
	p, err := ts.Call(point.Object(), ConstInt(1), ConstInt(2))
	if err != nil {
		t.Fatalf("Point(1, 2): %v", err)
	}
	defer ts.decref(p)

	tests := []struct {
		name    string
		subject *Object
		cls     *Object
		nargs   int
		kwnames *Object
		want    []int64
		err     string
	}{
		{"positional", p, point.Object(), 2, nil, []int64{1, 2}, ""},
		{"keyword", p, point.Object(), 0, strs("y"), []int64{2}, ""},
		{"mixed", p, point.Object(), 1, strs("y"), []int64{1, 2}, ""},
		{"missing attribute", p, point.Object(), 0, strs("z"), nil, ""},
		{"not an instance", ConstInt(5), point.Object(), 0, nil, nil, ""},
		{"match self", ConstInt(5), IntType.Object(), 1, nil, []int64{5}, ""},
		{"too many positional", p, point.Object(), 3, nil, nil,
			"TypeError: Point() accepts 2 positional sub-patterns (3 given)"},
		{"repeated attribute", p, point.Object(), 1, strs("x"), nil,
			"TypeError: Point() got multiple sub-patterns for attribute 'x'"},
		{"not a class", p, ConstInt(1), 0, nil, nil,
			"TypeError: called match pattern must be a class"},
	}
	for _, tt := range tests {
		res, err := ts.MatchClass(tt.subject, tt.cls, tt.nargs, tt.kwnames)
		if tt.err != "" {
			if got := raisedMessage(err); got != tt.err {
				t.Errorf("%s: error = %q, want %q", tt.name, got, tt.err)
			}
			ts.Release(err)
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, raisedMessage(err))
		}
		if tt.want == nil {
			if res != None {
				t.Errorf("%s: got %s, want None", tt.name, Repr(res))
			}
			continue
		}
		if diff := cmp.Diff(tt.want, intsOf(t, res)); diff != "" {
			t.Errorf("%s: attributes mismatch (-want +got):\n%s", tt.name, diff)
		}
		ts.decref(res)
	}
}

// TestMappingPattern runs
//
//	def f(m):
//	    match m:
//	        case {'a': x}:
//	            return x
//	    return -1
func TestMappingPattern(t *testing.T) {
	_, ts, _ := newTestInterp(t)
	g := newGlobals(t, ts)
	defer ts.decref(g)

	b := NewCodeBuilder("f")
	b.ArgCount = 1
	m, x := b.Local("m"), b.Local("x")
	b.Emit(OpRESUME, 0)
	b.Emit(OpLOAD_FAST, m)
	b.Emit(OpMATCH_MAPPING, 0)
	noMapping, noKeys := b.NewLabel(), b.NewLabel()
	b.EmitJump(OpPOP_JUMP_IF_FALSE, noMapping)
	b.Emit(OpLOAD_CONST, b.Const(strs("a")))
	b.Emit(OpMATCH_KEYS, 0)
	b.Emit(OpCOPY, 1)
	b.EmitJump(OpPOP_JUMP_IF_NONE, noKeys)
	b.Emit(OpUNPACK_SEQ, 1)
	b.Emit(OpSTORE_FAST, x)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpLOAD_FAST, x)
	b.Emit(OpRETURN_VALUE, 0)
	b.Mark(noKeys)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpPOP_TOP, 0)
	b.Mark(noMapping)
	b.Emit(OpPOP_TOP, 0)
	b.Emit(OpLOAD_CONST, b.Const(ConstInt(-1)))
	b.Emit(OpRETURN_VALUE, 0)
	fn := newFunc(t, ts, mustBuild(t, b), g)
	defer ts.decref(fn)

	hit := newMapping(t, ts, map[string]int64{"a": 4, "b": 5})
	defer ts.decref(hit)
	miss := newMapping(t, ts, map[string]int64{"b": 5})
	defer ts.decref(miss)

	for _, tc := range []struct {
		name string
		arg  *Object
		want int64
	}{
		{"match", hit, 4},
		{"missing key", miss, -1},
		{"not a mapping", ConstInt(8), -1},
	} {
		res, err := ts.Call(fn, tc.arg)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, raisedMessage(err))
		}
		if got := intOf(t, res); got != tc.want {
			t.Errorf("%s: f() = %d, want %d", tc.name, got, tc.want)
		}
		ts.decref(res)
	}
}
