package vm

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Dict is an insertion-ordered hash map from hashable objects to objects.
// It owns a reference to every key and value it holds.
type Dict struct {
	mu      sync.Mutex
	index   map[dictKey]int
	entries []DictEntry
	used    int
}

// DictEntry is one key/value pair. Deleted entries have a nil Key.
type DictEntry struct {
	Key   *Object
	Value *Object
}

type dictKey struct {
	kind uint8
	i    int64
	s    string
	p    *Object
}

const (
	keyInt uint8 = iota + 1
	keyStr
	keyNone
	keyTuple
	keyIdentity
)

// hashKey maps o to its hash identity. Equal ints and bools share a key.
func (ts *ThreadState) hashKey(o *Object) (dictKey, error) {
	switch {
	case o == None:
		return dictKey{kind: keyNone}, nil
	case IsInstance(o, IntType):
		v, _ := IntValue(o)
		return dictKey{kind: keyInt, i: v}, nil
	case o.typ == StrType:
		s, _ := StrValue(o)
		return dictKey{kind: keyStr, s: s}, nil
	case IsInstance(o, TupleType):
		var b strings.Builder
		if err := ts.tupleKey(&b, o); err != nil {
			return dictKey{}, err
		}
		return dictKey{kind: keyTuple, s: b.String()}, nil
	case IsInstance(o, DictType):
		return dictKey{}, ts.Errorf(TypeErrorType, "unhashable type: '%s'", o.typ.Name)
	}
	return dictKey{kind: keyIdentity, p: o}, nil
}

func (ts *ThreadState) tupleKey(b *strings.Builder, o *Object) error {
	b.WriteByte('(')
	for _, it := range TupleItems(o) {
		k, err := ts.hashKey(it)
		if err != nil {
			return err
		}
		b.WriteString(strconv.Itoa(int(k.kind)))
		b.WriteByte(':')
		switch k.kind {
		case keyInt:
			b.WriteString(strconv.FormatInt(k.i, 10))
		case keyStr, keyTuple:
			b.WriteString(strconv.Quote(k.s))
		case keyIdentity:
			fmt.Fprintf(b, "%p", k.p)
		}
		b.WriteByte(',')
	}
	b.WriteByte(')')
	return nil
}

// NewDict returns a new empty dict.
func (ts *ThreadState) NewDict() (*Object, error) {
	return ts.newObject(DictType, &Dict{index: map[dictKey]int{}})
}

// DictOf returns the Dict payload of o, or nil if o is not a dict.
func DictOf(o *Object) *Dict {
	if o == nil || !IsInstance(o, DictType) {
		return nil
	}
	d, _ := o.val.(*Dict)
	return d
}

// Len returns the number of live entries.
func (d *Dict) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// GetItem returns a borrowed reference to the value for key.
func (d *Dict) GetItem(ts *ThreadState, key *Object) (*Object, bool, error) {
	k, err := ts.hashKey(key)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[k]
	if !ok {
		return nil, false, nil
	}
	return d.entries[i].Value, true, nil
}

// GetItemRef is GetItem returning a new reference, safe against concurrent
// removal of the entry.
func (d *Dict) GetItemRef(ts *ThreadState, key *Object) (*Object, bool, error) {
	k, err := ts.hashKey(key)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[k]
	if !ok {
		return nil, false, nil
	}
	v := d.entries[i].Value
	ts.incref(v)
	return v, true, nil
}

// GetStr looks up an interned-name key.
func (d *Dict) GetStr(ts *ThreadState, name string) (*Object, bool) {
	v, ok, _ := d.GetItem(ts, Intern(name))
	return v, ok
}

// SetItem stores new references to key and value.
func (d *Dict) SetItem(ts *ThreadState, key, value *Object) error {
	k, err := ts.hashKey(key)
	if err != nil {
		return err
	}
	ts.incref(value)
	d.mu.Lock()
	if i, ok := d.index[k]; ok {
		old := d.entries[i].Value
		d.entries[i].Value = value
		d.mu.Unlock()
		ts.decref(old)
		return nil
	}
	ts.incref(key)
	d.index[k] = len(d.entries)
	d.entries = append(d.entries, DictEntry{Key: key, Value: value})
	d.used++
	d.mu.Unlock()
	return nil
}

// DelItem removes key. It reports whether the key was present.
func (d *Dict) DelItem(ts *ThreadState, key *Object) (bool, error) {
	k, err := ts.hashKey(key)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	i, ok := d.index[k]
	if !ok {
		d.mu.Unlock()
		return false, nil
	}
	e := d.entries[i]
	d.entries[i] = DictEntry{}
	delete(d.index, k)
	d.used--
	d.mu.Unlock()
	ts.decref(e.Key)
	ts.decref(e.Value)
	return true, nil
}

// Items returns a snapshot of the live entries. The references are
// borrowed from the dict.
func (d *Dict) Items() []DictEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DictEntry, 0, d.used)
	for _, e := range d.entries {
		if e.Key != nil {
			out = append(out, e)
		}
	}
	return out
}

// CopyDict returns a new dict holding the same entries as src.
func (ts *ThreadState) CopyDict(src *Object) (*Object, error) {
	dst, err := ts.NewDict()
	if err != nil {
		return nil, err
	}
	for _, e := range DictOf(src).Items() {
		if err := DictOf(dst).SetItem(ts, e.Key, e.Value); err != nil {
			ts.decref(dst)
			return nil, err
		}
	}
	return dst, nil
}

func dictDealloc(ts *ThreadState, o *Object) {
	d := o.val.(*Dict)
	entries := d.entries
	d.entries = nil
	d.index = nil
	for _, e := range entries {
		if e.Key != nil {
			ts.decref(e.Key)
			ts.decref(e.Value)
		}
	}
}

func dictTraverse(o *Object, visit VisitFunc) int {
	for _, e := range o.val.(*Dict).Items() {
		if r := visit(e.Key); r != 0 {
			return r
		}
		if r := visit(e.Value); r != 0 {
			return r
		}
	}
	return 0
}

func dictRepr(o *Object) string {
	items := o.val.(*Dict).Items()
	parts := make([]string, len(items))
	for i, e := range items {
		parts[i] = Repr(e.Key) + ": " + Repr(e.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func dictNew(ts *ThreadState, t *Type, args []*Object, kwnames *Object) (*Object, error) {
	kw := TupleItems(orEmpty(kwnames))
	npos := len(args) - len(kw)
	var o *Object
	var err error
	if npos > 0 {
		if DictOf(args[0]) == nil {
			return nil, ts.Errorf(TypeErrorType, "dict() argument must be a dict")
		}
		o, err = ts.CopyDict(args[0])
	} else {
		o, err = ts.NewDict()
	}
	if err != nil {
		return nil, err
	}
	for i, k := range kw {
		if err := DictOf(o).SetItem(ts, k, args[npos+i]); err != nil {
			ts.decref(o)
			return nil, err
		}
	}
	return o, nil
}
