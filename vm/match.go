package vm

import "errors"

// Structural pattern matching support for MATCH_KEYS and MATCH_CLASS.

// MatchKeys looks up every key of the keys tuple in the subject mapping. It
// returns a new tuple of the values in key order, or None as soon as a key
// is missing.
func (ts *ThreadState) MatchKeys(subject, keys *Object) (*Object, error) {
	ks := TupleItems(keys)
	if len(ks) == 0 {
		return EmptyTuple, nil
	}
	d := DictOf(subject)
	if d == nil {
		return None, nil
	}
	seen, err := ts.NewDict()
	if err != nil {
		return nil, err
	}
	defer ts.decref(seen)
	values := make([]*Object, 0, len(ks))
	release := func() {
		for _, v := range values {
			ts.decref(v)
		}
	}
	for _, k := range ks {
		_, dup, err := DictOf(seen).GetItem(ts, k)
		if err != nil {
			release()
			return nil, err
		}
		if dup {
			release()
			return nil, ts.Errorf(ValueErrorType, "mapping pattern checks duplicate key (%s)", Repr(k))
		}
		if err := DictOf(seen).SetItem(ts, k, None); err != nil {
			release()
			return nil, err
		}
		v, ok, err := d.GetItemRef(ts, k)
		if err != nil {
			release()
			return nil, err
		}
		if !ok {
			release()
			return None, nil
		}
		values = append(values, v)
	}
	return ts.NewTuple(values)
}

func matchesSelf(t *Type) bool {
	for c := t; c != nil; c = c.Base {
		if c.HasFlag(TypeMatchSelf) {
			return true
		}
	}
	return false
}

// MatchClass checks subject against a class pattern with nargs positional
// sub-patterns and the keyword attribute names in kwnames. It returns a new
// tuple of the extracted attributes, positional first, or None when the
// subject does not match.
func (ts *ThreadState) MatchClass(subject, typ *Object, nargs int, kwnames *Object) (*Object, error) {
	t, ok := AsType(typ)
	if !ok {
		return nil, ts.Errorf(TypeErrorType, "called match pattern must be a class")
	}
	if !IsInstance(subject, t) {
		return None, nil
	}
	var attrs []*Object
	release := func() {
		for _, a := range attrs {
			ts.decref(a)
		}
	}
	seen := map[string]bool{}
	// attr fetches one attribute; a nil result with a nil error means the
	// attribute is missing and the pattern fails.
	attr := func(name *Object) (*Object, error) {
		n, _ := StrValue(name)
		if seen[n] {
			return nil, ts.Errorf(TypeErrorType, "%s() got multiple sub-patterns for attribute %s", t.Name, Repr(name))
		}
		seen[n] = true
		v, err := ts.GetAttr(subject, name)
		if err != nil {
			var r *Raised
			if errors.As(err, &r) && IsInstance(r.Exc, AttributeErrorType) {
				ts.Release(err)
				return nil, nil
			}
			return nil, err
		}
		return v, nil
	}

	if nargs > 0 {
		matchArgs, hasMatchArgs := t.Lookup("__match_args__")
		matchSelf := false
		allowed := 0
		if hasMatchArgs {
			if !IsInstance(matchArgs, TupleType) {
				return nil, ts.Errorf(TypeErrorType, "%s.__match_args__ must be a tuple (got %s)", t.Name, matchArgs.typ.Name)
			}
			allowed = len(TupleItems(matchArgs))
		} else if matchesSelf(t) {
			matchSelf = true
			allowed = 1
		}
		if allowed < nargs {
			return nil, ts.Errorf(TypeErrorType, "%s() accepts %d positional sub-pattern%s (%d given)",
				t.Name, allowed, plural(allowed), nargs)
		}
		if matchSelf {
			attrs = append(attrs, ts.NewRef(subject))
		} else {
			for _, name := range TupleItems(matchArgs)[:nargs] {
				if _, ok := StrValue(name); !ok {
					release()
					return nil, ts.Errorf(TypeErrorType, "__match_args__ elements must be strings (got %s)", name.typ.Name)
				}
				v, err := attr(name)
				if err != nil || v == nil {
					release()
					if err != nil {
						return nil, err
					}
					return None, nil
				}
				attrs = append(attrs, v)
			}
		}
	}
	for _, name := range TupleItems(orEmpty(kwnames)) {
		v, err := attr(name)
		if err != nil || v == nil {
			release()
			if err != nil {
				return nil, err
			}
			return None, nil
		}
		attrs = append(attrs, v)
	}
	return ts.NewTuple(attrs)
}
