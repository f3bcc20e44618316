package vm

// evalLoop is one Go-level activation of the interpreter. Calls and returns
// between Python functions switch frame without leaving run; only entry
// frames separate activations.
type evalLoop struct {
	ts      *ThreadState
	entry   *Frame
	frame   *Frame
	charged bool // the activation holds a native-stack charge

	// reraise marks the pending error as an exception that is already
	// propagating: no traceback entry, RERAISE instead of RAISE.
	reraise bool
	// reraiseAt is where handler lookup happens after a RERAISE that
	// restored InstrPtr to the original raise site.
	reraiseAt  int
	hasReraise bool
	// unstarted marks an error raised before the frame ran; the frame is
	// unwound without a handler lookup.
	unstarted bool
}

// evalFrame runs frame until it returns or yields to its caller and
// returns a new reference to the result. A non-nil throwExc is raised in
// the frame instead of resuming it; its reference is consumed.
func (ts *ThreadState) evalFrame(frame *Frame, throwExc *Object) (*Object, error) {
	entry := newEntryFrame(ts.current.Load())
	frame.Previous = entry
	ts.setCurrent(frame)
	l := &evalLoop{ts: ts, entry: entry, frame: frame}

	if err := ts.enterRecursiveCall(""); err != nil {
		// The unwind gives back a Python-level count that was never taken.
		ts.pyRecursionRemaining--
		if throwExc != nil {
			ts.decref(throwExc)
		}
		l.unstarted = true
		return l.run(err)
	}
	l.charged = true

	var pending error
	switch {
	case throwExc != nil:
		if err := ts.enterRecursivePy(); err != nil {
			ts.decref(throwExc)
			l.unstarted = true
			pending = err
			break
		}
		// A suspended frame points past its YIELD_VALUE; the exception is
		// raised at the yield so that the enclosing handlers apply.
		if frame.InstrPtr > 0 {
			frame.InstrPtr--
		}
		pending = &Raised{Exc: ts.fireExc(EventPyThrow, frame, throwExc)}
	default:
		if err := ts.enterRecursivePy(); err != nil {
			l.unstarted = true
			pending = err
		}
	}
	return l.run(pending)
}

func (l *evalLoop) run(pending error) (*Object, error) {
	for {
		if pending != nil {
			if err, done := l.unwind(pending); done {
				return nil, err
			}
		}
		res, err := l.dispatch()
		if err == nil {
			return res, nil
		}
		pending = err
	}
}

// exit leaves the activation through its entry frame.
func (l *evalLoop) exit() {
	l.ts.setCurrent(l.entry.Previous)
	if l.charged {
		l.ts.leaveRecursiveCall()
	}
}

// enter switches to a callee frame pushed by the current instruction.
func (l *evalLoop) enter(caller, callee *Frame) error {
	caller.ReturnOffset = 1
	l.frame = callee
	l.ts.setCurrent(callee)
	if err := l.ts.enterRecursivePy(); err != nil {
		l.unstarted = true
		return err
	}
	return nil
}

// leave pops the current frame after it returned res (owned). It reports
// true when the caller is the entry frame and res is the loop's result.
func (l *evalLoop) leave(res StackRef) (*Object, bool) {
	ts := l.ts
	dying := l.frame
	ts.leaveRecursivePy()
	l.frame = dying.Previous
	ts.setCurrent(l.frame)
	ts.clearAndPop(dying)
	if l.frame == l.entry {
		l.exit()
		return res.AsObjectSteal(ts), true
	}
	l.frame.push(res)
	l.frame.InstrPtr += l.frame.ReturnOffset
	return nil, false
}

// ---------------------------------------------------------------------------
// Exception unwinding
// ---------------------------------------------------------------------------

// fireExc delivers an exception event. A callback error replaces exc; the
// reference to exc is consumed and the surviving exception returned.
func (ts *ThreadState) fireExc(kind EventKind, frame *Frame, exc *Object) *Object {
	if err := ts.fire(kind, frame, exc); err != nil {
		ts.decref(exc)
		return ts.exceptionFromError(err)
	}
	return exc
}

// unwind propagates err from the current frame outwards. It returns false
// once a handler has taken the exception, or the exception as a *Raised
// error and true when it left the entry frame.
func (l *evalLoop) unwind(err error) (error, bool) {
	ts := l.ts
	exc := ts.exceptionFromError(err)
	for {
		frame := l.frame
		if l.unstarted {
			l.unstarted = false
		} else {
			exc = l.raiseHere(frame, exc)
			if l.findHandler(frame, &exc) {
				return nil, false
			}
			if frame.code.Flags&CodeGenerator != 0 && IsInstance(exc, StopIterationType) {
				exc = l.replaceStopIteration(frame, exc)
			}
			exc = ts.fireExc(EventPyUnwind, frame, exc)
		}

		ts.leaveRecursivePy()
		l.frame = frame.Previous
		ts.setCurrent(l.frame)
		ts.clearAndPop(frame)
		l.frame.ReturnOffset = 0
		if l.frame == l.entry {
			l.exit()
			return &Raised{Exc: exc}, true
		}
	}
}

// raiseHere records that exc is raised in frame: it gains a traceback entry
// and the implicit context, and RAISE fires. Re-raised exceptions only fire
// RERAISE.
func (l *evalLoop) raiseHere(frame *Frame, exc *Object) *Object {
	ts := l.ts
	if l.reraise {
		l.reraise = false
		return ts.fireExc(EventReraise, frame, exc)
	}
	if e := ExceptionOf(exc); e != nil && e.Context == nil {
		if ctx := ts.topmostException(); ctx != nil && ctx != exc {
			ts.setContext(exc, ctx)
		}
	}
	if !frame.IsIncomplete() {
		if err := ts.tracebackHere(frame, exc); err != nil {
			ts.Release(err)
		}
	}
	return ts.fireExc(EventRaise, frame, exc)
}

// replaceStopIteration turns a StopIteration leaving a generator frame into
// a RuntimeError caused by it, raised in frame. STOP_ITERATION fires first
// with the original exception; a callback error replaces both.
func (l *evalLoop) replaceStopIteration(frame *Frame, exc *Object) *Object {
	ts := l.ts
	if err := ts.fire(EventStopIteration, frame, exc); err != nil {
		ts.decref(exc)
		return ts.exceptionFromError(err)
	}
	rt := ts.exceptionFromError(ts.Errorf(RuntimeErrorType, "generator raised StopIteration"))
	ts.setCause(rt, exc)
	ts.setContext(rt, exc)
	ts.decref(exc)
	if err := ts.tracebackHere(frame, rt); err != nil {
		ts.Release(err)
	}
	return rt
}

// findHandler looks up the exception table at the current instruction. On
// a hit the stack is cut to the handler's depth, the exception (consumed)
// is pushed and execution moves to the handler. On a miss the evaluation
// stack is emptied.
func (l *evalLoop) findHandler(frame *Frame, exc **Object) bool {
	ts := l.ts
	base := frame.code.NLocalsPlus()
	index := frame.InstrPtr
	if l.hasReraise {
		index = l.reraiseAt
		l.hasReraise = false
	}
	for {
		h, ok := LookupHandler(frame.code.ExceptionTable, index)
		if !ok {
			for frame.stackPointer > base {
				frame.pop().CloseOrNull(ts)
			}
			return false
		}
		for frame.stackPointer > base+h.Depth {
			frame.pop().CloseOrNull(ts)
		}
		if h.Lasti {
			frame.push(TagInt(frame.InstrPtr))
		}
		frame.push(FromObjectSteal(*exc))
		frame.InstrPtr = h.Target
		if err := ts.fire(EventExceptionHandled, frame, *exc); err != nil {
			*exc = ts.exceptionFromError(err)
			index = frame.InstrPtr
			continue
		}
		return true
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch executes instructions until the activation produces a result or
// an instruction fails. On failure the error is returned with the stack of
// l.frame consistent and InstrPtr at the failing instruction.
func (l *evalLoop) dispatch() (*Object, error) {
	ts := l.ts
	for {
		frame := l.frame
		code := frame.code
		if frame.InstrPtr >= code.NumInstructions() {
			return nil, ts.Errorf(SystemErrorType, "%s: execution ran past the last instruction", code.QualName)
		}
		op, arg := code.Instr(frame.InstrPtr)

		switch op {
		// --- Stack and constants ---
		case OpNOP:

		case OpRESUME:
			if err := ts.safePoint(); err != nil {
				return nil, err
			}
			kind := EventPyResume
			if arg == 0 {
				kind = EventPyStart
			}
			if err := ts.fire(kind, frame, nil); err != nil {
				return nil, err
			}

		case OpLOAD_CONST:
			frame.push(FromObjectNew(ts, code.Consts[arg]))

		case OpLOAD_SMALL:
			v, err := ts.NewInt(int64(arg))
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(v))

		case OpPOP_TOP:
			frame.pop().CloseOrNull(ts)

		case OpPUSH_NULL:
			frame.push(NullRef)

		case OpCOPY:
			r := frame.peek(arg)
			if r.IsNull() {
				frame.push(NullRef)
			} else {
				frame.push(r.Dup(ts))
			}

		case OpSWAP:
			top := frame.peek(1)
			frame.setPeek(1, frame.peek(arg))
			frame.setPeek(arg, top)

		case OpBUILD_TUPLE:
			tup, err := ts.tupleFromStackRefs(frame.stackSlice(arg))
			if err != nil {
				return nil, err
			}
			frame.drop(arg)
			frame.push(FromObjectSteal(tup))

		case OpBUILD_MAP:
			items := frame.stackSlice(2 * arg)
			d, err := ts.NewDict()
			if err == nil {
				for i := 0; i < arg; i++ {
					if err = DictOf(d).SetItem(ts, items[2*i].AsObjectBorrow(), items[2*i+1].AsObjectBorrow()); err != nil {
						break
					}
				}
			}
			for i := 0; i < 2*arg; i++ {
				frame.pop().Close(ts)
			}
			if err != nil {
				ts.xdecref(d)
				return nil, err
			}
			frame.push(FromObjectSteal(d))

		case OpUNPACK_SEQ:
			seq := frame.pop()
			items, err := ts.iterateAll(seq.AsObjectBorrow())
			seq.Close(ts)
			if err != nil {
				return nil, err
			}
			if len(items) != arg {
				for _, it := range items {
					ts.decref(it)
				}
				if len(items) < arg {
					return nil, ts.Errorf(ValueErrorType, "not enough values to unpack (expected %d, got %d)", arg, len(items))
				}
				return nil, ts.Errorf(ValueErrorType, "too many values to unpack (expected %d, got %d)", arg, len(items))
			}
			for i := len(items) - 1; i >= 0; i-- {
				frame.push(FromObjectSteal(items[i]))
			}

		case OpMAKE_CELL:
			slot := &frame.localsplus[arg]
			var init *Object
			if !slot.IsNull() {
				init = slot.AsObjectBorrow()
			}
			cell, err := ts.NewCell(init)
			if err != nil {
				return nil, err
			}
			ClearRef(ts, slot)
			*slot = FromObjectSteal(cell)

		case OpCOPY_FREEVAR:
			fn := FunctionOf(frame.funcobj.AsObjectBorrow())
			cells := TupleItems(orEmpty(fn.Closure))
			if len(cells) < arg {
				return nil, ts.Errorf(SystemErrorType, "%s needs %d closure cells, got %d", code.QualName, arg, len(cells))
			}
			off := code.NLocalsPlus() - arg
			for i := 0; i < arg; i++ {
				frame.localsplus[off+i] = FromObjectNew(ts, cells[i])
			}

		// --- Locals and names ---
		case OpLOAD_FAST:
			r := frame.localsplus[arg]
			if r.IsNull() {
				return nil, ts.unboundLocal(code, arg)
			}
			frame.push(r.Dup(ts))

		// The borrowed copy is kept alive by the local. STORE_FAST and
		// DELETE_FAST promote live copies before dropping the local.
		case OpLOAD_FAST_BORROW:
			r := frame.localsplus[arg]
			if r.IsNull() {
				return nil, ts.unboundLocal(code, arg)
			}
			if r.IsTaggedInt() {
				frame.push(r)
				break
			}
			frame.push(FromObjectBorrow(r.AsObjectBorrow()))

		case OpSTORE_FAST:
			v := frame.pop().MakeHeapSafe(ts)
			old := frame.localsplus[arg]
			frame.adoptBorrows(ts, old)
			frame.localsplus[arg] = v
			old.CloseOrNull(ts)

		case OpDELETE_FAST:
			if frame.localsplus[arg].IsNull() {
				return nil, ts.unboundLocal(code, arg)
			}
			frame.adoptBorrows(ts, frame.localsplus[arg])
			ClearRef(ts, &frame.localsplus[arg])

		case OpLOAD_GLOBAL:
			v, err := ts.loadGlobal(frame, code.Names[arg>>1])
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(v))
			if arg&1 != 0 {
				frame.push(NullRef)
			}

		case OpSTORE_GLOBAL:
			v := frame.pop()
			err := DictOf(frame.globals).SetItem(ts, code.Names[arg], v.AsObjectBorrow())
			v.Close(ts)
			if err != nil {
				return nil, err
			}

		case OpLOAD_NAME:
			v, err := ts.loadName(frame, code.Names[arg])
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(v))

		case OpSTORE_NAME:
			v := frame.pop()
			if DictOf(frame.locals) == nil {
				v.Close(ts)
				return nil, ts.Errorf(SystemErrorType, "no locals found when storing %s", Repr(code.Names[arg]))
			}
			err := DictOf(frame.locals).SetItem(ts, code.Names[arg], v.AsObjectBorrow())
			v.Close(ts)
			if err != nil {
				return nil, err
			}

		case OpLOAD_ATTR:
			owner := frame.pop()
			name := code.Names[arg>>1]
			if arg&1 != 0 {
				meth, self, err := ts.loadMethod(owner.AsObjectBorrow(), name)
				owner.Close(ts)
				if err != nil {
					return nil, err
				}
				frame.push(FromObjectSteal(meth))
				if self != nil {
					frame.push(FromObjectSteal(self))
				} else {
					frame.push(NullRef)
				}
				break
			}
			v, err := ts.GetAttr(owner.AsObjectBorrow(), name)
			owner.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(v))

		case OpSTORE_ATTR:
			owner := frame.pop()
			v := frame.pop()
			err := ts.SetAttr(owner.AsObjectBorrow(), code.Names[arg], v.AsObjectBorrow())
			owner.Close(ts)
			v.Close(ts)
			if err != nil {
				return nil, err
			}

		case OpLOAD_DEREF:
			cell := frame.localsplus[arg]
			if cell.IsNull() || cell.AsObjectBorrow().typ != CellType {
				return nil, ts.unboundLocal(code, arg)
			}
			v := ts.cellGet(cell.AsObjectBorrow())
			if v == nil {
				return nil, ts.unboundLocal(code, arg)
			}
			frame.push(FromObjectSteal(v))

		case OpSTORE_DEREF:
			v := frame.pop().MakeHeapSafe(ts)
			ts.cellSet(frame.localsplus[arg].AsObjectBorrow(), v.AsObjectSteal(ts))

		// --- Operators ---
		case OpBINARY_OP:
			rhs := frame.pop()
			lhs := frame.pop()
			res, err := ts.binaryOp(lhs.AsObjectBorrow(), rhs.AsObjectBorrow(), arg)
			lhs.Close(ts)
			rhs.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(res))

		case OpCOMPARE_OP:
			rhs := frame.pop()
			lhs := frame.pop()
			res, err := ts.compare(lhs.AsObjectBorrow(), rhs.AsObjectBorrow(), arg)
			lhs.Close(ts)
			rhs.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(res))

		case OpIS_OP:
			rhs := frame.pop()
			lhs := frame.pop()
			same := lhs.AsObjectBorrow() == rhs.AsObjectBorrow()
			lhs.Close(ts)
			rhs.Close(ts)
			frame.push(FromObjectSteal(Bool(same != (arg == 1))))

		case OpCONTAINS_OP:
			container := frame.pop()
			item := frame.pop()
			in, err := ts.contains(container.AsObjectBorrow(), item.AsObjectBorrow())
			container.Close(ts)
			item.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(Bool(in != (arg == 1))))

		case OpUNARY_NOT:
			v := frame.pop()
			b := Truth(v.AsObjectBorrow())
			v.Close(ts)
			frame.push(FromObjectSteal(Bool(!b)))

		case OpUNARY_NEGATIVE:
			v := frame.pop()
			res, err := ts.negate(v.AsObjectBorrow())
			v.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(res))

		// --- Control flow ---
		case OpJUMP_FORWARD:
			frame.InstrPtr = JumpTarget(op, frame.InstrPtr, arg)
			continue

		case OpJUMP_BACKWARD:
			if err := ts.safePoint(); err != nil {
				return nil, err
			}
			frame.InstrPtr = JumpTarget(op, frame.InstrPtr, arg)
			continue

		case OpPOP_JUMP_IF_FALSE, OpPOP_JUMP_IF_TRUE, OpPOP_JUMP_IF_NONE, OpPOP_JUMP_IF_NOT_NONE:
			v := frame.pop()
			o := v.AsObjectBorrow()
			var jump bool
			switch op {
			case OpPOP_JUMP_IF_FALSE:
				jump = !Truth(o)
			case OpPOP_JUMP_IF_TRUE:
				jump = Truth(o)
			case OpPOP_JUMP_IF_NONE:
				jump = o == None
			default:
				jump = o != None
			}
			v.Close(ts)
			if jump {
				frame.InstrPtr = JumpTarget(op, frame.InstrPtr, arg)
				continue
			}

		case OpGET_ITER:
			v := frame.pop()
			it, err := ts.GetIter(v.AsObjectBorrow())
			v.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(it))

		case OpFOR_ITER:
			next, ok, err := ts.IterNext(frame.peek(1).AsObjectBorrow())
			if err != nil {
				return nil, err
			}
			if !ok {
				frame.pop().Close(ts)
				frame.InstrPtr = JumpTarget(op, frame.InstrPtr, arg)
				continue
			}
			frame.push(FromObjectSteal(next))

		case OpRETURN_VALUE:
			if err := ts.fire(EventPyReturn, frame, frame.peek(1).AsObjectBorrow()); err != nil {
				return nil, err
			}
			res := frame.pop().MakeHeapSafe(ts)
			if out, done := l.leave(res); done {
				return out, nil
			}
			continue

		// --- Calls ---
		case OpCALL, OpCALL_KW:
			var kwnames StackRef
			if op == OpCALL_KW {
				kwnames = frame.pop()
			}
			var names *Object
			if !kwnames.IsNull() {
				names = kwnames.AsObjectBorrow()
			}
			callee, err := l.call(frame, arg, names)
			kwnames.CloseOrNull(ts)
			if err != nil {
				return nil, err
			}
			if callee != nil {
				if err := l.enter(frame, callee); err != nil {
					return nil, err
				}
				continue
			}

		case OpCALL_FUNCTION_EX:
			callee, err := l.callEx(frame)
			if err != nil {
				return nil, err
			}
			if callee != nil {
				if err := l.enter(frame, callee); err != nil {
					return nil, err
				}
				continue
			}

		case OpMAKE_FUNCTION:
			codeRef := frame.pop()
			c, ok := AsCode(codeRef.AsObjectBorrow())
			if !ok {
				codeRef.Close(ts)
				return nil, ts.Errorf(SystemErrorType, "MAKE_FUNCTION expects a code object")
			}
			fn, err := ts.NewFunction(c, frame.globals)
			codeRef.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(fn))

		case OpSET_FUNC_ATTR:
			fn := frame.pop()
			attr := frame.pop()
			if err := ts.setFunctionAttribute(fn.AsObjectBorrow(), arg, attr.AsObjectSteal(ts)); err != nil {
				fn.Close(ts)
				return nil, err
			}
			frame.push(fn)

		// --- Exceptions ---
		case OpRAISE_VARARGS:
			var exc, cause StackRef
			switch arg {
			case 2:
				cause = frame.pop()
				exc = frame.pop()
			case 1:
				exc = frame.pop()
			default:
				cur := ts.topmostException()
				if cur == nil {
					return nil, ts.Errorf(RuntimeErrorType, "No active exception to reraise")
				}
				l.reraise = true
				return nil, ts.Raise(cur)
			}
			return nil, ts.doRaise(exc, cause)

		case OpRERAISE:
			exc := frame.pop()
			if arg != 0 {
				if lasti := frame.peek(1); lasti.IsTaggedInt() {
					l.reraiseAt, l.hasReraise = frame.InstrPtr, true
					frame.InstrPtr = lasti.UntagInt()
				}
			}
			l.reraise = true
			return nil, &Raised{Exc: exc.AsObjectSteal(ts)}

		case OpPUSH_EXC_INFO:
			exc := frame.pop()
			prev := ts.excInfo.value
			ts.excInfo.value = exc.AsObjectNew(ts)
			if prev == nil {
				frame.push(FromObjectSteal(None))
			} else {
				frame.push(FromObjectSteal(prev))
			}
			frame.push(exc)

		case OpPOP_EXCEPT:
			v := frame.pop()
			old := ts.excInfo.value
			if v.Is(None) {
				ts.excInfo.value = nil
				v.Close(ts)
			} else {
				ts.excInfo.value = v.AsObjectSteal(ts)
			}
			ts.xdecref(old)

		case OpCHECK_EXC_MATCH:
			typ := frame.pop()
			if err := ts.checkExceptType(typ.AsObjectBorrow()); err != nil {
				typ.Close(ts)
				return nil, err
			}
			ok := ExceptionMatches(frame.peek(1).AsObjectBorrow(), typ.AsObjectBorrow())
			typ.Close(ts)
			frame.push(FromObjectSteal(Bool(ok)))

		case OpCHECK_EG_MATCH:
			typ := frame.pop()
			exc := frame.pop()
			err := ts.checkExceptStarType(typ.AsObjectBorrow())
			var match, rest *Object
			if err == nil {
				match, rest, err = ts.ExceptionGroupMatch(frame, exc.AsObjectBorrow(), typ.AsObjectBorrow())
			}
			typ.Close(ts)
			exc.Close(ts)
			if err != nil {
				return nil, err
			}
			if match != None {
				ts.setHandledException(match)
			}
			frame.push(FromObjectSteal(rest))
			frame.push(FromObjectSteal(match))

		// --- Pattern matching ---
		case OpMATCH_MAPPING:
			frame.push(FromObjectSteal(Bool(DictOf(frame.peek(1).AsObjectBorrow()) != nil)))

		case OpMATCH_KEYS:
			values, err := ts.MatchKeys(frame.peek(2).AsObjectBorrow(), frame.peek(1).AsObjectBorrow())
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(values))

		case OpMATCH_CLASS:
			names := frame.pop()
			typ := frame.pop()
			subject := frame.pop()
			attrs, err := ts.MatchClass(subject.AsObjectBorrow(), typ.AsObjectBorrow(), arg, names.AsObjectBorrow())
			names.Close(ts)
			typ.Close(ts)
			subject.Close(ts)
			if err != nil {
				return nil, err
			}
			frame.push(FromObjectSteal(attrs))

		// --- Generators ---
		case OpRETURN_GENERATOR:
			if out, done, err := l.returnGenerator(frame); err != nil {
				return nil, err
			} else if done {
				return out, nil
			}
			continue

		case OpYIELD_VALUE:
			if frame.gen == nil {
				return nil, ts.Errorf(SystemErrorType, "YIELD_VALUE outside a generator frame")
			}
			if err := ts.fire(EventPyYield, frame, frame.peek(1).AsObjectBorrow()); err != nil {
				return nil, err
			}
			res := frame.pop().MakeHeapSafe(ts)
			gen := frame.gen
			gen.state = genSuspended
			frame.InstrPtr++
			ts.leaveRecursivePy()
			ts.excInfo = gen.excState.previous
			gen.excState.previous = nil
			l.frame = frame.Previous
			frame.Previous = nil
			ts.setCurrent(l.frame)
			if l.frame == l.entry {
				l.exit()
				return res.AsObjectSteal(ts), nil
			}
			l.frame.push(res)
			l.frame.InstrPtr += l.frame.ReturnOffset
			continue

		default:
			return nil, ts.Errorf(SystemErrorType, "unknown opcode %s", op)
		}
		frame.InstrPtr++
	}
}

// ---------------------------------------------------------------------------
// Instruction helpers
// ---------------------------------------------------------------------------

// call implements CALL and CALL_KW on the layout
// [callable, self_or_null, args...]. A Python function comes back as a
// pushed frame; any other callable has run and its result is on the stack.
func (l *evalLoop) call(frame *Frame, nargs int, kwnames *Object) (*Frame, error) {
	ts := l.ts
	callable := frame.peek(nargs + 2)
	self := frame.peek(nargs + 1)
	if self.IsNull() && callable.AsObjectBorrow().typ == MethodType {
		m := callable.AsObjectBorrow().val.(*Method)
		frame.setPeek(nargs+1, FromObjectNew(ts, m.Self))
		frame.setPeek(nargs+2, FromObjectNew(ts, m.Func))
		callable.Close(ts)
		callable = frame.peek(nargs + 2)
		self = frame.peek(nargs + 1)
	}
	total := nargs
	if !self.IsNull() {
		total++
	}
	argcount := total - kwCount(kwnames)
	callee, res, err := ts.callStack(frame, callable, frame.stackSlice(total), argcount, kwnames)
	// Every slot was consumed by the call.
	frame.drop(nargs + 2)
	if err != nil {
		return nil, err
	}
	if callee == nil {
		frame.push(FromObjectSteal(res))
	}
	return callee, nil
}

// callEx implements CALL_FUNCTION_EX on [callable, null, args, kwargs|null].
func (l *evalLoop) callEx(frame *Frame) (*Frame, error) {
	ts := l.ts
	fn := frame.peek(4).AsObjectBorrow()
	args := frame.peek(2).AsObjectBorrow()
	kwargs := frame.peek(1)
	closeAll := func() {
		for i := 0; i < 4; i++ {
			frame.pop().CloseOrNull(ts)
		}
	}
	if !IsInstance(args, TupleType) {
		if !isIterable(args) {
			closeAll()
			return nil, ts.Errorf(TypeErrorType, "%s argument after * must be an iterable, not %s", functionStr(fn), args.typ.Name)
		}
		items, err := ts.iterateAll(args)
		if err != nil {
			closeAll()
			return nil, err
		}
		tup, err := ts.NewTuple(items)
		if err != nil {
			closeAll()
			return nil, err
		}
		frame.peek(2).Close(ts)
		frame.setPeek(2, FromObjectSteal(tup))
		args = tup
	}
	if !kwargs.IsNull() && DictOf(kwargs.AsObjectBorrow()) == nil {
		closeAll()
		return nil, ts.Errorf(TypeErrorType, "%s argument after ** must be a mapping, not %s", functionStr(fn), kwargs.AsObjectBorrow().typ.Name)
	}

	if fn.typ == FunctionType {
		fnRef := frame.peek(4)
		argsObj := frame.peek(2).AsObjectSteal(ts)
		var kw *Object
		if !kwargs.IsNull() {
			kw = kwargs.AsObjectSteal(ts)
		}
		frame.drop(4)
		return ts.PushAndInitEx(fnRef, nil, argsObj, kw, frame)
	}

	objs := append([]*Object(nil), TupleItems(args)...)
	var kwnames *Object
	if !kwargs.IsNull() {
		if items := DictOf(kwargs.AsObjectBorrow()).Items(); len(items) > 0 {
			names := make([]*Object, len(items))
			for i, e := range items {
				if e.Key.typ != StrType {
					closeAll()
					return nil, ts.Errorf(TypeErrorType, "keywords must be strings")
				}
				names[i] = e.Key
				objs = append(objs, e.Value)
			}
			var err error
			if kwnames, err = ts.PackTuple(names...); err != nil {
				closeAll()
				return nil, err
			}
		}
	}
	res, err := ts.CallKw(fn, objs, kwnames)
	ts.xdecref(kwnames)
	closeAll()
	if err != nil {
		return nil, err
	}
	frame.push(FromObjectSteal(res))
	return nil, nil
}

// returnGenerator moves the running frame into a new generator and returns
// the generator to the caller.
func (l *evalLoop) returnGenerator(frame *Frame) (*Object, bool, error) {
	ts := l.ts
	genObj, err := ts.newGenerator(frame)
	if err != nil {
		return nil, false, err
	}
	gen := genObj.val.(*Generator)
	frame.InstrPtr++
	copyFrame(ts, frame, gen.frame)
	gen.frame.Owner = OwnedByGenerator
	if fo := gen.frame.frameObj; fo != nil {
		fo.val.(*FrameObject).frame = gen.frame
	}
	// The references now belong to the generator's copy.
	frame.frameObj = nil
	ts.PopFrame(frame)
	ts.leaveRecursivePy()
	l.frame = frame.Previous
	ts.setCurrent(l.frame)
	if l.frame == l.entry {
		l.exit()
		return genObj, true, nil
	}
	l.frame.push(FromObjectSteal(genObj))
	l.frame.InstrPtr += l.frame.ReturnOffset
	return nil, false, nil
}

// doRaise implements RAISE_VARARGS with an operand, consuming exc and cause
// (which may be Null).
func (ts *ThreadState) doRaise(excRef, causeRef StackRef) error {
	excObj := excRef.AsObjectSteal(ts)
	value, err := ts.exceptionInstance(excObj, "exceptions must derive from BaseException")
	ts.decref(excObj)
	if err != nil {
		causeRef.CloseOrNull(ts)
		return err
	}
	if !causeRef.IsNull() {
		c := causeRef.AsObjectSteal(ts)
		var cause *Object
		if c != None {
			cause, err = ts.exceptionInstance(c, "exception causes must derive from BaseException")
		}
		ts.decref(c)
		if err != nil {
			ts.decref(value)
			return err
		}
		ts.setCause(value, cause)
		ts.xdecref(cause)
	}
	if ctx := ts.topmostException(); ctx != nil {
		ts.setContext(value, ctx)
	}
	return &Raised{Exc: value}
}

// exceptionInstance returns a new reference to the exception o denotes: o
// itself when it is an instance, a fresh instance when it is a class.
func (ts *ThreadState) exceptionInstance(o *Object, notException string) (*Object, error) {
	if t, ok := AsType(o); ok && IsSubtype(t, BaseExceptionType) {
		v, err := ts.Call(o)
		if err != nil {
			return nil, err
		}
		if !IsInstance(v, BaseExceptionType) {
			ts.decref(v)
			return nil, ts.Errorf(TypeErrorType, "calling %s should have returned an instance of BaseException, not %s", Repr(o), v.typ.Name)
		}
		return v, nil
	}
	if IsInstance(o, BaseExceptionType) {
		return ts.NewRef(o), nil
	}
	return nil, ts.Errorf(TypeErrorType, "%s", notException)
}

func (ts *ThreadState) unboundLocal(code *Code, i int) error {
	name := code.LocalName(i)
	if code.LocalsPlusKinds[i]&LocalFree != 0 {
		return ts.Errorf(NameErrorType, "cannot access free variable '%s' where it is not associated with a value in enclosing scope", name)
	}
	return ts.Errorf(UnboundLocalErrorType, "cannot access local variable '%s' where it is not associated with a value", name)
}

// nameError reports an undefined name, suggesting a close match from the
// frame's locals, globals and builtins.
func (ts *ThreadState) nameError(frame *Frame, name *Object) error {
	n := Str(name)
	var candidates []string
	for i := 0; i < frame.code.NLocalsPlus(); i++ {
		candidates = append(candidates, frame.code.LocalName(i))
	}
	for _, d := range []*Object{frame.locals, frame.globals, frame.builtins} {
		if DictOf(d) == nil {
			continue
		}
		for _, e := range DictOf(d).Items() {
			if k, ok := StrValue(e.Key); ok {
				candidates = append(candidates, k)
			}
		}
	}
	if s := suggestName(candidates, n); s != "" {
		return ts.Errorf(NameErrorType, "name '%s' is not defined. Did you mean: '%s'?", n, s)
	}
	return ts.Errorf(NameErrorType, "name '%s' is not defined", n)
}

// loadGlobal returns a new reference to a global, falling back to the
// frame's builtins.
func (ts *ThreadState) loadGlobal(frame *Frame, name *Object) (*Object, error) {
	for _, d := range []*Object{frame.globals, frame.builtins} {
		if DictOf(d) == nil {
			continue
		}
		v, ok, err := DictOf(d).GetItemRef(ts, name)
		if err != nil || ok {
			return v, err
		}
	}
	return nil, ts.nameError(frame, name)
}

// loadName is loadGlobal preceded by the frame's explicit locals.
func (ts *ThreadState) loadName(frame *Frame, name *Object) (*Object, error) {
	if frame.locals == nil {
		return nil, ts.Errorf(SystemErrorType, "no locals when loading %s", Repr(name))
	}
	if d := DictOf(frame.locals); d != nil {
		v, ok, err := d.GetItemRef(ts, name)
		if err != nil || ok {
			return v, err
		}
	}
	return ts.loadGlobal(frame, name)
}

// functionStr names a callable in call diagnostics.
func functionStr(fn *Object) string {
	switch p := fn.val.(type) {
	case *Function:
		return p.QualName + "()"
	case *Builtin:
		return p.Name + "()"
	case *Method:
		return functionStr(p.Func)
	}
	if t, ok := AsType(fn); ok {
		return t.Name + "()"
	}
	return fn.typ.Name + " object"
}
