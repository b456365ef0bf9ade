package vm

import "fmt"

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

// withArguments reads args and calls complete once every value is available
// and resolved. Pending futures repeat the op; deferred operands are resolved
// first, possibly through calls.
func withArguments(f *Frame, args []int, complete func(f *Frame, vals []ObjectHandle) Result) Result {
	vals, ex := f.GetArguments(args)
	if ex != nil {
		return f.Raise(ex)
	}
	if vals == nil {
		return Repeat()
	}
	if anyDeferred(vals) {
		return ResolveArguments(f, vals, ContinuationFunc(func(caller *Frame) Result {
			return complete(caller, vals)
		}))
	}
	return complete(f, vals)
}

func prepend(first int, rest []int) []int {
	return append([]int{first}, rest...)
}

// ---------------------------------------------------------------------------
// Moves, returns and control flow
// ---------------------------------------------------------------------------

// OpNop does nothing.
type OpNop struct{}

func (OpNop) Process(*Frame, int) Result { return Next() }

// OpMove copies From into To.
type OpMove struct{ From, To int }

func (op OpMove) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.From}, func(f *Frame, vals []ObjectHandle) Result {
		return f.AssignValue(op.To, vals[0])
	})
}

// OpReturn0 returns no value.
type OpReturn0 struct{}

func (OpReturn0) Process(*Frame, int) Result { return Return0() }

// OpReturn1 returns Arg.
type OpReturn1 struct{ Arg int }

func (op OpReturn1) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Arg}, func(f *Frame, vals []ObjectHandle) Result {
		return Return1(vals[0])
	})
}

// OpReturnN returns Args positionally.
type OpReturnN struct{ Args []int }

func (op OpReturnN) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		return ReturnN(vals)
	})
}

// OpReturnT returns the tuple in Arg.
type OpReturnT struct{ Arg int }

func (op OpReturnT) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Arg}, func(f *Frame, vals []ObjectHandle) Result {
		t, ok := vals[0].(*TupleHandle)
		if !ok {
			return f.RaiseNew(f.Registry().IllegalState, "return of %s as a tuple", vals[0].Type())
		}
		return ReturnT(t)
	})
}

// OpJump continues at Addr.
type OpJump struct{ Addr int }

func (op OpJump) Process(*Frame, int) Result { return JumpTo(op.Addr) }

// OpJumpTrue continues at Addr when Cond is true.
type OpJumpTrue struct{ Cond, Addr int }

func (op OpJumpTrue) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Cond}, func(f *Frame, vals []ObjectHandle) Result {
		if Truthy(vals[0]) {
			return JumpTo(op.Addr)
		}
		return Next()
	})
}

// OpJumpFalse continues at Addr when Cond is false.
type OpJumpFalse struct{ Cond, Addr int }

func (op OpJumpFalse) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Cond}, func(f *Frame, vals []ObjectHandle) Result {
		if !Truthy(vals[0]) {
			return JumpTo(op.Addr)
		}
		return Next()
	})
}

// OpThrow raises Arg, which is an exception or a message string.
type OpThrow struct{ Arg int }

func (op OpThrow) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Arg}, func(f *Frame, vals []ObjectHandle) Result {
		reg := f.Registry()
		switch v := vals[0].(type) {
		case *ExceptionHandle:
			return f.Raise(v)
		case *StringHandle:
			return f.Raise(reg.NewException(reg.Exception, "%s", v.Value))
		}
		return f.RaiseNew(reg.Unsupported, "cannot throw %s", vals[0].Type())
	})
}

// OpYield gives other fibers of the context a turn.
type OpYield struct{}

func (OpYield) Process(*Frame, int) Result { return Yield() }

// OpEnterScope opens a nested scope.
type OpEnterScope struct{}

func (OpEnterScope) Process(f *Frame, pc int) Result {
	f.EnterScope()
	return Next()
}

// OpExitScope closes the innermost scope.
type OpExitScope struct{}

func (OpExitScope) Process(f *Frame, pc int) Result {
	f.ExitScope()
	return Next()
}

// OpEnterCritical forbids reentrancy until OpExitCritical or the fiber ends.
type OpEnterCritical struct{}

func (OpEnterCritical) Process(f *Frame, pc int) Result {
	f.EnterCriticalSection()
	return Next()
}

// OpExitCritical restores the reentrancy saved by OpEnterCritical.
type OpExitCritical struct{}

func (OpExitCritical) Process(f *Frame, pc int) Result {
	f.ExitCriticalSection()
	return Next()
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// OpCall1 calls Method on the frame's target.
type OpCall1 struct {
	Method *Method
	Args   []int
	Ret    int
}

func (op OpCall1) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		return f.Registry().NewFunction(op.Method).Call1(f, f.This, vals, op.Ret)
	})
}

// OpCallN calls Method on the frame's target with several results.
type OpCallN struct {
	Method *Method
	Args   []int
	Rets   []int
}

func (op OpCallN) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		return f.Registry().NewFunction(op.Method).CallN(f, f.This, vals, op.Rets)
	})
}

// OpCallT calls Method on the frame's target packing results into a tuple.
type OpCallT struct {
	Method *Method
	Args   []int
	Ret    int
}

func (op OpCallT) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		return f.Registry().NewFunction(op.Method).CallT(f, f.This, vals, op.Ret)
	})
}

func lookupMethod(f *Frame, target ObjectHandle, name string) (*FunctionHandle, *ExceptionHandle) {
	reg := f.Registry()
	t := target.Type()
	if px, ok := target.(*ProxyHandle); ok {
		t = px.Target.Type()
	}
	m := t.FindMethod(name)
	if m == nil {
		return nil, reg.NewException(reg.Unsupported, "%s has no method %q", t, name)
	}
	return reg.NewFunction(m), nil
}

// OpInvoke1 invokes method Method of Target. Invocations on services and
// proxies owned by other contexts are sent as requests.
type OpInvoke1 struct {
	Target int
	Method string
	Args   []int
	Ret    int
}

func (op OpInvoke1) Process(f *Frame, pc int) Result {
	return withArguments(f, prepend(op.Target, op.Args), func(f *Frame, vals []ObjectHandle) Result {
		fn, ex := lookupMethod(f, vals[0], op.Method)
		if ex != nil {
			return f.Raise(ex)
		}
		return fn.Call1(f, vals[0], vals[1:], op.Ret)
	})
}

// OpInvokeN invokes Method of Target with several results.
type OpInvokeN struct {
	Target int
	Method string
	Args   []int
	Rets   []int
}

func (op OpInvokeN) Process(f *Frame, pc int) Result {
	return withArguments(f, prepend(op.Target, op.Args), func(f *Frame, vals []ObjectHandle) Result {
		fn, ex := lookupMethod(f, vals[0], op.Method)
		if ex != nil {
			return f.Raise(ex)
		}
		return fn.CallN(f, vals[0], vals[1:], op.Rets)
	})
}

// OpInvokeT invokes Method of Target packing its results into a tuple.
type OpInvokeT struct {
	Target int
	Method string
	Args   []int
	Ret    int
}

func (op OpInvokeT) Process(f *Frame, pc int) Result {
	return withArguments(f, prepend(op.Target, op.Args), func(f *Frame, vals []ObjectHandle) Result {
		fn, ex := lookupMethod(f, vals[0], op.Method)
		if ex != nil {
			return f.Raise(ex)
		}
		return fn.CallT(f, vals[0], vals[1:], op.Ret)
	})
}

// OpNewService creates a service in a new context; Ret receives the future
// of its handle. An empty Name is generated.
type OpNewService struct {
	Name        string
	Composition *Composition
	Constructor *Method
	Args        []int
	Ret         int
}

func (op OpNewService) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		_, fut, err := f.Context.container.ConstructService(f, op.Name, op.Composition, op.Constructor, vals)
		if err != nil {
			if ex, ok := err.(*ExceptionHandle); ok {
				return f.Raise(ex)
			}
			return f.RaiseNew(f.Registry().IllegalState, "%v", err)
		}
		return f.AssignValue(op.Ret, f.Registry().FutureOf(fut))
	})
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

// OpGetProperty reads Property of Target into Ret.
type OpGetProperty struct {
	Target   int
	Property string
	Ret      int
}

func (op OpGetProperty) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Target}, func(f *Frame, vals []ObjectHandle) Result {
		return PropertyGet(f, vals[0], op.Property, nil, op.Ret)
	})
}

// OpSetProperty stores Value into Property of Target.
type OpSetProperty struct {
	Target   int
	Property string
	Value    int
}

func (op OpSetProperty) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Target, op.Value}, func(f *Frame, vals []ObjectHandle) Result {
		return PropertySet(f, vals[0], op.Property, vals[1], Unused)
	})
}

// OpPreIncProperty increments an Int property and stores the new value.
type OpPreIncProperty struct {
	Target   int
	Property string
	Ret      int
}

func (op OpPreIncProperty) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Target}, func(f *Frame, vals []ObjectHandle) Result {
		return PropertyPreIncrement(f, vals[0], op.Property, nil, op.Ret)
	})
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// OpAdd stores A + B. Ints add, strings concatenate.
type OpAdd struct{ A, B, Ret int }

func (op OpAdd) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.A, op.B}, func(f *Frame, vals []ObjectHandle) Result {
		reg := f.Registry()
		switch a := vals[0].(type) {
		case *IntHandle:
			if b, ok := vals[1].(*IntHandle); ok {
				return f.AssignValue(op.Ret, reg.Int64(a.Value+b.Value))
			}
		case *StringHandle:
			return f.AssignValue(op.Ret, reg.Str(a.Value+stringOf(vals[1])))
		}
		return f.RaiseNew(reg.Unsupported, "cannot add %s and %s", vals[0].Type(), vals[1].Type())
	})
}

// OpLess stores A < B for Ints.
type OpLess struct{ A, B, Ret int }

func (op OpLess) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.A, op.B}, func(f *Frame, vals []ObjectHandle) Result {
		a, okA := vals[0].(*IntHandle)
		b, okB := vals[1].(*IntHandle)
		if !okA || !okB {
			return f.RaiseNew(f.Registry().Unsupported, "cannot compare %s and %s", vals[0].Type(), vals[1].Type())
		}
		return f.AssignValue(op.Ret, f.Registry().Bool(a.Value < b.Value))
	})
}

// OpNewTuple packs Args into a tuple.
type OpNewTuple struct {
	Args []int
	Ret  int
}

func (op OpNewTuple) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		return f.AssignValue(op.Ret, f.Registry().NewTuple(vals...))
	})
}

// OpUnpack stores the elements of the tuple Arg into Rets.
type OpUnpack struct {
	Arg  int
	Rets []int
}

func (op OpUnpack) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Arg}, func(f *Frame, vals []ObjectHandle) Result {
		t, ok := vals[0].(*TupleHandle)
		if !ok {
			return f.RaiseNew(f.Registry().Unsupported, "cannot unpack %s", vals[0].Type())
		}
		if len(t.Values) < len(op.Rets) {
			return f.RaiseNew(f.Registry().OutOfBounds, "tuple of %d cannot fill %d registers", len(t.Values), len(op.Rets))
		}
		for i, reg := range op.Rets {
			if r := f.AssignValue(reg, t.Values[i]); r.Code != CodeNext {
				return r
			}
		}
		return Next()
	})
}

// OpNew stores a new instance of Composition.
type OpNew struct {
	Composition *Composition
	Ret         int
}

func (op OpNew) Process(f *Frame, pc int) Result {
	return f.AssignValue(op.Ret, f.Registry().NewObject(op.Composition))
}

// OpNewArray stores a new mutable array of Args.
type OpNewArray struct {
	Args []int
	Ret  int
}

func (op OpNewArray) Process(f *Frame, pc int) Result {
	return withArguments(f, op.Args, func(f *Frame, vals []ObjectHandle) Result {
		return f.AssignValue(op.Ret, f.Registry().NewArray(vals...))
	})
}

// OpFreeze makes the array or object in Arg immutable.
type OpFreeze struct{ Arg int }

func (op OpFreeze) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Arg}, func(f *Frame, vals []ObjectHandle) Result {
		switch h := vals[0].(type) {
		case *ArrayHandle:
			h.Freeze()
		case *GenericHandle:
			h.Freeze()
		}
		return Next()
	})
}

// OpProxy wraps the value in Arg in a proxy owned by the frame's context.
type OpProxy struct{ Arg, Ret int }

func (op OpProxy) Process(f *Frame, pc int) Result {
	return withArguments(f, []int{op.Arg}, func(f *Frame, vals []ObjectHandle) Result {
		if px, ok := vals[0].(*ProxyHandle); ok {
			return f.AssignValue(op.Ret, px)
		}
		return f.AssignValue(op.Ret, f.Registry().NewProxy(vals[0], f.Context))
	})
}

func stringOf(h ObjectHandle) string {
	if s, ok := h.(*StringHandle); ok {
		return s.Value
	}
	return fmt.Sprint(h)
}
