package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Return targets
// ---------------------------------------------------------------------------

// ReturnKind selects how a callee's return values reach its caller.
type ReturnKind uint8

const (
	RetUnused ReturnKind = iota
	RetSingle
	RetMulti
	RetTuple
	RetStack
)

// ReturnTarget is where a frame's return values are stored in its caller.
type ReturnTarget struct {
	Kind  ReturnKind
	Slot  int
	Slots []int
}

// ToSlot targets a single register; Unused and StackSlot are honored.
func ToSlot(reg int) ReturnTarget {
	switch reg {
	case Unused:
		return ReturnTarget{Kind: RetUnused}
	case StackSlot:
		return ReturnTarget{Kind: RetStack}
	}
	return ReturnTarget{Kind: RetSingle, Slot: reg}
}

// ToSlots targets several registers positionally.
func ToSlots(regs ...int) ReturnTarget { return ReturnTarget{Kind: RetMulti, Slots: regs} }

// ToTuple packs all return values into a tuple stored in reg.
func ToTuple(reg int) ReturnTarget { return ReturnTarget{Kind: RetTuple, Slot: reg} }

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

type varKind uint8

const (
	varStandard varKind = iota
	// varWaiting holds an unresolved future destined for a standard register
	varWaiting
	// varFuture is a dynamic register that stores futures as values
	varFuture
)

// Frame is one activation of a method on a fiber's call stack.
type Frame struct {
	Context *ServiceContext
	Fiber   *Fiber
	ID      int
	Method  *Method
	Ops     []Op
	This    ObjectHandle
	Vars    []ObjectHandle
	PC      int
	Depth   int

	kinds        []varKind
	ret          ReturnTarget
	caller       *Frame
	continuation Continuation
	exception    *ExceptionHandle
	stack        []ObjectHandle
	// suspendPC is the op that last suspended the frame; exceptions raised
	// on resumption are raised there.
	suspendPC int
}

func newFrame(sc *ServiceContext, fiber *Fiber, caller *Frame, m *Method, ops []Op,
	this ObjectHandle, args []ObjectHandle, nVars int, ret ReturnTarget) *Frame {
	n := max(nVars, len(args))
	f := &Frame{
		Context: sc,
		Fiber:   fiber,
		ID:      sc.nextFrameID(),
		Method:  m,
		Ops:     ops,
		This:    this,
		Vars:    make([]ObjectHandle, n),
		kinds:   make([]varKind, n),
		ret:     ret,
		caller:  caller,
	}
	copy(f.Vars, args)
	return f
}

// CreateFrame creates a callee of f running m. Return Call(callee) from the
// op to push it.
func (f *Frame) CreateFrame(m *Method, this ObjectHandle, args []ObjectHandle, ret ReturnTarget) *Frame {
	return newFrame(f.Context, f.Fiber, f, m, m.Ops, this, args, m.MaxVars, ret)
}

// CreateFrame1 creates a callee whose single result goes to reg.
func (f *Frame) CreateFrame1(m *Method, this ObjectHandle, args []ObjectHandle, reg int) *Frame {
	return f.CreateFrame(m, this, args, ToSlot(reg))
}

// CreateFrameN creates a callee whose results go to regs.
func (f *Frame) CreateFrameN(m *Method, this ObjectHandle, args []ObjectHandle, regs []int) *Frame {
	return f.CreateFrame(m, this, args, ToSlots(regs...))
}

// CreateFrameT creates a callee whose results are packed into a tuple in reg.
func (f *Frame) CreateFrameT(m *Method, this ObjectHandle, args []ObjectHandle, reg int) *Frame {
	return f.CreateFrame(m, this, args, ToTuple(reg))
}

// Caller returns the calling frame, or nil for a proto-frame.
func (f *Frame) Caller() *Frame { return f.caller }

// IsProto reports whether f is the root frame of its fiber.
func (f *Frame) IsProto() bool { return f.caller == nil }

// Exception is the uncaught exception delivered to a proto-frame.
func (f *Frame) Exception() *ExceptionHandle { return f.exception }

// Registry returns the registry of the frame's container.
func (f *Frame) Registry() *Registry { return f.Context.container.Registry }

// SetContinuation installs c. An existing continuation runs first and c runs
// only when it advances.
func (f *Frame) SetContinuation(c Continuation) {
	if f.continuation == nil {
		f.continuation = c
		return
	}
	f.continuation = continuationChain{first: f.continuation, second: c}
}

// DeclareFutureVar makes reg a dynamic register that holds futures unresolved.
func (f *Frame) DeclareFutureVar(reg int) { f.kinds[reg] = varFuture }

func (f *Frame) String() string {
	return fmt.Sprintf("frame#%d %s@%d", f.ID, f.Method, f.PC)
}

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// AssignValue stores v into reg. Assigning an unresolved future into a
// standard register marks it waiting and returns Block; a future that
// already failed raises its exception.
func (f *Frame) AssignValue(reg int, v ObjectHandle) Result {
	switch reg {
	case Unused:
		return Next()
	case StackSlot:
		f.PushStack(v)
		return Next()
	}
	if fh, ok := v.(*FutureHandle); ok && f.kinds[reg] != varFuture {
		if !fh.Future.IsDone() {
			f.Vars[reg] = fh
			f.kinds[reg] = varWaiting
			f.Fiber.waitOn(fh.Future)
			return Block()
		}
		val, ex := fh.Future.Value()
		if ex != nil {
			return f.Raise(ex)
		}
		v = f.orNil(val)
	}
	f.Vars[reg] = v
	if f.kinds[reg] == varWaiting {
		f.kinds[reg] = varStandard
	}
	return Next()
}

// GetArgument reads operand arg. It returns nil, nil when the operand is a
// future that has not completed; the op should then return Repeat. The
// value may be a deferred handle, see ResolveArguments.
func (f *Frame) GetArgument(arg int) (ObjectHandle, *ExceptionHandle) {
	switch {
	case arg == ArgThis:
		return f.This, nil
	case IsConst(arg):
		return f.Context.container.Heap.EnsureConstHandle(f, constIndex(arg))
	case arg < 0:
		panic(fmt.Sprintf("vm: invalid operand %d in %s", arg, f))
	}

	v := f.Vars[arg]
	switch f.kinds[arg] {
	case varWaiting:
		fh := v.(*FutureHandle)
		if !fh.Future.IsDone() {
			f.Fiber.waitOn(fh.Future)
			return nil, nil
		}
		val, ex := fh.Future.Value()
		if ex != nil {
			return nil, ex
		}
		val = f.orNil(val)
		f.Vars[arg] = val
		f.kinds[arg] = varStandard
		return val, nil
	case varFuture:
		return v, nil
	}
	if v == nil {
		return nil, f.Registry().NewException(f.Registry().IllegalState, "register %d is unassigned", arg)
	}
	return v, nil
}

// GetArguments reads several operands. It returns nil, nil if any of them is
// still pending.
func (f *Frame) GetArguments(args []int) ([]ObjectHandle, *ExceptionHandle) {
	vals := make([]ObjectHandle, len(args))
	for i, arg := range args {
		v, ex := f.GetArgument(arg)
		if ex != nil {
			return nil, ex
		}
		if v == nil {
			return nil, nil
		}
		vals[i] = v
	}
	return vals, nil
}

// RepeatUntil suspends the fiber at the current op, which runs again once
// fut completes or the fiber times out. Returning Repeat without a future
// makes the fiber ready again immediately.
func (f *Frame) RepeatUntil(fut *Future) Result {
	if !fut.IsDone() {
		f.Fiber.waitOn(fut)
	}
	return Repeat()
}

// checkWaitingRegisters resolves the frame's waiting registers after the
// fiber is resumed. It returns Block while any of them is pending.
func (f *Frame) checkWaitingRegisters() Result {
	for i, k := range f.kinds {
		if k != varWaiting {
			continue
		}
		fh := f.Vars[i].(*FutureHandle)
		if !fh.Future.IsDone() {
			return Block()
		}
		val, ex := fh.Future.Value()
		f.kinds[i] = varStandard
		if ex != nil {
			f.Vars[i] = nil
			return f.Raise(ex)
		}
		f.Vars[i] = f.orNil(val)
	}
	return Next()
}

// pendingFutures returns the unresolved futures of the waiting registers.
func (f *Frame) pendingFutures() []*Future {
	var pending []*Future
	for i, k := range f.kinds {
		if k != varWaiting {
			continue
		}
		if fh := f.Vars[i].(*FutureHandle); !fh.Future.IsDone() {
			pending = append(pending, fh.Future)
		}
	}
	return pending
}

// dropWaiting empties the waiting registers of a fiber that timed out. A
// late response no longer reaches them and reading one raises IllegalState.
func (f *Frame) dropWaiting() {
	for i, k := range f.kinds {
		if k == varWaiting {
			f.Vars[i] = nil
			f.kinds[i] = varStandard
		}
	}
}

func (f *Frame) orNil(v ObjectHandle) ObjectHandle {
	if v == nil {
		return f.Registry().Nil()
	}
	return v
}

// ---------------------------------------------------------------------------
// Value stack and scopes
// ---------------------------------------------------------------------------

// PushStack pushes v onto the frame's value stack.
func (f *Frame) PushStack(v ObjectHandle) { f.stack = append(f.stack, v) }

// PopStack pops the top of the value stack.
func (f *Frame) PopStack() ObjectHandle {
	n := len(f.stack)
	if n == 0 {
		panic("stack underflow")
	}
	v := f.stack[n-1]
	f.stack[n-1] = nil
	f.stack = f.stack[:n-1]
	return v
}

// EnterScope opens a nested scope.
func (f *Frame) EnterScope() {
	f.Depth++
	if f.Method != nil && f.Method.MaxScopes > 0 && f.Depth > f.Method.MaxScopes {
		panic(fmt.Sprintf("vm: scope overflow in %s", f))
	}
}

// ExitScope closes the innermost scope.
func (f *Frame) ExitScope() {
	if f.Depth == 0 {
		panic(fmt.Sprintf("vm: scope underflow in %s", f))
	}
	f.Depth--
}

// ---------------------------------------------------------------------------
// Exceptions and guards
// ---------------------------------------------------------------------------

// Raise records the logical stack trace on ex if it has none and returns
// the exception result.
func (f *Frame) Raise(ex *ExceptionHandle) Result {
	if ex.Trace == nil {
		ex.Trace = f.StackTrace()
	}
	return Raise(ex)
}

// RaiseNew raises a new exception of composition c.
func (f *Frame) RaiseNew(c *Composition, format string, args ...any) Result {
	return f.Raise(f.Registry().NewException(c, format, args...))
}

// FindGuard returns the innermost guard of f that covers pc and accepts ex.
func (f *Frame) FindGuard(ex *ExceptionHandle, pc int) *Guard {
	if f.Method == nil {
		return nil
	}
	for i := range f.Method.Guards {
		if g := &f.Method.Guards[i]; g.Covers(ex, pc) {
			return g
		}
	}
	return nil
}

// enterHandler restores the guard's scope depth and stores ex.
func (f *Frame) enterHandler(g *Guard, ex *ExceptionHandle) {
	f.Depth = g.Depth
	f.stack = f.stack[:0]
	if g.Var >= 0 {
		f.Vars[g.Var] = ex
		f.kinds[g.Var] = varStandard
	}
	f.PC = g.Handler
}

// StackTrace renders the frames of the fiber followed by the logical caller
// chain of fibers in other contexts.
func (f *Frame) StackTrace() []string {
	var trace []string
	for fr := f; fr != nil; fr = fr.caller {
		if fr.Method == nil {
			continue
		}
		trace = append(trace, fmt.Sprintf("%s@%d [%s]", fr.Method, fr.PC, fr.Context.Name))
	}
	if f.Fiber == nil {
		return trace
	}
	for fib := f.Fiber; fib.CallerFiber != nil; fib = fib.CallerFiber {
		trace = append(trace, fmt.Sprintf("%s@%d [%s fiber#%d]",
			fib.CallerMethod, fib.CallerPC, fib.CallerFiber.Context.Name, fib.CallerFiber.ID))
	}
	return trace
}

// ---------------------------------------------------------------------------
// Return delivery
// ---------------------------------------------------------------------------

// deliver stores the values of a return result into the caller according to
// f's return target. It returns Next, BlockReturn when the caller must wait
// on a returned future, or an exception raised in the caller.
func (f *Frame) deliver(res Result) Result {
	caller := f.caller
	if caller == nil {
		return Next()
	}
	vals := res.Values

	switch f.ret.Kind {
	case RetUnused:
		return Next()

	case RetSingle, RetStack:
		var v ObjectHandle
		if len(vals) > 0 {
			v = vals[0]
		}
		reg := f.ret.Slot
		if f.ret.Kind == RetStack {
			reg = StackSlot
		}
		return blockReturn(caller.AssignValue(reg, caller.orNil(v)))

	case RetMulti:
		if res.Code == CodeReturnTuple {
			vals = vals[0].(*TupleHandle).Values
		}
		if len(vals) < len(f.ret.Slots) {
			return caller.RaiseNew(caller.Registry().IllegalState,
				"%s returned %d values, caller expects %d", f.Method, len(vals), len(f.ret.Slots))
		}
		out := Next()
		for i, reg := range f.ret.Slots {
			r := caller.AssignValue(reg, caller.orNil(vals[i]))
			switch r.Code {
			case CodeException:
				return r
			case CodeBlock:
				out = r
			}
		}
		return blockReturn(out)

	case RetTuple:
		if res.Code == CodeReturnTuple {
			return blockReturn(caller.AssignValue(f.ret.Slot, vals[0]))
		}
		return blockReturn(caller.AssignValue(f.ret.Slot, caller.Registry().NewTuple(vals...)))
	}
	panic(fmt.Sprintf("vm: invalid return target %d", f.ret.Kind))
}

func blockReturn(r Result) Result {
	if r.Code == CodeBlock {
		r.Code = CodeBlockReturn
	}
	return r
}
