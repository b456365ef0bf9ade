package vm

// ---------------------------------------------------------------------------
// Deferred operands
// ---------------------------------------------------------------------------

// deferredHandle marks values that stand in for an operand that has to be
// computed before an op can use it.
type deferredHandle interface {
	ObjectHandle
	deferred()
}

// DeferredPropertyHandle reads a property of the frame's target.
type DeferredPropertyHandle struct {
	Property string
}

func (*DeferredPropertyHandle) Type() *Composition { return nil }
func (*DeferredPropertyHandle) IsMutable() bool    { return false }
func (*DeferredPropertyHandle) deferred()          {}

// DeferredSingletonHandle is a singleton constant that may still need
// initialization.
type DeferredSingletonHandle struct {
	Singleton *Singleton
}

func (*DeferredSingletonHandle) Type() *Composition { return nil }
func (*DeferredSingletonHandle) IsMutable() bool    { return false }
func (*DeferredSingletonHandle) deferred()          {}

// DeferredCallHandle is an operand whose computation failed.
type DeferredCallHandle struct {
	Exception *ExceptionHandle
}

func (*DeferredCallHandle) Type() *Composition { return nil }
func (*DeferredCallHandle) IsMutable() bool    { return false }
func (*DeferredCallHandle) deferred()          {}

// IsDeferred reports whether h must be resolved before use.
func IsDeferred(h ObjectHandle) bool {
	_, ok := h.(deferredHandle)
	return ok
}

func anyDeferred(vals []ObjectHandle) bool {
	for _, v := range vals {
		if IsDeferred(v) {
			return true
		}
	}
	return false
}

// ResolveArguments replaces the deferred handles in args, in place, and then
// proceeds with then on the frame that continues. Resolution may call other
// frames; the result is whatever the chain produces first.
func ResolveArguments(f *Frame, args []ObjectHandle, then Continuation) Result {
	r := &argResolver{args: args, then: then}
	return r.next(f)
}

type argResolver struct {
	args  []ObjectHandle
	index int
	then  Continuation
}

func (r *argResolver) next(f *Frame) Result {
	for r.index < len(r.args) {
		switch d := r.args[r.index].(type) {
		case *DeferredCallHandle:
			return f.Raise(d.Exception)

		case *DeferredPropertyHandle:
			tmpl := f.Registry().TemplateOf(f.This.Type())
			if res := r.await(f, tmpl.GetProperty(f, f.This, d.Property, StackSlot)); res.Code != CodeNext {
				return res
			}

		case *DeferredSingletonHandle:
			if v := d.Singleton.Value(); v != nil {
				r.args[r.index] = v
				break
			}
			s := d.Singleton
			callee := f.CreateFrame1(s.Init, f.Registry().Nil(), nil, StackSlot)
			callee.SetContinuation(ContinuationFunc(func(caller *Frame) Result {
				v := caller.PopStack()
				if ex := checkShareable(caller.Registry(), v); ex != nil {
					return caller.Raise(ex)
				}
				s.set(v)
				caller.PushStack(s.Value())
				return r.stored(caller)
			}))
			return Call(callee)

		default:
			r.index++
			continue
		}
		if !IsDeferred(r.args[r.index]) {
			r.index++
		}
	}
	return r.then.Proceed(f)
}

// await finishes a resolution step that pushes its value onto the stack.
func (r *argResolver) await(f *Frame, res Result) Result {
	switch res.Code {
	case CodeNext:
		r.args[r.index] = f.PopStack()
		return Next()
	case CodeCall:
		res.Frame.SetContinuation(ContinuationFunc(r.stored))
	}
	return res
}

// stored takes the value a called frame pushed onto the caller's stack and
// continues with the remaining arguments.
func (r *argResolver) stored(caller *Frame) Result {
	r.args[r.index] = caller.PopStack()
	r.index++
	return r.next(caller)
}
