package vm

// ---------------------------------------------------------------------------
// Templates: native property operations per composition
// ---------------------------------------------------------------------------

// Template implements property access for the handles of a composition.
// Results follow the op protocol; a value is stored with f.AssignValue.
type Template interface {
	GetProperty(f *Frame, target ObjectHandle, prop string, ret int) Result
	SetProperty(f *Frame, target ObjectHandle, prop string, value ObjectHandle) Result
}

type fielded interface {
	Field(name string) (ObjectHandle, bool)
	SetField(name string, v ObjectHandle)
}

// objectTemplate serves plain instances: accessor methods first, then fields.
type objectTemplate struct{}

func (objectTemplate) GetProperty(f *Frame, target ObjectHandle, prop string, ret int) Result {
	reg := f.Registry()
	if p := target.Type().FindProperty(prop); p != nil && p.Getter != nil {
		return Call(f.CreateFrame1(p.Getter, target, nil, ret))
	}
	switch h := target.(type) {
	case fielded:
		if v, ok := h.Field(prop); ok {
			return f.AssignValue(ret, v)
		}
	case *TupleHandle:
		if prop == "size" {
			return f.AssignValue(ret, reg.Int64(int64(len(h.Values))))
		}
	case *ArrayHandle:
		if prop == "size" {
			return f.AssignValue(ret, reg.Int64(int64(len(h.Values()))))
		}
	}
	return f.RaiseNew(reg.Unsupported, "%s has no property %q", target.Type(), prop)
}

func (objectTemplate) SetProperty(f *Frame, target ObjectHandle, prop string, value ObjectHandle) Result {
	reg := f.Registry()
	p := target.Type().FindProperty(prop)
	if p != nil && p.ReadOnly {
		return f.RaiseNew(reg.ReadOnly, "property %s.%s is read-only", target.Type(), prop)
	}
	if p != nil && p.Setter != nil {
		return Call(f.CreateFrame1(p.Setter, target, []ObjectHandle{value}, Unused))
	}
	h, ok := target.(fielded)
	if !ok {
		return f.RaiseNew(reg.Unsupported, "%s has no property %q", target.Type(), prop)
	}
	if _, svc := target.(*ServiceHandle); !svc && !target.IsMutable() {
		return f.RaiseNew(reg.ReadOnly, "%s is immutable", target.Type())
	}
	h.SetField(prop, value)
	return Next()
}

// serviceTemplate routes access from other contexts through the mailbox.
type serviceTemplate struct{}

func (serviceTemplate) GetProperty(f *Frame, target ObjectHandle, prop string, ret int) Result {
	svc := target.(*ServiceHandle)
	if svc.Context == f.Context {
		return objectTemplate{}.GetProperty(f, target, prop, ret)
	}
	fut, ex := svc.Context.SendPropertyRequest(f, prop, nil, propertyGet, returnsFor(ret))
	return awaitInto(f, fut, ex, ret)
}

func (serviceTemplate) SetProperty(f *Frame, target ObjectHandle, prop string, value ObjectHandle) Result {
	svc := target.(*ServiceHandle)
	if svc.Context == f.Context {
		return objectTemplate{}.SetProperty(f, target, prop, value)
	}
	_, ex := svc.Context.SendPropertyRequest(f, prop, value, propertySet, 0)
	if ex != nil {
		return f.Raise(ex)
	}
	return Next()
}

// proxyTemplate sends access from other contexts back to the origin.
type proxyTemplate struct{}

func (proxyTemplate) GetProperty(f *Frame, target ObjectHandle, prop string, ret int) Result {
	px := target.(*ProxyHandle)
	if px.Origin == f.Context {
		return f.Registry().TemplateOf(px.Target.Type()).GetProperty(f, px.Target, prop, ret)
	}
	fut, ex := px.Origin.sendProperty(f, px.Target, prop, nil, propertyGet, returnsFor(ret))
	return awaitInto(f, fut, ex, ret)
}

func (proxyTemplate) SetProperty(f *Frame, target ObjectHandle, prop string, value ObjectHandle) Result {
	px := target.(*ProxyHandle)
	if px.Origin == f.Context {
		return f.Registry().TemplateOf(px.Target.Type()).SetProperty(f, px.Target, prop, value)
	}
	_, ex := px.Origin.sendProperty(f, px.Target, prop, value, propertySet, 0)
	if ex != nil {
		return f.Raise(ex)
	}
	return Next()
}

// preIncrement adds one to an Int property and stores the new value in ret.
func preIncrement(f *Frame, target ObjectHandle, prop string, ret int) Result {
	reg := f.Registry()
	owner, inner := remoteOwner(f, target)
	if owner != nil {
		fut, ex := owner.sendProperty(f, inner, prop, nil, propertyPreIncrement, returnsFor(ret))
		return awaitInto(f, fut, ex, ret)
	}
	target = inner

	h, ok := target.(fielded)
	if !ok {
		return f.RaiseNew(reg.Unsupported, "%s has no property %q", target.Type(), prop)
	}
	if _, svc := target.(*ServiceHandle); !svc && !target.IsMutable() {
		return f.RaiseNew(reg.ReadOnly, "%s is immutable", target.Type())
	}
	v, _ := h.Field(prop)
	n, ok := v.(*IntHandle)
	if !ok {
		return f.RaiseNew(reg.Unsupported, "property %q is not an Int", prop)
	}
	next := reg.Int64(n.Value + 1)
	h.SetField(prop, next)
	return f.AssignValue(ret, next)
}

// ---------------------------------------------------------------------------
// Function calls
// ---------------------------------------------------------------------------

// remoteOwner returns the context that owns target when it is not the
// context of f, together with the handle to operate on there. For local
// targets it returns nil and the unwrapped target.
func remoteOwner(f *Frame, target ObjectHandle) (*ServiceContext, ObjectHandle) {
	switch t := target.(type) {
	case *ServiceHandle:
		if t.Context != f.Context {
			return t.Context, nil
		}
	case *ProxyHandle:
		if t.Origin != f.Context {
			return t.Origin, t.Target
		}
		return nil, t.Target
	}
	return nil, target
}

func returnsFor(ret int) int {
	if ret == Unused {
		return 0
	}
	return 1
}

// awaitInto stores the future of a request into ret; a nil future means the
// request was fire-and-forget.
func awaitInto(f *Frame, fut *Future, ex *ExceptionHandle, ret int) Result {
	if ex != nil {
		return f.Raise(ex)
	}
	if fut == nil {
		return Next()
	}
	return f.AssignValue(ret, f.Registry().FutureOf(fut))
}

func (h *FunctionHandle) checkArity(f *Frame, args []ObjectHandle) *ExceptionHandle {
	if len(args) < h.Method.Params {
		reg := f.Registry()
		return reg.NewException(reg.IllegalState, "%s expects %d arguments, got %d", h.Method, h.Method.Params, len(args))
	}
	return nil
}

// Call1 calls the function on target, storing its result in ret. Calls on a
// service or proxy owned by another context become requests.
func (h *FunctionHandle) Call1(f *Frame, target ObjectHandle, args []ObjectHandle, ret int) Result {
	if ex := h.checkArity(f, args); ex != nil {
		return f.Raise(ex)
	}
	owner, inner := remoteOwner(f, target)
	if owner != nil {
		fut, ex := owner.sendInvoke1(f, inner, h, args, returnsFor(ret))
		return awaitInto(f, fut, ex, ret)
	}
	return Call(f.CreateFrame1(h.Method, inner, args, ret))
}

// CallN calls the function storing its results in rets.
func (h *FunctionHandle) CallN(f *Frame, target ObjectHandle, args []ObjectHandle, rets []int) Result {
	if ex := h.checkArity(f, args); ex != nil {
		return f.Raise(ex)
	}
	owner, inner := remoteOwner(f, target)
	if owner == nil {
		return Call(f.CreateFrameN(h.Method, inner, args, rets))
	}
	fut, ex := owner.sendInvokeN(f, inner, h, args, len(rets))
	if ex != nil {
		return f.Raise(ex)
	}
	if fut == nil {
		return Next()
	}
	out := Next()
	for i, sub := range fanOut(fut, len(rets)) {
		r := f.AssignValue(rets[i], f.Registry().FutureOf(sub))
		switch r.Code {
		case CodeException:
			return r
		case CodeBlock:
			out = r
		}
	}
	return out
}

// CallT calls the function packing its results into a tuple stored in ret.
func (h *FunctionHandle) CallT(f *Frame, target ObjectHandle, args []ObjectHandle, ret int) Result {
	if ex := h.checkArity(f, args); ex != nil {
		return f.Raise(ex)
	}
	owner, inner := remoteOwner(f, target)
	if owner == nil {
		return Call(f.CreateFrameT(h.Method, inner, args, ret))
	}
	fut, ex := owner.sendInvokeN(f, inner, h, args, max(h.Method.ResultCount(), 1))
	if ex != nil || fut == nil {
		return awaitInto(f, fut, ex, ret)
	}
	reg := f.Registry()
	tuple := NewFuture()
	fut.WhenComplete(func(p *Future) {
		vs, ex := p.Values()
		if ex != nil {
			tuple.CompleteExceptionally(ex)
			return
		}
		tuple.Complete(reg.NewTuple(vs...))
	})
	return f.AssignValue(ret, reg.FutureOf(tuple))
}

// fanOut derives one single-value future per position of a multi-value one.
func fanOut(fut *Future, n int) []*Future {
	subs := make([]*Future, n)
	for i := range subs {
		subs[i] = NewFuture()
	}
	fut.WhenComplete(func(p *Future) {
		vs, ex := p.Values()
		for i, sub := range subs {
			switch {
			case ex != nil:
				sub.CompleteExceptionally(ex)
			case i < len(vs):
				sub.Complete(vs[i])
			default:
				sub.Complete(nil)
			}
		}
	})
	return subs
}
