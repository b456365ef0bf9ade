package vm

import "fmt"

// ---------------------------------------------------------------------------
// Sending requests
// ---------------------------------------------------------------------------

// SendConstructRequest asks sc to build its service by running ctor with
// args. The future completes with the service handle. If construction fails
// the context is removed from its container.
func (sc *ServiceContext) SendConstructRequest(caller *Frame, comp *Composition, ctor *Method, args []ObjectHandle) (*Future, *ExceptionHandle) {
	op := comp.Name
	if ctor != nil {
		op = ctor.String()
	}
	req := &ConstructRequest{
		Message:     newMessage(KindConstruct, op, caller, args, 1),
		Composition: comp,
		Constructor: ctor,
		future:      NewFuture(),
	}
	if ex := sc.enqueue(req); ex != nil {
		return nil, ex
	}
	req.future.WhenComplete(func(fut *Future) {
		if ex := fut.Exception(); ex != nil {
			log.Warningf("construction of %s failed: %s", sc.Name, ex)
			sc.container.RemoveServiceContext(sc)
		}
	})
	return req.future, nil
}

// SendInvoke1Request calls fn on the service of sc. With returns == 0 the
// call is fire-and-forget: no future is created and an uncaught exception
// goes to the unhandled-exception hook of sc.
func (sc *ServiceContext) SendInvoke1Request(caller *Frame, fn *FunctionHandle, args []ObjectHandle, returns int) (*Future, *ExceptionHandle) {
	return sc.sendInvoke1(caller, nil, fn, args, returns)
}

func (sc *ServiceContext) sendInvoke1(caller *Frame, target ObjectHandle, fn *FunctionHandle, args []ObjectHandle, returns int) (*Future, *ExceptionHandle) {
	req := &Invoke1Request{
		Message:  newMessage(KindInvoke1, fn.Method.String(), caller, args, min(returns, 1)),
		Function: fn,
		Target:   target,
		future:   newFutureFor(returns),
	}
	if ex := sc.enqueue(req); ex != nil {
		return nil, ex
	}
	return req.future, nil
}

// SendInvokeNRequest calls fn on the service of sc expecting returns values.
func (sc *ServiceContext) SendInvokeNRequest(caller *Frame, fn *FunctionHandle, args []ObjectHandle, returns int) (*Future, *ExceptionHandle) {
	return sc.sendInvokeN(caller, nil, fn, args, returns)
}

func (sc *ServiceContext) sendInvokeN(caller *Frame, target ObjectHandle, fn *FunctionHandle, args []ObjectHandle, returns int) (*Future, *ExceptionHandle) {
	req := &InvokeNRequest{
		Message:  newMessage(KindInvokeN, fn.Method.String(), caller, args, returns),
		Function: fn,
		Target:   target,
		future:   newFutureFor(returns),
	}
	if ex := sc.enqueue(req); ex != nil {
		return nil, ex
	}
	return req.future, nil
}

// SendPropertyRequest runs op on property prop of the service of sc. value
// is the operation's argument, if any; returns is 0 or 1.
func (sc *ServiceContext) SendPropertyRequest(caller *Frame, prop string, value ObjectHandle, op PropertyOperation, returns int) (*Future, *ExceptionHandle) {
	return sc.sendProperty(caller, nil, prop, value, op, returns)
}

func (sc *ServiceContext) sendProperty(caller *Frame, target ObjectHandle, prop string, value ObjectHandle,
	op PropertyOperation, returns int) (*Future, *ExceptionHandle) {
	var args []ObjectHandle
	if value != nil {
		args = []ObjectHandle{value}
	}
	req := &PropertyRequest{
		Message:  newMessage(KindProperty, prop, caller, args, min(returns, 1)),
		Property: prop,
		Value:    value,
		Op:       op,
		Target:   target,
		future:   newFutureFor(returns),
	}
	if ex := sc.enqueue(req); ex != nil {
		return nil, ex
	}
	return req.future, nil
}

// CallLater schedules a fire-and-forget invocation of fn on sc itself.
func (sc *ServiceContext) CallLater(fn *FunctionHandle, args []ObjectHandle) *ExceptionHandle {
	_, ex := sc.SendInvoke1Request(nil, fn, args, 0)
	return ex
}

func newFutureFor(returns int) *Future {
	if returns == 0 {
		return nil
	}
	return NewFuture()
}

// enqueue validates the request and queues it. Admission and removal of
// the context are serialized by sc.gate.
func (sc *ServiceContext) enqueue(req Request) *ExceptionHandle {
	reg := sc.Registry()
	msg := req.Header()
	for i, arg := range msg.Args {
		if ex := checkShareable(reg, arg); ex != nil {
			ex.Message = fmt.Sprintf("argument %d of %s: %s", i, msg.Operation, ex.Message)
			return ex
		}
	}

	sc.gate.Lock()
	if sc.Status() >= StatusShuttingDown {
		sc.gate.Unlock()
		return reg.NewException(reg.Terminated, "service %q is not accepting requests", sc.Name)
	}
	sc.messages.push(req)
	sc.gate.Unlock()

	if t := sc.container.tracer; t != nil {
		t.MessageEnqueued(sc, req)
	}
	sc.container.schedule(sc)
	return nil
}

// respond queues a response for a fiber of sc.
func (sc *ServiceContext) respond(resp *Response) {
	sc.responses.push(resp)
	sc.container.schedule(sc)
}

// ---------------------------------------------------------------------------
// Proto-frames
// ---------------------------------------------------------------------------

// createProtoFrame builds the root frame of the fiber that serves msg. It
// executes call, then returns; its continuation turns the fiber's outcome
// into a response, or into an unhandled-exception report when nobody waits.
func (sc *ServiceContext) createProtoFrame(msg *Message, call Op, fut *Future, multi bool) *Frame {
	fiber := newFiber(sc, msg)
	ops := []Op{call, OpReturn0{}}
	frame := newFrame(sc, fiber, nil, nil, ops, sc.Service(), nil, max(msg.Returns, 1), ReturnTarget{})
	frame.SetContinuation(ContinuationFunc(func(*Frame) Result {
		if fut == nil {
			if ex := frame.exception; ex != nil {
				sc.callUnhandledExceptionHandler(ex)
			}
			return Next()
		}
		sc.sendResponse(msg, frame, fut, multi)
		return Next()
	}))
	return frame
}

func (sc *ServiceContext) sendResponse(msg *Message, frame *Frame, fut *Future, multi bool) {
	resp := &Response{
		ID:      msg.ID,
		Kind:    msg.Kind,
		Service: sc.Name,
		fiber:   msg.CallerFiber,
		future:  fut,
		multi:   multi,
	}
	if ex := frame.exception; ex != nil {
		resp.exception = ex
	} else {
		reg := sc.Registry()
		vals := make([]ObjectHandle, msg.Returns)
		for i := range vals {
			v := frame.orNil(frame.Vars[i])
			if ex := checkShareable(reg, v); ex != nil {
				ex.Message = fmt.Sprintf("result %d of %s: %s", i, msg.Operation, ex.Message)
				resp.exception = ex
				vals = nil
				break
			}
			vals[i] = v
		}
		resp.values = vals
	}

	if t := sc.container.tracer; t != nil {
		t.ResponseSent(sc, resp)
	}
	if msg.CallerFiber == nil {
		resp.run()
		return
	}
	msg.CallerFiber.Context.respond(resp)
}

// callUnhandledExceptionHandler reports an exception nobody is waiting for.
func (sc *ServiceContext) callUnhandledExceptionHandler(ex *ExceptionHandle) {
	hook := sc.unhandled
	if hook == nil {
		hook = sc.container.unhandled
	}
	hook(sc, ex)
}

// ---------------------------------------------------------------------------
// Shareability
// ---------------------------------------------------------------------------

// checkShareable returns a NotShareable exception unless v may cross a
// service boundary: immutable values, service references and proxies.
func checkShareable(reg *Registry, v ObjectHandle) *ExceptionHandle {
	switch h := v.(type) {
	case nil, *ServiceHandle, *ProxyHandle, *FunctionHandle, *ExceptionHandle:
		return nil
	case *FutureHandle:
		return reg.NewException(reg.NotShareable, "a future cannot be shared")
	case deferredHandle:
		return reg.NewException(reg.NotShareable, "unresolved %T cannot be shared", v)
	case *TupleHandle:
		for _, e := range h.Values {
			if ex := checkShareable(reg, e); ex != nil {
				return ex
			}
		}
		return nil
	case *ArrayHandle:
		if h.IsMutable() {
			return reg.NewException(reg.NotShareable, "mutable %s must be frozen or proxied", h.Type())
		}
		for _, e := range h.Values() {
			if ex := checkShareable(reg, e); ex != nil {
				return ex
			}
		}
		return nil
	}
	if v.IsMutable() {
		return reg.NewException(reg.NotShareable, "mutable %s must be frozen or proxied", v.Type())
	}
	return nil
}
