package vm

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// RequestKind identifies the kind of a cross-service request.
type RequestKind uint8

const (
	KindConstruct RequestKind = iota
	KindInvoke1
	KindInvokeN
	KindProperty
)

func (k RequestKind) String() string {
	switch k {
	case KindConstruct:
		return "construct"
	case KindInvoke1:
		return "invoke1"
	case KindInvokeN:
		return "invokeN"
	case KindProperty:
		return "property"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Message is the common header of every request. It is immutable once
// enqueued.
type Message struct {
	ID        uuid.UUID
	Kind      RequestKind
	Operation string

	CallerFiber   *Fiber
	CallerMethod  *Method
	CallerFrameID int
	CallerPC      int

	Args    []ObjectHandle
	Returns int
	Sent    time.Time
}

func newMessage(kind RequestKind, op string, caller *Frame, args []ObjectHandle, returns int) Message {
	m := Message{
		ID:        uuid.New(),
		Kind:      kind,
		Operation: op,
		Args:      slices.Clone(args),
		Returns:   returns,
		Sent:      time.Now(),
	}
	if caller != nil {
		m.CallerFiber = caller.Fiber
		m.CallerMethod = caller.Method
		m.CallerFrameID = caller.ID
		m.CallerPC = caller.PC
	}
	return m
}

// Header returns the message header.
func (m *Message) Header() *Message { return m }

// Request is a message queued on a service context.
type Request interface {
	Header() *Message
	// Future is nil for fire-and-forget requests.
	Future() *Future
	createFrame(sc *ServiceContext) *Frame
}

// ConstructRequest creates the service of a freshly created context.
type ConstructRequest struct {
	Message
	Composition *Composition
	Constructor *Method
	future      *Future
}

func (r *ConstructRequest) Future() *Future { return r.future }

func (r *ConstructRequest) createFrame(sc *ServiceContext) *Frame {
	construct := OpFunc(func(f *Frame, pc int) Result {
		svc := sc.Registry().newService(r.Composition, sc)
		sc.service.Store(svc)
		f.This = svc
		f.Vars[0] = svc
		if r.Constructor == nil {
			return Next()
		}
		return Call(f.CreateFrame1(r.Constructor, svc, r.Args, Unused))
	})
	return sc.createProtoFrame(&r.Message, construct, r.future, false)
}

// Invoke1Request calls a function expecting at most one result.
type Invoke1Request struct {
	Message
	Function *FunctionHandle
	// Target defaults to the service of the receiving context.
	Target ObjectHandle
	future *Future
}

func (r *Invoke1Request) Future() *Future { return r.future }

func (r *Invoke1Request) createFrame(sc *ServiceContext) *Frame {
	invoke := OpFunc(func(f *Frame, pc int) Result {
		ret := Unused
		if r.Returns > 0 {
			ret = 0
		}
		return r.Function.Call1(f, sc.target(r.Target), r.Args, ret)
	})
	return sc.createProtoFrame(&r.Message, invoke, r.future, false)
}

// InvokeNRequest calls a function expecting several results.
type InvokeNRequest struct {
	Message
	Function *FunctionHandle
	Target   ObjectHandle
	future   *Future
}

func (r *InvokeNRequest) Future() *Future { return r.future }

func (r *InvokeNRequest) createFrame(sc *ServiceContext) *Frame {
	invoke := OpFunc(func(f *Frame, pc int) Result {
		rets := make([]int, r.Returns)
		for i := range rets {
			rets[i] = i
		}
		return r.Function.CallN(f, sc.target(r.Target), r.Args, rets)
	})
	return sc.createProtoFrame(&r.Message, invoke, r.future, true)
}

// PropertyOperation is a native property access with at most one argument
// and at most one result. ret is Unused for operations without a result.
type PropertyOperation func(f *Frame, target ObjectHandle, prop string, value ObjectHandle, ret int) Result

// PropertyRequest runs a PropertyOperation inside the owning context.
type PropertyRequest struct {
	Message
	Property string
	Value    ObjectHandle
	Op       PropertyOperation
	Target   ObjectHandle
	future   *Future
}

func (r *PropertyRequest) Future() *Future { return r.future }

func (r *PropertyRequest) createFrame(sc *ServiceContext) *Frame {
	access := OpFunc(func(f *Frame, pc int) Result {
		ret := Unused
		if r.Returns > 0 {
			ret = 0
		}
		return r.Op(f, sc.target(r.Target), r.Property, r.Value, ret)
	})
	return sc.createProtoFrame(&r.Message, access, r.future, false)
}

// Property operations usable with SendPropertyRequest.
var (
	PropertyGet          PropertyOperation = propertyGet
	PropertySet          PropertyOperation = propertySet
	PropertyPreIncrement PropertyOperation = propertyPreIncrement
)

func propertyGet(f *Frame, target ObjectHandle, prop string, _ ObjectHandle, ret int) Result {
	return f.Registry().TemplateOf(target.Type()).GetProperty(f, target, prop, ret)
}

func propertySet(f *Frame, target ObjectHandle, prop string, value ObjectHandle, _ int) Result {
	return f.Registry().TemplateOf(target.Type()).SetProperty(f, target, prop, value)
}

func propertyPreIncrement(f *Frame, target ObjectHandle, prop string, _ ObjectHandle, ret int) Result {
	return preIncrement(f, target, prop, ret)
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// Response carries the outcome of a request back to the caller's context.
type Response struct {
	ID      uuid.UUID
	Kind    RequestKind
	Service string

	fiber     *Fiber
	values    []ObjectHandle
	exception *ExceptionHandle
	future    *Future
	multi     bool
}

// CallerFiber is nil for responses to host callers.
func (r *Response) CallerFiber() *Fiber         { return r.fiber }
func (r *Response) Values() []ObjectHandle      { return r.values }
func (r *Response) Exception() *ExceptionHandle { return r.exception }

// run completes the future; it executes no user code.
func (r *Response) run() {
	switch {
	case r.exception != nil:
		r.future.CompleteExceptionally(r.exception)
	case r.multi:
		r.future.CompleteN(r.values)
	case len(r.values) > 0:
		r.future.Complete(r.values[0])
	default:
		r.future.Complete(nil)
	}
}

// ---------------------------------------------------------------------------
// mailbox: a multi-producer queue drained by the owning context
// ---------------------------------------------------------------------------

type mailbox[T any] struct {
	mu    sync.Mutex
	items []T
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
}

func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()
	return items
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
