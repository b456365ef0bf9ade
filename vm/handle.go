package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ObjectHandle is a reference to a language value.
type ObjectHandle interface {
	Type() *Composition
	IsMutable() bool
}

// ---------------------------------------------------------------------------
// Primitive handles
// ---------------------------------------------------------------------------

// NullHandle is the language null.
type NullHandle struct{ comp *Composition }

func (h *NullHandle) Type() *Composition { return h.comp }
func (h *NullHandle) IsMutable() bool    { return false }
func (h *NullHandle) String() string     { return "Null" }

// IntHandle is an immutable integer.
type IntHandle struct {
	comp  *Composition
	Value int64
}

func (h *IntHandle) Type() *Composition { return h.comp }
func (h *IntHandle) IsMutable() bool    { return false }
func (h *IntHandle) String() string     { return strconv.FormatInt(h.Value, 10) }

// StringHandle is an immutable string.
type StringHandle struct {
	comp  *Composition
	Value string
}

func (h *StringHandle) Type() *Composition { return h.comp }
func (h *StringHandle) IsMutable() bool    { return false }
func (h *StringHandle) String() string     { return strconv.Quote(h.Value) }

// BoolHandle is an immutable boolean.
type BoolHandle struct {
	comp  *Composition
	Value bool
}

func (h *BoolHandle) Type() *Composition { return h.comp }
func (h *BoolHandle) IsMutable() bool    { return false }
func (h *BoolHandle) String() string     { return strconv.FormatBool(h.Value) }

// TupleHandle is a fixed-size sequence. A tuple is mutable when any of its
// elements is.
type TupleHandle struct {
	comp   *Composition
	Values []ObjectHandle
}

func (h *TupleHandle) Type() *Composition { return h.comp }

func (h *TupleHandle) IsMutable() bool {
	for _, v := range h.Values {
		if v != nil && v.IsMutable() {
			return true
		}
	}
	return false
}

func (h *TupleHandle) String() string { return "(" + joinHandles(h.Values) + ")" }

// ArrayHandle is a growable sequence; it is immutable only once frozen.
type ArrayHandle struct {
	comp *Composition

	mu      sync.RWMutex
	values  []ObjectHandle
	mutable bool
}

func (h *ArrayHandle) Type() *Composition { return h.comp }

func (h *ArrayHandle) IsMutable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mutable
}

// Values returns a copy of the elements.
func (h *ArrayHandle) Values() []ObjectHandle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]ObjectHandle(nil), h.values...)
}

// Append adds v; it reports false when the array is frozen.
func (h *ArrayHandle) Append(v ObjectHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.mutable {
		return false
	}
	h.values = append(h.values, v)
	return true
}

// Freeze makes the array immutable.
func (h *ArrayHandle) Freeze() {
	h.mu.Lock()
	h.mutable = false
	h.mu.Unlock()
}

func (h *ArrayHandle) String() string { return "[" + joinHandles(h.Values()) + "]" }

// ---------------------------------------------------------------------------
// GenericHandle: a composition instance with named fields
// ---------------------------------------------------------------------------

// GenericHandle is an instance of a user composition.
type GenericHandle struct {
	comp *Composition

	mu      sync.RWMutex
	fields  map[string]ObjectHandle
	mutable bool
}

func (h *GenericHandle) Type() *Composition { return h.comp }

func (h *GenericHandle) IsMutable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mutable
}

// Field returns the named field.
func (h *GenericHandle) Field(name string) (ObjectHandle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.fields[name]
	return v, ok
}

// SetField stores a field. Callers check mutability first.
func (h *GenericHandle) SetField(name string, v ObjectHandle) {
	h.mu.Lock()
	h.fields[name] = v
	h.mu.Unlock()
}

// Freeze makes the instance immutable.
func (h *GenericHandle) Freeze() {
	h.mu.Lock()
	h.mutable = false
	h.mu.Unlock()
}

// FieldNames returns the sorted field names.
func (h *GenericHandle) FieldNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.fields))
	for name := range h.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *GenericHandle) String() string { return h.comp.Name + "@" + fmt.Sprintf("%p", h) }

// ---------------------------------------------------------------------------
// Service, function, proxy and future handles
// ---------------------------------------------------------------------------

// ServiceHandle is the reference to a service. Its fields are owned by the
// service's context; other contexts reach them only through requests.
type ServiceHandle struct {
	GenericHandle
	Context *ServiceContext
}

// IsMutable is false: a service reference is always shareable.
func (h *ServiceHandle) IsMutable() bool { return false }

func (h *ServiceHandle) String() string {
	return fmt.Sprintf("%s@%s", h.comp.Name, h.Context.Name)
}

// FunctionHandle references a method.
type FunctionHandle struct {
	comp   *Composition
	Method *Method
}

func (h *FunctionHandle) Type() *Composition { return h.comp }
func (h *FunctionHandle) IsMutable() bool    { return false }
func (h *FunctionHandle) String() string     { return "fn " + h.Method.String() }

// ProxyHandle wraps a mutable value so that it can be passed to another
// service. Operations on it from other contexts are sent back to Origin.
type ProxyHandle struct {
	comp   *Composition
	Target ObjectHandle
	Origin *ServiceContext
}

func (h *ProxyHandle) Type() *Composition { return h.comp }
func (h *ProxyHandle) IsMutable() bool    { return false }

func (h *ProxyHandle) String() string {
	return fmt.Sprintf("proxy(%v)@%s", h.Target, h.Origin.Name)
}

// FutureHandle holds the pending result of a cross-service request.
type FutureHandle struct {
	comp   *Composition
	Future *Future
}

func (h *FutureHandle) Type() *Composition { return h.comp }
func (h *FutureHandle) IsMutable() bool    { return false }
func (h *FutureHandle) String() string     { return "future" }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Nil returns the null handle.
func (r *Registry) Nil() *NullHandle { return r.null }

// Int64 creates an integer handle.
func (r *Registry) Int64(v int64) *IntHandle { return &IntHandle{comp: r.Int, Value: v} }

// Str creates a string handle.
func (r *Registry) Str(s string) *StringHandle { return &StringHandle{comp: r.String, Value: s} }

// Bool returns the shared boolean handle for b.
func (r *Registry) Bool(b bool) *BoolHandle {
	if b {
		return r.yes
	}
	return r.no
}

// NewTuple creates a tuple of vs.
func (r *Registry) NewTuple(vs ...ObjectHandle) *TupleHandle {
	return &TupleHandle{comp: r.Tuple, Values: vs}
}

// NewArray creates a mutable array of vs.
func (r *Registry) NewArray(vs ...ObjectHandle) *ArrayHandle {
	return &ArrayHandle{comp: r.Array, values: vs, mutable: true}
}

// NewObject creates an instance of c. Instances of immutable compositions
// start frozen.
func (r *Registry) NewObject(c *Composition) *GenericHandle {
	return &GenericHandle{comp: c, fields: make(map[string]ObjectHandle), mutable: !c.Immutable}
}

// NewFunction references m.
func (r *Registry) NewFunction(m *Method) *FunctionHandle {
	return &FunctionHandle{comp: r.Function, Method: m}
}

// NewProxy wraps target, owned by origin.
func (r *Registry) NewProxy(target ObjectHandle, origin *ServiceContext) *ProxyHandle {
	return &ProxyHandle{comp: r.Proxy, Target: target, Origin: origin}
}

// FutureOf wraps fut.
func (r *Registry) FutureOf(fut *Future) *FutureHandle {
	return &FutureHandle{comp: r.Future, Future: fut}
}

func (r *Registry) newService(c *Composition, sc *ServiceContext) *ServiceHandle {
	return &ServiceHandle{
		GenericHandle: GenericHandle{comp: c, fields: make(map[string]ObjectHandle), mutable: true},
		Context:       sc,
	}
}

// Truthy reports whether h is a true boolean.
func Truthy(h ObjectHandle) bool {
	b, ok := h.(*BoolHandle)
	return ok && b.Value
}

func joinHandles(vs []ObjectHandle) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
