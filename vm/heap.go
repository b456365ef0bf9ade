package vm

import "sync"

// ObjectHeap caches the handles of resolved constants per method.
type ObjectHeap struct {
	mu        sync.RWMutex
	constants map[constKey]ObjectHandle
}

type constKey struct {
	method *Method
	index  int
}

// NewObjectHeap creates an empty heap.
func NewObjectHeap() *ObjectHeap {
	return &ObjectHeap{constants: make(map[constKey]ObjectHandle)}
}

// EnsureConstHandle returns the handle of constant index of the frame's
// method. Singletons that are not initialized yet are returned as a
// DeferredSingletonHandle and not cached.
func (h *ObjectHeap) EnsureConstHandle(f *Frame, index int) (ObjectHandle, *ExceptionHandle) {
	key := constKey{method: f.Method, index: index}
	h.mu.RLock()
	v, ok := h.constants[key]
	h.mu.RUnlock()
	if ok {
		return v, nil
	}

	reg := f.Registry()
	if f.Method == nil || f.Method.Constants == nil {
		return nil, reg.NewException(reg.IllegalState, "%s has no constant pool", f.Method)
	}
	v, err := f.Method.Constants.Constant(index)
	if err != nil {
		return nil, reg.NewException(reg.OutOfBounds, "%s: %v", f.Method, err)
	}
	if d, ok := v.(*DeferredSingletonHandle); ok {
		s := d.Singleton.Value()
		if s == nil {
			return d, nil
		}
		v = s
	}

	h.mu.Lock()
	h.constants[key] = v
	h.mu.Unlock()
	return v, nil
}
