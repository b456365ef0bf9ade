package vm

import (
	"context"
	"sync"
)

// ---------------------------------------------------------------------------
// Future: the pending result of a request
// ---------------------------------------------------------------------------

// Future is completed exactly once, with values or with an exception.
// Callbacks registered with WhenComplete run on the completing goroutine.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	values    []ObjectHandle
	exception *ExceptionHandle
	callbacks []func(*Future)
}

// NewFuture creates an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete completes the future with a single value.
func (f *Future) Complete(v ObjectHandle) bool {
	return f.complete([]ObjectHandle{v}, nil)
}

// CompleteN completes the future with several values.
func (f *Future) CompleteN(vs []ObjectHandle) bool {
	return f.complete(vs, nil)
}

// CompleteExceptionally completes the future with ex.
func (f *Future) CompleteExceptionally(ex *ExceptionHandle) bool {
	return f.complete(nil, ex)
}

func (f *Future) complete(vs []ObjectHandle, ex *ExceptionHandle) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.values = vs
	f.exception = ex
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(f)
	}
	return true
}

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// Value returns the first value of a completed future. It returns nil, nil
// while the future is pending.
func (f *Future) Value() (ObjectHandle, *ExceptionHandle) {
	vs, ex := f.Values()
	if ex != nil || len(vs) == 0 {
		return nil, ex
	}
	return vs[0], nil
}

// Values returns the values of a completed future.
func (f *Future) Values() ([]ObjectHandle, *ExceptionHandle) {
	if !f.IsDone() {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values, f.exception
}

// Exception returns the exception of a completed future, if any.
func (f *Future) Exception() *ExceptionHandle {
	_, ex := f.Values()
	return ex
}

// WhenComplete registers cb. If the future is already complete cb runs
// immediately on the calling goroutine.
func (f *Future) WhenComplete(cb func(*Future)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb(f)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Wait blocks the host goroutine until the future completes or ctx is done.
// A language exception is returned as the error.
func (f *Future) Wait(ctx context.Context) ([]ObjectHandle, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	vs, ex := f.Values()
	if ex != nil {
		return nil, ex
	}
	return vs, nil
}
