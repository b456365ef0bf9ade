package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrRuntimeStopped is returned by operations on a stopped runtime.
var ErrRuntimeStopped = errors.New("runtime stopped")

// ---------------------------------------------------------------------------
// Runtime: a worker pool driving service contexts
// ---------------------------------------------------------------------------

// Runtime drives the contexts of a container on a fixed number of worker
// goroutines. A context is owned by at most one worker at a time, so Run is
// never re-entered; a context whose fiber was paused by the op budget is put
// back at the end of the queue.
type Runtime struct {
	container *Container
	workers   int
	queue     runQueue

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
	faults []error
}

// NewRuntime creates a runtime with the given number of workers (at least 1)
// and attaches it to c.
func NewRuntime(c *Container, workers int) *Runtime {
	r := &Runtime{
		container: c,
		workers:   max(workers, 1),
		queue:     runQueue{notify: make(chan struct{}, 1)},
	}
	c.setScheduler(r.schedule)
	return r
}

// Start launches the workers; they stop when ctx is cancelled or Stop is
// called. Contexts that already have work are scheduled immediately.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		r.group.Go(func() error { return r.work(ctx) })
	}
	for _, sc := range r.container.Contexts() {
		if sc.IsContended() {
			r.schedule(sc)
		}
	}
	log.Infof("runtime started with %d workers", r.workers)
}

// Stop cancels the workers and waits for them. It returns the fault that
// aborted the runtime, if any.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	group, cancel := r.group, r.cancel
	r.mu.Unlock()
	if group == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	r.container.setScheduler(nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Faults returns the host faults recovered so far.
func (r *Runtime) Faults() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.faults...)
}

// WaitIdle blocks until no context has pending work or ctx is done.
func (r *Runtime) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if r.queue.len() == 0 && r.container.IsIdle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runtime) schedule(sc *ServiceContext) {
	if sc.scheduled.CompareAndSwap(false, true) {
		r.queue.push(sc)
	}
}

func (r *Runtime) work(ctx context.Context) error {
	for {
		sc := r.queue.pop(ctx)
		if sc == nil {
			return ctx.Err()
		}
		if err := r.process(sc); err != nil {
			return err
		}
	}
}

// process drives sc once and hands it back to the queue when it still has
// runnable work.
func (r *Runtime) process(sc *ServiceContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = r.fault(sc, p)
		}
	}()

	_, paused := sc.drive()
	again := paused || sc.hasReadyWork()
	sc.scheduled.Store(false)
	if again || sc.messages.len() > 0 || sc.responses.len() > 0 {
		r.schedule(sc)
	}
	return nil
}

// fault handles a panic raised while driving sc: the service is aborted,
// and with AbortOnFault so is the runtime.
func (r *Runtime) fault(sc *ServiceContext, p any) error {
	err := fmt.Errorf("host fault in %s: %v", sc, p)
	log.Criticalf("%s", err)

	r.mu.Lock()
	r.faults = append(r.faults, err)
	r.mu.Unlock()

	sc.running.Store(false)
	r.container.RemoveServiceContext(sc)
	sc.scheduled.Store(false)
	r.schedule(sc)

	if r.container.config.AbortOnFault {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// runQueue: an unbounded FIFO of contexts waiting for a worker
// ---------------------------------------------------------------------------

type runQueue struct {
	mu     sync.Mutex
	items  []*ServiceContext
	notify chan struct{}
}

func (q *runQueue) push(sc *ServiceContext) {
	q.mu.Lock()
	q.items = append(q.items, sc)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *runQueue) pop(ctx context.Context) *ServiceContext {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			sc := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return sc
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
