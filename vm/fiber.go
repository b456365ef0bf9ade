package vm

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Fiber: a logical thread of execution inside one service context
// ---------------------------------------------------------------------------

// FiberStatus is the scheduling state of a fiber.
type FiberStatus int32

const (
	// InitialNew: created for a message from outside the fiber's call chain.
	InitialNew FiberStatus = iota
	// InitialAssociated: created for a message whose caller chain already
	// passes through this context.
	InitialAssociated
	Running
	// Waiting: blocked on futures; ready once one of them completes or the
	// fiber times out.
	Waiting
	// Yielded: gave up the context voluntarily; always ready.
	Yielded
	// Paused: preempted by the op budget; always ready.
	Paused
	Terminated
)

var fiberStatusNames = [...]string{
	InitialNew:        "initial-new",
	InitialAssociated: "initial-associated",
	Running:           "running",
	Waiting:           "waiting",
	Yielded:           "yielded",
	Paused:            "paused",
	Terminated:        "terminated",
}

func (s FiberStatus) String() string {
	if int(s) >= 0 && int(s) < len(fiberStatusNames) {
		return fiberStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

// Fiber carries the status and caller linkage of one request being served.
// Status and the timeout flag may be read from any goroutine; everything
// else is only touched by the context's scheduler.
type Fiber struct {
	ID      int64
	Context *ServiceContext

	// Caller linkage; CallerFiber is nil for requests sent by the host.
	CallerFiber   *Fiber
	CallerMethod  *Method
	CallerFrameID int
	CallerPC      int

	status    atomic.Int32
	waitingOn []*Future
	deadline  time.Time
	timedOut  atomic.Bool

	// reentrancy saved by EnterCriticalSection
	savedReentrancy Reentrancy
	critical        bool
}

func newFiber(sc *ServiceContext, msg *Message) *Fiber {
	f := &Fiber{
		ID:            sc.container.nextFiberID(),
		Context:       sc,
		CallerFiber:   msg.CallerFiber,
		CallerMethod:  msg.CallerMethod,
		CallerFrameID: msg.CallerFrameID,
		CallerPC:      msg.CallerPC,
	}
	for caller := msg.CallerFiber; caller != nil; caller = caller.CallerFiber {
		if caller.Context == sc {
			f.status.Store(int32(InitialAssociated))
			break
		}
	}
	return f
}

// Status returns the fiber's scheduling state.
func (f *Fiber) Status() FiberStatus { return FiberStatus(f.status.Load()) }

func (f *Fiber) setStatus(s FiberStatus) { f.status.Store(int32(s)) }

// MarkTimedOut flags the fiber; the next time it is scheduled it raises
// TimedOut. Safe to call from any goroutine.
func (f *Fiber) MarkTimedOut() { f.timedOut.Store(true) }

// IsTimedOut reports whether the fiber was marked or its deadline passed.
func (f *Fiber) IsTimedOut() bool {
	if f.timedOut.Load() {
		return true
	}
	if !f.deadline.IsZero() && !time.Now().Before(f.deadline) {
		f.timedOut.Store(true)
		return true
	}
	return false
}

// IsReady reports whether the fiber can be resumed.
func (f *Fiber) IsReady() bool {
	switch f.Status() {
	case InitialNew, InitialAssociated, Yielded, Paused:
		return true
	case Waiting:
		if f.IsTimedOut() || len(f.waitingOn) == 0 {
			return true
		}
		for _, fut := range f.waitingOn {
			if fut.IsDone() {
				return true
			}
		}
	}
	return false
}

// isAssociatedOrYielded selects work that Exclusive reentrancy may start.
func (f *Fiber) isAssociatedOrYielded() bool {
	switch f.Status() {
	case InitialAssociated, Yielded:
		return true
	case Waiting:
		return f.IsReady()
	}
	return false
}

func (f *Fiber) waitOn(fut *Future) {
	f.waitingOn = append(f.waitingOn, fut)
}

// rewait replaces the futures the fiber waits on when it is resumed but
// still blocked. The deadline keeps running.
func (f *Fiber) rewait(pending []*Future) {
	f.waitingOn = pending
}

// resumed clears the per-suspension state when the fiber starts running.
func (f *Fiber) resumed() {
	f.setStatus(Running)
	f.waitingOn = nil
	f.deadline = time.Time{}
	f.timedOut.Store(false)
}

// armDeadline starts the call timeout for a fiber about to wait. It returns
// the delay, or zero when no timeout applies.
func (f *Fiber) armDeadline(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if f.deadline.IsZero() {
		f.deadline = time.Now().Add(timeout)
	}
	return time.Until(f.deadline)
}

func (f *Fiber) String() string {
	return fmt.Sprintf("fiber#%d@%s(%s)", f.ID, f.Context.Name, f.Status())
}
