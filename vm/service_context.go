package vm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Reentrancy and status
// ---------------------------------------------------------------------------

// Reentrancy controls whether a context may start or resume other fibers
// while one of its fibers is in progress.
type Reentrancy int32

const (
	// Prioritized prefers work associated with fibers already in progress.
	Prioritized Reentrancy = iota
	// Open runs any ready fiber.
	Open
	// Exclusive admits a new fiber only when no other fiber is in progress.
	Exclusive
	// Forbidden pins the current fiber; nothing else runs until it completes.
	Forbidden
)

var reentrancyNames = [...]string{
	Prioritized: "prioritized",
	Open:        "open",
	Exclusive:   "exclusive",
	Forbidden:   "forbidden",
}

func (r Reentrancy) String() string {
	if int(r) >= 0 && int(r) < len(reentrancyNames) {
		return reentrancyNames[r]
	}
	return fmt.Sprintf("reentrancy(%d)", r)
}

// ParseReentrancy parses a reentrancy name; the empty string is Prioritized.
func ParseReentrancy(s string) (Reentrancy, error) {
	if s == "" {
		return Prioritized, nil
	}
	for i, name := range reentrancyNames {
		if strings.EqualFold(s, name) {
			return Reentrancy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown reentrancy %q", s)
}

// ServiceStatus is the lifecycle state of a context.
type ServiceStatus int32

const (
	StatusIdle ServiceStatus = iota
	StatusBusy
	StatusShuttingDown
	StatusTerminated
)

func (s ServiceStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusShuttingDown:
		return "shutting-down"
	case StatusTerminated:
		return "terminated"
	}
	return fmt.Sprintf("status(%d)", s)
}

// UnhandledExceptionHook receives exceptions raised by fire-and-forget
// requests. Every context has one; the container supplies a logging default.
type UnhandledExceptionHook func(sc *ServiceContext, ex *ExceptionHandle)

// ---------------------------------------------------------------------------
// ServiceContext
// ---------------------------------------------------------------------------

// ServiceContext is the single-threaded execution context of one service.
// Other goroutines interact with it only through its request and response
// queues.
type ServiceContext struct {
	ID   int
	Name string

	container *Container
	gate      sync.Mutex
	messages  mailbox[Request]
	responses mailbox[*Response]
	suspended FiberQueue
	current   atomic.Pointer[Frame]
	service   atomic.Pointer[ServiceHandle]

	reentrancy atomic.Int32
	status     atomic.Int32
	running    atomic.Bool
	scheduled  atomic.Bool

	opBudget  int
	timeout   time.Duration
	unhandled UnhandledExceptionHook

	frameCounter int
	runtimeNanos atomic.Int64
}

// ContextOption configures a new ServiceContext.
type ContextOption func(*ServiceContext)

// WithReentrancy sets the initial reentrancy policy.
func WithReentrancy(r Reentrancy) ContextOption {
	return func(sc *ServiceContext) { sc.reentrancy.Store(int32(r)) }
}

// WithOpBudget sets the number of ops a fiber runs before it is paused.
func WithOpBudget(n int) ContextOption {
	return func(sc *ServiceContext) {
		if n > 0 {
			sc.opBudget = n
		}
	}
}

// WithCallTimeout bounds how long a fiber may wait on a request.
func WithCallTimeout(d time.Duration) ContextOption {
	return func(sc *ServiceContext) { sc.timeout = d }
}

// WithUnhandledExceptionHook overrides the container's default hook.
func WithUnhandledExceptionHook(h UnhandledExceptionHook) ContextOption {
	return func(sc *ServiceContext) { sc.unhandled = h }
}

// Container returns the owning container.
func (sc *ServiceContext) Container() *Container { return sc.container }

// Registry returns the container's registry.
func (sc *ServiceContext) Registry() *Registry { return sc.container.Registry }

// Service returns the service handle, or nil before construction.
func (sc *ServiceContext) Service() *ServiceHandle { return sc.service.Load() }

func (sc *ServiceContext) target(h ObjectHandle) ObjectHandle {
	if h != nil {
		return h
	}
	if svc := sc.Service(); svc != nil {
		return svc
	}
	return sc.Registry().Nil()
}

// CurrentFrame returns the frame of the current fiber, if any.
func (sc *ServiceContext) CurrentFrame() *Frame { return sc.current.Load() }

// Reentrancy returns the current policy.
func (sc *ServiceContext) Reentrancy() Reentrancy { return Reentrancy(sc.reentrancy.Load()) }

// SetReentrancy changes the policy.
func (sc *ServiceContext) SetReentrancy(r Reentrancy) { sc.reentrancy.Store(int32(r)) }

// Status returns the lifecycle state.
func (sc *ServiceContext) Status() ServiceStatus { return ServiceStatus(sc.status.Load()) }

// OpBudget returns the fairness budget.
func (sc *ServiceContext) OpBudget() int { return sc.opBudget }

// RuntimeNanos is the total time spent in Run.
func (sc *ServiceContext) RuntimeNanos() int64 { return sc.runtimeNanos.Load() }

// Shutdown stops accepting requests; the context is removed from its
// container once the work already queued has drained.
func (sc *ServiceContext) Shutdown() {
	sc.gate.Lock()
	sc.status.CompareAndSwap(int32(StatusIdle), int32(StatusShuttingDown))
	sc.status.CompareAndSwap(int32(StatusBusy), int32(StatusShuttingDown))
	sc.gate.Unlock()
	sc.container.schedule(sc)
}

func (sc *ServiceContext) nextFrameID() int {
	sc.frameCounter++
	return sc.frameCounter
}

func (sc *ServiceContext) String() string {
	return fmt.Sprintf("service#%d(%s)", sc.ID, sc.Name)
}

// IsContended reports whether the context has any pending work.
func (sc *ServiceContext) IsContended() bool {
	return sc.messages.len() > 0 || sc.responses.len() > 0 ||
		!sc.suspended.IsEmpty() || sc.current.Load() != nil
}

// FiberCounts returns the number of suspended fibers per status, counting
// the current fiber too.
func (sc *ServiceContext) FiberCounts() map[FiberStatus]int {
	m := sc.suspended.counts()
	if cur := sc.current.Load(); cur != nil {
		m[cur.Fiber.Status()]++
	}
	return m
}

// hasReadyWork is used by the owner of the context after a drive pass.
func (sc *ServiceContext) hasReadyWork() bool {
	if sc.messages.len() > 0 || sc.responses.len() > 0 {
		return true
	}
	if cur := sc.current.Load(); cur != nil {
		return cur.Fiber.IsReady()
	}
	return sc.suspended.HasReady()
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// PickNextFiber returns the next frame to run, or nil. Responses are drained
// first, then messages; only then is the current fiber or a suspended one
// chosen.
func (sc *ServiceContext) PickNextFiber() *Frame {
	for _, resp := range sc.responses.drain() {
		resp.run()
	}
	for _, req := range sc.messages.drain() {
		sc.SuspendFiber(req.createFrame(sc))
	}

	if cur := sc.current.Load(); cur != nil {
		if cur.Fiber.IsReady() {
			return cur
		}
		return nil
	}
	if sc.suspended.IsEmpty() {
		return nil
	}

	switch sc.Reentrancy() {
	case Forbidden:
		panic(fmt.Sprintf("%s: forbidden reentrancy without a current fiber", sc))
	case Exclusive:
		if f := sc.suspended.AssociatedOrYielded(); f != nil {
			return f
		}
		if !sc.suspended.inProgress() {
			return sc.suspended.AnyReady()
		}
		return nil
	case Prioritized:
		if f := sc.suspended.AssociatedOrYielded(); f != nil {
			return f
		}
	}
	return sc.suspended.AnyReady()
}

// SuspendFiber records a frame returned by Run, or a new fiber's frame.
func (sc *ServiceContext) SuspendFiber(frame *Frame) {
	switch st := frame.Fiber.Status(); st {
	case InitialNew, InitialAssociated:
		sc.suspended.Add(frame)
	case Waiting, Yielded:
		if sc.Reentrancy() == Forbidden {
			sc.current.Store(frame)
			return
		}
		sc.current.Store(nil)
		sc.suspended.Add(frame)
	case Paused:
		sc.current.Store(frame)
	default:
		panic(fmt.Sprintf("%s: cannot suspend %s fiber", sc, st))
	}
}

// EnterCriticalSection makes the context Forbidden until the fiber of f
// exits the section or terminates.
func (f *Frame) EnterCriticalSection() {
	fib := f.Fiber
	if fib.critical {
		return
	}
	fib.critical = true
	fib.savedReentrancy = f.Context.Reentrancy()
	f.Context.SetReentrancy(Forbidden)
}

// ExitCriticalSection restores the reentrancy saved on entry.
func (f *Frame) ExitCriticalSection() {
	fib := f.Fiber
	if !fib.critical {
		return
	}
	fib.critical = false
	f.Context.SetReentrancy(fib.savedReentrancy)
}

// ---------------------------------------------------------------------------
// Run: the interpreter loop
// ---------------------------------------------------------------------------

// Run executes frame's fiber until it terminates, suspends, or exhausts the
// op budget. It returns the frame to resume later, or nil when the fiber
// terminated. Run must not be re-entered for the same context.
func (sc *ServiceContext) Run(frame *Frame) *Frame {
	if !sc.running.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("%s: Run re-entered", sc))
	}
	sc.status.CompareAndSwap(int32(StatusIdle), int32(StatusBusy))
	start := time.Now()
	defer func() {
		sc.runtimeNanos.Add(time.Since(start).Nanoseconds())
		sc.status.CompareAndSwap(int32(StatusBusy), int32(StatusIdle))
		sc.running.Store(false)
	}()

	fiber := frame.Fiber
	sc.current.Store(frame)
	pc := frame.PC

	var res Result
	pending := false
	switch {
	case fiber.IsTimedOut():
		if fiber.Status() == Waiting {
			pc = frame.suspendPC
			frame.dropWaiting()
		}
		res = frame.RaiseNew(sc.Registry().TimedOut, "fiber #%d timed out", fiber.ID)
		pending = true
	case fiber.Status() == Waiting:
		switch r := frame.checkWaitingRegisters(); r.Code {
		case CodeBlock:
			fiber.rewait(frame.pendingFutures())
			return frame
		case CodeException:
			pc = frame.suspendPC
			res = r
			pending = true
		}
	}
	fiber.resumed()

	ops := frame.Ops
	nOps := 0
	for {
		if !pending {
			if nOps >= sc.opBudget {
				frame.PC = pc
				fiber.setStatus(Paused)
				return frame
			}
			nOps++
			frame.PC = pc
			res = ops[pc].Process(frame, pc)
		}
		pending = false

		switch res.Code {
		case CodeNext:
			pc++

		case CodeJump:
			pc = res.Addr

		case CodeCall:
			callee := res.Frame
			if callee == nil || callee.caller != frame {
				panic(fmt.Sprintf("%s: call of a frame not created by %s", sc, frame))
			}
			frame.PC = pc + 1
			frame = callee
			sc.current.Store(frame)
			ops = frame.Ops
			pc = 0

		case CodeReturn, CodeReturnMulti, CodeReturnTuple:
			caller := frame.caller
			switch r := frame.deliver(res); r.Code {
			case CodeBlockReturn:
				fiber.setStatus(Waiting)
			case CodeException:
				frame, ops, pc = sc.resumeAtCallSite(caller)
				res, pending = r, true
				continue
			}

			if c := frame.continuation; c != nil {
				switch cr := c.Proceed(caller); {
				case cr.Code == CodeNext:
				case caller == nil:
					panic(fmt.Sprintf("%s: proto-frame continuation returned %s", sc, cr))
				case cr.Code == CodeJump:
					caller.PC = cr.Addr
				default:
					frame, ops, pc = sc.resumeAtCallSite(caller)
					res, pending = cr, true
					continue
				}
			}

			frame = caller
			if frame == nil {
				sc.terminate(fiber)
				return nil
			}
			sc.current.Store(frame)
			if st := fiber.Status(); st == Waiting {
				frame.suspendPC = frame.PC - 1
				sc.armTimeout(fiber)
				return frame
			}
			ops = frame.Ops
			pc = frame.PC

		case CodeException:
			ex := res.Exception
			for {
				if g := frame.FindGuard(ex, pc); g != nil {
					frame.enterHandler(g, ex)
					sc.current.Store(frame)
					ops = frame.Ops
					pc = frame.PC
					break
				}
				if frame.caller != nil {
					frame, ops, pc = sc.resumeAtCallSite(frame.caller)
					continue
				}
				// Uncaught: the proto-frame turns it into the fiber's outcome.
				if frame.continuation == nil {
					panic(fmt.Sprintf("%s: uncaught %s without a proto-frame continuation", sc, ex))
				}
				frame.exception = ex
				if cr := frame.continuation.Proceed(nil); cr.Code != CodeNext {
					panic(fmt.Sprintf("%s: proto-frame continuation returned %s", sc, cr))
				}
				sc.terminate(fiber)
				return nil
			}

		case CodeRepeat:
			frame.PC = pc
			frame.suspendPC = pc
			fiber.setStatus(Waiting)
			sc.armTimeout(fiber)
			return frame

		case CodeBlock:
			frame.PC = pc + 1
			frame.suspendPC = pc
			fiber.setStatus(Waiting)
			sc.armTimeout(fiber)
			return frame

		case CodeYield:
			frame.PC = pc + 1
			fiber.setStatus(Yielded)
			return frame

		default:
			panic(fmt.Sprintf("%s: op at %d of %s returned %s", sc, pc, frame, res))
		}
	}
}

// resumeAtCallSite makes caller the executing frame positioned at the op
// that called out of it.
func (sc *ServiceContext) resumeAtCallSite(caller *Frame) (*Frame, []Op, int) {
	sc.current.Store(caller)
	return caller, caller.Ops, caller.PC - 1
}

func (sc *ServiceContext) terminate(fiber *Fiber) {
	fiber.setStatus(Terminated)
	if fiber.critical {
		fiber.critical = false
		sc.SetReentrancy(fiber.savedReentrancy)
	}
	sc.current.Store(nil)
}

func (sc *ServiceContext) armTimeout(fiber *Fiber) {
	if d := fiber.armDeadline(sc.timeout); d > 0 {
		sc.container.wakeAfter(sc, d)
	}
}

// drive runs fibers until none is runnable or one is paused by the op
// budget. It returns the number of Run calls.
func (sc *ServiceContext) drive() (runs int, paused bool) {
	for sc.Status() != StatusTerminated {
		frame := sc.PickNextFiber()
		if frame == nil {
			break
		}
		next := sc.Run(frame)
		runs++
		if next == nil {
			continue
		}
		sc.SuspendFiber(next)
		if next.Fiber.Status() == Paused {
			paused = true
			break
		}
	}
	switch sc.Status() {
	case StatusShuttingDown:
		if !sc.IsContended() {
			sc.container.RemoveServiceContext(sc)
		}
	case StatusTerminated:
		runs += sc.abandon()
	}
	return runs, paused
}

// abandon fails everything still queued on a terminated context and
// returns the number of requests and fibers it dropped.
func (sc *ServiceContext) abandon() int {
	reg := sc.Registry()
	terminated := func() *ExceptionHandle {
		return reg.NewException(reg.Terminated, "service %q terminated", sc.Name)
	}

	n := 0
	for _, resp := range sc.responses.drain() {
		resp.run()
	}
	for _, req := range sc.messages.drain() {
		msg := req.Header()
		if fut := req.Future(); fut != nil {
			resp := &Response{ID: msg.ID, Kind: msg.Kind, Service: sc.Name,
				fiber: msg.CallerFiber, future: fut, exception: terminated()}
			if msg.CallerFiber == nil {
				resp.run()
			} else {
				msg.CallerFiber.Context.respond(resp)
			}
		}
		n++
	}

	frames := sc.suspended.drainAll()
	if cur := sc.current.Swap(nil); cur != nil {
		frames = append(frames, cur)
	}
	for _, frame := range frames {
		proto := frame
		for proto.caller != nil {
			proto = proto.caller
		}
		frame.Fiber.setStatus(Terminated)
		if proto.continuation != nil {
			proto.exception = terminated()
			proto.continuation.Proceed(nil)
		}
		n++
	}
	return n
}
