package vm

import (
	"slices"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Op budget
// ---------------------------------------------------------------------------

func TestOpBudgetRuns(t *testing.T) {
	// count(20) executes 84 ops, plus 2 in the proto-frame.
	tests := []struct {
		budget int
		runs   int
	}{
		{1, 86},
		{10, 9},
		{85, 2},
		{86, 1},
		{1000, 1},
	}
	for _, tt := range tests {
		fx := newFixture(t)
		comp := fx.reg.Define("Counting", fx.reg.Service, false)
		comp.AddMethod(fx.countingMethod(20))
		sc := fx.service("counting", comp, WithOpBudget(tt.budget))

		fut := fx.send(sc, "count")
		if runs := fx.c.Pump(); runs != tt.runs {
			t.Errorf("budget %d: runs = %d, want %d", tt.budget, runs, tt.runs)
		}
		v, ex := fut.Value()
		if ex != nil {
			t.Fatalf("budget %d: %v", tt.budget, ex)
		}
		wantInt(t, v, 20)
	}
}

func TestContainerOpBudget(t *testing.T) {
	fx := newFixture(t, WithConfig(Config{OpBudget: 10}))
	comp := fx.reg.Define("Counting", fx.reg.Service, false)
	comp.AddMethod(fx.countingMethod(20))
	sc := fx.service("counting", comp)
	if sc.OpBudget() != 10 {
		t.Fatalf("OpBudget() = %d, want 10", sc.OpBudget())
	}
	fx.send(sc, "count")
	if runs := fx.c.Pump(); runs != 9 {
		t.Errorf("runs = %d, want 9", runs)
	}
}

func TestPausedFiberReleasesDrive(t *testing.T) {
	fx := newFixture(t)
	comp := fx.reg.Define("Counting", fx.reg.Service, false)
	comp.AddMethod(fx.countingMethod(20))
	a := fx.service("a", comp)
	b := fx.service("b", comp)

	fa := fx.send(a, "count")
	fb := fx.send(b, "count")
	runs, paused := a.drive()
	if runs != 1 || !paused {
		t.Fatalf("drive() = %d, %v, want 1, true", runs, paused)
	}
	if n := a.FiberCounts()[Paused]; n != 1 {
		t.Errorf("paused fibers = %d, want 1", n)
	}
	if !b.IsContended() {
		t.Error("b ran while a held the drive")
	}

	fx.c.Pump()
	for _, fut := range []*Future{fa, fb} {
		v, ex := fut.Value()
		if ex != nil {
			t.Fatal(ex)
		}
		wantInt(t, v, 20)
	}
	if a.IsContended() || b.IsContended() {
		t.Error("contexts still contended after Pump")
	}
}

// ---------------------------------------------------------------------------
// Picking fibers
// ---------------------------------------------------------------------------

func TestResponsesDrainedBeforeMessages(t *testing.T) {
	fx := newFixture(t)
	comp := fx.reg.Define("Plain", fx.reg.Service, false)
	comp.AddMethod(newMethod("nop", 0, OpReturn0{}))
	sc := fx.service("plain", comp)

	fx.send(sc, "nop")
	fut := NewFuture()
	queued := -1
	fut.WhenComplete(func(*Future) {
		queued = sc.suspended.Len()
	})
	sc.respond(&Response{future: fut, values: []ObjectHandle{fx.reg.Int64(1)}})

	if f := sc.PickNextFiber(); f == nil {
		t.Fatal("PickNextFiber() = nil, want the nop fiber")
	}
	if queued != 0 {
		t.Errorf("suspended fibers when the response ran = %d, want 0", queued)
	}
}

func TestTerminatedFibersNeverPicked(t *testing.T) {
	fx := newFixture(t)
	sc, err := fx.c.NewServiceContext("queue")
	if err != nil {
		t.Fatal(err)
	}
	frame := func(st FiberStatus) *Frame {
		fib := &Fiber{Context: sc}
		fib.setStatus(st)
		return newFrame(sc, fib, nil, nil, nil, nil, nil, 0, ReturnTarget{})
	}

	var q FiberQueue
	dead := frame(Terminated)
	live := frame(InitialNew)
	q.Add(dead)
	q.Add(live)

	if got := q.AnyReady(); got != live {
		t.Errorf("AnyReady() = %v, want the live frame", got)
	}
	if !q.IsEmpty() {
		t.Errorf("Len() = %d, want the terminated frame dropped", q.Len())
	}
}

func TestFiberReadiness(t *testing.T) {
	fib := &Fiber{}
	fib.setStatus(Waiting)
	if !fib.IsReady() {
		t.Error("waiter with no futures not ready")
	}

	fut := NewFuture()
	fib.waitOn(fut)
	if fib.IsReady() {
		t.Error("waiter on a pending future is ready")
	}
	fut.Complete(nil)
	if !fib.IsReady() {
		t.Error("waiter on a completed future not ready")
	}

	other := &Fiber{waitingOn: []*Future{NewFuture()}}
	other.setStatus(Waiting)
	other.MarkTimedOut()
	if !other.IsReady() {
		t.Error("timed out waiter not ready")
	}

	for _, st := range []FiberStatus{Running, Terminated} {
		f := &Fiber{}
		f.setStatus(st)
		if f.IsReady() {
			t.Errorf("%s fiber is ready", st)
		}
	}
}

// ---------------------------------------------------------------------------
// Reentrancy
// ---------------------------------------------------------------------------

// recorder appends op names to a shared log as they execute.
type recorder []string

func (r *recorder) mark(name string) Op {
	return OpFunc(func(*Frame, int) Result {
		*r = append(*r, name)
		return Next()
	})
}

// nodeComposition defines slow, which calls relay on another service, which
// in turn calls fast back on the caller; and other, an unrelated request.
func nodeComposition(fx *fixture, rec *recorder) *Composition {
	comp := fx.reg.Define("Node", fx.reg.Service, false)
	comp.AddMethod(newMethod("slow", 2,
		OpInvoke1{Target: 0, Method: "relay", Args: []int{ArgThis}, Ret: 1},
		rec.mark("slow"),
		OpReturn1{Arg: 1},
	))
	comp.AddMethod(newMethod("relay", 2,
		OpInvoke1{Target: 0, Method: "fast", Ret: 1},
		OpReturn1{Arg: 1},
	))
	fast := comp.AddMethod(newMethod("fast", 0,
		rec.mark("fast"),
		OpReturn1{Arg: Const(0)},
	))
	fast.Constants = fx.ints(7)
	comp.AddMethod(newMethod("other", 0,
		rec.mark("other"),
		OpReturn0{},
	))
	return comp
}

func TestReentrancyOrdering(t *testing.T) {
	tests := []struct {
		policy Reentrancy
		want   []string
	}{
		{Open, []string{"other", "fast", "slow"}},
		{Prioritized, []string{"fast", "other", "slow"}},
		{Exclusive, []string{"fast", "slow", "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			fx := newFixture(t)
			var rec recorder
			comp := nodeComposition(fx, &rec)
			s := fx.service("s", comp, WithReentrancy(tt.policy))
			r := fx.service("r", comp)

			slow := fx.send(s, "slow", r.Service())
			s.drive()
			fx.send(s, "other")
			r.drive()
			fx.c.Pump()

			if !slices.Equal(rec, tt.want) {
				t.Errorf("order = %v, want %v", rec, tt.want)
			}
			v, ex := slow.Value()
			if ex != nil {
				t.Fatal(ex)
			}
			wantInt(t, v, 7)
		})
	}
}

func TestYieldOrdering(t *testing.T) {
	tests := []struct {
		policy Reentrancy
		want   []string
	}{
		{Open, []string{"y1", "other", "y2"}},
		{Prioritized, []string{"y1", "y2", "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			fx := newFixture(t)
			var rec recorder
			comp := nodeComposition(fx, &rec)
			comp.AddMethod(newMethod("yielder", 0,
				rec.mark("y1"),
				OpYield{},
				rec.mark("y2"),
				OpReturn0{},
			))
			s := fx.service("s", comp, WithReentrancy(tt.policy))

			fx.send(s, "yielder")
			fx.send(s, "other")
			fx.c.Pump()
			if !slices.Equal(rec, tt.want) {
				t.Errorf("order = %v, want %v", rec, tt.want)
			}
		})
	}
}

func TestCriticalSection(t *testing.T) {
	fx := newFixture(t)
	var rec recorder
	comp := nodeComposition(fx, &rec)
	comp.AddMethod(newMethod("critical", 2,
		OpEnterCritical{},
		OpInvoke1{Target: 0, Method: "other", Ret: Unused},
		OpInvoke1{Target: 0, Method: "fast", Ret: 1},
		OpExitCritical{},
		rec.mark("critical"),
		OpReturn1{Arg: 1},
	))
	comp.AddMethod(newMethod("leaky", 0,
		OpEnterCritical{},
		OpReturn0{},
	))
	s := fx.service("s", comp, WithReentrancy(Open))
	r := fx.service("r", comp)

	crit := fx.send(s, "critical", r.Service())
	fx.send(s, "other")
	fx.c.Pump()

	// r's "other" and "fast" run while s's own "other" waits for the section.
	want := []string{"other", "fast", "critical", "other"}
	if !slices.Equal(rec, want) {
		t.Errorf("order = %v, want %v", rec, want)
	}
	if _, ex := crit.Value(); ex != nil {
		t.Fatal(ex)
	}
	if got := s.Reentrancy(); got != Open {
		t.Errorf("reentrancy after the section = %s, want open", got)
	}

	fx.call(s, "leaky")
	if got := s.Reentrancy(); got != Open {
		t.Errorf("reentrancy after a fiber ended inside a section = %s, want open", got)
	}
}

func TestForbiddenWithoutCurrentFiberPanics(t *testing.T) {
	fx := newFixture(t)
	comp := fx.reg.Define("Plain", fx.reg.Service, false)
	comp.AddMethod(newMethod("nop", 0, OpReturn0{}))
	sc := fx.service("plain", comp)

	sc.SetReentrancy(Forbidden)
	fx.send(sc, "nop")
	defer func() {
		if recover() == nil {
			t.Error("PickNextFiber did not panic")
		}
	}()
	sc.PickNextFiber()
}

func TestParseReentrancy(t *testing.T) {
	for _, r := range []Reentrancy{Prioritized, Open, Exclusive, Forbidden} {
		got, err := ParseReentrancy(r.String())
		if err != nil || got != r {
			t.Errorf("ParseReentrancy(%q) = %s, %v", r.String(), got, err)
		}
	}
	if _, err := ParseReentrancy("sometimes"); err == nil {
		t.Error("ParseReentrancy accepted an unknown policy")
	}
}

// ---------------------------------------------------------------------------
// Host faults
// ---------------------------------------------------------------------------

func TestSuspendRunningFiberPanics(t *testing.T) {
	fx := newFixture(t)
	sc, err := fx.c.NewServiceContext("plain")
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range []FiberStatus{Running, Terminated} {
		fib := &Fiber{Context: sc}
		fib.setStatus(st)
		frame := newFrame(sc, fib, nil, nil, nil, nil, nil, 0, ReturnTarget{})
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("SuspendFiber(%s) did not panic", st)
				}
			}()
			sc.SuspendFiber(frame)
		}()
	}
}

func TestRunReentryPanics(t *testing.T) {
	fx := newFixture(t)
	comp := fx.reg.Define("Plain", fx.reg.Service, false)
	comp.AddMethod(newMethod("nop", 0, OpReturn0{}))
	sc := fx.service("plain", comp)
	fx.send(sc, "nop")
	frame := sc.PickNextFiber()

	sc.running.Store(true)
	defer func() {
		if recover() == nil {
			t.Error("Run did not panic when re-entered")
		}
	}()
	sc.Run(frame)
}

func TestProtoContinuationJumpPanics(t *testing.T) {
	fx := newFixture(t)
	comp := fx.reg.Define("Plain", fx.reg.Service, false)
	comp.AddMethod(newMethod("nop", 0, OpReturn0{}))
	sc := fx.service("plain", comp)
	fx.send(sc, "nop")
	frame := sc.PickNextFiber()
	frame.SetContinuation(ContinuationFunc(func(*Frame) Result { return JumpTo(0) }))

	defer func() {
		r := recover()
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "proto-frame continuation") {
			t.Errorf("recovered %v, want the proto-frame continuation fault", r)
		}
	}()
	sc.Run(frame)
}

// ---------------------------------------------------------------------------
// Waiting and repeating
// ---------------------------------------------------------------------------

func TestRepeatRunsSameOpAgain(t *testing.T) {
	fx := newFixture(t)
	gate := NewFuture()
	var pcs []int
	after := 0

	comp := fx.reg.Define("Repeater", fx.reg.Service, false)
	comp.AddMethod(newMethod("poll", 1,
		OpNop{},
		OpFunc(func(f *Frame, pc int) Result {
			pcs = append(pcs, pc)
			if !gate.IsDone() {
				return f.RepeatUntil(gate)
			}
			v, _ := gate.Value()
			return f.AssignValue(0, v)
		}),
		OpFunc(func(f *Frame, pc int) Result {
			after++
			return Next()
		}),
		OpReturn1{Arg: 0},
	))
	sc := fx.service("r", comp)

	fut := fx.send(sc, "poll")
	fx.c.Pump()
	if fut.IsDone() || !slices.Equal(pcs, []int{1}) || after != 0 {
		t.Fatalf("before completion: done=%v pcs=%v after=%d", fut.IsDone(), pcs, after)
	}
	if n := sc.FiberCounts()[Waiting]; n != 1 {
		t.Errorf("waiting fibers = %d, want 1", n)
	}

	gate.Complete(fx.reg.Int64(3))
	fx.c.Pump()
	if !slices.Equal(pcs, []int{1, 1}) {
		t.Errorf("repeated op ran at %v, want [1 1]", pcs)
	}
	if after != 1 {
		t.Errorf("following op ran %d times, want 1", after)
	}
	v, ex := fut.Value()
	if ex != nil {
		t.Fatal(ex)
	}
	wantInt(t, v, 3)
}

// A waiter resumed by a response it does not wait on must not be picked
// again until its own future completes.
func TestResumedWaiterBlocksAgain(t *testing.T) {
	fx := newFixture(t)
	comp := fx.reg.Define("Waiter", fx.reg.Service, false)
	comp.AddMethod(fx.countingMethod(1000))
	fast := comp.AddMethod(newMethod("fast", 0, OpReturn1{Arg: Const(0)}))
	fast.Constants = fx.ints(7)
	comp.AddMethod(newMethod("both", 5,
		OpFunc(func(f *Frame, pc int) Result {
			f.DeclareFutureVar(2)
			f.DeclareFutureVar(3)
			return Next()
		}),
		OpInvoke1{Target: 0, Method: "count", Ret: 2},
		OpInvoke1{Target: 1, Method: "fast", Ret: 3},
		OpMove{From: 2, To: 4},
		OpReturn1{Arg: 4},
	))
	a := fx.service("a", comp)
	b := fx.service("b", comp)
	c := fx.service("c", comp)

	fut := fx.send(b, "both", a.Service(), c.Service())
	done := make(chan int, 1)
	go func() { done <- fx.c.Pump() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return: the resumed waiter keeps running")
	}

	v, ex := fut.Value()
	if ex != nil {
		t.Fatal(ex)
	}
	wantInt(t, v, 1000)
}

// ---------------------------------------------------------------------------
// Timeouts
// ---------------------------------------------------------------------------

// stallComposition defines wait, which calls stall on another service and
// returns -1 if the call times out. stall never completes.
func stallComposition(fx *fixture, seen **Fiber) *Composition {
	comp := fx.reg.Define("Stalling", fx.reg.Service, false)
	wait := comp.AddMethod(newMethod("wait", 2,
		OpFunc(func(f *Frame, pc int) Result {
			*seen = f.Fiber
			return Next()
		}),
		OpInvoke1{Target: 0, Method: "stall", Ret: 1}, // 1
		OpReturn1{Arg: 1},
		OpReturn1{Arg: Const(0)}, // 3: TimedOut handler
	))
	wait.Constants = fx.ints(-1)
	wait.Guards = []Guard{NewGuard(1, 2, 3, fx.reg.TimedOut)}
	comp.AddMethod(newMethod("stall", 1,
		OpFunc(func(f *Frame, pc int) Result {
			return f.AssignValue(0, f.Registry().FutureOf(NewFuture()))
		}),
		OpReturn1{Arg: 0},
	))
	return comp
}

func TestMarkTimedOut(t *testing.T) {
	fx := newFixture(t)
	var fib *Fiber
	comp := stallComposition(fx, &fib)
	s := fx.service("s", comp)
	r := fx.service("r", comp)

	fut := fx.send(s, "wait", r.Service())
	fx.c.Pump()
	if fut.IsDone() || fib == nil || fib.Status() != Waiting {
		t.Fatalf("wait did not block: done=%v fiber=%v", fut.IsDone(), fib)
	}

	fib.MarkTimedOut()
	fx.c.Pump()
	v, ex := fut.Value()
	if ex != nil {
		t.Fatal(ex)
	}
	wantInt(t, v, -1)
}

func TestCallTimeout(t *testing.T) {
	fx := newFixture(t)
	var fib *Fiber
	comp := stallComposition(fx, &fib)
	s := fx.service("s", comp, WithCallTimeout(10*time.Millisecond))
	r := fx.service("r", comp)

	fut := fx.send(s, "wait", r.Service())
	fx.c.Pump()
	if fut.IsDone() {
		t.Fatal("wait completed before its timeout")
	}

	time.Sleep(20 * time.Millisecond)
	fx.c.Pump()
	v, ex := fut.Value()
	if ex != nil {
		t.Fatal(ex)
	}
	wantInt(t, v, -1)
}

func TestTimedOutRegisterIsCleared(t *testing.T) {
	fx := newFixture(t)
	var stalled, fib *Fiber
	comp := stallComposition(fx, &stalled)
	read := comp.AddMethod(newMethod("waitAndRead", 2,
		OpFunc(func(f *Frame, pc int) Result {
			fib = f.Fiber
			return Next()
		}),
		OpInvoke1{Target: 0, Method: "stall", Ret: 1}, // 1
		OpReturn1{Arg: 1},
		OpReturn1{Arg: 1}, // 3: TimedOut handler reads the abandoned register
	))
	read.Guards = []Guard{NewGuard(1, 2, 3, fx.reg.TimedOut)}
	s := fx.service("s", comp)
	r := fx.service("r", comp)

	fut := fx.send(s, "waitAndRead", r.Service())
	fx.c.Pump()
	if fib == nil || fib.Status() != Waiting {
		t.Fatalf("waitAndRead did not block: fiber=%v", fib)
	}

	fib.MarkTimedOut()
	fx.c.Pump()
	if !fut.IsDone() {
		t.Fatal("reading the timed out register blocked again")
	}
	if ex := fut.Exception(); ex == nil || !ex.IsA(fx.reg.IllegalState) {
		t.Errorf("exception = %v, want IllegalState", ex)
	}
}
