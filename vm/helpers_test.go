package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	t   *testing.T
	c   *Container
	reg *Registry
}

func newFixture(t *testing.T, opts ...ContainerOption) *fixture {
	t.Helper()
	c := NewContainer(opts...)
	return &fixture{t: t, c: c, reg: c.Registry}
}

func newMethod(name string, vars int, ops ...Op) *Method {
	return &Method{Name: name, MaxVars: vars, Ops: ops, Returns: ReturnsSingle}
}

// service constructs a service of comp without a constructor and pumps
// until it exists.
func (fx *fixture) service(name string, comp *Composition, opts ...ContextOption) *ServiceContext {
	fx.t.Helper()
	sc, fut, err := fx.c.ConstructService(nil, name, comp, nil, nil, opts...)
	if err != nil {
		fx.t.Fatalf("ConstructService(%s): %v", name, err)
	}
	fx.c.Pump()
	if v, ex := fut.Value(); ex != nil || v != sc.Service() {
		fx.t.Fatalf("construct %s = %v, %v", name, v, ex)
	}
	return sc
}

func (fx *fixture) fn(sc *ServiceContext, name string) *FunctionHandle {
	fx.t.Helper()
	m := sc.Service().Type().FindMethod(name)
	if m == nil {
		fx.t.Fatalf("%s has no method %s", sc.Name, name)
	}
	return fx.reg.NewFunction(m)
}

// send invokes name on sc from the host without pumping.
func (fx *fixture) send(sc *ServiceContext, name string, args ...ObjectHandle) *Future {
	fx.t.Helper()
	fut, ex := sc.SendInvoke1Request(nil, fx.fn(sc, name), args, 1)
	if ex != nil {
		fx.t.Fatalf("send %s.%s: %v", sc.Name, name, ex)
	}
	return fut
}

// call invokes name on sc from the host, pumps, and returns the result.
func (fx *fixture) call(sc *ServiceContext, name string, args ...ObjectHandle) ObjectHandle {
	fx.t.Helper()
	fut := fx.send(sc, name, args...)
	fx.c.Pump()
	if !fut.IsDone() {
		fx.t.Fatalf("%s.%s did not complete", sc.Name, name)
	}
	v, ex := fut.Value()
	if ex != nil {
		fx.t.Fatalf("%s.%s raised %s", sc.Name, name, ex.StackTrace())
	}
	return v
}

// callErr invokes name and returns the exception it completes with.
func (fx *fixture) callErr(sc *ServiceContext, name string, args ...ObjectHandle) *ExceptionHandle {
	fx.t.Helper()
	fut := fx.send(sc, name, args...)
	fx.c.Pump()
	if !fut.IsDone() {
		fx.t.Fatalf("%s.%s did not complete", sc.Name, name)
	}
	ex := fut.Exception()
	if ex == nil {
		v, _ := fut.Value()
		fx.t.Fatalf("%s.%s = %v, want an exception", sc.Name, name, v)
	}
	return ex
}

func (fx *fixture) ints(vs ...int64) ConstantList {
	l := make(ConstantList, len(vs))
	for i, v := range vs {
		l[i] = fx.reg.Int64(v)
	}
	return l
}

func wantInt(t *testing.T, h ObjectHandle, want int64) {
	t.Helper()
	n, ok := h.(*IntHandle)
	if !ok {
		t.Fatalf("value = %v (%T), want Int %d", h, h, want)
	}
	if n.Value != want {
		t.Errorf("value = %d, want %d", n.Value, want)
	}
}

func fieldOf(h fielded, name string) ObjectHandle {
	v, _ := h.Field(name)
	return v
}

// countingMethod returns a method that counts from 0 to limit in a loop
// and returns the count. It executes 4*limit+4 ops.
func (fx *fixture) countingMethod(limit int64) *Method {
	m := newMethod("count", 2,
		OpMove{From: Const(0), To: 0},     // 0: i = 0
		OpLess{A: 0, B: Const(2), Ret: 1}, // 1: c = i < limit
		OpJumpFalse{Cond: 1, Addr: 5},     // 2
		OpAdd{A: 0, B: Const(1), Ret: 0},  // 3: i = i + 1
		OpJump{Addr: 1},                   // 4
		OpReturn1{Arg: 0},                 // 5
	)
	m.Constants = fx.ints(0, 1, limit)
	return m
}
