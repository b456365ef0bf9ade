package builtin

import (
	"testing"

	"github.com/chazu/xvm/vm"
)

func setup(t *testing.T) (*vm.Container, Catalog) {
	t.Helper()
	c := vm.NewContainer()
	return c, Install(c.Registry)
}

func start(t *testing.T, c *vm.Container, cat Catalog, name, template string, args ...vm.ObjectHandle) *vm.ServiceContext {
	t.Helper()
	sc, fut, err := cat.Construct(c, name, template, args)
	if err != nil {
		t.Fatal(err)
	}
	c.Pump()
	if _, ex := fut.Value(); ex != nil {
		t.Fatalf("construct %s: %v", name, ex)
	}
	return sc
}

func invoke(t *testing.T, c *vm.Container, sc *vm.ServiceContext, name string, returns int, args ...vm.ObjectHandle) ([]vm.ObjectHandle, *vm.ExceptionHandle) {
	t.Helper()
	fn := c.Registry.NewFunction(sc.Service().Type().FindMethod(name))
	var fut *vm.Future
	var ex *vm.ExceptionHandle
	if returns > 1 {
		fut, ex = sc.SendInvokeNRequest(nil, fn, args, returns)
	} else {
		fut, ex = sc.SendInvoke1Request(nil, fn, args, 1)
	}
	if ex != nil {
		t.Fatal(ex)
	}
	c.Pump()
	return fut.Values()
}

func TestCatalog(t *testing.T) {
	c, cat := setup(t)
	if names := cat.Names(); len(names) != 2 || names[0] != "Counter" || names[1] != "Echo" {
		t.Errorf("Names() = %v", names)
	}
	if _, _, err := cat.Construct(c, "x", "Nope", nil); err == nil {
		t.Error("Construct accepted an unknown template")
	}
}

func TestCounter(t *testing.T) {
	c, cat := setup(t)
	reg := c.Registry
	sc := start(t, c, cat, "counter", "Counter", reg.Int64(10))

	for i, want := range []int64{13, 16} {
		vs, ex := invoke(t, c, sc, "increment", 1, reg.Int64(3))
		if ex != nil {
			t.Fatal(ex)
		}
		if n := vs[0].(*vm.IntHandle).Value; n != want {
			t.Errorf("increment #%d = %d, want %d", i, n, want)
		}
	}
	vs, _ := invoke(t, c, sc, "get", 1)
	if n := vs[0].(*vm.IntHandle).Value; n != 16 {
		t.Errorf("get = %d, want 16", n)
	}

	_, ex := invoke(t, c, sc, "fail", 1, reg.Str("broken"))
	if ex == nil || ex.Message != "broken" {
		t.Errorf("fail = %v, want broken", ex)
	}
}

func TestCounterReset(t *testing.T) {
	c, cat := setup(t)
	sc := start(t, c, cat, "counter", "Counter", c.Registry.Int64(10))

	fn := c.Registry.NewFunction(sc.Service().Type().FindMethod("reset"))
	fut, ex := sc.SendInvoke1Request(nil, fn, nil, 0)
	if ex != nil {
		t.Fatal(ex)
	}
	if fut != nil {
		t.Fatalf("reset returned a future, want none")
	}
	c.Pump()

	vs, _ := invoke(t, c, sc, "get", 1)
	if n := vs[0].(*vm.IntHandle).Value; n != 0 {
		t.Errorf("get after reset = %d, want 0", n)
	}
}

func TestCounterDefaultsToZero(t *testing.T) {
	c, cat := setup(t)
	sc := start(t, c, cat, "counter", "Counter")
	vs, ex := invoke(t, c, sc, "get", 1)
	if ex != nil {
		t.Fatal(ex)
	}
	if n := vs[0].(*vm.IntHandle).Value; n != 0 {
		t.Errorf("get = %d, want 0", n)
	}
}

func TestCounterRejectsBadStart(t *testing.T) {
	c, cat := setup(t)
	sc, fut, err := cat.Construct(c, "counter", "Counter", []vm.ObjectHandle{c.Registry.Str("ten")})
	if err != nil {
		t.Fatal(err)
	}
	c.Pump()
	if ex := fut.Exception(); ex == nil || !ex.IsA(c.Registry.IllegalState) {
		t.Errorf("construct = %v, want IllegalState", ex)
	}
	if sc.Status() != vm.StatusTerminated {
		t.Errorf("status = %s, want terminated", sc.Status())
	}
}

func TestEcho(t *testing.T) {
	c, cat := setup(t)
	reg := c.Registry
	sc := start(t, c, cat, "echo", "Echo")

	vs, ex := invoke(t, c, sc, "echo", 1, reg.Str("hi"))
	if ex != nil {
		t.Fatal(ex)
	}
	if s := vs[0].(*vm.StringHandle).Value; s != "hi" {
		t.Errorf("echo = %q, want hi", s)
	}

	vs, ex = invoke(t, c, sc, "pair", 2, reg.Int64(1), reg.Int64(2))
	if ex != nil {
		t.Fatal(ex)
	}
	if len(vs) != 2 || vs[1].(*vm.IntHandle).Value != 2 {
		t.Errorf("pair = %v, want 1, 2", vs)
	}

	vs, ex = invoke(t, c, sc, "swap", 1, reg.NewTuple(reg.Int64(1), reg.Str("b")))
	if ex != nil {
		t.Fatal(ex)
	}
	tup, ok := vs[0].(*vm.TupleHandle)
	if !ok || len(tup.Values) != 2 {
		t.Fatalf("swap = %v, want a pair", vs[0])
	}
	if s := tup.Values[0].(*vm.StringHandle).Value; s != "b" {
		t.Errorf("swap()[0] = %q, want b", s)
	}
}
