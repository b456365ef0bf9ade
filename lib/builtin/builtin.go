// Package builtin defines the services that ship with xvm: a counter that
// keeps state across requests and an echo service that exercises the
// single, multi-value and tuple return shapes.
package builtin

import (
	"fmt"
	"sort"

	"github.com/chazu/xvm/vm"
)

// Definition is a composition that can be instantiated as a service.
type Definition struct {
	Composition *vm.Composition
	Constructor *vm.Method
}

// Catalog maps template names to definitions.
type Catalog map[string]Definition

// Names returns the template names in order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Construct starts a service called name from the definition registered as
// template.
func (c Catalog) Construct(cont *vm.Container, name, template string, args []vm.ObjectHandle,
	opts ...vm.ContextOption) (*vm.ServiceContext, *vm.Future, error) {
	def, ok := c[template]
	if !ok {
		return nil, nil, fmt.Errorf("unknown service template %q", template)
	}
	return cont.ConstructService(nil, name, def.Composition, def.Constructor, args, opts...)
}

// Install defines the built-in compositions in reg.
func Install(reg *vm.Registry) Catalog {
	return Catalog{
		"Counter": counter(reg),
		"Echo":    echo(reg),
	}
}

func method(name string, params, vars int, ops ...vm.Op) *vm.Method {
	return &vm.Method{Name: name, Params: params, MaxVars: vars, Ops: ops, Returns: vm.ReturnsSingle}
}

// ---------------------------------------------------------------------------
// Counter
// ---------------------------------------------------------------------------

func counter(reg *vm.Registry) Definition {
	comp := reg.Define("Counter", reg.Service, false)

	ctor := method("construct", 0, 1, initCount{}, vm.OpReturn0{})
	ctor.Returns = vm.ReturnsVoid

	// increment(by): count += by; returns the new count.
	comp.AddMethod(method("increment", 1, 2,
		vm.OpGetProperty{Target: vm.ArgThis, Property: "count", Ret: 1},
		vm.OpAdd{A: 1, B: 0, Ret: 1},
		vm.OpSetProperty{Target: vm.ArgThis, Property: "count", Value: 1},
		vm.OpReturn1{Arg: 1},
	))
	comp.AddMethod(method("get", 0, 1,
		vm.OpGetProperty{Target: vm.ArgThis, Property: "count", Ret: 0},
		vm.OpReturn1{Arg: 0},
	))
	comp.AddMethod(method("fail", 1, 1, vm.OpThrow{Arg: 0}))

	reset := method("reset", 0, 0,
		vm.OpSetProperty{Target: vm.ArgThis, Property: "count", Value: vm.Const(0)},
		vm.OpReturn0{},
	)
	reset.Returns = vm.ReturnsVoid
	reset.Constants = vm.ConstantList{reg.Int64(0)}
	comp.AddMethod(reset)
	return Definition{Composition: comp, Constructor: ctor}
}

// initCount sets count to the constructor argument, or to zero without one.
type initCount struct{}

func (initCount) Process(f *vm.Frame, pc int) vm.Result {
	reg := f.Registry()
	start := f.Vars[0]
	if start == nil {
		start = reg.Int64(0)
	}
	if _, ok := start.(*vm.IntHandle); !ok {
		return f.RaiseNew(reg.IllegalState, "counter start must be an Int, got %s", start.Type())
	}
	return reg.TemplateOf(f.This.Type()).SetProperty(f, f.This, "count", start)
}

// ---------------------------------------------------------------------------
// Echo
// ---------------------------------------------------------------------------

func echo(reg *vm.Registry) Definition {
	comp := reg.Define("Echo", reg.Service, false)

	comp.AddMethod(method("echo", 1, 1, vm.OpReturn1{Arg: 0}))

	pair := method("pair", 2, 2, vm.OpReturnN{Args: []int{0, 1}})
	pair.Returns = vm.ReturnsMulti
	pair.ReturnCount = 2
	comp.AddMethod(pair)

	// swap((a, b)) returns (b, a).
	swap := method("swap", 1, 4,
		vm.OpUnpack{Arg: 0, Rets: []int{1, 2}},
		vm.OpNewTuple{Args: []int{2, 1}, Ret: 3},
		vm.OpReturnT{Arg: 3},
	)
	swap.Returns = vm.ReturnsTuple
	swap.ReturnCount = 2
	comp.AddMethod(swap)

	return Definition{Composition: comp}
}
