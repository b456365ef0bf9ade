// Package dist implements the wire representation of requests and
// responses exchanged with a container from outside the process. Values
// and envelopes are encoded as canonical CBOR.
package dist

import (
	"errors"
	"fmt"

	"github.com/chazu/xvm/vm"
)

// ErrNotWireable is returned for handles that have no wire form, such as
// mutable objects, futures and functions.
var ErrNotWireable = errors.New("dist: value cannot be sent over the wire")

// ValueKind identifies the variant held by a Value.
type ValueKind uint8

const (
	ValueNil       ValueKind = 0
	ValueInt       ValueKind = 1
	ValueString    ValueKind = 2
	ValueBool      ValueKind = 3
	ValueTuple     ValueKind = 4
	ValueArray     ValueKind = 5
	ValueException ValueKind = 6
	ValueService   ValueKind = 7
)

// Value is the wire form of an immutable handle. Services travel by name and
// exceptions as their composition name and message.
type Value struct {
	Kind  ValueKind `cbor:"1,keyasint"`
	Int   int64     `cbor:"2,keyasint,omitempty"`
	Str   string    `cbor:"3,keyasint,omitempty"` // string, service name or exception message
	Bool  bool      `cbor:"4,keyasint,omitempty"`
	Elems []Value   `cbor:"5,keyasint,omitempty"`
	Type  string    `cbor:"6,keyasint,omitempty"` // exception composition
}

// Int returns an Int value.
func Int(n int64) Value { return Value{Kind: ValueInt, Int: n} }

// String returns a String value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// Bool returns a Boolean value.
func Bool(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// Tuple returns a Tuple value.
func Tuple(elems ...Value) Value { return Value{Kind: ValueTuple, Elems: elems} }

func (v Value) String() string {
	switch v.Kind {
	case ValueNil:
		return "nil"
	case ValueInt:
		return fmt.Sprint(v.Int)
	case ValueString:
		return fmt.Sprintf("%q", v.Str)
	case ValueBool:
		return fmt.Sprint(v.Bool)
	case ValueTuple, ValueArray:
		lb, rb := "(", ")"
		if v.Kind == ValueArray {
			lb, rb = "[", "]"
		}
		s := lb
		for i, e := range v.Elems {
			if i > 0 {
				s += ", "
			}
			s += e.String()
		}
		return s + rb
	case ValueException:
		return v.Type + ": " + v.Str
	case ValueService:
		return "service " + v.Str
	}
	return fmt.Sprintf("value(kind=%d)", v.Kind)
}

// FromHandle converts h to its wire form.
func FromHandle(h vm.ObjectHandle) (Value, error) {
	switch h := h.(type) {
	case nil, *vm.NullHandle:
		return Value{}, nil
	case *vm.IntHandle:
		return Int(h.Value), nil
	case *vm.StringHandle:
		return String(h.Value), nil
	case *vm.BoolHandle:
		return Bool(h.Value), nil
	case *vm.TupleHandle:
		elems, err := fromHandles(h.Values)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: ValueTuple, Elems: elems}, nil
	case *vm.ArrayHandle:
		if h.IsMutable() {
			return Value{}, fmt.Errorf("%w: mutable array", ErrNotWireable)
		}
		elems, err := fromHandles(h.Values())
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: ValueArray, Elems: elems}, nil
	case *vm.ExceptionHandle:
		return Value{Kind: ValueException, Type: h.Type().Name, Str: h.Message}, nil
	case *vm.ServiceHandle:
		return Value{Kind: ValueService, Str: h.Context.Name}, nil
	}
	return Value{}, fmt.Errorf("%w: %s", ErrNotWireable, h.Type())
}

// FromHandles converts a list of handles.
func FromHandles(hs []vm.ObjectHandle) ([]Value, error) { return fromHandles(hs) }

func fromHandles(hs []vm.ObjectHandle) ([]Value, error) {
	out := make([]Value, len(hs))
	for i, h := range hs {
		v, err := FromHandle(h)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ToHandle converts v to a handle of c. Service references are resolved by
// name among the live contexts of c.
func ToHandle(c *vm.Container, v Value) (vm.ObjectHandle, error) {
	reg := c.Registry
	switch v.Kind {
	case ValueNil:
		return reg.Nil(), nil
	case ValueInt:
		return reg.Int64(v.Int), nil
	case ValueString:
		return reg.Str(v.Str), nil
	case ValueBool:
		return reg.Bool(v.Bool), nil
	case ValueTuple, ValueArray:
		elems, err := ToHandles(c, v.Elems)
		if err != nil {
			return nil, err
		}
		if v.Kind == ValueTuple {
			return reg.NewTuple(elems...), nil
		}
		arr := reg.NewArray(elems...)
		arr.Freeze()
		return arr, nil
	case ValueException:
		comp, ok := reg.Lookup(v.Type)
		if !ok || !comp.IsA(reg.Exception) {
			comp = reg.Exception
		}
		return reg.NewException(comp, "%s", v.Str), nil
	case ValueService:
		sc := c.Lookup(v.Str)
		if sc == nil || sc.Service() == nil {
			return nil, fmt.Errorf("dist: unknown service %q", v.Str)
		}
		return sc.Service(), nil
	}
	return nil, fmt.Errorf("dist: unknown value kind %d", v.Kind)
}

// ToHandles converts a list of values.
func ToHandles(c *vm.Container, vs []Value) ([]vm.ObjectHandle, error) {
	out := make([]vm.ObjectHandle, len(vs))
	for i, v := range vs {
		h, err := ToHandle(c, v)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
