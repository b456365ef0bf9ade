package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Operand encoding
// ---------------------------------------------------------------------------

// Operands of ops are register indexes (>= 0) or one of the encodings below.
const (
	// Unused discards a result.
	Unused = -1
	// StackSlot pushes a result onto the frame's value stack.
	StackSlot = -2
	// ArgThis reads the frame's target.
	ArgThis = -3

	constBase = -4
)

// Const encodes constant pool index i as an operand.
func Const(i int) int { return constBase - i }

// IsConst reports whether arg encodes a constant.
func IsConst(arg int) bool { return arg <= constBase }

func constIndex(arg int) int { return constBase - arg }

// ---------------------------------------------------------------------------
// Method
// ---------------------------------------------------------------------------

// ReturnShape describes what a method returns.
type ReturnShape uint8

const (
	ReturnsVoid ReturnShape = iota
	ReturnsSingle
	ReturnsMulti
	ReturnsTuple
)

// Guard is a protected op range [Start, End) of a method. Guards of a method
// are listed innermost first.
type Guard struct {
	Start, End int
	Handler    int
	// Catch filters the exceptions the guard accepts; nil accepts all.
	Catch *Composition
	// Var receives the caught exception; Unused discards it. The zero value
	// is register 0, so literals that do not want the exception must set
	// Unused explicitly. NewGuard does.
	Var int
	// Depth is the scope depth restored on entry to the handler.
	Depth int
}

// NewGuard protects [start, end) with handler, catching exceptions of catch
// (nil catches all) and discarding the exception value.
func NewGuard(start, end, handler int, catch *Composition) Guard {
	return Guard{Start: start, End: end, Handler: handler, Catch: catch, Var: Unused}
}

// Covers reports whether the guard protects pc and accepts ex.
func (g *Guard) Covers(ex *ExceptionHandle, pc int) bool {
	if pc < g.Start || pc >= g.End {
		return false
	}
	return g.Catch == nil || ex.IsA(g.Catch)
}

// Method is executable code: an op array plus the register, scope and return
// metadata the engine needs to build frames for it.
type Method struct {
	Name      string
	Owner     *Composition
	Ops       []Op
	MaxVars   int
	MaxScopes int
	Params    int
	Returns   ReturnShape
	// ReturnCount is the number of values of a ReturnsMulti method.
	ReturnCount int
	Guards      []Guard
	Constants   ConstantPool
}

func (m *Method) String() string {
	if m == nil {
		return "<native>"
	}
	if m.Owner != nil {
		return m.Owner.Name + "." + m.Name
	}
	return m.Name
}

// ResultCount is the number of values a caller should expect.
func (m *Method) ResultCount() int {
	switch m.Returns {
	case ReturnsVoid:
		return 0
	case ReturnsMulti:
		return m.ReturnCount
	}
	return 1
}

// ConstantPool resolves constant operands.
type ConstantPool interface {
	Constant(i int) (ObjectHandle, error)
}

// ConstantList is a ConstantPool backed by a slice.
type ConstantList []ObjectHandle

// Constant implements ConstantPool.
func (l ConstantList) Constant(i int) (ObjectHandle, error) {
	if i < 0 || i >= len(l) {
		return nil, fmt.Errorf("constant %d out of range [0,%d)", i, len(l))
	}
	return l[i], nil
}

// ---------------------------------------------------------------------------
// Singletons
// ---------------------------------------------------------------------------

// Singleton is a lazily initialized constant. Its value is computed once by
// running Init and must be shareable.
type Singleton struct {
	Name string
	Init *Method

	value atomic.Pointer[ObjectHandle]
}

// Value returns the initialized value, or nil.
func (s *Singleton) Value() ObjectHandle {
	if p := s.value.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Singleton) set(v ObjectHandle) {
	s.value.CompareAndSwap(nil, &v)
}
