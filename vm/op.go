package vm

import "fmt"

// ---------------------------------------------------------------------------
// Op protocol
// ---------------------------------------------------------------------------

// Code is the control code an op hands back to the engine.
type Code uint8

const (
	// CodeNext advances to pc+1.
	CodeNext Code = iota
	// CodeJump continues at Result.Addr.
	CodeJump
	// CodeCall pushes Result.Frame, whose caller must be the current frame.
	CodeCall
	// CodeReturn returns zero or one value to the caller.
	CodeReturn
	// CodeReturnMulti returns Result.Values positionally.
	CodeReturnMulti
	// CodeReturnTuple returns a single tuple in Result.Values[0].
	CodeReturnTuple
	// CodeBlockReturn is produced by the engine when a returned future
	// has to be awaited by the caller.
	CodeBlockReturn
	// CodeException raises Result.Exception at the current pc.
	CodeException
	// CodeRepeat re-executes the same op once the fiber is resumed.
	CodeRepeat
	// CodeBlock suspends the fiber; it resumes at pc+1.
	CodeBlock
	// CodeYield voluntarily gives up the context; it resumes at pc+1.
	CodeYield
)

var codeNames = [...]string{
	CodeNext:        "next",
	CodeJump:        "jump",
	CodeCall:        "call",
	CodeReturn:      "return",
	CodeReturnMulti: "return-multi",
	CodeReturnTuple: "return-tuple",
	CodeBlockReturn: "block-return",
	CodeException:   "exception",
	CodeRepeat:      "repeat",
	CodeBlock:       "block",
	CodeYield:       "yield",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", c)
}

// Result is the outcome of processing one op or continuation.
type Result struct {
	Code      Code
	Addr      int
	Frame     *Frame
	Values    []ObjectHandle
	Exception *ExceptionHandle
}

func (r Result) String() string {
	switch r.Code {
	case CodeJump:
		return fmt.Sprintf("jump %d", r.Addr)
	case CodeException:
		return fmt.Sprintf("exception %v", r.Exception)
	}
	return r.Code.String()
}

// Next advances to the following op.
func Next() Result { return Result{Code: CodeNext} }

// JumpTo continues at addr.
func JumpTo(addr int) Result { return Result{Code: CodeJump, Addr: addr} }

// Call pushes callee; callee must have been created by the current frame.
func Call(callee *Frame) Result { return Result{Code: CodeCall, Frame: callee} }

// Return0 returns no values.
func Return0() Result { return Result{Code: CodeReturn} }

// Return1 returns a single value.
func Return1(v ObjectHandle) Result {
	return Result{Code: CodeReturn, Values: []ObjectHandle{v}}
}

// ReturnN returns several values positionally.
func ReturnN(vs []ObjectHandle) Result { return Result{Code: CodeReturnMulti, Values: vs} }

// ReturnT returns a tuple; the engine unpacks it for multi-slot callers.
func ReturnT(t *TupleHandle) Result {
	return Result{Code: CodeReturnTuple, Values: []ObjectHandle{t}}
}

// Raise raises ex at the current pc.
func Raise(ex *ExceptionHandle) Result {
	if ex == nil {
		panic("vm: raise of nil exception")
	}
	return Result{Code: CodeException, Exception: ex}
}

// Repeat re-executes the current op after the fiber is resumed.
func Repeat() Result { return Result{Code: CodeRepeat} }

// Block suspends the fiber until a response or timeout readies it.
func Block() Result { return Result{Code: CodeBlock} }

// Yield reschedules the fiber behind other ready work.
func Yield() Result { return Result{Code: CodeYield} }

// Op is a single executable instruction.
type Op interface {
	Process(f *Frame, pc int) Result
}

// OpFunc adapts a function to the Op interface.
type OpFunc func(f *Frame, pc int) Result

// Process calls fn(f, pc).
func (fn OpFunc) Process(f *Frame, pc int) Result { return fn(f, pc) }

// Continuation runs when a frame returns, in place of resuming the caller at
// its saved pc. The caller is nil for proto-frames.
//
// Next resumes the caller at its saved pc and Jump sets it. Every other code
// is processed as though the caller's op at its call site had produced it.
type Continuation interface {
	Proceed(caller *Frame) Result
}

// ContinuationFunc adapts a function to the Continuation interface.
type ContinuationFunc func(caller *Frame) Result

// Proceed calls fn(caller).
func (fn ContinuationFunc) Proceed(caller *Frame) Result { return fn(caller) }

type continuationChain struct {
	first, second Continuation
}

func (c continuationChain) Proceed(caller *Frame) Result {
	r := c.first.Proceed(caller)
	if r.Code != CodeNext {
		return r
	}
	return c.second.Proceed(caller)
}
