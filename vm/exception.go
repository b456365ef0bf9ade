package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Exceptions as values
// ---------------------------------------------------------------------------

// ExceptionHandle is a language-level exception. It travels through Result
// values and futures, never as a Go panic.
type ExceptionHandle struct {
	comp    *Composition
	Message string
	Cause   *ExceptionHandle
	Trace   []string
}

// NewException creates an exception of composition c.
func (r *Registry) NewException(c *Composition, format string, args ...any) *ExceptionHandle {
	if c == nil {
		c = r.Exception
	}
	return &ExceptionHandle{comp: c, Message: fmt.Sprintf(format, args...)}
}

func (e *ExceptionHandle) Type() *Composition { return e.comp }
func (e *ExceptionHandle) IsMutable() bool    { return false }

// IsA reports whether the exception is an instance of c.
func (e *ExceptionHandle) IsA(c *Composition) bool { return e.comp.IsA(c) }

// Error implements error.
func (e *ExceptionHandle) Error() string {
	if e.Message == "" {
		return e.comp.Name
	}
	return e.comp.Name + ": " + e.Message
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *ExceptionHandle) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// WithCause sets the cause and returns e.
func (e *ExceptionHandle) WithCause(cause *ExceptionHandle) *ExceptionHandle {
	e.Cause = cause
	return e
}

// StackTrace renders the exception with its logical trace.
func (e *ExceptionHandle) StackTrace() string {
	var b strings.Builder
	b.WriteString(e.Error())
	for _, line := range e.Trace {
		b.WriteString("\n\tat ")
		b.WriteString(line)
	}
	if e.Cause != nil {
		b.WriteString("\ncaused by: ")
		b.WriteString(e.Cause.StackTrace())
	}
	return b.String()
}
