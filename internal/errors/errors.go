// Package errors defines the closed set of error kinds the engine
// surfaces to an embedder, independent of any particular VM instance.
package errors

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	pkgerrors "github.com/pkg/errors"
)

// Kind is the closed taxonomy of engine error kinds (spec §7).
type Kind string

const (
	CompileError   Kind = "CompileError"
	RuntimeError   Kind = "RuntimeError"
	StackOverflow  Kind = "StackOverflow"
	OutOfMemory    Kind = "OutOfMemory"
	Interrupted    Kind = "Interrupted"
	ErrorInHandler Kind = "ErrorInHandler"
	// Yield is internal-only: it must never escape to the embedder
	// except as the (ok=true, suspended) result of a top-level resume.
	Yield Kind = "Yield"
)

// SourceLocation pinpoints a place in source text.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return ""
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// StackFrame is one entry of a runtime traceback.
type StackFrame struct {
	Function string
	Location SourceLocation
}

// EngineError is the concrete error type returned across the VM
// facade. Value carries the raised Lua value for RuntimeError (often
// but not always a string); Cause, when present, is the underlying Go
// error this one wraps (resource exhaustion, a malformed chunk, …).
type EngineError struct {
	Kind      Kind
	Message   string
	Value     interface{} // the raised Value, for RuntimeError
	Location  SourceLocation
	Traceback []StackFrame
	Cause     error

	// Handler is populated only for ErrorInHandler: the error raised by
	// the xpcall handler or __gc finalizer itself, on top of Original.
	Original error
	Handler  error
}

func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Kind, e.Message)
	if loc := e.Location.String(); loc != "" {
		fmt.Fprintf(&sb, " (%s)", loc)
	}
	for _, f := range e.Traceback {
		if f.Function != "" {
			fmt.Fprintf(&sb, "\n\tat %s (%s)", f.Function, f.Location)
		} else {
			fmt.Fprintf(&sb, "\n\tat %s", f.Location)
		}
	}
	return sb.String()
}

// Unwrap lets errors.Is/errors.As see through to the underlying Go
// error, when this EngineError wraps one. pkg/errors.Cause stops at an
// EngineError, which has a Cause field but no Cause() method.
func (e *EngineError) Unwrap() error { return e.Cause }

func New(kind Kind, location SourceLocation, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...), Location: location}
}

// Wrap records a lower-level Go error (allocation failure, malformed
// dump, …) as the Cause of an engine error, preserving it in the Cause
// field, reachable through Unwrap.
func Wrap(kind Kind, location SourceLocation, cause error, format string, args ...interface{}) *EngineError {
	wrapped := pkgerrors.Wrap(cause, fmt.Sprintf(format, args...))
	return &EngineError{Kind: kind, Message: wrapped.Error(), Location: location, Cause: cause}
}

// OutOfMemoryError reports a GC memory cap violation with a
// human-readable byte count rather than a raw integer.
func OutOfMemoryError(location SourceLocation, used, limit uint64) *EngineError {
	return New(OutOfMemory, location, "out of memory: allocation would exceed limit (%s used, %s limit)",
		humanize.Bytes(used), humanize.Bytes(limit))
}

// StackOverflowError reports depth/register exhaustion with a
// humanized count, matching the cap named in the message.
func StackOverflowError(location SourceLocation, depth, limit int) *EngineError {
	return New(StackOverflow, location, "stack overflow: call depth %s exceeds limit %s",
		humanize.Comma(int64(depth)), humanize.Comma(int64(limit)))
}

// InHandler wraps an error that occurred while running an xpcall
// handler or a __gc finalizer on top of the error that triggered it.
func InHandler(original, handler error) *EngineError {
	return &EngineError{
		Kind:     ErrorInHandler,
		Message:  fmt.Sprintf("error in error handling: %v (original: %v)", handler, original),
		Original: original,
		Handler:  handler,
	}
}

func (e *EngineError) WithTraceback(tb []StackFrame) *EngineError {
	e.Traceback = tb
	return e
}

func (e *EngineError) AddFrame(function string, loc SourceLocation) *EngineError {
	e.Traceback = append(e.Traceback, StackFrame{Function: function, Location: loc})
	return e
}
