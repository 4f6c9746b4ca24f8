package script

import (
	"errors"
	"fmt"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// ErrEntryPointMissing is returned when the script does not define the entry point
var ErrEntryPointMissing = errors.New("the script does not define a '" + EntryPoint + "' function")

// SyntaxError is a parse or name resolution failure
type SyntaxError struct {
	Class string
	Line  int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at line %d: %s", e.Class, e.Line, e.Msg)
}

// RuntimeError is a failure raised while executing script code
type RuntimeError struct {
	Class     string
	Line      int
	Msg       string
	Backtrace string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s at line %d: %s", e.Class, e.Line, e.Msg)
}

// MisuseError means the entry point exists but cannot be called as expected
type MisuseError struct {
	Details string
}

func (e *MisuseError) Error() string {
	return "misuse of the " + EntryPoint + " function: " + e.Details
}

// ReferenceError means the script referenced a file or directory that does not exist
type ReferenceError struct {
	Path string
}

func (e *ReferenceError) Error() string {
	return "file or directory not found: " + e.Path
}

// ResultError means the entry point returned a value of the wrong type
type ResultError struct {
	Got string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("'%s' returned a %s, expected a deployment_configuration", EntryPoint, e.Got)
}

// compileError converts errors of parsing, resolving or running the top level
func compileError(err error) error {
	var se syntax.Error
	if errors.As(err, &se) {
		return &SyntaxError{Class: "SyntaxError", Line: int(se.Pos.Line), Msg: se.Msg}
	}
	var rl resolve.ErrorList
	if errors.As(err, &rl) && len(rl) > 0 {
		return &SyntaxError{Class: "ResolveError", Line: int(rl[0].Pos.Line), Msg: rl[0].Msg}
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return runtimeError(ee)
	}
	return &RuntimeError{Class: "Error", Msg: err.Error()}
}

func runtimeError(ee *starlark.EvalError) *RuntimeError {
	line := 0
	for i := len(ee.CallStack) - 1; i >= 0; i-- {
		if l := ee.CallStack[i].Pos.Line; l > 0 {
			line = int(l)
			break
		}
	}
	return &RuntimeError{
		Class:     "EvalError",
		Line:      line,
		Msg:       ee.Msg,
		Backtrace: ee.Backtrace(),
	}
}
