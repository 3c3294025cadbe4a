package ir

import (
	"errors"
	"fmt"
)

// Code generation error kinds. Every error returned by Build wraps one.
var (
	ErrUnknownIdentifier  = errors.New("unknown identifier")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrArityMismatch      = errors.New("arity mismatch")
	ErrDuplicateFunction  = errors.New("duplicate function")
	ErrDuplicateParameter = errors.New("duplicate parameter")
	ErrEmptyProgram       = errors.New("empty program")
)

// CodegenError describes a failure to lower the AST.
type CodegenError struct {
	Kind error
	Name string // offending identifier or function name
	Func string // function being lowered, empty at top level
	Want int
	Got  int
}

func (e *CodegenError) Error() string {
	where := ""
	if e.Func != "" && e.Func != EntryName {
		where = fmt.Sprintf(" in function %q", e.Func)
	}
	switch e.Kind {
	case ErrArityMismatch:
		return fmt.Sprintf("%v: %q takes %d argument(s), got %d%s", e.Kind, e.Name, e.Want, e.Got, where)
	case ErrEmptyProgram:
		return "empty program: no top-level expression to evaluate"
	default:
		return fmt.Sprintf("%v %q%s", e.Kind, e.Name, where)
	}
}

func (e *CodegenError) Unwrap() error { return e.Kind }
