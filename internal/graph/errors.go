package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycleDetected      = errors.New("cycle detected")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrUnknownElement     = errors.New("unknown element")
	ErrDuplicateElement   = errors.New("duplicate element")
	ErrKeyNotReady        = errors.New("cache key not ready")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidElementSpec = errors.New("invalid element")
)

// GraphError carries one of the sentinels above plus detail.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func errorf(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &GraphError{Kind: ErrCycleDetected, Msg: strings.Join(path, " -> ")}
}
