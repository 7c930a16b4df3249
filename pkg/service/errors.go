package service

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBadContent marks a request whose content is invalid (empty chain,
	// unknown type, malformed harvest parameters).
	ErrBadContent = errors.New("bad content")
	// ErrPluginExecutionNotAllowed marks a chain that cannot run given the
	// plugin type graph and the dataset history.
	ErrPluginExecutionNotAllowed = errors.New("plugin execution not allowed")
	// ErrExecutionFinished is returned when cancelling an ended execution.
	ErrExecutionFinished = errors.New("execution already finished")
)

// ValidationError is returned synchronously to whoever requested an execution.
// Kind is ErrBadContent or ErrPluginExecutionNotAllowed.
type ValidationError struct {
	Kind   error
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func badContent(format string, args ...interface{}) error {
	return &ValidationError{Kind: ErrBadContent, Reason: fmt.Sprintf(format, args...)}
}

func notAllowed(format string, args ...interface{}) error {
	return &ValidationError{Kind: ErrPluginExecutionNotAllowed, Reason: fmt.Sprintf(format, args...)}
}
