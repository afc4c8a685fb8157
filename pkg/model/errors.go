package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

const (
	KindResource          ErrorKind = "ResourceError"
	KindTool              ErrorKind = "ToolError"
	KindConfiguration     ErrorKind = "ConfigurationError"
	KindSandboxStart      ErrorKind = "SandboxStartError"
	KindSandboxStop       ErrorKind = "SandboxStopError"
	KindDatabase          ErrorKind = "DatabaseError"
	KindSandboxNotStarted ErrorKind = "SandboxNotStartedError"
)

// Error is a classified sandbox error.
type Error struct {
	Kind      ErrorKind
	SandboxID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.SandboxID != "" {
		msg = fmt.Sprintf("sandbox %s: %s", e.SandboxID, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, &Error{Kind: KindTool}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// WithSandbox returns a copy of e tagged with a sandbox id.
func (e *Error) WithSandbox(id string) *Error {
	cp := *e
	cp.SandboxID = id
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func newError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NewResourceError(format string, args ...any) *Error {
	return newError(KindResource, nil, format, args...)
}

func NewToolError(cause error, format string, args ...any) *Error {
	return newError(KindTool, cause, format, args...)
}

func NewConfigurationError(format string, args ...any) *Error {
	return newError(KindConfiguration, nil, format, args...)
}

func NewSandboxStartError(cause error, format string, args ...any) *Error {
	return newError(KindSandboxStart, cause, format, args...)
}

func NewSandboxStopError(cause error, format string, args ...any) *Error {
	return newError(KindSandboxStop, cause, format, args...)
}

func NewDatabaseError(cause error, format string, args ...any) *Error {
	return newError(KindDatabase, cause, format, args...)
}

func NewSandboxNotStartedError(format string, args ...any) *Error {
	return newError(KindSandboxNotStarted, nil, format, args...)
}
