// Package xerr defines the error taxonomy shared by every layer of the
// cross-process object bridge.
//
// Errors that cross the process boundary are reduced to a Code and a
// message, then rebuilt on the other side as a *RemoteError that still
// matches the original sentinel through errors.Is.
package xerr

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadObject is returned when a handle's context is no longer live or
	// its token was already released.
	ErrDeadObject = errors.New("object is dead")
	// ErrTimeout is returned when a call did not complete within the bound.
	ErrTimeout = errors.New("call timed out")
	// ErrMissingMethod is returned when InvokeMember resolved a non-callable member.
	ErrMissingMethod = errors.New("no such method")
	// ErrInvalidCast is returned when a handle is used as the wrong kind or a
	// wire value carries an unknown kind.
	ErrInvalidCast = errors.New("invalid cast")
	// ErrUnsupportedValue is returned when a value outside the closed set of
	// transferable kinds is encoded.
	ErrUnsupportedValue = errors.New("unsupported value")
	// ErrUnexpectedContext is returned when a value is wrapped against a
	// context that was never registered.
	ErrUnexpectedContext = errors.New("unexpected context")
)

// Code identifies an error class on the wire.
type Code uint8

const (
	CodeInternal Code = iota
	CodeScript
	CodeDeadObject
	CodeTimeout
	CodeMissingMethod
	CodeInvalidCast
	CodeUnsupportedValue
	CodeUnexpectedContext
)

// String returns the string representation of the code
func (c Code) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeScript:
		return "script"
	case CodeDeadObject:
		return "dead-object"
	case CodeTimeout:
		return "timeout"
	case CodeMissingMethod:
		return "missing-method"
	case CodeInvalidCast:
		return "invalid-cast"
	case CodeUnsupportedValue:
		return "unsupported-value"
	case CodeUnexpectedContext:
		return "unexpected-context"
	default:
		return "unknown"
	}
}

func (c Code) sentinel() error {
	switch c {
	case CodeDeadObject:
		return ErrDeadObject
	case CodeTimeout:
		return ErrTimeout
	case CodeMissingMethod:
		return ErrMissingMethod
	case CodeInvalidCast:
		return ErrInvalidCast
	case CodeUnsupportedValue:
		return ErrUnsupportedValue
	case CodeUnexpectedContext:
		return ErrUnexpectedContext
	}
	return nil
}

// ScriptError is an exception thrown by script code.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return "script exception: " + e.Message
}

// RemoteError is an error that was raised in the peer process and decoded
// from a reply.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Is reports whether the remote error corresponds to target's class.
func (e *RemoteError) Is(target error) bool {
	if s := e.Code.sentinel(); s != nil {
		return s == target
	}
	return false
}

// CodeOf classifies err.
func CodeOf(err error) Code {
	var (
		se *ScriptError
		re *RemoteError
	)
	switch {
	case err == nil:
		return CodeInternal
	case errors.As(err, &se):
		return CodeScript
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, ErrDeadObject):
		return CodeDeadObject
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrMissingMethod):
		return CodeMissingMethod
	case errors.Is(err, ErrInvalidCast):
		return CodeInvalidCast
	case errors.Is(err, ErrUnsupportedValue):
		return CodeUnsupportedValue
	case errors.Is(err, ErrUnexpectedContext):
		return CodeUnexpectedContext
	default:
		return CodeInternal
	}
}

// MessageOf returns the message that travels with err's code. Script
// exceptions carry only the script-level message so both sides print the
// same text.
func MessageOf(err error) string {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Message
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

// FromCode rebuilds an error decoded from the wire.
func FromCode(code Code, msg string) error {
	if code == CodeScript {
		return &ScriptError{Message: msg}
	}
	return &RemoteError{Code: code, Message: msg}
}
