// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "fmt"

// ErrorCode classifies protocol errors.
type ErrorCode int

// Protocol error codes.
const (
	Truncated ErrorCode = iota + 1
	InvalidUTF8
	UnknownKind
	FieldTooLarge
)

func (c ErrorCode) String() string {
	switch c {
	case Truncated:
		return "truncated"
	case InvalidUTF8:
		return "invalid utf-8"
	case UnknownKind:
		return "unknown message kind"
	case FieldTooLarge:
		return "field too large"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Sentinel protocol errors, matched with errors.Is against any *Error with the same code.
var (
	ErrTruncated     = &Error{Code: Truncated, Message: "stream closed mid-frame"}
	ErrInvalidUTF8   = &Error{Code: InvalidUTF8, Message: "string field is not valid utf-8"}
	ErrUnknownKind   = &Error{Code: UnknownKind, Message: "unknown message kind"}
	ErrFieldTooLarge = &Error{Code: FieldTooLarge, Message: "field exceeds maximum size"}
)

// Error represents a wire protocol error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewErr creates a new protocol error.
func NewErr(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %s: %s", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("codec: %s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a protocol error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
