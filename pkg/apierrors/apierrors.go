// Package apierrors defines the stable numeric error codes surfaced on the
// wire. Codes are part of the client protocol and must never be renumbered.
package apierrors

import (
	"errors"
	"fmt"
)

type Code int

const (
	OtherCause          Code = -1
	InternalServerError Code = 1

	ObjectNotFound     Code = 101
	InvalidQuery       Code = 102
	InvalidClassName   Code = 103
	MissingObjectID    Code = 104
	InvalidKeyName     Code = 105
	InvalidJSON        Code = 107
	CommandUnavailable Code = 108
	IncorrectType      Code = 111
	OperationForbidden Code = 119
	InvalidACL         Code = 123
	DuplicateValue     Code = 137
	InvalidRoleName    Code = 139
	ValidationError    Code = 142

	UsernameMissing      Code = 200
	PasswordMissing      Code = 201
	UsernameTaken        Code = 202
	EmailTaken           Code = 203
	SessionMissing       Code = 206
	AccountAlreadyLinked Code = 208
	InvalidSessionToken  Code = 209
)

// Error is a client-visible failure with a stable numeric code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is matches on code so callers can compare against sentinel instances with
// errors.Is regardless of message text.
func (e *Error) Is(target error) bool {
	var apiErr *Error
	if errors.As(target, &apiErr) {
		return apiErr.Code == e.Code
	}
	return false
}

// CodeOf extracts the numeric code from err, or InternalServerError when err
// is not an API error.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return InternalServerError
}

// HasCode reports whether err carries the given API error code.
func HasCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
