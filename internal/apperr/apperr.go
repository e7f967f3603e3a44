// Package apperr defines the error taxonomy shared by the time-log engine.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeNotFound              Code = "NOT_FOUND"
	CodeAlreadyClosed         Code = "ALREADY_CLOSED"
	CodeConflict              Code = "CONFLICT"
	CodeDailyCapExceeded      Code = "DAILY_CAP_EXCEEDED"
	CodeMissingStartTime      Code = "MISSING_START_TIME"
	CodeMissingActiveLog      Code = "MISSING_ACTIVE_LOG"
	CodeNoActiveTimer         Code = "NO_ACTIVE_TIMER"
	CodeMissingJustification  Code = "MISSING_JUSTIFICATION"
	CodeInsufficientPrivilege Code = "INSUFFICIENT_PRIVILEGE"
	CodeSchemaUnsupported     Code = "SCHEMA_UNSUPPORTED"
	CodeStorageUnavailable    Code = "STORAGE_UNAVAILABLE"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Any *Error with the same code matches.
var (
	ErrValidation            = New(CodeValidation, "validation failed")
	ErrNotFound              = New(CodeNotFound, "not found")
	ErrAlreadyClosed         = New(CodeAlreadyClosed, "time log already closed")
	ErrConflict              = New(CodeConflict, "an open time log already exists")
	ErrDailyCapExceeded      = New(CodeDailyCapExceeded, "daily cap exceeded")
	ErrMissingStartTime      = New(CodeMissingStartTime, "no start time available")
	ErrMissingActiveLog      = New(CodeMissingActiveLog, "no open time log")
	ErrNoActiveTimer         = New(CodeNoActiveTimer, "no active timer")
	ErrMissingJustification  = New(CodeMissingJustification, "rejection reason is required")
	ErrInsufficientPrivilege = New(CodeInsufficientPrivilege, "insufficient privilege")
	ErrSchemaUnsupported     = New(CodeSchemaUnsupported, "operation not supported by schema")
	ErrStorageUnavailable    = New(CodeStorageUnavailable, "storage unavailable")
)

// Error is an application error carrying a Code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is checks whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	var appErr *Error
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
