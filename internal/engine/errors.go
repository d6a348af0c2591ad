package engine

import (
	"errors"
	"fmt"
)

// Code categorizes engine failures. Every failed operation returns a *Error
// carrying one of these; callers branch on the code, never on message text.
type Code string

const (
	// CodeStructuralMismatch: the decision tree does not mirror the request's
	// item tree (wrong count or nesting).
	CodeStructuralMismatch Code = "structural_mismatch"

	// CodeWrongRequestStatus: a lifecycle transition was attempted from a
	// status that does not permit it.
	CodeWrongRequestStatus Code = "wrong_request_status"

	// CodeAttributeAlreadySucceeded: the predecessor already has a successor.
	CodeAttributeAlreadySucceeded Code = "attribute_already_succeeded"

	// CodeConcurrentModification: another caller holds the logical lock for
	// the same request or attribute chain; retry after it completes.
	CodeConcurrentModification Code = "concurrent_modification"

	// CodeExpired: the request's expiresAt has elapsed.
	CodeExpired Code = "expired"

	// CodeValidation: the inputs are structurally valid but violate a
	// semantic rule (unknown value kind, owner mismatch, missing parameter).
	CodeValidation Code = "validation_error"
)

// Error is the engine's typed failure.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is an engine Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// ErrorCode extracts the engine code from err, or "" if err is not an
// engine Error.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func wrongStatus(id, current string, required ...string) *Error {
	e := newError(CodeWrongRequestStatus, "request %s is %s, operation requires %v", id, current, required)
	e.Details = map[string]string{"current": current, "required": fmt.Sprint(required)}
	return e
}

func structuralMismatch(format string, args ...any) *Error {
	return newError(CodeStructuralMismatch, format, args...)
}
