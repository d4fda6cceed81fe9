// Package domainerrors defines coded errors that cross the service boundary.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate them
// into coded errors here, and transport maps codes onto HTTP statuses.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeValidation         Code = "validation_failed"
	CodeBadRequest         Code = "bad_request"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"

	// Reconciliation outcomes.
	CodeAlreadyPaid        Code = "already_paid"
	CodeAmountMismatch     Code = "amount_mismatch"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeGateway            Code = "gateway_error"
	CodeConsistency        Code = "consistency_error"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is reports whether the outermost coded error in err's chain carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when err is
// not a coded error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeStorageUnavailable, CodeGateway, CodeTimeout:
		return true
	default:
		return false
	}
}
