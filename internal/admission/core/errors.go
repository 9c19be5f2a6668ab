// Package core implements federation admission control.
package core

import "errors"

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeResourceLimitExceeded ErrorCode = "RESOURCE_LIMIT_EXCEEDED"
	CodeFederationUnreachable ErrorCode = "FEDERATION_UNREACHABLE"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	CodeInternal              ErrorCode = "INTERNAL"
)

// AdmissionError is a typed application error.
type AdmissionError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AdmissionError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AdmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap creates a new AdmissionError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AdmissionError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var admErr *AdmissionError
	if errors.As(err, &admErr) {
		return admErr.Code
	}
	return ""
}

// ErrInvalidInput indicates validation failures.
var ErrInvalidInput = &AdmissionError{Code: CodeInvalidInput, Message: "invalid input"}

// ErrNotFound indicates missing resources.
var ErrNotFound = &AdmissionError{Code: CodeNotFound, Message: "not found"}

// ErrUnauthorized indicates missing or invalid credentials.
var ErrUnauthorized = &AdmissionError{Code: CodeUnauthorized, Message: "unauthorized"}
