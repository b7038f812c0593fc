package apierrors

import "fmt"

// Error is a structured application error that carries a Code so HTTP
// handlers can map it to a status and a stable envelope without re-deriving
// it from string matching.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details (e.g. validation field errors) to
// the error and returns it for chaining.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}
