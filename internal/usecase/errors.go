package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorBusy          ErrorCode = "BUSY"
	ErrorNetwork       ErrorCode = "NETWORK_ERROR"
	ErrorServer        ErrorCode = "SERVER_ERROR"
	ErrorBackend       ErrorCode = "BACKEND_ERROR"
	ErrorClearRejected ErrorCode = "CLEAR_REJECTED"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

// Error is the controller's error envelope. UserMessage is the inline
// text shown in the conversation surface; it is always present so no
// failure ever reaches the visitor as a bare code.
type Error struct {
	Code        ErrorCode
	Reason      string
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason, userMessage string, err error) *Error {
	return &Error{Code: code, Reason: reason, UserMessage: userMessage, Err: err}
}
