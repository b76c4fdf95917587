package usecase

import (
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorMissingUser  ErrorCode = "MISSING_USER"
	ErrorDailyLimit   ErrorCode = "DAILY_LIMIT_EXCEEDED"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error

	// Fields maps an input field to what is wrong with it (INVALID_INPUT only).
	Fields map[string]string

	// Set for DAILY_LIMIT_EXCEEDED.
	Limit      int
	ResetAt    string
	RetryAfter time.Duration
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

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func invalidField(reason, field, problem string) *Error {
	e := newError(ErrorInvalidInput, reason, nil)
	e.Fields = map[string]string{field: problem}
	return e
}
