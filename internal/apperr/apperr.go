// Package apperr defines the error taxonomy shared by the sync, webhook and
// matching layers, and the stable {code, message} shape exposed to callers.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers outside the core.
type Code string

const (
	CodeNotLinked              Code = "not_linked"
	CodeReauthRequired         Code = "reauth_required"
	CodeProviderTransient      Code = "provider_transient"
	CodeProviderError          Code = "provider_error"
	CodeValidation             Code = "validation_error"
	CodePersistenceConflict    Code = "persistence_conflict"
	CodeUnsupportedAccountType Code = "unsupported_account_type"
	CodeSyncInProgress         Code = "sync_in_progress"
	CodeNotFound               Code = "not_found"
	CodeInternal               Code = "internal"
)

// Error carries a Code, a user-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, CodeInternal
// for any other non-nil error and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the caller may retry the same operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeProviderTransient, CodePersistenceConflict:
		return true
	}
	return false
}

// Payload is the JSON shape of an error crossing the core boundary.
type Payload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ToPayload converts err to its external shape. Internal errors get a generic
// message so that driver or stack detail never reaches the caller.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return &Payload{Code: e.Code, Message: e.Message}
	}
	return &Payload{Code: CodeInternal, Message: "internal error"}
}
