package aggregator

import (
	"errors"
	"fmt"
	"strings"
)

// Classes of provider failure. Every error returned by a Client wraps exactly
// one of these.
var (
	ErrAuth                     = errors.New("aggregator: credentials rejected")
	ErrTransient                = errors.New("aggregator: temporarily unavailable")
	ErrMutationDuringPagination = errors.New("aggregator: data changed during pagination")
	ErrProvider                 = errors.New("aggregator: provider error")
	ErrNotConfigured            = errors.New("aggregator: client id and secret are required")
)

var credentialCodes = map[string]bool{
	"ITEM_LOGIN_REQUIRED":     true,
	"INVALID_CREDENTIALS":     true,
	"INVALID_ACCESS_TOKEN":    true,
	"INVALID_MFA":             true,
	"ITEM_LOCKED":             true,
	"ACCESS_NOT_GRANTED":      true,
	"USER_PERMISSION_REVOKED": true,
	"PENDING_EXPIRATION":      true,
}

// IsCredentialCode reports whether a provider error code means the user has
// to re-authenticate the item.
func IsCredentialCode(code string) bool {
	return credentialCodes[strings.ToUpper(strings.TrimSpace(code))]
}

// APIError is an error body returned by the provider.
type APIError struct {
	StatusCode   int
	ErrorType    string
	ErrorCode    string
	ErrorMessage string
	RequestID    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator API error: %s (status=%d, type=%s, code=%s, request_id=%s)",
		e.ErrorMessage, e.StatusCode, e.ErrorType, e.ErrorCode, e.RequestID)
}

// Unwrap exposes the error class so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.ErrorCode == "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION":
		return ErrMutationDuringPagination
	case IsCredentialCode(e.ErrorCode):
		return ErrAuth
	case e.StatusCode == 429 || e.StatusCode >= 500,
		e.ErrorType == "RATE_LIMIT_EXCEEDED",
		e.ErrorCode == "PRODUCT_NOT_READY",
		e.ErrorCode == "INSTITUTION_DOWN",
		e.ErrorCode == "INSTITUTION_NOT_RESPONDING":
		return ErrTransient
	}
	return ErrProvider
}
