package captcha

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// Code is the stable wire identifier of a failure. Clients and site
// backends branch on these, so the set only ever grows.
type Code string

const (
	CodeInvalidSitekey      Code = "invalid_sitekey"
	CodeInvalidSecret       Code = "invalid_secret"
	CodeDomainMismatch      Code = "domain_mismatch"
	CodeRateLimited         Code = "rate_limited"
	CodeIPBlocked           Code = "ip_blocked"
	CodeRiskDenied          Code = "risk_denied"
	CodeExpired             Code = "expired"
	CodeTampered            Code = "tampered"
	CodeNotFound            Code = "not_found"
	CodeAlreadyUsed         Code = "already_used"
	CodeAlreadyRedeemed     Code = "already_redeemed"
	CodeFingerprintMismatch Code = "fingerprint_mismatch"
	CodeCryptoFailure       Code = "crypto_failure"
	CodeBadRequest          Code = "bad_request"
	CodeStorageUnavailable  Code = "storage_unavailable"
)

// httpStatus maps every code to exactly one HTTP status. Challenge-state
// failures all answer 400 with terse messages so the wire reveals nothing
// about which check broke.
var httpStatus = map[Code]int{
	CodeInvalidSitekey:      http.StatusUnauthorized,
	CodeInvalidSecret:       http.StatusUnauthorized,
	CodeDomainMismatch:      http.StatusForbidden,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeIPBlocked:           http.StatusForbidden,
	CodeRiskDenied:          http.StatusForbidden,
	CodeExpired:             http.StatusBadRequest,
	CodeTampered:            http.StatusBadRequest,
	CodeNotFound:            http.StatusBadRequest,
	CodeAlreadyUsed:         http.StatusBadRequest,
	CodeAlreadyRedeemed:     http.StatusBadRequest,
	CodeFingerprintMismatch: http.StatusBadRequest,
	CodeCryptoFailure:       http.StatusBadRequest,
	CodeBadRequest:          http.StatusBadRequest,
	CodeStorageUnavailable:  http.StatusServiceUnavailable,
}

// Error is the orchestrator failure type. Message is safe to put on the
// wire; internal detail stays in the wrapped error.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status the HTTP layer writes for this code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// fail builds a wire-safe error.
func fail(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// failCause wraps an internal error under a wire-safe code and message.
func failCause(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// storeErr translates storage failures: a missing row keeps the caller's
// notFound code, anything else is a storage outage.
func storeErr(err error, notFound Code, what string) *Error {
	if errors.Is(err, store.ErrNotFound) {
		return fail(notFound, what+" not found")
	}
	return failCause(CodeStorageUnavailable, "storage unavailable", err)
}

// AsError extracts an *Error, wrapping unknown errors as storage failures
// so unexpected internals never leak to the wire.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return failCause(CodeStorageUnavailable, "internal error", err)
}
