// Package errors defines the machine-readable failure taxonomy shared by the
// listing, purchase and reconciliation paths.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-distinguishable reason string.
type Code string

const (
	CodeUnknown Code = "INTERNAL"

	CodeValidation Code = "VALIDATION_ERROR"
	CodeNotFound   Code = "NOT_FOUND"

	// Authorization
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeSignatureExpired Code = "SIGNATURE_EXPIRED"
	CodeInvalidTimestamp Code = "INVALID_TIMESTAMP"

	// Listing mutation
	CodeNotFoundOrNotOwned     Code = "NOT_FOUND_OR_NOT_OWNED"
	CodeInvalidInventoryChange Code = "INVALID_INVENTORY_CHANGE"

	// Purchase
	CodeListingUnavailable Code = "LISTING_UNAVAILABLE"
	CodeListingChanged     Code = "LISTING_CHANGED"
	CodeSettlementFailed   Code = "SETTLEMENT_FAILED"
	CodeSettlementTimeout  Code = "SETTLEMENT_TIMEOUT"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"

	// Reconciliation
	CodeReconcileSellerMismatch Code = "RECONCILE_SELLER_MISMATCH"

	CodeRateLimited Code = "RATE_LIMITED"
)

// HTTPStatus maps a code to the status returned to HTTP clients.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeInvalidTimestamp, CodeInvalidInventoryChange:
		return http.StatusBadRequest
	case CodeInvalidSignature, CodeSignatureExpired:
		return http.StatusUnauthorized
	case CodeNotFound, CodeNotFoundOrNotOwned, CodeListingUnavailable:
		return http.StatusNotFound
	case CodeSettlementFailed:
		return http.StatusPaymentRequired
	case CodeSettlementTimeout:
		return http.StatusGatewayTimeout
	case CodeReconcileSellerMismatch, CodeListingChanged:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error carrying a Code, a caller-safe message and optional
// metadata for logs.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinel comparisons work with
// errors.Is(err, apperrors.New(CodeX, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New builds an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithMetadata returns a copy of e with key=value added.
func (e *Error) WithMetadata(key, value string) *Error {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// GetCode extracts the code from any error, CodeUnknown otherwise.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// Message returns the caller-safe message for err. Unknown errors collapse
// to a generic string so internals never reach clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "an unexpected error occurred"
}
