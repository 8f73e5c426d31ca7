// Package apperr defines the error taxonomy shared by the gateway, the
// budget engine and the marketplace components. Every error that crosses a
// component boundary is either an *Error or wraps one; the ingress edge maps
// the kind to an HTTP status and a public code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and client display.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindPayloadTooLarge
	KindRateLimited
	KindConfiguration
	KindConflict
	KindEmergencyStop
	KindBudgetExceeded
	KindNeedsVerification
	KindSuspiciousBlocked
	KindUpstreamUnavailable
	KindUpstreamTimeout
	KindUpstreamBadResponse
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string   // stable machine-readable code, e.g. "budget_exceeded_daily"
	Message string   // short human-readable message, safe for clients
	Window  string   // set for KindBudgetExceeded: daily|weekly|monthly|total
	Reasons []string // suspicious-activity reason strings, echoed in data
	err     error    // wrapped cause, never shown to clients
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the kind to the response status defined by the API contract.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindEmergencyStop, KindNeedsVerification, KindSuspiciousBlocked:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBudgetExceeded:
		return http.StatusForbidden
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamBadResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new typed error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: cause}
}

// Validation is a shorthand for request-shape failures.
func Validation(message string) *Error {
	return New(KindValidation, "validation_error", message)
}

// Configuration marks a server-side misconfiguration (unknown service,
// missing secret). Clients see a generic message.
func Configuration(message string, cause error) *Error {
	return Wrap(KindConfiguration, "configuration_error", message, cause)
}

// BudgetExceeded reports which spending window a request would overflow.
func BudgetExceeded(window string) *Error {
	return &Error{
		Kind:    KindBudgetExceeded,
		Code:    "budget_exceeded_" + window,
		Message: fmt.Sprintf("spending request exceeds %s limit", window),
		Window:  window,
	}
}

// EmergencyStop rejects all spending for a user with an unresolved stop.
func EmergencyStop() *Error {
	return New(KindEmergencyStop, "emergency_stop_active", "emergency stop is active for this user")
}

// NeedsVerification asks the caller to complete additional verification.
func NeedsVerification(reasons []string) *Error {
	return &Error{
		Kind:    KindNeedsVerification,
		Code:    "needs_verification",
		Message: "additional verification required before this transaction",
		Reasons: reasons,
	}
}

// SuspiciousBlocked rejects a transaction flagged by the activity scorer.
func SuspiciousBlocked(reasons []string) *Error {
	return &Error{
		Kind:    KindSuspiciousBlocked,
		Code:    "suspicious_activity_blocked",
		Message: "transaction blocked by suspicious-activity checks",
		Reasons: reasons,
	}
}

// As extracts a typed error from an error chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// StatusOf returns the HTTP status for any error; plain errors map to 500.
func StatusOf(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// CodeOf returns the public code for any error; plain errors map to
// "internal_error".
func CodeOf(err error) string {
	if e := As(err); e != nil {
		return e.Code
	}
	return "internal_error"
}
