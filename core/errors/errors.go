// Package kernelerrors defines the structured error surface of the grant
// kernel. Every failure leaving a command handler is one of the categories
// below, carrying a stable code and an optional details map; transports can
// map categories to status codes without inspecting message text.
package kernelerrors

import (
	"errors"
	"fmt"
)

// Category discriminates the error taxonomy.
type Category string

const (
	CategoryValidation    Category = "VALIDATION"
	CategoryBusinessRule  Category = "BUSINESS_RULE"
	CategoryConcurrency   Category = "CONCURRENCY"
	CategoryNotFound      Category = "NOT_FOUND"
	CategoryInvariant     Category = "INVARIANT_VIOLATION"
	CategoryAuthorization Category = "AUTHORIZATION"
)

// Stable error codes.
const (
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeLIRPCopayForbidden    = "LIRP_COPAY_FORBIDDEN"
	CodeVoucherExpired        = "VOUCHER_EXPIRED"
	CodeVoucherNotTentative   = "VOUCHER_NOT_TENTATIVE"
	CodeGrantPeriodEnded      = "GRANT_PERIOD_ENDED"
	CodeGrantNotActive        = "GRANT_NOT_ACTIVE"
	CodeVoucherNotRedeemable  = "VOUCHER_NOT_REDEEMABLE"
	CodeClaimDeadlinePassed   = "CLAIM_DEADLINE_PASSED"
	CodeClinicNotActive       = "CLINIC_NOT_ACTIVE"
	CodeLicenseNotValid       = "LICENSE_NOT_VALID"
	CodeCannotSubmit          = "APPLICATION_CANNOT_BE_SUBMITTED"
	CodeOperationInProgress   = "OPERATION_IN_PROGRESS"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeAggregateNotFound     = "AGGREGATE_NOT_FOUND"
	CodeInvariantBroken       = "INVARIANT_BROKEN"
	CodeIllegalTransition     = "ILLEGAL_TRANSITION"
	CodeForbidden             = "FORBIDDEN"
	CodeInvoiceLocked         = "INVOICE_LOCKED"
	CodeClaimAlreadyDecided   = "CLAIM_ALREADY_DECIDED"
	CodeAdjustmentUnavailable = "ADJUSTMENT_UNAVAILABLE"
)

// Error is the structured kernel error.
type Error struct {
	Category Category
	Code     string
	Message  string
	Details  map[string]string
	cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return fmt.Sprintf("%s/%s", e.Category, e.Code)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns a copy of the error with one detail entry added.
func (e *Error) WithDetail(key, value string) *Error {
	clone := *e
	clone.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// Validation builds a validation error.
func Validation(code, format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// BusinessRule builds a business-rule error.
func BusinessRule(code, format string, args ...any) *Error {
	return &Error{Category: CategoryBusinessRule, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Concurrency builds a concurrency error. Callers may retry.
func Concurrency(code, format string, args ...any) *Error {
	return &Error{Category: CategoryConcurrency, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds an unknown-aggregate error.
func NotFound(format string, args ...any) *Error {
	return &Error{Category: CategoryNotFound, Code: CodeAggregateNotFound, Message: fmt.Sprintf(format, args...)}
}

// Invariant builds an invariant-violation error. These are fatal for the
// enclosing command and never a business outcome.
func Invariant(code, format string, args ...any) *Error {
	return &Error{Category: CategoryInvariant, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Authorization builds an access error for ownership checks.
func Authorization(format string, args ...any) *Error {
	return &Error{Category: CategoryAuthorization, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to the error, preserving category and code.
func Wrap(err *Error, cause error) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.cause = cause
	return &clone
}

// CategoryOf extracts the category from an error chain, or "" when the
// error is not a kernel error.
func CategoryOf(err error) Category {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Category
	}
	return ""
}

// CodeOf extracts the stable code from an error chain, or "" when the error
// is not a kernel error.
func CodeOf(err error) string {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Code
	}
	return ""
}

// IsRetryable reports whether the caller may safely retry the command.
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryConcurrency
}
