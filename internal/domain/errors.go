package domain

import (
	"fmt"
	"time"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodePermission          = "PERMISSION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeVersionConflict     = "VERSION_CONFLICT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeBudgetExceeded      = "BUDGET_EXCEEDED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderError       = "PROVIDER_ERROR"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeInvalidOperation    = "INVALID_OPERATION"
)

// Validation errors
var (
	ErrInvalidEntryStatus   = NewDomainError(ErrCodeValidation, "invalid entry status")
	ErrInvalidJobState      = NewDomainError(ErrCodeValidation, "invalid embedding job state")
	ErrContentTooShort      = NewDomainError(ErrCodeValidation, "entry content is too short")
	ErrContentTooLong       = NewDomainError(ErrCodeValidation, "entry content is too long")
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
)

// Not found errors
var (
	ErrEntryNotFound        = NewDomainError(ErrCodeNotFound, "knowledge entry not found")
	ErrSnapshotNotFound     = NewDomainError(ErrCodeNotFound, "version snapshot not found")
	ErrOrganizationNotFound = NewDomainError(ErrCodeNotFound, "organization not found")
	ErrAPIKeyNotFound       = NewDomainError(ErrCodeNotFound, "api key not found")
)

// Already exists errors
var (
	ErrOrganizationAlreadyExists = NewDomainError(ErrCodeAlreadyExists, "organization already exists")
	ErrAPIKeyAlreadyExists       = NewDomainError(ErrCodeAlreadyExists, "api key already exists")
)

// Concurrency errors
var (
	// ErrVersionConflict is returned when an optimistic-concurrency check loses.
	ErrVersionConflict = NewDomainError(ErrCodeVersionConflict, "entry was modified concurrently, reload and retry")
)

// Permission errors
var (
	ErrPermissionDenied = NewDomainError(ErrCodePermission, "caller role is not allowed to perform this operation")
)

// Authorization errors
var (
	ErrAPIKeyRevoked = NewDomainError(ErrCodeUnauthorized, "api key has been revoked")
	ErrInvalidAPIKey = NewDomainError(ErrCodeUnauthorized, "invalid api key")
)

// Operation errors
var (
	ErrCannotModifyDeleted = NewDomainError(ErrCodeInvalidOperation, "cannot modify a deleted entry")
)

// RateLimitError is returned when a sliding-window admission check rejects a request.
// RetryAfter tells the caller how long to wait before the window has capacity again.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("[%s] rate limit exceeded for %q, retry after %s", ErrCodeRateLimited, e.Key, e.RetryAfter)
}

// Budget rejection reasons
const (
	BudgetReasonHardLimit      = "hard_limit"
	BudgetReasonGlobalDisabled = "global_disabled"
)

// BudgetError is returned when a spend reservation is rejected.
type BudgetError struct {
	OrgID  string
	Reason string
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("[%s] budget reservation rejected for org %s: %s", ErrCodeBudgetExceeded, e.OrgID, e.Reason)
}

// ProviderUnavailableError is returned when a circuit is open and the call was
// short-circuited without any network attempt.
type ProviderUnavailableError struct {
	Provider ProviderID
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("[%s] circuit open for provider %s", ErrCodeProviderUnavailable, e.Provider)
}

// ProviderCallError is returned when a provider call was attempted and failed or timed out.
type ProviderCallError struct {
	Provider ProviderID
	Err      error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("[%s] provider %s call failed: %v", ErrCodeProviderError, e.Provider, e.Err)
}

func (e *ProviderCallError) Unwrap() error {
	return e.Err
}
