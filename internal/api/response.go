package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
)

// SuccessResponse wraps successful API responses
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainErrorToHTTP maps domain error codes to HTTP status codes
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeAlreadyExists:
		return http.StatusConflict
	case domain.ErrCodeVersionConflict:
		return http.StatusConflict
	case domain.ErrCodePermission:
		return http.StatusForbidden
	case domain.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrCodeInvalidOperation:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes the error response appropriate for the error type.
// Pipeline guard errors carry their own shape: a rate-limit rejection sets
// Retry-After, a budget rejection maps to 402, an open circuit to 503 and
// a failed provider call to 502. Everything else goes through the domain
// error code table.
func HandleError(w http.ResponseWriter, err error) {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		seconds := int(rateErr.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		JSON(w, http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: domain.ErrCodeRateLimited})
		return
	}

	var budgetErr *domain.BudgetError
	if errors.As(err, &budgetErr) {
		JSON(w, http.StatusPaymentRequired, ErrorResponse{Error: err.Error(), Code: domain.ErrCodeBudgetExceeded})
		return
	}

	var unavailableErr *domain.ProviderUnavailableError
	if errors.As(err, &unavailableErr) {
		JSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: domain.ErrCodeProviderUnavailable})
		return
	}

	var callErr *domain.ProviderCallError
	if errors.As(err, &callErr) {
		JSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: domain.ErrCodeProviderError})
		return
	}

	status := DomainErrorToHTTP(err)
	code := ""
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		code = domainErr.Code
	}
	JSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
