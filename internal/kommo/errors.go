package kommo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a Kommo API failure. Terminal kinds abort a whole sync
// run; everything else is a per-operation problem.
type Kind int

const (
	KindUnexpected Kind = iota
	KindAuthExpired
	KindPaymentRestricted
	KindForbidden
	KindNotFound
	KindRateLimited
	KindTransient
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindPaymentRestricted:
		return "payment_restricted"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	default:
		return "unexpected"
	}
}

// ValidationError is one entry of Kommo's validation error list.
type ValidationError struct {
	Error string `json:"error"`
}

// APIError is a classified Kommo API failure.
type APIError struct {
	StatusCode       int
	Kind             Kind
	Message          string
	ValidationErrors []ValidationError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kommo: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Terminal reports whether this failure must abort the whole run: the
// tenant has to fix credentials, billing, or permissions first.
func (e *APIError) Terminal() bool {
	switch e.Kind {
	case KindAuthExpired, KindPaymentRestricted, KindForbidden:
		return true
	}
	return false
}

// Retryable reports whether the request may be retried as-is.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// HasDuplicateError reports whether the validation errors indicate a
// duplicate contact, which triggers the search fallback.
func (e *APIError) HasDuplicateError() bool {
	for _, v := range e.ValidationErrors {
		if strings.Contains(strings.ToLower(v.Error), "duplicate") {
			return true
		}
	}
	return false
}

// IsTerminal reports whether err carries a terminal classification.
func IsTerminal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Terminal()
}

// IsRateLimited reports whether err is a 429 that survived the retries.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited
}

// errorBody is the wire shape of a Kommo error response.
type errorBody struct {
	Title            string            `json:"title"`
	Detail           string            `json:"detail"`
	ValidationErrors []ValidationError `json:"validation_errors"`
}

// classify turns a non-2xx response into an APIError.
func classify(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}

	var parsed errorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			apiErr.ValidationErrors = parsed.ValidationErrors
		}
	}

	switch statusCode {
	case http.StatusBadRequest:
		apiErr.Kind = KindValidation
		apiErr.Message = "request rejected by validation"
		if len(apiErr.ValidationErrors) > 0 {
			apiErr.Message = apiErr.ValidationErrors[0].Error
		}
	case http.StatusUnauthorized:
		apiErr.Kind = KindAuthExpired
		apiErr.Message = "access token expired or invalid, log in to Kommo again"
	case http.StatusPaymentRequired:
		apiErr.Kind = KindPaymentRestricted
		apiErr.Message = "account has payment restrictions, check the Kommo subscription"
	case http.StatusForbidden:
		apiErr.Kind = KindForbidden
		apiErr.Message = "no permission to perform this action"
	case http.StatusNotFound:
		apiErr.Kind = KindNotFound
		apiErr.Message = "resource not found"
	case http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.Message = "API limit exceeded, wait a few minutes before retrying"
	case http.StatusRequestTimeout:
		apiErr.Kind = KindTransient
		apiErr.Message = "request timed out"
	default:
		if statusCode >= 500 {
			apiErr.Kind = KindTransient
			apiErr.Message = fmt.Sprintf("server error %d", statusCode)
		} else {
			apiErr.Kind = KindUnexpected
			apiErr.Message = fmt.Sprintf("unexpected status %d", statusCode)
		}
	}

	if parsed.Detail != "" {
		apiErr.Message = parsed.Detail
	}
	return apiErr
}
