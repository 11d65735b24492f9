package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/character-harvester/internal/types"
)

// ErrorCategory groups errors by how the harvester reacts to them.
type ErrorCategory string

const (
	CategorySystem     ErrorCategory = "system"
	CategoryDatabase   ErrorCategory = "database"
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	// CategoryUpstream covers the profile site and the rankings API.
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryCredential covers bearer token and points refreshes.
	CategoryCredential ErrorCategory = "credential"
	// CategoryLease is a worker's view of an unreachable lease server.
	CategoryLease ErrorCategory = "lease"
)

// Codes carried in types.ServiceError.Code.
const (
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUpstream           = "UPSTREAM_ERROR"
	CodeCredential         = "CREDENTIAL_ERROR"
	CodeLeaseUnavailable   = "LEASE_UNAVAILABLE"
)

type codeClass struct {
	category ErrorCategory
	status   int
}

var codeClasses = map[string]codeClass{
	CodeInvalidParameter:   {CategoryValidation, http.StatusBadRequest},
	CodeNotFound:           {CategoryNotFound, http.StatusNotFound},
	CodeRateLimitExceeded:  {CategoryRateLimit, http.StatusTooManyRequests},
	CodeInternal:           {CategorySystem, http.StatusInternalServerError},
	CodeDatabase:           {CategoryDatabase, http.StatusServiceUnavailable},
	CodeServiceUnavailable: {CategorySystem, http.StatusServiceUnavailable},
	CodeUpstream:           {CategoryUpstream, http.StatusBadGateway},
	CodeCredential:         {CategoryCredential, http.StatusBadGateway},
	CodeLeaseUnavailable:   {CategoryLease, http.StatusServiceUnavailable},
}

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

func newError(code, message string, cause error, details map[string]interface{}) *CategorizedError {
	class, ok := codeClasses[code]
	if !ok {
		class = codeClasses[CodeInternal]
	}
	return &CategorizedError{
		Category:   class.category,
		StatusCode: class.status,
		Code:       code,
		Message:    message,
		Details:    details,
		Cause:      cause,
	}
}

func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire form. The cause is not exposed.
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError rejects a request parameter, e.g. a lease kind.
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return newError(CodeInvalidParameter, fmt.Sprintf("invalid parameter '%s': %s", param, reason), nil,
		map[string]interface{}{"parameter": param, "reason": reason})
}

func NewNotFoundError(resource string, id string) *CategorizedError {
	return newError(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), nil,
		map[string]interface{}{"resource": resource, "id": id})
}

// NewRateLimitError is returned to a worker polling the lease server too fast.
func NewRateLimitError(retryAfter int) *CategorizedError {
	return newError(CodeRateLimitExceeded, "rate limit exceeded", nil,
		map[string]interface{}{"retryAfter": retryAfter})
}

func NewInternalError(message string, cause error) *CategorizedError {
	return newError(CodeInternal, message, cause, nil)
}

// NewDatabaseError wraps a record store failure.
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return newError(CodeDatabase, fmt.Sprintf("database error during %s", operation), cause,
		map[string]interface{}{"operation": operation})
}

func NewServiceUnavailableError(service string) *CategorizedError {
	return newError(CodeServiceUnavailable, fmt.Sprintf("service unavailable: %s", service), nil,
		map[string]interface{}{"service": service})
}

// NewUpstreamError wraps a transport or protocol failure talking to a scraped site.
func NewUpstreamError(upstream string, statusCode int, cause error) *CategorizedError {
	return newError(CodeUpstream, fmt.Sprintf("upstream error: %s", upstream), cause,
		map[string]interface{}{"upstream": upstream, "upstreamStatus": statusCode})
}

// NewCredentialError is returned when a token or points refresh fails.
func NewCredentialError(operation string, cause error) *CategorizedError {
	return newError(CodeCredential, fmt.Sprintf("credential error during %s", operation), cause,
		map[string]interface{}{"operation": operation})
}

// NewLeaseUnavailableError is returned to workers when the lease server
// cannot be reached or answers with a server error.
func NewLeaseUnavailableError(statusCode int, cause error) *CategorizedError {
	return newError(CodeLeaseUnavailable, "lease authority unavailable", cause,
		map[string]interface{}{"leaseStatus": statusCode})
}

// Categorize finds the CategorizedError in err's chain. A ServiceError decoded
// from a lease server response is classified by its code; anything else is
// an internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return newError(svcErr.Code, svcErr.Message, nil, svcErr.Details)
	}

	return NewInternalError("unexpected error", err)
}

func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err is transient. Lease, store, upstream and
// credential failures are retried on the next cycle.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryDatabase, CategoryCredential, CategoryLease, CategoryRateLimit:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError reports a 4xx error.
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
