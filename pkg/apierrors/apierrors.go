// Package apierrors maps outbound API failures into the closed category
// taxonomy the dispatch engine acts on. Classification is the only place that
// inspects raw remote error shapes; everything downstream switches on
// Category and the typed fields.
package apierrors

import (
	"fmt"
	"time"
)

// Category identifies the failure class of an API call
type Category string

// The closed category set
const (
	CategoryRequiresUserAction Category = "REQUIRES_USER_ACTION"
	CategoryAuthError          Category = "AUTH_ERROR"
	CategoryTemporaryFailure   Category = "TEMPORARY_FAILURE"
	CategorySystemError        Category = "SYSTEM_ERROR"
	CategoryNetworkError       Category = "NETWORK_ERROR"
	CategoryUnknownError       Category = "UNKNOWN_ERROR"
)

// Retryable reports whether errors of this category may be retried
func (c Category) Retryable() bool {
	return c == CategoryTemporaryFailure || c == CategoryNetworkError
}

// PermissionInfo carries the permission details a 403 response exposed
type PermissionInfo struct {
	Permission          string   `json:"permission,omitempty"`
	RequiredPermissions []string `json:"requiredPermissions,omitempty"`
}

// APIError is the classified outcome of a failed API call
type APIError struct {
	Category           Category        `json:"category"`
	StatusCode         int             `json:"statusCode,omitempty"`
	Message            string          `json:"message"`
	CanRetry           bool            `json:"canRetry"`
	UserActionRequired bool            `json:"userActionRequired"`
	ValidationErrors   []string        `json:"validationErrors,omitempty"`
	PermissionInfo     *PermissionInfo `json:"permissionInfo,omitempty"`
	UserActionGuidance string          `json:"userActionGuidance,omitempty"`

	// RetryAfter is the server-requested delay on 429 responses; zero when
	// the header was absent or unparseable.
	RetryAfter time.Duration `json:"-"`

	cause error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Category, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the causal error for errors.Is/As chains
func (e *APIError) Unwrap() error {
	return e.cause
}

// WithCause attaches the causal error
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// New creates an APIError with category-derived retry flags
func New(category Category, message string) *APIError {
	return &APIError{
		Category:           category,
		Message:            message,
		CanRetry:           category.Retryable(),
		UserActionRequired: category == CategoryRequiresUserAction,
	}
}

// NewSystemError creates a SYSTEM_ERROR with the given message
func NewSystemError(message string) *APIError {
	return New(CategorySystemError, message)
}

// NewNetworkError creates a NETWORK_ERROR with the given message
func NewNetworkError(message string) *APIError {
	return New(CategoryNetworkError, message)
}

// AsAPIError returns err as an *APIError, classifying it first when it is not
// one already. A nil err returns nil.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return Classify(nil, err)
}
