package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// DomainErrorType represents the category of domain error
type DomainErrorType string

const (
	// DomainValidationError indicates input validation failure
	DomainValidationError DomainErrorType = "VALIDATION_ERROR"

	// DomainBusinessRuleError indicates a business rule violation
	DomainBusinessRuleError DomainErrorType = "BUSINESS_RULE_ERROR"

	// DomainNotFoundError indicates a resource was not found
	DomainNotFoundError DomainErrorType = "NOT_FOUND"

	// DomainConflictError indicates a conflict with existing state
	DomainConflictError DomainErrorType = "CONFLICT"

	// DomainCorruptionError indicates the stored tree violates a structural invariant
	DomainCorruptionError DomainErrorType = "CORRUPTION_ERROR"

	// DomainInfrastructureError indicates an infrastructure-level failure
	DomainInfrastructureError DomainErrorType = "INFRASTRUCTURE_ERROR"
)

// Error codes raised by the outline engine.
const (
	CodeMissingParent      = "MISSING_PARENT"
	CodeChildrenMapCorrupt = "CHILDREN_MAP_CORRUPT"
	CodeThoughtNotFound    = "THOUGHT_NOT_FOUND"
	CodeDuplicateValue     = "DUPLICATE_VALUE"
	CodeInvalidMove        = "INVALID_MOVE"
	CodeRootImmutable      = "ROOT_IMMUTABLE"
	CodeSchemaMismatch     = "SCHEMA_MISMATCH"
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// DomainError represents a domain-specific error with rich context
type DomainError struct {
	Type      DomainErrorType        `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

// NewDomainError creates a new domain error
func NewDomainError(errorType DomainErrorType, code string, message string) *DomainError {
	return &DomainError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// WithCause adds a cause to the error
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	e.Details[key] = value
	return e
}

// WithRetryable sets whether the error is retryable
func (e *DomainError) WithRetryable(retryable bool) *DomainError {
	e.Retryable = retryable
	return e
}

// Is matches on type and code so sentinel errors work with errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// Unwrap returns the underlying cause
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// StatusCode maps the error type to an HTTP status code
func (e *DomainError) StatusCode() int {
	switch e.Type {
	case DomainValidationError:
		return http.StatusBadRequest
	case DomainBusinessRuleError:
		return http.StatusUnprocessableEntity
	case DomainNotFoundError:
		return http.StatusNotFound
	case DomainConflictError, DomainCorruptionError:
		return http.StatusConflict
	case DomainInfrastructureError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is comparisons. Use the constructors below to build
// instances with details; never mutate these.
var (
	ErrMissingParent      = &DomainError{Type: DomainCorruptionError, Code: CodeMissingParent}
	ErrChildrenMapCorrupt = &DomainError{Type: DomainCorruptionError, Code: CodeChildrenMapCorrupt}
	ErrThoughtNotFound    = &DomainError{Type: DomainNotFoundError, Code: CodeThoughtNotFound}
	ErrDuplicateValue     = &DomainError{Type: DomainConflictError, Code: CodeDuplicateValue}
	ErrInvalidMove        = &DomainError{Type: DomainBusinessRuleError, Code: CodeInvalidMove}
	ErrRootImmutable      = &DomainError{Type: DomainBusinessRuleError, Code: CodeRootImmutable}
	ErrSchemaMismatch     = &DomainError{Type: DomainConflictError, Code: CodeSchemaMismatch}
	ErrNetworkUnavailable = &DomainError{Type: DomainInfrastructureError, Code: CodeNetworkUnavailable}
	ErrStorageUnavailable = &DomainError{Type: DomainInfrastructureError, Code: CodeStorageUnavailable}
)

// NewMissingParentError reports a thought whose parent does not resolve
func NewMissingParentError(thoughtID, parentID string) *DomainError {
	return NewDomainError(DomainCorruptionError, CodeMissingParent, "parent thought does not exist").
		WithDetail("thought_id", thoughtID).
		WithDetail("parent_id", parentID)
}

// NewChildrenMapCorruptError reports a parent whose children map does not list the child
func NewChildrenMapCorruptError(thoughtID, parentID string) *DomainError {
	return NewDomainError(DomainCorruptionError, CodeChildrenMapCorrupt, "parent children map does not list thought").
		WithDetail("thought_id", thoughtID).
		WithDetail("parent_id", parentID)
}

// NewThoughtNotFoundError reports an unknown thought id
func NewThoughtNotFoundError(thoughtID string) *DomainError {
	return NewDomainError(DomainNotFoundError, CodeThoughtNotFound, "thought does not exist").
		WithDetail("thought_id", thoughtID)
}

// NewDuplicateValueError reports a value that already exists in the target context
func NewDuplicateValueError(parentID, value string) *DomainError {
	return NewDomainError(DomainConflictError, CodeDuplicateValue, "value already exists in this context").
		WithDetail("parent_id", parentID).
		WithDetail("value", value)
}

// NewInvalidMoveError reports a move into the thought's own subtree
func NewInvalidMoveError(thoughtID, parentID string) *DomainError {
	return NewDomainError(DomainBusinessRuleError, CodeInvalidMove, "cannot move a thought into its own subtree").
		WithDetail("thought_id", thoughtID).
		WithDetail("parent_id", parentID)
}

// NewRootImmutableError reports an edit addressed at the root sentinel
func NewRootImmutableError(op string) *DomainError {
	return NewDomainError(DomainBusinessRuleError, CodeRootImmutable, "the root thought cannot be modified").
		WithDetail("operation", op)
}

// NewSchemaMismatchError reports a batch whose schema has no migration path
func NewSchemaMismatchError(batchVersion, localVersion int) *DomainError {
	return NewDomainError(DomainConflictError, CodeSchemaMismatch, "batch schema version has no migration path").
		WithDetail("batch_version", batchVersion).
		WithDetail("local_version", localVersion).
		WithRetryable(true)
}

// NewNetworkUnavailableError reports a transient broadcast failure
func NewNetworkUnavailableError(cause error) *DomainError {
	return NewDomainError(DomainInfrastructureError, CodeNetworkUnavailable, "remote replication unavailable").
		WithCause(cause).
		WithRetryable(true)
}

// NewStorageUnavailableError reports a transient persistence failure
func NewStorageUnavailableError(operation string, cause error) *DomainError {
	return NewDomainError(DomainInfrastructureError, CodeStorageUnavailable, "local storage unavailable").
		WithDetail("operation", operation).
		WithCause(cause).
		WithRetryable(true)
}

// GetDomainError extracts DomainError from an error chain
func GetDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// IsCode checks if an error carries the given domain error code
func IsCode(err error, code string) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Code == code
}

// IsRetryable reports whether the error is marked retryable
func IsRetryable(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Retryable
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Type == DomainNotFoundError
}

// HTTPStatus resolves the HTTP status for any error in the chain
func HTTPStatus(err error) int {
	if domainErr := GetDomainError(err); domainErr != nil {
		return domainErr.StatusCode()
	}
	if appErr := GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
