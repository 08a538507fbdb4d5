package app

import "fmt"

// Error codes surfaced to API clients. The Status on DomainError
// carries the HTTP mapping so transport handlers never re-derive it.
const (
	CodeNotFound             = "NOT_FOUND"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeLockDenied           = "LOCK_DENIED"
	CodeConflictUnresolvable = "CONFLICT_UNRESOLVABLE"
	CodePersistenceError     = "PERSISTENCE_ERROR"
	CodeTransientBackend     = "TRANSIENT_BACKEND"
	CodeValidationError      = "VALIDATION_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
