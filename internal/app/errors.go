package app

import "fmt"

// DomainError is a failure the client is meant to see: a stable code
// (LOCK_INVALID, VALIDATION_ERROR, ...) with its HTTP status. Anything
// that is not a DomainError is mapped to a generic response by mapError
// and the detail stays in the server log.
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
